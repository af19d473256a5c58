// ABOUTME: Bug report upload intake and the admin browser for stored archives.
// ABOUTME: Secret-gated routes under the reserved /-/ prefix.

package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bwolfe502/pacbot-relay/internal/store"
)

// requireSecret guards upload/admin routes with the same shared secret as
// the control connection.
func (s *Server) requireSecret(w http.ResponseWriter, r *http.Request) bool {
	if s.checkSecret(r) {
		return true
	}
	s.metrics.AuthFailures.Inc()
	http.Error(w, "Invalid secret", http.StatusForbidden)
	return false
}

// sanitizeBotName validates a bot name used in filesystem paths.
func sanitizeBotName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if !validIdentity(name) {
		return "", fmt.Errorf("invalid bot name")
	}
	return name, nil
}

// handleUpload accepts a bug report zip at POST /-/upload?bot=NAME.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.requireSecret(w, r) {
		return
	}

	bot, err := sanitizeBotName(r.URL.Query().Get("bot"))
	if err != nil {
		http.Error(w, "Invalid bot name", http.StatusBadRequest)
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "Expected multipart upload", http.StatusBadRequest)
		return
	}
	part, err := mr.NextPart()
	if err != nil || part.FormName() != "file" {
		http.Error(w, "Missing 'file' field", http.StatusBadRequest)
		return
	}
	defer part.Close()

	botDir := filepath.Join(s.uploadDir, bot)
	if err := os.MkdirAll(botDir, 0755); err != nil {
		s.logger.Error("creating upload directory", "bot", bot, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	filename := fmt.Sprintf("bugreport_%s.zip", time.Now().UTC().Format("20060102_150405"))
	dest := filepath.Join(botDir, filename)

	maxBytes := s.uploadMaxSizeMB * 1024 * 1024
	size, err := writeCapped(dest, part, maxBytes)
	if err != nil {
		_ = os.Remove(dest)
		if errors.Is(err, errUploadTooLarge) {
			http.Error(w, fmt.Sprintf("Upload exceeds %d MB limit", s.uploadMaxSizeMB), http.StatusRequestEntityTooLarge)
			return
		}
		s.logger.Error("writing upload", "bot", bot, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.pruneUploads(r, bot, botDir)
	s.metrics.UploadsReceived.Inc()

	if err := s.store.RecordUpload(r.Context(), &store.Upload{
		Bot:       bot,
		Filename:  filename,
		SizeBytes: size,
	}); err != nil {
		s.logger.Warn("recording upload metadata", "bot", bot, "error", err)
	}

	s.logger.Info("upload received", "bot", bot, "file", filename, "size", formatSize(size))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"size":   size,
		"file":   filename,
	})
}

var errUploadTooLarge = errors.New("upload exceeds size limit")

// writeCapped streams src to path, failing once more than maxBytes arrive.
func writeCapped(path string, src io.Reader, maxBytes int64) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(src, maxBytes+1))
	if err != nil {
		return n, err
	}
	if n > maxBytes {
		return n, errUploadTooLarge
	}
	return n, nil
}

// pruneUploads keeps only the newest keepPerBot zip files in a bot's
// directory, removing pruned files from the store as well.
func (s *Server) pruneUploads(r *http.Request, bot, botDir string) {
	entries, err := os.ReadDir(botDir)
	if err != nil {
		return
	}

	type zipFile struct {
		name string
		mod  time.Time
	}
	var zips []zipFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		zips = append(zips, zipFile{name: e.Name(), mod: info.ModTime()})
	}
	if len(zips) <= s.uploadKeepPerBot {
		return
	}

	sort.Slice(zips, func(i, j int) bool { return zips[i].mod.Before(zips[j].mod) })
	for _, old := range zips[:len(zips)-s.uploadKeepPerBot] {
		if err := os.Remove(filepath.Join(botDir, old.name)); err != nil {
			continue
		}
		_ = s.store.DeleteUpload(r.Context(), bot, old.name)
		s.logger.Info("pruned old upload", "bot", bot, "file", old.name)
	}
}

// secretQuery echoes a legacy query-param secret so admin page links keep
// working; bearer-authenticated requests produce clean links.
func secretQuery(r *http.Request) string {
	if q := r.URL.Query().Get("secret"); q != "" {
		return "?secret=" + q
	}
	return ""
}

type adminBotRow struct {
	Name   string
	Count  int
	Size   string
	Online bool
}

// handleAdmin lists all bots with uploads at GET /-/admin.
func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	bots, err := s.store.ListUploadBots(r.Context())
	if err != nil {
		s.logger.Error("listing upload bots", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	var rows []adminBotRow
	var totalSize int64
	for _, bot := range bots {
		uploads, err := s.store.ListUploads(r.Context(), bot)
		if err != nil || len(uploads) == 0 {
			continue
		}
		var size int64
		for _, up := range uploads {
			size += up.SizeBytes
		}
		totalSize += size
		rows = append(rows, adminBotRow{
			Name:   bot,
			Count:  len(uploads),
			Size:   formatSize(size),
			Online: s.registry.IsOnline(bot),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = adminTmpl.Execute(w, struct {
		Title       string
		Bots        []adminBotRow
		TotalSize   string
		SecretQuery string
	}{
		Title:       "PACbot Admin",
		Bots:        rows,
		TotalSize:   formatSize(totalSize),
		SecretQuery: secretQuery(r),
	})
	if err != nil {
		s.logger.Warn("rendering admin page", "error", err)
	}
}

type adminFileRow struct {
	Name string
	Size string
	Age  string
}

// handleAdminBot lists or deletes a bot's uploads at /-/admin/uploads/{bot}.
func (s *Server) handleAdminBot(w http.ResponseWriter, r *http.Request, bot string) {
	bot, err := sanitizeBotName(bot)
	if err != nil {
		http.Error(w, "Invalid bot name", http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodDelete {
		s.deleteAllUploads(w, r, bot)
		return
	}

	uploads, err := s.store.ListUploads(r.Context(), bot)
	if err != nil {
		s.logger.Error("listing uploads", "bot", bot, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if len(uploads) == 0 {
		http.Error(w, "No uploads for this bot", http.StatusNotFound)
		return
	}

	rows := make([]adminFileRow, 0, len(uploads))
	for _, up := range uploads {
		rows = append(rows, adminFileRow{
			Name: up.Filename,
			Size: formatSize(up.SizeBytes),
			Age:  formatAge(up.CreatedAt),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = adminBotTmpl.Execute(w, struct {
		Bot         string
		Files       []adminFileRow
		SecretQuery string
	}{
		Bot:         bot,
		Files:       rows,
		SecretQuery: secretQuery(r),
	})
	if err != nil {
		s.logger.Warn("rendering admin bot page", "error", err)
	}
}

// deleteAllUploads removes every archive for one bot.
func (s *Server) deleteAllUploads(w http.ResponseWriter, r *http.Request, bot string) {
	botDir := filepath.Join(s.uploadDir, bot)
	entries, err := os.ReadDir(botDir)
	if err != nil {
		http.Error(w, "No uploads for this bot", http.StatusNotFound)
		return
	}

	var count int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		if err := os.Remove(filepath.Join(botDir, e.Name())); err == nil {
			count++
		}
	}
	_ = os.Remove(botDir)
	if _, err := s.store.DeleteUploadsForBot(r.Context(), bot); err != nil {
		s.logger.Warn("clearing upload metadata", "bot", bot, "error", err)
	}

	s.logger.Info("admin deleted all uploads", "bot", bot, "count", count)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "deleted": count})
}

// handleAdminFile downloads or deletes one archive at
// /-/admin/uploads/{bot}/{filename}.
func (s *Server) handleAdminFile(w http.ResponseWriter, r *http.Request, bot, filename string) {
	bot, err := sanitizeBotName(bot)
	if err != nil {
		http.Error(w, "Invalid bot name", http.StatusBadRequest)
		return
	}
	if strings.ContainsAny(filename, "/\\") || strings.Contains(filename, "..") {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}
	if !strings.HasSuffix(filename, ".zip") {
		http.Error(w, "Only .zip files", http.StatusBadRequest)
		return
	}

	path := filepath.Join(s.uploadDir, bot, filename)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	if r.Method == http.MethodDelete {
		if err := os.Remove(path); err != nil {
			s.logger.Error("deleting upload", "bot", bot, "file", filename, "error", err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		_ = s.store.DeleteUpload(r.Context(), bot, filename)
		s.logger.Info("admin deleted upload", "bot", bot, "file", filename)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "deleted": filename})
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	http.ServeFile(w, r, path)
}

// handleAdminRoutes dispatches /-/admin and /-/admin/uploads/... paths.
func (s *Server) handleAdminRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.requireSecret(w, r) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/-/admin")
	rest = strings.Trim(rest, "/")
	if rest == "" || rest == "uploads" {
		s.handleAdmin(w, r)
		return
	}

	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[0] != "uploads" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 {
		s.handleAdminBot(w, r, parts[1])
		return
	}
	s.handleAdminFile(w, r, parts[1], parts[2])
}
