// ABOUTME: Browser-facing proxy path: builds envelopes, awaits correlated replies.
// ABOUTME: Applies header hygiene and path-prefix rewriting to proxied responses.

package relay

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bwolfe502/pacbot-relay/internal/protocol"
)

// Headers the transport recomputes itself; never copied from a proxied
// response back onto the HTTP layer.
var hopHeaders = []string{"Content-Length", "Transfer-Encoding", "Connection", "Content-Encoding"}

// requestSkipHeaders are browser request headers not forwarded to agents.
var requestSkipHeaders = map[string]bool{
	"host":              true,
	"transfer-encoding": true,
}

// handleProxy serves everything that is not a reserved /-/ or /ws/ route:
// the landing page at "/", and /<bot>/... proxied to that bot.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" || r.URL.Path == "" {
		s.serveLanding(w)
		return
	}

	// Anything under the reserved prefix that did not match a real route is
	// not a bot path.
	if strings.HasPrefix(r.URL.Path, "/-/") {
		http.NotFound(w, r)
		return
	}

	trimmed := strings.Trim(r.URL.Path, "/")
	identity, rest, hasRest := strings.Cut(trimmed, "/")
	subPath := "/"
	if hasRest {
		subPath += rest
	}

	// /<bot> without a trailing slash redirects to /<bot>/ so relative
	// links inside the dashboard resolve under the bot's prefix.
	if !hasRest && !strings.HasSuffix(r.URL.Path, "/") {
		http.Redirect(w, r, "/"+identity+"/", http.StatusFound)
		return
	}

	conn, ok := s.registry.Lookup(identity)
	if !ok {
		s.metrics.RequestsProxied.WithLabelValues("offline").Inc()
		s.serveOffline(w, identity)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxMessageBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	forwardPath := subPath
	if r.URL.RawQuery != "" {
		forwardPath += "?" + r.URL.RawQuery
	}

	envelope := &protocol.RequestEnvelope{
		ID:      uuid.New().String(),
		Method:  r.Method,
		Path:    forwardPath,
		Headers: flattenRequestHeaders(r.Header),
		BodyB64: protocol.EncodeBody(body),
	}

	pending := conn.CreatePending(envelope.ID)
	if err := conn.Send(envelope); err != nil {
		conn.RemovePending(envelope.ID)
		s.logger.Warn("failed to send envelope", "bot", identity, "error", err)
		s.metrics.RequestsProxied.WithLabelValues("offline").Inc()
		s.serveOffline(w, identity)
		return
	}

	select {
	case result := <-pending:
		if result.Stream != nil {
			s.metrics.RequestsProxied.WithLabelValues("stream").Inc()
			s.serveStream(w, r, conn, result.Stream)
			return
		}
		s.metrics.RequestsProxied.WithLabelValues("ok").Inc()
		s.writeProxiedResponse(w, identity, result.Response)

	case <-time.After(s.requestTimeout):
		conn.RemovePending(envelope.ID)
		s.metrics.RequestsProxied.WithLabelValues("timeout").Inc()
		http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)

	case <-r.Context().Done():
		// Browser went away; abandon the wait. A late reply is dropped by
		// the read loop since the pending entry is gone.
		conn.RemovePending(envelope.ID)
		s.metrics.RequestsProxied.WithLabelValues("abandoned").Inc()
	}
}

// flattenRequestHeaders converts an http.Header to the single-valued map the
// envelope carries, skipping headers the local transport must recompute.
func flattenRequestHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		if requestSkipHeaders[strings.ToLower(k)] || len(vals) == 0 {
			continue
		}
		out[k] = strings.Join(vals, ", ")
	}
	return out
}

// writeProxiedResponse turns a ResponseMessage into the browser-facing HTTP
// response: hop-by-hop headers stripped, redirect and HTML link targets
// prefixed with the bot's routing segment.
func (s *Server) writeProxiedResponse(w http.ResponseWriter, identity string, resp *protocol.ResponseMessage) {
	body, err := resp.Body()
	if err != nil {
		s.logger.Warn("proxied response with bad body encoding", "bot", identity, "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	headers := cloneWithoutHopHeaders(resp.Headers)

	if isHTML(headers) {
		body = rewriteHTMLBody(body, identity)
	}

	if loc := headerGet(headers, "Location"); loc != "" &&
		strings.HasPrefix(loc, "/") && !strings.HasPrefix(loc, "/"+identity+"/") {
		headerSet(headers, "Location", "/"+identity+loc)
	}

	for k, v := range headers {
		w.Header().Set(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// cloneWithoutHopHeaders copies a header map minus transport-managed entries.
func cloneWithoutHopHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		skip := false
		for _, hop := range hopHeaders {
			if strings.EqualFold(k, hop) {
				skip = true
				break
			}
		}
		if !skip {
			out[k] = v
		}
	}
	return out
}

// headerGet does a case-insensitive lookup in a flattened header map.
func headerGet(h map[string]string, key string) string {
	for k, v := range h {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// headerSet replaces a key case-insensitively in a flattened header map.
func headerSet(h map[string]string, key, value string) {
	for k := range h {
		if strings.EqualFold(k, key) {
			delete(h, k)
		}
	}
	h[key] = value
}

func isHTML(headers map[string]string) bool {
	return strings.Contains(headerGet(headers, "Content-Type"), "text/html")
}

// htmlLinkPrefixes are the attribute and script fragments whose same-origin
// absolute paths must gain the bot prefix for path-based routing to work.
var htmlLinkPrefixes = []string{
	`href="`, `href='`,
	`src="`, `src='`,
	`action="`, `action='`,
	`fetch("`, `fetch('`,
	`location="`, `location='`,
	`location.href="`, `location.href='`,
	`window.location="`, `window.location='`,
}

// rewriteHTMLBody prefixes same-origin absolute URLs in an HTML body with
// /<identity> so relative navigation keeps working through the relay.
func rewriteHTMLBody(body []byte, identity string) []byte {
	html := string(body)
	prefix := "/" + identity
	pairs := make([]string, 0, len(htmlLinkPrefixes)*2)
	for _, p := range htmlLinkPrefixes {
		pairs = append(pairs, p+"/", p+prefix+"/")
	}
	return []byte(strings.NewReplacer(pairs...).Replace(html))
}

func (s *Server) serveLanding(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := landingTmpl.Execute(w, nil); err != nil {
		s.logger.Warn("rendering landing page", "error", err)
	}
}

func (s *Server) serveOffline(w http.ResponseWriter, identity string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	// Deliberately 200: the page self-refreshes until the bot is back.
	if err := offlineTmpl.Execute(w, struct{ Bot string }{Bot: identity}); err != nil {
		s.logger.Warn("rendering offline page", "error", err)
	}
}
