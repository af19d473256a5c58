// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides connection audit and upload metadata persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS connection_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bot TEXT NOT NULL,
			event TEXT NOT NULL,
			remote_addr TEXT NOT NULL,
			created_at DATETIME NOT NULL,

			CHECK (event IN ('connected', 'disconnected', 'replaced'))
		);

		CREATE INDEX IF NOT EXISTS idx_connection_events_bot_created
			ON connection_events(bot, created_at);

		CREATE TABLE IF NOT EXISTS uploads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bot TEXT NOT NULL,
			filename TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_uploads_bot_filename
			ON uploads(bot, filename);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordConnectionEvent appends one audit record.
// Generates CreatedAt if not set.
func (s *SQLiteStore) RecordConnectionEvent(ctx context.Context, ev *ConnectionEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO connection_events (bot, event, remote_addr, created_at) VALUES (?, ?, ?, ?)`,
		ev.Bot, string(ev.Event), ev.RemoteAddr, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting connection event: %w", err)
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

// ListConnectionEvents returns the most recent events for a bot, newest
// first. A limit of 0 means 100.
func (s *SQLiteStore) ListConnectionEvents(ctx context.Context, bot string, limit int) ([]*ConnectionEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot, event, remote_addr, created_at FROM connection_events
		 WHERE bot = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		bot, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying connection events: %w", err)
	}
	defer rows.Close()

	var events []*ConnectionEvent
	for rows.Next() {
		ev := &ConnectionEvent{}
		var event string
		if err := rows.Scan(&ev.ID, &ev.Bot, &event, &ev.RemoteAddr, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning connection event: %w", err)
		}
		ev.Event = ConnectionEventType(event)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecordUpload stores metadata for one uploaded archive. An existing record
// for the same bot+filename is replaced (re-upload wins).
func (s *SQLiteStore) RecordUpload(ctx context.Context, up *Upload) error {
	if up.CreatedAt.IsZero() {
		up.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (bot, filename, size_bytes, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(bot, filename) DO UPDATE SET size_bytes = excluded.size_bytes, created_at = excluded.created_at`,
		up.Bot, up.Filename, up.SizeBytes, up.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting upload: %w", err)
	}
	up.ID, _ = res.LastInsertId()
	return nil
}

// ListUploads returns all uploads for a bot, newest first.
func (s *SQLiteStore) ListUploads(ctx context.Context, bot string) ([]*Upload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot, filename, size_bytes, created_at FROM uploads
		 WHERE bot = ? ORDER BY created_at DESC, id DESC`,
		bot,
	)
	if err != nil {
		return nil, fmt.Errorf("querying uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*Upload
	for rows.Next() {
		up := &Upload{}
		if err := rows.Scan(&up.ID, &up.Bot, &up.Filename, &up.SizeBytes, &up.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning upload: %w", err)
		}
		uploads = append(uploads, up)
	}
	return uploads, rows.Err()
}

// ListUploadBots returns the distinct bot names that have uploads, sorted.
func (s *SQLiteStore) ListUploadBots(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT bot FROM uploads ORDER BY bot`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying upload bots: %w", err)
	}
	defer rows.Close()

	var bots []string
	for rows.Next() {
		var bot string
		if err := rows.Scan(&bot); err != nil {
			return nil, fmt.Errorf("scanning bot name: %w", err)
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// DeleteUpload removes one upload record.
// Returns ErrUploadNotFound if no record matches.
func (s *SQLiteStore) DeleteUpload(ctx context.Context, bot, filename string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM uploads WHERE bot = ? AND filename = ?`,
		bot, filename,
	)
	if err != nil {
		return fmt.Errorf("deleting upload: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrUploadNotFound
	}
	return nil
}

// DeleteUploadsForBot removes every upload record for a bot and returns the
// number of records removed.
func (s *SQLiteStore) DeleteUploadsForBot(ctx context.Context, bot string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM uploads WHERE bot = ?`,
		bot,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting uploads: %w", err)
	}
	return res.RowsAffected()
}
