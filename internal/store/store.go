// ABOUTME: Store interface and data types for relay persistence.
// ABOUTME: Covers connection audit events and bug report upload metadata.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrUploadNotFound indicates the requested upload record does not exist.
var ErrUploadNotFound = errors.New("upload not found")

// ConnectionEventType classifies a control-connection lifecycle event.
type ConnectionEventType string

const (
	ConnectionEventConnected    ConnectionEventType = "connected"
	ConnectionEventDisconnected ConnectionEventType = "disconnected"
	ConnectionEventReplaced     ConnectionEventType = "replaced"
)

// ConnectionEvent is one audit record of an agent connecting or leaving.
type ConnectionEvent struct {
	ID         int64
	Bot        string
	Event      ConnectionEventType
	RemoteAddr string
	CreatedAt  time.Time
}

// Upload records one stored bug report archive.
type Upload struct {
	ID        int64
	Bot       string
	Filename  string
	SizeBytes int64
	CreatedAt time.Time
}

// Store persists relay bookkeeping. In-flight proxy state is never
// persisted; only audit and upload metadata live here.
type Store interface {
	RecordConnectionEvent(ctx context.Context, ev *ConnectionEvent) error
	ListConnectionEvents(ctx context.Context, bot string, limit int) ([]*ConnectionEvent, error)

	RecordUpload(ctx context.Context, up *Upload) error
	ListUploads(ctx context.Context, bot string) ([]*Upload, error)
	ListUploadBots(ctx context.Context) ([]string, error)
	DeleteUpload(ctx context.Context, bot, filename string) error
	DeleteUploadsForBot(ctx context.Context, bot string) (int64, error)

	Close() error
}
