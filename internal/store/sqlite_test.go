// ABOUTME: Tests for the SQLite store: connection audit and upload metadata.

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConnectionEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	for _, ev := range []ConnectionEventType{
		ConnectionEventConnected,
		ConnectionEventReplaced,
		ConnectionEventDisconnected,
	} {
		require.NoError(t, s.RecordConnectionEvent(ctx, &ConnectionEvent{
			Bot:        "agentA",
			Event:      ev,
			RemoteAddr: "10.0.0.1:5000",
		}))
	}
	require.NoError(t, s.RecordConnectionEvent(ctx, &ConnectionEvent{
		Bot:        "agentB",
		Event:      ConnectionEventConnected,
		RemoteAddr: "10.0.0.2:5000",
	}))

	events, err := s.ListConnectionEvents(ctx, "agentA", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Newest first.
	assert.Equal(t, ConnectionEventDisconnected, events[0].Event)

	t.Run("limit", func(t *testing.T) {
		events, err := s.ListConnectionEvents(ctx, "agentA", 2)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("rejects unknown event type", func(t *testing.T) {
		err := s.RecordConnectionEvent(ctx, &ConnectionEvent{
			Bot:        "agentA",
			Event:      ConnectionEventType("rebooted"),
			RemoteAddr: "x",
		})
		assert.Error(t, err)
	})
}

func TestUploads(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.RecordUpload(ctx, &Upload{Bot: "agentA", Filename: "a.zip", SizeBytes: 100}))
	require.NoError(t, s.RecordUpload(ctx, &Upload{Bot: "agentA", Filename: "b.zip", SizeBytes: 200}))
	require.NoError(t, s.RecordUpload(ctx, &Upload{Bot: "agentB", Filename: "c.zip", SizeBytes: 300}))

	t.Run("list per bot", func(t *testing.T) {
		uploads, err := s.ListUploads(ctx, "agentA")
		require.NoError(t, err)
		assert.Len(t, uploads, 2)
	})

	t.Run("list bots", func(t *testing.T) {
		bots, err := s.ListUploadBots(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"agentA", "agentB"}, bots)
	})

	t.Run("re-upload replaces", func(t *testing.T) {
		require.NoError(t, s.RecordUpload(ctx, &Upload{Bot: "agentA", Filename: "a.zip", SizeBytes: 999}))

		uploads, err := s.ListUploads(ctx, "agentA")
		require.NoError(t, err)
		require.Len(t, uploads, 2)
		for _, up := range uploads {
			if up.Filename == "a.zip" {
				assert.Equal(t, int64(999), up.SizeBytes)
			}
		}
	})

	t.Run("delete one", func(t *testing.T) {
		require.NoError(t, s.DeleteUpload(ctx, "agentA", "a.zip"))
		assert.ErrorIs(t, s.DeleteUpload(ctx, "agentA", "a.zip"), ErrUploadNotFound)
	})

	t.Run("delete all for bot", func(t *testing.T) {
		n, err := s.DeleteUploadsForBot(ctx, "agentA")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		uploads, err := s.ListUploads(ctx, "agentA")
		require.NoError(t, err)
		assert.Empty(t, uploads)
	})
}
