// ABOUTME: Tests for per-connection pending request and stream table semantics.

package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwolfe502/pacbot-relay/internal/protocol"
)

// newWSPair opens a real websocket between an httptest server and a client,
// returning both ends.
func newWSPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()

	serverCh := make(chan *websocket.Conn, 1)
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverCh <- ws
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-serverCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server side of websocket")
	}
	t.Cleanup(func() { server.Close() })
	return server, client
}

func newTestConn(t *testing.T) (*Conn, *websocket.Conn) {
	t.Helper()
	server, client := newWSPair(t)
	return NewConn("testbot", "127.0.0.1:1234", server, slog.Default()), client
}

func TestConnPendingResolution(t *testing.T) {
	t.Run("resolves exactly once", func(t *testing.T) {
		conn, _ := newTestConn(t)
		ch := conn.CreatePending("r1")

		resp := &protocol.ResponseMessage{ID: "r1", Status: 200}
		assert.True(t, conn.ResolvePending("r1", resp))
		assert.False(t, conn.ResolvePending("r1", resp), "second resolution must be dropped")

		result := <-ch
		require.NotNil(t, result.Response)
		assert.Equal(t, 200, result.Response.Status)
	})

	t.Run("removed entry drops late reply", func(t *testing.T) {
		conn, _ := newTestConn(t)
		conn.CreatePending("r1")
		conn.RemovePending("r1")

		assert.False(t, conn.ResolvePending("r1", &protocol.ResponseMessage{ID: "r1"}))
	})

	t.Run("unknown id is rejected", func(t *testing.T) {
		conn, _ := newTestConn(t)
		assert.False(t, conn.ResolvePending("never-created", &protocol.ResponseMessage{}))
	})
}

func TestConnStreamPromotion(t *testing.T) {
	t.Run("pending transitions to stream", func(t *testing.T) {
		conn, _ := newTestConn(t)
		ch := conn.CreatePending("r1")

		start := &protocol.StreamStart{ID: "r1", Status: 200}
		require.True(t, conn.PromoteToStream(start))

		result := <-ch
		require.NotNil(t, result.Stream)
		assert.Nil(t, result.Response)

		// Pending and stream for one id are mutually exclusive.
		assert.False(t, conn.ResolvePending("r1", &protocol.ResponseMessage{ID: "r1"}))
		_, _, ok := conn.StreamItems("r1")
		assert.True(t, ok)
	})

	t.Run("start without pending is rejected", func(t *testing.T) {
		conn, _ := newTestConn(t)
		assert.False(t, conn.PromoteToStream(&protocol.StreamStart{ID: "r9"}))
		_, _, ok := conn.StreamItems("r9")
		assert.False(t, ok, "no stream queue may be created for an unknown id")
	})
}

func TestConnStreamFIFO(t *testing.T) {
	conn, _ := newTestConn(t)
	ch := conn.CreatePending("r1")
	require.True(t, conn.PromoteToStream(&protocol.StreamStart{ID: "r1"}))
	<-ch

	items, _, ok := conn.StreamItems("r1")
	require.True(t, ok)

	require.True(t, conn.PushChunk("r1", []byte("one")))
	require.True(t, conn.PushChunk("r1", []byte("two")))
	require.True(t, conn.PushChunk("r1", []byte("three")))
	conn.EndStream("r1")

	var got []string
	for item := range items {
		if item.End {
			break
		}
		got = append(got, string(item.Data))
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)

	assert.False(t, conn.PushChunk("r1", []byte("late")), "chunks after end are dropped")
}

func TestConnSlowStreamConsumer(t *testing.T) {
	conn, client := newTestConn(t)
	ch := conn.CreatePending("r1")
	require.True(t, conn.PromoteToStream(&protocol.StreamStart{ID: "r1"}))
	<-ch

	// Fill the queue with nothing draining it.
	for i := 0; i < streamQueueDepth; i++ {
		require.True(t, conn.PushChunk("r1", []byte("x")))
	}

	// The overflow push must return promptly; in the server its caller is the
	// connection's read loop, and blocking there would stall every other
	// request multiplexed on this agent.
	queued := make(chan bool, 1)
	go func() { queued <- conn.PushChunk("r1", []byte("overflow")) }()
	select {
	case ok := <-queued:
		assert.False(t, ok, "overflow chunk must not be queued")
	case <-time.After(500 * time.Millisecond):
		t.Fatal("PushChunk blocked on a full queue")
	}

	// The slow stream is torn down and the agent told to stop producing.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "r1", msg["cancel_stream"])

	_, _, ok := conn.StreamItems("r1")
	assert.False(t, ok, "slow stream must leave the table")
}

func TestConnSendAfterCancelAll(t *testing.T) {
	conn, _ := newTestConn(t)
	conn.CancelAll("bot reconnected")

	// A proxy request that looked this connection up just before a supersede
	// must fail fast on send, not park until the request timeout.
	conn.CreatePending("r1")
	err := conn.Send(&protocol.RequestEnvelope{ID: "r1", Method: "GET", Path: "/x"})
	require.Error(t, err)
}

func TestConnCancelStreamNotifiesAgent(t *testing.T) {
	conn, client := newTestConn(t)
	ch := conn.CreatePending("r1")
	require.True(t, conn.PromoteToStream(&protocol.StreamStart{ID: "r1"}))
	<-ch

	conn.CancelStream("r1")

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "r1", msg["cancel_stream"])

	_, _, ok := conn.StreamItems("r1")
	assert.False(t, ok, "cancelled stream must leave the table")
}

func TestConnCancelAll(t *testing.T) {
	conn, _ := newTestConn(t)
	ch1 := conn.CreatePending("r1")
	ch2 := conn.CreatePending("r2")
	ch3 := conn.CreatePending("r3")
	require.True(t, conn.PromoteToStream(&protocol.StreamStart{ID: "r3"}))
	<-ch3
	items, done, ok := conn.StreamItems("r3")
	require.True(t, ok)

	conn.CancelAll("bot disconnected")

	for _, ch := range []<-chan PendingResult{ch1, ch2} {
		result := <-ch
		require.NotNil(t, result.Response)
		assert.Equal(t, 502, result.Response.Status)
		body, err := result.Response.Body()
		require.NoError(t, err)
		assert.Contains(t, string(body), "disconnected")
	}

	select {
	case <-done:
	case item := <-items:
		assert.True(t, item.End)
	case <-time.After(time.Second):
		t.Fatal("stream was not terminated by CancelAll")
	}

	// All per-agent state is gone.
	assert.False(t, conn.ResolvePending("r1", &protocol.ResponseMessage{ID: "r1"}))
	_, _, ok = conn.StreamItems("r3")
	assert.False(t, ok)
}
