// ABOUTME: End-to-end tests driving the relay over real websockets and HTTP.
// ABOUTME: A scripted fake bot plays the agent side of the control connection.

package relay

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwolfe502/pacbot-relay/internal/config"
	"github.com/bwolfe502/pacbot-relay/internal/protocol"
)

const testSecret = "test-secret"

func newTestRelay(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Relay.Secret = testSecret
	cfg.Relay.RequestTimeout = 2 * time.Second
	cfg.Relay.StreamChunkTimeout = 2 * time.Second
	cfg.Relay.MaxMessageBytes = 1 << 20
	cfg.Database.Path = ":memory:"
	cfg.Uploads.Dir = t.TempDir()
	cfg.Uploads.MaxSizeMB = 1
	cfg.Uploads.KeepPerBot = 2
	if mutate != nil {
		mutate(cfg)
	}

	s, err := New(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.store.Close() })

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

// fakeBot is a scripted agent on the far side of a control connection.
type fakeBot struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	envelopes chan *protocol.RequestEnvelope
	cancels   chan string
	closed    chan struct{}
}

func dialBot(t *testing.T, srv *httptest.Server, s *Server, bot, secret string) *fakeBot {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tunnel?bot=" + bot
	header := http.Header{}
	header.Set("Authorization", "Bearer "+secret)

	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })

	fb := &fakeBot{
		ws:        ws,
		envelopes: make(chan *protocol.RequestEnvelope, 8),
		cancels:   make(chan string, 8),
		closed:    make(chan struct{}),
	}
	go fb.readLoop()

	// Registration happens after the upgrade completes server-side; wait for
	// it so proxied requests cannot race the registry insert.
	require.Eventually(t, func() bool { return s.registry.IsOnline(bot) },
		2*time.Second, 10*time.Millisecond)
	return fb
}

func (b *fakeBot) readLoop() {
	defer close(b.closed)
	for {
		_, data, err := b.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case *protocol.RequestEnvelope:
			b.envelopes <- m
		case *protocol.CancelStream:
			b.cancels <- m.StreamID
		}
	}
}

// send is safe from any goroutine; errors surface as failed assertions on
// the browser side of the test.
func (b *fakeBot) send(msg protocol.AgentMessage) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.ws.WriteJSON(msg)
}

// noRedirectClient returns 3xx responses verbatim instead of following them.
func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestTunnelHandshake(t *testing.T) {
	t.Run("bad secret is forbidden", func(t *testing.T) {
		_, srv := newTestRelay(t, nil)

		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tunnel?bot=agentA"
		header := http.Header{}
		header.Set("Authorization", "Bearer wrong")
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("legacy query secret is accepted", func(t *testing.T) {
		s, srv := newTestRelay(t, nil)

		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tunnel?bot=agentA&secret=" + testSecret
		ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		if resp != nil {
			resp.Body.Close()
		}
		defer ws.Close()

		require.Eventually(t, func() bool { return s.registry.IsOnline("agentA") },
			2*time.Second, 10*time.Millisecond)
	})

	t.Run("missing identity is a bad request", func(t *testing.T) {
		_, srv := newTestRelay(t, nil)

		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tunnel"
		header := http.Header{}
		header.Set("Authorization", "Bearer "+testSecret)
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("reserved identity prefix is rejected", func(t *testing.T) {
		_, srv := newTestRelay(t, nil)

		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tunnel?bot=-admin"
		header := http.Header{}
		header.Set("Authorization", "Bearer "+testSecret)
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("no secret configured fails closed", func(t *testing.T) {
		_, srv := newTestRelay(t, func(cfg *config.Config) {
			cfg.Relay.Secret = ""
		})

		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tunnel?bot=agentA&secret="
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestProxyRoundtrip(t *testing.T) {
	s, srv := newTestRelay(t, nil)
	bot := dialBot(t, srv, s, "agentA", testSecret)

	go func() {
		env := <-bot.envelopes
		_ = bot.send(&protocol.ResponseMessage{
			ID:     env.ID,
			Status: 200,
			Headers: map[string]string{
				"Content-Type":   "application/json",
				"Content-Length": "999", // hop-by-hop, must be stripped
			},
			BodyB64: protocol.EncodeBody([]byte(`{"ok":true}`)),
		})
	}()

	resp, err := http.Get(srv.URL + "/agentA/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestProxyForwardsMethodPathAndBody(t *testing.T) {
	s, srv := newTestRelay(t, nil)
	bot := dialBot(t, srv, s, "agentA", testSecret)

	envCh := make(chan *protocol.RequestEnvelope, 1)
	go func() {
		env := <-bot.envelopes
		envCh <- env
		_ = bot.send(&protocol.ResponseMessage{ID: env.ID, Status: 204})
	}()

	resp, err := http.Post(srv.URL+"/agentA/api/action?force=1", "application/json", strings.NewReader(`{"tap":true}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	env := <-envCh
	assert.Equal(t, "POST", env.Method)
	assert.Equal(t, "/api/action?force=1", env.Path)
	body, err := env.Body()
	require.NoError(t, err)
	assert.Equal(t, `{"tap":true}`, string(body))
	assert.Equal(t, "application/json", env.Headers["Content-Type"])
	_, hasHost := env.Headers["Host"]
	assert.False(t, hasHost, "Host must not be forwarded")
}

func TestProxyRejectsOversizedBody(t *testing.T) {
	s, srv := newTestRelay(t, func(cfg *config.Config) {
		cfg.Relay.MaxMessageBytes = 1024
	})
	bot := dialBot(t, srv, s, "agentA", testSecret)

	resp, err := http.Post(srv.URL+"/agentA/api/action", "application/octet-stream",
		bytes.NewReader(make([]byte, 4096)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	// The truncated body must not reach the agent at all.
	select {
	case env := <-bot.envelopes:
		t.Fatalf("oversized request reached the agent: %s %s", env.Method, env.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestProxyOfflineBot(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	resp, err := http.Get(srv.URL + "/agentB/x")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	// Deliberately 200 with a self-refreshing page, not a 502/404.
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Offline")
	assert.Contains(t, string(body), "agentB")
}

func TestProxyTrailingSlashRedirect(t *testing.T) {
	s, srv := newTestRelay(t, nil)
	dialBot(t, srv, s, "agentA", testSecret)

	resp, err := noRedirectClient().Get(srv.URL + "/agentA")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/agentA/", resp.Header.Get("Location"))
}

func TestProxyRewritesRedirectLocation(t *testing.T) {
	s, srv := newTestRelay(t, nil)
	bot := dialBot(t, srv, s, "agentA", testSecret)

	go func() {
		env := <-bot.envelopes
		_ = bot.send(&protocol.ResponseMessage{
			ID:      env.ID,
			Status:  302,
			Headers: map[string]string{"Location": "/dashboard"},
		})
	}()

	resp, err := noRedirectClient().Get(srv.URL + "/agentA/login")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/agentA/dashboard", resp.Header.Get("Location"))
}

func TestProxyRewritesHTMLLinks(t *testing.T) {
	s, srv := newTestRelay(t, nil)
	bot := dialBot(t, srv, s, "agentA", testSecret)

	go func() {
		env := <-bot.envelopes
		_ = bot.send(&protocol.ResponseMessage{
			ID:      env.ID,
			Status:  200,
			Headers: map[string]string{"Content-Type": "text/html; charset=utf-8"},
			BodyB64: protocol.EncodeBody([]byte(`<a href="/status">status</a><img src="/img/logo.png">`)),
		})
	}()

	resp, err := http.Get(srv.URL + "/agentA/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `href="/agentA/status"`)
	assert.Contains(t, string(body), `src="/agentA/img/logo.png"`)
}

func TestProxyTimeout(t *testing.T) {
	s, srv := newTestRelay(t, func(cfg *config.Config) {
		cfg.Relay.RequestTimeout = 200 * time.Millisecond
	})
	bot := dialBot(t, srv, s, "agentA", testSecret)

	envCh := bot.envelopes

	resp, err := http.Get(srv.URL + "/agentA/slow")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	// The pending entry is gone; a late reply must be dropped.
	env := <-envCh
	conn, ok := s.registry.Lookup("agentA")
	require.True(t, ok)
	assert.False(t, conn.ResolvePending(env.ID, &protocol.ResponseMessage{ID: env.ID}))
}

func TestProxyStreaming(t *testing.T) {
	s, srv := newTestRelay(t, nil)
	bot := dialBot(t, srv, s, "agentA", testSecret)

	streamID := make(chan string, 1)
	go func() {
		env := <-bot.envelopes
		streamID <- env.ID
		_ = bot.send(&protocol.StreamStart{
			ID:      env.ID,
			Stream:  "start",
			Status:  200,
			Headers: map[string]string{"Content-Type": "text/plain"},
		})
		for _, chunk := range []string{"one ", "two ", "three"} {
			_ = bot.send(&protocol.StreamChunk{
				ID:      env.ID,
				Stream:  "chunk",
				BodyB64: protocol.EncodeBody([]byte(chunk)),
			})
		}
		// No end: the browser walks away first.
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/agentA/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Read the three chunks in order, then drop the connection.
	want := "one two three"
	got := make([]byte, 0, len(want))
	buf := make([]byte, 64)
	for len(got) < len(want) {
		n, err := resp.Body.Read(buf)
		got = append(got, buf[:n]...)
		require.NoError(t, err)
	}
	assert.Equal(t, want, string(got))
	cancel()

	id := <-streamID

	// The agent is told to stop producing this stream.
	select {
	case cancelled := <-bot.cancels:
		assert.Equal(t, id, cancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("agent never received cancel_stream")
	}

	// The stream entry leaves the relay's table.
	conn, ok := s.registry.Lookup("agentA")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		_, _, active := conn.StreamItems(id)
		return !active
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProxyStreamEnd(t *testing.T) {
	s, srv := newTestRelay(t, nil)
	bot := dialBot(t, srv, s, "agentA", testSecret)

	go func() {
		env := <-bot.envelopes
		_ = bot.send(&protocol.StreamStart{ID: env.ID, Stream: "start", Status: 200,
			Headers: map[string]string{"Content-Type": "text/plain"}})
		_ = bot.send(&protocol.StreamChunk{ID: env.ID, Stream: "chunk", BodyB64: protocol.EncodeBody([]byte("done"))})
		_ = bot.send(&protocol.StreamEnd{ID: env.ID, Stream: "end"})
	}()

	resp, err := http.Get(srv.URL + "/agentA/api/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "done", string(body))
}

func TestSupersedingConnection(t *testing.T) {
	s, srv := newTestRelay(t, nil)
	first := dialBot(t, srv, s, "agentA", testSecret)

	// Second connect for the same identity wins; the first socket closes.
	second := dialBot(t, srv, s, "agentA", testSecret)

	select {
	case <-first.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("superseded connection was never closed")
	}

	go func() {
		env := <-second.envelopes
		_ = second.send(&protocol.ResponseMessage{ID: env.ID, Status: 200,
			BodyB64: protocol.EncodeBody([]byte("from second"))})
	}()

	resp, err := http.Get(srv.URL + "/agentA/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "from second", string(body))
}

func TestMalformedAgentMessageIsIgnored(t *testing.T) {
	s, srv := newTestRelay(t, nil)
	bot := dialBot(t, srv, s, "agentA", testSecret)

	// Garbage must not kill the connection loop.
	bot.writeMu.Lock()
	require.NoError(t, bot.ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, bot.ws.WriteMessage(websocket.TextMessage, []byte(`{"status":200}`)))
	bot.writeMu.Unlock()

	go func() {
		env := <-bot.envelopes
		_ = bot.send(&protocol.ResponseMessage{ID: env.ID, Status: 200,
			BodyB64: protocol.EncodeBody([]byte("still alive"))})
	}()

	resp, err := http.Get(srv.URL + "/agentA/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "still alive", string(body))
}

func TestLandingPage(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "PACbot Relay")
}

func TestHealthAndReady(t *testing.T) {
	s, srv := newTestRelay(t, nil)

	resp, err := http.Get(srv.URL + "/-/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/-/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	dialBot(t, srv, s, "agentA", testSecret)

	resp, err = http.Get(srv.URL + "/-/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
