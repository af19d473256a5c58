// ABOUTME: Bot-side tunnel client: persistent outbound control connection.
// ABOUTME: Reconnects with capped backoff and dispatches envelopes to a worker pool.

package tunnel

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bwolfe502/pacbot-relay/internal/protocol"
)

// Status is the tunnel client's externally visible connection state.
type Status string

const (
	StatusDisabled     Status = "disabled"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

const (
	backoffBase = 5 * time.Second
	backoffMax  = 60 * time.Second

	// A connection must survive this long before a later drop resets the
	// backoff to base; short-lived connects against a flapping relay keep
	// the grown delay.
	stableConnWindow = 30 * time.Second

	defaultWorkers = 4
)

// Options configures a tunnel client. RelayURL, Secret, Identity, and
// LocalBaseURL are required; the rest default sensibly.
type Options struct {
	// RelayURL is the relay's websocket endpoint, e.g.
	// "wss://relay.example.com/ws/tunnel".
	RelayURL string

	// Secret is the shared secret presented at the handshake.
	Secret string

	// Identity is the bot name browsers will use in /<identity>/... paths.
	Identity string

	// LocalBaseURL is the local HTTP service the tunnel forwards to.
	LocalBaseURL string

	// Workers bounds concurrent envelope forwarding. Defaults to 4.
	Workers int

	// StreamSuffixes are path suffixes served as chunked streams rather
	// than buffered responses. Defaults to "/api/stream".
	StreamSuffixes []string

	Logger *slog.Logger
}

// Client owns a reconnecting control connection to the relay.
type Client struct {
	opts      Options
	forwarder *Forwarder
	logger    *slog.Logger

	mu      sync.Mutex
	status  Status
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	writeMu sync.Mutex
	ws      *websocket.Conn

	cancelMu sync.Mutex
	cancels  map[string]chan struct{}
}

// NewClient creates a tunnel client. It does not connect until Start.
func NewClient(opts Options) *Client {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if len(opts.StreamSuffixes) == 0 {
		opts.StreamSuffixes = []string{"/api/stream"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "tunnel", "bot", opts.Identity)

	return &Client{
		opts:      opts,
		forwarder: NewForwarder(opts.LocalBaseURL, logger.With("component", "forwarder")),
		logger:    logger,
		status:    StatusDisabled,
		cancels:   make(map[string]chan struct{}),
	}
}

// Status reports the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Start launches the connect loop. Idempotent: a second Start while the
// loop is running is a no-op.
func (c *Client) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stop, done := c.stopCh, c.doneCh
	c.mu.Unlock()

	go c.run(stop, done)
}

// Stop tears down the connection and ends the connect loop, interrupting any
// backoff wait. Blocks until the loop has exited. Safe to call when not
// running.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stop, done := c.stopCh, c.doneCh
	c.mu.Unlock()

	close(stop)
	c.closeConn()
	<-done
	c.setStatus(StatusDisabled)
}

// run is the single connect-and-read loop. Exactly one runs at a time.
func (c *Client) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	delay := backoffBase
	for {
		select {
		case <-stop:
			return
		default:
		}

		c.setStatus(StatusConnecting)
		ws, err := c.dial()
		if err != nil {
			c.setStatus(StatusDisconnected)
			c.logger.Warn("relay connection failed", "error", err, "retry_in", delay)
			if !sleepInterruptible(delay, stop) {
				return
			}
			delay = nextDelay(delay)
			continue
		}

		c.setConn(ws)
		c.setStatus(StatusConnected)
		c.logger.Info("connected to relay", "url", c.opts.RelayURL)

		started := time.Now()
		c.readLoop(ws, stop)

		c.clearConn(ws)
		c.cancelAllStreams()

		select {
		case <-stop:
			return
		default:
		}

		c.setStatus(StatusDisconnected)
		if time.Since(started) >= stableConnWindow {
			delay = backoffBase
		} else {
			delay = nextDelay(delay)
		}
		c.logger.Warn("relay connection lost", "retry_in", delay)
		if !sleepInterruptible(delay, stop) {
			return
		}
	}
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > backoffMax {
		d = backoffMax
	}
	return d
}

// sleepInterruptible waits for d or until stop fires. Returns false on stop.
func sleepInterruptible(d time.Duration, stop <-chan struct{}) bool {
	select {
	case <-time.After(d):
		return true
	case <-stop:
		return false
	}
}

// dial opens the control connection, presenting the shared secret as a
// bearer credential and the identity as a query parameter.
func (c *Client) dial() (*websocket.Conn, error) {
	u := c.opts.RelayURL
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	u += sep + "bot=" + url.QueryEscape(c.opts.Identity)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Secret)

	ws, resp, err := websocket.DefaultDialer.Dial(u, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return ws, err
}

func (c *Client) setConn(ws *websocket.Conn) {
	c.writeMu.Lock()
	c.ws = ws
	c.writeMu.Unlock()
}

func (c *Client) clearConn(ws *websocket.Conn) {
	c.writeMu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.writeMu.Unlock()
	_ = ws.Close()
}

// closeConn closes whatever connection is live, unblocking the read loop.
func (c *Client) closeConn() {
	c.writeMu.Lock()
	ws := c.ws
	c.writeMu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

// send marshals one agent→relay message. All writes are serialized; the
// websocket allows only one concurrent writer.
func (c *Client) send(msg protocol.AgentMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return websocket.ErrCloseSent
	}
	return c.ws.WriteJSON(msg)
}

// readLoop consumes relay→agent messages until the connection drops.
// Envelopes are handed to a bounded worker pool so one slow local request
// cannot stall later envelopes.
func (c *Client) readLoop(ws *websocket.Conn, stop <-chan struct{}) {
	workers := make(chan struct{}, c.opts.Workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			c.logger.Warn("dropping malformed message", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.CancelStream:
			c.cancelStream(m.StreamID)
		case *protocol.RequestEnvelope:
			select {
			case workers <- struct{}{}:
			case <-stop:
				return
			}
			wg.Add(1)
			go func(env *protocol.RequestEnvelope) {
				defer wg.Done()
				defer func() { <-workers }()
				c.handleEnvelope(env)
			}(m)
		}
	}
}

// handleEnvelope produces exactly one reply for one envelope: a complete
// response, or a start/chunk*/end stream for paths marked streaming.
func (c *Client) handleEnvelope(env *protocol.RequestEnvelope) {
	if c.isStreamPath(env.Path) {
		c.serveLocalStream(env)
		return
	}

	resp := c.forwarder.Forward(context.Background(), env)
	if err := c.send(resp); err != nil {
		c.logger.Debug("failed to send response", "request_id", env.ID, "error", err)
	}
}

// isStreamPath reports whether an envelope path (query stripped) matches a
// configured stream suffix.
func (c *Client) isStreamPath(path string) bool {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for _, suffix := range c.opts.StreamSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// registerCancel creates the cancel signal for a stream id.
func (c *Client) registerCancel(id string) chan struct{} {
	ch := make(chan struct{})
	c.cancelMu.Lock()
	c.cancels[id] = ch
	c.cancelMu.Unlock()
	return ch
}

// removeCancel drops a stream's cancel signal once the producer is done.
func (c *Client) removeCancel(id string) {
	c.cancelMu.Lock()
	delete(c.cancels, id)
	c.cancelMu.Unlock()
}

// cancelStream fires the cancel signal for one stream, if it is active.
func (c *Client) cancelStream(id string) {
	c.cancelMu.Lock()
	ch, ok := c.cancels[id]
	if ok {
		delete(c.cancels, id)
	}
	c.cancelMu.Unlock()
	if ok {
		close(ch)
		c.logger.Debug("stream cancelled by relay", "request_id", id)
	}
}

// cancelAllStreams stops every active producer; called on connection loss.
func (c *Client) cancelAllStreams() {
	c.cancelMu.Lock()
	cancels := c.cancels
	c.cancels = make(map[string]chan struct{})
	c.cancelMu.Unlock()
	for _, ch := range cancels {
		close(ch)
	}
}
