// ABOUTME: Represents a single connected agent and its control connection.
// ABOUTME: Tracks pending requests and active streams keyed by correlation id.

package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bwolfe502/pacbot-relay/internal/protocol"
)

// PendingResult is the terminal outcome of a pending request: either a
// complete response or a handoff to the streaming path. Exactly one of the
// fields is set.
type PendingResult struct {
	Response *protocol.ResponseMessage
	Stream   *protocol.StreamStart
}

// streamQueue is an Active Stream: a FIFO of body chunks plus a done signal
// that releases any producer blocked on a full queue.
type streamQueue struct {
	items chan protocol.StreamItem
	done  chan struct{}
	once  sync.Once
}

func newStreamQueue() *streamQueue {
	return &streamQueue{
		items: make(chan protocol.StreamItem, streamQueueDepth),
		done:  make(chan struct{}),
	}
}

// close marks the stream finished and wakes blocked producers. Idempotent.
func (q *streamQueue) close() {
	q.once.Do(func() { close(q.done) })
}

const streamQueueDepth = 64

// Conn is one agent's live control connection. All websocket writes are
// serialized through writeMu; the pending and stream tables are guarded by
// mu with map-only critical sections.
type Conn struct {
	Identity    string
	RemoteAddr  string
	ConnectedAt time.Time

	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan PendingResult
	streams map[string]*streamQueue
	closed  bool

	logger *slog.Logger
}

// NewConn wraps an accepted websocket as an agent control connection.
func NewConn(identity, remoteAddr string, ws *websocket.Conn, logger *slog.Logger) *Conn {
	return &Conn{
		Identity:    identity,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now().UTC(),
		ws:          ws,
		pending:     make(map[string]chan PendingResult),
		streams:     make(map[string]*streamQueue),
		logger:      logger,
	}
}

// errConnClosed reports a write against a connection whose per-agent state
// has already been cancelled (disconnect or supersede).
var errConnClosed = errors.New("connection closed")

// Send marshals a message to the agent. Safe for concurrent use. Fails fast
// once the connection is cancelled, so a caller that looked the connection up
// just before a supersede does not park on a dead socket.
func (c *Conn) Send(msg protocol.ServerMessage) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

// Close tears down the underlying websocket.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// CreatePending registers a pending request and returns the channel its
// terminal outcome will arrive on. The caller must eventually resolve it via
// the read loop or remove it with RemovePending.
func (c *Conn) CreatePending(id string) <-chan PendingResult {
	ch := make(chan PendingResult, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

// RemovePending discards a pending entry (timeout or abandoned waiter). A
// late resolution for the id is then dropped.
func (c *Conn) RemovePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// takePending removes and returns the pending channel for id, if any.
// Removal under the lock is what makes resolution exactly-once.
func (c *Conn) takePending(id string) (chan PendingResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return ch, ok
}

// ResolvePending completes a pending request with a full response. Returns
// false if the id is unknown (already resolved, timed out, or never ours).
func (c *Conn) ResolvePending(id string, resp *protocol.ResponseMessage) bool {
	ch, ok := c.takePending(id)
	if !ok {
		return false
	}
	ch <- PendingResult{Response: resp}
	return true
}

// PromoteToStream creates the Active Stream queue for id and resolves the
// pending request with a stream handoff. Returns false if no request was
// pending; the queue is not created in that case.
func (c *Conn) PromoteToStream(start *protocol.StreamStart) bool {
	c.mu.Lock()
	ch, ok := c.pending[start.ID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, start.ID)
	c.streams[start.ID] = newStreamQueue()
	c.mu.Unlock()

	ch <- PendingResult{Stream: start}
	return true
}

// PushChunk appends one chunk to the stream for id, preserving FIFO order.
// Never blocks the caller: the caller is the connection's read loop, and a
// stalled push would freeze every request multiplexed on this agent. A full
// queue means the browser is not draining; the stream is torn down as a slow
// consumer. Returns false when the chunk was not queued.
func (c *Conn) PushChunk(id string, data []byte) bool {
	c.mu.Lock()
	q, ok := c.streams[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case q.items <- protocol.StreamItem{Data: data}:
		return true
	case <-q.done:
		return false
	default:
	}

	c.logger.Warn("stream consumer too slow, cancelling stream", "request_id", id)
	c.CancelStream(id)
	return false
}

// EndStream pushes the end marker onto the stream for id and removes it
// from the table. Safe to call for ids that are already gone.
func (c *Conn) EndStream(id string) {
	c.mu.Lock()
	q, ok := c.streams[id]
	if ok {
		delete(c.streams, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	q.close()
	select {
	case q.items <- protocol.StreamItem{End: true}:
	default:
		// Queue full: the consumer will observe the closed done signal.
	}
}

// StreamItems returns the chunk queue and done signal for an active stream.
func (c *Conn) StreamItems(id string) (<-chan protocol.StreamItem, <-chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.streams[id]
	if !ok {
		return nil, nil, false
	}
	return q.items, q.done, true
}

// CancelStream tells the agent to stop producing a stream, best effort, and
// terminates the local queue. Failure to deliver is non-fatal: the agent's
// socket lifetime eventually reclaims its side.
func (c *Conn) CancelStream(id string) {
	if err := c.Send(&protocol.CancelStream{StreamID: id}); err != nil {
		c.logger.Debug("cancel_stream send failed", "request_id", id, "error", err)
	}
	c.EndStream(id)
}

// CancelAll resolves every outstanding pending request with a synthetic 502
// carrying reason, and terminates every active stream. Called when the
// connection drops or is superseded; per-agent state must not outlive the
// connection.
func (c *Conn) CancelAll(reason string) {
	c.mu.Lock()
	pending := c.pending
	streams := c.streams
	c.pending = make(map[string]chan PendingResult)
	c.streams = make(map[string]*streamQueue)
	c.closed = true
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- PendingResult{Response: &protocol.ResponseMessage{
			ID:      id,
			Status:  502,
			Headers: map[string]string{"Content-Type": "text/plain"},
			BodyB64: protocol.EncodeBody([]byte(reason)),
		}}
	}
	for _, q := range streams {
		q.close()
		select {
		case q.items <- protocol.StreamItem{End: true}:
		default:
		}
	}
}
