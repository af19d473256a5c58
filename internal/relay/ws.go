// ABOUTME: Control-connection handshake and inbound message loop for agents.
// ABOUTME: Authenticates the shared secret, registers the agent, routes replies.

package relay

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/bwolfe502/pacbot-relay/internal/protocol"
	"github.com/bwolfe502/pacbot-relay/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// Agents dial from arbitrary networks; the shared secret is the gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// extractSecret pulls the shared secret from the Authorization header
// (preferred) or the legacy ?secret= query parameter.
func extractSecret(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("secret")
}

// checkSecret validates the request's secret against the configured one in
// constant time. Fails closed when no secret is configured server-side.
func (s *Server) checkSecret(r *http.Request) bool {
	if s.secret == "" {
		s.logger.Error("no relay secret configured, rejecting all connections")
		return false
	}
	got := extractSecret(r)
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) == 1
}

// validIdentity reports whether a bot name is acceptable: non-empty, no path
// tricks, and no leading '-' (reserved route prefix).
func validIdentity(name string) bool {
	if name == "" || strings.HasPrefix(name, "-") {
		return false
	}
	return !strings.ContainsAny(name, "/\\") && !strings.Contains(name, "..")
}

// handleTunnel accepts an agent's control connection at GET /ws/tunnel.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	if !s.checkSecret(r) {
		s.metrics.AuthFailures.Inc()
		s.logger.Warn("rejected connection: bad secret", "remote", r.RemoteAddr)
		http.Error(w, "Invalid secret", http.StatusForbidden)
		return
	}

	identity := strings.TrimSpace(r.URL.Query().Get("bot"))
	if !validIdentity(identity) {
		s.logger.Warn("rejected connection: bad bot name", "remote", r.RemoteAddr)
		http.Error(w, "Missing or invalid 'bot' query parameter", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(s.maxMessageBytes)

	conn := NewConn(identity, r.RemoteAddr, ws, s.logger.With("bot", identity))
	replaced := s.registry.Register(conn)
	s.metrics.BotsConnected.Set(float64(len(s.registry.ListAgents())))

	event := store.ConnectionEventConnected
	if replaced {
		event = store.ConnectionEventReplaced
	}
	s.recordConnectionEvent(r.Context(), identity, event, r.RemoteAddr)

	s.readLoop(conn)

	s.registry.Unregister(conn)
	s.metrics.BotsConnected.Set(float64(len(s.registry.ListAgents())))
	// The request context may already be done once the socket drops.
	s.recordConnectionEvent(context.Background(), identity, store.ConnectionEventDisconnected, r.RemoteAddr)
	_ = conn.Close()
}

// readLoop consumes agent→relay messages until the connection drops.
// Malformed messages are logged and skipped; they never end the loop.
func (s *Server) readLoop(conn *Conn) {
	for {
		kind, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		msg, err := protocol.ParseAgentMessage(data)
		if err != nil {
			conn.logger.Warn("dropping malformed message", "error", err)
			continue
		}
		s.dispatchAgentMessage(conn, msg)
	}
}

// dispatchAgentMessage routes one parsed agent message to the pending or
// stream tables. Unknown correlation ids are dropped with a debug log: the
// waiter may have timed out or the browser may have gone away.
func (s *Server) dispatchAgentMessage(conn *Conn, msg protocol.AgentMessage) {
	switch m := msg.(type) {
	case *protocol.ResponseMessage:
		if !conn.ResolvePending(m.ID, m) {
			conn.logger.Debug("response for unknown request", "request_id", m.ID)
		}
	case *protocol.StreamStart:
		if !conn.PromoteToStream(m) {
			conn.logger.Debug("stream start for unknown request", "request_id", m.ID)
		}
	case *protocol.StreamChunk:
		body, err := m.Body()
		if err != nil {
			conn.logger.Warn("dropping stream chunk with bad payload", "request_id", m.ID, "error", err)
			return
		}
		if !conn.PushChunk(m.ID, body) {
			conn.logger.Debug("chunk for unknown stream", "request_id", m.ID)
		}
	case *protocol.StreamEnd:
		conn.EndStream(m.ID)
	}
}
