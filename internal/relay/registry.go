// ABOUTME: Tracks which agent identities currently hold a live control connection.
// ABOUTME: A new connection for an identity supersedes and closes the old one.

package relay

import (
	"log/slog"
	"sync"
	"time"
)

// Registry maps agent identities to their single live control connection.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Conn
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Conn),
		logger: logger,
	}
}

// Register stores conn as the live connection for its identity. If another
// connection already holds the identity it is closed first and all of its
// pending requests and streams are cancelled with a "reconnected" reason.
// Returns true when an old connection was replaced.
func (r *Registry) Register(conn *Conn) bool {
	r.mu.Lock()
	old := r.agents[conn.Identity]
	r.agents[conn.Identity] = conn
	total := len(r.agents)
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("replacing existing connection", "bot", conn.Identity)
		old.CancelAll("bot reconnected")
		_ = old.Close()
	}
	r.logger.Info("bot connected",
		"bot", conn.Identity,
		"remote", conn.RemoteAddr,
		"total_bots", total,
	)
	return old != nil
}

// Unregister removes conn if it is still the live connection for its
// identity (a superseding connection leaves the table untouched), then
// cancels all of its per-agent state.
func (r *Registry) Unregister(conn *Conn) {
	r.mu.Lock()
	current, ok := r.agents[conn.Identity]
	if ok && current == conn {
		delete(r.agents, conn.Identity)
	}
	total := len(r.agents)
	r.mu.Unlock()

	conn.CancelAll("bot disconnected")
	if ok && current == conn {
		r.logger.Info("bot disconnected", "bot", conn.Identity, "total_bots", total)
	}
}

// Lookup returns the live connection for an identity, or false when the
// agent is offline.
func (r *Registry) Lookup(identity string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.agents[identity]
	return conn, ok
}

// IsOnline reports whether an identity currently has a live connection.
func (r *Registry) IsOnline(identity string) bool {
	_, ok := r.Lookup(identity)
	return ok
}

// AgentInfo describes one connected agent.
type AgentInfo struct {
	Identity    string
	RemoteAddr  string
	ConnectedAt time.Time
}

// ListAgents returns information about all connected agents.
func (r *Registry) ListAgents() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]AgentInfo, 0, len(r.agents))
	for _, c := range r.agents {
		agents = append(agents, AgentInfo{
			Identity:    c.Identity,
			RemoteAddr:  c.RemoteAddr,
			ConnectedAt: c.ConnectedAt,
		})
	}
	return agents
}
