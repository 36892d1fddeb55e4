// ABOUTME: Connection Registry for agents plus the per-connection session lifecycle.
// ABOUTME: Enforces last-writer-wins takeover and identity-checked eviction on disconnect.

package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ayman-m/yaragent/internal/config"
	"github.com/ayman-m/yaragent/internal/protocol"
	"github.com/ayman-m/yaragent/internal/store"
)

// Manager coordinates all connected agents. It is the only owner of the
// registry map; every mutation goes through Register or Unregister.
type Manager struct {
	agents map[string]*Connection
	mu     sync.RWMutex

	store          store.Store
	ephemeralLease time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewManager creates a new Manager that mirrors session state into st.
// ephemeralLease is raised to config.MinEphemeralLease when shorter.
func NewManager(st store.Store, ephemeralLease time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		agents:         make(map[string]*Connection),
		store:          st,
		ephemeralLease: max(ephemeralLease, config.MinEphemeralLease),
		logger:         logger.With("component", "agent-manager"),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Register installs conn as the live connection for its agent id. A
// different connection already registered under the same id is closed and
// returned; its close error is ignored.
func (m *Manager) Register(conn *Connection) *Connection {
	m.mu.Lock()
	previous := m.agents[conn.ID]
	m.agents[conn.ID] = conn
	total := len(m.agents)
	m.mu.Unlock()

	if previous != nil && previous != conn {
		_ = previous.Close()
		m.logger.Info("replaced existing agent connection", "agent_id", conn.ID)
	} else {
		previous = nil
	}

	m.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", conn.ID,
		"tenant_id", conn.Tenant(),
		"total_agents", total,
	)
	return previous
}

// Unregister removes conn from the registry only if it is still the entry
// for its id. It reports whether the entry was removed.
func (m *Manager) Unregister(conn *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.agents[conn.ID] != conn {
		return false
	}
	delete(m.agents, conn.ID)
	m.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", conn.ID,
		"total_agents", len(m.agents),
	)
	return true
}

// GetAgent returns the live connection for agentID.
func (m *Manager) GetAgent(agentID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.agents[agentID]
	return conn, ok
}

// IsOnline reports whether agentID has a live connection.
func (m *Manager) IsOnline(agentID string) bool {
	_, ok := m.GetAgent(agentID)
	return ok
}

// ListAgents returns all live connections.
func (m *Manager) ListAgents() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Connection, 0, len(m.agents))
	for _, conn := range m.agents {
		out = append(out, conn)
	}
	return out
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// CloseAll closes every live transport. Sessions observe the close and
// run their own Disconnect.
func (m *Manager) CloseAll() {
	for _, conn := range m.ListAgents() {
		if err := conn.Close(); err != nil {
			m.logger.Debug("closing agent transport", "agent_id", conn.ID, "error", err)
		}
	}
}

// ConnectParams are the handshake parameters an agent supplies when it connects.
type ConnectParams struct {
	AgentID     string
	Ephemeral   bool
	InstanceID  string
	RuntimeKind string
	TenantID    string
}

// Connect registers a new session for transport, persists the connected
// state and sends the registration acknowledgement. A missing agent id is
// replaced with a generated one.
func (m *Manager) Connect(ctx context.Context, params ConnectParams, transport Transport) (*Connection, error) {
	agentID := protocol.NormalizeAgentID(params.AgentID)
	if agentID == "" {
		agentID = uuid.New().String()
	}
	tenant := params.TenantID
	if tenant == "" {
		tenant = store.DefaultTenant
	}

	now := m.now()
	initial := State{
		TenantID:    tenant,
		IsEphemeral: params.Ephemeral,
		InstanceID:  params.InstanceID,
		RuntimeKind: params.RuntimeKind,
		ConnectedAt: now,
		LastSeen:    now,
	}
	if params.Ephemeral {
		initial.LeaseExpiresAt = now.Add(m.ephemeralLease)
	}

	conn := NewConnection(agentID, transport, initial, m.logger)
	m.Register(conn)

	upd := store.AgentUpdate{
		AgentID:      agentID,
		TenantID:     store.Ptr(tenant),
		Status:       store.Ptr(store.StatusConnected),
		ConnectedAt:  store.Ptr(now),
		LastSeen:     store.Ptr(now),
		Capabilities: map[string]any{},
		IsEphemeral:  store.Ptr(params.Ephemeral),
	}
	if params.InstanceID != "" {
		upd.InstanceID = store.Ptr(params.InstanceID)
	}
	if params.RuntimeKind != "" {
		upd.RuntimeKind = store.Ptr(params.RuntimeKind)
	}
	if params.Ephemeral {
		upd.LeaseExpiresAt = store.Ptr(initial.LeaseExpiresAt)
	}

	if err := m.store.UpsertAgent(ctx, upd); err != nil {
		m.Unregister(conn)
		return nil, err
	}

	if err := conn.Send(ctx, protocol.NewRegistered(agentID)); err != nil {
		m.Disconnect(ctx, conn)
		return nil, err
	}
	return conn, nil
}

// HandleFrame processes one inbound message from conn. Malformed frames are
// logged and dropped. Every valid frame refreshes liveness; heartbeats also
// update the cached and persisted capability state. A frame that answers a
// pending dispatch is handed to that dispatch.
func (m *Manager) HandleFrame(ctx context.Context, conn *Connection, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		m.logger.Warn("dropping malformed frame", "agent_id", conn.ID, "error", err, "size", len(data))
		return
	}

	now := m.now()
	var upd store.AgentUpdate
	if frame.Type == protocol.TypeHeartbeat {
		upd = conn.applyHeartbeat(frame, now, m.ephemeralLease)
	} else {
		conn.touch(now)
		upd = store.AgentUpdate{
			AgentID:  conn.ID,
			Status:   store.Ptr(store.StatusConnected),
			LastSeen: store.Ptr(now),
		}
	}

	if err := m.store.UpsertAgent(ctx, upd); err != nil {
		m.logger.Error("failed to persist agent state", "agent_id", conn.ID, "frame_type", frame.Type, "error", err)
	}

	if conn.deliver(frame) {
		m.logger.Debug("routed reply to dispatcher", "agent_id", conn.ID, "job_id", frame.ID, "type", frame.Type)
		return
	}

	if frame.Type != protocol.TypeHeartbeat {
		m.logger.Debug("frame had no waiter", "agent_id", conn.ID, "type", frame.Type, "id", frame.ID)
	}
}

// Disconnect ends conn's session. If conn is still the registered connection
// for its id the entry is removed and the agent is marked disconnected;
// a connection already superseded by a reconnect changes nothing.
func (m *Manager) Disconnect(ctx context.Context, conn *Connection) {
	if !m.Unregister(conn) {
		m.logger.Debug("ignoring disconnect of superseded connection", "agent_id", conn.ID)
		return
	}

	now := m.now()
	if err := m.store.UpsertAgent(ctx, store.AgentUpdate{
		AgentID:    conn.ID,
		Status:     store.Ptr(store.StatusDisconnected),
		LastSeen:   store.Ptr(now),
		UpdateOnly: true,
	}); err != nil {
		m.logger.Error("failed to persist disconnect", "agent_id", conn.ID, "error", err)
	}
}
