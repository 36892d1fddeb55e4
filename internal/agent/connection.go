// ABOUTME: Represents a single connected agent, its transport and cached runtime state.
// ABOUTME: Routes correlated command replies to the waiter registered for each job id.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/ayman-m/yaragent/internal/protocol"
	"github.com/ayman-m/yaragent/internal/store"
)

// ErrJobInFlight indicates a dispatch is already waiting on the same job id for this connection.
var ErrJobInFlight = errors.New("job already in flight")

// Transport is the duplex channel to one agent. Send must be safe for
// concurrent use; Close must be safe to call more than once.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// State is the cached runtime view of an agent, mirrored to the store.
type State struct {
	TenantID       string
	IsEphemeral    bool
	InstanceID     string
	RuntimeKind    string
	ConnectedAt    time.Time
	LastSeen       time.Time
	LastHeartbeat  time.Time
	LeaseExpiresAt time.Time
	Capabilities   map[string]any
	AssetProfile   map[string]any
	SBOM           []any
	CVEs           []any
	FindingsCount  int
}

// waiter is a pending dispatch waiting for one correlated reply.
type waiter struct {
	replyType string
	ch        chan protocol.Frame
}

// Connection represents a connected agent with its transport.
type Connection struct {
	ID string

	transport Transport
	state     State
	pending   map[string]*waiter
	mu        sync.Mutex
	logger    *slog.Logger
}

// NewConnection creates a Connection for an agent that just completed its handshake.
func NewConnection(id string, transport Transport, initial State, logger *slog.Logger) *Connection {
	if initial.TenantID == "" {
		initial.TenantID = store.DefaultTenant
	}
	if initial.Capabilities == nil {
		initial.Capabilities = map[string]any{}
	}
	if initial.AssetProfile == nil {
		initial.AssetProfile = map[string]any{}
	}
	if initial.SBOM == nil {
		initial.SBOM = []any{}
	}
	if initial.CVEs == nil {
		initial.CVEs = []any{}
	}
	return &Connection{
		ID:        id,
		transport: transport,
		state:     initial,
		pending:   make(map[string]*waiter),
		logger:    logger.With("agent_id", id),
	}
}

// Send encodes msg as JSON and writes it to the transport.
func (c *Connection) Send(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return c.transport.Send(ctx, data)
}

// Close closes the underlying transport.
func (c *Connection) Close() error {
	return c.transport.Close()
}

// Tenant returns the cached tenant, "default" when none was reported.
func (c *Connection) Tenant() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TenantID
}

// State returns a copy of the cached runtime state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state
	s.Capabilities = maps.Clone(c.state.Capabilities)
	s.AssetProfile = maps.Clone(c.state.AssetProfile)
	s.SBOM = append([]any(nil), c.state.SBOM...)
	s.CVEs = append([]any(nil), c.state.CVEs...)
	return s
}

// touch records that a frame arrived at now.
func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.LastSeen = now
}

// expectReply registers a waiter for jobID that accepts only frames of replyType.
// The caller must call cancelReply when done waiting.
func (c *Connection) expectReply(jobID, replyType string) (<-chan protocol.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[jobID]; exists {
		return nil, ErrJobInFlight
	}
	w := &waiter{replyType: replyType, ch: make(chan protocol.Frame, 1)}
	c.pending[jobID] = w
	return w.ch, nil
}

// cancelReply removes the waiter for jobID if it is still registered.
func (c *Connection) cancelReply(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, jobID)
}

// deliver hands f to the waiter registered for its id when the frame type is
// the reply that waiter expects. It reports whether the frame was consumed.
func (c *Connection) deliver(f protocol.Frame) bool {
	if f.ID == "" {
		return false
	}

	c.mu.Lock()
	w, ok := c.pending[f.ID]
	if ok && w.replyType == f.Type {
		delete(c.pending, f.ID)
	} else {
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	// Buffered with capacity one and removed from pending above, so this never blocks.
	w.ch <- f
	return true
}

// pendingCount returns the number of registered waiters.
func (c *Connection) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// applyHeartbeat folds a heartbeat frame into the cached state and returns
// the control-state update carrying every resulting field.
func (c *Connection) applyHeartbeat(f protocol.Frame, now time.Time, lease time.Duration) store.AgentUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.state
	s.LastSeen = now
	s.LastHeartbeat = now

	if caps, ok := f.Object("capabilities"); ok {
		s.Capabilities = caps
		runtime := strings.ToLower(stringValue(caps["runtime"]))
		if protocol.IsContainerRuntime(runtime) || protocol.Truthy(caps["containerized"]) {
			s.IsEphemeral = true
		}
		if instance := stringValue(caps["instance_id"]); instance != "" {
			s.InstanceID = instance
		}
		if runtime != "" {
			s.RuntimeKind = runtime
		}
	}

	if profile, ok := f.Object("asset_profile"); ok {
		s.AssetProfile = profile
	}
	if sbom, ok := f.List("sbom"); ok {
		s.SBOM = protocol.Cap(sbom, protocol.MaxSBOMEntries)
	}
	if cves, ok := f.List("cves"); ok {
		s.CVEs = protocol.Cap(cves, protocol.MaxCVEEntries)
	}

	if n, ok := f.Int("findings_count"); ok {
		s.FindingsCount = max(0, n)
	} else {
		s.FindingsCount = len(s.CVEs)
	}

	if f.Bool("ephemeral") {
		s.IsEphemeral = true
	}
	if instance := f.String("instance_id"); instance != "" {
		s.InstanceID = instance
	}
	if runtime := f.String("runtime"); runtime != "" {
		s.RuntimeKind = strings.ToLower(runtime)
	}
	if s.IsEphemeral {
		s.LeaseExpiresAt = now.Add(lease)
	}
	if tenant := f.String("tenant_id"); tenant != "" {
		s.TenantID = tenant
	}

	upd := store.AgentUpdate{
		AgentID:       c.ID,
		TenantID:      store.Ptr(s.TenantID),
		Status:        store.Ptr(store.StatusConnected),
		LastSeen:      store.Ptr(now),
		LastHeartbeat: store.Ptr(now),
		Capabilities:  s.Capabilities,
		IsEphemeral:   store.Ptr(s.IsEphemeral),
		AssetProfile:  s.AssetProfile,
		SBOM:          s.SBOM,
		CVEs:          s.CVEs,
		FindingsCount: store.Ptr(s.FindingsCount),
	}
	if s.InstanceID != "" {
		upd.InstanceID = store.Ptr(s.InstanceID)
	}
	if s.RuntimeKind != "" {
		upd.RuntimeKind = store.Ptr(s.RuntimeKind)
	}
	if !s.LeaseExpiresAt.IsZero() {
		upd.LeaseExpiresAt = store.Ptr(s.LeaseExpiresAt)
	}
	return upd
}

// stringValue renders a loosely typed capability value as trimmed text.
func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
