// ABOUTME: Store interface and data types for the Control-State Store
// ABOUTME: Defines agent control state, archive rows, command jobs and the coalescing update shape

package store

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrJobFinalized is returned when updating a command job that already reached a terminal status
var ErrJobFinalized = errors.New("command job already finalized")

// DefaultTenant is used whenever a tenant id is absent.
const DefaultTenant = "default"

// Agent status values. StatusStale is derived for display and never stored.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusStale        = "stale"
)

// Archive reasons recorded when an agent is moved out of the active table.
const (
	ReasonDisconnected     = "disconnected"
	ReasonMissingHeartbeat = "missing_heartbeat"
	ReasonStaleHeartbeat   = "stale_heartbeat"
)

// Command job status values. Completed, failed and timeout are terminal.
const (
	JobQueued    = "queued"
	JobSent      = "sent"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobTimeout   = "timeout"
)

// Policy result values written after a rule push.
const (
	PolicySuccess = "success"
	PolicyFailed  = "failed"
)

// terminalStatuses are the job statuses that can no longer change.
var terminalStatuses = []string{JobCompleted, JobFailed, JobTimeout}

// IsTerminal reports whether a job status can no longer change.
func IsTerminal(status string) bool {
	return slices.Contains(terminalStatuses, status)
}

// AgentState is one row of agents_control_state.
type AgentState struct {
	AgentID             string
	TenantID            string
	Status              string
	ConnectedAt         *time.Time
	LastSeen            *time.Time
	LastHeartbeat       *time.Time
	Capabilities        map[string]any
	IsEphemeral         bool
	InstanceID          string
	RuntimeKind         string
	LeaseExpiresAt      *time.Time
	AssetProfile        map[string]any
	SBOM                []any
	CVEs                []any
	FindingsCount       int
	PolicyVersion       string
	PolicyHash          string
	LastPolicyAppliedAt *time.Time
	LastPolicyResult    string
	UpdatedAt           time.Time
}

// Freshness returns the most recent liveness timestamp: last heartbeat,
// else last seen, else connected at. Nil when none is recorded.
func (a *AgentState) Freshness() *time.Time {
	switch {
	case a.LastHeartbeat != nil:
		return a.LastHeartbeat
	case a.LastSeen != nil:
		return a.LastSeen
	default:
		return a.ConnectedAt
	}
}

// DisplayStatus returns StatusStale for a connected agent whose freshness is
// older than staleAfter, and the stored status otherwise.
func (a *AgentState) DisplayStatus(now time.Time, staleAfter time.Duration) string {
	status := a.Status
	if status == "" {
		status = StatusDisconnected
	}
	if status != StatusConnected {
		return status
	}
	if f := a.Freshness(); f != nil && now.Sub(*f) > staleAfter {
		return StatusStale
	}
	return status
}

// ArchivedAgent is one row of agents_stale_state.
type ArchivedAgent struct {
	AgentState
	ArchivedReason string
	ArchivedAt     time.Time
}

// AgentUpdate is a coalescing upsert for agents_control_state. Nil fields
// keep the stored value; on first insert they take the column default.
// Maps and lists count as supplied when non-nil, so an empty non-nil map
// clears the stored value.
type AgentUpdate struct {
	AgentID          string
	TenantID         *string
	Status           *string
	ConnectedAt      *time.Time
	LastSeen         *time.Time
	LastHeartbeat    *time.Time
	Capabilities     map[string]any
	IsEphemeral      *bool
	InstanceID       *string
	RuntimeKind      *string
	LeaseExpiresAt   *time.Time
	AssetProfile     map[string]any
	SBOM             []any
	CVEs             []any
	FindingsCount    *int
	PolicyVersion    *string
	PolicyHash       *string
	LastPolicyResult *string

	// UpdateOnly applies the update to an existing active row and never
	// creates one. Writes that follow a session (disconnect, policy
	// results) set it so an archived or deleted agent stays gone.
	UpdateOnly bool
}

// connected reports whether the update marks the agent connected.
func (u *AgentUpdate) connected() bool {
	return u.Status != nil && *u.Status == StatusConnected
}

// touchesPolicy reports whether any policy field is supplied.
func (u *AgentUpdate) touchesPolicy() bool {
	return u.PolicyVersion != nil || u.PolicyHash != nil || u.LastPolicyResult != nil
}

// CommandJob is one row of command_jobs.
type CommandJob struct {
	ID          string
	TenantID    string
	AgentID     string
	CommandType string
	Payload     json.RawMessage
	Status      string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      json.RawMessage
	ErrorText   string
}

// JobUpdate moves a command job forward. Result and ErrorText overwrite only
// when set. MarkStarted stamps started_at if unset; MarkCompleted stamps completed_at.
type JobUpdate struct {
	Status        string
	Result        json.RawMessage
	ErrorText     *string
	MarkStarted   bool
	MarkCompleted bool
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// Store is the Control-State Store used by the session handler, dispatcher,
// reconciliation loop and HTTP API.
type Store interface {
	// UpsertAgent applies a coalescing upsert. When the update sets status
	// connected, any archive row for the agent is removed in the same
	// transaction. Any other update to an archived agent, or an UpdateOnly
	// update, changes an existing active row only and never creates one.
	UpsertAgent(ctx context.Context, upd AgentUpdate) error
	GetAgent(ctx context.Context, agentID string) (*AgentState, error)
	// ListAgents returns active agents for tenantID, newest update first. An
	// empty tenantID lists every tenant.
	ListAgents(ctx context.Context, tenantID string) ([]*AgentState, error)
	DeleteAgents(ctx context.Context, agentIDs []string) (int, error)

	// ArchiveInactive moves up to limit agents that are disconnected or whose
	// freshness is older than cutoff into the archive, atomically.
	ArchiveInactive(ctx context.Context, now, cutoff time.Time, limit int) (int, error)
	// PurgeArchived deletes archive rows archived before cutoff.
	PurgeArchived(ctx context.Context, cutoff time.Time) (int, error)
	ListArchived(ctx context.Context, tenantID string) ([]*ArchivedAgent, error)
	GetArchived(ctx context.Context, agentID string) (*ArchivedAgent, error)

	// ExpiredEphemeral returns ephemeral agents whose lease ended before cutoff.
	ExpiredEphemeral(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	// OrphanCandidates returns agents not updated since cutoff that are
	// ephemeral or never reported a heartbeat or inventory.
	OrphanCandidates(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// CreateJob inserts a queued job. A duplicate id is a no-op.
	CreateJob(ctx context.Context, job *CommandJob) error
	UpdateJob(ctx context.Context, jobID string, upd JobUpdate) error
	GetJob(ctx context.Context, jobID string) (*CommandJob, error)
	ListJobs(ctx context.Context, agentID string, limit int) ([]*CommandJob, error)

	Ping(ctx context.Context) error
	Close() error
}
