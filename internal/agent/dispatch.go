// ABOUTME: Command Dispatcher that sends a command to one live agent and waits for its reply.
// ABOUTME: Tracks every dispatch as a CommandJob and records policy results on the agent row.

package agent

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ayman-m/yaragent/internal/protocol"
	"github.com/ayman-m/yaragent/internal/store"
)

var (
	// ErrAgentNotConnected indicates the target agent has no live session.
	ErrAgentNotConnected = errors.New("agent not connected")
	// ErrTenantMismatch indicates the caller's tenant does not own the agent.
	ErrTenantMismatch = errors.New("tenant mismatch")
	// ErrDispatchTimeout indicates no correlated reply arrived within the budget.
	ErrDispatchTimeout = errors.New("agent did not respond in time")
	// ErrInvalidCommand indicates a malformed dispatch request.
	ErrInvalidCommand = errors.New("invalid command")
)

// DefaultDispatchTimeout is the reply budget used when none is configured.
const DefaultDispatchTimeout = 15 * time.Second

const compileFailedText = "compile failed"

// Command is one dispatch request.
type Command struct {
	TenantID string
	AgentID  string
	Type     string
	JobID    string
	// Payload is the encoded command body sent in the frame's payload field.
	Payload string
	// JobPayload is recorded on the CommandJob; defaults to {}.
	JobPayload json.RawMessage
}

// Result is the outcome of a dispatch that received a reply.
type Result struct {
	JobID   string
	Reply   protocol.Frame
	Success bool
}

// Dispatcher sends commands through the Manager's live connections.
type Dispatcher struct {
	manager *Manager
	store   store.Store
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. A non-positive timeout selects DefaultDispatchTimeout.
func NewDispatcher(manager *Manager, st store.Store, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	return &Dispatcher{
		manager: manager,
		store:   st,
		timeout: timeout,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Dispatch sends cmd to its agent and waits for the reply whose id is the
// job id and whose type is the command's reply type. The wait is bounded by
// the dispatcher timeout only; once the frame is written the job is driven
// to a terminal status even if ctx is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.AgentID == "" || cmd.Type == "" {
		return nil, fmt.Errorf("%w: agent id and command type are required", ErrInvalidCommand)
	}
	if cmd.JobID == "" {
		cmd.JobID = uuid.New().String()
	}
	tenant := cmd.TenantID
	if tenant == "" {
		tenant = store.DefaultTenant
	}

	conn, ok := d.manager.GetAgent(cmd.AgentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotConnected, cmd.AgentID)
	}
	if conn.Tenant() != tenant {
		d.logger.Warn("rejected cross-tenant dispatch",
			"agent_id", cmd.AgentID,
			"caller_tenant", tenant,
			"agent_tenant", conn.Tenant(),
		)
		return nil, ErrTenantMismatch
	}

	replyType := protocol.ReplyType(cmd.Type)
	replies, err := conn.expectReply(cmd.JobID, replyType)
	if err != nil {
		return nil, fmt.Errorf("dispatching job %s: %w", cmd.JobID, err)
	}
	defer conn.cancelReply(cmd.JobID)

	if err := d.store.CreateJob(ctx, &store.CommandJob{
		ID:          cmd.JobID,
		TenantID:    tenant,
		AgentID:     cmd.AgentID,
		CommandType: cmd.Type,
		Payload:     cmd.JobPayload,
	}); err != nil {
		return nil, fmt.Errorf("recording job: %w", err)
	}

	frame := protocol.Command{Type: cmd.Type, ID: cmd.JobID, Payload: cmd.Payload}
	bg := context.WithoutCancel(ctx)
	if err := conn.Send(ctx, frame); err != nil {
		d.updateJob(bg, cmd.JobID, store.JobUpdate{
			Status:        store.JobFailed,
			ErrorText:     store.Ptr("send failed: " + err.Error()),
			MarkCompleted: true,
		})
		return nil, fmt.Errorf("sending %s to %s: %w", cmd.Type, cmd.AgentID, err)
	}

	d.updateJob(bg, cmd.JobID, store.JobUpdate{Status: store.JobSent, MarkStarted: true})
	d.logger.Info("command sent", "agent_id", cmd.AgentID, "job_id", cmd.JobID, "type", cmd.Type)

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		success := reply.Bool("success")
		upd := store.JobUpdate{
			Status:        store.JobCompleted,
			Result:        reply.Raw,
			MarkCompleted: true,
		}
		if !success {
			upd.Status = store.JobFailed
			upd.ErrorText = store.Ptr(diagnostics(reply))
		}
		d.updateJob(bg, cmd.JobID, upd)
		d.logger.Info("command completed", "agent_id", cmd.AgentID, "job_id", cmd.JobID, "success", success)
		return &Result{JobID: cmd.JobID, Reply: reply, Success: success}, nil

	case <-timer.C:
		d.updateJob(bg, cmd.JobID, store.JobUpdate{
			Status:        store.JobTimeout,
			ErrorText:     store.Ptr(ErrDispatchTimeout.Error()),
			MarkCompleted: true,
		})
		d.logger.Warn("command timed out", "agent_id", cmd.AgentID, "job_id", cmd.JobID, "timeout", d.timeout)
		return nil, ErrDispatchTimeout
	}
}

func (d *Dispatcher) updateJob(ctx context.Context, jobID string, upd store.JobUpdate) {
	if err := d.store.UpdateJob(ctx, jobID, upd); err != nil {
		d.logger.Error("failed to update job", "job_id", jobID, "status", upd.Status, "error", err)
	}
}

// diagnostics extracts the failure text from a reply.
func diagnostics(reply protocol.Frame) string {
	if text := reply.String("diagnostics"); text != "" {
		return text
	}
	return compileFailedText
}

// RulePush is a request to compile and load a YARA rule on one agent.
type RulePush struct {
	TenantID      string
	AgentID       string
	RuleText      string
	JobID         string
	PolicyVersion string
}

// PushRule dispatches rule.push and records the outcome as the agent's
// applied policy.
func (d *Dispatcher) PushRule(ctx context.Context, req RulePush) (*Result, error) {
	if req.RuleText == "" {
		return nil, fmt.Errorf("%w: rule text is required", ErrInvalidCommand)
	}
	if req.JobID == "" {
		req.JobID = uuid.New().String()
	}
	if req.PolicyVersion == "" {
		req.PolicyVersion = req.JobID
	}

	sum := sha256.Sum256([]byte(req.RuleText))
	ruleHash := hex.EncodeToString(sum[:])

	jobPayload, err := json.Marshal(map[string]string{
		"policy_version": req.PolicyVersion,
		"rule_hash":      ruleHash,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding job payload: %w", err)
	}

	res, err := d.Dispatch(ctx, Command{
		TenantID:   req.TenantID,
		AgentID:    req.AgentID,
		Type:       protocol.TypeRulePush,
		JobID:      req.JobID,
		Payload:    base64.StdEncoding.EncodeToString([]byte(req.RuleText)),
		JobPayload: jobPayload,
	})
	if err != nil {
		return nil, err
	}

	result := store.PolicyFailed
	if res.Success {
		result = store.PolicySuccess
	}
	tenant := req.TenantID
	if tenant == "" {
		tenant = store.DefaultTenant
	}
	if err := d.store.UpsertAgent(context.WithoutCancel(ctx), store.AgentUpdate{
		AgentID:          req.AgentID,
		TenantID:         store.Ptr(tenant),
		PolicyVersion:    store.Ptr(req.PolicyVersion),
		PolicyHash:       store.Ptr(ruleHash),
		LastPolicyResult: store.Ptr(result),
		UpdateOnly:       true,
	}); err != nil {
		d.logger.Error("failed to record policy result", "agent_id", req.AgentID, "job_id", res.JobID, "error", err)
	}
	return res, nil
}
