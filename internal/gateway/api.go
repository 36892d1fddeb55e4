// ABOUTME: HTTP API handlers for agent state, command history and rule dispatch.
// ABOUTME: Resolves the caller's tenant and maps domain errors to HTTP statuses.

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ayman-m/yaragent/internal/agent"
	"github.com/ayman-m/yaragent/internal/auth"
	"github.com/ayman-m/yaragent/internal/store"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	maxRequestBody  = 4 << 20
)

// AgentResponse is the JSON shape of one agent in GET /api/agents.
type AgentResponse struct {
	ID                  string         `json:"id"`
	Status              string         `json:"status"`
	Online              bool           `json:"online"`
	TenantID            string         `json:"tenant_id"`
	ConnectedAt         *time.Time     `json:"connected_at"`
	LastSeen            *time.Time     `json:"last_seen"`
	LastHeartbeat       *time.Time     `json:"last_heartbeat"`
	Capabilities        map[string]any `json:"capabilities"`
	IsEphemeral         bool           `json:"is_ephemeral"`
	InstanceID          string         `json:"instance_id,omitempty"`
	RuntimeKind         string         `json:"runtime_kind,omitempty"`
	LeaseExpiresAt      *time.Time     `json:"lease_expires_at"`
	AssetProfile        map[string]any `json:"asset_profile"`
	FindingsCount       int            `json:"findings_count"`
	PolicyVersion       string         `json:"policy_version,omitempty"`
	PolicyHash          string         `json:"policy_hash,omitempty"`
	LastPolicyAppliedAt *time.Time     `json:"last_policy_applied_at,omitempty"`
	LastPolicyResult    string         `json:"last_policy_result,omitempty"`
}

// ArchivedAgentResponse is the JSON shape of one row in GET /api/agents/archived.
type ArchivedAgentResponse struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	Status         string     `json:"status"`
	LastSeen       *time.Time `json:"last_seen"`
	LastHeartbeat  *time.Time `json:"last_heartbeat"`
	IsEphemeral    bool       `json:"is_ephemeral"`
	FindingsCount  int        `json:"findings_count"`
	ArchivedReason string     `json:"archived_reason"`
	ArchivedAt     time.Time  `json:"archived_at"`
}

// ProfileResponse is the JSON response for GET /api/agents/{id}/profile.
type ProfileResponse struct {
	AgentID       string         `json:"agent_id"`
	TenantID      string         `json:"tenant_id"`
	ConnectedAt   *time.Time     `json:"connected_at"`
	LastSeen      *time.Time     `json:"last_seen"`
	LastHeartbeat *time.Time     `json:"last_heartbeat"`
	AssetProfile  map[string]any `json:"asset_profile"`
	SBOM          []any          `json:"sbom"`
	CVEs          []any          `json:"cves"`
	FindingsCount int            `json:"findings_count"`
}

// JobResponse is the JSON shape of one CommandJob.
type JobResponse struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	AgentID     string          `json:"agent_id"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorText   string          `json:"error_text,omitempty"`
}

// PushRuleRequest is the JSON request body for POST /api/push_rule.
type PushRuleRequest struct {
	AgentID       string `json:"agent_id"`
	RuleText      string `json:"rule_text"`
	ID            string `json:"id,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, g.auth.Middleware(h))
	}

	api("GET /api/auth/validate", g.handleValidate)
	api("GET /api/agents", g.handleListAgents)
	api("GET /api/agents/archived", g.handleListArchived)
	api("GET /api/agents/{id}/profile", g.handleAgentProfile)
	api("GET /api/agents/{id}/jobs", g.handleAgentJobs)
	api("GET /api/jobs/{id}", g.handleGetJob)
	api("POST /api/push_rule", g.handlePushRule)
}

// caller returns the authenticated caller; the auth middleware always sets one.
func caller(r *http.Request) *auth.Caller {
	if c := auth.FromContext(r.Context()); c != nil {
		return c
	}
	return &auth.Caller{Kind: auth.KindAnonymous}
}

// listTenant resolves the tenant filter for list endpoints. A service
// caller that names no tenant sees every tenant.
func listTenant(r *http.Request) (string, error) {
	c := caller(r)
	requested := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if c.IsService() && requested == "" {
		return "", nil
	}
	return c.ResolveTenant(requested)
}

// authorizeTenant checks that the caller may act on a resource owned by owner.
func authorizeTenant(r *http.Request, owner string) error {
	tenant, err := listTenant(r)
	if err != nil {
		return err
	}
	if owner == "" {
		owner = store.DefaultTenant
	}
	if tenant != "" && tenant != owner {
		return agent.ErrTenantMismatch
	}
	return nil
}

// handleValidate handles GET /api/auth/validate.
func (g *Gateway) handleValidate(w http.ResponseWriter, r *http.Request) {
	c := caller(r)
	g.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "user": c.Subject, "kind": c.Kind})
}

// handleListAgents handles GET /api/agents.
// Status is "stale" for a connected agent whose freshness exceeds stale_after.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	tenant, err := listTenant(r)
	if err != nil {
		g.writeError(w, err)
		return
	}

	agents, err := g.store.ListAgents(r.Context(), tenant)
	if err != nil {
		g.writeError(w, err)
		return
	}

	now := time.Now().UTC()
	out := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, AgentResponse{
			ID:                  a.AgentID,
			Status:              a.DisplayStatus(now, g.config.Agents.StaleAfter),
			Online:              g.agentManager.IsOnline(a.AgentID),
			TenantID:            a.TenantID,
			ConnectedAt:         a.ConnectedAt,
			LastSeen:            a.LastSeen,
			LastHeartbeat:       a.LastHeartbeat,
			Capabilities:        a.Capabilities,
			IsEphemeral:         a.IsEphemeral,
			InstanceID:          a.InstanceID,
			RuntimeKind:         a.RuntimeKind,
			LeaseExpiresAt:      a.LeaseExpiresAt,
			AssetProfile:        a.AssetProfile,
			FindingsCount:       a.FindingsCount,
			PolicyVersion:       a.PolicyVersion,
			PolicyHash:          a.PolicyHash,
			LastPolicyAppliedAt: a.LastPolicyAppliedAt,
			LastPolicyResult:    a.LastPolicyResult,
		})
	}
	g.writeJSON(w, http.StatusOK, out)
}

// handleListArchived handles GET /api/agents/archived.
func (g *Gateway) handleListArchived(w http.ResponseWriter, r *http.Request) {
	tenant, err := listTenant(r)
	if err != nil {
		g.writeError(w, err)
		return
	}

	rows, err := g.store.ListArchived(r.Context(), tenant)
	if err != nil {
		g.writeError(w, err)
		return
	}

	out := make([]ArchivedAgentResponse, 0, len(rows))
	for _, a := range rows {
		out = append(out, ArchivedAgentResponse{
			ID:             a.AgentID,
			TenantID:       a.TenantID,
			Status:         a.Status,
			LastSeen:       a.LastSeen,
			LastHeartbeat:  a.LastHeartbeat,
			IsEphemeral:    a.IsEphemeral,
			FindingsCount:  a.FindingsCount,
			ArchivedReason: a.ArchivedReason,
			ArchivedAt:     a.ArchivedAt,
		})
	}
	g.writeJSON(w, http.StatusOK, out)
}

// handleAgentProfile handles GET /api/agents/{id}/profile.
func (g *Gateway) handleAgentProfile(w http.ResponseWriter, r *http.Request) {
	a, err := g.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	if err := authorizeTenant(r, a.TenantID); err != nil {
		g.writeError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, ProfileResponse{
		AgentID:       a.AgentID,
		TenantID:      a.TenantID,
		ConnectedAt:   a.ConnectedAt,
		LastSeen:      a.LastSeen,
		LastHeartbeat: a.LastHeartbeat,
		AssetProfile:  a.AssetProfile,
		SBOM:          a.SBOM,
		CVEs:          a.CVEs,
		FindingsCount: a.FindingsCount,
	})
}

// handleAgentJobs handles GET /api/agents/{id}/jobs.
// Supports optional ?limit=N (default 50, max 500).
func (g *Gateway) handleAgentJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxJobLimit)
	}

	jobs, err := g.store.ListJobs(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		g.writeError(w, err)
		return
	}

	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		if authorizeTenant(r, j.TenantID) != nil {
			continue
		}
		out = append(out, jobResponse(j))
	}
	g.writeJSON(w, http.StatusOK, out)
}

// handleGetJob handles GET /api/jobs/{id}.
func (g *Gateway) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := g.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	if err := authorizeTenant(r, job.TenantID); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, jobResponse(job))
}

// handlePushRule handles POST /api/push_rule. It blocks until the agent
// replies or the dispatch times out and returns the agent's reply verbatim.
func (g *Gateway) handlePushRule(w http.ResponseWriter, r *http.Request) {
	req, err := parsePushRuleRequest(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	tenant, err := caller(r).ResolveTenant(req.TenantID)
	if err != nil {
		g.writeError(w, err)
		return
	}

	res, err := g.dispatcher.PushRule(r.Context(), agent.RulePush{
		TenantID:      tenant,
		AgentID:       req.AgentID,
		RuleText:      req.RuleText,
		JobID:         req.ID,
		PolicyVersion: req.PolicyVersion,
	})
	if err != nil {
		g.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Reply.Raw)
}

// parsePushRuleRequest parses and validates a PushRuleRequest.
func parsePushRuleRequest(body io.Reader) (*PushRuleRequest, error) {
	var req PushRuleRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	req.ID = strings.TrimSpace(req.ID)
	req.PolicyVersion = strings.TrimSpace(req.PolicyVersion)
	if req.AgentID == "" || req.RuleText == "" {
		return nil, errors.New("missing agent_id or rule_text")
	}
	return &req, nil
}

func jobResponse(j *store.CommandJob) JobResponse {
	return JobResponse{
		ID:          j.ID,
		TenantID:    j.TenantID,
		AgentID:     j.AgentID,
		CommandType: j.CommandType,
		Payload:     j.Payload,
		Status:      j.Status,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Result:      j.Result,
		ErrorText:   j.ErrorText,
	}
}

// writeError maps a domain error to its HTTP status.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrAgentNotConnected):
		g.sendJSONError(w, http.StatusNotFound, "agent not connected")
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, agent.ErrTenantMismatch):
		g.sendJSONError(w, http.StatusForbidden, "agent tenant mismatch")
	case errors.Is(err, auth.ErrTenantForbidden):
		g.sendJSONError(w, http.StatusForbidden, "tenant not permitted")
	case errors.Is(err, agent.ErrDispatchTimeout):
		g.sendJSONError(w, http.StatusGatewayTimeout, agent.ErrDispatchTimeout.Error())
	case errors.Is(err, agent.ErrInvalidCommand):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, agent.ErrJobInFlight):
		g.sendJSONError(w, http.StatusConflict, "job already in flight")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
