// ABOUTME: Agent control-state persistence: coalescing upsert, listing and deletion
// ABOUTME: Also implements archival into agents_stale_state and the sweep candidate queries

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// agentColumnNames is the shared column shape of agents_control_state and agents_stale_state.
var agentColumnNames = []string{
	"agent_id", "tenant_id", "status", "connected_at", "last_seen", "last_heartbeat",
	"capabilities_json", "is_ephemeral", "instance_id", "runtime_kind", "lease_expires_at",
	"asset_profile_json", "sbom_json", "cve_json", "findings_count",
	"policy_version", "policy_hash", "last_policy_applied_at", "last_policy_result", "updated_at",
}

var agentColumns = strings.Join(agentColumnNames, ", ")

// UpsertAgent applies a coalescing upsert to agents_control_state.
// Each column is overwritten only when the update supplies a value for it.
func (s *SQLStore) UpsertAgent(ctx context.Context, upd AgentUpdate) error {
	if upd.AgentID == "" {
		return fmt.Errorf("upserting agent: agent id is required")
	}

	caps, err := encodeMap(upd.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	profile, err := encodeMap(upd.AssetProfile)
	if err != nil {
		return fmt.Errorf("encoding asset profile: %w", err)
	}
	sbom, err := encodeList(upd.SBOM)
	if err != nil {
		return fmt.Errorf("encoding sbom: %w", err)
	}
	cves, err := encodeList(upd.CVEs)
	if err != nil {
		return fmt.Errorf("encoding cves: %w", err)
	}

	now := s.now()
	var policyAt *time.Time
	if upd.touchesPolicy() {
		policyAt = &now
	}

	p := newParams(s.dialect)

	values := []string{
		p.add(upd.AgentID),
		fmt.Sprintf("COALESCE(%s, 'default')", p.add(nullable(upd.TenantID))),
		fmt.Sprintf("COALESCE(%s, 'disconnected')", p.add(nullable(upd.Status))),
		p.time(upd.ConnectedAt),
		p.time(upd.LastSeen),
		p.time(upd.LastHeartbeat),
		fmt.Sprintf("COALESCE(%s, '{}')", p.json(caps)),
		fmt.Sprintf("COALESCE(%s, FALSE)", p.add(nullable(upd.IsEphemeral))),
		p.add(nullable(upd.InstanceID)),
		p.add(nullable(upd.RuntimeKind)),
		p.time(upd.LeaseExpiresAt),
		fmt.Sprintf("COALESCE(%s, '{}')", p.json(profile)),
		fmt.Sprintf("COALESCE(%s, '[]')", p.json(sbom)),
		fmt.Sprintf("COALESCE(%s, '[]')", p.json(cves)),
		fmt.Sprintf("COALESCE(%s, 0)", p.add(nullable(upd.FindingsCount))),
		p.add(nullable(upd.PolicyVersion)),
		p.add(nullable(upd.PolicyHash)),
		p.time(policyAt),
		p.add(nullable(upd.LastPolicyResult)),
		p.time(&now),
	}

	// sets binds the coalescing assignments shared by the upsert and the
	// update-only path.
	sets := func(p *params) string {
		keep := func(column, placeholder string) string {
			return fmt.Sprintf("%[1]s = COALESCE(%[2]s, agents_control_state.%[1]s)", column, placeholder)
		}
		return strings.Join([]string{
			keep("tenant_id", p.add(nullable(upd.TenantID))),
			keep("status", p.add(nullable(upd.Status))),
			keep("connected_at", p.time(upd.ConnectedAt)),
			keep("last_seen", p.time(upd.LastSeen)),
			keep("last_heartbeat", p.time(upd.LastHeartbeat)),
			keep("capabilities_json", p.json(caps)),
			keep("is_ephemeral", p.add(nullable(upd.IsEphemeral))),
			keep("instance_id", p.add(nullable(upd.InstanceID))),
			keep("runtime_kind", p.add(nullable(upd.RuntimeKind))),
			keep("lease_expires_at", p.time(upd.LeaseExpiresAt)),
			keep("asset_profile_json", p.json(profile)),
			keep("sbom_json", p.json(sbom)),
			keep("cve_json", p.json(cves)),
			keep("findings_count", p.add(nullable(upd.FindingsCount))),
			keep("policy_version", p.add(nullable(upd.PolicyVersion))),
			keep("policy_hash", p.add(nullable(upd.PolicyHash))),
			keep("last_policy_applied_at", p.time(policyAt)),
			keep("last_policy_result", p.add(nullable(upd.LastPolicyResult))),
			"updated_at = " + p.time(&now),
		}, ",\n\t\t\t")
	}

	upsert := fmt.Sprintf(`
		INSERT INTO agents_control_state (%s)
		VALUES (%s)
		ON CONFLICT (agent_id) DO UPDATE SET
			%s`,
		agentColumns, strings.Join(values, ", "), sets(p))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Only a connect may bring an archived agent back; any other write to
	// an archived agent must not create a second copy of it.
	updateOnly := upd.UpdateOnly && !upd.connected()
	if !upd.connected() && !updateOnly {
		archived, err := s.isArchived(ctx, tx, upd.AgentID)
		if err != nil {
			return err
		}
		updateOnly = archived
	}

	if updateOnly {
		up := newParams(s.dialect)
		query := "UPDATE agents_control_state SET " + sets(up) + " WHERE agent_id = " + up.add(upd.AgentID)
		if _, err := tx.ExecContext(ctx, query, up.vals...); err != nil {
			return fmt.Errorf("updating agent %s: %w", upd.AgentID, err)
		}
	} else if _, err := tx.ExecContext(ctx, upsert, p.vals...); err != nil {
		return fmt.Errorf("upserting agent %s: %w", upd.AgentID, err)
	}

	// A connected agent is never archived at the same time.
	if upd.connected() {
		rp := newParams(s.dialect)
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM agents_stale_state WHERE agent_id = "+rp.add(upd.AgentID), rp.vals...); err != nil {
			return fmt.Errorf("restoring archived agent %s: %w", upd.AgentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing agent upsert: %w", err)
	}
	return nil
}

// isArchived reports whether agentID has an archive row.
func (s *SQLStore) isArchived(ctx context.Context, tx *sql.Tx, agentID string) (bool, error) {
	p := newParams(s.dialect)
	var one int
	err := tx.QueryRowContext(ctx,
		"SELECT 1 FROM agents_stale_state WHERE agent_id = "+p.add(agentID), p.vals...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking archive for %s: %w", agentID, err)
	}
	return true, nil
}

// GetAgent retrieves one agent's control state.
// Returns ErrNotFound if the agent has no active row.
func (s *SQLStore) GetAgent(ctx context.Context, agentID string) (*AgentState, error) {
	p := newParams(s.dialect)
	query := fmt.Sprintf("SELECT %s FROM agents_control_state WHERE agent_id = %s", agentColumns, p.add(agentID))

	a, err := scanAgent(s.db.QueryRowContext(ctx, query, p.vals...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent %s: %w", agentID, err)
	}
	return a, nil
}

// ListAgents returns active agents for tenantID (all tenants when empty), newest update first.
func (s *SQLStore) ListAgents(ctx context.Context, tenantID string) ([]*AgentState, error) {
	p := newParams(s.dialect)
	query := "SELECT " + agentColumns + " FROM agents_control_state"
	if tenantID != "" {
		query += " WHERE tenant_id = " + p.add(tenantID)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query, p.vals...)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentState
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgents removes active rows for the given ids and returns how many were deleted.
func (s *SQLStore) DeleteAgents(ctx context.Context, agentIDs []string) (int, error) {
	if len(agentIDs) == 0 {
		return 0, nil
	}
	p := newParams(s.dialect)
	res, err := s.db.ExecContext(ctx, "DELETE FROM agents_control_state WHERE agent_id IN "+p.in(agentIDs), p.vals...)
	if err != nil {
		return 0, fmt.Errorf("deleting agents: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ArchiveInactive moves disconnected and inactive agents into agents_stale_state.
// Candidate selection, the archive write and the delete run in one transaction.
func (s *SQLStore) ArchiveInactive(ctx context.Context, now, cutoff time.Time, limit int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sp := newParams(s.dialect)
	selectQuery := fmt.Sprintf(`
		SELECT agent_id FROM agents_control_state
		WHERE status = %s
		   OR (COALESCE(last_heartbeat, last_seen, connected_at) IS NOT NULL
		       AND COALESCE(last_heartbeat, last_seen, connected_at) < %s)
		ORDER BY updated_at ASC
		LIMIT %d`, sp.add(StatusDisconnected), sp.time(&cutoff), limit)

	ids, err := queryIDs(ctx, tx, selectQuery, sp.vals)
	if err != nil {
		return 0, fmt.Errorf("selecting inactive agents: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	ip := newParams(s.dialect)
	selected := make([]string, 0, len(agentColumnNames))
	updates := make([]string, 0, len(agentColumnNames)+1)
	for _, col := range agentColumnNames {
		selected = append(selected, "a."+col)
		if col != "agent_id" {
			updates = append(updates, fmt.Sprintf("%[1]s = excluded.%[1]s", col))
		}
	}
	updates = append(updates, "archived_reason = excluded.archived_reason", "archived_at = excluded.archived_at")

	insertQuery := fmt.Sprintf(`
		INSERT INTO agents_stale_state (%s, archived_reason, archived_at)
		SELECT %s,
			CASE
				WHEN a.status = %s THEN %s
				WHEN a.last_heartbeat IS NULL THEN %s
				ELSE %s
			END,
			%s
		FROM agents_control_state a
		WHERE a.agent_id IN %s
		ON CONFLICT (agent_id) DO UPDATE SET %s`,
		agentColumns, strings.Join(selected, ", "),
		ip.add(StatusDisconnected), ip.add(ReasonDisconnected),
		ip.add(ReasonMissingHeartbeat), ip.add(ReasonStaleHeartbeat),
		s.dialect.TimeParam(ip.add(s.dialect.Time(now))),
		ip.in(ids),
		strings.Join(updates, ", "))

	if _, err := tx.ExecContext(ctx, insertQuery, ip.vals...); err != nil {
		return 0, fmt.Errorf("archiving agents: %w", err)
	}

	dp := newParams(s.dialect)
	res, err := tx.ExecContext(ctx, "DELETE FROM agents_control_state WHERE agent_id IN "+dp.in(ids), dp.vals...)
	if err != nil {
		return 0, fmt.Errorf("removing archived agents: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing archive: %w", err)
	}
	return int(n), nil
}

// PurgeArchived deletes archive rows archived before cutoff.
func (s *SQLStore) PurgeArchived(ctx context.Context, cutoff time.Time) (int, error) {
	p := newParams(s.dialect)
	res, err := s.db.ExecContext(ctx, "DELETE FROM agents_stale_state WHERE archived_at < "+p.time(&cutoff), p.vals...)
	if err != nil {
		return 0, fmt.Errorf("purging archived agents: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListArchived returns archive rows for tenantID (all tenants when empty), most recently archived first.
func (s *SQLStore) ListArchived(ctx context.Context, tenantID string) ([]*ArchivedAgent, error) {
	p := newParams(s.dialect)
	query := "SELECT " + agentColumns + ", archived_reason, archived_at FROM agents_stale_state"
	if tenantID != "" {
		query += " WHERE tenant_id = " + p.add(tenantID)
	}
	query += " ORDER BY archived_at DESC"

	rows, err := s.db.QueryContext(ctx, query, p.vals...)
	if err != nil {
		return nil, fmt.Errorf("listing archived agents: %w", err)
	}
	defer rows.Close()

	var out []*ArchivedAgent
	for rows.Next() {
		a, err := scanArchived(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning archived agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetArchived retrieves one archive row. Returns ErrNotFound if absent.
func (s *SQLStore) GetArchived(ctx context.Context, agentID string) (*ArchivedAgent, error) {
	p := newParams(s.dialect)
	query := fmt.Sprintf("SELECT %s, archived_reason, archived_at FROM agents_stale_state WHERE agent_id = %s",
		agentColumns, p.add(agentID))

	a, err := scanArchived(s.db.QueryRowContext(ctx, query, p.vals...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying archived agent %s: %w", agentID, err)
	}
	return a, nil
}

// ExpiredEphemeral returns up to limit ephemeral agents whose lease ended before cutoff, oldest lease first.
func (s *SQLStore) ExpiredEphemeral(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	p := newParams(s.dialect)
	query := fmt.Sprintf(`
		SELECT agent_id FROM agents_control_state
		WHERE is_ephemeral = %s
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at < %s
		ORDER BY lease_expires_at ASC
		LIMIT %d`, p.add(true), p.time(&cutoff), limit)

	ids, err := queryIDs(ctx, s.db, query, p.vals)
	if err != nil {
		return nil, fmt.Errorf("selecting expired ephemeral agents: %w", err)
	}
	return ids, nil
}

// OrphanCandidates returns up to limit agents untouched since cutoff that are
// ephemeral, or carry no inventory and never sent a heartbeat.
func (s *SQLStore) OrphanCandidates(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	p := newParams(s.dialect)
	query := fmt.Sprintf(`
		SELECT agent_id FROM agents_control_state
		WHERE updated_at < %s
		  AND (
			is_ephemeral = %s
			OR (
				(asset_profile_json IS NULL OR asset_profile_json = %s)
				AND (sbom_json IS NULL OR sbom_json = %s)
				AND (cve_json IS NULL OR cve_json = %s)
				AND last_heartbeat IS NULL
			)
		  )
		ORDER BY updated_at ASC
		LIMIT %d`,
		p.time(&cutoff), p.add(true), p.json("{}"), p.json("[]"), p.json("[]"), limit)

	ids, err := queryIDs(ctx, s.db, query, p.vals)
	if err != nil {
		return nil, fmt.Errorf("selecting orphan agents: %w", err)
	}
	return ids, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryIDs(ctx context.Context, q queryer, query string, args []any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanAgent(sc rowScanner, extra ...any) (*AgentState, error) {
	var (
		a                                                             AgentState
		connectedAt, lastSeen, lastHeartbeat, lease, policyAt, update nullTime
		caps, profile, sbom, cves                                     jsonText
		instanceID, runtimeKind, policyVersion, policyHash, result    sql.NullString
	)

	dest := []any{
		&a.AgentID, &a.TenantID, &a.Status, &connectedAt, &lastSeen, &lastHeartbeat,
		&caps, &a.IsEphemeral, &instanceID, &runtimeKind, &lease,
		&profile, &sbom, &cves, &a.FindingsCount,
		&policyVersion, &policyHash, &policyAt, &result, &update,
	}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	a.ConnectedAt = connectedAt.Ptr()
	a.LastSeen = lastSeen.Ptr()
	a.LastHeartbeat = lastHeartbeat.Ptr()
	a.LeaseExpiresAt = lease.Ptr()
	a.LastPolicyAppliedAt = policyAt.Ptr()
	a.UpdatedAt = update.Time
	a.InstanceID = instanceID.String
	a.RuntimeKind = runtimeKind.String
	a.PolicyVersion = policyVersion.String
	a.PolicyHash = policyHash.String
	a.LastPolicyResult = result.String

	var err error
	if a.Capabilities, err = decodeMap(caps); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	if a.AssetProfile, err = decodeMap(profile); err != nil {
		return nil, fmt.Errorf("decoding asset profile: %w", err)
	}
	if a.SBOM, err = decodeList(sbom); err != nil {
		return nil, fmt.Errorf("decoding sbom: %w", err)
	}
	if a.CVEs, err = decodeList(cves); err != nil {
		return nil, fmt.Errorf("decoding cves: %w", err)
	}
	return &a, nil
}

func scanArchived(sc rowScanner) (*ArchivedAgent, error) {
	var (
		reason     string
		archivedAt nullTime
	)
	a, err := scanAgent(sc, &reason, &archivedAt)
	if err != nil {
		return nil, err
	}
	return &ArchivedAgent{AgentState: *a, ArchivedReason: reason, ArchivedAt: archivedAt.Time}, nil
}
