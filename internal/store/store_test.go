// ABOUTME: Tests for the Control-State Store against SQLite
// ABOUTME: Covers coalescing upsert, restore-on-reconnect, archival, sweeps and the job ledger

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// connect mimics the session handler's connect upsert.
func connect(t *testing.T, s *SQLStore, agentID string, at time.Time) {
	t.Helper()
	require.NoError(t, s.UpsertAgent(context.Background(), AgentUpdate{
		AgentID:      agentID,
		TenantID:     Ptr(DefaultTenant),
		Status:       Ptr(StatusConnected),
		ConnectedAt:  &at,
		LastSeen:     &at,
		Capabilities: map[string]any{},
		IsEphemeral:  Ptr(false),
	}))
}

func TestUpsertAgent_InsertDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "a1"}))

	a, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, DefaultTenant, a.TenantID)
	assert.Equal(t, StatusDisconnected, a.Status)
	assert.False(t, a.IsEphemeral)
	assert.Empty(t, a.Capabilities)
	assert.NotNil(t, a.Capabilities)
	assert.Empty(t, a.SBOM)
	assert.Empty(t, a.CVEs)
	assert.Zero(t, a.FindingsCount)
	assert.Nil(t, a.ConnectedAt)
	assert.Nil(t, a.LastPolicyAppliedAt)
	assert.False(t, a.UpdatedAt.IsZero())
}

func TestUpsertAgent_LastSeenOnlyPreservesFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t0 := time.Now().UTC().Add(-time.Minute)
	lease := t0.Add(2 * time.Minute)
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{
		AgentID:        "a1",
		TenantID:       Ptr("acme"),
		Status:         Ptr(StatusConnected),
		ConnectedAt:    &t0,
		LastSeen:       &t0,
		LastHeartbeat:  &t0,
		Capabilities:   map[string]any{"runtime": "docker", "yara": "4.5"},
		IsEphemeral:    Ptr(true),
		InstanceID:     Ptr("i-123"),
		RuntimeKind:    Ptr("docker"),
		LeaseExpiresAt: &lease,
		AssetProfile:   map[string]any{"hostname": "web-1"},
		SBOM:           []any{map[string]any{"name": "openssl"}},
		CVEs:           []any{"CVE-2024-0001", "CVE-2024-0002"},
		FindingsCount:  Ptr(2),
		PolicyVersion:  Ptr("v1"),
		PolicyHash:     Ptr("abc"),
	}))

	before, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)

	t1 := t0.Add(30 * time.Second)
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "a1", LastSeen: &t1}))

	after, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)

	require.NotNil(t, after.LastSeen)
	assert.WithinDuration(t, t1, *after.LastSeen, time.Millisecond)

	assert.Equal(t, "acme", after.TenantID)
	assert.Equal(t, StatusConnected, after.Status)
	assert.WithinDuration(t, t0, *after.ConnectedAt, time.Millisecond)
	assert.WithinDuration(t, t0, *after.LastHeartbeat, time.Millisecond)
	assert.Equal(t, before.Capabilities, after.Capabilities)
	assert.True(t, after.IsEphemeral)
	assert.Equal(t, "i-123", after.InstanceID)
	assert.Equal(t, "docker", after.RuntimeKind)
	assert.WithinDuration(t, lease, *after.LeaseExpiresAt, time.Millisecond)
	assert.Equal(t, before.AssetProfile, after.AssetProfile)
	assert.Equal(t, before.SBOM, after.SBOM)
	assert.Equal(t, before.CVEs, after.CVEs)
	assert.Equal(t, 2, after.FindingsCount)
	assert.Equal(t, "v1", after.PolicyVersion)
	assert.Equal(t, "abc", after.PolicyHash)
	require.NotNil(t, after.LastPolicyAppliedAt)
	assert.WithinDuration(t, *before.LastPolicyAppliedAt, *after.LastPolicyAppliedAt, time.Millisecond)
}

func TestUpsertAgent_FieldLevelOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{
		AgentID:      "a1",
		TenantID:     Ptr("acme"),
		InstanceID:   Ptr("i-1"),
		Capabilities: map[string]any{"a": 1.0, "b": 2.0},
	}))
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{
		AgentID:      "a1",
		InstanceID:   Ptr("i-2"),
		Capabilities: map[string]any{"c": 3.0},
	}))

	a, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "acme", a.TenantID)
	assert.Equal(t, "i-2", a.InstanceID)
	assert.Equal(t, map[string]any{"c": 3.0}, a.Capabilities)
}

func TestUpsertAgent_RequiresID(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.UpsertAgent(context.Background(), AgentUpdate{}))
}

func TestGetAgent_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAgent(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAgents_TenantFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "a1", TenantID: Ptr("acme")}))
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "a2", TenantID: Ptr("globex")}))
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "a3", TenantID: Ptr("acme")}))

	all, err := s.ListAgents(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "a3", all[0].AgentID, "newest update first")

	acme, err := s.ListAgents(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, acme, 2)
	for _, a := range acme {
		assert.Equal(t, "acme", a.TenantID)
	}
}

func TestDeleteAgents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: id}))
	}

	n, err := s.DeleteAgents(ctx, []string{"a1", "a3", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.DeleteAgents(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	left, err := s.ListAgents(ctx, "")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "a2", left[0].AgentID)
}

func TestArchiveInactive_Reasons(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-10 * time.Minute)
	cutoff := now.Add(-90 * time.Second)

	// disconnected, recent
	connect(t, s, "gone", now)
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "gone", Status: Ptr(StatusDisconnected), LastSeen: &now}))

	// connected, never sent a heartbeat, silent for a while
	connect(t, s, "silent", old)

	// connected, heartbeat too old
	connect(t, s, "stale", old)
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "stale", LastHeartbeat: &old}))

	// connected and fresh
	connect(t, s, "fresh", now)
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "fresh", LastHeartbeat: &now}))

	n, err := s.ArchiveInactive(ctx, now, cutoff, 2000)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	reasons := map[string]string{}
	archived, err := s.ListArchived(ctx, "")
	require.NoError(t, err)
	for _, a := range archived {
		reasons[a.AgentID] = a.ArchivedReason
		assert.WithinDuration(t, now, a.ArchivedAt, time.Millisecond)
	}
	assert.Equal(t, map[string]string{
		"gone":   ReasonDisconnected,
		"silent": ReasonMissingHeartbeat,
		"stale":  ReasonStaleHeartbeat,
	}, reasons)

	active, err := s.ListAgents(ctx, "")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].AgentID)

	// Mutually exclusive tables.
	for id := range reasons {
		_, err := s.GetAgent(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestArchiveInactive_PreservesRowShape(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-time.Hour)
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{
		AgentID:       "a1",
		TenantID:      Ptr("acme"),
		Status:        Ptr(StatusConnected),
		ConnectedAt:   &old,
		LastHeartbeat: &old,
		AssetProfile:  map[string]any{"os": "linux"},
		CVEs:          []any{"CVE-1"},
		FindingsCount: Ptr(1),
		PolicyVersion: Ptr("v9"),
	}))

	_, err := s.ArchiveInactive(ctx, now, now.Add(-time.Minute), 10)
	require.NoError(t, err)

	a, err := s.GetArchived(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "acme", a.TenantID)
	assert.Equal(t, map[string]any{"os": "linux"}, a.AssetProfile)
	assert.Equal(t, []any{"CVE-1"}, a.CVEs)
	assert.Equal(t, 1, a.FindingsCount)
	assert.Equal(t, "v9", a.PolicyVersion)
	assert.Equal(t, ReasonStaleHeartbeat, a.ArchivedReason)

	_, err = s.GetArchived(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArchiveInactive_RespectsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: id, Status: Ptr(StatusDisconnected)}))
	}

	now := time.Now().UTC()
	n, err := s.ArchiveInactive(ctx, now, now, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.ArchiveInactive(ctx, now, now, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestArchiveInactive_ReArchiveOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "a1", Status: Ptr(StatusDisconnected), InstanceID: Ptr("first")}))
	_, err := s.ArchiveInactive(ctx, now, now, 10)
	require.NoError(t, err)

	// Only a connected write restores; a later disconnected write is re-archived over the old copy.
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "a1", Status: Ptr(StatusDisconnected), InstanceID: Ptr("second")}))
	n, err := s.ArchiveInactive(ctx, now.Add(time.Second), now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, err := s.GetArchived(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "second", a.InstanceID)
}

func TestUpsertAgent_ConnectedRestoresArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "a1", Status: Ptr(StatusDisconnected)}))
	n, err := s.ArchiveInactive(ctx, now, now, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	connect(t, s, "a1", now)

	_, err = s.GetArchived(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotFound)

	a, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, a.Status)
}

func TestUpsertAgent_ArchivedAgentNotRecreated(t *testing.T) {
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)
	now := time.Now().UTC()

	archive := func(t *testing.T, s *SQLStore) {
		t.Helper()
		require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{
			AgentID:       "a1",
			TenantID:      Ptr("acme"),
			Status:        Ptr(StatusConnected),
			ConnectedAt:   &old,
			LastSeen:      &old,
			LastHeartbeat: &old,
			AssetProfile:  map[string]any{"os": "linux"},
		}))
		n, err := s.ArchiveInactive(ctx, now, now.Add(-time.Minute), 10)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	assertArchivedIntact := func(t *testing.T, s *SQLStore) {
		t.Helper()
		_, err := s.GetAgent(ctx, "a1")
		assert.ErrorIs(t, err, ErrNotFound)

		a, err := s.GetArchived(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "acme", a.TenantID)
		assert.Equal(t, map[string]any{"os": "linux"}, a.AssetProfile)
		assert.Equal(t, ReasonStaleHeartbeat, a.ArchivedReason)
	}

	updates := map[string]AgentUpdate{
		"disconnect": {AgentID: "a1", Status: Ptr(StatusDisconnected), LastSeen: &now, UpdateOnly: true},
		"policy result": {
			AgentID: "a1", TenantID: Ptr("acme"), PolicyVersion: Ptr("v1"),
			PolicyHash: Ptr("abc"), LastPolicyResult: Ptr(PolicySuccess), UpdateOnly: true,
		},
		"plain disconnected upsert": {AgentID: "a1", Status: Ptr(StatusDisconnected), LastSeen: &now},
		"last seen only":            {AgentID: "a1", LastSeen: &now},
	}

	for name, upd := range updates {
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t)
			archive(t, s)

			require.NoError(t, s.UpsertAgent(ctx, upd))
			assertArchivedIntact(t, s)

			// The next tick finds nothing to archive and leaves the archive row as it was.
			n, err := s.ArchiveInactive(ctx, now, now.Add(-time.Minute), 10)
			require.NoError(t, err)
			assert.Zero(t, n)
			assertArchivedIntact(t, s)
		})
	}
}

func TestUpsertAgent_UpdateOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "ghost", Status: Ptr(StatusDisconnected), LastSeen: &now, UpdateOnly: true}))
	_, err := s.GetAgent(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	connect(t, s, "a1", now)
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "a1", Status: Ptr(StatusDisconnected), UpdateOnly: true}))
	a, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, a.Status)
	require.NotNil(t, a.ConnectedAt)

	// A connect always creates the row, even when flagged update-only.
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "a2", Status: Ptr(StatusConnected), ConnectedAt: &now, UpdateOnly: true}))
	_, err = s.GetAgent(ctx, "a2")
	assert.NoError(t, err)
}

func TestPurgeArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "old", Status: Ptr(StatusDisconnected)}))
	_, err := s.ArchiveInactive(ctx, now.Add(-40*24*time.Hour), now, 10)
	require.NoError(t, err)

	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "new", Status: Ptr(StatusDisconnected)}))
	_, err = s.ArchiveInactive(ctx, now, now, 10)
	require.NoError(t, err)

	n, err := s.PurgeArchived(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := s.ListArchived(ctx, "")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].AgentID)
}

func TestExpiredEphemeral(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	expired := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "expired", IsEphemeral: Ptr(true), LeaseExpiresAt: &expired}))
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "leased", IsEphemeral: Ptr(true), LeaseExpiresAt: &future}))
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "durable", IsEphemeral: Ptr(false), LeaseExpiresAt: &expired}))
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "nolease", IsEphemeral: Ptr(true)}))

	ids, err := s.ExpiredEphemeral(ctx, now.Add(-5*time.Minute), 500)
	require.NoError(t, err)
	assert.Equal(t, []string{"expired"}, ids)
}

func TestOrphanCandidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	s.now = func() time.Time { return now.Add(-7 * time.Hour) }

	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "empty"}))
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "ephemeral", IsEphemeral: Ptr(true), AssetProfile: map[string]any{"os": "linux"}}))
	hb := now.Add(-7 * time.Hour)
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "heartbeat", LastHeartbeat: &hb}))
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "inventory", SBOM: []any{"pkg"}}))

	s.now = func() time.Time { return now }
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "recent"}))

	ids, err := s.OrphanCandidates(ctx, now.Add(-6*time.Hour), 1000)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"empty", "ephemeral"}, ids)
}

func TestCreateJob_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &CommandJob{
		ID:          "j1",
		TenantID:    DefaultTenant,
		AgentID:     "a1",
		CommandType: "rule.push",
		Payload:     json.RawMessage(`{"policy_version":"v1","rule_hash":"abc"}`),
	}
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.CreateJob(ctx, &CommandJob{ID: "j1", TenantID: "other", AgentID: "a2", CommandType: "x"}))

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.AgentID)
	assert.Equal(t, JobQueued, got.Status)
	assert.JSONEq(t, `{"policy_version":"v1","rule_hash":"abc"}`, string(got.Payload))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.Result)
}

func TestUpdateJob_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, &CommandJob{ID: "j1", TenantID: DefaultTenant, AgentID: "a1", CommandType: "rule.push"}))

	require.NoError(t, s.UpdateJob(ctx, "j1", JobUpdate{Status: JobSent, MarkStarted: true}))
	sent, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, JobSent, sent.Status)
	require.NotNil(t, sent.StartedAt)

	// started_at is only stamped once
	require.NoError(t, s.UpdateJob(ctx, "j1", JobUpdate{Status: JobSent, MarkStarted: true}))
	again, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, sent.StartedAt.Equal(*again.StartedAt))

	reply := json.RawMessage(`{"type":"rule.compile.result","id":"j1","success":true}`)
	require.NoError(t, s.UpdateJob(ctx, "j1", JobUpdate{Status: JobCompleted, Result: reply, MarkCompleted: true}))

	done, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, done.Status)
	assert.JSONEq(t, string(reply), string(done.Result))
	assert.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.ErrorText)
}

func TestUpdateJob_TerminalIsFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, &CommandJob{ID: "j1", TenantID: DefaultTenant, AgentID: "a1", CommandType: "rule.push"}))
	require.NoError(t, s.UpdateJob(ctx, "j1", JobUpdate{
		Status:        JobTimeout,
		ErrorText:     Ptr("agent did not respond in time"),
		MarkCompleted: true,
	}))

	for _, status := range []string{JobSent, JobCompleted, JobFailed, JobQueued} {
		err := s.UpdateJob(ctx, "j1", JobUpdate{Status: status})
		assert.ErrorIs(t, err, ErrJobFinalized, status)
	}

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, IsTerminal(got.Status))
	assert.Equal(t, JobTimeout, got.Status)
	assert.Equal(t, "agent did not respond in time", got.ErrorText)
}

func TestIsTerminal(t *testing.T) {
	for _, status := range []string{JobCompleted, JobFailed, JobTimeout} {
		assert.True(t, IsTerminal(status), status)
	}
	for _, status := range []string{JobQueued, JobSent, ""} {
		assert.False(t, IsTerminal(status), status)
	}
}

func TestUpdateJob_NonTerminalAdvances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, &CommandJob{ID: "j1", TenantID: DefaultTenant, AgentID: "a1", CommandType: "rule.push"}))
	require.NoError(t, s.UpdateJob(ctx, "j1", JobUpdate{Status: JobSent, MarkStarted: true}))
	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, IsTerminal(got.Status))

	require.NoError(t, s.UpdateJob(ctx, "j1", JobUpdate{Status: JobFailed, ErrorText: Ptr("compile failed"), MarkCompleted: true}))
	got, err = s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, IsTerminal(got.Status))
}

func TestUpdateJob_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateJob(context.Background(), "ghost", JobUpdate{Status: JobSent})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"j1", "j2", "j3"} {
		require.NoError(t, s.CreateJob(ctx, &CommandJob{
			ID: id, TenantID: DefaultTenant, AgentID: "a1", CommandType: "rule.push",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.CreateJob(ctx, &CommandJob{ID: "other", TenantID: DefaultTenant, AgentID: "a2", CommandType: "rule.push"}))

	jobs, err := s.ListJobs(ctx, "a1", 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j3", jobs[0].ID)
	assert.Equal(t, "j2", jobs[1].ID)
}

func TestDisplayStatus(t *testing.T) {
	now := time.Now().UTC()
	old := now.Add(-5 * time.Minute)
	recent := now.Add(-10 * time.Second)

	tests := []struct {
		name  string
		agent AgentState
		want  string
	}{
		{"connected fresh", AgentState{Status: StatusConnected, LastHeartbeat: &recent}, StatusConnected},
		{"connected stale heartbeat", AgentState{Status: StatusConnected, LastHeartbeat: &old, LastSeen: &recent}, StatusStale},
		{"connected stale last seen", AgentState{Status: StatusConnected, LastSeen: &old}, StatusStale},
		{"connected no timestamps", AgentState{Status: StatusConnected}, StatusConnected},
		{"disconnected old", AgentState{Status: StatusDisconnected, LastSeen: &old}, StatusDisconnected},
		{"empty status", AgentState{}, StatusDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.agent.DisplayStatus(now, 90*time.Second))
		})
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
