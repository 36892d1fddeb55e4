// ABOUTME: Dialect-aware database/sql implementation of the Store interface
// ABOUTME: Owns the connection, idempotent schema creation and shared JSON helpers

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// SQLStore implements Store over database/sql for any supported Dialect
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
	now     func() time.Time
}

var _ Store = (*SQLStore)(nil)

// newSQLStore wraps an open database and creates the schema.
func newSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  slog.Default().With("component", "store", "dialect", dialect.Name()),
		now:     func() time.Time { return time.Now().UTC() },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.createSchema(ctx); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Dialect returns the SQL dialect in use.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Ping verifies the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// createSchema creates the three control-plane tables if they don't exist
func (s *SQLStore) createSchema(ctx context.Context) error {
	ts := s.dialect.TimestampType()
	js := s.dialect.JSONType()
	boolean := s.dialect.BoolType()

	stateColumns := fmt.Sprintf(`
			agent_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			status TEXT NOT NULL DEFAULT 'disconnected',
			connected_at %[1]s,
			last_seen %[1]s,
			last_heartbeat %[1]s,
			capabilities_json %[2]s NOT NULL DEFAULT '{}',
			is_ephemeral %[3]s NOT NULL DEFAULT FALSE,
			instance_id TEXT,
			runtime_kind TEXT,
			lease_expires_at %[1]s,
			asset_profile_json %[2]s NOT NULL DEFAULT '{}',
			sbom_json %[2]s NOT NULL DEFAULT '[]',
			cve_json %[2]s NOT NULL DEFAULT '[]',
			findings_count INTEGER NOT NULL DEFAULT 0,
			policy_version TEXT,
			policy_hash TEXT,
			last_policy_applied_at %[1]s,
			last_policy_result TEXT,
			updated_at %[1]s NOT NULL`, ts, js, boolean)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents_control_state (` + stateColumns + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_control_state_tenant ON agents_control_state(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_control_state_updated ON agents_control_state(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_control_state_lease ON agents_control_state(is_ephemeral, lease_expires_at)`,

		`CREATE TABLE IF NOT EXISTS agents_stale_state (` + stateColumns + `,
			archived_reason TEXT NOT NULL,
			archived_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stale_state_archived ON agents_stale_state(archived_at)`,
		`CREATE INDEX IF NOT EXISTS idx_stale_state_tenant ON agents_stale_state(tenant_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS command_jobs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			command_type TEXT NOT NULL,
			payload_json %[2]s NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			created_at %[1]s NOT NULL,
			started_at %[1]s,
			completed_at %[1]s,
			result_json %[2]s,
			error_text TEXT,

			CHECK (status IN ('queued', 'sent', 'completed', 'failed', 'timeout'))
		)`, ts, js),
		`CREATE INDEX IF NOT EXISTS idx_command_jobs_agent ON command_jobs(agent_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// encodeMap returns the JSON text of m, or nil when m was not supplied.
func encodeMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// encodeList returns the JSON text of l, or nil when l was not supplied.
func encodeList(l []any) (any, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// encodeRaw returns raw JSON as text, or nil when empty.
func encodeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func decodeMap(j jsonText) (map[string]any, error) {
	out := map[string]any{}
	if !j.Valid || len(j.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(j.Data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func decodeList(j jsonText) ([]any, error) {
	out := []any{}
	if !j.Valid || len(j.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(j.Data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

// nullable dereferences v, yielding an untyped nil for a nil pointer.
func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

type rowScanner interface {
	Scan(dest ...any) error
}
