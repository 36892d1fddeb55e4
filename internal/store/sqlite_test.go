// ABOUTME: Tests for the SQLite backend, backend selection and dialect helpers
// ABOUTME: Covers directory creation, schema idempotence across reopen and placeholder binding

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayman-m/yaragent/internal/config"
)

func TestNewSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "sqlite", s.Dialect().Name())
	assert.NoError(t, s.Ping(context.Background()))
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "orchestrator.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	assert.FileExists(t, path)
}

func TestNewSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, s.UpsertAgent(ctx, AgentUpdate{AgentID: "a1", Status: Ptr(StatusConnected), ConnectedAt: &now}))
	require.NoError(t, s.CreateJob(ctx, &CommandJob{ID: "j1", AgentID: "a1", CommandType: "rule.push"}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	a, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, a.Status)
	require.NotNil(t, a.ConnectedAt)
	assert.WithinDuration(t, now, *a.ConnectedAt, time.Microsecond)

	j, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, JobQueued, j.Status)
}

func TestOpen(t *testing.T) {
	s, err := Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "default.db")})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", s.Dialect().Name())
	require.NoError(t, s.Close())

	_, err = Open(config.DatabaseConfig{Driver: "mysql"})
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestParamsPlaceholders(t *testing.T) {
	ids := []string{"a", "b"}

	p := newParams(&SQLiteDialect{})
	assert.Equal(t, "?", p.add("x"))
	assert.Equal(t, "(?, ?)", p.in(ids))
	assert.Equal(t, "?", p.time(nil))
	assert.Len(t, p.vals, 4)
	assert.Nil(t, p.vals[3])

	p = newParams(&PostgresDialect{})
	assert.Equal(t, "$1", p.add("x"))
	assert.Equal(t, "($2, $3)", p.in(ids))
	assert.Equal(t, "CAST($4 AS JSONB)", p.json(`{}`))
}

func TestSQLiteTimeSortsLexically(t *testing.T) {
	d := &SQLiteDialect{}
	early := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	late := early.Add(time.Nanosecond * 994)

	a := d.Time(early).(string)
	b := d.Time(late).(string)
	assert.Len(t, a, len(b))
	assert.Less(t, a, b)
}
