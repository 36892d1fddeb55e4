// Package store provides the durable Control-State Store for the orchestrator.
//
// # Backends
//
// SQLStore implements the Store interface over database/sql. A Dialect covers
// the differences between the two supported backends:
//
//   - SQLite (modernc.org/sqlite): a single WAL-mode connection. Timestamps are
//     fixed-width UTC text so comparisons sort correctly; JSON is stored as text.
//   - PostgreSQL (github.com/jackc/pgx/v5/stdlib): TIMESTAMPTZ and JSONB columns.
//
// Open picks the backend from config.DatabaseConfig. The schema is created
// idempotently when the store opens.
//
// # Tables
//
//   - agents_control_state: one row per known agent (status, liveness
//     timestamps, capability and inventory snapshots, policy bookkeeping)
//   - agents_stale_state: same shape plus archived_reason and archived_at
//   - command_jobs: the dispatch ledger
//
// An agent id lives in at most one of the two agent tables. ArchiveInactive
// moves rows across inside a transaction, and a connected upsert deletes any
// archive row for the same id inside the upsert transaction.
//
// # Coalescing upsert
//
// UpsertAgent takes an AgentUpdate whose nil fields leave stored values alone:
//
//	err := s.UpsertAgent(ctx, store.AgentUpdate{
//		AgentID:  id,
//		Status:   store.Ptr(store.StatusConnected),
//		LastSeen: &now,
//	})
//
// # Job ledger
//
// Jobs are created queued (duplicate ids are ignored) and moved forward with
// UpdateJob. Updates never touch a job in a terminal status (completed,
// failed, timeout); they return ErrJobFinalized instead.
package store
