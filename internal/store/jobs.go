// ABOUTME: Command job ledger persistence for dispatched agent commands
// ABOUTME: Idempotent creation and forward-only status transitions

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const jobColumns = `id, tenant_id, agent_id, command_type, payload_json, status,
	created_at, started_at, completed_at, result_json, error_text`

// CreateJob inserts a queued command job. Inserting an id that already exists is a no-op.
func (s *SQLStore) CreateJob(ctx context.Context, job *CommandJob) error {
	if job.ID == "" {
		return fmt.Errorf("creating job: id is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	job.Status = JobQueued

	payload := encodeRaw(job.Payload)
	if payload == nil {
		payload = "{}"
	}

	p := newParams(s.dialect)
	query := fmt.Sprintf(`
		INSERT INTO command_jobs (id, tenant_id, agent_id, command_type, payload_json, status, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (id) DO NOTHING`,
		p.add(job.ID), p.add(job.TenantID), p.add(job.AgentID), p.add(job.CommandType),
		p.json(payload), p.add(JobQueued), p.time(&job.CreatedAt))

	if _, err := s.db.ExecContext(ctx, query, p.vals...); err != nil {
		return fmt.Errorf("creating job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJob moves a job to upd.Status. Jobs already in a terminal status are
// left untouched and ErrJobFinalized is returned; unknown ids return ErrNotFound.
func (s *SQLStore) UpdateJob(ctx context.Context, jobID string, upd JobUpdate) error {
	now := s.now()

	p := newParams(s.dialect)
	sets := []string{"status = " + p.add(upd.Status)}
	if upd.Result != nil {
		sets = append(sets, "result_json = "+p.json(encodeRaw(upd.Result)))
	}
	if upd.ErrorText != nil {
		sets = append(sets, "error_text = "+p.add(*upd.ErrorText))
	}
	if upd.MarkStarted {
		sets = append(sets, fmt.Sprintf("started_at = COALESCE(started_at, %s)", p.time(&now)))
	}
	if upd.MarkCompleted {
		sets = append(sets, "completed_at = "+p.time(&now))
	}

	query := fmt.Sprintf(`
		UPDATE command_jobs SET %s
		WHERE id = %s AND status NOT IN %s`,
		strings.Join(sets, ", "), p.add(jobID), p.in(terminalStatuses))

	res, err := s.db.ExecContext(ctx, query, p.vals...)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return ErrJobFinalized
}

// GetJob retrieves a command job by id. Returns ErrNotFound if absent.
func (s *SQLStore) GetJob(ctx context.Context, jobID string) (*CommandJob, error) {
	p := newParams(s.dialect)
	query := fmt.Sprintf("SELECT %s FROM command_jobs WHERE id = %s", jobColumns, p.add(jobID))

	job, err := scanJob(s.db.QueryRowContext(ctx, query, p.vals...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns the most recent jobs dispatched to agentID, newest first.
func (s *SQLStore) ListJobs(ctx context.Context, agentID string, limit int) ([]*CommandJob, error) {
	if limit <= 0 {
		limit = 50
	}
	p := newParams(s.dialect)
	query := fmt.Sprintf("SELECT %s FROM command_jobs WHERE agent_id = %s ORDER BY created_at DESC LIMIT %d",
		jobColumns, p.add(agentID), limit)

	rows, err := s.db.QueryContext(ctx, query, p.vals...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*CommandJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(sc rowScanner) (*CommandJob, error) {
	var (
		job                               CommandJob
		payload, result                   jsonText
		createdAt, startedAt, completedAt nullTime
		errorText                         sql.NullString
	)
	if err := sc.Scan(&job.ID, &job.TenantID, &job.AgentID, &job.CommandType, &payload, &job.Status,
		&createdAt, &startedAt, &completedAt, &result, &errorText); err != nil {
		return nil, err
	}

	job.CreatedAt = createdAt.Time
	job.StartedAt = startedAt.Ptr()
	job.CompletedAt = completedAt.Ptr()
	job.ErrorText = errorText.String
	if payload.Valid {
		job.Payload = payload.Data
	}
	if result.Valid {
		job.Result = result.Data
	}
	return &job, nil
}
