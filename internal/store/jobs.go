package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/metrics"
)

// Enqueue inserts a queued job and returns the full record. It performs no
// processing, only the dedupe check and one insert, so it stays fast under
// load.
func (s *SQLStore) Enqueue(ctx context.Context, req *core.EnqueueRequest) (*core.Job, error) {
	if jobErr := core.ValidateEnqueueRequest(req); jobErr != nil {
		return nil, jobErr
	}

	now := core.NowFormatted()
	job := &core.Job{
		JobID:       core.NewUUIDv7(),
		Type:        req.Type,
		Status:      core.StatusQueued,
		RecordingID: req.RecordingID,
		MaxAttempts: s.defaultMaxAttempts,
		DedupeKey:   req.DedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
		RunAt:       now,
	}
	if req.Priority != nil {
		job.Priority = *req.Priority
	}
	if req.MaxAttempts != nil {
		job.MaxAttempts = *req.MaxAttempts
	}

	params := req.Params
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage(`{}`)
	}
	job.Payload = core.Payload{Parameters: params}

	payload, err := marshalPayload(job.Payload)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	if job.DedupeKey != "" {
		var existingID string
		err := tx.QueryRowContext(ctx, s.rebind(
			`SELECT job_id FROM jobs WHERE dedupe_key = ? AND status IN ('queued', 'running') LIMIT 1`,
		), job.DedupeKey).Scan(&existingID)
		switch {
		case err == nil:
			return nil, core.NewConflictError(
				"A job with the same dedupe key is already active.",
				map[string]any{
					"existing_job_id": existingID,
					"dedupe_key":      job.DedupeKey,
				},
			)
		case err != sql.ErrNoRows:
			return nil, fmt.Errorf("checking dedupe key: %w", err)
		}
	}

	const insert = `INSERT INTO jobs
		(job_id, type, status, priority, attempts, max_attempts, recording_id,
		 payload, dedupe_key, created_at, updated_at, run_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		job.JobID, job.Type, job.Status, job.Priority, job.MaxAttempts,
		job.RecordingID, string(payload), nullable(job.DedupeKey),
		job.CreatedAt, job.UpdatedAt, job.RunAt,
	}

	if s.driver == DriverPostgres {
		err = tx.QueryRowContext(ctx, s.rebind(insert+` RETURNING id`), args...).Scan(&job.ID)
	} else {
		var res sql.Result
		res, err = tx.ExecContext(ctx, insert, args...)
		if err == nil {
			job.ID, err = res.LastInsertId()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("inserting job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}
	metrics.JobsEnqueued.WithLabelValues(job.Type).Inc()
	return job, nil
}

// GetByJobID retrieves one job by its external identifier.
func (s *SQLStore) GetByJobID(ctx context.Context, jobID string) (*core.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`,
	), jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("Job", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, oldest first.
func (s *SQLStore) ListJobs(ctx context.Context, filter Filter) ([]*core.Job, error) {
	where := []string{"1=1"}
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.RecordingID > 0 {
		where = append(where, "recording_id = ?")
		args = append(args, filter.RecordingID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	args = append(args, limit)

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at ASC, id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimNextEligible atomically hands the oldest eligible queued job of the
// given types to the caller. The claim itself is a single conditional
// update; at most one claimer wins a given job. Returns nil, nil when
// nothing is eligible.
func (s *SQLStore) ClaimNextEligible(ctx context.Context, types []string) (*core.Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	if s.driver == DriverPostgres {
		return s.claimPostgres(ctx, types)
	}
	return s.claimSQLite(ctx, types)
}

func (s *SQLStore) claimSQLite(ctx context.Context, types []string) (*core.Job, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(types)), ", ")
	selectQuery := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'queued' AND run_at <= ? AND type IN (` + placeholders + `)
		ORDER BY created_at ASC, priority DESC, id ASC LIMIT 1`

	// A lost conditional update means another claimer took the candidate;
	// move on to the next one instead of giving up the whole tick.
	for attempt := 0; attempt < 3; attempt++ {
		now := core.NowFormatted()
		args := make([]any, 0, len(types)+1)
		args = append(args, now)
		for _, t := range types {
			args = append(args, t)
		}

		job, err := scanJob(s.db.QueryRowContext(ctx, selectQuery, args...))
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("selecting claim candidate: %w", err)
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'queued'`,
			now, job.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("claiming job %s: %w", job.JobID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			job.Status = core.StatusRunning
			job.UpdatedAt = now
			return job, nil
		}
	}
	return nil, nil
}

func (s *SQLStore) claimPostgres(ctx context.Context, types []string) (*core.Job, error) {
	now := core.NowFormatted()
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'running', updated_at = $1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued' AND run_at <= $2 AND type = ANY($3)
			ORDER BY created_at ASC, priority DESC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		now, now, pq.Array(types),
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return job, nil
}

// MarkSucceeded finalizes a running job: status succeeded, error cleared,
// result and final metrics folded into the payload, progress at 100.
func (s *SQLStore) MarkSucceeded(ctx context.Context, jobID string, result json.RawMessage, metrics map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback()

	status, payload, err := s.lockJobRow(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if status != core.StatusRunning {
		return core.NewConflictError(
			fmt.Sprintf("Cannot finalize job not in 'running' status. Current status: '%s'.", status),
			map[string]any{
				"job_id":          jobID,
				"current_status":  status,
				"expected_status": core.StatusRunning,
			},
		)
	}

	payload.Result = result
	payload.Progress.Percent = 100
	payload.Progress.Metrics = mergeMetrics(payload.Progress.Metrics, metrics)
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE jobs SET status = 'succeeded', payload = ?, error = NULL, updated_at = ?
		 WHERE job_id = ? AND status = 'running'`,
	), string(data), core.NowFormatted(), jobID)
	if err != nil {
		return fmt.Errorf("finalizing job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return core.NewConflictError("Job changed status during finalize.", map[string]any{"job_id": jobID})
	}
	return tx.Commit()
}

// MarkFailed records a failed execution. attempts increments exactly here;
// a non-nil nextRunAt reschedules the job, nil fails it permanently.
func (s *SQLStore) MarkFailed(ctx context.Context, jobID string, cause string, nextRunAt *time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail: %w", err)
	}
	defer tx.Rollback()

	var (
		status   string
		attempts int
		runAt    string
	)
	query := `SELECT status, attempts, run_at FROM jobs WHERE job_id = ?`
	if s.driver == DriverPostgres {
		query += ` FOR UPDATE`
	}
	err = tx.QueryRowContext(ctx, s.rebind(query), jobID).Scan(&status, &attempts, &runAt)
	if err == sql.ErrNoRows {
		return core.NewNotFoundError("Job", jobID)
	}
	if err != nil {
		return fmt.Errorf("loading job %s: %w", jobID, err)
	}
	if status != core.StatusRunning {
		return core.NewConflictError(
			fmt.Sprintf("Cannot fail job not in 'running' status. Current status: '%s'.", status),
			map[string]any{
				"job_id":          jobID,
				"current_status":  status,
				"expected_status": core.StatusRunning,
			},
		)
	}

	newStatus := core.StatusFailed
	if nextRunAt != nil {
		newStatus = core.StatusQueued
		runAt = core.FormatTime(*nextRunAt)
	}

	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE jobs SET status = ?, attempts = ?, error = ?, run_at = ?, updated_at = ?
		 WHERE job_id = ? AND status = 'running'`,
	), newStatus, attempts+1, cause, runAt, core.NowFormatted(), jobID)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return core.NewConflictError("Job changed status during fail.", map[string]any{"job_id": jobID})
	}
	return tx.Commit()
}

// UpdateProgress merges progress into the payload and refreshes updated_at,
// which is also what keeps a healthy long-running job out of the reaper's
// reach. Progress reported after the job lost its running status (reclaimed
// or finalized) is dropped silently.
func (s *SQLStore) UpdateProgress(ctx context.Context, jobID string, percent int, message string, metrics map[string]any) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin progress: %w", err)
	}
	defer tx.Rollback()

	status, payload, err := s.lockJobRow(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if status != core.StatusRunning {
		return nil
	}

	payload.Progress.Percent = percent
	if message != "" {
		payload.Progress.Message = message
	}
	payload.Progress.Metrics = mergeMetrics(payload.Progress.Metrics, metrics)
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE jobs SET payload = ?, updated_at = ? WHERE job_id = ? AND status = 'running'`,
	), string(data), core.NowFormatted(), jobID); err != nil {
		return fmt.Errorf("updating progress for job %s: %w", jobID, err)
	}
	return tx.Commit()
}

// ReclaimStale returns running jobs whose updated_at fell behind the
// staleness cutoff to the queue, leaving attempts unchanged: a presumed
// worker crash is not an execution failure. The status condition inside the
// update keeps it from stomping a job that finished concurrently.
func (s *SQLStore) ReclaimStale(ctx context.Context, threshold time.Duration) (int, error) {
	now := time.Now()
	cutoff := core.FormatTime(now.Add(-threshold))
	nowStr := core.FormatTime(now)

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE jobs SET status = 'queued', run_at = ?, updated_at = ?
		 WHERE status = 'running' AND updated_at < ?`,
	), nowStr, nowStr, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting reclaimed jobs: %w", err)
	}
	return int(n), nil
}

// RetryFailed is the administrative requeue of a permanently failed job:
// attempts reset to zero, error and previous result cleared, eligible
// immediately.
func (s *SQLStore) RetryFailed(ctx context.Context, jobID string) (*core.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin retry: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = ?`
	if s.driver == DriverPostgres {
		query += ` FOR UPDATE`
	}
	job, err := scanJob(tx.QueryRowContext(ctx, s.rebind(query), jobID))
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("Job", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	if job.Status != core.StatusFailed {
		return nil, core.NewConflictError(
			fmt.Sprintf("Only failed jobs can be retried. Current status: '%s'.", job.Status),
			map[string]any{
				"job_id":         jobID,
				"current_status": job.Status,
			},
		)
	}

	job.Status = core.StatusQueued
	job.Attempts = 0
	job.Error = ""
	job.Payload.Result = nil
	job.Payload.Progress = core.ProgressState{}
	now := core.NowFormatted()
	job.RunAt = now
	job.UpdatedAt = now

	data, err := marshalPayload(job.Payload)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE jobs SET status = 'queued', attempts = 0, error = NULL, payload = ?,
		 run_at = ?, updated_at = ? WHERE job_id = ? AND status = 'failed'`,
	), string(data), now, now, jobID)
	if err != nil {
		return nil, fmt.Errorf("retrying job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, core.NewConflictError("Job changed status during retry.", map[string]any{"job_id": jobID})
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit retry: %w", err)
	}
	return job, nil
}

// Stats counts jobs per status, reporting zero for absent statuses.
func (s *SQLStore) Stats(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{
		core.StatusQueued:    0,
		core.StatusRunning:   0,
		core.StatusSucceeded: 0,
		core.StatusFailed:    0,
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// HasActiveJob reports whether a queued or running job of the given type
// exists for the recording. The scheduler uses it for overlap skipping.
func (s *SQLStore) HasActiveJob(ctx context.Context, jobType string, recordingID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(1) FROM jobs
		 WHERE type = ? AND recording_id = ? AND status IN ('queued', 'running')`,
	), jobType, recordingID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking active jobs: %w", err)
	}
	return n > 0, nil
}

// lockJobRow reads status and payload inside tx, row-locked on Postgres.
func (s *SQLStore) lockJobRow(ctx context.Context, tx *sql.Tx, jobID string) (string, core.Payload, error) {
	var (
		status  string
		payload string
	)
	query := `SELECT status, payload FROM jobs WHERE job_id = ?`
	if s.driver == DriverPostgres {
		query += ` FOR UPDATE`
	}
	err := tx.QueryRowContext(ctx, s.rebind(query), jobID).Scan(&status, &payload)
	if err == sql.ErrNoRows {
		return "", core.Payload{}, core.NewNotFoundError("Job", jobID)
	}
	if err != nil {
		return "", core.Payload{}, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	p, err := unmarshalPayload([]byte(payload))
	if err != nil {
		return "", core.Payload{}, fmt.Errorf("decoding payload for job %s: %w", jobID, err)
	}
	return status, p, nil
}
