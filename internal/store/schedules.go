package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
)

const scheduleColumns = `name, expression, timezone, job_type, recording_id,
	params, priority, max_attempts, overlap_policy, enabled, next_run_at, created_at`

func scanSchedule(row interface{ Scan(...any) error }) (*core.Schedule, error) {
	var (
		sched  core.Schedule
		params string
	)
	err := row.Scan(
		&sched.Name, &sched.Expression, &sched.Timezone, &sched.JobType,
		&sched.RecordingID, &params, &sched.Priority, &sched.MaxAttempts,
		&sched.OverlapPolicy, &sched.Enabled, &sched.NextRunAt, &sched.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if params != "" {
		sched.Params = json.RawMessage(params)
	}
	return &sched, nil
}

// CreateSchedule persists a new recurring schedule. The caller (the
// scheduler) has already validated the expression and computed NextRunAt.
func (s *SQLStore) CreateSchedule(ctx context.Context, sched *core.Schedule) (*core.Schedule, error) {
	if sched.OverlapPolicy == "" {
		sched.OverlapPolicy = core.OverlapAllow
	}
	if sched.CreatedAt == "" {
		sched.CreatedAt = core.NowFormatted()
	}
	params := string(sched.Params)
	if params == "" || params == "null" {
		params = "{}"
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO job_schedules
		 (name, expression, timezone, job_type, recording_id, params, priority,
		  max_attempts, overlap_policy, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	), sched.Name, sched.Expression, sched.Timezone, sched.JobType,
		sched.RecordingID, params, sched.Priority, sched.MaxAttempts,
		sched.OverlapPolicy, sched.Enabled, sched.NextRunAt, sched.CreatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, core.NewConflictError(
				fmt.Sprintf("A schedule named '%s' already exists.", sched.Name),
				map[string]any{"name": sched.Name},
			)
		}
		return nil, fmt.Errorf("creating schedule %s: %w", sched.Name, err)
	}
	return sched, nil
}

// GetSchedule loads one schedule by name.
func (s *SQLStore) GetSchedule(ctx context.Context, name string) (*core.Schedule, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+scheduleColumns+` FROM job_schedules WHERE name = ?`,
	), name)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("Schedule", name)
	}
	if err != nil {
		return nil, fmt.Errorf("loading schedule %s: %w", name, err)
	}
	return sched, nil
}

// ListSchedules returns all schedules ordered by name.
func (s *SQLStore) ListSchedules(ctx context.Context) ([]*core.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM job_schedules ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	defer rows.Close()

	var scheds []*core.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

// DeleteSchedule removes a schedule by name.
func (s *SQLStore) DeleteSchedule(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM job_schedules WHERE name = ?`,
	), name)
	if err != nil {
		return fmt.Errorf("deleting schedule %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewNotFoundError("Schedule", name)
	}
	return nil
}

// DueSchedules returns enabled schedules whose next_run_at has passed.
func (s *SQLStore) DueSchedules(ctx context.Context, now time.Time) ([]*core.Schedule, error) {
	enabled := "1"
	if s.driver == DriverPostgres {
		enabled = "TRUE"
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+scheduleColumns+` FROM job_schedules
		 WHERE enabled = `+enabled+` AND next_run_at <= ? ORDER BY next_run_at ASC`,
	), core.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("listing due schedules: %w", err)
	}
	defer rows.Close()

	var scheds []*core.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

// MarkScheduleFired advances a schedule to its next run time.
func (s *SQLStore) MarkScheduleFired(ctx context.Context, name string, nextRunAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE job_schedules SET next_run_at = ? WHERE name = ?`,
	), core.FormatTime(nextRunAt), name)
	if err != nil {
		return fmt.Errorf("advancing schedule %s: %w", name, err)
	}
	return nil
}

// isDuplicateKey detects primary-key violations across both drivers without
// binding to driver-specific error types.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || // sqlite
		strings.Contains(msg, "duplicate key") // postgres
}
