// Package store persists jobs in a single SQL table and is the sole source
// of truth for job state. Every mutation goes through its narrow contract;
// the claim is one conditional update, which is the only synchronization
// primitive the subsystem needs. SQLite (modernc.org/sqlite, pure Go) covers
// development and tests; PostgreSQL (lib/pq) covers shared deployments.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the job ledger contract consumed by the worker, the scheduler and
// the API. Implementations must make ClaimNextEligible atomic: a job is
// handed to at most one claimer.
type Store interface {
	Enqueue(ctx context.Context, req *core.EnqueueRequest) (*core.Job, error)
	GetByJobID(ctx context.Context, jobID string) (*core.Job, error)
	ListJobs(ctx context.Context, filter Filter) ([]*core.Job, error)
	ClaimNextEligible(ctx context.Context, types []string) (*core.Job, error)
	MarkSucceeded(ctx context.Context, jobID string, result json.RawMessage, metrics map[string]any) error
	MarkFailed(ctx context.Context, jobID string, cause string, nextRunAt *time.Time) error
	UpdateProgress(ctx context.Context, jobID string, percent int, message string, metrics map[string]any) error
	ReclaimStale(ctx context.Context, threshold time.Duration) (int, error)
	RetryFailed(ctx context.Context, jobID string) (*core.Job, error)
	Stats(ctx context.Context) (map[string]int, error)
	HasActiveJob(ctx context.Context, jobType string, recordingID int64) (bool, error)

	CreateSchedule(ctx context.Context, sched *core.Schedule) (*core.Schedule, error)
	GetSchedule(ctx context.Context, name string) (*core.Schedule, error)
	ListSchedules(ctx context.Context) ([]*core.Schedule, error)
	DeleteSchedule(ctx context.Context, name string) error
	DueSchedules(ctx context.Context, now time.Time) ([]*core.Schedule, error)
	MarkScheduleFired(ctx context.Context, name string, nextRunAt time.Time) error

	Ping(ctx context.Context) error
	Close() error
}

// Filter narrows ListJobs. Zero values mean "no constraint"; Limit defaults
// to 100 and is capped at 500.
type Filter struct {
	Status      string
	Type        string
	RecordingID int64
	Limit       int
}

// Options configures Open.
type Options struct {
	Driver             string
	DSN                string
	DefaultMaxAttempts int
}

// SQLStore implements Store over database/sql.
type SQLStore struct {
	db                 *sql.DB
	driver             string
	defaultMaxAttempts int
}

// Open connects, applies driver pragmas and creates the schema if needed.
func Open(opts Options) (*SQLStore, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", driver, err)
	}

	if driver == DriverSQLite {
		// The shared-cache in-memory DSN used by tests breaks with more
		// than one connection; WAL handles concurrency for file DBs.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := &SQLStore{
		db:                 db,
		driver:             driver,
		defaultMaxAttempts: opts.DefaultMaxAttempts,
	}
	if s.defaultMaxAttempts <= 0 {
		s.defaultMaxAttempts = 3
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing schema: %w", err)
	}
	return s, nil
}

// Ping verifies the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Driver reports which SQL dialect the store runs on.
func (s *SQLStore) Driver() string {
	return s.driver
}

// rebind converts ?-placeholders to the $n form lib/pq expects. SQLite takes
// the query unchanged.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const jobColumns = `id, job_id, type, status, priority, attempts, max_attempts,
	recording_id, payload, error, dedupe_key, created_at, updated_at, run_at`

// scanJob reads one jobs row in jobColumns order.
func scanJob(row interface{ Scan(...any) error }) (*core.Job, error) {
	var (
		job       core.Job
		payload   string
		errText   sql.NullString
		dedupeKey sql.NullString
	)
	err := row.Scan(
		&job.ID, &job.JobID, &job.Type, &job.Status, &job.Priority,
		&job.Attempts, &job.MaxAttempts, &job.RecordingID, &payload,
		&errText, &dedupeKey, &job.CreatedAt, &job.UpdatedAt, &job.RunAt,
	)
	if err != nil {
		return nil, err
	}
	job.Error = errText.String
	job.DedupeKey = dedupeKey.String
	job.Payload, err = unmarshalPayload([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("decoding payload for job %s: %w", job.JobID, err)
	}
	return &job, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
