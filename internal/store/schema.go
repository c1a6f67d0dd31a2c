package store

import "context"

// Timestamps are stored as canonical UTC millisecond strings (core.TimeFormat)
// so lexicographic comparison in SQL equals chronological comparison in both
// dialects.

var sqlitePragmas = []string{
	`PRAGMA journal_mode=WAL`,
	`PRAGMA busy_timeout=5000`,
	`PRAGMA foreign_keys=ON`,
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued'
		CHECK (status IN ('queued', 'running', 'succeeded', 'failed')),
	priority INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	recording_id INTEGER NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	error TEXT,
	dedupe_key TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	run_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs (status, run_at, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_recording ON jobs (recording_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_dedupe ON jobs (dedupe_key) WHERE dedupe_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS job_schedules (
	name TEXT PRIMARY KEY,
	expression TEXT NOT NULL,
	timezone TEXT NOT NULL DEFAULT '',
	job_type TEXT NOT NULL,
	recording_id INTEGER NOT NULL,
	params TEXT NOT NULL DEFAULT '{}',
	priority INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 0,
	overlap_policy TEXT NOT NULL DEFAULT 'allow',
	enabled INTEGER NOT NULL DEFAULT 1,
	next_run_at TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued'
		CHECK (status IN ('queued', 'running', 'succeeded', 'failed')),
	priority INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	recording_id BIGINT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	error TEXT,
	dedupe_key TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	run_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs (status, run_at, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_recording ON jobs (recording_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_dedupe ON jobs (dedupe_key) WHERE dedupe_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS job_schedules (
	name TEXT PRIMARY KEY,
	expression TEXT NOT NULL,
	timezone TEXT NOT NULL DEFAULT '',
	job_type TEXT NOT NULL,
	recording_id BIGINT NOT NULL,
	params TEXT NOT NULL DEFAULT '{}',
	priority INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 0,
	overlap_policy TEXT NOT NULL DEFAULT 'allow',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	next_run_at TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

func (s *SQLStore) migrate(ctx context.Context) error {
	if s.driver == DriverSQLite {
		for _, pragma := range sqlitePragmas {
			if _, err := s.db.ExecContext(ctx, pragma); err != nil {
				return err
			}
		}
		_, err := s.db.ExecContext(ctx, sqliteSchema)
		return err
	}
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}
