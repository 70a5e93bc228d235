package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"feedback-calls/pkg/utils"
)

const Schema = `
CREATE TABLE IF NOT EXISTS call_jobs (
  id            TEXT PRIMARY KEY,
  kind          TEXT NOT NULL,
  dedupe_key    TEXT NOT NULL UNIQUE,
  session_id    TEXT NOT NULL DEFAULT '',
  payload       JSONB NOT NULL DEFAULT '{}'::jsonb,
  run_at        TIMESTAMPTZ NOT NULL,
  priority      INT NOT NULL DEFAULT 0,
  status        TEXT NOT NULL,
  attempts      INT NOT NULL DEFAULT 0,
  last_error    TEXT NOT NULL DEFAULT '',
  locked_by     TEXT NOT NULL DEFAULT '',
  locked_until  TIMESTAMPTZ,
  created_at    TIMESTAMPTZ NOT NULL,
  updated_at    TIMESTAMPTZ NOT NULL
);

ALTER TABLE call_jobs ADD COLUMN IF NOT EXISTS priority INT NOT NULL DEFAULT 0;

CREATE INDEX IF NOT EXISTS call_jobs_due ON call_jobs (status, priority DESC, run_at);
`

const jobColumns = `id, kind, dedupe_key, session_id, payload, run_at, priority, status, attempts, last_error, locked_by, locked_until, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Enqueue(ctx context.Context, j Job) (Job, bool, error) {
	if err := validate(&j); err != nil {
		return Job{}, false, err
	}
	payload := []byte(j.Payload)
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	const q = `
INSERT INTO call_jobs (id, kind, dedupe_key, session_id, payload, run_at, priority, status, attempts, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,$9)
ON CONFLICT (dedupe_key) DO NOTHING
`
	res, err := s.db.ExecContext(ctx, q, j.ID, string(j.Kind), j.DedupeKey, j.SessionID, payload, j.RunAt, j.Priority, string(StatusPending), j.CreatedAt)
	if err != nil {
		return Job{}, false, fmt.Errorf("enqueue job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Job{}, false, fmt.Errorf("enqueue job: %w", err)
	}
	if n == 0 {
		existing, err := s.getBy(ctx, s.db, "dedupe_key", j.DedupeKey)
		if err != nil {
			return Job{}, false, err
		}
		return existing, false, nil
	}
	j.Status = StatusPending
	j.Payload = payload
	return j, true, nil
}

// Acquire locks one due job with FOR UPDATE SKIP LOCKED so concurrent workers never share it.
func (s *PostgresStore) Acquire(ctx context.Context, workerID string, now time.Time, lock time.Duration) (*Job, error) {
	var out *Job
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM call_jobs
WHERE (status = $1 AND run_at <= $2)
   OR (status = $3 AND locked_until < $2)
ORDER BY priority DESC, run_at ASC
LIMIT 1
FOR UPDATE SKIP LOCKED
`, string(StatusPending), now, string(StatusRunning))

		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("scan job: %w", err)
		}

		until := now.Add(lock)
		if _, err := tx.ExecContext(ctx, `
UPDATE call_jobs SET status = $1, attempts = attempts + 1, locked_by = $2, locked_until = $3, updated_at = $4
WHERE id = $5
`, string(StatusRunning), workerID, until, now, j.ID); err != nil {
			return fmt.Errorf("lock job: %w", err)
		}
		j.Status = StatusRunning
		j.Attempts++
		j.LockedBy = workerID
		j.LockedUntil = &until
		j.UpdatedAt = now
		out = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, now time.Time) error {
	const q = `
UPDATE call_jobs SET status = $1, locked_by = '', locked_until = NULL, updated_at = $2
WHERE id = $3
`
	return s.exec(ctx, q, string(StatusDone), now, id)
}

func (s *PostgresStore) Fail(ctx context.Context, id string, errMsg string, nextRunAt time.Time, dead bool, now time.Time) error {
	status := StatusPending
	if dead {
		status = StatusDead
	}
	const q = `
UPDATE call_jobs SET status = $1, last_error = $2, run_at = $3, locked_by = '', locked_until = NULL, updated_at = $4
WHERE id = $5
`
	return s.exec(ctx, q, string(status), errMsg, nextRunAt, now, id)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Job, error) {
	return s.getBy(ctx, s.db, "id", id)
}

func (s *PostgresStore) exec(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// column is always a constant from this file.
func (s *PostgresStore) getBy(ctx context.Context, q queryRower, column, value string) (Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM call_jobs WHERE `+column+` = $1`, value)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j           Job
		kind        string
		status      string
		payload     []byte
		lockedUntil sql.NullTime
	)
	if err := row.Scan(&j.ID, &kind, &j.DedupeKey, &j.SessionID, &payload, &j.RunAt, &j.Priority, &status, &j.Attempts,
		&j.LastError, &j.LockedBy, &lockedUntil, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return Job{}, err
	}
	j.Kind = Kind(kind)
	j.Status = Status(status)
	j.Payload = payload
	if lockedUntil.Valid {
		t := lockedUntil.Time
		j.LockedUntil = &t
	}
	return j, nil
}
