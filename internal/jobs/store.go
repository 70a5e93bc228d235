package jobs

import (
	"context"
	"time"
)

// Store persists jobs.
//
// Contract:
// - Enqueue is idempotent on DedupeKey: a second enqueue returns the existing job and created=false.
// - Acquire hands a due job to exactly one worker, incrementing Attempts. Jobs whose lock
//   expired (worker crashed mid-run) are due again.
// - Acquire returns (nil, nil) when nothing is due.
type Store interface {
	Enqueue(ctx context.Context, j Job) (Job, bool, error)
	Acquire(ctx context.Context, workerID string, now time.Time, lock time.Duration) (*Job, error)
	Complete(ctx context.Context, id string, now time.Time) error

	// Fail records a failed attempt; dead jobs are never acquired again.
	Fail(ctx context.Context, id string, errMsg string, nextRunAt time.Time, dead bool, now time.Time) error

	Get(ctx context.Context, id string) (Job, error)
}

// Enqueuer is the narrow view used by producers.
type Enqueuer interface {
	Enqueue(ctx context.Context, j Job) (Job, bool, error)
}
