package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"feedback-calls/internal/metrics"
	"feedback-calls/pkg/logger"
)

// Handler executes one job. Returning an error schedules a retry with backoff
// unless it is wrapped with Permanent.
type Handler func(ctx context.Context, j Job) error

// RunnerConfig configures the job runner.
type RunnerConfig struct {
	// WorkerID identifies this instance in job locks. Defaults to a UUID.
	WorkerID string

	// PollInterval is how often the runner looks for due jobs. Defaults to 1 second.
	PollInterval time.Duration

	// LockDuration bounds a single execution; an expired lock makes the job due again.
	// Defaults to 2 minutes.
	LockDuration time.Duration

	// MaxConcurrency is the maximum number of jobs executing at once. Defaults to 10.
	MaxConcurrency int

	// MaxAttempts before a job is marked dead. Defaults to 5.
	MaxAttempts int

	Backoff BackoffPolicy

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Runner polls a Store and dispatches due jobs to registered handlers.
type Runner struct {
	store    Store
	config   RunnerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time
	handlers map[Kind]Handler

	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.RWMutex
	running bool
}

func NewRunner(store Store, config RunnerConfig) *Runner {
	if config.WorkerID == "" {
		config.WorkerID = uuid.NewString()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.LockDuration <= 0 {
		config.LockDuration = 2 * time.Minute
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 10
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.Backoff.InitialMs <= 0 {
		config.Backoff = DefaultBackoff()
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "job-runner")
	}

	return &Runner{
		store:    store,
		config:   config,
		logger:   logger,
		metrics:  config.Metrics,
		clock:    time.Now,
		handlers: map[Kind]Handler{},
		sem:      make(chan struct{}, config.MaxConcurrency),
	}
}

// Register binds a handler to a job kind. Call before Start.
func (r *Runner) Register(kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Enqueue stores a job; see Store.Enqueue for dedupe semantics.
func (r *Runner) Enqueue(ctx context.Context, j Job) (Job, bool, error) {
	return r.store.Enqueue(ctx, j)
}

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.logger.Info("starting job runner",
		"worker_id", r.config.WorkerID,
		"poll_interval", r.config.PollInterval,
		"max_concurrency", r.config.MaxConcurrency,
	)

	r.wg.Add(1)
	go r.acquireLoop(ctx)
	return nil
}

// Stop cancels polling and waits for in-flight jobs up to ctx's deadline.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	r.logger.Info("stopping job runner", "worker_id", r.config.WorkerID)
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("job runner stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) acquireLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.dispatchDue(ctx)
		}
	}
}

// dispatchDue hands out due jobs until none remain or all slots are busy.
func (r *Runner) dispatchDue(ctx context.Context) {
	for {
		select {
		case r.sem <- struct{}{}:
		default:
			return
		}

		j, err := r.store.Acquire(ctx, r.config.WorkerID, r.clock(), r.config.LockDuration)
		if err != nil || j == nil {
			<-r.sem
			if err != nil && ctx.Err() == nil {
				r.logger.Error("failed to acquire job", "error", err)
			}
			return
		}

		r.wg.Add(1)
		go func(j Job) {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			r.execute(ctx, j)
		}(*j)
	}
}

// RunDue executes every due job synchronously and returns how many ran.
// The job loop uses the same path; tests and one-shot tools call it directly.
func (r *Runner) RunDue(ctx context.Context) (int, error) {
	n := 0
	for {
		j, err := r.store.Acquire(ctx, r.config.WorkerID, r.clock(), r.config.LockDuration)
		if err != nil {
			return n, err
		}
		if j == nil {
			return n, nil
		}
		r.execute(ctx, *j)
		n++
	}
}

func (r *Runner) execute(ctx context.Context, j Job) {
	log := r.logger.With("job_id", j.ID, "kind", j.Kind, "session_id", j.SessionID, "attempt", j.Attempts)

	r.mu.RLock()
	h, ok := r.handlers[j.Kind]
	r.mu.RUnlock()

	var err error
	if !ok {
		err = Permanent(fmt.Errorf("no handler for kind %q", j.Kind))
	} else {
		runCtx, cancel := context.WithTimeout(logger.With(ctx, log), r.config.LockDuration)
		err = safeRun(runCtx, h, j)
		cancel()
	}

	// Bookkeeping must survive shutdown cancellation.
	storeCtx := context.WithoutCancel(ctx)
	now := r.clock()

	if err == nil {
		if cerr := r.store.Complete(storeCtx, j.ID, now); cerr != nil {
			log.Error("failed to complete job", "error", cerr)
		}
		r.metrics.Job(string(j.Kind), "success")
		log.Debug("job done")
		return
	}

	var perm *PermanentError
	dead := errors.As(err, &perm) || j.Attempts >= r.config.MaxAttempts
	next := now.Add(ComputeBackoff(r.config.Backoff, j.Attempts))
	if ferr := r.store.Fail(storeCtx, j.ID, err.Error(), next, dead, now); ferr != nil {
		log.Error("failed to record job failure", "error", ferr)
	}
	if dead {
		r.metrics.Job(string(j.Kind), "dead")
		log.Error("job dead", "error", err)
		return
	}
	r.metrics.Job(string(j.Kind), "retry")
	log.Warn("job failed, will retry", "error", err, "next_run_at", next)
}

func safeRun(ctx context.Context, h Handler, j Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, j)
}

func validate(j *Job) error {
	if j.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidJob)
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.DedupeKey == "" {
		j.DedupeKey = j.ID
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.RunAt.IsZero() {
		j.RunAt = j.CreatedAt
	}
	return nil
}
