package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"feedback-calls/internal/metrics"
)

func newTestRunner(store Store, maxAttempts int) (*Runner, *time.Time) {
	now := time.Unix(1700000000, 0).UTC()
	r := NewRunner(store, RunnerConfig{
		WorkerID:    "test",
		MaxAttempts: maxAttempts,
		Backoff:     BackoffPolicy{InitialMs: 1000, MaxMs: 60000, Factor: 2},
		Metrics:     metrics.New(prometheus.NewRegistry()),
	})
	r.clock = func() time.Time { return now }
	return r, &now
}

func TestRunner_RunDueCompletesJob(t *testing.T) {
	store := NewMemoryStore()
	r, now := newTestRunner(store, 3)

	var got string
	r.Register(KindNoAnswerCheck, func(ctx context.Context, j Job) error {
		var p struct{ SessionID string }
		if err := j.Decode(&p); err != nil {
			return err
		}
		got = p.SessionID
		return nil
	})

	job, _, _ := store.Enqueue(context.Background(), Job{
		Kind: KindNoAnswerCheck, RunAt: *now, Payload: []byte(`{"SessionID":"s1"}`),
	})
	n, err := r.RunDue(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one job run, got %d %v", n, err)
	}
	if got != "s1" {
		t.Fatalf("handler did not receive payload")
	}
	stored, _ := store.Get(context.Background(), job.ID)
	if stored.Status != StatusDone {
		t.Fatalf("expected done, got %s", stored.Status)
	}
	if v := testutil.ToFloat64(r.metrics.Jobs.WithLabelValues("no_answer_check", "success")); v != 1 {
		t.Fatalf("expected success metric, got %v", v)
	}
}

func TestRunner_RetriesWithBackoffThenDies(t *testing.T) {
	store := NewMemoryStore()
	r, now := newTestRunner(store, 2)

	var calls int32
	r.Register(KindInitiateCall, func(ctx context.Context, j Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("provider down")
	})
	job, _, _ := store.Enqueue(context.Background(), Job{Kind: KindInitiateCall, RunAt: *now})

	_, _ = r.RunDue(context.Background())
	stored, _ := store.Get(context.Background(), job.ID)
	if stored.Status != StatusPending || !stored.RunAt.Equal(now.Add(time.Second)) {
		t.Fatalf("expected retry in 1s, got %+v", stored)
	}

	// not due yet
	if n, _ := r.RunDue(context.Background()); n != 0 {
		t.Fatalf("expected nothing due before backoff elapses")
	}

	*now = now.Add(time.Second)
	_, _ = r.RunDue(context.Background())
	stored, _ = store.Get(context.Background(), job.ID)
	if stored.Status != StatusDead || stored.LastError != "provider down" {
		t.Fatalf("expected dead after max attempts, got %+v", stored)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestRunner_PermanentErrorAndMissingHandlerAreDead(t *testing.T) {
	store := NewMemoryStore()
	r, now := newTestRunner(store, 5)
	r.Register(KindInitiateCall, func(ctx context.Context, j Job) error {
		return Permanent(errors.New("bad payload"))
	})

	a, _, _ := store.Enqueue(context.Background(), Job{Kind: KindInitiateCall, RunAt: *now})
	b, _, _ := store.Enqueue(context.Background(), Job{Kind: "unknown", RunAt: *now})
	_, _ = r.RunDue(context.Background())

	for _, id := range []string{a.ID, b.ID} {
		j, _ := store.Get(context.Background(), id)
		if j.Status != StatusDead {
			t.Fatalf("job %s: expected dead, got %s", id, j.Status)
		}
	}
}

func TestRunner_PanicIsRetried(t *testing.T) {
	store := NewMemoryStore()
	r, now := newTestRunner(store, 5)
	r.Register(KindNoAnswerCheck, func(ctx context.Context, j Job) error { panic("boom") })

	j, _, _ := store.Enqueue(context.Background(), Job{Kind: KindNoAnswerCheck, RunAt: *now})
	_, _ = r.RunDue(context.Background())
	stored, _ := store.Get(context.Background(), j.ID)
	if stored.Status != StatusPending || stored.LastError == "" {
		t.Fatalf("expected retry after panic, got %+v", stored)
	}
}

func TestRunner_StartStop(t *testing.T) {
	store := NewMemoryStore()
	r := NewRunner(store, RunnerConfig{PollInterval: 10 * time.Millisecond})

	done := make(chan struct{})
	r.Register(KindNoAnswerCheck, func(ctx context.Context, j Job) error {
		close(done)
		return nil
	})
	_, _, _ = store.Enqueue(context.Background(), Job{Kind: KindNoAnswerCheck})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("job was not executed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// second stop is a no-op
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestComputeBackoffWithRand(t *testing.T) {
	p := BackoffPolicy{InitialMs: 1000, MaxMs: 5000, Factor: 2, Jitter: 0.5}
	if got := ComputeBackoffWithRand(p, 1, 0); got != time.Second {
		t.Fatalf("attempt 1: expected 1s, got %s", got)
	}
	if got := ComputeBackoffWithRand(p, 2, 1); got != 3*time.Second {
		t.Fatalf("attempt 2 with full jitter: expected 3s, got %s", got)
	}
	if got := ComputeBackoffWithRand(p, 10, 0); got != 5*time.Second {
		t.Fatalf("expected clamp to max, got %s", got)
	}
}
