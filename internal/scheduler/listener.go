package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Source delivers raw verification event payloads until ctx is cancelled or Close is called.
type Source interface {
	Messages(ctx context.Context) (<-chan []byte, error)
	Close() error
}

// EventHandler is satisfied by *Scheduler.
type EventHandler interface {
	Handle(ctx context.Context, ev VerificationEvent) (Outcome, error)
}

type ListenerConfig struct {
	// MaxConcurrency bounds in-flight events.
	MaxConcurrency int
	Logger         *slog.Logger
}

// Listener consumes a Source with an explicit Start/Stop lifecycle.
type Listener struct {
	source  Source
	handler EventHandler
	logger  *slog.Logger
	sem     chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewListener(source Source, handler EventHandler, cfg ListenerConfig) *Listener {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "verification-listener")
	}
	return &Listener{
		source:  source,
		handler: handler,
		logger:  logger,
		sem:     make(chan struct{}, cfg.MaxConcurrency),
	}
}

func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	msgs, err := l.source.Messages(ctx)
	if err != nil {
		cancel()
		return err
	}
	l.cancel = cancel
	l.running = true

	l.logger.Info("starting verification listener")
	l.wg.Add(1)
	go l.consume(ctx, msgs)
	return nil
}

// Stop closes the source and waits for in-flight events up to ctx's deadline.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	cancel := l.cancel
	l.mu.Unlock()

	l.logger.Info("stopping verification listener")
	cancel()
	closeErr := l.source.Close()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return closeErr
	case <-ctx.Done():
		return errors.Join(ctx.Err(), closeErr)
	}
}

func (l *Listener) consume(ctx context.Context, msgs <-chan []byte) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case l.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			l.wg.Add(1)
			go func(raw []byte) {
				defer l.wg.Done()
				defer func() { <-l.sem }()
				l.process(ctx, raw)
			}(raw)
		}
	}
}

func (l *Listener) process(ctx context.Context, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("verification handler panicked", "panic", rec)
		}
	}()

	ev, err := ParseVerificationEvent(raw)
	if err != nil {
		l.logger.Warn("dropping invalid verification event", "err", err)
		return
	}
	out, err := l.handler.Handle(ctx, ev)
	if err != nil {
		l.logger.Error("verification event failed", "verification_id", ev.VerificationID, "err", err)
		return
	}
	l.logger.Debug("verification event handled", "verification_id", ev.VerificationID, "decision", out.Decision, "reason", out.Reason)
}
