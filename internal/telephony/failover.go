package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrNoProviders        = errors.New("telephony: no providers configured")
	ErrAllProvidersFailed = errors.New("telephony: all providers failed")
	ErrProviderAtCapacity = errors.New("telephony: provider at capacity")
)

// Limiter caps in-flight calls per provider. A slot is held from a successful
// initiation until the session reaches a terminal state.
type Limiter interface {
	Acquire(ctx context.Context, provider string) (bool, error)
	Release(ctx context.Context, provider string) error
}

// Attempt records a single provider try within one Initiate call.
type Attempt struct {
	Provider string
	CallID   string
	Err      error
}

type Outcome struct {
	Provider Provider
	Result   InitiateCallResult
	Attempts []Attempt
}

// Failover evaluates an ordered provider list once per initiation.
//
// Contract:
// - Each provider is tried at most once, in order, with no delay.
// - A provider error or a "failed" initiation status moves on to the next provider.
// - Nothing is retried mid-call.
type Failover struct {
	providers []Provider
	byName    map[string]Provider
	limiter   Limiter
	logger    *slog.Logger
}

func NewFailover(providers []Provider, limiter Limiter) (*Failover, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("telephony: nil provider")
		}
		if _, dup := byName[p.Name()]; dup {
			return nil, fmt.Errorf("telephony: provider %q listed twice", p.Name())
		}
		byName[p.Name()] = p
	}
	return &Failover{
		providers: providers,
		byName:    byName,
		limiter:   limiter,
		logger:    slog.Default().With("component", "telephony_failover"),
	}, nil
}

// Provider looks a provider up by name, for webhook routing and hangups.
func (f *Failover) Provider(name string) (Provider, bool) {
	p, ok := f.byName[name]
	return p, ok
}

func (f *Failover) Names() []string {
	out := make([]string, 0, len(f.providers))
	for _, p := range f.providers {
		out = append(out, p.Name())
	}
	return out
}

// Initiate tries providers in order and returns the first successful one.
// On total failure the returned Outcome still carries every attempt.
func (f *Failover) Initiate(ctx context.Context, req InitiateCallRequest) (Outcome, error) {
	var out Outcome
	errs := []error{ErrAllProvidersFailed}

	for _, p := range f.providers {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		name := p.Name()

		held, err := f.acquire(ctx, name)
		if err != nil {
			out.Attempts = append(out.Attempts, Attempt{Provider: name, Err: err})
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		res, err := p.InitiateCall(ctx, req)
		if err == nil && res.Status == InitiateFailed {
			err = errors.New("initiation rejected")
		}
		if err != nil {
			if held {
				f.release(ctx, name)
			}
			f.logger.Warn("provider initiation failed", "provider", name, "session_id", req.SessionID, "err", err)
			out.Attempts = append(out.Attempts, Attempt{Provider: name, CallID: res.CallID, Err: err})
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		out.Attempts = append(out.Attempts, Attempt{Provider: name, CallID: res.CallID})
		out.Provider = p
		out.Result = res
		return out, nil
	}
	return out, errors.Join(errs...)
}

// Release frees the provider slot held by a finished call.
func (f *Failover) Release(ctx context.Context, provider string) {
	if f.limiter == nil || provider == "" {
		return
	}
	f.release(ctx, provider)
}

// acquire reports whether a slot is now held. A limiter outage fails open.
func (f *Failover) acquire(ctx context.Context, name string) (bool, error) {
	if f.limiter == nil {
		return false, nil
	}
	ok, err := f.limiter.Acquire(ctx, name)
	if err != nil {
		f.logger.Error("provider limiter unavailable", "provider", name, "err", err)
		return false, nil
	}
	if !ok {
		return false, ErrProviderAtCapacity
	}
	return true, nil
}

func (f *Failover) release(ctx context.Context, name string) {
	if err := f.limiter.Release(context.WithoutCancel(ctx), name); err != nil {
		f.logger.Error("provider limiter release failed", "provider", name, "err", err)
	}
}
