package pricing

import (
	"errors"
	"math"
	"time"

	"feedback-calls/internal/calls"
)

// Tracker derives cost estimates from elapsed call time.
//
// Contract:
// - total = providerRate × ceil(elapsed/60) + aiRate × ceil(elapsed/60)
// - Pure calculation; safe to query at any time (the monitor polls it).
// - The persisted session cost is written once, at the terminal transition, from Estimate.
type Tracker struct {
	rates Rates
	clock func() time.Time
}

func NewTracker(rates Rates) *Tracker {
	if rates.ProviderPerMinuteMinor == nil {
		rates.ProviderPerMinuteMinor = map[string]int64{}
	}
	return &Tracker{rates: rates, clock: time.Now}
}

var ErrUnknownProvider = errors.New("pricing: no rate for provider")

// Estimate computes the cost of elapsed seconds on providerID.
// An unknown provider is costed at zero provider rate and reported via ErrUnknownProvider,
// so callers still receive the AI portion.
func (t *Tracker) Estimate(providerID string, elapsedSeconds int) (Estimate, error) {
	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}
	rate, ok := t.rates.ProviderPerMinuteMinor[providerID]

	minutes := billableMinutes(elapsedSeconds)
	providerCost := rate * int64(minutes)
	aiCost := t.rates.AIPerMinuteMinor * int64(minutes)

	e := Estimate{
		ProviderID:                 providerID,
		Currency:                   t.rates.Currency,
		ElapsedSeconds:             elapsedSeconds,
		BillableMinutes:            minutes,
		ProviderRatePerMinuteMinor: rate,
		ProviderCostMinor:          providerCost,
		AICostMinor:                aiCost,
		TotalMinor:                 providerCost + aiCost,
		At:                         t.clock().UTC(),
	}
	if !ok && providerID != "" {
		return e, ErrUnknownProvider
	}
	return e, nil
}

// Running estimates the cost of a call that connected at connectedAt and is still live at now.
// A call that never connected has cost nothing yet.
func (t *Tracker) Running(providerID string, connectedAt *time.Time, now time.Time) (Estimate, error) {
	if connectedAt == nil {
		return t.Estimate(providerID, 0)
	}
	return t.Estimate(providerID, ElapsedSeconds(*connectedAt, now))
}

// ElapsedSeconds rounds the wall-clock difference up to whole seconds.
func ElapsedSeconds(from, to time.Time) int {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

func (t *Tracker) Currency() string { return t.rates.Currency }

// billableMinutes counts started minutes: 1s bills one minute, 61s bills two.
func billableMinutes(sec int) int {
	if sec <= 0 {
		return 0
	}
	return (sec + 59) / 60
}

// RunningCost is the live cost of an active session; billing starts at answer.
func (t *Tracker) RunningCost(s calls.Session, now time.Time) (Estimate, error) {
	return t.Running(s.ProviderID, s.ConnectedAt, now)
}
