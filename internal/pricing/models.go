package pricing

import "time"

// Amounts are expressed in minor units (e.g., öre, cents) using int64.

// Rates are the per-minute charges used for running and final cost estimates.
type Rates struct {
	Currency string

	// ProviderPerMinuteMinor is keyed by telephony provider name.
	ProviderPerMinuteMinor map[string]int64

	// AIPerMinuteMinor is the AI voice usage charge per started minute.
	AIPerMinuteMinor int64
}

// Estimate is a cost breakdown for a call of a given elapsed duration.
type Estimate struct {
	ProviderID string
	Currency   string

	ElapsedSeconds  int
	BillableMinutes int

	ProviderRatePerMinuteMinor int64
	ProviderCostMinor          int64
	AICostMinor                int64
	TotalMinor                 int64

	At time.Time
}
