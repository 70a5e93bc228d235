package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

// CallsSummaryRequest requests aggregated call outcomes for one store.
// Store isolation: StoreID is required.
type CallsSummaryRequest struct {
	StoreID string    `json:"store_id"`
	Range   TimeRange `json:"range"`
}

type CallsSummary struct {
	StoreID string    `json:"store_id"`
	Range   TimeRange `json:"range"`

	TotalCalls     int `json:"total_calls"`
	CompletedCalls int `json:"completed_calls"`
	FailedCalls    int `json:"failed_calls"`
	TimeoutCalls   int `json:"timeout_calls"`
	ActiveCalls    int `json:"active_calls"`
	NoAnswerCalls  int `json:"no_answer_calls"`
	RetriedCalls   int `json:"retried_calls"`

	TotalDurationSeconds   int   `json:"total_duration_seconds"`
	AverageDurationSeconds int   `json:"average_duration_seconds"`
	TotalCostMinor         int64 `json:"total_cost_minor"`

	ByProvider map[string]int `json:"by_provider"`
}

// ConfirmationMetricsRequest asks how many completed calls customers confirmed.
type ConfirmationMetricsRequest struct {
	StoreID string    `json:"store_id"`
	Range   TimeRange `json:"range"`
}

type ConfirmationMetrics struct {
	StoreID string `json:"store_id"`

	CompletedCalls int `json:"completed_calls"`
	Confirmed      int `json:"confirmed"`
	Disputed       int `json:"disputed"`
	Unanswered     int `json:"unanswered"`

	ConfirmationRate    float64 `json:"confirmation_rate"`
	AverageSatisfaction float64 `json:"average_satisfaction,omitempty"`
	AverageQuality      float64 `json:"average_quality,omitempty"`
}
