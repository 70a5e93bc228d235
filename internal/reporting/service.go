package reporting

import (
	"context"
	"errors"
	"time"

	"feedback-calls/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// IMPORTANT:
// - Methods must enforce store filtering.
// - Sessions are selected by created_at in [from, to).
type Repository interface {
	ListSessions(ctx context.Context, storeID string, from, to time.Time) ([]calls.Session, error)

	// ListConfirmations returns confirmations of sessions created in the range.
	ListConfirmations(ctx context.Context, storeID string, from, to time.Time) ([]calls.Confirmation, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.StoreID == "" || !req.Range.valid() {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListSessions(ctx, req.StoreID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{StoreID: req.StoreID, Range: req.Range, ByProvider: map[string]int{}}
	measured := 0
	for _, c := range rows {
		out.TotalCalls++
		if c.RetryCount > 0 {
			out.RetriedCalls++
		}
		if c.ProviderID != "" {
			out.ByProvider[c.ProviderID]++
		}
		if c.ActualDurationSeconds != nil {
			out.TotalDurationSeconds += *c.ActualDurationSeconds
			measured++
		}
		if c.ActualCostMinor != nil {
			out.TotalCostMinor += *c.ActualCostMinor
		}
		switch c.Status {
		case calls.StatusCompleted:
			out.CompletedCalls++
		case calls.StatusFailed:
			out.FailedCalls++
			if c.FailureReason == "no_answer" {
				out.NoAnswerCalls++
			}
		case calls.StatusTimeout:
			out.TimeoutCalls++
		default:
			out.ActiveCalls++
		}
	}
	if measured > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / measured
	}
	return out, nil
}

func (s *Service) ConfirmationMetrics(ctx context.Context, req ConfirmationMetricsRequest) (ConfirmationMetrics, error) {
	if req.StoreID == "" || !req.Range.valid() {
		return ConfirmationMetrics{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return ConfirmationMetrics{}, errors.New("reporting: repository not configured")
	}

	sessions, err := s.repo.ListSessions(ctx, req.StoreID, req.Range.From, req.Range.To)
	if err != nil {
		return ConfirmationMetrics{}, err
	}
	confs, err := s.repo.ListConfirmations(ctx, req.StoreID, req.Range.From, req.Range.To)
	if err != nil {
		return ConfirmationMetrics{}, err
	}

	out := ConfirmationMetrics{StoreID: req.StoreID}
	for _, c := range sessions {
		if c.Status == calls.StatusCompleted {
			out.CompletedCalls++
		}
	}

	var satSum, satN, qualSum, qualN int
	for _, c := range confs {
		if c.CustomerConfirmed {
			out.Confirmed++
		} else {
			out.Disputed++
		}
		if c.SatisfactionRating != nil {
			satSum += *c.SatisfactionRating
			satN++
		}
		if c.QualityRating != nil {
			qualSum += *c.QualityRating
			qualN++
		}
	}
	out.Unanswered = max(out.CompletedCalls-len(confs), 0)

	if out.CompletedCalls > 0 {
		out.ConfirmationRate = float64(out.Confirmed) / float64(out.CompletedCalls)
	}
	if satN > 0 {
		out.AverageSatisfaction = float64(satSum) / float64(satN)
	}
	if qualN > 0 {
		out.AverageQuality = float64(qualSum) / float64(qualN)
	}
	return out, nil
}
