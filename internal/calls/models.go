package calls

import (
	"errors"
	"time"
)

// Session is one attempt to place and conduct a feedback call.
//
// Invariants:
// - At most one non-terminal session exists per CustomerVerificationID.
// - A retry creates a new row; rows are never re-opened.
// - ActualDurationSeconds / ActualCostMinor stay nil until a terminal status is written, then never change.
// - Status only moves forward (see CanTransition).
type Session struct {
	ID                     string `json:"id" db:"id"`
	CustomerVerificationID string `json:"customer_verification_id" db:"customer_verification_id"`
	StoreID                string `json:"store_id" db:"store_id"`
	PhoneNumber            string `json:"phone_number" db:"phone_number"`

	Status Status `json:"status" db:"status"`

	ProviderID     string `json:"provider_id,omitempty" db:"provider_id"`
	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`

	RetryCount        int      `json:"retry_count" db:"retry_count"`
	ExpectedQuestions int      `json:"expected_questions" db:"expected_questions"`
	Priority          Priority `json:"priority" db:"priority"`

	ActualDurationSeconds *int   `json:"actual_duration_seconds,omitempty" db:"actual_duration_seconds"`
	ActualCostMinor       *int64 `json:"actual_cost_minor,omitempty" db:"actual_cost_minor"`

	// QuestionsAnswered is reported by the AI service when the conversation completes.
	QuestionsAnswered *int `json:"questions_answered,omitempty" db:"questions_answered"`

	TranscriptRef string `json:"transcript_ref,omitempty" db:"transcript_ref"`
	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`

	InitiatedAt           time.Time  `json:"initiated_at" db:"initiated_at"`
	ConnectedAt           *time.Time `json:"connected_at,omitempty" db:"connected_at"`
	EndedAt               *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	CompletionConfirmedAt *time.Time `json:"completion_confirmed_at,omitempty" db:"completion_confirmed_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusConnecting Status = "connecting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
)

// MaxRetryCount bounds Session.RetryCount.
const MaxRetryCount = 3

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConnecting, StatusInProgress, StatusCompleted, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// ActiveStatuses are the non-terminal statuses.
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusConnecting, StatusInProgress}
}

// predecessors lists, per target, the statuses a session may move from.
// connecting -> completed covers an AI completion whose answered webhook never arrived.
var predecessors = map[Status][]Status{
	StatusConnecting: {StatusPending},
	StatusInProgress: {StatusConnecting},
	StatusCompleted:  {StatusConnecting, StatusInProgress},
	StatusFailed:     {StatusPending, StatusConnecting, StatusInProgress},
	StatusTimeout:    {StatusConnecting, StatusInProgress},
}

// Predecessors returns the valid predecessor statuses of to.
func Predecessors(to Status) []Status {
	p := predecessors[to]
	out := make([]Status, len(p))
	copy(out, p)
	return out
}

// CanTransition reports whether from is a valid predecessor of to.
func CanTransition(from, to Status) bool {
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

// Response is one answered question. Unique per (SessionID, QuestionID).
type Response struct {
	SessionID    string    `json:"session_id" db:"session_id"`
	QuestionID   string    `json:"question_id" db:"question_id"`
	ResponseText string    `json:"response_text" db:"response_text"`
	Confidence   float64   `json:"confidence" db:"confidence"`
	Sentiment    string    `json:"sentiment,omitempty" db:"sentiment"`
	AskedAt      time.Time `json:"asked_at" db:"asked_at"`
	RespondedAt  time.Time `json:"responded_at" db:"responded_at"`
}

// Confirmation is the customer's completion confirmation. Written at most once per session.
type Confirmation struct {
	SessionID          string     `json:"session_id" db:"session_id"`
	CustomerConfirmed  bool       `json:"customer_confirmed" db:"customer_confirmed"`
	SatisfactionRating *int       `json:"satisfaction_rating,omitempty" db:"satisfaction_rating"`
	QualityRating      *int       `json:"quality_rating,omitempty" db:"quality_rating"`
	FeedbackText       string     `json:"feedback_text,omitempty" db:"feedback_text"`
	RewardInfo         RewardInfo `json:"reward_info" db:"reward_info"`
	ConfirmedAt        time.Time  `json:"confirmed_at" db:"confirmed_at"`
}

// RewardInfo is supplied by the reward collaborator; this service stores it verbatim.
type RewardInfo struct {
	Status      string `json:"status"`
	AmountMinor *int64 `json:"amount_minor,omitempty"`
	Currency    string `json:"currency,omitempty"`
	Message     string `json:"message,omitempty"`
}

// OutcomeCount is a terminal-status tally for one provider.
type OutcomeCount struct {
	ProviderID string `json:"provider_id"`
	Status     Status `json:"status"`
	Count      int    `json:"count"`
}

var (
	ErrNotFound            = errors.New("calls: session not found")
	ErrActiveSessionExists = errors.New("calls: active session already exists for verification")
	ErrNotCompleted        = errors.New("calls: session not completed")
	ErrInvalidArgument     = errors.New("calls: invalid argument")
)
