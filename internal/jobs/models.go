package jobs

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind selects the handler a job is dispatched to.
type Kind string

const (
	KindInitiateCall  Kind = "initiate_call"
	KindNoAnswerCheck Kind = "no_answer_check"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

// Due jobs with a higher priority are claimed first.
const (
	PriorityNormal = 0
	PriorityHigh   = 10
)

// Job is a durable delayed unit of work, executed at least once.
// Handlers must be idempotent.
type Job struct {
	ID        string
	Kind      Kind
	DedupeKey string
	SessionID string
	Payload   json.RawMessage

	RunAt    time.Time
	Priority int
	Status   Status
	Attempts int

	LastError   string
	LockedBy    string
	LockedUntil *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return errors.New("jobs: empty payload")
	}
	return json.Unmarshal(j.Payload, v)
}

var (
	ErrNotFound   = errors.New("jobs: not found")
	ErrInvalidJob = errors.New("jobs: invalid job")
)

// PermanentError marks a handler failure that must not be retried.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
