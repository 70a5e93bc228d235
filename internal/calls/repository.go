package calls

import (
	"context"
	"time"
)

// Mutator adjusts a session inside a conditional transition.
// Changes to ID and Status are discarded by the store.
type Mutator func(s *Session)

// Repository is the durable store for sessions, responses and confirmations.
//
// Transition is the only way to change Session.Status. It must be atomic against
// the store: the write applies only if the current status is listed in from and is
// a valid predecessor of to. Otherwise it is a no-op and applied is false.
type Repository interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	FindByProviderCall(ctx context.Context, providerID, providerCallID string) (Session, error)
	FindActiveByVerification(ctx context.Context, verificationID string) (Session, bool, error)
	ListActive(ctx context.Context) ([]Session, error)

	Transition(ctx context.Context, id string, from []Status, to Status, mutate Mutator) (sess Session, applied bool, err error)

	// AddResponse inserts only while the session is non-terminal and the question
	// has not been recorded yet. inserted reports whether a row was written.
	AddResponse(ctx context.Context, r Response) (inserted bool, err error)
	ListResponses(ctx context.Context, sessionID string) ([]Response, error)

	// Confirm stores c if the session is completed and unconfirmed.
	// If a confirmation already exists it is returned with created=false.
	Confirm(ctx context.Context, c Confirmation) (stored Confirmation, created bool, err error)
	GetConfirmation(ctx context.Context, sessionID string) (Confirmation, bool, error)

	OutcomeStats(ctx context.Context, since time.Time) ([]OutcomeCount, error)
}

func statusIn(s Status, set []Status) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// applyMutation runs mutate on a copy of cur and enforces the fields the store owns.
func applyMutation(cur Session, to Status, mutate Mutator, now time.Time) Session {
	next := cur
	if mutate != nil {
		mutate(&next)
	}
	next.ID = cur.ID
	next.CustomerVerificationID = cur.CustomerVerificationID
	next.Status = to
	next.UpdatedAt = now

	// Terminal-only fields are written once.
	if cur.ActualDurationSeconds != nil {
		next.ActualDurationSeconds = cur.ActualDurationSeconds
	}
	if cur.ActualCostMinor != nil {
		next.ActualCostMinor = cur.ActualCostMinor
	}
	if cur.QuestionsAnswered != nil {
		next.QuestionsAnswered = cur.QuestionsAnswered
	}
	if !to.IsTerminal() {
		next.ActualDurationSeconds = nil
		next.ActualCostMinor = nil
	}
	if to == StatusInProgress && next.ConnectedAt == nil {
		t := now
		next.ConnectedAt = &t
	}
	if to.IsTerminal() && next.EndedAt == nil {
		t := now
		next.EndedAt = &t
	}
	if cur.CompletionConfirmedAt != nil {
		next.CompletionConfirmedAt = cur.CompletionConfirmedAt
	}
	return next
}
