package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"feedback-calls/pkg/utils"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresRepo stores sessions in the call_sessions table (see Schema).
type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

const pgUniqueViolation = "23505"

const sessionColumns = `id, customer_verification_id, store_id, phone_number, status,
       provider_id, provider_call_id, retry_count, expected_questions, priority,
       actual_duration_seconds, actual_cost_minor, questions_answered, transcript_ref, failure_reason,
       initiated_at, connected_at, ended_at, completion_confirmed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s         Session
		duration  sql.NullInt64
		cost      sql.NullInt64
		answered  sql.NullInt64
		connected sql.NullTime
		ended     sql.NullTime
		confirmed sql.NullTime
	)
	if err := row.Scan(
		&s.ID,
		&s.CustomerVerificationID,
		&s.StoreID,
		&s.PhoneNumber,
		&s.Status,
		&s.ProviderID,
		&s.ProviderCallID,
		&s.RetryCount,
		&s.ExpectedQuestions,
		&s.Priority,
		&duration,
		&cost,
		&answered,
		&s.TranscriptRef,
		&s.FailureReason,
		&s.InitiatedAt,
		&connected,
		&ended,
		&confirmed,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return Session{}, err
	}
	if duration.Valid {
		d := int(duration.Int64)
		s.ActualDurationSeconds = &d
	}
	if cost.Valid {
		c := cost.Int64
		s.ActualCostMinor = &c
	}
	if answered.Valid {
		n := int(answered.Int64)
		s.QuestionsAnswered = &n
	}
	s.ConnectedAt = nullTimePtr(connected)
	s.EndedAt = nullTimePtr(ended)
	s.CompletionConfirmedAt = nullTimePtr(confirmed)
	return s, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (r *PostgresRepo) Create(ctx context.Context, s Session) error {
	if s.ID == "" || s.CustomerVerificationID == "" {
		return ErrInvalidArgument
	}
	const q = `
INSERT INTO call_sessions (
  id, customer_verification_id, store_id, phone_number, status,
  provider_id, provider_call_id, retry_count, expected_questions, priority,
  transcript_ref, failure_reason, initiated_at, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
)
`
	_, err := r.db.ExecContext(ctx, q,
		s.ID,
		s.CustomerVerificationID,
		s.StoreID,
		s.PhoneNumber,
		s.Status,
		s.ProviderID,
		s.ProviderCallID,
		s.RetryCount,
		s.ExpectedQuestions,
		s.Priority,
		s.TranscriptRef,
		s.FailureReason,
		s.InitiatedAt,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE id = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (r *PostgresRepo) FindByProviderCall(ctx context.Context, providerID, providerCallID string) (Session, error) {
	if providerCallID == "" {
		return Session{}, ErrNotFound
	}
	q := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE provider_id = $1 AND provider_call_id = $2 LIMIT 1`
	s, err := scanSession(r.db.QueryRowContext(ctx, q, providerID, providerCallID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("find session by provider call: %w", err)
	}
	return s, nil
}

func (r *PostgresRepo) FindActiveByVerification(ctx context.Context, verificationID string) (Session, bool, error) {
	q := `SELECT ` + sessionColumns + ` FROM call_sessions
WHERE customer_verification_id = $1 AND status IN ('pending','connecting','in_progress')
LIMIT 1`
	s, err := scanSession(r.db.QueryRowContext(ctx, q, verificationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("find active session: %w", err)
	}
	return s, true, nil
}

func (r *PostgresRepo) ListActive(ctx context.Context) ([]Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM call_sessions
WHERE status IN ('pending','connecting','in_progress')
ORDER BY initiated_at ASC`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return out, nil
}

// Transition locks the row, checks the predecessor set and writes the new state
// in one transaction. Concurrent callers serialize on the row lock; the loser
// observes the winner's status and becomes a no-op.
func (r *PostgresRepo) Transition(ctx context.Context, id string, from []Status, to Status, mutate Mutator) (Session, bool, error) {
	var (
		out     Session
		applied bool
	)
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		q := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE id = $1 FOR UPDATE`
		cur, err := scanSession(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock session: %w", err)
		}
		if !statusIn(cur.Status, from) || !CanTransition(cur.Status, to) {
			out = cur
			return nil
		}

		next := applyMutation(cur, to, mutate, r.clock().UTC())
		const upd = `
UPDATE call_sessions SET
  status = $2,
  provider_id = $3,
  provider_call_id = $4,
  actual_duration_seconds = $5,
  actual_cost_minor = $6,
  transcript_ref = $7,
  failure_reason = $8,
  connected_at = $9,
  ended_at = $10,
  updated_at = $11,
  questions_answered = $12
WHERE id = $1 AND status = $13
`
		res, err := tx.ExecContext(ctx, upd,
			next.ID,
			next.Status,
			next.ProviderID,
			next.ProviderCallID,
			nullableInt(next.ActualDurationSeconds),
			nullableInt64(next.ActualCostMinor),
			next.TranscriptRef,
			next.FailureReason,
			nullableTime(next.ConnectedAt),
			nullableTime(next.EndedAt),
			next.UpdatedAt,
			nullableInt(next.QuestionsAnswered),
			cur.Status,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if n == 0 {
			out = cur
			return nil
		}
		out = next
		applied = true
		return nil
	})
	if err != nil {
		return Session{}, false, err
	}
	return out, applied, nil
}

func (r *PostgresRepo) AddResponse(ctx context.Context, resp Response) (bool, error) {
	const q = `
INSERT INTO call_responses (
  session_id, question_id, response_text, confidence, sentiment, asked_at, responded_at
)
SELECT $1,$2,$3,$4,$5,$6,$7
FROM call_sessions
WHERE id = $1 AND status IN ('pending','connecting','in_progress')
ON CONFLICT (session_id, question_id) DO NOTHING
`
	res, err := r.db.ExecContext(ctx, q,
		resp.SessionID,
		resp.QuestionID,
		resp.ResponseText,
		resp.Confidence,
		resp.Sentiment,
		resp.AskedAt,
		resp.RespondedAt,
	)
	if err != nil {
		return false, fmt.Errorf("add response: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add response: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresRepo) ListResponses(ctx context.Context, sessionID string) ([]Response, error) {
	const q = `
SELECT session_id, question_id, response_text, confidence, sentiment, asked_at, responded_at
FROM call_responses
WHERE session_id = $1
ORDER BY responded_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var out []Response
	for rows.Next() {
		var resp Response
		if err := rows.Scan(
			&resp.SessionID,
			&resp.QuestionID,
			&resp.ResponseText,
			&resp.Confidence,
			&resp.Sentiment,
			&resp.AskedAt,
			&resp.RespondedAt,
		); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}

// Confirm follows the idempotency-key pattern: lock the session, look for an
// existing record inside the tx, and only then insert.
func (r *PostgresRepo) Confirm(ctx context.Context, c Confirmation) (Confirmation, bool, error) {
	var (
		out     Confirmation
		created bool
	)
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var status Status
		err := tx.QueryRowContext(ctx, `SELECT status FROM call_sessions WHERE id = $1 FOR UPDATE`, c.SessionID).Scan(&status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock session: %w", err)
		}

		existing, ok, err := findConfirmation(ctx, tx, c.SessionID)
		if err != nil {
			return err
		}
		if ok {
			out = existing
			return nil
		}
		if status != StatusCompleted {
			return ErrNotCompleted
		}

		if c.ConfirmedAt.IsZero() {
			c.ConfirmedAt = r.clock().UTC()
		}
		reward, err := json.Marshal(c.RewardInfo)
		if err != nil {
			return fmt.Errorf("encode reward info: %w", err)
		}
		const ins = `
INSERT INTO call_confirmations (
  session_id, customer_confirmed, satisfaction_rating, quality_rating, feedback_text, reward_info, confirmed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7)
`
		if _, err := tx.ExecContext(ctx, ins,
			c.SessionID,
			c.CustomerConfirmed,
			nullableInt(c.SatisfactionRating),
			nullableInt(c.QualityRating),
			c.FeedbackText,
			reward,
			c.ConfirmedAt,
		); err != nil {
			return fmt.Errorf("insert confirmation: %w", err)
		}
		const upd = `
UPDATE call_sessions SET completion_confirmed_at = $2, updated_at = $2
WHERE id = $1 AND completion_confirmed_at IS NULL
`
		if _, err := tx.ExecContext(ctx, upd, c.SessionID, c.ConfirmedAt); err != nil {
			return fmt.Errorf("mark confirmed: %w", err)
		}
		out = c
		created = true
		return nil
	})
	if err != nil {
		return Confirmation{}, false, err
	}
	return out, created, nil
}

func (r *PostgresRepo) GetConfirmation(ctx context.Context, sessionID string) (Confirmation, bool, error) {
	return findConfirmation(ctx, r.db, sessionID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findConfirmation(ctx context.Context, q queryRower, sessionID string) (Confirmation, bool, error) {
	const sel = `
SELECT session_id, customer_confirmed, satisfaction_rating, quality_rating, feedback_text, reward_info, confirmed_at
FROM call_confirmations
WHERE session_id = $1
`
	var (
		c            Confirmation
		satisfaction sql.NullInt64
		quality      sql.NullInt64
		reward       []byte
	)
	err := q.QueryRowContext(ctx, sel, sessionID).Scan(
		&c.SessionID,
		&c.CustomerConfirmed,
		&satisfaction,
		&quality,
		&c.FeedbackText,
		&reward,
		&c.ConfirmedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Confirmation{}, false, nil
		}
		return Confirmation{}, false, fmt.Errorf("get confirmation: %w", err)
	}
	if satisfaction.Valid {
		v := int(satisfaction.Int64)
		c.SatisfactionRating = &v
	}
	if quality.Valid {
		v := int(quality.Int64)
		c.QualityRating = &v
	}
	if len(reward) > 0 {
		if err := json.Unmarshal(reward, &c.RewardInfo); err != nil {
			return Confirmation{}, false, fmt.Errorf("decode reward info: %w", err)
		}
	}
	return c, true, nil
}

func (r *PostgresRepo) OutcomeStats(ctx context.Context, since time.Time) ([]OutcomeCount, error) {
	const q = `
SELECT provider_id, status, COUNT(*)
FROM call_sessions
WHERE status IN ('completed','failed','timeout') AND ended_at >= $1
GROUP BY provider_id, status
ORDER BY provider_id, status
`
	rows, err := r.db.QueryContext(ctx, q, since)
	if err != nil {
		return nil, fmt.Errorf("outcome stats: %w", err)
	}
	defer rows.Close()

	var out []OutcomeCount
	for rows.Next() {
		var c OutcomeCount
		if err := rows.Scan(&c.ProviderID, &c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}
