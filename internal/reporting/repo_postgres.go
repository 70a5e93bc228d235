package reporting

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"feedback-calls/internal/calls"
)

// PostgresRepo reads the call tables directly; it never writes.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) ListSessions(ctx context.Context, storeID string, from, to time.Time) ([]calls.Session, error) {
	const q = `
SELECT id, store_id, status, provider_id, retry_count, actual_duration_seconds, actual_cost_minor, failure_reason, created_at
FROM call_sessions
WHERE store_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, storeID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []calls.Session
	for rows.Next() {
		var (
			s        calls.Session
			duration sql.NullInt64
			cost     sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.StoreID, &s.Status, &s.ProviderID, &s.RetryCount, &duration, &cost, &s.FailureReason, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if duration.Valid {
			d := int(duration.Int64)
			s.ActualDurationSeconds = &d
		}
		if cost.Valid {
			c := cost.Int64
			s.ActualCostMinor = &c
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListConfirmations(ctx context.Context, storeID string, from, to time.Time) ([]calls.Confirmation, error) {
	const q = `
SELECT c.session_id, c.customer_confirmed, c.satisfaction_rating, c.quality_rating, c.confirmed_at
FROM call_confirmations c
JOIN call_sessions s ON s.id = c.session_id
WHERE s.store_id = $1 AND s.created_at >= $2 AND s.created_at < $3
`
	rows, err := r.db.QueryContext(ctx, q, storeID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list confirmations: %w", err)
	}
	defer rows.Close()

	var out []calls.Confirmation
	for rows.Next() {
		var (
			c            calls.Confirmation
			satisfaction sql.NullInt64
			quality      sql.NullInt64
		)
		if err := rows.Scan(&c.SessionID, &c.CustomerConfirmed, &satisfaction, &quality, &c.ConfirmedAt); err != nil {
			return nil, fmt.Errorf("scan confirmation: %w", err)
		}
		if satisfaction.Valid {
			v := int(satisfaction.Int64)
			c.SatisfactionRating = &v
		}
		if quality.Valid {
			v := int(quality.Int64)
			c.QualityRating = &v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
