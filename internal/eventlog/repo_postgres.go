package eventlog

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema creates the append-only event table and a trigger rejecting UPDATE/DELETE.
const Schema = `
CREATE TABLE IF NOT EXISTS call_events (
  seq          BIGSERIAL PRIMARY KEY,
  id           TEXT NOT NULL UNIQUE,
  session_id   TEXT NOT NULL,
  event_type   TEXT NOT NULL,
  provider_id  TEXT NOT NULL DEFAULT '',
  payload      JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS call_events_session ON call_events (session_id, created_at, seq);

CREATE OR REPLACE FUNCTION call_events_immutable() RETURNS trigger AS $$
BEGIN
  RAISE EXCEPTION 'call_events is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS call_events_no_mutation ON call_events;
CREATE TRIGGER call_events_no_mutation BEFORE UPDATE OR DELETE ON call_events
  FOR EACH ROW EXECUTE FUNCTION call_events_immutable();
`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO call_events (id, session_id, event_type, provider_id, payload, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`
	if _, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.SessionID,
		string(e.Type),
		e.ProviderID,
		[]byte(e.Payload),
		e.CreatedAt,
	); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (r *PostgresRepo) List(ctx context.Context, sessionID string) ([]Event, error) {
	const q = `
SELECT seq, id, session_id, event_type, provider_id, payload, created_at
FROM call_events
WHERE session_id = $1
ORDER BY created_at ASC, seq ASC
`
	rows, err := r.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			payload []byte
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.SessionID, &e.Type, &e.ProviderID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}
