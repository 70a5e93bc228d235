package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SettingsSchema creates the store_call_settings table read by PostgresSettings.
const SettingsSchema = `
CREATE TABLE IF NOT EXISTS store_call_settings (
  store_id                TEXT PRIMARY KEY,
  ai_calls_enabled        BOOLEAN NOT NULL DEFAULT FALSE,
  min_verification_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
  call_delay_seconds      INT NOT NULL DEFAULT 0,
  cooldown_seconds        INT NOT NULL DEFAULT 86400,
  expected_questions      INT NOT NULL DEFAULT 0,
  business_context        JSONB NOT NULL DEFAULT '{}'::jsonb,
  updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type PostgresSettings struct {
	db *sql.DB
}

func NewPostgresSettings(db *sql.DB) *PostgresSettings { return &PostgresSettings{db: db} }

func (p *PostgresSettings) Settings(ctx context.Context, storeID string) (StoreSettings, error) {
	const q = `
SELECT store_id, ai_calls_enabled, min_verification_score, call_delay_seconds,
       cooldown_seconds, expected_questions, business_context
FROM store_call_settings
WHERE store_id = $1
`
	var (
		s        StoreSettings
		delay    int
		cooldown int
		bctx     []byte
	)
	err := p.db.QueryRowContext(ctx, q, storeID).Scan(
		&s.StoreID,
		&s.AICallsEnabled,
		&s.MinVerificationScore,
		&delay,
		&cooldown,
		&s.ExpectedQuestions,
		&bctx,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return StoreSettings{}, ErrStoreNotConfigured
	}
	if err != nil {
		return StoreSettings{}, fmt.Errorf("load store settings: %w", err)
	}
	s.CallDelay = time.Duration(delay) * time.Second
	s.CooldownWindow = time.Duration(cooldown) * time.Second
	if len(bctx) > 0 {
		if err := json.Unmarshal(bctx, &s.BusinessContext); err != nil {
			return StoreSettings{}, fmt.Errorf("decode business context: %w", err)
		}
	}
	return s, nil
}
