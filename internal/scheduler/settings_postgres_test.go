package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresSettings(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()
	p := NewPostgresSettings(db)

	cols := []string{"store_id", "ai_calls_enabled", "min_verification_score", "call_delay_seconds", "cooldown_seconds", "expected_questions", "business_context"}
	mock.ExpectQuery("FROM store_call_settings WHERE store_id = \\$1").
		WithArgs("store-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("store-1", true, 0.7, int64(300), int64(86400), int64(4), []byte(`{"store_name":"Corner"}`)))
	mock.ExpectQuery("FROM store_call_settings").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	s, err := p.Settings(context.Background(), "store-1")
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if !s.AICallsEnabled || s.CallDelay != 5*time.Minute || s.CooldownWindow != 24*time.Hour || s.BusinessContext["store_name"] != "Corner" {
		t.Fatalf("unexpected settings %+v", s)
	}
	if _, err := p.Settings(context.Background(), "missing"); !errors.Is(err, ErrStoreNotConfigured) {
		t.Fatalf("expected ErrStoreNotConfigured, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
