package calls

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresRepo) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock, NewPostgresRepo(db)
}

var sessionCols = []string{
	"id", "customer_verification_id", "store_id", "phone_number", "status",
	"provider_id", "provider_call_id", "retry_count", "expected_questions", "priority",
	"actual_duration_seconds", "actual_cost_minor", "questions_answered", "transcript_ref", "failure_reason",
	"initiated_at", "connected_at", "ended_at", "completion_confirmed_at", "created_at", "updated_at",
}

func sessionRow(status Status) *sqlmock.Rows {
	now := time.Unix(1700000000, 0).UTC()
	return sqlmock.NewRows(sessionCols).AddRow(
		"s1", "v1", "store-1", "+46701234567", string(status),
		"twilio", "CA1", int64(0), int64(3), "normal",
		nil, nil, nil, "", "",
		now, nil, nil, nil, now, now,
	)
}

func TestPostgresRepo_CreateMapsUniqueViolation(t *testing.T) {
	_, mock, repo := setupMockDB(t)
	mock.ExpectExec("INSERT INTO call_sessions").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := repo.Create(context.Background(), newSession("s1", "v1", StatusPending))
	if !errors.Is(err, ErrActiveSessionExists) {
		t.Fatalf("expected ErrActiveSessionExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepo_GetNotFound(t *testing.T) {
	_, mock, repo := setupMockDB(t)
	mock.ExpectQuery("FROM call_sessions WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresRepo_TransitionApplies(t *testing.T) {
	_, mock, repo := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM call_sessions WHERE id = \\$1 FOR UPDATE").
		WithArgs("s1").
		WillReturnRows(sessionRow(StatusConnecting))
	mock.ExpectExec("UPDATE call_sessions SET").
		WithArgs(
			"s1",
			"in_progress",
			"twilio",
			"CA1",
			nil, // duration
			nil, // cost
			"",
			"",
			sqlmock.AnyArg(), // connected_at
			nil,              // ended_at
			sqlmock.AnyArg(), // updated_at
			nil,              // questions_answered
			"connecting",
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, applied, err := repo.Transition(context.Background(), "s1", []Status{StatusConnecting}, StatusInProgress, nil)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !applied || got.Status != StatusInProgress || got.ConnectedAt == nil {
		t.Fatalf("unexpected result applied=%v session=%+v", applied, got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepo_TransitionNoOpOnTerminal(t *testing.T) {
	_, mock, repo := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM call_sessions WHERE id = \\$1 FOR UPDATE").
		WithArgs("s1").
		WillReturnRows(sessionRow(StatusCompleted))
	mock.ExpectCommit()

	got, applied, err := repo.Transition(context.Background(), "s1", ActiveStatuses(), StatusTimeout, nil)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if applied || got.Status != StatusCompleted {
		t.Fatalf("expected no-op, applied=%v status=%s", applied, got.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepo_TransitionRollsBackOnUpdateError(t *testing.T) {
	_, mock, repo := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("s1").WillReturnRows(sessionRow(StatusInProgress))
	mock.ExpectExec("UPDATE call_sessions SET").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if _, _, err := repo.Transition(context.Background(), "s1", ActiveStatuses(), StatusCompleted, nil); err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepo_AddResponseSkippedWhenTerminal(t *testing.T) {
	_, mock, repo := setupMockDB(t)
	mock.ExpectExec("INSERT INTO call_responses").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.AddResponse(context.Background(), Response{SessionID: "s1", QuestionID: "q1"})
	if err != nil {
		t.Fatalf("add response: %v", err)
	}
	if ok {
		t.Fatalf("expected no insert")
	}
}

func TestPostgresRepo_ConfirmReturnsExisting(t *testing.T) {
	_, mock, repo := setupMockDB(t)
	confirmedAt := time.Unix(1700000500, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM call_sessions").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectQuery("FROM call_confirmations").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{
			"session_id", "customer_confirmed", "satisfaction_rating", "quality_rating", "feedback_text", "reward_info", "confirmed_at",
		}).AddRow("s1", true, int64(5), nil, "great", []byte(`{"status":"granted"}`), confirmedAt))
	mock.ExpectCommit()

	got, created, err := repo.Confirm(context.Background(), Confirmation{SessionID: "s1", RewardInfo: RewardInfo{Status: "new"}})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if created {
		t.Fatalf("expected existing confirmation")
	}
	if got.RewardInfo.Status != "granted" || got.SatisfactionRating == nil || *got.SatisfactionRating != 5 {
		t.Fatalf("unexpected confirmation %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepo_ConfirmRejectsIncompleteSession(t *testing.T) {
	_, mock, repo := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM call_sessions").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("in_progress"))
	mock.ExpectQuery("FROM call_confirmations").
		WithArgs("s1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	if _, _, err := repo.Confirm(context.Background(), Confirmation{SessionID: "s1"}); !errors.Is(err, ErrNotCompleted) {
		t.Fatalf("expected ErrNotCompleted, got %v", err)
	}
}
