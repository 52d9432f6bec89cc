package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/chainlens/streaming-indexer/infrastructure/chain"
	"github.com/chainlens/streaming-indexer/services/indexer"
)

func newTestRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Repository{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestRepositoryCreateReturnsGeneratedID(t *testing.T) {
	r, mock := newTestRepository(t)

	mock.ExpectQuery(`INSERT INTO indexer_analyses`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("gen-id"))

	id, err := r.Create(context.Background(), indexer.Analysis{UserID: "u1", Chain: chain.Ethereum, Tier: indexer.TierFree})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id != "gen-id" {
		t.Errorf("Create() id = %q, want gen-id", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRepositoryUpdateAppliesOnlyPatchedColumns(t *testing.T) {
	r, mock := newTestRepository(t)

	status := indexer.StateCompleted
	mock.ExpectExec(`UPDATE indexer_analyses SET updated_at = now\(\), status = \$1 WHERE id = \$2`).
		WithArgs(string(status), "abc").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := r.Update(context.Background(), "abc", indexer.AnalysisPatch{Status: &status}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRepositoryUpdateNoRowsIsNotFound(t *testing.T) {
	r, mock := newTestRepository(t)

	status := indexer.StateFailed
	mock.ExpectExec(`UPDATE indexer_analyses`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := r.Update(context.Background(), "missing", indexer.AnalysisPatch{Status: &status})
	if err != indexer.ErrNotFound {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestRepositoryFindByIDScansRow(t *testing.T) {
	r, mock := newTestRepository(t)

	now := time.Now().UTC().Truncate(time.Second)
	cols := []string{"id", "user_id", "contract_address", "chain", "tier", "window_from", "window_to",
		"status", "progress", "metrics_json", "terminal_reason", "raw_provider", "created_at", "updated_at"}
	mock.ExpectQuery(`SELECT .* FROM indexer_analyses WHERE id = \$1`).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"abc", "u1", "0xdef", "ethereum", "free", uint64(100), uint64(200),
			"running", 0.5, []byte(`{}`), "", []byte(`{}`), now, now,
		))

	got, err := r.FindByID(context.Background(), "abc")
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got.UserID != "u1" || got.Chain != chain.Ethereum {
		t.Errorf("FindByID() = %+v, want UserID=u1 Chain=ethereum", got)
	}
}

func TestRepositoryFindByIDNoRowsIsNotFound(t *testing.T) {
	r, mock := newTestRepository(t)

	mock.ExpectQuery(`SELECT .* FROM indexer_analyses WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := r.FindByID(context.Background(), "missing")
	if err != indexer.ErrNotFound {
		t.Errorf("FindByID() error = %v, want ErrNotFound", err)
	}
}

func TestRepositoryUpdateOnboardingUpserts(t *testing.T) {
	r, mock := newTestRepository(t)

	mock.ExpectExec(`INSERT INTO indexer_users`).
		WithArgs("u1", "0xabc", "ethereum").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := r.UpdateOnboarding(context.Background(), "u1", "0xabc", "ethereum"); err != nil {
		t.Fatalf("UpdateOnboarding() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
