package versions

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func TestNext_ReturnsIncrementedVersion(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO collection_versions .* ON CONFLICT \(collection\)\s+DO UPDATE SET current_version = collection_versions\.current_version \+ 1\s+RETURNING current_version`).
		WithArgs("vitals").
		WillReturnRows(sqlmock.NewRows([]string{"current_version"}).AddRow(int64(42)))

	got, err := repo.Next(context.Background(), "vitals")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("want 42, got %d", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCurrent_ZeroWhenNeverPushed(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT current_version FROM collection_versions`).
		WithArgs("patients").
		WillReturnError(sql.ErrNoRows)

	got, err := repo.Current(context.Background(), "patients")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Fatalf("want 0, got %d", got)
	}
}

func TestNext_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO collection_versions`).
		WillReturnError(errors.New("boom"))

	if _, err := repo.Next(context.Background(), "vitals"); err == nil {
		t.Fatal("expected error, got nil")
	}
}
