package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"shopfloor.dev/internal/auth"
	"shopfloor.dev/internal/bundle"
	"shopfloor.dev/internal/workflow"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, Postgres), mock
}

func TestRebind(t *testing.T) {
	got := Postgres.rebind(`select a from t where b = ? and c <> '?' and d = ?`)
	want := `select a from t where b = $1 and c <> '?' and d = $2`
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
	if SQLite.rebind("x = ?") != "x = ?" {
		t.Fatal("sqlite queries must be left alone")
	}
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"pgx": Postgres, "PostgreSQL": Postgres, "sqlite": SQLite} {
		got, err := ParseDialect(in)
		if err != nil || got != want {
			t.Fatalf("ParseDialect(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDialect("mysql"); err == nil {
		t.Fatal("expected error")
	}
}

func TestPostgresUniqueViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`insert into users`).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	err := s.Users().Create(context.Background(), auth.User{ID: "usr_1", Username: "amina", Role: auth.RoleOperator})
	if !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresRotateStale(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`update token_families set generation = \$1, updated_at = \$2`).
		WithArgs(int64(3), sqlmock.AnyArg(), "fam_1", int64(2), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select count\(\*\) from token_families where id = \$1`).
		WithArgs("fam_1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err := s.Sessions().Rotate(context.Background(), "fam_1", 2, auth.RefreshToken{ID: "rt_9", FamilyID: "fam_1", Generation: 3, CreatedAt: time.Now()})
	if !errors.Is(err, auth.ErrStaleGeneration) {
		t.Fatalf("expected ErrStaleGeneration, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresSetStatusConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`update bundles set status = \$1`).
		WithArgs("completed", sqlmock.AnyArg(), "bdl_1", "active").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select count\(\*\) from bundles`).
		WithArgs("bdl_1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	err := s.Bundles().SetStatus(context.Background(), "bdl_1", bundle.StatusActive, bundle.StatusCompleted, time.Now())
	if !errors.Is(err, bundle.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestAtomicRetriesSerializationFailures(t *testing.T) {
	s, mock := newMock(t)
	for i := 0; i < retryAttempts; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(`select bundle_id from bundle_members where work_item_id = \$1`).
			WithArgs("wi_1").
			WillReturnRows(sqlmock.NewRows([]string{"bundle_id"}))
		mock.ExpectExec(`update bundles set updated_at`).
			WillReturnError(&pgconn.PgError{Code: pgErrSerializationFailure})
		mock.ExpectRollback()
	}
	calls := 0
	err := s.Atomic(context.Background(), func(_ workflow.ItemRepository, bundles bundle.Repository) error {
		calls++
		return bundles.AddItem(context.Background(), "bdl_1", "wi_1", time.Now())
	})
	if !errors.Is(err, workflow.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if calls != retryAttempts {
		t.Fatalf("expected %d attempts, got %d", retryAttempts, calls)
	}
}
