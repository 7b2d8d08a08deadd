package users

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var postgresUserColumns = []string{
	"internal_id", "external_id", "username", "display_name", "full_name",
	"avatar_url", "email", "created_at", "updated_at", "deleted_at",
}

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet sql expectations: %v", err)
		}
		_ = db.Close()
	})
	store, err := NewPostgresStore(sqlx.NewDb(db, "postgres"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store, mock
}

func TestIsPostgresUniqueViolation(t *testing.T) {
	unique := &pq.Error{Code: "23505", Constraint: "users_external_id_key"}
	if !isPostgresUniqueViolation(fmt.Errorf("insert: %w", unique)) {
		t.Fatalf("expected 23505 to classify as unique violation")
	}
	if isPostgresUniqueViolation(&pq.Error{Code: "23503"}) {
		t.Fatalf("foreign key violation must not classify as unique violation")
	}
	if isPostgresUniqueViolation(errors.New("duplicate key")) {
		t.Fatalf("plain errors must not classify as unique violation")
	}
}

func TestIsGormUniqueViolationMatchesSQLiteMessage(t *testing.T) {
	if !isGormUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: users.external_id (2067)")) {
		t.Fatalf("expected sqlite unique failure to classify as unique violation")
	}
	if isGormUniqueViolation(errors.New("database is locked")) {
		t.Fatalf("unexpected unique classification")
	}
}

func TestPostgresStoreFindByExternalID(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	createdAt := time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)
	query := regexp.QuoteMeta(`FROM users WHERE external_id = $1 LIMIT 1`)

	mock.ExpectQuery(query).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows(postgresUserColumns).
			AddRow("internal-abc", "abc", "ada", "Ada", "Ada Lovelace", "", "ada@example.com", createdAt, createdAt, nil))
	mock.ExpectQuery(query).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(postgresUserColumns))

	user, err := store.FindByExternalID(context.Background(), "abc")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if user.InternalID != "internal-abc" || user.DisplayName != "Ada" || user.Tombstoned() {
		t.Fatalf("unexpected user: %#v", user)
	}

	if _, err := store.FindByExternalID(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for no rows, got %v", err)
	}
}

func TestPostgresStoreFindByInternalIDMapsNoRows(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE internal_id = $1 LIMIT 1`)).
		WithArgs("internal-missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.FindByInternalID(context.Background(), "internal-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStoreInsert(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	now := time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)
	user := User{InternalID: "internal-abc", ExternalID: "abc", DisplayName: "user_abc", CreatedAt: now, UpdatedAt: now}
	insert := regexp.QuoteMeta(`ON CONFLICT DO NOTHING`)
	args := []driver.Value{
		user.InternalID, user.ExternalID, user.Username, user.DisplayName, user.FullName,
		user.AvatarURL, user.Email, sqlmock.AnyArg(), sqlmock.AnyArg(),
	}

	mock.ExpectQuery(insert).WithArgs(args...).
		WillReturnRows(sqlmock.NewRows([]string{"internal_id"}).AddRow(user.InternalID))
	mock.ExpectQuery(insert).WithArgs(args...).
		WillReturnRows(sqlmock.NewRows([]string{"internal_id"}))
	mock.ExpectQuery(insert).WithArgs(args...).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery(insert).WithArgs(args...).
		WillReturnError(errors.New("connection reset"))

	ctx := context.Background()
	if err := store.Insert(ctx, user); err != nil {
		t.Fatalf("expected insert to succeed, got %v", err)
	}
	if err := store.Insert(ctx, user); !errors.Is(err, ErrUniqueViolation) {
		t.Fatalf("expected empty RETURNING to be a unique violation, got %v", err)
	}
	if err := store.Insert(ctx, user); !errors.Is(err, ErrUniqueViolation) {
		t.Fatalf("expected 23505 to be a unique violation, got %v", err)
	}
	err := store.Insert(ctx, user)
	if err == nil || errors.Is(err, ErrUniqueViolation) {
		t.Fatalf("expected other errors to pass through, got %v", err)
	}
}

func TestPostgresStoreUpdateProfileRequiresLiveRow(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	now := time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)
	fields := ProfileFields{Username: "ada", DisplayName: "Ada", Email: "ada@example.com", UpdatedAt: now}
	update := regexp.QuoteMeta(`WHERE internal_id = $7 AND deleted_at IS NULL`)

	mock.ExpectExec(update).
		WithArgs("ada", "Ada", "", "", "ada@example.com", now, "internal-abc").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(update).
		WithArgs("ada", "Ada", "", "", "ada@example.com", now, "internal-gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.UpdateProfile(context.Background(), "internal-abc", fields); err != nil {
		t.Fatalf("expected update to succeed, got %v", err)
	}
	if err := store.UpdateProfile(context.Background(), "internal-gone", fields); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a tombstoned row, got %v", err)
	}
}

func TestPostgresStoreTombstone(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	deletedAt := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	tombstone := regexp.QuoteMeta(`display_name = $1::text || substr(external_id, 1, $2::int)`)

	mock.ExpectExec(tombstone).
		WithArgs(DefaultExternalIDPrefix, placeholderRunes, deletedAt, "internal-abc").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(tombstone).
		WithArgs(DefaultExternalIDPrefix, placeholderRunes, deletedAt, "internal-abc").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(tombstone).
		WithArgs(DefaultExternalIDPrefix, placeholderRunes, deletedAt, "internal-abc").
		WillReturnResult(sqlmock.NewErrorResult(errors.New("rows affected unavailable")))

	ctx := context.Background()
	if err := store.Tombstone(ctx, "internal-abc", deletedAt); err != nil {
		t.Fatalf("expected tombstone to succeed, got %v", err)
	}
	if err := store.Tombstone(ctx, "internal-abc", deletedAt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an already tombstoned row, got %v", err)
	}
	err := store.Tombstone(ctx, "internal-abc", deletedAt)
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected rows affected failure to surface, got %v", err)
	}
}

func TestReconcilerOverPostgresStoreAdoptsConflictWinner(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	now := time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)
	find := regexp.QuoteMeta(`FROM users WHERE external_id = $1 LIMIT 1`)
	winnerID := DeriveInternalID("2bX9")

	mock.ExpectQuery(find).WithArgs("2bX9").WillReturnRows(sqlmock.NewRows(postgresUserColumns))
	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT DO NOTHING`)).
		WillReturnRows(sqlmock.NewRows([]string{"internal_id"}))
	mock.ExpectQuery(find).WithArgs("2bX9").
		WillReturnRows(sqlmock.NewRows(postgresUserColumns).
			AddRow(winnerID, "2bX9", "", "user_2bX9", "", "", "", now, now, nil))

	reconciler, err := NewReconciler(ReconcilerConfig{Store: store, Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("failed to create reconciler: %v", err)
	}
	result, err := reconciler.Reconcile(context.Background(), ReconcileRequest{ExternalID: "user_2bX9"})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if result.Created || result.InternalID != winnerID {
		t.Fatalf("expected to adopt the concurrent winner, got %#v", result)
	}
}
