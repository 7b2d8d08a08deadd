package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/ozkancirak/socialapp/internal/apperror"
	"gorm.io/gorm"
)

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	return db
}

func newTestReconciler(t *testing.T, db *gorm.DB) *Reconciler {
	t.Helper()
	store, err := NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	reconciler, err := NewReconciler(ReconcilerConfig{
		Store: store,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create reconciler: %v", err)
	}
	return reconciler
}

func countUsers(t *testing.T, db *gorm.DB, externalID string) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&User{}).Where("external_id = ?", externalID).Count(&count).Error; err != nil {
		t.Fatalf("failed to count users: %v", err)
	}
	return count
}

func TestReconcileStripsProviderPrefix(t *testing.T) {
	db := newTestDatabase(t)
	reconciler := newTestReconciler(t, db)

	result, err := reconciler.Reconcile(context.Background(), ReconcileRequest{ExternalID: "user_abc123"})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if result.ExternalID != "abc123" {
		t.Fatalf("expected stored external id without provider prefix, got %q", result.ExternalID)
	}

	internalID, err := reconciler.Lookup(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("lookup by stripped id failed: %v", err)
	}
	if internalID != result.InternalID {
		t.Fatalf("expected lookup to resolve %q, got %q", result.InternalID, internalID)
	}

	internalID, err = reconciler.Lookup(context.Background(), "user_abc123")
	if err != nil {
		t.Fatalf("lookup by prefixed id failed: %v", err)
	}
	if internalID != result.InternalID {
		t.Fatalf("expected prefixed lookup to resolve %q, got %q", result.InternalID, internalID)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	db := newTestDatabase(t)
	reconciler := newTestReconciler(t, db)
	request := ReconcileRequest{
		ExternalID: "user_42abc",
		Profile:    &Profile{Username: "bob"},
	}

	first, err := reconciler.Reconcile(context.Background(), request)
	if err != nil {
		t.Fatalf("first reconcile failed: %v", err)
	}
	if !first.Created {
		t.Fatalf("expected first call to create the row")
	}
	second, err := reconciler.Reconcile(context.Background(), request)
	if err != nil {
		t.Fatalf("second reconcile failed: %v", err)
	}
	if second.Created {
		t.Fatalf("expected second call to reuse the row")
	}
	if first.InternalID != second.InternalID {
		t.Fatalf("expected stable internal id, got %q and %q", first.InternalID, second.InternalID)
	}
	if count := countUsers(t, db, "42abc"); count != 1 {
		t.Fatalf("expected exactly one row, got %d", count)
	}

	user, err := reconciler.Get(context.Background(), first.InternalID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if user.DisplayName != "bob" {
		t.Fatalf("expected display name %q, got %q", "bob", user.DisplayName)
	}
}

func TestReconcileConcurrentCallsConvergeOnOneRow(t *testing.T) {
	db := newTestDatabase(t)
	reconciler := newTestReconciler(t, db)

	const callers = 16
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for index := 0; index < callers; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			<-start
			result, err := reconciler.Reconcile(context.Background(), ReconcileRequest{
				ExternalID: "user_race",
				Profile:    &Profile{FullName: "Race Condition"},
				Source:     SourceWebhook,
			})
			ids[index] = result.InternalID
			errs[index] = err
		}(index)
	}
	close(start)
	wg.Wait()

	for index, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", index, err)
		}
		if ids[index] != ids[0] {
			t.Fatalf("caller %d resolved %q, expected %q", index, ids[index], ids[0])
		}
	}
	if count := countUsers(t, db, "race"); count != 1 {
		t.Fatalf("expected exactly one row, got %d", count)
	}
}

func TestReconcileRefreshOverwritesProfileKeepsInternalID(t *testing.T) {
	db := newTestDatabase(t)
	reconciler := newTestReconciler(t, db)

	created, err := reconciler.Reconcile(context.Background(), ReconcileRequest{
		ExternalID: "user_42abc",
		Profile:    &Profile{Username: "bob"},
	})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	unrefreshed, err := reconciler.Reconcile(context.Background(), ReconcileRequest{
		ExternalID: "user_42abc",
		Profile:    &Profile{FullName: "Ignored Name"},
	})
	if err != nil {
		t.Fatalf("reconcile without refresh failed: %v", err)
	}
	if unrefreshed.Refreshed {
		t.Fatalf("expected profile to stay untouched without refresh request")
	}

	refreshed, err := reconciler.Reconcile(context.Background(), ReconcileRequest{
		ExternalID:     "user_42abc",
		Profile:        &Profile{FullName: "Bob Jones"},
		RefreshProfile: true,
	})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if !refreshed.Refreshed {
		t.Fatalf("expected refresh to be reported")
	}
	if refreshed.InternalID != created.InternalID {
		t.Fatalf("internal id changed from %q to %q", created.InternalID, refreshed.InternalID)
	}

	user, err := reconciler.Get(context.Background(), created.InternalID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if user.DisplayName != "Bob Jones" {
		t.Fatalf("expected display name %q, got %q", "Bob Jones", user.DisplayName)
	}
}

func TestForgetMissingUserIsNoop(t *testing.T) {
	db := newTestDatabase(t)
	reconciler := newTestReconciler(t, db)

	deleted, err := reconciler.Forget(context.Background(), "user_ghost")
	if err != nil {
		t.Fatalf("forget failed: %v", err)
	}
	if deleted {
		t.Fatalf("expected no deletion for a missing user")
	}
	var count int64
	if err := db.Model(&User{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count users: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected store to stay empty, got %d rows", count)
	}
}

func TestForgetTombstonesAndBlocksResurrection(t *testing.T) {
	db := newTestDatabase(t)
	reconciler := newTestReconciler(t, db)

	created, err := reconciler.Reconcile(context.Background(), ReconcileRequest{
		ExternalID: "user_gone",
		Profile:    &Profile{FullName: "Gone Person", Email: "gone@example.com"},
	})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	deleted, err := reconciler.Forget(context.Background(), "user_gone")
	if err != nil || !deleted {
		t.Fatalf("expected tombstone, got deleted=%v err=%v", deleted, err)
	}
	deleted, err = reconciler.Forget(context.Background(), "user_gone")
	if err != nil || deleted {
		t.Fatalf("expected repeated forget to be a no-op, got deleted=%v err=%v", deleted, err)
	}

	user, err := reconciler.Get(context.Background(), created.InternalID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !user.Tombstoned() || user.Email != "" || user.FullName != "" {
		t.Fatalf("expected scrubbed tombstone, got %#v", user)
	}
	if user.DisplayName == "" {
		t.Fatalf("expected tombstone to keep a placeholder display name")
	}

	_, err = reconciler.Reconcile(context.Background(), ReconcileRequest{ExternalID: "user_gone"})
	if !apperror.Is(err, apperror.KindUnresolvedIdentity) {
		t.Fatalf("expected unresolved identity after deletion, got %v", err)
	}
	if _, err := reconciler.Lookup(context.Background(), "gone"); !apperror.Is(err, apperror.KindUnresolvedIdentity) {
		t.Fatalf("expected lookup of deleted user to be unresolved, got %v", err)
	}
	if count := countUsers(t, db, "gone"); count != 1 {
		t.Fatalf("expected tombstone row to remain, got %d rows", count)
	}
}

func TestReconcileRejectsEmptyExternalID(t *testing.T) {
	reconciler, err := NewReconciler(ReconcilerConfig{Store: &scriptedStore{}})
	if err != nil {
		t.Fatalf("failed to create reconciler: %v", err)
	}
	for _, raw := range []string{"", "   ", "user_", " user_ "} {
		_, err := reconciler.Reconcile(context.Background(), ReconcileRequest{ExternalID: raw})
		if !apperror.Is(err, apperror.KindInvalidInput) {
			t.Fatalf("expected invalid input for %q, got %v", raw, err)
		}
	}
}

func TestReconcileRoundTripsStoredExternalID(t *testing.T) {
	db := newTestDatabase(t)
	reconciler := newTestReconciler(t, db)
	ctx := context.Background()

	first, err := reconciler.Reconcile(ctx, ReconcileRequest{ExternalID: "user_2bX9"})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	again, err := reconciler.Reconcile(ctx, ReconcileRequest{ExternalID: first.ExternalID, Source: SourceCLI})
	if err != nil {
		t.Fatalf("reconcile by stored id failed: %v", err)
	}
	if again.Created || again.InternalID != first.InternalID {
		t.Fatalf("expected stored id to resolve to the same user, got %#v then %#v", first, again)
	}
	internalID, err := reconciler.Lookup(ctx, first.ExternalID)
	if err != nil || internalID != first.InternalID {
		t.Fatalf("lookup by stored id = %q, %v", internalID, err)
	}

	_, err = reconciler.Reconcile(ctx, ReconcileRequest{ExternalID: "user_user_abc"})
	if !apperror.Is(err, apperror.KindInvalidInput) {
		t.Fatalf("expected repeated prefix to be rejected, got %v", err)
	}
	if countUsers(t, db, "user_abc") != 0 {
		t.Fatalf("expected no row for a rejected id")
	}
}

func TestReconcileAdoptsConcurrentWinnerAfterUniqueViolation(t *testing.T) {
	winner := User{InternalID: "winner-id", ExternalID: "abc"}
	store := &scriptedStore{
		find: func(call int) (User, error) {
			if call == 1 {
				return User{}, ErrNotFound
			}
			return winner, nil
		},
		insert: func(int) error {
			return fmt.Errorf("%w: constraint", ErrUniqueViolation)
		},
	}
	reconciler, err := NewReconciler(ReconcilerConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create reconciler: %v", err)
	}

	result, err := reconciler.Reconcile(context.Background(), ReconcileRequest{ExternalID: "user_abc"})
	if err != nil {
		t.Fatalf("expected conflict to be absorbed, got %v", err)
	}
	if result.InternalID != "winner-id" || result.Created {
		t.Fatalf("expected winner's row, got %#v", result)
	}
	if store.findCalls != 2 || store.insertCalls != 1 {
		t.Fatalf("unexpected store traffic: finds=%d inserts=%d", store.findCalls, store.insertCalls)
	}
}

func TestReconcileBoundsConflictRetries(t *testing.T) {
	store := &scriptedStore{
		find: func(int) (User, error) {
			return User{}, ErrNotFound
		},
		insert: func(int) error {
			return ErrUniqueViolation
		},
	}
	reconciler, err := NewReconciler(ReconcilerConfig{Store: store, MaxConflictRetries: 2})
	if err != nil {
		t.Fatalf("failed to create reconciler: %v", err)
	}

	_, err = reconciler.Reconcile(context.Background(), ReconcileRequest{ExternalID: "abc"})
	if !apperror.Is(err, apperror.KindReconciliationError) {
		t.Fatalf("expected reconciliation error, got %v", err)
	}
	if store.insertCalls != 3 {
		t.Fatalf("expected 3 insert attempts, got %d", store.insertCalls)
	}
}

func TestReconcileSurfacesStoreFailure(t *testing.T) {
	store := &scriptedStore{
		find: func(int) (User, error) {
			return User{}, ErrNotFound
		},
		insert: func(int) error {
			return errors.New("disk full")
		},
	}
	reconciler, err := NewReconciler(ReconcilerConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create reconciler: %v", err)
	}

	_, err = reconciler.Reconcile(context.Background(), ReconcileRequest{ExternalID: "abc"})
	if !apperror.Is(err, apperror.KindReconciliationError) {
		t.Fatalf("expected reconciliation error, got %v", err)
	}
	if store.insertCalls != 1 {
		t.Fatalf("expected no retry for non-conflict failures, got %d inserts", store.insertCalls)
	}
}

func TestReconcileReportsTimeoutAsIndeterminate(t *testing.T) {
	store := &scriptedStore{blockFind: true}
	reconciler, err := NewReconciler(ReconcilerConfig{Store: store, Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to create reconciler: %v", err)
	}

	_, err = reconciler.Reconcile(context.Background(), ReconcileRequest{ExternalID: "abc"})
	if !apperror.Is(err, apperror.KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline cause, got %v", err)
	}

	_, err = reconciler.Lookup(context.Background(), "abc")
	if !apperror.Is(err, apperror.KindTimeout) {
		t.Fatalf("expected lookup timeout, got %v", err)
	}
}

// scriptedStore drives the reconciler through exact store responses.
type scriptedStore struct {
	mu          sync.Mutex
	find        func(call int) (User, error)
	insert      func(call int) error
	blockFind   bool
	findCalls   int
	insertCalls int
}

func (s *scriptedStore) FindByExternalID(ctx context.Context, _ string) (User, error) {
	if s.blockFind {
		<-ctx.Done()
		return User{}, ctx.Err()
	}
	s.mu.Lock()
	s.findCalls++
	call := s.findCalls
	s.mu.Unlock()
	if s.find == nil {
		return User{}, ErrNotFound
	}
	return s.find(call)
}

func (s *scriptedStore) FindByInternalID(context.Context, string) (User, error) {
	return User{}, ErrNotFound
}

func (s *scriptedStore) Insert(context.Context, User) error {
	s.mu.Lock()
	s.insertCalls++
	call := s.insertCalls
	s.mu.Unlock()
	if s.insert == nil {
		return nil
	}
	return s.insert(call)
}

func (s *scriptedStore) UpdateProfile(context.Context, string, ProfileFields) error {
	return nil
}

func (s *scriptedStore) Tombstone(context.Context, string, time.Time) error {
	return nil
}
