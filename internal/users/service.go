package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ozkancirak/socialapp/internal/apperror"
	"github.com/ozkancirak/socialapp/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultReconcileTimeout   = 5 * time.Second
	defaultMaxConflictRetries = 3

	opReconcile = "users.reconcile"
	opLookup    = "users.lookup"
	opGet       = "users.get"
	opForget    = "users.forget"
)

// Sources label the entry point that triggered a reconciliation.
const (
	SourceWebhook = "webhook"
	SourceClient  = "client"
	SourceCLI     = "cli"
)

var errConflictRetriesExhausted = errors.New("users: conflict retries exhausted")

// ReconcilerConfig describes the dependencies required for identity reconciliation.
type ReconcilerConfig struct {
	Store              Store
	Clock              func() time.Time
	Logger             *zap.Logger
	ExternalIDPrefix   string
	Timeout            time.Duration
	MaxConflictRetries int
}

// Reconciler maps identity-provider user ids onto durable internal ids.
// It holds no per-user state: the store's unique external_id column is the only serialization point.
type Reconciler struct {
	store              Store
	now                func() time.Time
	logger             *zap.Logger
	prefix             string
	timeout            time.Duration
	maxConflictRetries int
}

// NewReconciler constructs the reconciler and applies defaults.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("users: store required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.ExternalIDPrefix
	if prefix == "" {
		prefix = DefaultExternalIDPrefix
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultReconcileTimeout
	}
	retries := cfg.MaxConflictRetries
	if retries <= 0 {
		retries = defaultMaxConflictRetries
	}
	return &Reconciler{
		store:              cfg.Store,
		now:                clock,
		logger:             logger,
		prefix:             prefix,
		timeout:            timeout,
		maxConflictRetries: retries,
	}, nil
}

// ReconcileRequest is the input of Reconcile.
type ReconcileRequest struct {
	ExternalID     string
	Profile        *Profile
	RefreshProfile bool
	Source         string
}

// Result reports the resolved identity and what the call changed.
type Result struct {
	InternalID string
	ExternalID string
	Created    bool
	Refreshed  bool
}

// Reconcile returns the internal id for the external id, creating the row if and only if none exists.
// Concurrent and repeated calls for one external id converge on a single row and a single internal id.
func (r *Reconciler) Reconcile(ctx context.Context, request ReconcileRequest) (Result, error) {
	source := request.Source
	if source == "" {
		source = SourceClient
	}

	externalID, err := NormalizeExternalID(request.ExternalID, r.prefix)
	if err != nil {
		r.recordOutcome(source, err)
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.reconcile(ctx, externalID, request)
	if err != nil {
		err = r.fail(ctx, opReconcile, externalID, err)
		r.recordOutcome(source, err)
		return Result{}, err
	}

	switch {
	case result.Created:
		metrics.ReconcileOutcomes.WithLabelValues(source, "created").Inc()
		r.logger.Info("user reconciled",
			zap.String("source", source),
			zap.String("external_id", externalID),
			zap.String("internal_id", result.InternalID),
			zap.Bool("created", true))
	case result.Refreshed:
		metrics.ReconcileOutcomes.WithLabelValues(source, "refreshed").Inc()
	default:
		metrics.ReconcileOutcomes.WithLabelValues(source, "existing").Inc()
	}
	return result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, externalID string, request ReconcileRequest) (Result, error) {
	for attempt := 0; attempt <= r.maxConflictRetries; attempt++ {
		existing, err := r.store.FindByExternalID(ctx, externalID)
		if err == nil {
			if existing.Tombstoned() {
				return Result{}, apperror.UnresolvedIdentity(opReconcile, externalID)
			}
			return r.refresh(ctx, existing, request)
		}
		if !errors.Is(err, ErrNotFound) {
			return Result{}, err
		}

		user := r.newUser(externalID, request.Profile)
		err = r.store.Insert(ctx, user)
		if err == nil {
			return Result{
				InternalID: user.InternalID,
				ExternalID: externalID,
				Created:    true,
			}, nil
		}
		if !errors.Is(err, ErrUniqueViolation) {
			return Result{}, err
		}

		// Another creator won; the next lookup observes its row.
		metrics.ReconcileConflicts.Inc()
		r.logger.Debug("user insert conflicted, re-reading",
			zap.String("external_id", externalID),
			zap.Int("attempt", attempt+1))
	}
	return Result{}, errConflictRetriesExhausted
}

func (r *Reconciler) refresh(ctx context.Context, existing User, request ReconcileRequest) (Result, error) {
	result := Result{InternalID: existing.InternalID, ExternalID: existing.ExternalID}
	if !request.RefreshProfile || request.Profile == nil || request.Profile.IsEmpty() {
		return result, nil
	}

	updated := existing
	applyProfile(&updated, *request.Profile)
	updated.UpdatedAt = r.now().UTC()
	err := r.store.UpdateProfile(ctx, existing.InternalID, profileFieldsOf(updated))
	if errors.Is(err, ErrNotFound) {
		return Result{}, apperror.UnresolvedIdentity(opReconcile, existing.ExternalID)
	}
	if err != nil {
		return Result{}, err
	}
	result.Refreshed = true
	return result, nil
}

func (r *Reconciler) newUser(externalID string, profile *Profile) User {
	now := r.now().UTC()
	user := User{
		InternalID: DeriveInternalID(externalID),
		ExternalID: externalID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	snapshot := Profile{}
	if profile != nil {
		snapshot = *profile
	}
	applyProfile(&user, snapshot)
	return user
}

// Lookup resolves an external id without creating anything.
// A missing or deleted user yields an UnresolvedIdentity error.
func (r *Reconciler) Lookup(ctx context.Context, rawExternalID string) (string, error) {
	externalID, err := NormalizeExternalID(rawExternalID, r.prefix)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	user, err := r.store.FindByExternalID(ctx, externalID)
	if errors.Is(err, ErrNotFound) || (err == nil && user.Tombstoned()) {
		return "", apperror.UnresolvedIdentity(opLookup, externalID)
	}
	if err != nil {
		return "", r.fail(ctx, opLookup, externalID, err)
	}
	return user.InternalID, nil
}

// Get returns the user row for an internal id.
func (r *Reconciler) Get(ctx context.Context, internalID string) (User, error) {
	internalID = normalize(internalID)
	if internalID == "" {
		return User{}, apperror.InvalidInput(opGet, "internal id is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	user, err := r.store.FindByInternalID(ctx, internalID)
	if errors.Is(err, ErrNotFound) {
		return User{}, apperror.NotFound(opGet, "user", internalID)
	}
	if err != nil {
		return User{}, r.fail(ctx, opGet, internalID, err)
	}
	return user, nil
}

// Forget tombstones the user. It reports false without error when there is nothing to delete.
func (r *Reconciler) Forget(ctx context.Context, rawExternalID string) (bool, error) {
	externalID, err := NormalizeExternalID(rawExternalID, r.prefix)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	user, err := r.store.FindByExternalID(ctx, externalID)
	if errors.Is(err, ErrNotFound) || (err == nil && user.Tombstoned()) {
		return false, nil
	}
	if err != nil {
		return false, r.fail(ctx, opForget, externalID, err)
	}

	err = r.store.Tombstone(ctx, user.InternalID, r.now().UTC())
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, r.fail(ctx, opForget, externalID, err)
	}
	r.logger.Info("user tombstoned",
		zap.String("external_id", externalID),
		zap.String("internal_id", user.InternalID))
	return true, nil
}

// fail converts a store error into the public taxonomy and logs it.
func (r *Reconciler) fail(ctx context.Context, operation, key string, err error) error {
	if apperror.KindOf(err) != "" {
		return err
	}
	var classified error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		classified = apperror.Timeout(operation, err)
	} else {
		classified = apperror.ReconciliationError(operation, err)
	}
	r.logger.Error("users reconciler error",
		zap.String("operation", operation),
		zap.String("reason", string(apperror.KindOf(classified))),
		zap.String("key", key),
		zap.Error(err))
	return classified
}

func (r *Reconciler) recordOutcome(source string, err error) {
	metrics.ReconcileOutcomes.WithLabelValues(source, string(apperror.KindOf(err))).Inc()
}
