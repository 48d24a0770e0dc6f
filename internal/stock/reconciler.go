package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"

	"github.com/odyssey-erp/foodstock/internal/shared"
)

// ReconcileMode selects how Trigger refreshes aggregates.
type ReconcileMode string

const (
	// ReconcileSync refreshes inline after the mutation commits.
	ReconcileSync ReconcileMode = "sync"
	// ReconcileAsync enqueues a background task and falls back to sync when
	// the enqueue fails.
	ReconcileAsync ReconcileMode = "async"
)

const defaultReconcileLockTTL = 30 * time.Second

// Locker obtains distributed locks.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

// Enqueuer hands reconciliation to a background worker.
type Enqueuer interface {
	EnqueueReconcile(ctx context.Context, ownerID int64, kind AggregateKind) error
}

// ReconcilerConfig configures the Reconciler.
type ReconcilerConfig struct {
	Mode     ReconcileMode
	Locker   Locker
	Enqueuer Enqueuer
	LockTTL  time.Duration
	Metrics  *Metrics
	Logger   *slog.Logger
}

// Reconciler rewrites the denormalised stock_aggregates rows from lots and
// production runs.
type Reconciler struct {
	store Store
	cfg   ReconcilerConfig
	clock func() time.Time
}

// NewReconciler builds Reconciler.
func NewReconciler(store Store, cfg ReconcilerConfig) *Reconciler {
	if cfg.Mode == "" {
		cfg.Mode = ReconcileSync
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultReconcileLockTTL
	}
	return &Reconciler{store: store, cfg: cfg, clock: func() time.Time { return time.Now().UTC() }}
}

// ReconcileIngredient refreshes ingredient aggregates of one owner.
func (r *Reconciler) ReconcileIngredient(ctx context.Context, ownerID int64) error {
	return r.Reconcile(ctx, ownerID, AggregateIngredient)
}

// ReconcileRecipe refreshes recipe aggregates of one owner.
func (r *Reconciler) ReconcileRecipe(ctx context.Context, ownerID int64) error {
	return r.Reconcile(ctx, ownerID, AggregateRecipe)
}

// Reconcile rebuilds one aggregate kind for an owner. Keys without active
// stock are kept with a zero total.
func (r *Reconciler) Reconcile(ctx context.Context, ownerID int64, kind AggregateKind) error {
	if ownerID <= 0 {
		return ErrOwnerRequired
	}
	err := r.reconcile(ctx, ownerID, kind)
	r.cfg.Metrics.observeReconcile(kind, err)
	if err != nil {
		return &ReconciliationError{OwnerID: ownerID, Kind: kind, Err: err}
	}
	return nil
}

func (r *Reconciler) reconcile(ctx context.Context, ownerID int64, kind AggregateKind) error {
	release, err := r.lock(ctx, ownerID, kind)
	if err != nil {
		return err
	}
	defer release()

	now := r.clock()
	return r.store.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var rows []AggregateRow
		switch kind {
		case AggregateIngredient:
			lots, err := tx.ListActiveLots(ctx, ownerID)
			if err != nil {
				return err
			}
			rows = ingredientRows(ownerID, IngredientTotals(lots), now)
		case AggregateRecipe:
			runs, err := tx.ListActiveRuns(ctx, ownerID)
			if err != nil {
				return err
			}
			rows = recipeRows(ownerID, RecipeTotals(runs), now)
		default:
			return fmt.Errorf("unknown aggregate kind %q", kind)
		}
		return tx.ReplaceAggregates(ctx, ownerID, kind, rows)
	})
}

func (r *Reconciler) lock(ctx context.Context, ownerID int64, kind AggregateKind) (func(), error) {
	if r.cfg.Locker == nil {
		return func() {}, nil
	}
	key := shared.ReconcileLockKey(ownerID, string(kind))
	lock, err := r.cfg.Locker.Obtain(ctx, key, r.cfg.LockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 50),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("reconcile lock %s busy: %w", key, err)
	}
	if err != nil {
		return nil, err
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.log().Warn("release reconcile lock", slog.String("key", key), slog.Any("error", err))
		}
	}, nil
}

// Trigger refreshes the given aggregate kinds after a committed mutation.
// Failures are logged and counted but never returned: the mutation has
// already succeeded and the aggregates are flagged degraded until the next
// successful pass.
func (r *Reconciler) Trigger(ctx context.Context, ownerID int64, kinds ...AggregateKind) {
	if r == nil {
		return
	}
	for _, kind := range kinds {
		if r.cfg.Mode == ReconcileAsync && r.cfg.Enqueuer != nil {
			err := r.cfg.Enqueuer.EnqueueReconcile(ctx, ownerID, kind)
			if err == nil {
				continue
			}
			r.log().Warn("enqueue reconcile failed, reconciling inline",
				slog.Int64("owner_id", ownerID), slog.String("kind", string(kind)), slog.Any("error", err))
		}
		if err := r.Reconcile(context.WithoutCancel(ctx), ownerID, kind); err != nil {
			r.log().Error("reconcile aggregates",
				slog.Int64("owner_id", ownerID),
				slog.String("kind", string(kind)),
				slog.Bool("degraded", true),
				slog.Any("error", err),
			)
		}
	}
}

// ReconcileAll refreshes both aggregate kinds of every owner. Used by the
// nightly sweep.
func (r *Reconciler) ReconcileAll(ctx context.Context) (int, error) {
	owners, err := r.store.ListOwners(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, ownerID := range owners {
		for _, kind := range []AggregateKind{AggregateIngredient, AggregateRecipe} {
			if err := ctx.Err(); err != nil {
				return len(owners), errors.Join(append(errs, err)...)
			}
			if err := r.Reconcile(ctx, ownerID, kind); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return len(owners), errors.Join(errs...)
}

func (r *Reconciler) log() *slog.Logger {
	if r != nil && r.cfg.Logger != nil {
		return r.cfg.Logger
	}
	return slog.Default()
}
