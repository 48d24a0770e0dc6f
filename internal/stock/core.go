package stock

import (
	"context"
	"log/slog"
	"time"
)

// CoreConfig carries the collaborators and tunables of the stock core.
type CoreConfig struct {
	Audit            AuditPort
	Idempotency      IdempotencyPort
	Cache            *Cache
	Locker           Locker
	Enqueuer         Enqueuer
	Metrics          *Metrics
	Logger           *slog.Logger
	TxTimeout        time.Duration
	ConflictRetries  int
	ReconcileMode    ReconcileMode
	ReconcileLockTTL time.Duration
}

// Core bundles the wired stock components.
type Core struct {
	Store      Store
	Cache      *Cache
	Ledger     *Ledger
	Usage      *UsageLedger
	Allocator  *Allocator
	Aggregator *Aggregator
	Reconciler *Reconciler

	logger *slog.Logger
}

// NewCore wires the components around one store.
func NewCore(store Store, cfg CoreConfig) *Core {
	reconciler := NewReconciler(store, ReconcilerConfig{
		Mode:     cfg.ReconcileMode,
		Locker:   cfg.Locker,
		Enqueuer: cfg.Enqueuer,
		LockTTL:  cfg.ReconcileLockTTL,
		Metrics:  cfg.Metrics,
		Logger:   cfg.Logger,
	})
	ledger := NewLedger(store, LedgerConfig{
		Audit:      cfg.Audit,
		Cache:      cfg.Cache,
		Reconciler: reconciler,
		Logger:     cfg.Logger,
	})
	usage := NewUsageLedger(store, ledger, UsageConfig{
		Audit:      cfg.Audit,
		Cache:      cfg.Cache,
		Reconciler: reconciler,
		Metrics:    cfg.Metrics,
		Logger:     cfg.Logger,
	})
	allocator := NewAllocator(store, ledger, usage, AllocatorConfig{
		Idempotency:     cfg.Idempotency,
		Cache:           cfg.Cache,
		Reconciler:      reconciler,
		Metrics:         cfg.Metrics,
		Logger:          cfg.Logger,
		TxTimeout:       cfg.TxTimeout,
		ConflictRetries: cfg.ConflictRetries,
	})
	return &Core{
		Store:      store,
		Cache:      cfg.Cache,
		logger:     cfg.Logger,
		Ledger:     ledger,
		Usage:      usage,
		Allocator:  allocator,
		Aggregator: NewAggregator(store, cfg.Cache, cfg.Logger),
		Reconciler: reconciler,
	}
}

// Committed runs the post-commit bookkeeping for mutations made through
// AllocateTx or a raw TxRepository: cache invalidation and aggregate refresh.
func (c *Core) Committed(ctx context.Context, ownerID int64, kinds ...AggregateKind) {
	if err := c.Cache.Invalidate(ctx, ownerID); err != nil {
		logger := c.logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("invalidate stock cache", slog.Int64("owner_id", ownerID), slog.Any("error", err))
	}
	c.Reconciler.Trigger(ctx, ownerID, kinds...)
}
