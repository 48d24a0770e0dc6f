package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// IdempotencyPort guards replayed allocation requests.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AllocatorConfig configures the Allocator.
type AllocatorConfig struct {
	Idempotency     IdempotencyPort
	Cache           *Cache
	Reconciler      *Reconciler
	Metrics         *Metrics
	Logger          *slog.Logger
	TxTimeout       time.Duration
	ConflictRetries int
}

// AllocateInput describes one draw request.
type AllocateInput struct {
	OwnerID  int64
	Key      IngredientKey
	Quantity decimal.Decimal
	Event    EventRef
	// Strict rejects the request instead of recording a partial allocation.
	Strict         bool
	IdempotencyKey string
}

// AllocationResult reports what a draw actually took.
type AllocationResult struct {
	Key           IngredientKey    `json:"key"`
	SourceKind    SourceKind       `json:"source_kind"`
	Event         EventRef         `json:"event"`
	Requested     decimal.Decimal  `json:"requested"`
	TotalDeducted decimal.Decimal  `json:"total_deducted"`
	Shortfall     decimal.Decimal  `json:"shortfall"`
	Lines         []AllocationLine `json:"lines"`
}

// Partial reports whether the request could not be met in full.
func (r AllocationResult) Partial() bool {
	return r.Shortfall.IsPositive()
}

// ShortfallMessage renders the user facing shortfall notice.
func (r AllocationResult) ShortfallMessage() string {
	if !r.Partial() {
		return ""
	}
	name, unit := r.Key.Split()
	subject := "ingredient"
	if r.SourceKind == SourceBatch {
		subject = "recipe"
	}
	return fmt.Sprintf("shortfall of %s %s for %s %s", r.Shortfall.String(), unit, subject, name)
}

// Allocator runs FIFO allocations against lots and produced batches.
type Allocator struct {
	store  Store
	ledger *Ledger
	usage  *UsageLedger
	cfg    AllocatorConfig
}

// NewAllocator wires the allocator.
func NewAllocator(store Store, ledger *Ledger, usage *UsageLedger, cfg AllocatorConfig) *Allocator {
	if cfg.ConflictRetries < 0 {
		cfg.ConflictRetries = 0
	}
	return &Allocator{store: store, ledger: ledger, usage: usage, cfg: cfg}
}

// Allocate draws quantity of an ingredient from its lots in FIFO order inside
// its own transaction. Partial draws succeed unless Strict is set.
func (a *Allocator) Allocate(ctx context.Context, in AllocateInput) (AllocationResult, error) {
	return a.allocate(ctx, in, SourceLot)
}

// AllocateBatches draws quantity of a recipe from its produced batches.
func (a *Allocator) AllocateBatches(ctx context.Context, in AllocateInput) (AllocationResult, error) {
	return a.allocate(ctx, in, SourceBatch)
}

// AllocateTx draws from lots within the caller's transaction.
func (a *Allocator) AllocateTx(ctx context.Context, tx TxRepository, in AllocateInput) (AllocationResult, error) {
	if err := validateAllocate(in); err != nil {
		return AllocationResult{}, err
	}
	return a.allocateTx(ctx, tx, in, SourceLot)
}

// AllocateBatchesTx draws from produced batches within the caller's transaction.
func (a *Allocator) AllocateBatchesTx(ctx context.Context, tx TxRepository, in AllocateInput) (AllocationResult, error) {
	if err := validateAllocate(in); err != nil {
		return AllocationResult{}, err
	}
	return a.allocateTx(ctx, tx, in, SourceBatch)
}

// InTx runs fn in a transaction bounded by the configured timeout and re-runs
// it on concurrency conflicts.
func (a *Allocator) InTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if a.cfg.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.TxTimeout)
		defer cancel()
	}
	var err error
	for attempt := 0; attempt <= a.cfg.ConflictRetries; attempt++ {
		err = a.store.WithTx(ctx, fn)
		if err == nil || !IsRetriable(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(err, ctxErr)
		}
		a.cfg.Metrics.observeConflict()
		a.log().Debug("retrying stock transaction", slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	return err
}

func (a *Allocator) allocate(ctx context.Context, in AllocateInput, kind SourceKind) (AllocationResult, error) {
	if err := validateAllocate(in); err != nil {
		return AllocationResult{}, err
	}
	idemKey := ""
	if in.IdempotencyKey != "" && a.cfg.Idempotency != nil {
		idemKey = fmt.Sprintf("stock:allocate:%d:%s", in.OwnerID, in.IdempotencyKey)
		if err := a.cfg.Idempotency.CheckAndInsert(ctx, idemKey, "stock"); err != nil {
			return AllocationResult{}, err
		}
	}
	var result AllocationResult
	err := a.InTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := a.allocateTx(ctx, tx, in, kind)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	a.Observe(kind, err, result)
	if err != nil {
		if idemKey != "" {
			_ = a.cfg.Idempotency.Delete(ctx, idemKey)
		}
		return AllocationResult{}, err
	}
	if err := a.cfg.Cache.Invalidate(ctx, in.OwnerID); err != nil {
		a.log().Warn("invalidate stock cache", slog.Int64("owner_id", in.OwnerID), slog.Any("error", err))
	}
	aggKind := AggregateIngredient
	if kind == SourceBatch {
		aggKind = AggregateRecipe
	}
	a.cfg.Reconciler.Trigger(ctx, in.OwnerID, aggKind)
	return result, nil
}

func (a *Allocator) allocateTx(ctx context.Context, tx TxRepository, in AllocateInput, kind SourceKind) (AllocationResult, error) {
	var sources []Source
	switch kind {
	case SourceLot:
		lots, err := a.ledger.LockActiveLots(ctx, tx, in.OwnerID, in.Key)
		if err != nil {
			return AllocationResult{}, err
		}
		sources = lotSources(lots)
	case SourceBatch:
		runs, err := a.ledger.LockActiveBatches(ctx, tx, in.OwnerID, in.Key)
		if err != nil {
			return AllocationResult{}, err
		}
		sources = batchSources(runs)
	default:
		return AllocationResult{}, fmt.Errorf("stock: unknown source kind %q", kind)
	}

	plan := PlanAllocation(sources, in.Quantity)
	result := AllocationResult{
		Key:           in.Key,
		SourceKind:    kind,
		Event:         in.Event,
		Requested:     in.Quantity,
		TotalDeducted: plan.TotalDeducted,
		Shortfall:     plan.Shortfall,
		Lines:         plan.Lines,
	}
	if in.Strict && result.Partial() {
		return AllocationResult{}, &InsufficientStockError{
			Diagnostics: Diagnostics{OwnerID: in.OwnerID, Key: in.Key, Quantity: in.Quantity},
			Available:   plan.TotalDeducted,
		}
	}

	for _, line := range plan.Lines {
		switch kind {
		case SourceLot:
			if _, err := a.ledger.Decrement(ctx, tx, in.OwnerID, line.SourceID, line.Quantity); err != nil {
				return AllocationResult{}, asConflict(err)
			}
		case SourceBatch:
			if err := a.ledger.DecrementBatch(ctx, tx, in.OwnerID, in.Key, line.SourceID, line.Quantity); err != nil {
				return AllocationResult{}, err
			}
		}
		rec := UsageRecord{
			OwnerID:    in.OwnerID,
			Event:      in.Event,
			SourceKind: kind,
			SourceID:   line.SourceID,
			Quantity:   decimal.NewNullDecimal(line.Quantity),
		}
		if _, err := a.usage.RecordUsage(ctx, tx, rec); err != nil {
			return AllocationResult{}, err
		}
	}

	if result.Partial() {
		a.log().Warn("partial allocation",
			slog.Int64("owner_id", in.OwnerID),
			slog.String("key", string(in.Key)),
			slog.String("requested", in.Quantity.String()),
			slog.String("shortfall", result.Shortfall.String()),
		)
	}
	return result, nil
}

// Observe records the outcome of allocations once their transaction has
// settled. A strict rejection in err counts as rejected for kind; results of
// a rolled back transaction must not be passed.
func (a *Allocator) Observe(kind SourceKind, err error, results ...AllocationResult) {
	if a == nil {
		return
	}
	var insufficient *InsufficientStockError
	if errors.As(err, &insufficient) {
		a.cfg.Metrics.observeAllocation(kind, outcomeRejected, decimal.Zero)
		return
	}
	if err != nil {
		return
	}
	for _, res := range results {
		outcome := outcomeFull
		if res.Partial() {
			outcome = outcomePartial
		}
		a.cfg.Metrics.observeAllocation(res.SourceKind, outcome, res.Shortfall)
	}
}

// asConflict maps a failed decrement on a lot that the plan saw as available
// into a retriable conflict.
func asConflict(err error) error {
	var insufficient *InsufficientStockError
	if errors.As(err, &insufficient) {
		return &ConcurrencyConflictError{Diagnostics: insufficient.Diagnostics, SourceKind: SourceLot, Err: err}
	}
	return err
}

func validateAllocate(in AllocateInput) error {
	if in.OwnerID <= 0 {
		return ErrOwnerRequired
	}
	if in.Key == "" {
		return ErrInvalidKey
	}
	if err := CheckQuantity(in.Quantity); err != nil {
		return err
	}
	if in.Event.IsZero() || !in.Event.Kind.Valid() {
		return ErrEventRequired
	}
	return nil
}

func (a *Allocator) log() *slog.Logger {
	if a != nil && a.cfg.Logger != nil {
		return a.cfg.Logger
	}
	return slog.Default()
}
