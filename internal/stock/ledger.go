package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodstock/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// LedgerConfig groups optional collaborators of the Ledger.
type LedgerConfig struct {
	Audit      AuditPort
	Cache      *Cache
	Reconciler *Reconciler
	Logger     *slog.Logger
}

// Ledger owns lots and produced batches and their remaining balances.
type Ledger struct {
	store      Store
	audit      AuditPort
	cache      *Cache
	reconciler *Reconciler
	logger     *slog.Logger
	clock      func() time.Time
}

// NewLedger builds Ledger.
func NewLedger(store Store, cfg LedgerConfig) *Ledger {
	return &Ledger{
		store:      store,
		audit:      cfg.Audit,
		cache:      cfg.Cache,
		reconciler: cfg.Reconciler,
		logger:     cfg.Logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (l *Ledger) WithClock(clock func() time.Time) {
	if l != nil && clock != nil {
		l.clock = clock
	}
}

// CreateLot records a goods-in receipt and returns the stored lot.
func (l *Ledger) CreateLot(ctx context.Context, in LotInput) (Lot, error) {
	if in.OwnerID <= 0 {
		return Lot{}, ErrOwnerRequired
	}
	key, err := NormalizeKey(in.Name, in.Unit)
	if err != nil {
		return Lot{}, err
	}
	if err := CheckQuantity(in.Quantity); err != nil {
		return Lot{}, err
	}
	received := in.ReceivedDate
	if received.IsZero() {
		received = l.clock()
	}
	lot := Lot{
		OwnerID:      in.OwnerID,
		Key:          key,
		Name:         strings.TrimSpace(in.Name),
		Unit:         strings.TrimSpace(in.Unit),
		ReceivedQty:  in.Quantity,
		RemainingQty: in.Quantity,
		ReceivedDate: received,
		ExpiryDate:   in.ExpiryDate,
		ExternalCode: strings.TrimSpace(in.ExternalCode),
	}
	err = l.store.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertLot(ctx, lot)
		if err != nil {
			return err
		}
		lot.ID = id
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateLotCode) {
			return Lot{}, fmt.Errorf("%w (code=%s %s)", ErrDuplicateLotCode, lot.ExternalCode, Diagnostics{OwnerID: in.OwnerID, Key: key, Quantity: in.Quantity})
		}
		return Lot{}, err
	}
	l.afterMutation(ctx, lot.OwnerID, "stock:lot_create", lot.ID, map[string]any{
		"ingredient":    string(lot.Key),
		"qty":           lot.ReceivedQty.String(),
		"external_code": lot.ExternalCode,
	})
	return lot, nil
}

// GetLot loads a lot regardless of its active flag.
func (l *Ledger) GetLot(ctx context.Context, ownerID, lotID int64) (Lot, error) {
	lot, err := l.store.GetLot(ctx, ownerID, lotID)
	if errors.Is(err, ErrLotNotFound) {
		return Lot{}, &NotFoundError{Diagnostics: Diagnostics{OwnerID: ownerID}, Entity: "lot", ID: lotID}
	}
	return lot, err
}

// ListActiveLots returns the active lots of a key ordered by
// (received date, id).
func (l *Ledger) ListActiveLots(ctx context.Context, ownerID int64, key IngredientKey) ([]Lot, error) {
	if ownerID <= 0 {
		return nil, ErrOwnerRequired
	}
	lots, err := l.store.ListLotsByKey(ctx, ownerID, key)
	if err != nil {
		return nil, err
	}
	return activeFIFO(lots), nil
}

// LockActiveLots is ListActiveLots inside a transaction with the rows locked.
func (l *Ledger) LockActiveLots(ctx context.Context, tx TxRepository, ownerID int64, key IngredientKey) ([]Lot, error) {
	lots, err := tx.LockActiveLots(ctx, ownerID, key)
	if err != nil {
		return nil, err
	}
	return activeFIFO(lots), nil
}

// LockActiveBatches returns the active production runs of a recipe locked
// and ordered by (produced date, id).
func (l *Ledger) LockActiveBatches(ctx context.Context, tx TxRepository, ownerID int64, key IngredientKey) ([]ProductionRun, error) {
	return tx.LockActiveBatches(ctx, ownerID, key)
}

// Decrement removes amount from an active lot.
func (l *Ledger) Decrement(ctx context.Context, tx TxRepository, ownerID, lotID int64, amount decimal.Decimal) (Lot, error) {
	diag := Diagnostics{OwnerID: ownerID, Quantity: amount}
	if err := CheckQuantity(amount); err != nil {
		return Lot{}, err
	}
	lot, err := tx.GetLotForUpdate(ctx, ownerID, lotID)
	if errors.Is(err, ErrLotNotFound) {
		return Lot{}, &NotFoundError{Diagnostics: diag, Entity: "lot", ID: lotID}
	}
	if err != nil {
		return Lot{}, err
	}
	diag.Key = lot.Key
	if !lot.Active() {
		return Lot{}, &NotFoundError{Diagnostics: diag, Entity: "active lot", ID: lotID}
	}
	if amount.GreaterThan(lot.RemainingQty) {
		return Lot{}, &InsufficientStockError{Diagnostics: diag, Available: lot.RemainingQty}
	}
	remaining, err := tx.DecrementLot(ctx, ownerID, lotID, amount)
	if errors.Is(err, ErrConditionFailed) {
		return Lot{}, &ConcurrencyConflictError{Diagnostics: diag, SourceKind: SourceLot, SourceID: lotID}
	}
	if err != nil {
		return Lot{}, err
	}
	lot.RemainingQty = remaining
	return lot, nil
}

// Increment returns amount to a lot. Soft-deleted lots may be incremented so
// reversals keep the audit trail consistent.
func (l *Ledger) Increment(ctx context.Context, tx TxRepository, ownerID, lotID int64, amount decimal.Decimal) (Lot, error) {
	diag := Diagnostics{OwnerID: ownerID, Quantity: amount}
	if err := CheckQuantity(amount); err != nil {
		return Lot{}, err
	}
	lot, err := tx.GetLotForUpdate(ctx, ownerID, lotID)
	if errors.Is(err, ErrLotNotFound) {
		return Lot{}, &NotFoundError{Diagnostics: diag, Entity: "lot", ID: lotID}
	}
	if err != nil {
		return Lot{}, err
	}
	diag.Key = lot.Key
	invalid := &InvalidReversalError{Diagnostics: diag, SourceKind: SourceLot, SourceID: lotID, Remaining: lot.RemainingQty, Received: lot.ReceivedQty}
	if lot.RemainingQty.Add(amount).GreaterThan(lot.ReceivedQty) {
		return Lot{}, invalid
	}
	remaining, err := tx.IncrementLot(ctx, ownerID, lotID, amount)
	if errors.Is(err, ErrConditionFailed) {
		return Lot{}, invalid
	}
	if err != nil {
		return Lot{}, err
	}
	lot.RemainingQty = remaining
	return lot, nil
}

// DecrementBatch removes amount from an active production run's remaining output.
func (l *Ledger) DecrementBatch(ctx context.Context, tx TxRepository, ownerID int64, key IngredientKey, runID int64, amount decimal.Decimal) error {
	_, err := tx.DecrementBatch(ctx, ownerID, runID, amount)
	if errors.Is(err, ErrConditionFailed) {
		return &ConcurrencyConflictError{Diagnostics: Diagnostics{OwnerID: ownerID, Key: key, Quantity: amount}, SourceKind: SourceBatch, SourceID: runID}
	}
	return err
}

// IncrementBatch returns amount to a production run.
func (l *Ledger) IncrementBatch(ctx context.Context, tx TxRepository, ownerID, runID int64, amount decimal.Decimal) (ProductionRun, error) {
	diag := Diagnostics{OwnerID: ownerID, Quantity: amount}
	run, err := tx.GetRunForUpdate(ctx, ownerID, runID)
	if errors.Is(err, ErrRunNotFound) {
		return ProductionRun{}, &NotFoundError{Diagnostics: diag, Entity: "production run", ID: runID}
	}
	if err != nil {
		return ProductionRun{}, err
	}
	diag.Key = run.RecipeKey
	invalid := &InvalidReversalError{Diagnostics: diag, SourceKind: SourceBatch, SourceID: runID, Remaining: run.RemainingQty, Received: run.ProducedQty}
	if run.RemainingQty.Add(amount).GreaterThan(run.ProducedQty) {
		return ProductionRun{}, invalid
	}
	remaining, err := tx.IncrementBatch(ctx, ownerID, runID, amount)
	if errors.Is(err, ErrConditionFailed) {
		return ProductionRun{}, invalid
	}
	if err != nil {
		return ProductionRun{}, err
	}
	run.RemainingQty = remaining
	return run, nil
}

// UpdateLot edits a lot outside the allocator. The consumed quantity is kept,
// so remaining follows received. Aggregates are reconciled afterwards.
func (l *Ledger) UpdateLot(ctx context.Context, ownerID, lotID int64, upd LotUpdate) (Lot, error) {
	var lot Lot
	err := l.store.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetLotForUpdate(ctx, ownerID, lotID)
		if errors.Is(err, ErrLotNotFound) {
			return &NotFoundError{Diagnostics: Diagnostics{OwnerID: ownerID}, Entity: "lot", ID: lotID}
		}
		if err != nil {
			return err
		}
		if !current.Active() {
			return &NotFoundError{Diagnostics: Diagnostics{OwnerID: ownerID, Key: current.Key}, Entity: "active lot", ID: lotID}
		}
		if upd.ReceivedQty != nil {
			consumed := current.Consumed()
			if err := CheckQuantity(*upd.ReceivedQty); err != nil {
				return err
			}
			if upd.ReceivedQty.LessThan(consumed) {
				return fmt.Errorf("%w (consumed=%s %s)", ErrInvalidLotEdit, consumed, Diagnostics{OwnerID: ownerID, Key: current.Key, Quantity: *upd.ReceivedQty})
			}
			current.ReceivedQty = *upd.ReceivedQty
			current.RemainingQty = upd.ReceivedQty.Sub(consumed)
		}
		if upd.ReceivedDate != nil {
			current.ReceivedDate = *upd.ReceivedDate
		}
		if upd.ExpiryDate != nil {
			expiry := *upd.ExpiryDate
			current.ExpiryDate = &expiry
		}
		if upd.ExternalCode != nil {
			current.ExternalCode = strings.TrimSpace(*upd.ExternalCode)
		}
		if err := tx.UpdateLot(ctx, current); err != nil {
			return err
		}
		lot = current
		return nil
	})
	if err != nil {
		return Lot{}, err
	}
	l.afterMutation(ctx, ownerID, "stock:lot_update", lotID, map[string]any{
		"ingredient": string(lot.Key),
		"received":   lot.ReceivedQty.String(),
		"remaining":  lot.RemainingQty.String(),
	})
	return lot, nil
}

// SoftDeleteLot removes a lot from allocation while keeping it for audit.
func (l *Ledger) SoftDeleteLot(ctx context.Context, ownerID, lotID int64) error {
	now := l.clock()
	err := l.store.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		err := tx.SoftDeleteLot(ctx, ownerID, lotID, now)
		if errors.Is(err, ErrLotNotFound) {
			return &NotFoundError{Diagnostics: Diagnostics{OwnerID: ownerID}, Entity: "active lot", ID: lotID}
		}
		return err
	})
	if err != nil {
		return err
	}
	l.afterMutation(ctx, ownerID, "stock:lot_delete", lotID, nil)
	return nil
}

func (l *Ledger) afterMutation(ctx context.Context, ownerID int64, action string, id int64, meta map[string]any) {
	if err := l.cache.Invalidate(ctx, ownerID); err != nil {
		l.log().Warn("invalidate stock cache", slog.Int64("owner_id", ownerID), slog.Any("error", err))
	}
	if l.audit != nil {
		_ = l.audit.Record(ctx, shared.AuditLog{
			ActorID:  ownerID,
			Action:   action,
			Entity:   "stock_lot",
			EntityID: fmt.Sprintf("%d", id),
			Meta:     meta,
		})
	}
	l.reconciler.Trigger(ctx, ownerID, AggregateIngredient)
}

func (l *Ledger) log() *slog.Logger {
	if l != nil && l.logger != nil {
		return l.logger
	}
	return slog.Default()
}

func activeFIFO(lots []Lot) []Lot {
	out := make([]Lot, 0, len(lots))
	for _, lot := range lots {
		if lot.Active() {
			out = append(out, lot)
		}
	}
	sortLotsFIFO(out)
	return out
}

func sortLotsFIFO(lots []Lot) {
	index := make(map[int64]Lot, len(lots))
	sources := make([]Source, len(lots))
	for i, lot := range lots {
		index[lot.ID] = lot
		sources[i] = Source{ID: lot.ID, Date: lot.ReceivedDate}
	}
	SortFIFO(sources)
	for i, src := range sources {
		lots[i] = index[src.ID]
	}
}
