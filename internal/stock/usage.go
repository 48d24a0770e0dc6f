package stock

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodstock/internal/shared"
)

// legacyReversalQty is restored per line when a usage row predates quantity
// tracking.
var legacyReversalQty = decimal.NewFromInt(1)

// UsageConfig configures the UsageLedger.
type UsageConfig struct {
	Audit      AuditPort
	Cache      *Cache
	Reconciler *Reconciler
	Metrics    *Metrics
	Logger     *slog.Logger
}

// RestoredLine is one source credited back by a reversal.
type RestoredLine struct {
	SourceKind SourceKind      `json:"source_kind"`
	SourceID   int64           `json:"source_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Legacy     bool            `json:"legacy,omitempty"`
}

// ReversalResult reports what a reversal restored.
type ReversalResult struct {
	Event    EventRef        `json:"event"`
	Lines    []RestoredLine  `json:"lines"`
	Restored decimal.Decimal `json:"restored"`
}

func (r ReversalResult) kinds() []AggregateKind {
	var lots, batches bool
	for _, line := range r.Lines {
		switch line.SourceKind {
		case SourceLot:
			lots = true
		case SourceBatch:
			batches = true
		}
	}
	var out []AggregateKind
	if lots {
		out = append(out, AggregateIngredient)
	}
	if batches {
		out = append(out, AggregateRecipe)
	}
	return out
}

// UsageLedger records which sources each consuming event drew from and
// reverses them.
type UsageLedger struct {
	store  Store
	ledger *Ledger
	cfg    UsageConfig
}

// NewUsageLedger builds UsageLedger.
func NewUsageLedger(store Store, ledger *Ledger, cfg UsageConfig) *UsageLedger {
	return &UsageLedger{store: store, ledger: ledger, cfg: cfg}
}

// RecordUsage appends a provenance line inside the caller's transaction.
func (u *UsageLedger) RecordUsage(ctx context.Context, tx TxRepository, rec UsageRecord) (int64, error) {
	if rec.OwnerID <= 0 {
		return 0, ErrOwnerRequired
	}
	if rec.Event.IsZero() {
		return 0, ErrEventRequired
	}
	if rec.Quantity.Valid && !rec.Quantity.Decimal.IsPositive() {
		return 0, ErrInvalidQuantity
	}
	return tx.InsertUsage(ctx, rec)
}

// ReverseUsage credits every source of an event back and removes its usage
// lines in one transaction.
func (u *UsageLedger) ReverseUsage(ctx context.Context, ownerID int64, ref EventRef) (ReversalResult, error) {
	var result ReversalResult
	err := u.store.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := u.ReverseUsageTx(ctx, tx, ownerID, ref)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidReversal) {
			u.cfg.Metrics.observeReversal(false)
			u.log().Error("usage reversal rejected",
				slog.Int64("owner_id", ownerID),
				slog.String("event_kind", string(ref.Kind)),
				slog.Int64("event_id", ref.ID),
				slog.Any("error", err),
			)
		}
		return ReversalResult{}, err
	}
	u.cfg.Metrics.observeReversal(true)
	u.AfterReversal(ctx, ownerID, result)
	return result, nil
}

// AfterReversal invalidates caches, writes audit and reconciles aggregates
// for a reversal committed by the caller.
func (u *UsageLedger) AfterReversal(ctx context.Context, ownerID int64, result ReversalResult) {
	if err := u.cfg.Cache.Invalidate(ctx, ownerID); err != nil {
		u.log().Warn("invalidate stock cache", slog.Int64("owner_id", ownerID), slog.Any("error", err))
	}
	if u.cfg.Audit != nil {
		_ = u.cfg.Audit.Record(ctx, shared.AuditLog{
			ActorID:  ownerID,
			Action:   "stock:usage_reverse",
			Entity:   string(result.Event.Kind),
			EntityID: fmt.Sprintf("%d", result.Event.ID),
			Meta: map[string]any{
				"lines":    len(result.Lines),
				"restored": result.Restored.String(),
			},
		})
	}
	u.cfg.Reconciler.Trigger(ctx, ownerID, result.kinds()...)
}

// ReverseUsageTx reverses an event inside the caller's transaction. Any
// overflowing source aborts the whole reversal.
func (u *UsageLedger) ReverseUsageTx(ctx context.Context, tx TxRepository, ownerID int64, ref EventRef) (ReversalResult, error) {
	if ownerID <= 0 {
		return ReversalResult{}, ErrOwnerRequired
	}
	if ref.IsZero() {
		return ReversalResult{}, ErrEventRequired
	}
	records, err := tx.ListUsageByEvent(ctx, ownerID, ref)
	if err != nil {
		return ReversalResult{}, err
	}
	if len(records) == 0 {
		return ReversalResult{}, &NotFoundError{Diagnostics: Diagnostics{OwnerID: ownerID}, Entity: "usage for " + string(ref.Kind), ID: ref.ID}
	}

	result := ReversalResult{Event: ref, Restored: decimal.Zero}
	for _, rec := range records {
		amount := legacyReversalQty
		legacy := !rec.Quantity.Valid
		if !legacy {
			amount = rec.Quantity.Decimal
		}
		switch rec.SourceKind {
		case SourceLot:
			if _, err := u.ledger.Increment(ctx, tx, ownerID, rec.SourceID, amount); err != nil {
				return ReversalResult{}, err
			}
		case SourceBatch:
			if _, err := u.ledger.IncrementBatch(ctx, tx, ownerID, rec.SourceID, amount); err != nil {
				return ReversalResult{}, err
			}
		default:
			return ReversalResult{}, fmt.Errorf("stock: usage %d has unknown source kind %q", rec.ID, rec.SourceKind)
		}
		result.Lines = append(result.Lines, RestoredLine{SourceKind: rec.SourceKind, SourceID: rec.SourceID, Quantity: amount, Legacy: legacy})
		result.Restored = result.Restored.Add(amount)
	}
	if _, err := tx.DeleteUsageByEvent(ctx, ownerID, ref); err != nil {
		return ReversalResult{}, err
	}
	return result, nil
}

// ListUsageForOwner yields the owner's usage grouped by consuming event in
// event order. Each iteration reads all of the owner's rows in one query
// before the first group is yielded, so it sees a snapshot.
func (u *UsageLedger) ListUsageForOwner(ctx context.Context, ownerID int64) iter.Seq2[UsageGroup, error] {
	return func(yield func(UsageGroup, error) bool) {
		if ownerID <= 0 {
			yield(UsageGroup{}, ErrOwnerRequired)
			return
		}
		rows, err := u.store.ListUsage(ctx, ownerID)
		if err != nil {
			yield(UsageGroup{}, err)
			return
		}
		var current *UsageGroup
		for _, row := range rows {
			if current != nil && current.Event != row.Event {
				if !yield(*current, nil) {
					return
				}
				current = nil
			}
			if current == nil {
				current = &UsageGroup{Event: row.Event, EventKey: row.EventKey, Total: decimal.Zero}
			}
			current.Lines = append(current.Lines, row)
			if row.Quantity.Valid {
				current.Total = current.Total.Add(row.Quantity.Decimal)
			}
		}
		if current != nil {
			yield(*current, nil)
		}
	}
}

func (u *UsageLedger) log() *slog.Logger {
	if u != nil && u.cfg.Logger != nil {
		return u.cfg.Logger
	}
	return slog.Default()
}
