// Package memstore is an in-memory stock.Store. Transactions are serialised
// and rolled back by discarding a working copy, which keeps it usable for
// tests and local tooling without PostgreSQL.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodstock/internal/stock"
)

type aggKey struct {
	owner int64
	kind  stock.AggregateKind
	key   stock.IngredientKey
}

type state struct {
	nextID     int64
	lots       map[int64]stock.Lot
	usage      map[int64]stock.UsageRecord
	runs       map[int64]stock.ProductionRun
	shipments  map[int64]stock.Shipment
	aggregates map[aggKey]stock.AggregateRow
}

func (s *state) clone() *state {
	return &state{
		nextID:     s.nextID,
		lots:       cloneMap(s.lots),
		usage:      cloneMap(s.usage),
		runs:       cloneMap(s.runs),
		shipments:  cloneMap(s.shipments),
		aggregates: cloneMap(s.aggregates),
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Store implements stock.Store in memory.
type Store struct {
	mu    sync.Mutex
	data  *state
	clock func() time.Time

	// FailAggregates, when set, is returned by ReplaceAggregates.
	FailAggregates error
	// ConflictsLeft makes the next N guarded decrements report a lost race.
	ConflictsLeft int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		data: &state{
			lots:       map[int64]stock.Lot{},
			usage:      map[int64]stock.UsageRecord{},
			runs:       map[int64]stock.ProductionRun{},
			shipments:  map[int64]stock.Shipment{},
			aggregates: map[aggKey]stock.AggregateRow{},
		},
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// WithTx runs fn against a working copy committed only when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, stock.TxRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.data.clone()
	if err := fn(ctx, &tx{store: s, st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.data = work
	return nil
}

// PutLot stores a lot as-is, including legacy or soft-deleted state.
func (s *Store) PutLot(lot stock.Lot) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lot.ID == 0 {
		s.data.nextID++
		lot.ID = s.data.nextID
	} else if lot.ID > s.data.nextID {
		s.data.nextID = lot.ID
	}
	s.data.lots[lot.ID] = lot
	return lot.ID
}

// PutUsage stores a usage record as-is. A zero Quantity.Valid models a
// legacy row.
func (s *Store) PutUsage(rec stock.UsageRecord) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.nextID++
	rec.ID = s.data.nextID
	s.data.usage[rec.ID] = rec
	return rec.ID
}

// Run returns a production run by id.
func (s *Store) Run(id int64) (stock.ProductionRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.data.runs[id]
	return run, ok
}

// Lots returns every lot of an owner, deleted ones included.
func (s *Store) Lots(ownerID int64) []stock.Lot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []stock.Lot
	for _, lot := range s.data.lots {
		if lot.OwnerID == ownerID {
			out = append(out, lot)
		}
	}
	slices.SortFunc(out, func(a, b stock.Lot) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// UsageByEvent returns the usage records of an event.
func (s *Store) UsageByEvent(ownerID int64, ref stock.EventRef) []stock.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return usageByEvent(s.data, ownerID, ref)
}

func (s *Store) ListActiveLots(_ context.Context, ownerID int64) ([]stock.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return activeLots(s.data, ownerID, "", false), nil
}

func (s *Store) ListActiveRuns(_ context.Context, ownerID int64) ([]stock.ProductionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return activeRuns(s.data, ownerID, "", false), nil
}

func (s *Store) GetLot(_ context.Context, ownerID, lotID int64) (stock.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lot, ok := s.data.lots[lotID]
	if !ok || lot.OwnerID != ownerID {
		return stock.Lot{}, stock.ErrLotNotFound
	}
	return lot, nil
}

func (s *Store) ListLotsByKey(_ context.Context, ownerID int64, key stock.IngredientKey) ([]stock.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return activeLots(s.data, ownerID, key, false), nil
}

func (s *Store) ListUsage(_ context.Context, ownerID int64) ([]stock.UsageRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []stock.UsageRow
	for _, rec := range s.data.usage {
		if rec.OwnerID != ownerID {
			continue
		}
		row := stock.UsageRow{UsageRecord: rec}
		switch rec.Event.Kind {
		case stock.EventProduction:
			row.EventKey = s.data.runs[rec.Event.ID].RecipeKey
		case stock.EventShipment:
			row.EventKey = s.data.shipments[rec.Event.ID].RecipeKey
		}
		switch rec.SourceKind {
		case stock.SourceLot:
			lot := s.data.lots[rec.SourceID]
			row.SourceKey = lot.Key
			row.SourceLabel = lot.ExternalCode
		case stock.SourceBatch:
			row.SourceKey = s.data.runs[rec.SourceID].RecipeKey
		}
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b stock.UsageRow) int {
		return cmp.Or(
			cmp.Compare(a.Event.Kind, b.Event.Kind),
			cmp.Compare(a.Event.ID, b.Event.ID),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return out, nil
}

func (s *Store) ListAggregates(_ context.Context, ownerID int64, kind stock.AggregateKind) ([]stock.AggregateRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []stock.AggregateRow
	for k, row := range s.data.aggregates {
		if k.owner == ownerID && k.kind == kind {
			out = append(out, row)
		}
	}
	slices.SortFunc(out, func(a, b stock.AggregateRow) int { return cmp.Compare(a.Key, b.Key) })
	return out, nil
}

func (s *Store) ListOwners(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[int64]struct{}{}
	for _, lot := range s.data.lots {
		seen[lot.OwnerID] = struct{}{}
	}
	for _, run := range s.data.runs {
		seen[run.OwnerID] = struct{}{}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

type tx struct {
	store *Store
	st    *state
}

func (t *tx) id() int64 {
	t.st.nextID++
	return t.st.nextID
}

func (t *tx) ListActiveLots(_ context.Context, ownerID int64) ([]stock.Lot, error) {
	return activeLots(t.st, ownerID, "", false), nil
}

func (t *tx) ListActiveRuns(_ context.Context, ownerID int64) ([]stock.ProductionRun, error) {
	return activeRuns(t.st, ownerID, "", false), nil
}

func (t *tx) InsertLot(_ context.Context, lot stock.Lot) (int64, error) {
	if t.duplicateCode(lot) {
		return 0, stock.ErrDuplicateLotCode
	}
	lot.ID = t.id()
	lot.CreatedAt = t.store.clock()
	t.st.lots[lot.ID] = lot
	return lot.ID, nil
}

func (t *tx) duplicateCode(lot stock.Lot) bool {
	if lot.ExternalCode == "" {
		return false
	}
	for _, other := range t.st.lots {
		if other.ID != lot.ID && other.Active() && other.OwnerID == lot.OwnerID && other.Key == lot.Key && other.ExternalCode == lot.ExternalCode {
			return true
		}
	}
	return false
}

func (t *tx) GetLotForUpdate(_ context.Context, ownerID, lotID int64) (stock.Lot, error) {
	lot, ok := t.st.lots[lotID]
	if !ok || lot.OwnerID != ownerID {
		return stock.Lot{}, stock.ErrLotNotFound
	}
	return lot, nil
}

func (t *tx) UpdateLot(_ context.Context, lot stock.Lot) error {
	current, ok := t.st.lots[lot.ID]
	if !ok || current.OwnerID != lot.OwnerID {
		return stock.ErrLotNotFound
	}
	if t.duplicateCode(lot) {
		return stock.ErrDuplicateLotCode
	}
	current.ReceivedQty = lot.ReceivedQty
	current.RemainingQty = lot.RemainingQty
	current.ReceivedDate = lot.ReceivedDate
	current.ExpiryDate = lot.ExpiryDate
	current.ExternalCode = lot.ExternalCode
	t.st.lots[lot.ID] = current
	return nil
}

func (t *tx) SoftDeleteLot(_ context.Context, ownerID, lotID int64, at time.Time) error {
	lot, ok := t.st.lots[lotID]
	if !ok || lot.OwnerID != ownerID || !lot.Active() {
		return stock.ErrLotNotFound
	}
	lot.DeletedAt = &at
	t.st.lots[lotID] = lot
	return nil
}

func (t *tx) LockActiveLots(_ context.Context, ownerID int64, key stock.IngredientKey) ([]stock.Lot, error) {
	return activeLots(t.st, ownerID, key, true), nil
}

func (t *tx) conflict() bool {
	if t.store.ConflictsLeft > 0 {
		t.store.ConflictsLeft--
		return true
	}
	return false
}

func (t *tx) DecrementLot(_ context.Context, ownerID, lotID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	lot, ok := t.st.lots[lotID]
	if !ok || lot.OwnerID != ownerID || !lot.Active() || lot.RemainingQty.LessThan(amount) || t.conflict() {
		return decimal.Zero, stock.ErrConditionFailed
	}
	lot.RemainingQty = lot.RemainingQty.Sub(amount)
	t.st.lots[lotID] = lot
	return lot.RemainingQty, nil
}

func (t *tx) IncrementLot(_ context.Context, ownerID, lotID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	lot, ok := t.st.lots[lotID]
	if !ok || lot.OwnerID != ownerID || lot.RemainingQty.Add(amount).GreaterThan(lot.ReceivedQty) {
		return decimal.Zero, stock.ErrConditionFailed
	}
	lot.RemainingQty = lot.RemainingQty.Add(amount)
	t.st.lots[lotID] = lot
	return lot.RemainingQty, nil
}

func (t *tx) InsertUsage(_ context.Context, rec stock.UsageRecord) (int64, error) {
	rec.ID = t.id()
	rec.CreatedAt = t.store.clock()
	t.st.usage[rec.ID] = rec
	return rec.ID, nil
}

func (t *tx) ListUsageByEvent(_ context.Context, ownerID int64, ref stock.EventRef) ([]stock.UsageRecord, error) {
	return usageByEvent(t.st, ownerID, ref), nil
}

func (t *tx) DeleteUsageByEvent(_ context.Context, ownerID int64, ref stock.EventRef) (int64, error) {
	var n int64
	for id, rec := range t.st.usage {
		if rec.OwnerID == ownerID && rec.Event == ref {
			delete(t.st.usage, id)
			n++
		}
	}
	return n, nil
}

func (t *tx) InsertProductionRun(_ context.Context, run stock.ProductionRun) (int64, error) {
	run.ID = t.id()
	run.CreatedAt = t.store.clock()
	t.st.runs[run.ID] = run
	return run.ID, nil
}

func (t *tx) GetRunForUpdate(_ context.Context, ownerID, runID int64) (stock.ProductionRun, error) {
	run, ok := t.st.runs[runID]
	if !ok || run.OwnerID != ownerID {
		return stock.ProductionRun{}, stock.ErrRunNotFound
	}
	return run, nil
}

func (t *tx) UpdateProductionRun(_ context.Context, run stock.ProductionRun) error {
	current, ok := t.st.runs[run.ID]
	if !ok || current.OwnerID != run.OwnerID {
		return stock.ErrRunNotFound
	}
	current.Waste = run.Waste
	current.ProducedQty = run.ProducedQty
	current.RemainingQty = run.RemainingQty
	current.ProducedAt = run.ProducedAt
	current.DeletedAt = run.DeletedAt
	t.st.runs[run.ID] = current
	return nil
}

func (t *tx) LockActiveBatches(_ context.Context, ownerID int64, key stock.IngredientKey) ([]stock.ProductionRun, error) {
	return activeRuns(t.st, ownerID, key, true), nil
}

func (t *tx) DecrementBatch(_ context.Context, ownerID, runID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	run, ok := t.st.runs[runID]
	if !ok || run.OwnerID != ownerID || !run.Active() || run.RemainingQty.LessThan(amount) || t.conflict() {
		return decimal.Zero, stock.ErrConditionFailed
	}
	run.RemainingQty = run.RemainingQty.Sub(amount)
	t.st.runs[runID] = run
	return run.RemainingQty, nil
}

func (t *tx) IncrementBatch(_ context.Context, ownerID, runID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	run, ok := t.st.runs[runID]
	if !ok || run.OwnerID != ownerID || run.RemainingQty.Add(amount).GreaterThan(run.ProducedQty) {
		return decimal.Zero, stock.ErrConditionFailed
	}
	run.RemainingQty = run.RemainingQty.Add(amount)
	t.st.runs[runID] = run
	return run.RemainingQty, nil
}

func (t *tx) InsertShipment(_ context.Context, sh stock.Shipment) (int64, error) {
	sh.ID = t.id()
	sh.CreatedAt = t.store.clock()
	t.st.shipments[sh.ID] = sh
	return sh.ID, nil
}

func (t *tx) GetShipment(_ context.Context, ownerID, shipmentID int64) (stock.Shipment, error) {
	sh, ok := t.st.shipments[shipmentID]
	if !ok || sh.OwnerID != ownerID {
		return stock.Shipment{}, stock.ErrShipmentNotFound
	}
	return sh, nil
}

func (t *tx) UpdateShipment(_ context.Context, sh stock.Shipment) error {
	current, ok := t.st.shipments[sh.ID]
	if !ok || current.OwnerID != sh.OwnerID {
		return stock.ErrShipmentNotFound
	}
	current.ShippedQty = sh.ShippedQty
	current.Shortfall = sh.Shortfall
	current.DeletedAt = sh.DeletedAt
	t.st.shipments[sh.ID] = current
	return nil
}

func (t *tx) ReplaceAggregates(_ context.Context, ownerID int64, kind stock.AggregateKind, rows []stock.AggregateRow) error {
	if t.store.FailAggregates != nil {
		return t.store.FailAggregates
	}
	present := make(map[stock.IngredientKey]struct{}, len(rows))
	for _, row := range rows {
		present[row.Key] = struct{}{}
	}
	now := t.store.clock()
	for k, row := range t.st.aggregates {
		if k.owner != ownerID || k.kind != kind {
			continue
		}
		if _, ok := present[k.key]; ok {
			continue
		}
		row.TotalOnHand = decimal.Zero
		row.LotID = nil
		row.ExternalCode = nil
		row.UpdatedAt = now
		t.st.aggregates[k] = row
	}
	for _, row := range rows {
		row.OwnerID = ownerID
		row.Kind = kind
		row.UpdatedAt = now
		t.st.aggregates[aggKey{owner: ownerID, kind: kind, key: row.Key}] = row
	}
	return nil
}

func activeLots(st *state, ownerID int64, key stock.IngredientKey, withStock bool) []stock.Lot {
	var out []stock.Lot
	for _, lot := range st.lots {
		if lot.OwnerID != ownerID || !lot.Active() {
			continue
		}
		if key != "" && lot.Key != key {
			continue
		}
		if withStock && !lot.RemainingQty.IsPositive() {
			continue
		}
		out = append(out, lot)
	}
	slices.SortFunc(out, func(a, b stock.Lot) int {
		return cmp.Or(
			cmp.Compare(a.Key, b.Key),
			a.ReceivedDate.Compare(b.ReceivedDate),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return out
}

func activeRuns(st *state, ownerID int64, key stock.IngredientKey, withStock bool) []stock.ProductionRun {
	var out []stock.ProductionRun
	for _, run := range st.runs {
		if run.OwnerID != ownerID || !run.Active() {
			continue
		}
		if key != "" && run.RecipeKey != key {
			continue
		}
		if withStock && !run.RemainingQty.IsPositive() {
			continue
		}
		out = append(out, run)
	}
	slices.SortFunc(out, func(a, b stock.ProductionRun) int {
		return cmp.Or(
			cmp.Compare(a.RecipeKey, b.RecipeKey),
			a.ProducedAt.Compare(b.ProducedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return out
}

func usageByEvent(st *state, ownerID int64, ref stock.EventRef) []stock.UsageRecord {
	var out []stock.UsageRecord
	for _, rec := range st.usage {
		if rec.OwnerID == ownerID && rec.Event == ref {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b stock.UsageRecord) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

var (
	_ stock.Store        = (*Store)(nil)
	_ stock.TxRepository = (*tx)(nil)
)
