package stock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/foodstock/internal/shared"
	"github.com/odyssey-erp/foodstock/internal/stock"
	"github.com/odyssey-erp/foodstock/internal/stock/memstore"
)

const owner = int64(1)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: map[string]string{}}
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (m *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

func (m *memoryAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.logs))
	for _, l := range m.logs {
		out = append(out, l.Action)
	}
	return out
}

type fixture struct {
	store *memstore.Store
	core  *stock.Core
	idem  *memoryIdempotency
	audit *memoryAudit
}

func newFixture(t *testing.T, mutate ...func(*stock.CoreConfig)) *fixture {
	t.Helper()
	store := memstore.New()
	f := &fixture{store: store, idem: newMemoryIdempotency(), audit: &memoryAudit{}}
	cfg := stock.CoreConfig{
		Audit:           f.audit,
		Idempotency:     f.idem,
		ConflictRetries: 3,
		TxTimeout:       time.Second,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	f.core = stock.NewCore(store, cfg)
	return f
}

// seedFlour loads the lots used by the FIFO scenarios: L1, L2 active and L3
// soft-deleted with more stock than both.
func (f *fixture) seedFlour(t *testing.T) (l1, l2, l3 int64) {
	t.Helper()
	deleted := date("2024-01-02")
	l1 = f.store.PutLot(stock.Lot{ID: 1, OwnerID: owner, Key: "flour/kg", Name: "Flour", Unit: "kg", ReceivedQty: dec("5"), RemainingQty: dec("5"), ReceivedDate: date("2024-01-01")})
	l2 = f.store.PutLot(stock.Lot{ID: 2, OwnerID: owner, Key: "flour/kg", Name: "Flour", Unit: "kg", ReceivedQty: dec("10"), RemainingQty: dec("10"), ReceivedDate: date("2024-01-05")})
	l3 = f.store.PutLot(stock.Lot{ID: 3, OwnerID: owner, Key: "flour/kg", Name: "Flour", Unit: "kg", ReceivedQty: dec("100"), RemainingQty: dec("100"), ReceivedDate: date("2023-12-01"), DeletedAt: &deleted})
	return l1, l2, l3
}

func (f *fixture) remaining(t *testing.T, lotID int64) decimal.Decimal {
	t.Helper()
	lot, err := f.core.Ledger.GetLot(context.Background(), owner, lotID)
	require.NoError(t, err)
	return lot.RemainingQty
}

func requireDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s got %s %v", want, got, msgAndArgs)
}

// requireConserved checks received - remaining equals the recorded draws of
// every lot of the owner.
func (f *fixture) requireConserved(t *testing.T) {
	t.Helper()
	drawn := map[int64]decimal.Decimal{}
	for group, err := range f.core.Usage.ListUsageForOwner(context.Background(), owner) {
		require.NoError(t, err)
		for _, line := range group.Lines {
			if line.SourceKind != stock.SourceLot {
				continue
			}
			require.True(t, line.Quantity.Valid)
			drawn[line.SourceID] = drawn[line.SourceID].Add(line.Quantity.Decimal)
		}
	}
	for _, lot := range f.store.Lots(owner) {
		require.False(t, lot.RemainingQty.IsNegative(), "lot %d negative", lot.ID)
		require.False(t, lot.RemainingQty.GreaterThan(lot.ReceivedQty), "lot %d overflow", lot.ID)
		requireDec(t, lot.Consumed().String(), drawn[lot.ID], "lot", lot.ID)
	}
}
