package stock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/foodstock/internal/shared"
	"github.com/odyssey-erp/foodstock/internal/stock"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	err   error
	calls []stock.AggregateKind
}

func (e *recordingEnqueuer) EnqueueReconcile(_ context.Context, _ int64, kind stock.AggregateKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, kind)
	return e.err
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name, kind string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "kind" && label.GetValue() == kind {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return -1
}

func TestReconcileIngredientMatchesComputedTotals(t *testing.T) {
	f := newFixture(t)
	f.seedFlour(t)
	ctx := context.Background()
	f.store.PutLot(stock.Lot{OwnerID: owner, Key: "salt/g", Name: "Salt", Unit: "g", ReceivedQty: dec("250"), RemainingQty: dec("120.5"), ReceivedDate: date("2024-01-03"), ExternalCode: "S-9"})

	_, err := f.core.Allocator.Allocate(ctx, stock.AllocateInput{OwnerID: owner, Key: "flour/kg", Quantity: dec("6"), Event: stock.EventRef{Kind: stock.EventProduction, ID: 1}})
	require.NoError(t, err)

	require.NoError(t, f.core.Reconciler.ReconcileIngredient(ctx, owner))
	totals, err := f.core.Aggregator.ComputeIngredientTotals(ctx, owner)
	require.NoError(t, err)
	rows, err := f.core.Store.ListAggregates(ctx, owner, stock.AggregateIngredient)
	require.NoError(t, err)

	require.Len(t, rows, len(totals))
	for _, row := range rows {
		want, ok := totals[row.Key]
		require.True(t, ok)
		require.True(t, want.TotalOnHand.Equal(row.TotalOnHand), "key %s", row.Key)
		require.NotNil(t, row.LotID)
		require.Equal(t, want.Representative.ID, *row.LotID)
	}
}

func TestReconcileZeroesKeysWithoutActiveLots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot, err := f.core.Ledger.CreateLot(ctx, stock.LotInput{OwnerID: owner, Name: "Yeast", Unit: "g", Quantity: dec("50"), ExternalCode: "Y-1"})
	require.NoError(t, err)

	rows, err := f.core.Store.ListAggregates(ctx, owner, stock.AggregateIngredient)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	requireDec(t, "50", rows[0].TotalOnHand)
	require.Equal(t, "Y-1", *rows[0].ExternalCode)

	require.NoError(t, f.core.Ledger.SoftDeleteLot(ctx, owner, lot.ID))

	rows, err = f.core.Store.ListAggregates(ctx, owner, stock.AggregateIngredient)
	require.NoError(t, err)
	require.Len(t, rows, 1, "row is kept for its unit metadata")
	require.True(t, rows[0].TotalOnHand.IsZero())
	require.Nil(t, rows[0].LotID)
	require.Nil(t, rows[0].ExternalCode)
	require.Equal(t, "g", rows[0].Unit)
}

func TestReconcileFailureDoesNotRollBackEdit(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := stock.NewMetrics(reg)
	f := newFixture(t, func(cfg *stock.CoreConfig) { cfg.Metrics = metrics })
	l1, _, _ := f.seedFlour(t)
	ctx := context.Background()
	f.store.FailAggregates = errors.New("aggregate table locked")

	received := dec("6")
	lot, err := f.core.Ledger.UpdateLot(ctx, owner, l1, stock.LotUpdate{ReceivedQty: &received})
	require.NoError(t, err)
	requireDec(t, "6", lot.RemainingQty)
	requireDec(t, "6", f.remaining(t, l1))
	require.Equal(t, float64(1), gaugeValue(t, reg, "foodstock_aggregates_degraded", "ingredient"))

	err = f.core.Reconciler.ReconcileIngredient(ctx, owner)
	require.ErrorIs(t, err, stock.ErrReconciliation)
	var rerr *stock.ReconciliationError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, stock.AggregateIngredient, rerr.Kind)

	f.store.FailAggregates = nil
	require.NoError(t, f.core.Reconciler.ReconcileIngredient(ctx, owner))
	require.Equal(t, float64(0), gaugeValue(t, reg, "foodstock_aggregates_degraded", "ingredient"))
}

func TestAsyncReconcileEnqueuesAndFallsBack(t *testing.T) {
	enq := &recordingEnqueuer{}
	f := newFixture(t, func(cfg *stock.CoreConfig) {
		cfg.ReconcileMode = stock.ReconcileAsync
		cfg.Enqueuer = enq
	})
	ctx := context.Background()

	_, err := f.core.Ledger.CreateLot(ctx, stock.LotInput{OwnerID: owner, Name: "Oil", Unit: "l", Quantity: dec("3")})
	require.NoError(t, err)
	require.Equal(t, []stock.AggregateKind{stock.AggregateIngredient}, enq.calls)
	rows, err := f.core.Store.ListAggregates(ctx, owner, stock.AggregateIngredient)
	require.NoError(t, err)
	require.Empty(t, rows, "async mode leaves the refresh to the worker")

	enq.err = errors.New("queue down")
	_, err = f.core.Ledger.CreateLot(ctx, stock.LotInput{OwnerID: owner, Name: "Oil", Unit: "l", Quantity: dec("2")})
	require.NoError(t, err)
	rows, err = f.core.Store.ListAggregates(ctx, owner, stock.AggregateIngredient)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	requireDec(t, "5", rows[0].TotalOnHand)
}

func TestReconcileWaitsForRedisLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := redislock.New(client)

	f := newFixture(t, func(cfg *stock.CoreConfig) { cfg.Locker = locker })
	f.seedFlour(t)
	ctx := context.Background()

	held, err := locker.Obtain(ctx, shared.ReconcileLockKey(owner, string(stock.AggregateIngredient)), time.Minute, nil)
	require.NoError(t, err)
	released := make(chan struct{})
	go func() {
		defer close(released)
		time.Sleep(150 * time.Millisecond)
		_ = held.Release(ctx)
	}()

	require.NoError(t, f.core.Reconciler.ReconcileIngredient(ctx, owner))
	<-released
	rows, err := f.core.Store.ListAggregates(ctx, owner, stock.AggregateIngredient)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	requireDec(t, "15", rows[0].TotalOnHand)
}

func TestReconcileAllCoversEveryOwner(t *testing.T) {
	f := newFixture(t)
	f.seedFlour(t)
	f.store.PutLot(stock.Lot{OwnerID: 2, Key: "rice/kg", Name: "Rice", Unit: "kg", ReceivedQty: dec("3"), RemainingQty: dec("3"), ReceivedDate: date("2024-01-01")})

	n, err := f.core.Reconciler.ReconcileAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	rows, err := f.core.Store.ListAggregates(context.Background(), 2, stock.AggregateIngredient)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestReconcileRecipeSumsActiveRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deleted := date("2024-02-03")
	require.NoError(t, f.store.WithTx(ctx, func(ctx context.Context, tx stock.TxRepository) error {
		for _, run := range []stock.ProductionRun{
			{OwnerID: owner, RecipeID: 4, RecipeKey: "bread/loaf", RecipeName: "Bread", Unit: "loaf", ProducedQty: dec("20"), RemainingQty: dec("12"), ProducedAt: date("2024-02-01")},
			{OwnerID: owner, RecipeID: 4, RecipeKey: "bread/loaf", RecipeName: "Bread", Unit: "loaf", ProducedQty: dec("10"), RemainingQty: dec("10"), ProducedAt: date("2024-02-02")},
			{OwnerID: owner, RecipeID: 4, RecipeKey: "bread/loaf", RecipeName: "Bread", Unit: "loaf", ProducedQty: dec("30"), RemainingQty: dec("30"), ProducedAt: date("2024-02-03"), DeletedAt: &deleted},
		} {
			if _, err := tx.InsertProductionRun(ctx, run); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, f.core.Reconciler.ReconcileRecipe(ctx, owner))
	rows, err := f.core.Store.ListAggregates(ctx, owner, stock.AggregateRecipe)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, stock.IngredientKey("bread/loaf"), rows[0].Key)
	requireDec(t, "22", rows[0].TotalOnHand)
}
