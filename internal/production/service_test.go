package production_test

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/foodstock/internal/production"
	"github.com/odyssey-erp/foodstock/internal/shared"
	"github.com/odyssey-erp/foodstock/internal/stock"
	"github.com/odyssey-erp/foodstock/internal/stock/memstore"
)

const owner = int64(1)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

type memoryRecipes struct {
	mu      sync.Mutex
	nextID  int64
	recipes map[int64]production.Recipe
}

func (m *memoryRecipes) CreateRecipe(_ context.Context, recipe production.Recipe) (production.Recipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.recipes {
		if existing.OwnerID == recipe.OwnerID && existing.Key == recipe.Key {
			return production.Recipe{}, production.ErrDuplicateRecipe
		}
	}
	m.nextID++
	recipe.ID = m.nextID
	m.recipes[recipe.ID] = recipe
	return recipe, nil
}

func (m *memoryRecipes) GetRecipe(_ context.Context, ownerID, recipeID int64) (production.Recipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recipe, ok := m.recipes[recipeID]
	if !ok || recipe.OwnerID != ownerID {
		return production.Recipe{}, production.ErrRecipeNotFound
	}
	return recipe, nil
}

func (m *memoryRecipes) ListRecipes(_ context.Context, ownerID int64) ([]production.Recipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []production.Recipe
	for _, recipe := range m.recipes {
		if recipe.OwnerID == ownerID {
			out = append(out, recipe)
		}
	}
	slices.SortFunc(out, func(a, b production.Recipe) int { return int(a.ID - b.ID) })
	return out, nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type env struct {
	store   *memstore.Store
	core    *stock.Core
	service *production.Service
	idem    *memoryIdempotency
}

func newEnv(t *testing.T, mutate ...func(*stock.CoreConfig)) *env {
	t.Helper()
	store := memstore.New()
	idem := &memoryIdempotency{keys: map[string]bool{}}
	cfg := stock.CoreConfig{Idempotency: idem, ConflictRetries: 2, TxTimeout: time.Second}
	for _, fn := range mutate {
		fn(&cfg)
	}
	core := stock.NewCore(store, cfg)
	svc := production.NewService(&memoryRecipes{recipes: map[int64]production.Recipe{}}, core, production.ServiceConfig{Idempotency: idem})
	svc.WithClock(func() time.Time { return day("2024-03-01") })
	return &env{store: store, core: core, service: svc, idem: idem}
}

// seed loads flour (5 + 10 kg) and salt (1 kg) and a bread recipe drawing
// 2 kg flour and 0.1 kg salt per batch of 10 loaves.
func (e *env) seed(t *testing.T) production.Recipe {
	t.Helper()
	e.store.PutLot(stock.Lot{ID: 1, OwnerID: owner, Key: "flour/kg", Name: "Flour", Unit: "kg", ReceivedQty: dec("5"), RemainingQty: dec("5"), ReceivedDate: day("2024-01-01")})
	e.store.PutLot(stock.Lot{ID: 2, OwnerID: owner, Key: "flour/kg", Name: "Flour", Unit: "kg", ReceivedQty: dec("10"), RemainingQty: dec("10"), ReceivedDate: day("2024-01-05")})
	e.store.PutLot(stock.Lot{ID: 3, OwnerID: owner, Key: "salt/kg", Name: "Salt", Unit: "kg", ReceivedQty: dec("1"), RemainingQty: dec("1"), ReceivedDate: day("2024-01-02")})
	recipe, err := e.service.CreateRecipe(context.Background(), production.RecipeInput{
		OwnerID:       owner,
		Name:          "Bread",
		Unit:          "loaf",
		UnitsPerBatch: dec("10"),
		Lines: []production.RecipeLineInput{
			{Name: " Flour ", Unit: "KG", QuantityPerBatch: dec("2")},
			{Name: "Salt", Unit: "kg", QuantityPerBatch: dec("0.1")},
		},
	})
	require.NoError(t, err)
	return recipe
}

func (e *env) remaining(t *testing.T, lotID int64) decimal.Decimal {
	t.Helper()
	lot, err := e.core.Ledger.GetLot(context.Background(), owner, lotID)
	require.NoError(t, err)
	return lot.RemainingQty
}

func requireDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s got %s", want, got)
}

func TestCreateRecipeNormalisesAndMergesLines(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	recipe, err := e.service.CreateRecipe(ctx, production.RecipeInput{
		OwnerID:       owner,
		Name:          "Scones",
		Unit:          "pc",
		UnitsPerBatch: dec("12"),
		Lines: []production.RecipeLineInput{
			{Name: "Butter", Unit: "g", QuantityPerBatch: dec("100")},
			{Name: "butter ", Unit: "G", QuantityPerBatch: dec("25")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, stock.IngredientKey("scones/pc"), recipe.Key)
	require.Len(t, recipe.Lines, 1)
	requireDec(t, "125", recipe.Lines[0].QuantityPerBatch)

	_, err = e.service.CreateRecipe(ctx, production.RecipeInput{OwnerID: owner, Name: "Empty", Unit: "pc", UnitsPerBatch: dec("1")})
	require.ErrorIs(t, err, production.ErrInvalidRecipe)

	_, err = e.service.CreateRecipe(ctx, production.RecipeInput{
		OwnerID: owner, Name: "Bad", Unit: "pc", UnitsPerBatch: dec("1"),
		Lines: []production.RecipeLineInput{{Name: "Flour", Unit: "kg", QuantityPerBatch: dec("0")}},
	})
	require.ErrorIs(t, err, stock.ErrInvalidQuantity)

	_, err = e.service.GetRecipe(ctx, owner, 999)
	require.ErrorIs(t, err, stock.ErrNotFound)
}

func TestRecordRunDrawsIngredientsFIFO(t *testing.T) {
	e := newEnv(t)
	recipe := e.seed(t)

	result, err := e.service.RecordRun(context.Background(), production.RunInput{
		OwnerID:    owner,
		RecipeID:   recipe.ID,
		BatchCount: dec("3"),
		Waste:      dec("2"),
	})
	require.NoError(t, err)
	require.Empty(t, result.Shortfalls)
	requireDec(t, "28", result.Run.ProducedQty)
	requireDec(t, "28", result.Run.RemainingQty)
	require.Equal(t, day("2024-03-01"), result.Run.ProducedAt)

	requireDec(t, "0", e.remaining(t, 1))
	requireDec(t, "9", e.remaining(t, 2))
	requireDec(t, "0.7", e.remaining(t, 3))

	usage := e.store.UsageByEvent(owner, stock.EventRef{Kind: stock.EventProduction, ID: result.Run.ID})
	require.Len(t, usage, 3)

	rows, err := e.core.Store.ListAggregates(context.Background(), owner, stock.AggregateRecipe)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	requireDec(t, "28", rows[0].TotalOnHand)
}

func TestRecordRunPartialReportsShortfall(t *testing.T) {
	e := newEnv(t)
	recipe := e.seed(t)

	result, err := e.service.RecordRun(context.Background(), production.RunInput{
		OwnerID:    owner,
		RecipeID:   recipe.ID,
		BatchCount: dec("10"),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"shortfall of 5 kg for ingredient flour"}, result.Shortfalls)
	requireDec(t, "0", e.remaining(t, 1))
	requireDec(t, "0", e.remaining(t, 2))
	requireDec(t, "0", e.remaining(t, 3))
}

func TestRecordRunStrictRollsBack(t *testing.T) {
	e := newEnv(t)
	recipe := e.seed(t)
	in := production.RunInput{
		OwnerID:        owner,
		RecipeID:       recipe.ID,
		BatchCount:     dec("10"),
		Strict:         true,
		IdempotencyKey: "9b2a1f40-7c55-4e6a-8b1d-2f3c4d5e6f70",
	}

	_, err := e.service.RecordRun(context.Background(), in)
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	requireDec(t, "5", e.remaining(t, 1))
	requireDec(t, "10", e.remaining(t, 2))
	requireDec(t, "1", e.remaining(t, 3))

	runs, err := e.service.ListRuns(context.Background(), owner)
	require.NoError(t, err)
	require.Empty(t, runs)

	in.BatchCount = dec("1")
	_, err = e.service.RecordRun(context.Background(), in)
	require.NoError(t, err)
	_, err = e.service.RecordRun(context.Background(), in)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
}

func TestRecordRunRejectsWasteAboveOutput(t *testing.T) {
	e := newEnv(t)
	recipe := e.seed(t)
	_, err := e.service.RecordRun(context.Background(), production.RunInput{
		OwnerID: owner, RecipeID: recipe.ID, BatchCount: dec("1"), Waste: dec("11"),
	})
	require.ErrorIs(t, err, production.ErrWasteExceedsOutput)
	requireDec(t, "5", e.remaining(t, 1))
}

func TestRecordRunRoundsToStoredScale(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.store.PutLot(stock.Lot{ID: 1, OwnerID: owner, Key: "sugar/kg", Name: "Sugar", Unit: "kg", ReceivedQty: dec("2"), RemainingQty: dec("2"), ReceivedDate: day("2024-01-01")})
	recipe, err := e.service.CreateRecipe(ctx, production.RecipeInput{
		OwnerID: owner, Name: "Syrup", Unit: "l", UnitsPerBatch: dec("0.3333"),
		Lines: []production.RecipeLineInput{{Name: "Sugar", Unit: "kg", QuantityPerBatch: dec("0.3333")}},
	})
	require.NoError(t, err)

	// 0.3333 * 1.5 = 0.49995 does not fit NUMERIC(18,4).
	result, err := e.service.RecordRun(ctx, production.RunInput{OwnerID: owner, RecipeID: recipe.ID, BatchCount: dec("1.5")})
	require.NoError(t, err)
	require.Len(t, result.Allocations, 1)
	requireDec(t, "0.5", result.Allocations[0].TotalDeducted)
	requireDec(t, "0.4999", result.Run.ProducedQty)
	requireDec(t, "1.5", e.remaining(t, 1))

	drawn := decimal.Zero
	for _, rec := range e.store.UsageByEvent(owner, stock.EventRef{Kind: stock.EventProduction, ID: result.Run.ID}) {
		require.True(t, rec.Quantity.Valid)
		drawn = drawn.Add(rec.Quantity.Decimal)
	}
	requireDec(t, "0.5", drawn)
	requireDec(t, "2", e.remaining(t, 1).Add(drawn))

	_, err = e.service.RecordRun(ctx, production.RunInput{OwnerID: owner, RecipeID: recipe.ID, BatchCount: dec("1.23456")})
	require.ErrorIs(t, err, stock.ErrInvalidQuantity)
	_, err = e.service.RecordRun(ctx, production.RunInput{OwnerID: owner, RecipeID: recipe.ID, BatchCount: dec("1"), Waste: dec("0.00001")})
	require.ErrorIs(t, err, stock.ErrInvalidQuantity)
	_, err = e.service.RecordShipment(ctx, production.ShipmentInput{OwnerID: owner, RecipeID: recipe.ID, Quantity: dec("0.00001")})
	require.ErrorIs(t, err, stock.ErrInvalidQuantity)
	requireDec(t, "1.5", e.remaining(t, 1))

	_, err = e.service.CreateRecipe(ctx, production.RecipeInput{
		OwnerID: owner, Name: "Glaze", Unit: "l", UnitsPerBatch: dec("1"),
		Lines: []production.RecipeLineInput{{Name: "Sugar", Unit: "kg", QuantityPerBatch: dec("0.00001")}},
	})
	require.ErrorIs(t, err, stock.ErrInvalidQuantity)
	_, err = e.service.CreateRecipe(ctx, production.RecipeInput{
		OwnerID: owner, Name: "Glaze", Unit: "l", UnitsPerBatch: dec("0.12345"),
		Lines: []production.RecipeLineInput{{Name: "Sugar", Unit: "kg", QuantityPerBatch: dec("1")}},
	})
	require.ErrorIs(t, err, stock.ErrInvalidQuantity)
}

func allocationCount(t *testing.T, reg *prometheus.Registry, source, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != "foodstock_allocations_total" {
			continue
		}
		for _, m := range fam.GetMetric() {
			labels := map[string]string{}
			for _, label := range m.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}
			if labels["source"] == source && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestAllocationMetricsCountCommittedWorkOnly(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := newEnv(t, func(cfg *stock.CoreConfig) { cfg.Metrics = stock.NewMetrics(reg) })
	bread := e.seed(t)
	ctx := context.Background()

	// Flour is covered, salt is not: the flour draw is rolled back with the run.
	mix, err := e.service.CreateRecipe(ctx, production.RecipeInput{
		OwnerID: owner, Name: "Pretzel", Unit: "pc", UnitsPerBatch: dec("4"),
		Lines: []production.RecipeLineInput{
			{Name: "Flour", Unit: "kg", QuantityPerBatch: dec("1")},
			{Name: "Salt", Unit: "kg", QuantityPerBatch: dec("0.5")},
		},
	})
	require.NoError(t, err)
	_, err = e.service.RecordRun(ctx, production.RunInput{OwnerID: owner, RecipeID: mix.ID, BatchCount: dec("3"), Strict: true})
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	requireDec(t, "5", e.remaining(t, 1))
	require.Zero(t, allocationCount(t, reg, "lot", "full"))
	require.Equal(t, float64(1), allocationCount(t, reg, "lot", "rejected"))

	run := e.run(t, bread.ID, "1", day("2024-02-01"))
	require.Equal(t, float64(2), allocationCount(t, reg, "lot", "full"))

	_, err = e.service.RecordShipment(ctx, production.ShipmentInput{OwnerID: owner, RecipeID: bread.ID, Quantity: dec("4")})
	require.NoError(t, err)
	_, err = e.service.RecordShipment(ctx, production.ShipmentInput{OwnerID: owner, RecipeID: bread.ID, Quantity: dec("20"), Strict: true})
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	require.Equal(t, float64(1), allocationCount(t, reg, "batch", "full"))
	require.Equal(t, float64(1), allocationCount(t, reg, "batch", "rejected"))

	got, ok := e.store.Run(run.ID)
	require.True(t, ok)
	requireDec(t, "6", got.RemainingQty)
}

func (e *env) run(t *testing.T, recipeID int64, batches string, at time.Time) stock.ProductionRun {
	t.Helper()
	result, err := e.service.RecordRun(context.Background(), production.RunInput{
		OwnerID: owner, RecipeID: recipeID, BatchCount: dec(batches), ProducedAt: at,
	})
	require.NoError(t, err)
	return result.Run
}

func TestRecordShipmentDrawsBatchesFIFO(t *testing.T) {
	e := newEnv(t)
	recipe := e.seed(t)
	newer := e.run(t, recipe.ID, "1", day("2024-02-10"))
	older := e.run(t, recipe.ID, "1", day("2024-02-01"))

	result, err := e.service.RecordShipment(context.Background(), production.ShipmentInput{
		OwnerID: owner, RecipeID: recipe.ID, Quantity: dec("14"), Reference: "PO-1",
	})
	require.NoError(t, err)
	require.Empty(t, result.Message)
	requireDec(t, "14", result.Shipment.ShippedQty)
	require.Len(t, result.Allocation.Lines, 2)
	require.Equal(t, older.ID, result.Allocation.Lines[0].SourceID)
	requireDec(t, "10", result.Allocation.Lines[0].Quantity)
	require.Equal(t, newer.ID, result.Allocation.Lines[1].SourceID)

	got, ok := e.store.Run(newer.ID)
	require.True(t, ok)
	requireDec(t, "6", got.RemainingQty)

	partial, err := e.service.RecordShipment(context.Background(), production.ShipmentInput{
		OwnerID: owner, RecipeID: recipe.ID, Quantity: dec("10"),
	})
	require.NoError(t, err)
	requireDec(t, "6", partial.Shipment.ShippedQty)
	requireDec(t, "4", partial.Shipment.Shortfall)
	require.Equal(t, "shortfall of 4 loaf for recipe bread", partial.Message)

	rows, err := e.core.Store.ListAggregates(context.Background(), owner, stock.AggregateRecipe)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	requireDec(t, "0", rows[0].TotalOnHand)
}

func TestDeleteShipmentRestoresBatches(t *testing.T) {
	e := newEnv(t)
	recipe := e.seed(t)
	run := e.run(t, recipe.ID, "1", day("2024-02-01"))
	result, err := e.service.RecordShipment(context.Background(), production.ShipmentInput{
		OwnerID: owner, RecipeID: recipe.ID, Quantity: dec("4"),
	})
	require.NoError(t, err)

	require.NoError(t, e.service.DeleteShipment(context.Background(), owner, result.Shipment.ID, true))
	got, _ := e.store.Run(run.ID)
	requireDec(t, "10", got.RemainingQty)
	require.Empty(t, e.store.UsageByEvent(owner, stock.EventRef{Kind: stock.EventShipment, ID: result.Shipment.ID}))

	err = e.service.DeleteShipment(context.Background(), owner, result.Shipment.ID, true)
	require.ErrorIs(t, err, stock.ErrNotFound)
}

func TestDeleteRunOptionallyRestoresIngredients(t *testing.T) {
	e := newEnv(t)
	recipe := e.seed(t)
	kept := e.run(t, recipe.ID, "1", day("2024-02-01"))
	restored := e.run(t, recipe.ID, "1", day("2024-02-02"))
	requireDec(t, "0.8", e.remaining(t, 3))

	require.NoError(t, e.service.DeleteRun(context.Background(), owner, kept.ID, false))
	requireDec(t, "0.8", e.remaining(t, 3))

	require.NoError(t, e.service.DeleteRun(context.Background(), owner, restored.ID, true))
	requireDec(t, "0.9", e.remaining(t, 3))
	requireDec(t, "3", e.remaining(t, 1))

	runs, err := e.service.ListRuns(context.Background(), owner)
	require.NoError(t, err)
	require.Empty(t, runs)

	rows, err := e.core.Store.ListAggregates(context.Background(), owner, stock.AggregateIngredient)
	require.NoError(t, err)
	for _, row := range rows {
		if row.Key == "salt/kg" {
			requireDec(t, "0.9", row.TotalOnHand)
		}
	}
}

func TestEditRunKeepsShippedQuantity(t *testing.T) {
	e := newEnv(t)
	recipe := e.seed(t)
	run := e.run(t, recipe.ID, "1", day("2024-02-01"))
	_, err := e.service.RecordShipment(context.Background(), production.ShipmentInput{
		OwnerID: owner, RecipeID: recipe.ID, Quantity: dec("6"),
	})
	require.NoError(t, err)

	waste := dec("3")
	edited, err := e.service.EditRun(context.Background(), owner, run.ID, production.RunEdit{Waste: &waste})
	require.NoError(t, err)
	requireDec(t, "7", edited.ProducedQty)
	requireDec(t, "1", edited.RemainingQty)

	tooMuch := dec("5")
	_, err = e.service.EditRun(context.Background(), owner, run.ID, production.RunEdit{Waste: &tooMuch})
	require.ErrorIs(t, err, production.ErrInvalidRunEdit)

	overflow := dec("8")
	_, err = e.service.EditRun(context.Background(), owner, run.ID, production.RunEdit{Remaining: &overflow})
	require.ErrorIs(t, err, stock.ErrInvalidQuantity)

	rows, err := e.core.Store.ListAggregates(context.Background(), owner, stock.AggregateRecipe)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	requireDec(t, "1", rows[0].TotalOnHand)

	_, err = e.service.EditRun(context.Background(), owner, 404, production.RunEdit{Waste: &waste})
	require.ErrorIs(t, err, stock.ErrNotFound)
}
