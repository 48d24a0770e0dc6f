package stock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Aggregator computes on-hand totals from lots and production runs.
type Aggregator struct {
	store  Reader
	cache  *Cache
	logger *slog.Logger
	group  singleflight.Group
}

// NewAggregator builds Aggregator. Cache may be nil.
func NewAggregator(store Reader, cache *Cache, logger *slog.Logger) *Aggregator {
	return &Aggregator{store: store, cache: cache, logger: logger}
}

// ComputeIngredientTotals returns per-ingredient totals over active lots.
func (a *Aggregator) ComputeIngredientTotals(ctx context.Context, ownerID int64) (map[IngredientKey]IngredientTotal, error) {
	if ownerID <= 0 {
		return nil, ErrOwnerRequired
	}
	v, err := a.shared(ctx, fmt.Sprintf("ingredients:%d", ownerID), func(ctx context.Context) (any, error) {
		var totals map[IngredientKey]IngredientTotal
		err := a.cache.FetchJSON(ctx, ownerID, "ingredients", &totals, func(ctx context.Context) (any, error) {
			lots, err := a.store.ListActiveLots(ctx, ownerID)
			if err != nil {
				return nil, err
			}
			return IngredientTotals(lots), nil
		})
		return totals, err
	})
	if err != nil {
		return nil, err
	}
	return v.(map[IngredientKey]IngredientTotal), nil
}

// ComputeRecipeTotals returns per-recipe produced but unshipped totals.
func (a *Aggregator) ComputeRecipeTotals(ctx context.Context, ownerID int64) (map[IngredientKey]RecipeTotal, error) {
	if ownerID <= 0 {
		return nil, ErrOwnerRequired
	}
	v, err := a.shared(ctx, fmt.Sprintf("recipes:%d", ownerID), func(ctx context.Context) (any, error) {
		var totals map[IngredientKey]RecipeTotal
		err := a.cache.FetchJSON(ctx, ownerID, "recipes", &totals, func(ctx context.Context) (any, error) {
			runs, err := a.store.ListActiveRuns(ctx, ownerID)
			if err != nil {
				return nil, err
			}
			return RecipeTotals(runs), nil
		})
		return totals, err
	})
	if err != nil {
		return nil, err
	}
	return v.(map[IngredientKey]RecipeTotal), nil
}

// Snapshot computes both views concurrently.
func (a *Aggregator) Snapshot(ctx context.Context, ownerID int64) (Snapshot, error) {
	snap := Snapshot{OwnerID: ownerID}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		totals, err := a.ComputeIngredientTotals(gctx, ownerID)
		snap.Ingredients = totals
		return err
	})
	g.Go(func() error {
		totals, err := a.ComputeRecipeTotals(gctx, ownerID)
		snap.Recipes = totals
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// sharedLoadTimeout bounds a load that no caller can cancel.
const sharedLoadTimeout = 30 * time.Second

// shared runs fn once per key for concurrent callers. The load is detached
// from the first caller's cancellation so other waiters still get a result;
// each caller stops waiting on its own ctx.
func (a *Aggregator) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	resultChan := a.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLoadTimeout)
		defer cancel()
		return fn(loadCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultChan:
		if res.Shared {
			a.log().Debug("stock totals shared", slog.String("key", key))
		}
		return res.Val, res.Err
	}
}

func (a *Aggregator) log() *slog.Logger {
	if a != nil && a.logger != nil {
		return a.logger
	}
	return slog.Default()
}

// IngredientTotals sums remaining quantity of active lots per key and picks
// the representative lot: earliest expiry (missing expiry last), then
// earliest received date, then lowest id, among lots with stock left.
func IngredientTotals(lots []Lot) map[IngredientKey]IngredientTotal {
	totals := make(map[IngredientKey]IngredientTotal)
	reps := make(map[IngredientKey]Lot)
	for _, lot := range lots {
		if !lot.Active() {
			continue
		}
		t, ok := totals[lot.Key]
		if !ok {
			t = IngredientTotal{Key: lot.Key, Name: lot.Name, Unit: lot.Unit, TotalOnHand: decimal.Zero}
		}
		t.TotalOnHand = t.TotalOnHand.Add(lot.RemainingQty)
		t.ActiveLots++
		totals[lot.Key] = t
		if lot.RemainingQty.IsPositive() {
			if cur, ok := reps[lot.Key]; !ok || representativeBefore(lot, cur) {
				reps[lot.Key] = lot
			}
		}
	}
	for key, lot := range reps {
		t := totals[key]
		t.Representative = &LotRef{ID: lot.ID, ExternalCode: lot.ExternalCode, ReceivedDate: lot.ReceivedDate, ExpiryDate: lot.ExpiryDate}
		totals[key] = t
	}
	return totals
}

// RecipeTotals sums remaining output of active production runs per recipe.
func RecipeTotals(runs []ProductionRun) map[IngredientKey]RecipeTotal {
	totals := make(map[IngredientKey]RecipeTotal)
	for _, run := range runs {
		if !run.Active() {
			continue
		}
		t, ok := totals[run.RecipeKey]
		if !ok {
			t = RecipeTotal{Key: run.RecipeKey, RecipeID: run.RecipeID, Name: run.RecipeName, Unit: run.Unit, TotalOnHand: decimal.Zero}
		}
		t.TotalOnHand = t.TotalOnHand.Add(run.RemainingQty)
		t.ActiveRuns++
		totals[run.RecipeKey] = t
	}
	return totals
}

func representativeBefore(a, b Lot) bool {
	switch {
	case a.ExpiryDate != nil && b.ExpiryDate == nil:
		return true
	case a.ExpiryDate == nil && b.ExpiryDate != nil:
		return false
	case a.ExpiryDate != nil && b.ExpiryDate != nil && !a.ExpiryDate.Equal(*b.ExpiryDate):
		return a.ExpiryDate.Before(*b.ExpiryDate)
	}
	if !a.ReceivedDate.Equal(b.ReceivedDate) {
		return a.ReceivedDate.Before(b.ReceivedDate)
	}
	return a.ID < b.ID
}

func ingredientRows(ownerID int64, totals map[IngredientKey]IngredientTotal, now time.Time) []AggregateRow {
	rows := make([]AggregateRow, 0, len(totals))
	for _, t := range totals {
		row := AggregateRow{
			OwnerID:     ownerID,
			Kind:        AggregateIngredient,
			Key:         t.Key,
			Name:        t.Name,
			Unit:        t.Unit,
			TotalOnHand: t.TotalOnHand,
			UpdatedAt:   now,
		}
		if t.Representative != nil {
			id := t.Representative.ID
			row.LotID = &id
			if t.Representative.ExternalCode != "" {
				code := t.Representative.ExternalCode
				row.ExternalCode = &code
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func recipeRows(ownerID int64, totals map[IngredientKey]RecipeTotal, now time.Time) []AggregateRow {
	rows := make([]AggregateRow, 0, len(totals))
	for _, t := range totals {
		rows = append(rows, AggregateRow{
			OwnerID:     ownerID,
			Kind:        AggregateRecipe,
			Key:         t.Key,
			Name:        t.Name,
			Unit:        t.Unit,
			TotalOnHand: t.TotalOnHand,
			UpdatedAt:   now,
		})
	}
	return rows
}
