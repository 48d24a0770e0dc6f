package production

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodstock/internal/shared"
	"github.com/odyssey-erp/foodstock/internal/stock"
)

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Audit       stock.AuditPort
	Idempotency stock.IdempotencyPort
	Logger      *slog.Logger
}

// Service records production runs and shipments against the stock core.
type Service struct {
	recipes RecipeStore
	core    *stock.Core
	cfg     ServiceConfig
	clock   func() time.Time
}

// NewService wires the production collaborator.
func NewService(recipes RecipeStore, core *stock.Core, cfg ServiceConfig) *Service {
	return &Service{
		recipes: recipes,
		core:    core,
		cfg:     cfg,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// CreateRecipe validates and stores a recipe.
func (s *Service) CreateRecipe(ctx context.Context, in RecipeInput) (Recipe, error) {
	if in.OwnerID <= 0 {
		return Recipe{}, stock.ErrOwnerRequired
	}
	key, err := stock.NormalizeKey(in.Name, in.Unit)
	if err != nil {
		return Recipe{}, err
	}
	if !in.UnitsPerBatch.IsPositive() || len(in.Lines) == 0 {
		return Recipe{}, ErrInvalidRecipe
	}
	if err := stock.CheckScale(in.UnitsPerBatch); err != nil {
		return Recipe{}, err
	}
	recipe := Recipe{
		OwnerID:       in.OwnerID,
		Key:           key,
		Name:          strings.TrimSpace(in.Name),
		Unit:          strings.TrimSpace(in.Unit),
		UnitsPerBatch: in.UnitsPerBatch,
	}
	seen := make(map[stock.IngredientKey]int, len(in.Lines))
	for _, line := range in.Lines {
		lineKey, err := stock.NormalizeKey(line.Name, line.Unit)
		if err != nil {
			return Recipe{}, err
		}
		if err := stock.CheckQuantity(line.QuantityPerBatch); err != nil {
			return Recipe{}, fmt.Errorf("ingredient %s: %w", lineKey, err)
		}
		if idx, ok := seen[lineKey]; ok {
			recipe.Lines[idx].QuantityPerBatch = recipe.Lines[idx].QuantityPerBatch.Add(line.QuantityPerBatch)
			continue
		}
		seen[lineKey] = len(recipe.Lines)
		recipe.Lines = append(recipe.Lines, RecipeLine{
			Key:              lineKey,
			Name:             strings.TrimSpace(line.Name),
			Unit:             strings.TrimSpace(line.Unit),
			QuantityPerBatch: line.QuantityPerBatch,
		})
	}
	created, err := s.recipes.CreateRecipe(ctx, recipe)
	if err != nil {
		return Recipe{}, err
	}
	s.record(ctx, created.OwnerID, "production:recipe_create", "recipe", created.ID, map[string]any{"key": string(created.Key), "lines": len(created.Lines)})
	return created, nil
}

// GetRecipe loads a recipe of the owner.
func (s *Service) GetRecipe(ctx context.Context, ownerID, recipeID int64) (Recipe, error) {
	recipe, err := s.recipes.GetRecipe(ctx, ownerID, recipeID)
	if errors.Is(err, ErrRecipeNotFound) {
		return Recipe{}, &stock.NotFoundError{Diagnostics: stock.Diagnostics{OwnerID: ownerID}, Entity: "recipe", ID: recipeID}
	}
	return recipe, err
}

// ListRecipes returns every recipe of the owner.
func (s *Service) ListRecipes(ctx context.Context, ownerID int64) ([]Recipe, error) {
	if ownerID <= 0 {
		return nil, stock.ErrOwnerRequired
	}
	return s.recipes.ListRecipes(ctx, ownerID)
}

// RecordRun stores a production run and draws quantityPerBatch * batchCount
// of every recipe line in the same transaction. The run yields
// batchCount * unitsPerBatch - waste units for later shipments. Draws round
// up and output rounds down to the stored scale.
func (s *Service) RecordRun(ctx context.Context, in RunInput) (RunResult, error) {
	if err := stock.CheckQuantity(in.BatchCount); err != nil {
		return RunResult{}, err
	}
	if in.Waste.IsNegative() {
		return RunResult{}, stock.ErrInvalidQuantity
	}
	if err := stock.CheckScale(in.Waste); err != nil {
		return RunResult{}, err
	}
	recipe, err := s.GetRecipe(ctx, in.OwnerID, in.RecipeID)
	if err != nil {
		return RunResult{}, err
	}
	produced := producedQty(in.BatchCount, recipe.UnitsPerBatch, in.Waste)
	if produced.IsNegative() {
		return RunResult{}, ErrWasteExceedsOutput
	}
	producedAt := in.ProducedAt
	if producedAt.IsZero() {
		producedAt = s.clock()
	}

	release, err := s.claim(ctx, "run", in.OwnerID, in.IdempotencyKey)
	if err != nil {
		return RunResult{}, err
	}
	var result RunResult
	err = s.core.Allocator.InTx(ctx, func(ctx context.Context, tx stock.TxRepository) error {
		run := stock.ProductionRun{
			OwnerID:       in.OwnerID,
			RecipeID:      recipe.ID,
			RecipeKey:     recipe.Key,
			RecipeName:    recipe.Name,
			Unit:          recipe.Unit,
			BatchCount:    in.BatchCount,
			UnitsPerBatch: recipe.UnitsPerBatch,
			Waste:         in.Waste,
			ProducedQty:   produced,
			RemainingQty:  produced,
			ProducedAt:    producedAt,
		}
		id, err := tx.InsertProductionRun(ctx, run)
		if err != nil {
			return err
		}
		run.ID = id
		res := RunResult{Run: run}
		for _, line := range recipe.Lines {
			alloc, err := s.core.Allocator.AllocateTx(ctx, tx, stock.AllocateInput{
				OwnerID:  in.OwnerID,
				Key:      line.Key,
				Quantity: drawQty(line.QuantityPerBatch, in.BatchCount),
				Event:    stock.EventRef{Kind: stock.EventProduction, ID: id},
				Strict:   in.Strict,
			})
			if err != nil {
				return err
			}
			res.Allocations = append(res.Allocations, alloc)
			if alloc.Partial() {
				res.Shortfalls = append(res.Shortfalls, alloc.ShortfallMessage())
			}
		}
		result = res
		return nil
	})
	s.core.Allocator.Observe(stock.SourceLot, err, result.Allocations...)
	if err != nil {
		release()
		return RunResult{}, err
	}
	s.core.Committed(ctx, in.OwnerID, stock.AggregateIngredient, stock.AggregateRecipe)
	s.record(ctx, in.OwnerID, "production:run_create", "production_run", result.Run.ID, map[string]any{
		"recipe":     string(recipe.Key),
		"batches":    in.BatchCount.String(),
		"produced":   produced.String(),
		"shortfalls": len(result.Shortfalls),
	})
	return result, nil
}

// RecordShipment draws the shipped quantity from the recipe's production
// runs in FIFO order.
func (s *Service) RecordShipment(ctx context.Context, in ShipmentInput) (ShipmentResult, error) {
	if err := stock.CheckQuantity(in.Quantity); err != nil {
		return ShipmentResult{}, err
	}
	recipe, err := s.GetRecipe(ctx, in.OwnerID, in.RecipeID)
	if err != nil {
		return ShipmentResult{}, err
	}
	shippedAt := in.ShippedAt
	if shippedAt.IsZero() {
		shippedAt = s.clock()
	}
	release, err := s.claim(ctx, "shipment", in.OwnerID, in.IdempotencyKey)
	if err != nil {
		return ShipmentResult{}, err
	}
	var result ShipmentResult
	err = s.core.Allocator.InTx(ctx, func(ctx context.Context, tx stock.TxRepository) error {
		sh := stock.Shipment{
			OwnerID:    in.OwnerID,
			RecipeID:   recipe.ID,
			RecipeKey:  recipe.Key,
			Quantity:   in.Quantity,
			ShippedQty: decimal.Zero,
			Shortfall:  decimal.Zero,
			Reference:  strings.TrimSpace(in.Reference),
			ShippedAt:  shippedAt,
		}
		id, err := tx.InsertShipment(ctx, sh)
		if err != nil {
			return err
		}
		sh.ID = id
		alloc, err := s.core.Allocator.AllocateBatchesTx(ctx, tx, stock.AllocateInput{
			OwnerID:  in.OwnerID,
			Key:      recipe.Key,
			Quantity: in.Quantity,
			Event:    stock.EventRef{Kind: stock.EventShipment, ID: id},
			Strict:   in.Strict,
		})
		if err != nil {
			return err
		}
		sh.ShippedQty = alloc.TotalDeducted
		sh.Shortfall = alloc.Shortfall
		if err := tx.UpdateShipment(ctx, sh); err != nil {
			return err
		}
		result = ShipmentResult{Shipment: sh, Allocation: alloc, Message: alloc.ShortfallMessage()}
		return nil
	})
	s.core.Allocator.Observe(stock.SourceBatch, err, result.Allocation)
	if err != nil {
		release()
		return ShipmentResult{}, err
	}
	s.core.Committed(ctx, in.OwnerID, stock.AggregateRecipe)
	s.record(ctx, in.OwnerID, "production:shipment_create", "shipment", result.Shipment.ID, map[string]any{
		"recipe":    string(recipe.Key),
		"shipped":   result.Shipment.ShippedQty.String(),
		"shortfall": result.Shipment.Shortfall.String(),
	})
	return result, nil
}

// EditRun corrects a run outside the allocator and reconciles recipe totals.
// Changing waste keeps the quantity already shipped from the run.
func (s *Service) EditRun(ctx context.Context, ownerID, runID int64, edit RunEdit) (stock.ProductionRun, error) {
	var run stock.ProductionRun
	err := s.core.Store.WithTx(ctx, func(ctx context.Context, tx stock.TxRepository) error {
		current, err := s.activeRun(ctx, tx, ownerID, runID)
		if err != nil {
			return err
		}
		shipped := current.ProducedQty.Sub(current.RemainingQty)
		if edit.Waste != nil {
			if edit.Waste.IsNegative() {
				return stock.ErrInvalidQuantity
			}
			if err := stock.CheckScale(*edit.Waste); err != nil {
				return err
			}
			produced := producedQty(current.BatchCount, current.UnitsPerBatch, *edit.Waste)
			if produced.IsNegative() {
				return ErrWasteExceedsOutput
			}
			if produced.LessThan(shipped) {
				return fmt.Errorf("%w (shipped=%s produced=%s)", ErrInvalidRunEdit, shipped, produced)
			}
			current.Waste = *edit.Waste
			current.ProducedQty = produced
			current.RemainingQty = produced.Sub(shipped)
		}
		if edit.Remaining != nil {
			if edit.Remaining.IsNegative() || edit.Remaining.GreaterThan(current.ProducedQty) {
				return fmt.Errorf("%w: remaining must be within 0..%s", stock.ErrInvalidQuantity, current.ProducedQty)
			}
			if err := stock.CheckScale(*edit.Remaining); err != nil {
				return err
			}
			current.RemainingQty = *edit.Remaining
		}
		if edit.ProducedAt != nil {
			current.ProducedAt = *edit.ProducedAt
		}
		if err := tx.UpdateProductionRun(ctx, current); err != nil {
			return err
		}
		run = current
		return nil
	})
	if err != nil {
		return stock.ProductionRun{}, err
	}
	s.core.Committed(ctx, ownerID, stock.AggregateRecipe)
	s.record(ctx, ownerID, "production:run_edit", "production_run", runID, map[string]any{
		"produced":  run.ProducedQty.String(),
		"remaining": run.RemainingQty.String(),
	})
	return run, nil
}

// DeleteRun soft-deletes a run. With restore the ingredients it drew are
// credited back in the same transaction.
func (s *Service) DeleteRun(ctx context.Context, ownerID, runID int64, restore bool) error {
	now := s.clock()
	restored := false
	err := s.core.Store.WithTx(ctx, func(ctx context.Context, tx stock.TxRepository) error {
		run, err := s.activeRun(ctx, tx, ownerID, runID)
		if err != nil {
			return err
		}
		if restore {
			ok, err := s.reverse(ctx, tx, ownerID, stock.EventRef{Kind: stock.EventProduction, ID: runID})
			if err != nil {
				return err
			}
			restored = ok
		}
		run.DeletedAt = &now
		return tx.UpdateProductionRun(ctx, run)
	})
	if err != nil {
		return err
	}
	kinds := []stock.AggregateKind{stock.AggregateRecipe}
	if restored {
		kinds = append(kinds, stock.AggregateIngredient)
	}
	s.core.Committed(ctx, ownerID, kinds...)
	s.record(ctx, ownerID, "production:run_delete", "production_run", runID, map[string]any{"restored": restored})
	return nil
}

// DeleteShipment soft-deletes a shipment. With restore the batches it drew
// are credited back in the same transaction.
func (s *Service) DeleteShipment(ctx context.Context, ownerID, shipmentID int64, restore bool) error {
	now := s.clock()
	err := s.core.Store.WithTx(ctx, func(ctx context.Context, tx stock.TxRepository) error {
		sh, err := tx.GetShipment(ctx, ownerID, shipmentID)
		if errors.Is(err, stock.ErrShipmentNotFound) || (err == nil && sh.DeletedAt != nil) {
			return &stock.NotFoundError{Diagnostics: stock.Diagnostics{OwnerID: ownerID}, Entity: "shipment", ID: shipmentID}
		}
		if err != nil {
			return err
		}
		if restore {
			if _, err := s.reverse(ctx, tx, ownerID, stock.EventRef{Kind: stock.EventShipment, ID: shipmentID}); err != nil {
				return err
			}
		}
		sh.DeletedAt = &now
		return tx.UpdateShipment(ctx, sh)
	})
	if err != nil {
		return err
	}
	s.core.Committed(ctx, ownerID, stock.AggregateRecipe)
	s.record(ctx, ownerID, "production:shipment_delete", "shipment", shipmentID, map[string]any{"restored": restore})
	return nil
}

func (s *Service) reverse(ctx context.Context, tx stock.TxRepository, ownerID int64, ref stock.EventRef) (bool, error) {
	_, err := s.core.Usage.ReverseUsageTx(ctx, tx, ownerID, ref)
	if errors.Is(err, stock.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) activeRun(ctx context.Context, tx stock.TxRepository, ownerID, runID int64) (stock.ProductionRun, error) {
	run, err := tx.GetRunForUpdate(ctx, ownerID, runID)
	if errors.Is(err, stock.ErrRunNotFound) || (err == nil && !run.Active()) {
		return stock.ProductionRun{}, &stock.NotFoundError{Diagnostics: stock.Diagnostics{OwnerID: ownerID}, Entity: "production run", ID: runID}
	}
	return run, err
}

// claim reserves an idempotency key and returns its release func.
func (s *Service) claim(ctx context.Context, kind string, ownerID int64, key string) (func(), error) {
	if key == "" || s.cfg.Idempotency == nil {
		return func() {}, nil
	}
	full := fmt.Sprintf("production:%s:%d:%s", kind, ownerID, key)
	if err := s.cfg.Idempotency.CheckAndInsert(ctx, full, "production"); err != nil {
		return nil, err
	}
	return func() { _ = s.cfg.Idempotency.Delete(context.WithoutCancel(ctx), full) }, nil
}

func (s *Service) record(ctx context.Context, ownerID int64, action, entity string, id int64, meta map[string]any) {
	if s.cfg.Audit == nil {
		return
	}
	if err := s.cfg.Audit.Record(ctx, shared.AuditLog{
		ActorID:  ownerID,
		Action:   action,
		Entity:   entity,
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
	}); err != nil {
		s.log().Warn("audit production change", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) log() *slog.Logger {
	if s.cfg.Logger != nil {
		return s.cfg.Logger
	}
	return slog.Default()
}

// ListRuns returns the owner's active production runs.
func (s *Service) ListRuns(ctx context.Context, ownerID int64) ([]stock.ProductionRun, error) {
	if ownerID <= 0 {
		return nil, stock.ErrOwnerRequired
	}
	return s.core.Store.ListActiveRuns(ctx, ownerID)
}

// drawQty is the ingredient quantity a run consumes for one recipe line.
func drawQty(perBatch, batches decimal.Decimal) decimal.Decimal {
	return perBatch.Mul(batches).RoundCeil(stock.QuantityScale)
}

// producedQty is the output of a run after waste.
func producedQty(batches, unitsPerBatch, waste decimal.Decimal) decimal.Decimal {
	return batches.Mul(unitsPerBatch).RoundFloor(stock.QuantityScale).Sub(waste)
}
