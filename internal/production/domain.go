package production

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodstock/internal/stock"
)

var (
	// ErrInvalidRecipe indicates a recipe without lines or a non-positive yield.
	ErrInvalidRecipe = errors.New("production: recipe requires a positive yield and at least one ingredient")
	// ErrDuplicateRecipe indicates the owner already has a recipe with the key.
	ErrDuplicateRecipe = errors.New("production: recipe already exists")
	// ErrRecipeNotFound is returned by recipe stores for a missing row.
	ErrRecipeNotFound = errors.New("production: recipe row not found")
	// ErrWasteExceedsOutput indicates waste larger than the run's output.
	ErrWasteExceedsOutput = errors.New("production: waste exceeds produced quantity")
	// ErrInvalidRunEdit indicates an edit leaving less output than already shipped.
	ErrInvalidRunEdit = errors.New("production: edit leaves less output than already shipped")
)

// Recipe turns ingredient lines into UnitsPerBatch units of product per batch.
type Recipe struct {
	ID            int64               `json:"id"`
	OwnerID       int64               `json:"owner_id"`
	Key           stock.IngredientKey `json:"key"`
	Name          string              `json:"name"`
	Unit          string              `json:"unit"`
	UnitsPerBatch decimal.Decimal     `json:"units_per_batch"`
	Lines         []RecipeLine        `json:"lines"`
	CreatedAt     time.Time           `json:"created_at"`
}

// RecipeLine is one ingredient requirement per batch.
type RecipeLine struct {
	Key              stock.IngredientKey `json:"key"`
	Name             string              `json:"name"`
	Unit             string              `json:"unit"`
	QuantityPerBatch decimal.Decimal     `json:"quantity_per_batch"`
}

// RecipeInput creates a recipe.
type RecipeInput struct {
	OwnerID       int64
	Name          string
	Unit          string
	UnitsPerBatch decimal.Decimal
	Lines         []RecipeLineInput
}

// RecipeLineInput is one requested ingredient line.
type RecipeLineInput struct {
	Name             string
	Unit             string
	QuantityPerBatch decimal.Decimal
}

// RunInput records a production run.
type RunInput struct {
	OwnerID        int64
	RecipeID       int64
	BatchCount     decimal.Decimal
	Waste          decimal.Decimal
	ProducedAt     time.Time
	Strict         bool
	IdempotencyKey string
}

// RunResult reports the stored run and what each ingredient drew.
type RunResult struct {
	Run         stock.ProductionRun      `json:"run"`
	Allocations []stock.AllocationResult `json:"allocations"`
	Shortfalls  []string                 `json:"shortfalls,omitempty"`
}

// RunEdit carries the editable fields of a run. Nil fields are kept.
type RunEdit struct {
	Waste      *decimal.Decimal
	Remaining  *decimal.Decimal
	ProducedAt *time.Time
}

// ShipmentInput records a goods-out shipment.
type ShipmentInput struct {
	OwnerID        int64
	RecipeID       int64
	Quantity       decimal.Decimal
	Reference      string
	ShippedAt      time.Time
	Strict         bool
	IdempotencyKey string
}

// ShipmentResult reports the stored shipment and the batches it drew.
type ShipmentResult struct {
	Shipment   stock.Shipment         `json:"shipment"`
	Allocation stock.AllocationResult `json:"allocation"`
	Message    string                 `json:"message,omitempty"`
}
