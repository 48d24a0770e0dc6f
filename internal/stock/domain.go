package stock

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// IngredientKey identifies an ingredient or recipe within an owner as
// "name/unit" after normalisation.
type IngredientKey string

// SourceKind enumerates what a usage line drew from.
type SourceKind string

const (
	// SourceLot marks a goods-in lot.
	SourceLot SourceKind = "lot"
	// SourceBatch marks a production run used as the lot analog for goods out.
	SourceBatch SourceKind = "batch"
)

// EventKind enumerates consuming events.
type EventKind string

const (
	// EventProduction is a production run drawing raw materials.
	EventProduction EventKind = "production"
	// EventShipment is a goods-out shipment drawing produced batches.
	EventShipment EventKind = "shipment"
	// EventManual is an operator driven draw (waste, correction).
	EventManual EventKind = "manual"
)

// Valid reports whether the kind is known.
func (k EventKind) Valid() bool {
	switch k {
	case EventProduction, EventShipment, EventManual:
		return true
	}
	return false
}

// EventRef points at a consuming event.
type EventRef struct {
	Kind EventKind `json:"kind"`
	ID   int64     `json:"id"`
}

// IsZero reports whether the reference is unset.
func (r EventRef) IsZero() bool {
	return r.Kind == "" || r.ID == 0
}

// Lot is a goods-in receipt of one ingredient for one owner.
type Lot struct {
	ID           int64
	OwnerID      int64
	Key          IngredientKey
	Name         string
	Unit         string
	ReceivedQty  decimal.Decimal
	RemainingQty decimal.Decimal
	ReceivedDate time.Time
	ExpiryDate   *time.Time
	ExternalCode string
	DeletedAt    *time.Time
	CreatedAt    time.Time
}

// Active reports whether the lot takes part in allocation.
func (l Lot) Active() bool {
	return l.DeletedAt == nil
}

// Consumed returns the quantity already drawn from the lot.
func (l Lot) Consumed() decimal.Decimal {
	return l.ReceivedQty.Sub(l.RemainingQty)
}

// LotInput is used by goods-in intake.
type LotInput struct {
	OwnerID      int64
	Name         string
	Unit         string
	Quantity     decimal.Decimal
	ExternalCode string
	ReceivedDate time.Time
	ExpiryDate   *time.Time
}

// LotUpdate carries the editable fields of a lot. Nil fields are kept.
type LotUpdate struct {
	ReceivedQty  *decimal.Decimal
	ReceivedDate *time.Time
	ExpiryDate   *time.Time
	ExternalCode *string
}

// UsageRecord is one line of provenance: event E drew quantity Q from source S.
type UsageRecord struct {
	ID         int64
	OwnerID    int64
	Event      EventRef
	SourceKind SourceKind
	SourceID   int64
	// Quantity is NULL on legacy rows that only tracked which source was touched.
	Quantity  decimal.NullDecimal
	CreatedAt time.Time
}

// UsageRow is a usage record joined with event and source metadata.
type UsageRow struct {
	UsageRecord
	EventKey    IngredientKey
	SourceKey   IngredientKey
	SourceLabel string
}

// UsageGroup collects the usage rows of one consuming event.
type UsageGroup struct {
	Event    EventRef
	EventKey IngredientKey
	Lines    []UsageRow
	Total    decimal.Decimal
}

// ProductionRun is a consuming event that draws lots and yields a batch which
// later shipments draw from.
type ProductionRun struct {
	ID            int64           `json:"id"`
	OwnerID       int64           `json:"owner_id"`
	RecipeID      int64           `json:"recipe_id"`
	RecipeKey     IngredientKey   `json:"recipe_key"`
	RecipeName    string          `json:"recipe_name"`
	Unit          string          `json:"unit"`
	BatchCount    decimal.Decimal `json:"batch_count"`
	UnitsPerBatch decimal.Decimal `json:"units_per_batch"`
	Waste         decimal.Decimal `json:"waste"`
	ProducedQty   decimal.Decimal `json:"produced_qty"`
	RemainingQty  decimal.Decimal `json:"remaining_qty"`
	ProducedAt    time.Time       `json:"produced_at"`
	DeletedAt     *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Active reports whether the run is not soft-deleted.
func (r ProductionRun) Active() bool {
	return r.DeletedAt == nil
}

// Shipment is a goods-out consuming event.
type Shipment struct {
	ID         int64           `json:"id"`
	OwnerID    int64           `json:"owner_id"`
	RecipeID   int64           `json:"recipe_id"`
	RecipeKey  IngredientKey   `json:"recipe_key"`
	Quantity   decimal.Decimal `json:"quantity"`
	ShippedQty decimal.Decimal `json:"shipped_qty"`
	Shortfall  decimal.Decimal `json:"shortfall"`
	Reference  string          `json:"reference"`
	ShippedAt  time.Time       `json:"shipped_at"`
	DeletedAt  *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AggregateKind distinguishes the two denormalised views.
type AggregateKind string

const (
	// AggregateIngredient rows hold raw-material on-hand totals.
	AggregateIngredient AggregateKind = "ingredient"
	// AggregateRecipe rows hold produced, unshipped totals.
	AggregateRecipe AggregateKind = "recipe"
)

// AggregateRow is the denormalised per-key stock snapshot.
type AggregateRow struct {
	OwnerID      int64
	Kind         AggregateKind
	Key          IngredientKey
	Name         string
	Unit         string
	TotalOnHand  decimal.Decimal
	LotID        *int64
	ExternalCode *string
	UpdatedAt    time.Time
}

// LotRef identifies the representative lot of an ingredient.
type LotRef struct {
	ID           int64      `json:"id"`
	ExternalCode string     `json:"external_code,omitempty"`
	ReceivedDate time.Time  `json:"received_date"`
	ExpiryDate   *time.Time `json:"expiry_date,omitempty"`
}

// IngredientTotal is the computed on-hand view for one ingredient.
type IngredientTotal struct {
	Key            IngredientKey   `json:"key"`
	Name           string          `json:"name"`
	Unit           string          `json:"unit"`
	TotalOnHand    decimal.Decimal `json:"total_on_hand"`
	ActiveLots     int             `json:"active_lots"`
	Representative *LotRef         `json:"representative_lot,omitempty"`
}

// RecipeTotal is the computed produced-but-unshipped view for one recipe.
type RecipeTotal struct {
	Key         IngredientKey   `json:"key"`
	RecipeID    int64           `json:"recipe_id"`
	Name        string          `json:"name"`
	Unit        string          `json:"unit"`
	TotalOnHand decimal.Decimal `json:"total_on_hand"`
	ActiveRuns  int             `json:"active_runs"`
}

// Snapshot bundles both computed views for dashboards.
type Snapshot struct {
	OwnerID     int64                             `json:"owner_id"`
	Ingredients map[IngredientKey]IngredientTotal `json:"ingredients"`
	Recipes     map[IngredientKey]RecipeTotal     `json:"recipes"`
}

// QuantityScale is the number of decimal places stored for every quantity
// column (NUMERIC(18,4)).
const QuantityScale int32 = 4

// CheckQuantity rejects quantities that are not positive or that carry more
// decimal places than storage keeps.
func CheckQuantity(q decimal.Decimal) error {
	if !q.IsPositive() {
		return ErrInvalidQuantity
	}
	return CheckScale(q)
}

// CheckScale rejects quantities with more than QuantityScale decimal places.
// Trailing zeros are ignored.
func CheckScale(q decimal.Decimal) error {
	if !q.Equal(q.Truncate(QuantityScale)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidQuantity, q, QuantityScale)
	}
	return nil
}
