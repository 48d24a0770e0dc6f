package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodstock/internal/app"
	"github.com/odyssey-erp/foodstock/internal/production"
	"github.com/odyssey-erp/foodstock/internal/shared"
	"github.com/odyssey-erp/foodstock/internal/stock"
)

type seedLot struct {
	code     string
	name     string
	unit     string
	qty      string
	received string
}

var demoLots = []seedLot{
	{code: "FLR-2401", name: "Flour", unit: "kg", qty: "25", received: "2024-01-02"},
	{code: "FLR-2402", name: "Flour", unit: "kg", qty: "25", received: "2024-01-09"},
	{code: "SLT-2401", name: "Salt", unit: "kg", qty: "5", received: "2024-01-02"},
	{code: "YST-2401", name: "Yeast", unit: "g", qty: "500", received: "2024-01-05"},
	{code: "BTR-2401", name: "Butter", unit: "kg", qty: "10", received: "2024-01-05"},
}

func main() {
	ownerID, err := strconv.ParseInt(getenv("SEED_OWNER_ID", "1"), 10, 64)
	if err != nil || ownerID <= 0 {
		log.Fatalf("SEED_OWNER_ID must be a positive integer")
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx := context.Background()
	rt, err := app.NewRuntime(ctx, cfg, app.NewLogger(cfg), app.RoleWorker)
	if err != nil {
		log.Fatalf("init runtime: %v", err)
	}
	defer func() { _ = rt.Close() }()

	fmt.Println("→ Seeding ingredient lots...")
	if err := seedLots(ctx, rt.Stock, ownerID); err != nil {
		log.Fatalf("seed lots: %v", err)
	}

	fmt.Println("→ Seeding recipes...")
	bread, err := seedRecipes(ctx, rt.Production, ownerID)
	if err != nil {
		log.Fatalf("seed recipes: %v", err)
	}

	fmt.Println("→ Seeding production and shipments...")
	if err := seedProduction(ctx, rt.Production, ownerID, bread); err != nil {
		log.Fatalf("seed production: %v", err)
	}

	fmt.Println("✓ Seed complete")
}

func seedLots(ctx context.Context, core *stock.Core, ownerID int64) error {
	for _, l := range demoLots {
		received, err := time.Parse("2006-01-02", l.received)
		if err != nil {
			return err
		}
		_, err = core.Ledger.CreateLot(ctx, stock.LotInput{
			OwnerID:      ownerID,
			Name:         l.name,
			Unit:         l.unit,
			Quantity:     decimal.RequireFromString(l.qty),
			ExternalCode: l.code,
			ReceivedDate: received,
		})
		if errors.Is(err, stock.ErrDuplicateLotCode) {
			continue
		}
		if err != nil {
			return fmt.Errorf("lot %s: %w", l.code, err)
		}
	}
	return nil
}

func seedRecipes(ctx context.Context, svc *production.Service, ownerID int64) (production.Recipe, error) {
	existing, err := svc.ListRecipes(ctx, ownerID)
	if err != nil {
		return production.Recipe{}, err
	}
	key, err := stock.NormalizeKey("Bread", "loaf")
	if err != nil {
		return production.Recipe{}, err
	}
	for _, r := range existing {
		if r.Key == key {
			return r, nil
		}
	}
	return svc.CreateRecipe(ctx, production.RecipeInput{
		OwnerID:       ownerID,
		Name:          "Bread",
		Unit:          "loaf",
		UnitsPerBatch: decimal.NewFromInt(10),
		Lines: []production.RecipeLineInput{
			{Name: "Flour", Unit: "kg", QuantityPerBatch: decimal.RequireFromString("2")},
			{Name: "Salt", Unit: "kg", QuantityPerBatch: decimal.RequireFromString("0.05")},
			{Name: "Yeast", Unit: "g", QuantityPerBatch: decimal.RequireFromString("20")},
		},
	})
}

func seedProduction(ctx context.Context, svc *production.Service, ownerID int64, bread production.Recipe) error {
	run, err := svc.RecordRun(ctx, production.RunInput{
		OwnerID:        ownerID,
		RecipeID:       bread.ID,
		BatchCount:     decimal.NewFromInt(3),
		Waste:          decimal.NewFromInt(2),
		ProducedAt:     time.Date(2024, 1, 10, 6, 0, 0, 0, time.UTC),
		IdempotencyKey: "seed-run-1",
	})
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, msg := range run.Shortfalls {
		fmt.Println("  ! " + msg)
	}
	_, err = svc.RecordShipment(ctx, production.ShipmentInput{
		OwnerID:        ownerID,
		RecipeID:       bread.ID,
		Quantity:       decimal.NewFromInt(12),
		Reference:      "DEMO-001",
		ShippedAt:      time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC),
		IdempotencyKey: "seed-shipment-1",
	})
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		return nil
	}
	return err
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
