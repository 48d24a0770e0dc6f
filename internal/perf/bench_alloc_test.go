package perf

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodstock/internal/stock"
	"github.com/odyssey-erp/foodstock/internal/stock/memstore"
)

func TestAllocationLatencyTargets(t *testing.T) {
	reg := prometheus.NewRegistry()
	store := memstore.New()
	core := stock.NewCore(store, stock.CoreConfig{
		Metrics:         stock.NewMetrics(reg),
		Logger:          slog.New(slog.DiscardHandler),
		TxTimeout:       time.Second,
		ConflictRetries: 2,
	})
	ctx := context.Background()
	key, err := stock.NormalizeKey("Flour", "kg")
	require(t, err)

	received := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 200; i++ {
		_, err := core.Ledger.CreateLot(ctx, stock.LotInput{
			OwnerID:      1,
			Name:         "Flour",
			Unit:         "kg",
			Quantity:     decimal.NewFromInt(5),
			ExternalCode: fmt.Sprintf("LOT-%03d", i),
			ReceivedDate: received.AddDate(0, 0, i),
		})
		require(t, err)
	}

	samples := make([]time.Duration, 0, 300)
	for i := 0; i < 300; i++ {
		start := time.Now()
		_, err := core.Allocator.Allocate(ctx, stock.AllocateInput{
			OwnerID:  1,
			Key:      key,
			Quantity: decimal.RequireFromString("3.25"),
			Event:    stock.EventRef{Kind: stock.EventManual, ID: int64(i + 1)},
		})
		require(t, err)
		samples = append(samples, time.Since(start))
	}

	if p95 := percentile95(samples); p95 > 50*time.Millisecond {
		t.Fatalf("in-memory allocation latency regression: p95=%s threshold=50ms", p95)
	}

	families, err := reg.Gather()
	require(t, err)
	full := metricValue(t, families, "foodstock_allocations_total", map[string]string{"source": "lot", "outcome": "full"})
	partial := metricValue(t, families, "foodstock_allocations_total", map[string]string{"source": "lot", "outcome": "partial"})
	// 1000 kg on hand covers 307 draws of 3.25 kg, so every draw is met in full.
	if full != 300 || partial != 0 {
		t.Fatalf("unexpected allocation outcomes: full=%v partial=%v", full, partial)
	}
}

func require(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
