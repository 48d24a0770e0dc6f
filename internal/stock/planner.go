package stock

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Source is anything allocation can draw from: a goods-in lot or a produced
// batch. Date and ID define the FIFO order.
type Source struct {
	ID        int64
	Date      time.Time
	Remaining decimal.Decimal
}

// AllocationLine is one per-source deduction.
type AllocationLine struct {
	SourceID int64           `json:"source_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Plan is the result of PlanAllocation.
type Plan struct {
	Lines         []AllocationLine
	TotalDeducted decimal.Decimal
	Shortfall     decimal.Decimal
}

// Available returns the total remaining across the sources.
func Available(sources []Source) decimal.Decimal {
	total := decimal.Zero
	for _, s := range sources {
		if s.Remaining.IsPositive() {
			total = total.Add(s.Remaining)
		}
	}
	return total
}

// PlanAllocation walks sources in (Date, ID) order taking
// min(remaining, stillNeeded) from each until the need is met or the sources
// run out. The input slice is not modified.
func PlanAllocation(sources []Source, need decimal.Decimal) Plan {
	plan := Plan{TotalDeducted: decimal.Zero, Shortfall: decimal.Zero}
	if !need.IsPositive() {
		return plan
	}
	ordered := slices.Clone(sources)
	SortFIFO(ordered)

	still := need
	for _, src := range ordered {
		if !still.IsPositive() {
			break
		}
		if !src.Remaining.IsPositive() {
			continue
		}
		take := decimal.Min(src.Remaining, still)
		plan.Lines = append(plan.Lines, AllocationLine{SourceID: src.ID, Quantity: take})
		plan.TotalDeducted = plan.TotalDeducted.Add(take)
		still = still.Sub(take)
	}
	if still.IsPositive() {
		plan.Shortfall = still
	}
	return plan
}

// SortFIFO orders sources by date then id.
func SortFIFO(sources []Source) {
	slices.SortStableFunc(sources, func(a, b Source) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

func lotSources(lots []Lot) []Source {
	out := make([]Source, 0, len(lots))
	for _, l := range lots {
		if !l.Active() {
			continue
		}
		out = append(out, Source{ID: l.ID, Date: l.ReceivedDate, Remaining: l.RemainingQty})
	}
	return out
}

func batchSources(runs []ProductionRun) []Source {
	out := make([]Source, 0, len(runs))
	for _, r := range runs {
		if !r.Active() {
			continue
		}
		out = append(out, Source{ID: r.ID, Date: r.ProducedAt, Remaining: r.RemainingQty})
	}
	return out
}
