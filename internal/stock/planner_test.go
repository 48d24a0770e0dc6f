package stock

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func flourSources() []Source {
	return []Source{
		{ID: 2, Date: day("2024-01-05"), Remaining: d("10")},
		{ID: 1, Date: day("2024-01-01"), Remaining: d("5")},
	}
}

func TestPlanAllocationFull(t *testing.T) {
	plan := PlanAllocation(flourSources(), d("7"))

	require.True(t, plan.TotalDeducted.Equal(d("7")))
	require.True(t, plan.Shortfall.IsZero())
	require.Len(t, plan.Lines, 2)
	require.Equal(t, int64(1), plan.Lines[0].SourceID)
	require.True(t, plan.Lines[0].Quantity.Equal(d("5")))
	require.Equal(t, int64(2), plan.Lines[1].SourceID)
	require.True(t, plan.Lines[1].Quantity.Equal(d("2")))
}

func TestPlanAllocationPartial(t *testing.T) {
	plan := PlanAllocation(flourSources(), d("20"))

	require.True(t, plan.TotalDeducted.Equal(d("15")))
	require.True(t, plan.Shortfall.Equal(d("5")))
	require.Len(t, plan.Lines, 2)
	require.True(t, plan.Lines[1].Quantity.Equal(d("10")))
}

func TestPlanAllocationTiesBrokenByID(t *testing.T) {
	same := day("2024-03-01")
	plan := PlanAllocation([]Source{
		{ID: 9, Date: same, Remaining: d("1")},
		{ID: 4, Date: same, Remaining: d("1")},
	}, d("1"))

	require.Len(t, plan.Lines, 1)
	require.Equal(t, int64(4), plan.Lines[0].SourceID)
}

func TestPlanAllocationSkipsEmptySourcesAndKeepsInput(t *testing.T) {
	sources := []Source{
		{ID: 3, Date: day("2024-01-03"), Remaining: d("2")},
		{ID: 1, Date: day("2024-01-01"), Remaining: decimal.Zero},
	}
	plan := PlanAllocation(sources, d("1.5"))

	require.Len(t, plan.Lines, 1)
	require.Equal(t, int64(3), plan.Lines[0].SourceID)
	require.Equal(t, int64(3), sources[0].ID, "input order must not change")
}

func TestPlanAllocationNonPositiveNeed(t *testing.T) {
	plan := PlanAllocation(flourSources(), decimal.Zero)
	require.Empty(t, plan.Lines)
	require.True(t, plan.TotalDeducted.IsZero())
	require.True(t, plan.Shortfall.IsZero())
}

func TestPlanAllocationDecimalExactness(t *testing.T) {
	sources := make([]Source, 10)
	for i := range sources {
		sources[i] = Source{ID: int64(i + 1), Date: day("2024-01-01"), Remaining: d("0.1")}
	}
	plan := PlanAllocation(sources, d("1"))
	require.True(t, plan.TotalDeducted.Equal(d("1")))
	require.True(t, plan.Shortfall.IsZero())
}

// Randomised FIFO and conservation checks over seeded inputs.
func TestPlanAllocationProperties(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	base := day("2024-01-01")
	for iter := 0; iter < 500; iter++ {
		n := rng.IntN(8)
		sources := make([]Source, n)
		for i := range sources {
			sources[i] = Source{
				ID:        int64(rng.IntN(50) + 1 + i*50),
				Date:      base.AddDate(0, 0, rng.IntN(5)),
				Remaining: decimal.New(int64(rng.IntN(2000)), -2),
			}
		}
		need := decimal.New(int64(rng.IntN(6000)+1), -2)
		plan := PlanAllocation(sources, need)

		available := Available(sources)
		require.True(t, plan.TotalDeducted.Add(plan.Shortfall).Equal(need), "iter %d", iter)
		require.True(t, plan.TotalDeducted.Equal(decimal.Min(need, available)), "iter %d", iter)

		ordered := append([]Source(nil), sources...)
		SortFIFO(ordered)
		byID := map[int64]decimal.Decimal{}
		sum := decimal.Zero
		for _, line := range plan.Lines {
			require.True(t, line.Quantity.IsPositive())
			byID[line.SourceID] = line.Quantity
			sum = sum.Add(line.Quantity)
		}
		require.True(t, sum.Equal(plan.TotalDeducted))

		// Once a later source is touched every earlier source with stock is drained.
		touchedLater := false
		for i := len(ordered) - 1; i >= 0; i-- {
			src := ordered[i]
			taken, ok := byID[src.ID]
			if touchedLater && src.Remaining.IsPositive() {
				require.True(t, ok && taken.Equal(src.Remaining), "iter %d: source %d left partially undeducted", iter, src.ID)
			}
			if ok {
				touchedLater = true
				require.True(t, taken.LessThanOrEqual(src.Remaining))
			}
		}
	}
}
