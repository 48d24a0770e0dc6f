package stock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIngredientTotalsRepresentativeLot(t *testing.T) {
	exp1 := day("2024-06-01")
	exp2 := day("2024-05-01")
	deleted := day("2024-02-01")
	lots := []Lot{
		{ID: 1, Key: "flour/kg", Name: "Flour", Unit: "kg", RemainingQty: d("5"), ReceivedDate: day("2024-01-01")},
		{ID: 2, Key: "flour/kg", Name: "Flour", Unit: "kg", RemainingQty: d("3"), ReceivedDate: day("2024-01-05"), ExpiryDate: &exp1},
		{ID: 3, Key: "flour/kg", Name: "Flour", Unit: "kg", RemainingQty: d("2"), ReceivedDate: day("2024-01-07"), ExpiryDate: &exp2, ExternalCode: "B-3"},
		{ID: 4, Key: "flour/kg", Name: "Flour", Unit: "kg", RemainingQty: d("100"), ReceivedDate: day("2023-12-01"), ExpiryDate: &exp2, DeletedAt: &deleted},
		{ID: 5, Key: "flour/kg", Name: "Flour", Unit: "kg", RemainingQty: d("0"), ReceivedDate: day("2023-11-01"), ExpiryDate: &exp2},
		{ID: 6, Key: "salt/g", Name: "Salt", Unit: "g", RemainingQty: d("0"), ReceivedDate: day("2024-01-01")},
	}

	totals := IngredientTotals(lots)
	require.Len(t, totals, 2)

	flour := totals["flour/kg"]
	require.True(t, flour.TotalOnHand.Equal(d("10")))
	require.Equal(t, 4, flour.ActiveLots)
	require.NotNil(t, flour.Representative)
	require.Equal(t, int64(3), flour.Representative.ID)
	require.Equal(t, "B-3", flour.Representative.ExternalCode)

	salt := totals["salt/g"]
	require.True(t, salt.TotalOnHand.IsZero())
	require.Nil(t, salt.Representative)
}

func TestRepresentativeWithoutExpiryFallsBackToReceivedThenID(t *testing.T) {
	same := day("2024-01-01")
	lots := []Lot{
		{ID: 8, Key: "milk/l", RemainingQty: d("1"), ReceivedDate: same},
		{ID: 7, Key: "milk/l", RemainingQty: d("1"), ReceivedDate: same},
		{ID: 6, Key: "milk/l", RemainingQty: d("1"), ReceivedDate: same.Add(24 * time.Hour)},
	}
	totals := IngredientTotals(lots)
	require.Equal(t, int64(7), totals["milk/l"].Representative.ID)
}

func TestRecipeTotalsSkipsDeletedRuns(t *testing.T) {
	deleted := day("2024-02-01")
	runs := []ProductionRun{
		{ID: 1, RecipeID: 11, RecipeKey: "bread/loaf", RecipeName: "Bread", Unit: "loaf", RemainingQty: d("12")},
		{ID: 2, RecipeID: 11, RecipeKey: "bread/loaf", RecipeName: "Bread", Unit: "loaf", RemainingQty: d("3.5")},
		{ID: 3, RecipeID: 11, RecipeKey: "bread/loaf", RemainingQty: d("40"), DeletedAt: &deleted},
	}
	totals := RecipeTotals(runs)
	bread := totals["bread/loaf"]
	require.True(t, bread.TotalOnHand.Equal(d("15.5")))
	require.Equal(t, 2, bread.ActiveRuns)
	require.Equal(t, int64(11), bread.RecipeID)
}
