package stock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute), mr
}

func TestCacheFetchJSONUsesVersionedKeys(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return map[IngredientKey]IngredientTotal{"flour/kg": {Key: "flour/kg", TotalOnHand: d("4.25")}}, nil
	}

	var first map[IngredientKey]IngredientTotal
	require.NoError(t, cache.FetchJSON(ctx, 7, "ingredients", &first, loader))
	var second map[IngredientKey]IngredientTotal
	require.NoError(t, cache.FetchJSON(ctx, 7, "ingredients", &second, loader))
	require.Equal(t, 1, calls)
	require.True(t, second["flour/kg"].TotalOnHand.Equal(d("4.25")))
	require.True(t, mr.Exists("stock:7:ingredients:v1"))

	require.NoError(t, cache.Invalidate(ctx, 7))
	var third map[IngredientKey]IngredientTotal
	require.NoError(t, cache.FetchJSON(ctx, 7, "ingredients", &third, loader))
	require.Equal(t, 2, calls)
	require.True(t, mr.Exists("stock:7:ingredients:v2"))
}

func TestCacheInvalidateIsOwnerScoped(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	v1, err := cache.Version(ctx, 1)
	require.NoError(t, err)
	v2, err := cache.Version(ctx, 2)
	require.NoError(t, err)

	require.NoError(t, cache.Invalidate(ctx, 1))

	after1, err := cache.Version(ctx, 1)
	require.NoError(t, err)
	after2, err := cache.Version(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, v1+1, after1)
	require.Equal(t, v2, after2)
}

func TestNilCachePassesThrough(t *testing.T) {
	var cache *Cache
	var out []int
	err := cache.FetchJSON(context.Background(), 1, "x", &out, func(context.Context) (any, error) {
		return []int{1, 2}, nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, out)
	require.NoError(t, cache.Invalidate(context.Background(), 1))
}
