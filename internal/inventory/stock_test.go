package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newCacheForTest(t *testing.T) (*StockCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStockCache(client, time.Minute), mr
}

func seedLots(t *testing.T, svc *Service) {
	t.Helper()
	mustCreateLot(t, svc, 10, 1, 25, "8.00")
	mustCreateLot(t, svc, 10, 1, 15, "10.00")
	mustCreateLot(t, svc, 11, 2, 6, "3.00")
}

func TestCurrentStockAggregatesByProductAndWarehouse(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	seedLots(t, svc)

	// Drained lots drop out of the summary entirely.
	lots, err := repo.ListLots(ctx, LotFilter{ProductID: 11})
	require.NoError(t, err)
	require.Len(t, lots, 1)
	_, _, err = svc.Consume(ctx, ConsumeInput{LotID: lots[0].ID, Qty: 6, MovementType: MovementSale, ActorID: 7})
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, 1, 5, 7)
	require.NoError(t, err)

	stock := NewStockService(repo, nil)
	summaries, err := stock.CurrentStock(ctx, StockFilter{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	sum := summaries[0]
	require.Equal(t, int64(10), sum.ProductID)
	require.Equal(t, int64(1), sum.WarehouseID)
	require.Equal(t, 40.0, sum.TotalQty)
	require.Equal(t, 5.0, sum.ReservedQty)
	require.Equal(t, 35.0, sum.AvailableQty)
	require.Equal(t, 2, sum.LotCount)
	// 25 * 8.00 + 15 * 10.00 priced over 40 units.
	require.True(t, sum.TotalValue.Equal(decimal.RequireFromString("350")))
	require.True(t, sum.AverageCost.Equal(decimal.RequireFromString("8.75")))
}

func TestCurrentStockUsesVersionedCache(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	cache, mr := newCacheForTest(t)
	seedLots(t, svc)

	stock := NewStockService(repo, cache)
	first, err := stock.CurrentStock(ctx, StockFilter{ProductID: 10})
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, 40.0, first[0].TotalQty)

	// A mutation that bypasses invalidation is hidden by the cache.
	_, _, err = svc.Consume(ctx, ConsumeInput{LotID: 1, Qty: 5, MovementType: MovementSale, ActorID: 7})
	require.NoError(t, err)
	cached, err := stock.CurrentStock(ctx, StockFilter{ProductID: 10})
	require.NoError(t, err)
	require.Equal(t, 40.0, cached[0].TotalQty)

	// Bumping the version forces a fresh aggregate on the next read.
	require.NoError(t, cache.Bump(ctx))
	fresh, err := stock.CurrentStock(ctx, StockFilter{ProductID: 10})
	require.NoError(t, err)
	require.Equal(t, 35.0, fresh[0].TotalQty)

	require.True(t, mr.Exists("inventory:stock:version"))
}

func TestStockCacheVersioning(t *testing.T) {
	cache, _ := newCacheForTest(t)
	ctx := context.Background()

	ver, err := cache.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), ver)

	keyBefore, err := cache.BuildKey(ctx, "inventory", "stock", "10", "1")
	require.NoError(t, err)
	require.Equal(t, "inventory:stock:10:1:1", keyBefore)

	require.NoError(t, cache.Bump(ctx))
	keyAfter, err := cache.BuildKey(ctx, "inventory", "stock", "10", "1")
	require.NoError(t, err)
	require.Equal(t, "inventory:stock:10:1:2", keyAfter)
	require.NotEqual(t, keyBefore, keyAfter)
}

func TestStockCacheDisabledWithoutClient(t *testing.T) {
	cache := NewStockCache(nil, time.Minute)
	ctx := context.Background()

	key, err := cache.BuildKey(ctx, "inventory", "stock", "10", "1")
	require.NoError(t, err)
	require.Equal(t, "inventory:stock:10:1", key)

	var out []int
	calls := 0
	loader := func(context.Context) (interface{}, error) {
		calls++
		return []int{1, 2}, nil
	}
	require.NoError(t, cache.FetchJSON(ctx, key, &out, loader))
	require.NoError(t, cache.FetchJSON(ctx, key, &out, loader))
	require.Equal(t, 2, calls)
	require.Equal(t, []int{1, 2}, out)
}
