package inventory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// StockService is the read-side view over lots. It never mutates; summaries
// are derived from current lot state and can be reconciled against ledger
// totals for auditing.
type StockService struct {
	repo  RepositoryPort
	cache *StockCache
	group singleflight.Group
}

// NewStockService builds StockService.
func NewStockService(repo RepositoryPort, cache *StockCache) *StockService {
	return &StockService{repo: repo, cache: cache}
}

// CurrentStock summarises lots per (product, warehouse) pair matching the
// filter. Results are served from the versioned cache when possible;
// concurrent recomputations of the same key collapse into one.
func (s *StockService) CurrentStock(ctx context.Context, filter StockFilter) ([]StockSummary, error) {
	key, err := s.cache.BuildKey(ctx, "inventory", "stock",
		strconv.FormatInt(filter.ProductID, 10), strconv.FormatInt(filter.WarehouseID, 10))
	if err != nil {
		return nil, err
	}
	var summaries []StockSummary
	err = s.cache.FetchJSON(ctx, key, &summaries, func(ctx context.Context) (interface{}, error) {
		result, err, _ := s.group.Do(key, func() (interface{}, error) {
			return s.aggregate(ctx, filter)
		})
		return result, err
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

func (s *StockService) aggregate(ctx context.Context, filter StockFilter) ([]StockSummary, error) {
	lots, err := s.repo.ListLots(ctx, LotFilter{ProductID: filter.ProductID, WarehouseID: filter.WarehouseID})
	if err != nil {
		return nil, err
	}

	type groupKey struct {
		productID   int64
		warehouseID int64
	}
	groups := make(map[groupKey]*StockSummary)
	var order []groupKey
	for _, lot := range lots {
		if lot.CurrentQty <= 0 {
			continue
		}
		k := groupKey{lot.ProductID, lot.WarehouseID}
		sum, ok := groups[k]
		if !ok {
			sum = &StockSummary{ProductID: lot.ProductID, WarehouseID: lot.WarehouseID}
			groups[k] = sum
			order = append(order, k)
		}
		sum.TotalQty += lot.CurrentQty
		sum.ReservedQty += lot.ReservedQty
		sum.TotalValue = sum.TotalValue.Add(lot.UnitCost.Mul(decimal.NewFromFloat(lot.CurrentQty)))
		sum.LotCount++
		sum.Lots = append(sum.Lots, lot)
		if lot.ExpiryDate != nil {
			if sum.EarliestExpiry == nil || lot.ExpiryDate.Before(*sum.EarliestExpiry) {
				expiry := *lot.ExpiryDate
				sum.EarliestExpiry = &expiry
			}
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].productID != order[j].productID {
			return order[i].productID < order[j].productID
		}
		return order[i].warehouseID < order[j].warehouseID
	})

	summaries := make([]StockSummary, 0, len(order))
	for _, k := range order {
		sum := groups[k]
		sum.AvailableQty = sum.TotalQty - sum.ReservedQty
		if sum.TotalQty > qtyEpsilon {
			sum.AverageCost = sum.TotalValue.DivRound(decimal.NewFromFloat(sum.TotalQty), 4)
		}
		summaries = append(summaries, *sum)
	}
	return summaries, nil
}

// Reconcile verifies that the ledger reproduces a lot's current quantity:
// replaying every movement from zero must land exactly on it.
func (s *StockService) Reconcile(ctx context.Context, lotID int64) error {
	lot, err := s.repo.GetLot(ctx, lotID)
	if err != nil {
		return err
	}
	movements, err := s.repo.ListMovements(ctx, MovementFilter{LotID: lotID, Limit: 100000})
	if err != nil {
		return err
	}
	var total float64
	for _, m := range movements {
		total += m.Qty
	}
	if math.Abs(total-lot.CurrentQty) > qtyEpsilon*float64(len(movements)+1) {
		return fmt.Errorf("inventory: lot %s out of balance: ledger %.6f, lot %.6f", lot.LotCode, total, lot.CurrentQty)
	}
	return nil
}
