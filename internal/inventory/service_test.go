package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/carvery-erp/carvery-erp/internal/shared"
)

type memoryRepo struct {
	lots      map[int64]Lot
	movements []Movement
	waste     []WasteRecord
	seq       map[string]int64
	nextID    int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		lots: make(map[int64]Lot),
		seq:  make(map[string]int64),
	}
}

// WithTx snapshots state up front and restores it when the callback fails,
// so all-or-nothing behaviour is observable in tests.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	lots := make(map[int64]Lot, len(r.lots))
	for id, lot := range r.lots {
		lots[id] = lot
	}
	movements := append([]Movement(nil), r.movements...)
	waste := append([]WasteRecord(nil), r.waste...)
	seq := make(map[string]int64, len(r.seq))
	for k, v := range r.seq {
		seq[k] = v
	}
	nextID := r.nextID

	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.lots = lots
		r.movements = movements
		r.waste = waste
		r.seq = seq
		r.nextID = nextID
		return err
	}
	return nil
}

func (r *memoryRepo) GetLot(ctx context.Context, id int64) (Lot, error) {
	lot, ok := r.lots[id]
	if !ok {
		return Lot{}, ErrNotFound
	}
	return lot, nil
}

func (r *memoryRepo) ListLots(ctx context.Context, f LotFilter) ([]Lot, error) {
	var lots []Lot
	for id := int64(1); id <= r.nextID; id++ {
		lot, ok := r.lots[id]
		if !ok {
			continue
		}
		if f.ProductID != 0 && lot.ProductID != f.ProductID {
			continue
		}
		if f.WarehouseID != 0 && lot.WarehouseID != f.WarehouseID {
			continue
		}
		if f.Status != "" && lot.Status != f.Status {
			continue
		}
		lots = append(lots, lot)
	}
	return lots, nil
}

func (r *memoryRepo) ListMovements(ctx context.Context, f MovementFilter) ([]Movement, error) {
	var list []Movement
	for _, m := range r.movements {
		if f.LotID != 0 && m.LotID != f.LotID {
			continue
		}
		if f.ProductID != 0 && m.ProductID != f.ProductID {
			continue
		}
		if f.WarehouseID != 0 && m.WarehouseID != f.WarehouseID {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		list = append(list, m)
	}
	return list, nil
}

func (r *memoryRepo) ListWasteRecords(ctx context.Context, warehouseID int64) ([]WasteRecord, error) {
	var list []WasteRecord
	for _, rec := range r.waste {
		if rec.WarehouseID == warehouseID {
			list = append(list, rec)
		}
	}
	return list, nil
}

func (tx *memoryTx) GetLotForUpdate(ctx context.Context, lotID int64) (Lot, error) {
	return tx.repo.GetLot(ctx, lotID)
}

func (tx *memoryTx) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	tx.repo.nextID++
	lot.ID = tx.repo.nextID
	tx.repo.lots[lot.ID] = lot
	return lot.ID, nil
}

func (tx *memoryTx) UpdateLotState(ctx context.Context, lotID int64, currentQty, reservedQty float64, status LotStatus) error {
	lot, ok := tx.repo.lots[lotID]
	if !ok {
		return ErrNotFound
	}
	lot.CurrentQty = currentQty
	lot.ReservedQty = reservedQty
	lot.Status = status
	tx.repo.lots[lotID] = lot
	return nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	tx.repo.nextID++
	m.ID = tx.repo.nextID
	tx.repo.movements = append(tx.repo.movements, m)
	return m.ID, nil
}

func (tx *memoryTx) NextLotSequence(ctx context.Context, period string) (int64, error) {
	tx.repo.seq[period]++
	return tx.repo.seq[period], nil
}

func (tx *memoryTx) InsertWasteRecord(ctx context.Context, rec WasteRecord) (int64, error) {
	tx.repo.nextID++
	rec.ID = tx.repo.nextID
	tx.repo.waste = append(tx.repo.waste, rec)
	return rec.ID, nil
}

type fakeWarehouses struct {
	active map[int64]bool
}

func (f *fakeWarehouses) IsActive(ctx context.Context, warehouseID int64) (bool, error) {
	return f.active[warehouseID], nil
}

// fakeIdempotency mirrors the pg-backed key store with an in-memory set.
type fakeIdempotency struct {
	keys map[string]bool
}

func (f *fakeIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if f.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	f.keys[key] = true
	return nil
}

func (f *fakeIdempotency) Delete(ctx context.Context, key string) error {
	delete(f.keys, key)
	return nil
}

var testClock = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	svc := NewService(repo, &fakeWarehouses{active: map[int64]bool{1: true, 2: true}}, nil, nil, nil)
	svc.WithNow(func() time.Time { return testClock })
	return svc, repo
}

func mustCreateLot(t *testing.T, svc *Service, productID, warehouseID int64, qty float64, cost string) Lot {
	t.Helper()
	lot, err := svc.CreateLot(context.Background(), CreateLotInput{
		ProductID:   productID,
		WarehouseID: warehouseID,
		Qty:         qty,
		UnitCost:    decimal.RequireFromString(cost),
		ActorID:     7,
	})
	require.NoError(t, err)
	return lot
}

func TestCreateLotGeneratesSequentialCodes(t *testing.T) {
	svc, repo := newTestService(t)

	first := mustCreateLot(t, svc, 10, 1, 25, "8.50")
	second := mustCreateLot(t, svc, 10, 1, 40, "8.50")

	require.Equal(t, "INT-2603-0001", first.LotCode)
	require.Equal(t, "INT-2603-0002", second.LotCode)
	require.Equal(t, LotAvailable, first.Status)
	require.Equal(t, 25.0, first.CurrentQty)
	require.True(t, first.TotalCost.Equal(decimal.RequireFromString("212.5")))

	movements, err := repo.ListMovements(context.Background(), MovementFilter{LotID: first.ID})
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.Equal(t, MovementInitial, movements[0].Type)
	require.Equal(t, 25.0, movements[0].Qty)
}

func TestCreateLotValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateLotInput
	}{
		{"zero quantity", CreateLotInput{ProductID: 1, WarehouseID: 1, Qty: 0}},
		{"negative quantity", CreateLotInput{ProductID: 1, WarehouseID: 1, Qty: -4}},
		{"negative cost", CreateLotInput{ProductID: 1, WarehouseID: 1, Qty: 5, UnitCost: decimal.RequireFromString("-1")}},
		{"consuming opening type", CreateLotInput{ProductID: 1, WarehouseID: 1, Qty: 5, MovementType: MovementSale}},
		{"missing product", CreateLotInput{WarehouseID: 1, Qty: 5}},
		{"inactive warehouse", CreateLotInput{ProductID: 1, WarehouseID: 99, Qty: 5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateLot(ctx, tc.input)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestConsumeDrainsLotToSoldOut(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	lot := mustCreateLot(t, svc, 10, 1, 10, "3.00")

	updated, movement, err := svc.Consume(ctx, ConsumeInput{LotID: lot.ID, Qty: 4, MovementType: MovementSale, ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, 6.0, updated.CurrentQty)
	require.Equal(t, LotAvailable, updated.Status)
	require.Equal(t, -4.0, movement.Qty)

	updated, _, err = svc.Consume(ctx, ConsumeInput{LotID: lot.ID, Qty: 6, MovementType: MovementSale, ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, 0.0, updated.CurrentQty)
	require.Equal(t, LotSoldOut, updated.Status)

	_, _, err = svc.Consume(ctx, ConsumeInput{LotID: lot.ID, Qty: 1, MovementType: MovementSale, ActorID: 7})
	require.ErrorIs(t, err, ErrLotNotAvailable)
}

func TestConsumeRespectsReservedQuantity(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	lot := mustCreateLot(t, svc, 10, 1, 10, "3.00")

	_, err := svc.Reserve(ctx, lot.ID, 5, 7)
	require.NoError(t, err)

	_, _, err = svc.Consume(ctx, ConsumeInput{LotID: lot.ID, Qty: 7, MovementType: MovementSale, ActorID: 7})
	require.ErrorIs(t, err, ErrInsufficientStock)

	updated, _, err := svc.Consume(ctx, ConsumeInput{LotID: lot.ID, Qty: 5, MovementType: MovementSale, ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, 5.0, updated.CurrentQty)
	require.Equal(t, 5.0, updated.ReservedQty)
}

func TestReceiveReactivatesSoldOutLot(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	lot := mustCreateLot(t, svc, 10, 1, 5, "3.00")

	_, _, err := svc.Consume(ctx, ConsumeInput{LotID: lot.ID, Qty: 5, MovementType: MovementSale, ActorID: 7})
	require.NoError(t, err)

	updated, movement, err := svc.Receive(ctx, ReceiveInput{LotID: lot.ID, Qty: 3, MovementType: MovementPurchase, ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, 3.0, updated.CurrentQty)
	require.Equal(t, LotAvailable, updated.Status)
	require.Equal(t, 3.0, movement.Qty)
}

func TestReceiveRejectsInactiveWarehouse(t *testing.T) {
	repo := newMemoryRepo()
	warehouses := &fakeWarehouses{active: map[int64]bool{1: true}}
	svc := NewService(repo, warehouses, nil, nil, nil)
	svc.WithNow(func() time.Time { return testClock })
	ctx := context.Background()
	lot := mustCreateLot(t, svc, 10, 1, 10, "3.00")

	warehouses.active[1] = false
	_, _, err := svc.Receive(ctx, ReceiveInput{LotID: lot.ID, Qty: 3, MovementType: MovementPurchase, ActorID: 7})
	require.ErrorIs(t, err, ErrValidation)

	// Draining a closed warehouse is still allowed.
	updated, _, err := svc.Consume(ctx, ConsumeInput{LotID: lot.ID, Qty: 4, MovementType: MovementSale, ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, 6.0, updated.CurrentQty)
}

func TestReceiveRejectsTerminalLots(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	lot := mustCreateLot(t, svc, 10, 1, 5, "3.00")

	for _, status := range []LotStatus{LotExpired, LotDamaged} {
		stored := repo.lots[lot.ID]
		stored.Status = status
		repo.lots[lot.ID] = stored

		_, _, err := svc.Receive(ctx, ReceiveInput{LotID: lot.ID, Qty: 3, MovementType: MovementPurchase, ActorID: 7})
		require.ErrorIs(t, err, ErrLotNotAvailable)
	}
}

func TestReservationBounds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	lot := mustCreateLot(t, svc, 10, 1, 10, "3.00")

	_, err := svc.Reserve(ctx, lot.ID, 11, 7)
	require.ErrorIs(t, err, ErrValidation)

	updated, err := svc.Reserve(ctx, lot.ID, 10, 7)
	require.NoError(t, err)
	require.Equal(t, 10.0, updated.ReservedQty)
	require.Equal(t, 0.0, updated.AvailableQty())

	_, err = svc.Release(ctx, lot.ID, 11, 7)
	require.ErrorIs(t, err, ErrValidation)

	updated, err = svc.Release(ctx, lot.ID, 10, 7)
	require.NoError(t, err)
	require.Equal(t, 0.0, updated.ReservedQty)
}

func TestTransferConservesQuantityAndCost(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	source := mustCreateLot(t, svc, 10, 1, 10, "4.25")

	result, err := svc.Transfer(ctx, TransferInput{
		SourceWarehouseID:      1,
		DestinationWarehouseID: 2,
		LotID:                  source.ID,
		Qty:                    4,
		ActorID:                7,
	})
	require.NoError(t, err)
	require.Equal(t, 6.0, result.SourceLot.CurrentQty)
	require.Equal(t, 4.0, result.DestLot.CurrentQty)
	require.Equal(t, int64(2), result.DestLot.WarehouseID)
	require.True(t, result.DestLot.UnitCost.Equal(source.UnitCost))
	require.NotEmpty(t, result.TransferID)
	require.Equal(t, result.OutMovement.RefID, result.InMovement.RefID)
	require.Equal(t, 0.0, result.OutMovement.Qty+result.InMovement.Qty)

	// Quantity across both warehouses is unchanged.
	var total float64
	for _, lot := range repo.lots {
		total += lot.CurrentQty
	}
	require.Equal(t, 10.0, total)
}

func TestTransferValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	source := mustCreateLot(t, svc, 10, 1, 10, "4.25")

	_, err := svc.Transfer(ctx, TransferInput{SourceWarehouseID: 1, DestinationWarehouseID: 1, LotID: source.ID, Qty: 2, ActorID: 7})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Transfer(ctx, TransferInput{SourceWarehouseID: 1, DestinationWarehouseID: 99, LotID: source.ID, Qty: 2, ActorID: 7})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Transfer(ctx, TransferInput{SourceWarehouseID: 2, DestinationWarehouseID: 1, LotID: source.ID, Qty: 2, ActorID: 7})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Transfer(ctx, TransferInput{SourceWarehouseID: 1, DestinationWarehouseID: 2, LotID: source.ID, Qty: 11, ActorID: 7})
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestRecordWastePricesAtLotCost(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	lot := mustCreateLot(t, svc, 10, 1, 10, "6.40")

	record, err := svc.RecordWaste(ctx, WasteInput{
		LotID:   lot.ID,
		Type:    WasteTemperature,
		Qty:     2.5,
		Reason:  "cold chain break overnight",
		ActorID: 7,
	})
	require.NoError(t, err)
	require.Equal(t, lot.ID, record.LotID)
	require.True(t, record.TotalCost.Equal(decimal.RequireFromString("16")))

	movements, err := repo.ListMovements(ctx, MovementFilter{LotID: lot.ID, Type: MovementWaste})
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.Equal(t, -2.5, movements[0].Qty)
	require.Equal(t, movements[0].ID, record.MovementID)

	records, err := svc.ListWasteRecords(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestRecordWasteValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	lot := mustCreateLot(t, svc, 10, 1, 10, "6.40")

	_, err := svc.RecordWaste(ctx, WasteInput{LotID: lot.ID, Type: WasteDamage, Qty: 0, Reason: "x", ActorID: 7})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.RecordWaste(ctx, WasteInput{LotID: lot.ID, Type: WasteDamage, Qty: 1, Reason: "   ", ActorID: 7})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.RecordWaste(ctx, WasteInput{LotID: lot.ID, Type: "MELTED", Qty: 1, Reason: "x", ActorID: 7})
	require.ErrorIs(t, err, ErrValidation)
}

func TestApplyCorrectionsAllOrNothing(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	first := mustCreateLot(t, svc, 10, 1, 10, "3.00")
	second := mustCreateLot(t, svc, 11, 1, 4, "5.00")

	_, err := svc.ApplyCorrections(ctx, []CorrectionInput{
		{LotID: first.ID, Delta: 2, RefType: "ADJUSTMENT", RefID: "ADJ-1", ActorID: 7},
		{LotID: second.ID, Delta: -6, RefType: "ADJUSTMENT", RefID: "ADJ-1", ActorID: 7},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	// Neither lot changed and no movements were posted.
	require.Equal(t, 10.0, repo.lots[first.ID].CurrentQty)
	require.Equal(t, 4.0, repo.lots[second.ID].CurrentQty)
	adjustments, err := repo.ListMovements(ctx, MovementFilter{Type: MovementAdjustment})
	require.NoError(t, err)
	require.Empty(t, adjustments)
}

func TestApplyCorrectionsMutatesAndPosts(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	first := mustCreateLot(t, svc, 10, 1, 10, "3.00")
	second := mustCreateLot(t, svc, 11, 1, 4, "5.00")

	movements, err := svc.ApplyCorrections(ctx, []CorrectionInput{
		{LotID: second.ID, Delta: -4, RefType: "ADJUSTMENT", RefID: "ADJ-2", ActorID: 7},
		{LotID: first.ID, Delta: 3.5, RefType: "ADJUSTMENT", RefID: "ADJ-2", ActorID: 7},
	})
	require.NoError(t, err)
	require.Len(t, movements, 2)

	// A count may legitimately raise a lot above its initial quantity.
	require.Equal(t, 13.5, repo.lots[first.ID].CurrentQty)
	require.Equal(t, 0.0, repo.lots[second.ID].CurrentQty)
	require.Equal(t, LotSoldOut, repo.lots[second.ID].Status)

	// Corrections are locked and posted in ascending lot id order.
	require.Equal(t, first.ID, movements[0].LotID)
	require.Equal(t, second.ID, movements[1].LotID)
}

func TestApplyCorrectionsRejectsUndercuttingReserved(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	lot := mustCreateLot(t, svc, 10, 1, 10, "3.00")

	_, err := svc.Reserve(ctx, lot.ID, 6, 7)
	require.NoError(t, err)

	_, err = svc.ApplyCorrections(ctx, []CorrectionInput{
		{LotID: lot.ID, Delta: -5, RefType: "ADJUSTMENT", RefID: "ADJ-3", ActorID: 7},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestApplyCorrectionsPostsOncePerReference(t *testing.T) {
	repo := newMemoryRepo()
	idem := &fakeIdempotency{keys: make(map[string]bool)}
	svc := NewService(repo, &fakeWarehouses{active: map[int64]bool{1: true}}, nil, idem, nil)
	svc.WithNow(func() time.Time { return testClock })
	ctx := context.Background()
	lot := mustCreateLot(t, svc, 10, 1, 10, "3.00")

	batch := []CorrectionInput{{LotID: lot.ID, Delta: -3, RefType: "ADJUSTMENT", RefID: "ADJ-260310-000042", ActorID: 7}}
	_, err := svc.ApplyCorrections(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 7.0, repo.lots[lot.ID].CurrentQty)

	// Resubmitting the committed batch must not double the correction.
	_, err = svc.ApplyCorrections(ctx, batch)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Equal(t, 7.0, repo.lots[lot.ID].CurrentQty)
	movements, err := repo.ListMovements(ctx, MovementFilter{Type: MovementAdjustment})
	require.NoError(t, err)
	require.Len(t, movements, 1)
}

func TestApplyCorrectionsReleasesReferenceOnFailure(t *testing.T) {
	repo := newMemoryRepo()
	idem := &fakeIdempotency{keys: make(map[string]bool)}
	svc := NewService(repo, &fakeWarehouses{active: map[int64]bool{1: true}}, nil, idem, nil)
	svc.WithNow(func() time.Time { return testClock })
	ctx := context.Background()
	lot := mustCreateLot(t, svc, 10, 1, 4, "3.00")

	_, err := svc.ApplyCorrections(ctx, []CorrectionInput{
		{LotID: lot.ID, Delta: -6, RefType: "ADJUSTMENT", RefID: "ADJ-260310-000043", ActorID: 7},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	// The failed batch never posted, so its reference may be reused.
	_, err = svc.ApplyCorrections(ctx, []CorrectionInput{
		{LotID: lot.ID, Delta: -2, RefType: "ADJUSTMENT", RefID: "ADJ-260310-000043", ActorID: 7},
	})
	require.NoError(t, err)
	require.Equal(t, 2.0, repo.lots[lot.ID].CurrentQty)
}

func TestLedgerReplaysToCurrentQuantity(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	stock := NewStockService(repo, nil)

	lot := mustCreateLot(t, svc, 10, 1, 20, "2.00")
	_, _, err := svc.Consume(ctx, ConsumeInput{LotID: lot.ID, Qty: 7, MovementType: MovementSale, ActorID: 7})
	require.NoError(t, err)
	_, _, err = svc.Receive(ctx, ReceiveInput{LotID: lot.ID, Qty: 4, MovementType: MovementPurchase, ActorID: 7})
	require.NoError(t, err)
	_, err = svc.ApplyCorrections(ctx, []CorrectionInput{{LotID: lot.ID, Delta: -1.5, RefType: "ADJUSTMENT", RefID: "ADJ-4", ActorID: 7}})
	require.NoError(t, err)

	require.NoError(t, stock.Reconcile(ctx, lot.ID))

	// Tampering with lot state without a movement breaks the replay law.
	tampered := repo.lots[lot.ID]
	tampered.CurrentQty += 2
	repo.lots[lot.ID] = tampered
	require.Error(t, stock.Reconcile(ctx, lot.ID))
}
