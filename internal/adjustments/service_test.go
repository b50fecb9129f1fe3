package adjustments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/carvery-erp/carvery-erp/internal/inventory"
	"github.com/carvery-erp/carvery-erp/internal/shared"
)

type memoryAdjRepo struct {
	adjustments map[int64]Adjustment
	items       map[int64][]AdjustmentItem
	nextID      int64

	// failSetApplied makes the next SetApplied call fail once.
	failSetApplied error
}

type memoryAdjTx struct {
	repo *memoryAdjRepo
}

func newMemoryAdjRepo() *memoryAdjRepo {
	return &memoryAdjRepo{
		adjustments: make(map[int64]Adjustment),
		items:       make(map[int64][]AdjustmentItem),
	}
}

func (r *memoryAdjRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	adjustments := make(map[int64]Adjustment, len(r.adjustments))
	for id, adj := range r.adjustments {
		adjustments[id] = adj
	}
	items := make(map[int64][]AdjustmentItem, len(r.items))
	for id, list := range r.items {
		items[id] = append([]AdjustmentItem(nil), list...)
	}
	nextID := r.nextID

	if err := fn(ctx, &memoryAdjTx{repo: r}); err != nil {
		r.adjustments = adjustments
		r.items = items
		r.nextID = nextID
		return err
	}
	return nil
}

func (r *memoryAdjRepo) Get(ctx context.Context, id int64) (Adjustment, error) {
	adj, ok := r.adjustments[id]
	if !ok {
		return Adjustment{}, ErrNotFound
	}
	adj.Items = append([]AdjustmentItem(nil), r.items[id]...)
	return adj, nil
}

func (r *memoryAdjRepo) List(ctx context.Context, f Filter) ([]Adjustment, error) {
	var list []Adjustment
	for id := int64(1); id <= r.nextID; id++ {
		adj, ok := r.adjustments[id]
		if !ok {
			continue
		}
		if f.WarehouseID != 0 && adj.WarehouseID != f.WarehouseID {
			continue
		}
		if f.Status != "" && adj.Status != f.Status {
			continue
		}
		if f.Type != "" && adj.Type != f.Type {
			continue
		}
		list = append(list, adj)
	}
	return list, nil
}

func (tx *memoryAdjTx) GetForUpdate(ctx context.Context, id int64) (Adjustment, error) {
	return tx.repo.Get(ctx, id)
}

func (tx *memoryAdjTx) Insert(ctx context.Context, adj Adjustment) (int64, error) {
	tx.repo.nextID++
	adj.ID = tx.repo.nextID
	tx.repo.adjustments[adj.ID] = adj
	return adj.ID, nil
}

func (tx *memoryAdjTx) InsertItem(ctx context.Context, item AdjustmentItem) (int64, error) {
	tx.repo.nextID++
	item.ID = tx.repo.nextID
	tx.repo.items[item.AdjustmentID] = append(tx.repo.items[item.AdjustmentID], item)
	return item.ID, nil
}

func (tx *memoryAdjTx) DeleteItems(ctx context.Context, adjustmentID int64) error {
	delete(tx.repo.items, adjustmentID)
	return nil
}

func (tx *memoryAdjTx) SetApproved(ctx context.Context, id, approverID int64, note string, at time.Time) error {
	adj, ok := tx.repo.adjustments[id]
	if !ok {
		return ErrNotFound
	}
	adj.Status = StatusApproved
	adj.ApprovedBy = approverID
	adj.ApprovalNotes = note
	adj.ApprovedAt = &at
	tx.repo.adjustments[id] = adj
	return nil
}

func (tx *memoryAdjTx) SetApplied(ctx context.Context, id, applierID int64, at time.Time) error {
	if err := tx.repo.failSetApplied; err != nil {
		tx.repo.failSetApplied = nil
		return err
	}
	adj, ok := tx.repo.adjustments[id]
	if !ok {
		return ErrNotFound
	}
	adj.Status = StatusApplied
	adj.AppliedBy = applierID
	adj.AppliedAt = &at
	tx.repo.adjustments[id] = adj
	return nil
}

func (tx *memoryAdjTx) SetCancelled(ctx context.Context, id int64) error {
	adj, ok := tx.repo.adjustments[id]
	if !ok {
		return ErrNotFound
	}
	adj.Status = StatusCancelled
	tx.repo.adjustments[id] = adj
	return nil
}

// fakeInventory holds lots in memory and records the correction batches it
// receives. Like the real lot store it accepts a referenced batch only
// once, answering duplicates with ErrIdempotencyConflict.
type fakeInventory struct {
	lots    map[int64]inventory.Lot
	applied [][]inventory.CorrectionInput
	posted  map[string]bool
	failErr error
}

func (f *fakeInventory) GetLot(ctx context.Context, id int64) (inventory.Lot, error) {
	lot, ok := f.lots[id]
	if !ok {
		return inventory.Lot{}, inventory.ErrNotFound
	}
	return lot, nil
}

func (f *fakeInventory) ApplyCorrections(ctx context.Context, items []inventory.CorrectionInput) ([]inventory.Movement, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	if f.posted == nil {
		f.posted = make(map[string]bool)
	}
	if ref := items[0].RefID; ref != "" {
		if f.posted[ref] {
			return nil, shared.ErrIdempotencyConflict
		}
		f.posted[ref] = true
	}
	f.applied = append(f.applied, items)
	movements := make([]inventory.Movement, 0, len(items))
	for _, item := range items {
		lot := f.lots[item.LotID]
		lot.CurrentQty += item.Delta
		f.lots[item.LotID] = lot
		movements = append(movements, inventory.Movement{
			Type:  inventory.MovementAdjustment,
			LotID: item.LotID,
			Qty:   item.Delta,
		})
	}
	return movements, nil
}

type fakeApprovals struct {
	logs []shared.ApprovalLog
}

func (f *fakeApprovals) Record(ctx context.Context, log shared.ApprovalLog) error {
	f.logs = append(f.logs, log)
	return nil
}

func (f *fakeApprovals) List(ctx context.Context, module string, refID int64) ([]shared.ApprovalLog, error) {
	var logs []shared.ApprovalLog
	for _, log := range f.logs {
		if log.Module == module && log.RefID == refID {
			logs = append(logs, log)
		}
	}
	return logs, nil
}

var adjClock = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestWorkflow(t *testing.T) (*Service, *memoryAdjRepo, *fakeInventory, *fakeApprovals) {
	t.Helper()
	repo := newMemoryAdjRepo()
	inv := &fakeInventory{lots: map[int64]inventory.Lot{
		1: {ID: 1, ProductID: 10, WarehouseID: 1, LotCode: "INT-2603-0001", CurrentQty: 10, UnitCost: decimal.RequireFromString("3.00")},
		2: {ID: 2, ProductID: 11, WarehouseID: 1, LotCode: "INT-2603-0002", CurrentQty: 4, UnitCost: decimal.RequireFromString("5.00")},
		3: {ID: 3, ProductID: 11, WarehouseID: 2, LotCode: "INT-2603-0003", CurrentQty: 8, UnitCost: decimal.RequireFromString("5.00")},
	}}
	approvals := &fakeApprovals{}
	svc := NewService(repo, inv, approvals, nil)
	svc.WithNow(func() time.Time { return adjClock })
	return svc, repo, inv, approvals
}

func mustCreateAdjustment(t *testing.T, svc *Service, items []ItemInput) Adjustment {
	t.Helper()
	adj, err := svc.Create(context.Background(), CreateInput{
		WarehouseID: 1,
		Type:        TypePhysicalCount,
		Reason:      "monthly count",
		CreatedBy:   7,
		Items:       items,
	})
	require.NoError(t, err)
	return adj
}

func TestCreateSnapshotsSystemState(t *testing.T) {
	svc, _, _, _ := newTestWorkflow(t)

	adj := mustCreateAdjustment(t, svc, []ItemInput{
		{LotID: 1, PhysicalQty: 7.5},
		{LotID: 2, PhysicalQty: 4},
	})

	require.Equal(t, StatusDraft, adj.Status)
	require.NotEmpty(t, adj.Number)
	require.Len(t, adj.Items, 2)

	first := adj.Items[0]
	require.Equal(t, 10.0, first.SystemQty)
	require.Equal(t, 7.5, first.PhysicalQty)
	require.Equal(t, -2.5, first.Difference())
	require.True(t, first.UnitCost.Equal(decimal.RequireFromString("3.00")))
	require.True(t, first.CostImpact().Equal(decimal.RequireFromString("-7.5")))

	require.Equal(t, 0.0, adj.Items[1].Difference())
}

func TestCreateValidation(t *testing.T) {
	svc, _, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateInput
		want  error
	}{
		{"unknown type", CreateInput{WarehouseID: 1, Type: "GUESS", Reason: "x", Items: []ItemInput{{LotID: 1}}}, ErrValidation},
		{"empty reason", CreateInput{WarehouseID: 1, Type: TypeDamage, Reason: "  ", Items: []ItemInput{{LotID: 1}}}, ErrValidation},
		{"no items", CreateInput{WarehouseID: 1, Type: TypeDamage, Reason: "x"}, ErrValidation},
		{"lot in other warehouse", CreateInput{WarehouseID: 1, Type: TypeDamage, Reason: "x", Items: []ItemInput{{LotID: 3}}}, ErrValidation},
		{"duplicate lot", CreateInput{WarehouseID: 1, Type: TypeDamage, Reason: "x", Items: []ItemInput{{LotID: 1}, {LotID: 1}}}, ErrValidation},
		{"negative physical", CreateInput{WarehouseID: 1, Type: TypeDamage, Reason: "x", Items: []ItemInput{{LotID: 1, PhysicalQty: -1}}}, ErrValidation},
		{"missing lot", CreateInput{WarehouseID: 1, Type: TypeDamage, Reason: "x", Items: []ItemInput{{LotID: 99}}}, inventory.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.input)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestUpdateItemsOnlyWhileDraft(t *testing.T) {
	svc, _, inv, _ := newTestWorkflow(t)
	ctx := context.Background()
	adj := mustCreateAdjustment(t, svc, []ItemInput{{LotID: 1, PhysicalQty: 9}})

	// Re-snapshot picks up lot state changes since the first count.
	lot := inv.lots[1]
	lot.CurrentQty = 12
	inv.lots[1] = lot

	updated, err := svc.UpdateItems(ctx, adj.ID, []ItemInput{{LotID: 1, PhysicalQty: 11}}, 7)
	require.NoError(t, err)
	require.Len(t, updated.Items, 1)
	require.Equal(t, 12.0, updated.Items[0].SystemQty)
	require.Equal(t, 11.0, updated.Items[0].PhysicalQty)

	_, err = svc.Approve(ctx, adj.ID, 8, "")
	require.NoError(t, err)
	_, err = svc.UpdateItems(ctx, adj.ID, []ItemInput{{LotID: 1, PhysicalQty: 10}}, 7)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestApproveRecordsTrail(t *testing.T) {
	svc, _, _, _ := newTestWorkflow(t)
	ctx := context.Background()
	adj := mustCreateAdjustment(t, svc, []ItemInput{{LotID: 1, PhysicalQty: 9}})

	approved, err := svc.Approve(ctx, adj.ID, 8, "count verified")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.Equal(t, int64(8), approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)

	_, err = svc.Approve(ctx, adj.ID, 8, "")
	require.ErrorIs(t, err, ErrInvalidState)

	history, err := svc.ApprovalHistory(ctx, adj.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, shared.ApprovalApprove, history[0].Action)
	require.Equal(t, "count verified", history[0].Note)
}

func TestApplyPostsOnlyNonZeroDifferences(t *testing.T) {
	svc, _, inv, _ := newTestWorkflow(t)
	ctx := context.Background()
	adj := mustCreateAdjustment(t, svc, []ItemInput{
		{LotID: 1, PhysicalQty: 7.5},
		{LotID: 2, PhysicalQty: 4},
	})

	_, err := svc.Approve(ctx, adj.ID, 8, "")
	require.NoError(t, err)
	applied, err := svc.Apply(ctx, adj.ID, 9)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, applied.Status)
	require.Equal(t, int64(9), applied.AppliedBy)
	require.NotNil(t, applied.AppliedAt)

	require.Len(t, inv.applied, 1)
	batch := inv.applied[0]
	require.Len(t, batch, 1)
	require.Equal(t, int64(1), batch[0].LotID)
	require.Equal(t, -2.5, batch[0].Delta)
	require.Equal(t, "ADJUSTMENT", batch[0].RefType)
	require.Equal(t, adj.Number, batch[0].RefID)
	require.Equal(t, 7.5, inv.lots[1].CurrentQty)

	history, err := svc.ApprovalHistory(ctx, adj.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, shared.ApprovalApply, history[1].Action)
}

func TestApplyRequiresApprovedStatus(t *testing.T) {
	svc, _, _, _ := newTestWorkflow(t)
	ctx := context.Background()
	adj := mustCreateAdjustment(t, svc, []ItemInput{{LotID: 1, PhysicalQty: 9}})

	_, err := svc.Apply(ctx, adj.ID, 9)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = svc.Approve(ctx, adj.ID, 8, "")
	require.NoError(t, err)
	_, err = svc.Apply(ctx, adj.ID, 9)
	require.NoError(t, err)

	_, err = svc.Apply(ctx, adj.ID, 9)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestApplyFailureLeavesAdjustmentApproved(t *testing.T) {
	svc, repo, inv, _ := newTestWorkflow(t)
	ctx := context.Background()
	adj := mustCreateAdjustment(t, svc, []ItemInput{{LotID: 1, PhysicalQty: 7}})

	_, err := svc.Approve(ctx, adj.ID, 8, "")
	require.NoError(t, err)

	inv.failErr = inventory.ErrInsufficientStock
	_, err = svc.Apply(ctx, adj.ID, 9)
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)

	stored, err := repo.Get(ctx, adj.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, stored.Status)

	// Once the stock conflict is resolved the same adjustment applies.
	inv.failErr = nil
	applied, err := svc.Apply(ctx, adj.ID, 9)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, applied.Status)
}

func TestApplyRetryAfterStatusWriteFailure(t *testing.T) {
	svc, repo, inv, _ := newTestWorkflow(t)
	ctx := context.Background()
	adj := mustCreateAdjustment(t, svc, []ItemInput{{LotID: 1, PhysicalQty: 7}})

	_, err := svc.Approve(ctx, adj.ID, 8, "")
	require.NoError(t, err)

	// Corrections commit in the lot store, then the status write dies.
	repo.failSetApplied = errors.New("connection reset by peer")
	_, err = svc.Apply(ctx, adj.ID, 9)
	require.Error(t, err)

	stored, err := repo.Get(ctx, adj.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, stored.Status)
	require.Equal(t, 7.0, inv.lots[1].CurrentQty)

	// The retry finds the batch already posted under the adjustment
	// number and only completes the transition; quantities stay put.
	applied, err := svc.Apply(ctx, adj.ID, 9)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, applied.Status)
	require.Equal(t, 7.0, inv.lots[1].CurrentQty)
	require.Len(t, inv.applied, 1)
}

func TestCancelTransitions(t *testing.T) {
	svc, _, inv, _ := newTestWorkflow(t)
	ctx := context.Background()

	draft := mustCreateAdjustment(t, svc, []ItemInput{{LotID: 1, PhysicalQty: 9}})
	cancelled, err := svc.Cancel(ctx, draft.ID, 7, "miscount")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	approved := mustCreateAdjustment(t, svc, []ItemInput{{LotID: 1, PhysicalQty: 9}})
	_, err = svc.Approve(ctx, approved.ID, 8, "")
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, approved.ID, 7, "")
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, approved.ID, 7, "")
	require.ErrorIs(t, err, ErrInvalidState)

	applied := mustCreateAdjustment(t, svc, []ItemInput{{LotID: 1, PhysicalQty: 9}})
	_, err = svc.Approve(ctx, applied.ID, 8, "")
	require.NoError(t, err)
	_, err = svc.Apply(ctx, applied.ID, 9)
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, applied.ID, 7, "")
	require.ErrorIs(t, err, ErrInvalidState)

	// Cancelled and unapplied documents never touched stock.
	require.Equal(t, 10.0, inv.lots[1].CurrentQty)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusDraft, StatusApproved, true},
		{StatusDraft, StatusCancelled, true},
		{StatusDraft, StatusApplied, false},
		{StatusApproved, StatusApplied, true},
		{StatusApproved, StatusCancelled, true},
		{StatusApproved, StatusDraft, false},
		{StatusApplied, StatusCancelled, false},
		{StatusApplied, StatusDraft, false},
		{StatusCancelled, StatusApproved, false},
		{StatusCancelled, StatusApplied, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
