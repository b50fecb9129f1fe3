package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/carvery-erp/carvery-erp/internal/inventory"
)

// Reconciler replays a lot's movement ledger against its stored quantity.
type Reconciler interface {
	Reconcile(ctx context.Context, lotID int64) error
}

// LotLister enumerates lots to reconcile.
type LotLister interface {
	ListLots(ctx context.Context, f inventory.LotFilter) ([]inventory.Lot, error)
}

// LedgerReconcileJob audits that every lot's ledger still replays to its
// current quantity. Out-of-balance lots are logged, never auto-corrected;
// fixing one takes an explicit adjustment.
type LedgerReconcileJob struct {
	lots       LotLister
	reconciler Reconciler
	logger     *slog.Logger
}

// NewLedgerReconcileJob constructs the reconcile job.
func NewLedgerReconcileJob(lots LotLister, reconciler Reconciler, logger *slog.Logger) *LedgerReconcileJob {
	return &LedgerReconcileJob{lots: lots, reconciler: reconciler, logger: logger}
}

// Handle processes TaskLedgerReconcile tasks.
func (j *LedgerReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload LedgerReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	maxLots := payload.MaxLots
	if maxLots <= 0 {
		maxLots = 10000
	}

	lots, err := j.lots.ListLots(ctx, inventory.LotFilter{})
	if err != nil {
		j.logger.Error("ledger reconcile list", slog.Any("error", err))
		return err
	}
	var outOfBalance int
	for i, lot := range lots {
		if i >= maxLots {
			break
		}
		if err := j.reconciler.Reconcile(ctx, lot.ID); err != nil {
			outOfBalance++
			j.logger.Error("ledger reconcile", slog.String("lot_code", lot.LotCode), slog.Any("error", err))
		}
	}
	j.logger.Info("ledger reconcile done", slog.Int("checked", min(len(lots), maxLots)), slog.Int("out_of_balance", outOfBalance))
	return nil
}
