package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Invalidator drops cached stock summaries after a scan mutated lot state.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// ExpiryScanJob flags lots whose expiry date has passed. Expiry is a status
// transition only; quantities stay untouched so the ledger still replays.
type ExpiryScanJob struct {
	pool        *pgxpool.Pool
	invalidator Invalidator
	logger      *slog.Logger
}

// NewExpiryScanJob constructs the expiry scan job.
func NewExpiryScanJob(pool *pgxpool.Pool, invalidator Invalidator, logger *slog.Logger) *ExpiryScanJob {
	return &ExpiryScanJob{pool: pool, invalidator: invalidator, logger: logger}
}

// Handle processes TaskExpiryScan tasks.
func (j *ExpiryScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ExpiryScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tag, err := j.pool.Exec(ctx, `UPDATE lots SET status='EXPIRED', updated_at=NOW()
WHERE status IN ('AVAILABLE','RESERVED') AND expiry_date IS NOT NULL AND expiry_date < NOW()`)
	if err != nil {
		j.logger.Error("expiry scan", slog.Any("error", err))
		return err
	}
	flagged := tag.RowsAffected()
	if flagged > 0 && j.invalidator != nil {
		if err := j.invalidator.Bump(ctx); err != nil {
			j.logger.Warn("expiry scan cache bump", slog.Any("error", err))
		}
	}
	j.logger.Info("expiry scan done", slog.Int64("flagged", flagged))
	return nil
}
