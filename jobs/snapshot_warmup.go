package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clasicc/salesmargin/internal/sales/margin"
)

// SnapshotWarmupJob recomputes breakdowns for recently adjusted orders so the
// first read after a cache bump does not pay the extraction cost.
type SnapshotWarmupJob struct {
	Margin *margin.Service
	Pool   *pgxpool.Pool
	Logger *slog.Logger
	clock  func() time.Time
}

// NewSnapshotWarmupJob wires dependencies for the warmup handler.
func NewSnapshotWarmupJob(marginSvc *margin.Service, pool *pgxpool.Pool, logger *slog.Logger) *SnapshotWarmupJob {
	return &SnapshotWarmupJob{
		Margin: marginSvc,
		Pool:   pool,
		Logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes margin snapshot warmup tasks.
func (j *SnapshotWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("snapshot warmup: handler not configured")
	}
	var payload MarginSnapshotPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	logger := j.logger()
	orderIDs := payload.OrderIDs
	if len(orderIDs) == 0 {
		var err error
		orderIDs, err = j.recentlyAdjustedOrders(ctx)
		if err != nil {
			logger.Error("load recently adjusted orders", slog.Any("error", err))
			return err
		}
	}
	if len(orderIDs) == 0 {
		logger.Info("no orders to warm")
		return nil
	}

	start := j.now()
	warmed := 0
	for _, orderID := range orderIDs {
		if err := j.warmOrder(ctx, orderID); err != nil {
			if errors.Is(err, margin.ErrOrderNotFound) {
				logger.Warn("skipping missing order", slog.Int64("order_id", orderID))
				continue
			}
			logger.Error("warm order", slog.Int64("order_id", orderID), slog.Any("error", err))
			return err
		}
		warmed++
	}

	logger.Info("completed snapshot warmup", slog.Int("orders", warmed), slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *SnapshotWarmupJob) warmOrder(ctx context.Context, orderID int64) error {
	if j.Margin == nil {
		return nil
	}
	orderCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	_, err := j.Margin.RefreshBreakdown(orderCtx, orderID)
	return err
}

func (j *SnapshotWarmupJob) recentlyAdjustedOrders(ctx context.Context) ([]int64, error) {
	if j.Pool == nil {
		return nil, errors.New("snapshot warmup: pool not configured")
	}
	since := j.now().Add(-24 * time.Hour)
	rows, err := j.Pool.Query(ctx, `
		SELECT DISTINCT order_id
		FROM margin_history
		WHERE created_at >= $1
		ORDER BY order_id
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orderIDs := make([]int64, 0)
	for rows.Next() {
		var orderID int64
		if err := rows.Scan(&orderID); err != nil {
			return nil, err
		}
		orderIDs = append(orderIDs, orderID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orderIDs, nil
}

func (j *SnapshotWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskMarginSnapshotWarmup))
	}
	return slog.Default().With(slog.String("job", TaskMarginSnapshotWarmup))
}

func (j *SnapshotWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
