package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/foodstock/internal/jobs"
	"github.com/odyssey-erp/foodstock/internal/stock"
)

// Reconciler is the part of stock.Reconciler the jobs drive.
type Reconciler interface {
	Reconcile(ctx context.Context, ownerID int64, kind stock.AggregateKind) error
	ReconcileAll(ctx context.Context) (int, error)
}

// StockReconcileJob runs aggregate refreshes queued by async triggers and
// the nightly sweep.
type StockReconcileJob struct {
	Reconciler Reconciler
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewStockReconcileJob constructs the job handler.
func NewStockReconcileJob(reconciler Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockReconcileJob {
	return &StockReconcileJob{Reconciler: reconciler, Logger: logger, Metrics: metrics}
}

// Handle processes TaskStockReconcile.
func (j *StockReconcileJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Reconciler == nil {
		return errors.New("stock reconcile: reconciler not configured")
	}
	var payload StockReconcilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("stock reconcile: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskStockReconcile)
	defer func() { err = tracker.End(err) }()

	if err := j.Reconciler.Reconcile(ctx, payload.OwnerID, payload.Kind); err != nil {
		j.log().Error("stock reconcile task failed",
			slog.Int64("owner_id", payload.OwnerID),
			slog.String("kind", string(payload.Kind)),
			slog.Bool("degraded", true),
			slog.Any("error", err),
		)
		return err
	}
	j.log().Debug("stock aggregates reconciled", slog.Int64("owner_id", payload.OwnerID), slog.String("kind", string(payload.Kind)))
	return nil
}

// HandleSweep processes TaskStockReconcileSweep.
func (j *StockReconcileJob) HandleSweep(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Reconciler == nil {
		return errors.New("stock sweep: reconciler not configured")
	}
	var payload SweepPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("stock sweep: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	tracker := j.Metrics.Track(TaskStockReconcileSweep)
	defer func() { err = tracker.End(err) }()

	owners, err := j.Reconciler.ReconcileAll(ctx)
	j.Metrics.AddItems(TaskStockReconcileSweep, int64(owners))
	if err != nil {
		j.log().Error("stock sweep incomplete", slog.Int("owners", owners), slog.Any("error", err))
		return err
	}
	j.log().Info("stock sweep finished", slog.Int("owners", owners))
	return nil
}

func (j *StockReconcileJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
