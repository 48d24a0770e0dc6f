package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/foodstock/internal/stock"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueStock carries aggregate refreshes and is weighted above default.
	QueueStock = "stock"

	// TaskStockReconcile refreshes one aggregate kind of one owner.
	TaskStockReconcile = "stock:reconcile"
	// TaskStockReconcileSweep refreshes every owner's aggregates.
	TaskStockReconcileSweep = "stock:reconcile-sweep"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// reconcileUniqueTTL collapses bursts of triggers for the same aggregate.
const reconcileUniqueTTL = 30 * time.Second

// StockReconcilePayload scopes a reconcile task.
type StockReconcilePayload struct {
	OwnerID int64               `json:"owner_id"`
	Kind    stock.AggregateKind `json:"kind"`
}

func (p StockReconcilePayload) validate() error {
	if p.OwnerID <= 0 {
		return fmt.Errorf("jobs: reconcile payload requires owner, got %d", p.OwnerID)
	}
	if p.Kind != stock.AggregateIngredient && p.Kind != stock.AggregateRecipe {
		return fmt.Errorf("jobs: unknown aggregate kind %q", p.Kind)
	}
	return nil
}

// NewStockReconcileTask constructs the task for one owner and kind.
func NewStockReconcileTask(ownerID int64, kind stock.AggregateKind) (*asynq.Task, error) {
	payload := StockReconcilePayload{OwnerID: ownerID, Kind: kind}
	if err := payload.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockReconcile, body,
		asynq.Queue(QueueStock),
		asynq.MaxRetry(5),
		asynq.Unique(reconcileUniqueTTL),
	), nil
}

// SweepPayload carries scheduling metadata.
type SweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewStockReconcileSweepTask constructs the nightly sweep task.
func NewStockReconcileSweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockReconcileSweep, body, asynq.Queue(QueueDefault), asynq.MaxRetry(2)), nil
}

// IdempotencyCleanupPayload configures how old purged keys must be.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
