package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/foodstock/internal/stock"
	"github.com/odyssey-erp/foodstock/jobs"
)

// ReconcileOptions defines the flags of the reconcile command.
type ReconcileOptions struct {
	OwnerID    int64
	Kind       string
	All        bool
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// EnqueueResult describes one enqueue attempt in JSON output.
type EnqueueResult struct {
	Task      string `json:"task"`
	Scope     string `json:"scope"`
	ID        string `json:"id,omitempty"`
	Queue     string `json:"queue,omitempty"`
	Duplicate bool   `json:"duplicate"`
}

// ReconcileCommand queues aggregate refreshes and prints what was enqueued.
// Without --kind both ingredient and recipe aggregates are refreshed.
func (c *JobsCLI) ReconcileCommand(ctx context.Context, opts ReconcileOptions) int {
	opts.Stdout, opts.Stderr = outputs(opts.Stdout, opts.Stderr)

	var results []EnqueueResult
	if opts.All {
		info, err := c.Trigger(ctx, jobs.TaskStockReconcileSweep, 0)
		result, err := toResult(jobs.TaskStockReconcileSweep, "all owners", info, err)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: %v\n", err)
			return 1
		}
		results = append(results, result)
	} else {
		if opts.OwnerID <= 0 {
			_, _ = fmt.Fprintln(opts.Stderr, "reconcile: --owner is required and must be positive (or pass --all)")
			return 1
		}
		kinds, err := parseKinds(opts.Kind)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: %v\n", err)
			return 1
		}
		for _, kind := range kinds {
			info, err := c.TriggerReconcile(ctx, opts.OwnerID, kind)
			scope := fmt.Sprintf("owner %d %s", opts.OwnerID, kind)
			result, err := toResult(jobs.TaskStockReconcile, scope, info, err)
			if err != nil {
				_, _ = fmt.Fprintf(opts.Stderr, "reconcile: %v\n", err)
				return 1
			}
			results = append(results, result)
		}
	}
	return render(opts.Stdout, opts.Stderr, opts.JSONOutput, results)
}

// CleanupOptions defines the flags of the cleanup command.
type CleanupOptions struct {
	Retention  time.Duration
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// CleanupCommand queues an idempotency key purge.
func (c *JobsCLI) CleanupCommand(ctx context.Context, opts CleanupOptions) int {
	opts.Stdout, opts.Stderr = outputs(opts.Stdout, opts.Stderr)
	if opts.Retention < 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "cleanup: --retention must not be negative")
		return 1
	}
	info, err := c.Trigger(ctx, jobs.TaskIdempotencyCleanup, opts.Retention)
	scope := "default retention"
	if opts.Retention > 0 {
		scope = "older than " + opts.Retention.String()
	}
	result, err := toResult(jobs.TaskIdempotencyCleanup, scope, info, err)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "cleanup: %v\n", err)
		return 1
	}
	return render(opts.Stdout, opts.Stderr, opts.JSONOutput, []EnqueueResult{result})
}

// QueueOptions defines the flags of the queues command.
type QueueOptions struct {
	Scheduled  int
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// QueueReport is the JSON shape of the queues command.
type QueueReport struct {
	Queues    []QueueStats      `json:"queues"`
	Scheduled []ScheduledReport `json:"scheduled,omitempty"`
}

// ScheduledReport lists an upcoming task.
type ScheduledReport struct {
	ID            string    `json:"id"`
	Queue         string    `json:"queue"`
	Type          string    `json:"type"`
	NextProcessAt time.Time `json:"next_process_at"`
}

// QueueCommand prints the state of the stock and default queues.
func (c *JobsCLI) QueueCommand(ctx context.Context, opts QueueOptions) int {
	opts.Stdout, opts.Stderr = outputs(opts.Stdout, opts.Stderr)
	var report QueueReport
	for _, queue := range []string{jobs.QueueStock, jobs.QueueDefault} {
		stats, err := c.InspectQueue(ctx, queue)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "queues: inspect %s: %v\n", queue, err)
			return 1
		}
		report.Queues = append(report.Queues, stats)
		if opts.Scheduled <= 0 || stats.Scheduled == 0 {
			continue
		}
		tasks, err := c.ListScheduled(ctx, queue, opts.Scheduled)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "queues: list scheduled %s: %v\n", queue, err)
			return 1
		}
		for _, task := range tasks {
			report.Scheduled = append(report.Scheduled, ScheduledReport{
				ID:            task.ID,
				Queue:         task.Queue,
				Type:          task.Type,
				NextProcessAt: task.NextProcessAt,
			})
		}
	}

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(report); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "queues: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	for _, q := range report.Queues {
		state := ""
		if q.Paused {
			state = " (paused)"
		}
		_, _ = fmt.Fprintf(opts.Stdout, "%-8s pending=%d active=%d scheduled=%d retry=%d archived=%d%s\n",
			q.Queue, q.Pending, q.Active, q.Scheduled, q.Retry, q.Archived, state)
	}
	for _, s := range report.Scheduled {
		_, _ = fmt.Fprintf(opts.Stdout, " - %s %s on %s at %s\n", s.ID, s.Type, s.Queue, s.NextProcessAt.Format(time.RFC3339))
	}
	return 0
}

func parseKinds(raw string) ([]stock.AggregateKind, error) {
	switch stock.AggregateKind(raw) {
	case "":
		return []stock.AggregateKind{stock.AggregateIngredient, stock.AggregateRecipe}, nil
	case stock.AggregateIngredient, stock.AggregateRecipe:
		return []stock.AggregateKind{stock.AggregateKind(raw)}, nil
	default:
		return nil, fmt.Errorf("unknown kind %q (expected %s or %s)", raw, stock.AggregateIngredient, stock.AggregateRecipe)
	}
}

func toResult(task, scope string, info *asynq.TaskInfo, err error) (EnqueueResult, error) {
	result := EnqueueResult{Task: task, Scope: scope}
	if errors.Is(err, asynq.ErrDuplicateTask) {
		result.Duplicate = true
		return result, nil
	}
	if err != nil {
		return result, err
	}
	if info != nil {
		result.ID = info.ID
		result.Queue = info.Queue
	}
	return result, nil
}

func render(stdout, stderr io.Writer, asJSON bool, results []EnqueueResult) int {
	if asJSON {
		if err := json.NewEncoder(stdout).Encode(results); err != nil {
			_, _ = fmt.Fprintf(stderr, "encode json: %v\n", err)
			return 1
		}
		return 0
	}
	for _, r := range results {
		if r.Duplicate {
			_, _ = fmt.Fprintf(stdout, "%s for %s already pending\n", r.Task, r.Scope)
			continue
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s for %s as %s on %s\n", r.Task, r.Scope, r.ID, r.Queue)
	}
	return 0
}

func outputs(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}
