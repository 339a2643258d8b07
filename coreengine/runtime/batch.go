package runtime

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/eraif/coreengine/logging"
	"github.com/jeeves-cluster-organization/eraif/coreengine/policy"
)

// BatchItem is one session queued for batch execution.
type BatchItem struct {
	ID       string
	Priority policy.PriorityLevel
	Run      func(ctx context.Context) error
}

// BatchRunner executes many independent sessions concurrently under the
// batch policy. Sessions never share state, so only the fan-out is bounded.
//
// Ordering:
//   - Items start in priority order, highest first, stable within a level
//   - Items below the policy PriorityThreshold are deferred until every
//     admitted item finishes; they are never dropped
type BatchRunner struct {
	Policy policy.Policy
	Logger logging.Logger
}

// NewBatchRunner creates a BatchRunner for a policy snapshot.
func NewBatchRunner(p policy.Policy, logger logging.Logger) *BatchRunner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &BatchRunner{
		Policy: p,
		Logger: logger.Bind("executor", "batch"),
	}
}

// Run executes every item and returns per-item errors in input order.
// An item failure never cancels its siblings.
func (b *BatchRunner) Run(ctx context.Context, items []BatchItem) []error {
	errs := make([]error, len(items))
	if len(items) == 0 {
		return errs
	}

	admitted, deferred := b.plan(items)
	limit := b.Policy.BatchSize
	if limit < 1 {
		limit = 1
	}

	start := time.Now()
	b.Logger.Info("batch_started",
		"items", len(items),
		"admitted", len(admitted),
		"deferred", len(deferred),
		"batch_size", limit,
		"priority_threshold", string(b.Policy.PriorityThreshold),
	)

	b.runWave(ctx, items, admitted, limit, errs)
	if len(deferred) > 0 {
		b.Logger.Debug("batch_deferred_wave", "items", len(deferred))
		b.runWave(ctx, items, deferred, limit, errs)
	}

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	b.Logger.Info("batch_completed",
		"items", len(items),
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return errs
}

// plan splits item indexes into admitted and deferred waves, each sorted by
// descending priority.
func (b *BatchRunner) plan(items []BatchItem) (admitted, deferred []int) {
	order := make([]int, len(items))
	for i := range items {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return items[order[i]].Priority.Rank() > items[order[j]].Priority.Rank()
	})

	for _, idx := range order {
		if b.Policy.Admits(items[idx].Priority) {
			admitted = append(admitted, idx)
		} else {
			deferred = append(deferred, idx)
		}
	}
	return admitted, deferred
}

func (b *BatchRunner) runWave(ctx context.Context, items []BatchItem, wave []int, limit int, errs []error) {
	var g errgroup.Group
	g.SetLimit(limit)

	for _, idx := range wave {
		item := items[idx]
		if err := ctx.Err(); err != nil {
			errs[idx] = fmt.Errorf("batch item %s not started: %w", item.ID, err)
			continue
		}
		g.Go(func() error {
			errs[idx] = runItem(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
}

func runItem(ctx context.Context, item BatchItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch item %s panicked: %v", item.ID, r)
		}
	}()
	if item.Run == nil {
		return fmt.Errorf("batch item %s has no run function", item.ID)
	}
	return item.Run(ctx)
}
