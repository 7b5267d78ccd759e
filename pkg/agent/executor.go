package agent

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/khoj-ai/pipali/pkg/models"
	"github.com/khoj-ai/pipali/pkg/tools"
)

// ParallelExecutor runs an iteration's tool calls concurrently against the
// tool registry. Results keep their source_call_id linkage; ordering follows
// the call list, never completion order.
type ParallelExecutor struct {
	registry  *tools.Registry
	confirmer tools.Confirmer
}

// NewParallelExecutor creates an executor bound to a registry and the run's
// confirmation channel. confirmer may be nil for contexts without one;
// hazardous tools then deny themselves.
func NewParallelExecutor(registry *tools.Registry, confirmer tools.Confirmer) *ParallelExecutor {
	return &ParallelExecutor{registry: registry, confirmer: confirmer}
}

// ExecuteCalls runs all calls concurrently and collates results in call
// order. Tool errors surface as textual results inside the observation;
// only cancellation aborts the batch.
func (e *ParallelExecutor) ExecuteCalls(ctx context.Context, calls []models.ToolCall) ([]models.ObservationResult, error) {
	results := make([]models.ObservationResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			res, err := e.registry.ExecuteCall(gctx, call, e.confirmer)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
