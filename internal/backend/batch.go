package backend

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"taskwarden/internal/task"
)

// OperationResult is the outcome of one task operation inside a batch.
type OperationResult struct {
	TaskID  task.ID
	Label   string
	Backend task.Backend
	Success bool
	Error   error
	Message string
}

// BatchResult collects per-task outcomes of a bulk operation. Failures do
// not stop the batch.
type BatchResult struct {
	Results      []OperationResult
	SuccessCount int
	FailureCount int
	Total        int
}

// Err aggregates every failure, or returns nil when all succeeded.
func (b BatchResult) Err() error {
	var merr *multierror.Error
	for _, r := range b.Results {
		if r.Error != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", r.Label, r.Error))
		}
	}
	return merr.ErrorOrNil()
}

// Failed returns only the failed results.
func (b BatchResult) Failed() []OperationResult {
	var out []OperationResult
	for _, r := range b.Results {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}

const defaultPerTaskTimeout = 15 * time.Second

// Batch applies op to every task sequentially, each under its own timeout so
// one hung native call cannot stall the rest.
func Batch(ctx context.Context, tasks []*task.Task, perTask time.Duration, verb string, op func(context.Context, *task.Task) error) BatchResult {
	if perTask <= 0 {
		perTask = defaultPerTaskTimeout
	}
	results := make([]OperationResult, 0, len(tasks))
	for _, t := range tasks {
		if t == nil {
			continue
		}
		opCtx, cancel := context.WithTimeout(ctx, perTask)
		err := op(opCtx, t)
		cancel()
		results = append(results, OperationResult{
			TaskID:  t.ID,
			Label:   t.Label,
			Backend: t.Backend,
			Success: err == nil,
			Error:   err,
			Message: formatOperationMessage(verb, t.Label, err),
		})
	}
	return NewBatchResult(results)
}

// NewBatchResult orders results by label and fills in the counters.
func NewBatchResult(results []OperationResult) BatchResult {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Label < results[j].Label })
	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	return BatchResult{
		Results:      results,
		SuccessCount: ok,
		FailureCount: len(results) - ok,
		Total:        len(results),
	}
}

func formatOperationMessage(verb, label string, err error) string {
	if err != nil {
		return fmt.Sprintf("failed to %s %s: %v", verb, label, err)
	}
	return fmt.Sprintf("%s %s: ok", verb, label)
}
