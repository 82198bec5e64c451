package tools

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/eventic/pkg/models"
)

// Execution is the outcome of one tool call as seen by the loop. The
// slice returned by ExecuteAll is always in the input call order, so
// results append to history in callId order regardless of which
// goroutine finished first.
type Execution struct {
	Call     models.ToolCall
	Status   models.CallStatus
	Result   *Result
	Err      error
	Duration time.Duration
}

// Content renders the execution as the tool-message body the model
// sees. Errors and cancellations produce a short diagnostic string
// rather than an empty message.
func (x *Execution) Content() string {
	switch {
	case x.Result != nil && x.Result.Content != "":
		return x.Result.Content
	case x.Err != nil:
		return x.Err.Error()
	case x.Status == models.CallCancelled:
		return "cancelled before completion"
	default:
		return ""
	}
}

// ErrorKind names the failure class for error executions, for the
// tool message's error_kind field.
func (x *Execution) ErrorKind() string {
	if execErr, ok := AsExecutionError(x.Err); ok {
		return string(execErr.Kind)
	}
	return ""
}

// ExecutorConfig bounds the tool execution phase.
type ExecutorConfig struct {
	// ParallelWorkers caps concurrently running parallel-safe calls.
	// Default: 8.
	ParallelWorkers int
}

// Executor runs the tool calls of one assistant message. Calls whose
// schema marks ParallelSafe run concurrently on a bounded pool; the
// rest run sequentially in declaration order.
//
// Thread Safety:
// Executor is safe for concurrent use; each ExecuteAll owns its own
// bookkeeping.
type Executor struct {
	registry *Registry
	sem      *semaphore.Weighted
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, config ExecutorConfig) *Executor {
	workers := config.ParallelWorkers
	if workers <= 0 {
		workers = 8
	}
	return &Executor{
		registry: registry,
		sem:      semaphore.NewWeighted(int64(workers)),
	}
}

// ExecuteAll executes every call and returns one Execution per call,
// in input order. Cancellation is cooperative: calls that have not
// started when ctx is cancelled are marked cancelled without running;
// in-flight calls receive the cancellation through their context.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []Execution {
	if len(calls) == 0 {
		return nil
	}

	results := make([]Execution, len(calls))
	for i, call := range calls {
		results[i] = Execution{Call: call, Status: models.CallPending}
	}

	var parallel, sequential []int
	for i, call := range calls {
		if schema, ok := e.registry.Get(call.Name); ok && schema.ParallelSafe {
			parallel = append(parallel, i)
		} else {
			sequential = append(sequential, i)
		}
	}

	var wg sync.WaitGroup
	for _, idx := range parallel {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.executeOne(ctx, calls[i])
		}(idx)
	}

	for _, idx := range sequential {
		if ctx.Err() != nil {
			results[idx].Status = models.CallCancelled
			continue
		}
		results[idx] = e.executeOne(ctx, calls[idx])
	}

	wg.Wait()
	return results
}

// executeOne runs a single call through the registry, acquiring a pool
// slot first so the parallel batch respects the worker cap.
func (e *Executor) executeOne(ctx context.Context, call models.ToolCall) Execution {
	start := time.Now()
	exec := Execution{Call: call, Status: models.CallRunning}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		exec.Status = models.CallCancelled
		exec.Duration = time.Since(start)
		return exec
	}
	defer e.sem.Release(1)

	result, err := e.registry.Invoke(ctx, call.Name, call.Arguments)
	exec.Result = result
	exec.Err = err
	exec.Duration = time.Since(start)

	switch {
	case err != nil:
		if execErr, ok := AsExecutionError(err); ok && execErr.Kind == KindCancelled {
			exec.Status = models.CallCancelled
		} else {
			exec.Status = models.CallError
		}
	case ctx.Err() != nil:
		exec.Status = models.CallCancelled
	case result != nil && result.IsError:
		exec.Status = models.CallError
	default:
		exec.Status = models.CallOK
	}
	return exec
}

// AnyErrors reports whether any execution failed (error status, not
// cancellation).
func AnyErrors(results []Execution) bool {
	for i := range results {
		if results[i].Status == models.CallError {
			return true
		}
	}
	return false
}

// AnyCancelled reports whether any execution was cut short by
// cancellation.
func AnyCancelled(results []Execution) bool {
	for i := range results {
		if results[i].Status == models.CallCancelled {
			return true
		}
	}
	return false
}
