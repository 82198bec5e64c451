package tools

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/eventic/pkg/models"
)

// sleepTool registers a tool that sleeps for d then returns its name.
func sleepTool(t *testing.T, r *Registry, name string, d time.Duration, parallelSafe bool) {
	t.Helper()
	err := r.Register(Schema{Name: name, ParallelSafe: parallelSafe}, func(ctx context.Context, args json.RawMessage) (*Result, error) {
		select {
		case <-time.After(d):
			return &Result{Content: name}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func TestExecutor_ParallelWallClock(t *testing.T) {
	r := NewRegistry(0)
	sleepTool(t, r, "search_a", 200*time.Millisecond, true)
	sleepTool(t, r, "search_b", 200*time.Millisecond, true)

	e := NewExecutor(r, ExecutorConfig{ParallelWorkers: 8})
	calls := []models.ToolCall{
		{ID: "call-1", Name: "search_a"},
		{ID: "call-2", Name: "search_b"},
	}

	start := time.Now()
	results := e.ExecuteAll(context.Background(), calls)
	elapsed := time.Since(start)

	if elapsed > 350*time.Millisecond {
		t.Errorf("parallel phase took %s, want well under 400ms", elapsed)
	}
	for i, res := range results {
		if res.Status != models.CallOK {
			t.Errorf("results[%d].Status = %s, want ok", i, res.Status)
		}
		if res.Call.ID != calls[i].ID {
			t.Errorf("results[%d] out of order: got %s want %s", i, res.Call.ID, calls[i].ID)
		}
	}
}

func TestExecutor_ResultsInDeclaredOrder(t *testing.T) {
	r := NewRegistry(0)
	// The first call finishes last; order must still follow the input.
	sleepTool(t, r, "slow", 120*time.Millisecond, true)
	sleepTool(t, r, "fast", 5*time.Millisecond, true)

	e := NewExecutor(r, ExecutorConfig{})
	results := e.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "call-1", Name: "slow"},
		{ID: "call-2", Name: "fast"},
	})

	if results[0].Call.ID != "call-1" || results[1].Call.ID != "call-2" {
		t.Errorf("results not in declared order: %s, %s", results[0].Call.ID, results[1].Call.ID)
	}
}

func TestExecutor_SequentialOrdering(t *testing.T) {
	r := NewRegistry(0)
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		err := r.Register(Schema{Name: name}, func(ctx context.Context, args json.RawMessage) (*Result, error) {
			order = append(order, name)
			return &Result{Content: name}, nil
		})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	e := NewExecutor(r, ExecutorConfig{})
	e.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "first"},
		{ID: "c2", Name: "second"},
		{ID: "c3", Name: "third"},
	})

	want := []string{"first", "second", "third"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("sequential order = %v, want %v", order, want)
		}
	}
}

func TestExecutor_WorkerPoolCap(t *testing.T) {
	r := NewRegistry(0)
	var running, peak atomic.Int32
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		err := r.Register(Schema{Name: name, ParallelSafe: true}, func(ctx context.Context, args json.RawMessage) (*Result, error) {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			running.Add(-1)
			return &Result{Content: "ok"}, nil
		})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	e := NewExecutor(r, ExecutorConfig{ParallelWorkers: 2})
	calls := make([]models.ToolCall, 0, 6)
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		calls = append(calls, models.ToolCall{ID: "call-" + name, Name: name})
	}
	e.ExecuteAll(context.Background(), calls)

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestExecutor_CancellationMarksResults(t *testing.T) {
	r := NewRegistry(0)
	sleepTool(t, r, "long_a", 5*time.Second, true)
	sleepTool(t, r, "long_b", 5*time.Second, true)

	e := NewExecutor(r, ExecutorConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results := e.ExecuteAll(ctx, []models.ToolCall{
		{ID: "call-1", Name: "long_a"},
		{ID: "call-2", Name: "long_b"},
	})
	if time.Since(start) > time.Second {
		t.Error("cancellation did not cut execution short")
	}

	for i, res := range results {
		if res.Status != models.CallCancelled {
			t.Errorf("results[%d].Status = %s, want cancelled", i, res.Status)
		}
	}
	if !AnyCancelled(results) {
		t.Error("AnyCancelled = false, want true")
	}
}

func TestExecutor_ErrorResultMarked(t *testing.T) {
	r := NewRegistry(0)
	err := r.Register(Schema{Name: "fail"}, func(ctx context.Context, args json.RawMessage) (*Result, error) {
		return &Result{Content: "not found", IsError: true}, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	e := NewExecutor(r, ExecutorConfig{})
	results := e.ExecuteAll(context.Background(), []models.ToolCall{{ID: "c1", Name: "fail"}})
	if results[0].Status != models.CallError {
		t.Errorf("status = %s, want error", results[0].Status)
	}
	if !AnyErrors(results) {
		t.Error("AnyErrors = false, want true")
	}
}
