package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/eventic/internal/engine"
	"github.com/haasonsaas/eventic/internal/history"
	"github.com/haasonsaas/eventic/internal/llm"
	"github.com/haasonsaas/eventic/internal/observability"
	"github.com/haasonsaas/eventic/internal/tasks"
	"github.com/haasonsaas/eventic/pkg/models"
)

// echoAdapter replies with a fixed transform of the last user message.
type echoAdapter struct {
	prefix string
	delay  time.Duration

	mu    sync.Mutex
	calls int
}

func (a *echoAdapter) Name() string { return "echo" }

func (a *echoAdapter) Call(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.delay):
		}
	}
	var lastUser string
	for _, msg := range req.Messages {
		if msg.Role == models.RoleUser {
			lastUser = msg.Content
		}
	}
	return &llm.Response{Content: a.prefix + lastUser, FinishReason: "end_turn"}, nil
}

func (a *echoAdapter) CallStream(ctx context.Context, req *llm.Request, onChunk func(llm.Chunk)) (*llm.Response, error) {
	resp, err := a.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	onChunk(llm.Chunk{Text: resp.Content})
	onChunk(llm.Chunk{Done: true})
	return resp, nil
}

func newTestOrchestrator(t *testing.T, root string, adapter llm.Adapter) *Orchestrator {
	t.Helper()
	tracer, _ := observability.NewTracer(observability.TraceConfig{})
	orc, err := New(engine.Options{
		MaxTurns:      5,
		Model:         "test-model",
		WorkspaceRoot: root,
	}, Deps{
		LLM:    adapter,
		Logger: observability.NewLogger(observability.LogConfig{Level: "error"}),
		Tracer: tracer,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return orc
}

func TestSubmitRunsAndPersists(t *testing.T) {
	root := t.TempDir()
	orc := newTestOrchestrator(t, root, &echoAdapter{prefix: "echo: "})

	result, err := orc.Submit(context.Background(), "hello", SubmitOptions{ExplicitLoop: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Response != "echo: hello" {
		t.Fatalf("response = %q", result.Response)
	}
	if result.Conversation != "default" {
		t.Fatalf("conversation = %q", result.Conversation)
	}
	if result.Turns != 1 {
		t.Fatalf("turns = %d", result.Turns)
	}

	store, err := history.Load(filepath.Join(root), "default")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	msgs := store.All()
	if len(msgs) < 2 || msgs[len(msgs)-1].Content != "echo: hello" {
		t.Fatalf("persisted transcript = %+v", msgs)
	}
}

// newTestMetrics builds unregistered collectors so tests do not
// collide in the default registry.
func newTestMetrics() *observability.Metrics {
	return &observability.Metrics{
		RequestCounter:        prometheus.NewCounterVec(prometheus.CounterOpts{Name: "requests_total"}, []string{"outcome"}),
		RequestDuration:       prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "request_duration_seconds"}, []string{"outcome"}),
		DispatchDuration:      prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "dispatch_duration_seconds"}, []string{"event"}),
		TurnCounter:           prometheus.NewCounter(prometheus.CounterOpts{Name: "loop_turns_total"}),
		TriageCounter:         prometheus.NewCounterVec(prometheus.CounterOpts{Name: "triage_decisions_total"}, []string{"decision"}),
		LLMRequestDuration:    prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "llm_request_duration_seconds"}, []string{"provider", "model"}),
		LLMRequestCounter:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "llm_requests_total"}, []string{"provider", "model", "status"}),
		LLMTokensUsed:         prometheus.NewCounterVec(prometheus.CounterOpts{Name: "llm_tokens_total"}, []string{"provider", "model", "type"}),
		ToolExecutionCounter:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tool_executions_total"}, []string{"tool_name", "status"}),
		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "tool_execution_seconds"}, []string{"tool_name"}),
		ActiveTasks:           prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "tasks_active"}, []string{"status"}),
		CheckpointWrites:      prometheus.NewCounterVec(prometheus.CounterOpts{Name: "checkpoint_writes_total"}, []string{"status"}),
		DroppedEvents:         prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dropped_events_total"}, []string{"kind"}),
		ErrorCounter:          prometheus.NewCounterVec(prometheus.CounterOpts{Name: "errors_total"}, []string{"component", "kind"}),
	}
}

func TestSubmitRecordsOneRequestOutcome(t *testing.T) {
	metrics := newTestMetrics()
	tracer, _ := observability.NewTracer(observability.TraceConfig{})
	orc, err := New(engine.Options{
		MaxTurns:      5,
		Model:         "test-model",
		WorkspaceRoot: t.TempDir(),
	}, Deps{
		LLM:     &echoAdapter{prefix: "echo: "},
		Logger:  observability.NewLogger(observability.LogConfig{Level: "error"}),
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := orc.Submit(context.Background(), "hi", SubmitOptions{ExplicitLoop: true}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := testutil.ToFloat64(metrics.RequestCounter.WithLabelValues("completed"))
	if got != 1 {
		t.Fatalf("requests_total{outcome=completed} = %v, want exactly 1", got)
	}
}

func TestSubmitCreatesNamedConversation(t *testing.T) {
	orc := newTestOrchestrator(t, t.TempDir(), &echoAdapter{})

	result, err := orc.Submit(context.Background(), "hi", SubmitOptions{
		Conversation: "research",
		ExplicitLoop: true,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Conversation != "research" {
		t.Fatalf("conversation = %q", result.Conversation)
	}
	if !orc.Conversations().Exists("research") {
		t.Fatal("conversation not registered")
	}
}

func TestSubmitSerializesPerConversation(t *testing.T) {
	orc := newTestOrchestrator(t, t.TempDir(), &echoAdapter{delay: 80 * time.Millisecond})

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := orc.Submit(context.Background(), "x", SubmitOptions{ExplicitLoop: true}); err != nil {
				t.Errorf("Submit: %v", err)
			}
		}()
	}
	wg.Wait()
	if elapsed := time.Since(start); elapsed < 160*time.Millisecond {
		t.Fatalf("same-conversation requests overlapped: %v", elapsed)
	}
}

func TestChildFactoryIsolatesWorkspace(t *testing.T) {
	parentRoot := t.TempDir()
	childRoot := t.TempDir()
	orc := newTestOrchestrator(t, parentRoot, &echoAdapter{prefix: "child: "})

	runner, err := orc.ChildFactory()(childRoot)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer runner.Close()

	var lines []string
	var mu sync.Mutex
	out, err := runner.Run(context.Background(), tasks.RunRequest{
		Query: "task query",
		Output: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "child: task query" {
		t.Fatalf("output = %q", out)
	}
	mu.Lock()
	gotLines := len(lines)
	mu.Unlock()
	if gotLines == 0 {
		t.Fatal("no streamed output lines")
	}

	// The child persisted under its own root, not the parent's.
	if _, err := history.Load(childRoot, "default"); err != nil {
		t.Fatalf("child transcript missing: %v", err)
	}
	parent, err := history.Load(parentRoot, "default")
	if err != nil {
		t.Fatalf("parent default missing: %v", err)
	}
	if parent.Len() != 0 {
		t.Fatalf("parent transcript grew: %d messages", parent.Len())
	}

	blob, err := runner.Serialize(context.Background())
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if len(blob) == 0 {
		t.Fatal("empty checkpoint state")
	}
}
