package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/haasonsaas/eventic/internal/engine"
	"github.com/haasonsaas/eventic/internal/tasks"
	"github.com/haasonsaas/eventic/pkg/models"
)

// ChildFactory returns an engine factory for background tasks. Each
// task gets a fully isolated orchestrator rooted at its working
// directory: its own conversation registry, history files, and
// checkpoint state live under that directory, not the parent's.
func (o *Orchestrator) ChildFactory() tasks.EngineFactory {
	return func(workingDir string) (tasks.RunnerHandle, error) {
		opts := o.opts
		opts.WorkspaceRoot = workingDir
		child, err := New(opts, o.deps)
		if err != nil {
			return nil, err
		}
		return &childRunner{orc: child}, nil
	}
}

// childRunner adapts an isolated orchestrator to the task manager's
// runner contract.
type childRunner struct {
	orc *Orchestrator

	mu    sync.Mutex
	query string
	start time.Time
}

// Run executes the task query on the child's default conversation,
// forwarding streamed text to the task's output log.
func (r *childRunner) Run(ctx context.Context, req tasks.RunRequest) (string, error) {
	r.mu.Lock()
	r.query = req.Query
	r.start = time.Now().UTC()
	r.mu.Unlock()

	var chunkSink engine.Sink
	if req.Output != nil {
		out := req.Output
		chunkSink = engine.NewCallbackSink(func(_ context.Context, e models.Event) {
			if e.Kind == models.EventRequestStreamChunk && e.Text != nil {
				out(e.Text.Text)
			}
		})
	}

	result, err := r.orc.Submit(ctx, req.Query, SubmitOptions{
		Stream:         chunkSink != nil,
		ChunkSink:      chunkSink,
		ExplicitLoop:   true,
		InitialScratch: req.InitialScratch,
	})
	if err != nil {
		return "", err
	}
	return result.Response, nil
}

// Serialize produces the checkpoint state blob. The transcript itself
// is already durable on disk after each finalize, so the blob is the
// resume hint a recovered run receives as initial scratch.
func (r *childRunner) Serialize(context.Context) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.Marshal(struct {
		Query        string    `json:"query"`
		Conversation string    `json:"conversation"`
		StartedAt    time.Time `json:"startedAt"`
	}{r.query, r.orc.registry.Active(), r.start})
}

// Close releases the child engine. Adapters and registries hold no
// background goroutines; the conversation files are already synced.
func (r *childRunner) Close() error { return nil }
