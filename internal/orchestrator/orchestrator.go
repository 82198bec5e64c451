// Package orchestrator is the composition root for one engine
// instance: it owns the event engine with the agent loop installed,
// the conversation registry, and the service bundle, and exposes the
// submit facade callers use to run requests.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/eventic/internal/agentloop"
	"github.com/haasonsaas/eventic/internal/conversations"
	"github.com/haasonsaas/eventic/internal/engine"
	"github.com/haasonsaas/eventic/internal/history"
	"github.com/haasonsaas/eventic/internal/llm"
	"github.com/haasonsaas/eventic/internal/observability"
	"github.com/haasonsaas/eventic/internal/tools"
)

// Deps are the long-lived services shared by every request.
type Deps struct {
	Tools   *tools.Registry
	LLM     llm.Adapter
	Sink    engine.Sink
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Orchestrator hosts one engine rooted at a workspace directory.
//
// Thread Safety:
// Orchestrator is safe for concurrent use. Per-conversation locks in
// the registry serialize requests on the same conversation; requests
// on different conversations run in parallel.
type Orchestrator struct {
	eng      *engine.Engine
	registry *conversations.Registry
	deps     Deps
	opts     engine.Options
}

// New builds an orchestrator: fresh engine, agent loop handlers
// installed and frozen, conversation registry opened under the
// workspace root.
func New(opts engine.Options, deps Deps) (*Orchestrator, error) {
	if deps.LLM == nil {
		return nil, fmt.Errorf("orchestrator: llm adapter is required")
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewRegistry(opts.ToolCallTimeout)
	}
	if deps.Sink == nil {
		deps.Sink = engine.NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if deps.Tracer == nil {
		deps.Tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}

	eng := engine.New()
	if _, err := agentloop.Install(eng); err != nil {
		return nil, fmt.Errorf("orchestrator: install agent loop: %w", err)
	}
	registry, err := conversations.Open(opts.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open conversations: %w", err)
	}
	return &Orchestrator{
		eng:      eng,
		registry: registry,
		deps:     deps,
		opts:     opts,
	}, nil
}

// SubmitOptions adjust one request.
type SubmitOptions struct {
	// Conversation names the target conversation. Empty uses the
	// active conversation; an unknown name is created.
	Conversation string

	// Stream forwards incremental chunks to ChunkSink.
	Stream    bool
	ChunkSink engine.Sink

	// Model overrides the configured model for this request.
	Model string

	// ResponseFormat requests a constrained output format ("json").
	ResponseFormat string

	// ExplicitLoop skips triage and forces the full loop.
	ExplicitLoop bool

	// MaxTurns overrides the configured turn budget.
	MaxTurns int

	// DryRun skips history persistence.
	DryRun bool

	// InitialScratch preloads checkpoint state into the request,
	// used when resuming a recovered task.
	InitialScratch json.RawMessage

	// OnRequest observes the request context right before dispatch,
	// letting the caller keep a cancellation handle.
	OnRequest func(*engine.RequestContext)
}

// Result summarizes a finished request.
type Result struct {
	RequestID    string
	Conversation string
	Response     string
	Turns        int
	ToolCalls    int
	Duration     time.Duration
}

// Submit runs one request through the pipeline under the conversation
// lock and blocks until it reaches a terminal state.
func (o *Orchestrator) Submit(ctx context.Context, input string, opts SubmitOptions) (*Result, error) {
	name := opts.Conversation
	if name == "" {
		name = o.registry.Active()
	}
	if !o.registry.Exists(name) {
		if err := o.registry.Create(name); err != nil && !errors.Is(err, conversations.ErrConversationExists) {
			return nil, err
		}
	}

	var result *Result
	start := time.Now()
	err := o.registry.WithLock(ctx, name, func(store *history.Store) error {
		rc := engine.NewRequestContext(ctx, name, input)
		rc.Stream = opts.Stream
		rc.ChunkSink = opts.ChunkSink
		rc.ModelOverride = opts.Model
		rc.ResponseFormat = opts.ResponseFormat
		rc.ExplicitLoop = opts.ExplicitLoop
		rc.MaxTurns = opts.MaxTurns
		rc.DryRun = opts.DryRun
		if len(opts.InitialScratch) > 0 {
			rc.SetScratch(engine.ScratchCheckpointState, opts.InitialScratch)
		}
		if opts.OnRequest != nil {
			opts.OnRequest(rc)
		}

		svc := &engine.Services{
			Tools:   o.deps.Tools,
			LLM:     o.deps.LLM,
			History: store,
			Sink:    o.deps.Sink,
			Logger:  o.deps.Logger,
			Metrics: o.deps.Metrics,
			Tracer:  o.deps.Tracer,
			Config:  o.opts,
		}
		runErr := o.eng.Run(rc, svc)
		result = &Result{
			RequestID:    rc.ID(),
			Conversation: name,
			Response:     rc.FinalResponse,
			Turns:        rc.TurnNumber,
			ToolCalls:    rc.ToolCallCount,
			Duration:     time.Since(start),
		}
		return runErr
	})

	// The engine records the request outcome metric when it emits the
	// terminal event.
	return result, err
}

// Conversations exposes the registry for management operations.
func (o *Orchestrator) Conversations() *conversations.Registry {
	return o.registry
}

// Options returns the engine options this orchestrator runs with.
func (o *Orchestrator) Options() engine.Options { return o.opts }
