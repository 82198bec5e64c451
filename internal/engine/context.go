package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/eventic/internal/history"
	"github.com/haasonsaas/eventic/internal/llm"
	"github.com/haasonsaas/eventic/internal/observability"
	"github.com/haasonsaas/eventic/internal/tools"
	"github.com/haasonsaas/eventic/pkg/models"
)

// Well-known scratch keys. Handlers communicate across dispatch hops
// through the scratch map; these constants are the shared vocabulary.
const (
	// ScratchTriageDecision holds the triage verdict string.
	ScratchTriageDecision = "triage.decision"

	// ScratchRetryGuidance holds critic remediation text for the next
	// actor turn. Consumed as a prompt preamble, never persisted.
	ScratchRetryGuidance = "retry.guidance"

	// ScratchPendingToolCalls holds []models.ToolCall awaiting execution.
	ScratchPendingToolCalls = "tools.pending"

	// ScratchAssistantDraft holds the *llm.Response of the latest turn.
	ScratchAssistantDraft = "assistant.draft"

	// ScratchCheckpointState holds recovered task state injected before
	// a resumed run starts.
	ScratchCheckpointState = "checkpoint.state"

	// ScratchCancelReason records why the request was cancelled.
	ScratchCancelReason = "cancel.reason"

	// ScratchTurnLimitHit flags that the loop exhausted maxTurns.
	ScratchTurnLimitHit = "turns.limit_hit"
)

// Options carries per-engine tunables resolved from config. Bundled in
// Services so handlers never reach into the config tree.
type Options struct {
	MaxTurns            int
	TriageEnabled       bool
	HistoryTokenBudget  int
	LLMCallTimeout      time.Duration
	ToolCallTimeout     time.Duration
	ParallelToolWorkers int
	Model               string
	SystemPrompt        string
	WorkspaceRoot       string
}

// Services bundles everything handlers need for one dispatch root.
// Built per request; handlers must not store it.
type Services struct {
	Tools   *tools.Registry
	LLM     llm.Adapter
	History *history.Store
	Sink    Sink
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Config  Options
}

// RequestContext is the mutable state of one request as it moves
// through the pipeline.
//
// Thread Safety:
// The scratch map is mutex-guarded because task recovery writes it
// from another goroutine before the run starts. All other fields are
// owned by the dispatching goroutine.
type RequestContext struct {
	id           string
	conversation string
	input        string

	ctx    context.Context
	cancel context.CancelFunc

	// Stream is set when the caller wants incremental output; chunks
	// and tool lifecycle events go to ChunkSink as well as the
	// process sink.
	Stream    bool
	ChunkSink Sink

	// ModelOverride and ResponseFormat adjust the LLM request for this
	// run only.
	ModelOverride  string
	ResponseFormat string

	// IsRetry marks a remediation turn; RetryCount tracks how many the
	// critic has requested.
	IsRetry    bool
	RetryCount int

	// ExplicitLoop skips triage and forces the full loop.
	ExplicitLoop bool

	MaxTurns int
	DryRun   bool

	StartedAt     time.Time
	TurnNumber    int
	ToolCallCount int

	FinalResponse string
	Errs          []error

	seq uint64

	scratchMu sync.Mutex
	scratch   map[string]any
}

// NewRequestContext builds a context for one request. The derived
// context.Context carries the request id and conversation for logging.
func NewRequestContext(parent context.Context, conversation, input string) *RequestContext {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(parent)
	ctx = observability.AddRequestID(ctx, id)
	ctx = observability.AddConversation(ctx, conversation)
	return &RequestContext{
		id:           id,
		conversation: conversation,
		input:        input,
		ctx:          ctx,
		cancel:       cancel,
		StartedAt:    time.Now().UTC(),
		scratch:      make(map[string]any),
	}
}

// ID returns the request id.
func (rc *RequestContext) ID() string { return rc.id }

// Conversation returns the conversation name the request runs on.
func (rc *RequestContext) Conversation() string { return rc.conversation }

// Input returns the user input.
func (rc *RequestContext) Input() string { return rc.input }

// Context returns the request's context.
func (rc *RequestContext) Context() context.Context { return rc.ctx }

// Cancel cancels the request, recording an optional reason.
func (rc *RequestContext) Cancel(reason string) {
	if reason != "" {
		rc.SetScratch(ScratchCancelReason, reason)
	}
	rc.cancel()
}

// SetScratch stores a cross-hop value.
func (rc *RequestContext) SetScratch(key string, value any) {
	rc.scratchMu.Lock()
	rc.scratch[key] = value
	rc.scratchMu.Unlock()
}

// Scratch reads a cross-hop value.
func (rc *RequestContext) Scratch(key string) (any, bool) {
	rc.scratchMu.Lock()
	defer rc.scratchMu.Unlock()
	v, ok := rc.scratch[key]
	return v, ok
}

// ScratchString reads a scratch value as a string, "" when absent.
func (rc *RequestContext) ScratchString(key string) string {
	v, ok := rc.Scratch(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// ClearScratch removes a cross-hop value.
func (rc *RequestContext) ClearScratch(key string) {
	rc.scratchMu.Lock()
	delete(rc.scratch, key)
	rc.scratchMu.Unlock()
}

// NewEvent stamps an event envelope with the request's identity and
// the next sequence number.
func (rc *RequestContext) NewEvent(kind models.EventKind) models.Event {
	rc.seq++
	return models.Event{
		Version:      1,
		Kind:         kind,
		Time:         time.Now().UTC(),
		Sequence:     rc.seq,
		RequestID:    rc.id,
		Conversation: rc.conversation,
		Turn:         rc.TurnNumber,
	}
}
