// Package engine implements the event-dispatched core of the request
// pipeline: a typed event enum, a handler table frozen at build time,
// and a trampoline dispatcher. Handlers return the next event to run
// instead of calling each other, which keeps the pipeline's control
// flow inspectable and every hop cancellable.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/eventic/internal/llm"
	"github.com/haasonsaas/eventic/pkg/models"
)

var (
	// ErrNoHandler is returned when dispatch targets an unregistered event.
	ErrNoHandler = errors.New("engine: no handler registered for event")

	// ErrFrozen is returned when Register is called after Build.
	ErrFrozen = errors.New("engine: handler table is frozen")
)

// HandlerFunc processes one event and names the next. Returning
// EventNone ends the trampoline; returning an error aborts the run.
type HandlerFunc func(rc *RequestContext, svc *Services) (Event, error)

// Engine dispatches events to handlers.
//
// Thread Safety:
// Register and Build are setup-phase only. After Build the table is
// immutable and Dispatch/Run are safe for concurrent use across
// requests.
type Engine struct {
	handlers map[Event]HandlerFunc
	frozen   bool
}

// New creates an engine with an empty handler table.
func New() *Engine {
	return &Engine{handlers: make(map[Event]HandlerFunc)}
}

// Register binds a handler to an event. Rebinding before Build replaces
// the previous handler.
func (e *Engine) Register(event Event, handler HandlerFunc) error {
	if e.frozen {
		return ErrFrozen
	}
	if event == EventNone {
		return fmt.Errorf("engine: cannot register handler for %s", EventNone)
	}
	if handler == nil {
		return fmt.Errorf("engine: nil handler for %s", event)
	}
	e.handlers[event] = handler
	return nil
}

// Build freezes the handler table. Dispatch before Build panics to
// catch wiring mistakes early.
func (e *Engine) Build() *Engine {
	e.frozen = true
	return e
}

// Dispatch runs one handler and returns the next event. Handlers may
// call Dispatch reentrantly for call-tree semantics.
func (e *Engine) Dispatch(event Event, rc *RequestContext, svc *Services) (Event, error) {
	if !e.frozen {
		panic("engine: Dispatch before Build")
	}
	handler, ok := e.handlers[event]
	if !ok {
		return EventNone, fmt.Errorf("%w: %s", ErrNoHandler, event)
	}

	_, span := svc.Tracer.TraceDispatch(rc.Context(), event.String(), rc.TurnNumber)
	start := time.Now()
	next, err := handler(rc, svc)
	svc.Metrics.RecordDispatch(event.String(), time.Since(start).Seconds())
	if err != nil {
		svc.Tracer.RecordError(span, err)
	}
	span.End()

	return next, err
}

// Run drives a request from EventAgentStart to termination. The caller
// holds the conversation lock for the duration. Exactly one terminal
// event (request:completed, request:failed, request:cancelled) is
// emitted no matter how the trampoline ends.
func (e *Engine) Run(rc *RequestContext, svc *Services) error {
	_, span := svc.Tracer.TraceRequest(rc.Context(), rc.Conversation(), rc.ID())
	defer span.End()

	svc.Sink.Emit(rc.Context(), rc.NewEvent(models.EventRequestStarted))
	svc.Logger.Info(rc.Context(), "request started", "input_len", len(rc.Input()))

	next, err := EventAgentStart, error(nil)
	for next != EventNone && err == nil {
		if ctxErr := rc.Context().Err(); ctxErr != nil {
			// Route through FINALIZE so the transcript carries the
			// cancellation marker before the run aborts. The finalize
			// handler dedupes the marker when it already ran.
			if _, ferr := e.Dispatch(EventFinalize, rc, svc); ferr != nil {
				svc.Logger.Error(rc.Context(), "finalize during cancellation failed", "error", ferr)
			}
			err = ctxErr
			break
		}
		next, err = e.Dispatch(next, rc, svc)
	}

	e.emitTerminal(rc, svc, err)
	if err != nil {
		svc.Tracer.RecordError(span, err)
	}
	return err
}

// emitTerminal classifies the run outcome and emits the one terminal
// event. Terminal kinds are never droppable, so delivery blocks rather
// than sheds.
func (e *Engine) emitTerminal(rc *RequestContext, svc *Services, runErr error) {
	elapsed := time.Since(rc.StartedAt).Seconds()

	switch {
	case runErr == nil:
		ev := rc.NewEvent(models.EventRequestCompleted)
		ev.Text = &models.TextPayload{Text: rc.FinalResponse}
		svc.Sink.Emit(rc.Context(), ev)
		svc.Metrics.RecordRequest("completed", elapsed)
		svc.Logger.Info(rc.Context(), "request completed",
			"turns", rc.TurnNumber, "tool_calls", rc.ToolCallCount)

	case isCancellation(rc, runErr):
		ev := rc.NewEvent(models.EventRequestCancelled)
		ev.Text = &models.TextPayload{Text: rc.ScratchString(ScratchCancelReason)}
		svc.Sink.Emit(context.WithoutCancel(rc.Context()), ev)
		svc.Metrics.RecordRequest("cancelled", elapsed)
		svc.Logger.Info(rc.Context(), "request cancelled",
			"reason", rc.ScratchString(ScratchCancelReason))

	default:
		ev := rc.NewEvent(models.EventRequestFailed)
		payload := &models.ErrorPayload{Message: runErr.Error(), Err: runErr}
		if llmErr, ok := llm.AsError(runErr); ok {
			payload.Kind = string(llmErr.Kind)
			payload.Provider = llmErr.Provider
			payload.Retriable = llmErr.Kind.Retryable()
		}
		ev.Error = payload
		svc.Sink.Emit(context.WithoutCancel(rc.Context()), ev)
		svc.Metrics.RecordRequest("failed", elapsed)
		svc.Metrics.RecordError("engine", payload.Kind)
		svc.Logger.Error(rc.Context(), "request failed", "error", runErr)
	}
}

func isCancellation(rc *RequestContext, err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	if llmErr, ok := llm.AsError(err); ok && llmErr.Kind == llm.KindCancelled {
		return true
	}
	return rc.Context().Err() != nil && errors.Is(err, rc.Context().Err())
}
