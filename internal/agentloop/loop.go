package agentloop

import (
	"context"
	"time"

	"github.com/haasonsaas/eventic/internal/engine"
	"github.com/haasonsaas/eventic/internal/llm"
	"github.com/haasonsaas/eventic/pkg/models"
)

// handleActorCriticLoop runs one actor turn: assemble the prompt, call
// the model (streaming when requested), and branch on whether the
// response asks for tools.
func (p *Plugin) handleActorCriticLoop(rc *engine.RequestContext, svc *engine.Services) (engine.Event, error) {
	if rc.TurnNumber >= maxTurns(rc, svc) {
		rc.SetScratch(engine.ScratchTurnLimitHit, true)
		return engine.EventFinalize, nil
	}
	rc.TurnNumber++
	svc.Metrics.RecordTurn()

	req := &llm.Request{
		Messages:       p.assemblePrompt(rc, svc),
		Tools:          svc.Tools.Available(),
		Model:          requestModel(rc, svc),
		ResponseFormat: rc.ResponseFormat,
	}

	ctx := rc.Context()
	if svc.Config.LLMCallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, svc.Config.LLMCallTimeout)
		defer cancel()
	}

	start := time.Now()
	var resp *llm.Response
	var err error
	if rc.Stream {
		resp, err = svc.LLM.CallStream(ctx, req, func(chunk llm.Chunk) {
			p.forwardChunk(rc, svc, chunk)
		})
	} else {
		resp, err = svc.LLM.Call(ctx, req)
	}

	status := "success"
	if err != nil {
		status = string(llm.KindOf(err))
	}
	inTokens, outTokens := tokensOf(resp)
	svc.Metrics.RecordLLMRequest(svc.LLM.Name(), req.Model, status,
		time.Since(start).Seconds(), inTokens, outTokens)

	if err != nil {
		return p.handleLLMError(rc, svc, err)
	}

	// Guidance, once consumed by a prompt, never carries forward.
	rc.ClearScratch(engine.ScratchRetryGuidance)
	rc.IsRetry = false

	rc.SetScratch(engine.ScratchAssistantDraft, resp)
	if len(resp.ToolCalls) > 0 {
		rc.SetScratch(engine.ScratchPendingToolCalls, resp.ToolCalls)
		return engine.EventExecuteTools, nil
	}
	return engine.EventEvaluateTextResponse, nil
}

// assemblePrompt builds [system] + budgeted history, with the retry
// preamble prepended on remediation turns. The preamble is prompt-only;
// it never reaches the persisted transcript.
func (p *Plugin) assemblePrompt(rc *engine.RequestContext, svc *engine.Services) []models.Message {
	budget := svc.Config.HistoryTokenBudget
	if budget <= 0 {
		budget = 32000
	}
	view := svc.History.Messages(budget)

	var out []models.Message
	if svc.Config.SystemPrompt != "" {
		hasSystem := len(view) > 0 && view[0].Role == models.RoleSystem
		if !hasSystem {
			out = append(out, models.NewSystemMessage(svc.Config.SystemPrompt))
		}
	}
	if rc.IsRetry {
		if guidance := rc.ScratchString(engine.ScratchRetryGuidance); guidance != "" {
			out = append(out, models.NewSystemMessage(
				"Your previous attempt needs correction before you continue:\n"+guidance))
		}
	}
	return append(out, view...)
}

// handleLLMError decides how a failed model call terminates the turn.
// Context-window overflows finish softly with a truncation report;
// cancellations and everything else abort the run for the engine's
// terminal classification.
func (p *Plugin) handleLLMError(rc *engine.RequestContext, svc *engine.Services, err error) (engine.Event, error) {
	rc.Errs = append(rc.Errs, err)

	// Cancellation mid-call: persist via finalize before the run aborts,
	// so the transcript carries the cancelled marker.
	if llm.KindOf(err) == llm.KindCancelled || rc.Context().Err() != nil {
		if _, ferr := p.engine.Dispatch(engine.EventFinalize, rc, svc); ferr != nil {
			svc.Logger.Error(rc.Context(), "finalize during cancellation failed", "error", ferr)
		}
		return engine.EventNone, err
	}

	if llm.KindOf(err) == llm.KindContextWindow {
		svc.Logger.Warn(rc.Context(), "prompt exceeded context window, finishing with report", "error", err)
		rc.SetScratch(engine.ScratchAssistantDraft, &llm.Response{
			Content: "The conversation has grown past the model's context window. " +
				"Start a new conversation or delete older messages to continue.",
		})
		return engine.EventFinalize, nil
	}

	svc.Metrics.RecordError("loop", string(llm.KindOf(err)))
	return engine.EventNone, err
}

// forwardChunk mirrors one stream chunk to the process sink and, for
// streaming requests, the caller's chunk sink.
func (p *Plugin) forwardChunk(rc *engine.RequestContext, svc *engine.Services, chunk llm.Chunk) {
	var ev models.Event
	switch {
	case chunk.Text != "":
		ev = rc.NewEvent(models.EventRequestStreamChunk)
		ev.Text = &models.TextPayload{Text: chunk.Text}
	case chunk.ToolCallDone:
		ev = rc.NewEvent(models.EventRequestToolCallClose)
		ev.Tool = &models.ToolPayload{CallID: chunk.ToolCallID, Name: chunk.ToolName}
	case chunk.ArgDelta != "":
		ev = rc.NewEvent(models.EventRequestToolCallArgDelta)
		ev.Tool = &models.ToolPayload{CallID: chunk.ToolCallID, Name: chunk.ToolName, ArgsDelta: chunk.ArgDelta}
	case chunk.ToolName != "":
		ev = rc.NewEvent(models.EventRequestToolCallOpen)
		ev.Tool = &models.ToolPayload{CallID: chunk.ToolCallID, Name: chunk.ToolName}
	default:
		return
	}
	p.emit(rc, svc, ev)
}

// emit publishes to the process sink and the per-request chunk sink.
func (p *Plugin) emit(rc *engine.RequestContext, svc *engine.Services, ev models.Event) {
	svc.Sink.Emit(rc.Context(), ev)
	if rc.Stream && rc.ChunkSink != nil {
		rc.ChunkSink.Emit(rc.Context(), ev)
	}
}
