package agentloop

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/eventic/internal/engine"
	"github.com/haasonsaas/eventic/internal/llm"
	"github.com/haasonsaas/eventic/internal/tools"
	"github.com/haasonsaas/eventic/pkg/models"
)

// handleExecuteTools appends the assistant's tool-call message, runs
// the batch, and appends one tool result per call in declared order.
func (p *Plugin) handleExecuteTools(rc *engine.RequestContext, svc *engine.Services) (engine.Event, error) {
	pending, _ := rc.Scratch(engine.ScratchPendingToolCalls)
	calls, ok := pending.([]models.ToolCall)
	if !ok || len(calls) == 0 {
		return engine.EventEvaluateTextResponse, nil
	}
	rc.ClearScratch(engine.ScratchPendingToolCalls)

	draft := draftResponse(rc)
	svc.History.Append(models.NewAssistantMessage(draft.Content, calls...))
	rc.ToolCallCount += len(calls)

	executor := tools.NewExecutor(svc.Tools, tools.ExecutorConfig{
		ParallelWorkers: svc.Config.ParallelToolWorkers,
	})
	results := executor.ExecuteAll(rc.Context(), calls)

	for i := range results {
		res := &results[i]
		toolMsg := models.NewToolMessage(res.Call.ID, res.Content(), res.Status)
		toolMsg.ErrorKind = res.ErrorKind()
		svc.History.Append(toolMsg)
		svc.Metrics.RecordToolExecution(res.Call.Name, string(res.Status), res.Duration.Seconds())

		ev := rc.NewEvent(models.EventRequestToolResult)
		ev.Tool = &models.ToolPayload{
			CallID:  res.Call.ID,
			Name:    res.Call.Name,
			Status:  res.Status,
			Result:  res.Content(),
			Elapsed: res.Duration,
		}
		p.emit(rc, svc, ev)
	}
	rc.SetScratch(scratchToolResults, results)

	// Cancellation mid-batch: persist what we have via finalize before
	// the run aborts, so the transcript carries the cancelled marker.
	if rc.Context().Err() != nil {
		if _, err := p.engine.Dispatch(engine.EventFinalize, rc, svc); err != nil {
			svc.Logger.Error(rc.Context(), "finalize during cancellation failed", "error", err)
		}
		return engine.EventNone, context.Canceled
	}
	return engine.EventCriticEvaluateTools, nil
}

// handleCriticEvaluateTools reviews the batch: clean results continue
// the loop, failures earn a bounded number of remediation turns with
// corrective guidance, and exhaustion finishes softly.
func (p *Plugin) handleCriticEvaluateTools(rc *engine.RequestContext, svc *engine.Services) (engine.Event, error) {
	stored, _ := rc.Scratch(scratchToolResults)
	results, _ := stored.([]tools.Execution)
	rc.ClearScratch(scratchToolResults)

	if tools.AnyCancelled(results) || rc.Context().Err() != nil {
		return engine.EventFinalize, nil
	}

	if !tools.AnyErrors(results) {
		return p.nextTurnOrLimit(rc, svc)
	}

	if rc.RetryCount >= remediationBudget {
		svc.Logger.Warn(rc.Context(), "tool failures exhausted remediation budget",
			"retries", rc.RetryCount)
		rc.SetScratch(engine.ScratchAssistantDraft, &llm.Response{
			Content: "I could not complete the requested tool work: " + summarizeFailures(results),
		})
		return engine.EventFinalize, nil
	}

	rc.IsRetry = true
	rc.RetryCount++
	rc.SetScratch(engine.ScratchRetryGuidance, summarizeFailures(results))
	svc.Logger.Info(rc.Context(), "critic requested remediation turn",
		"retry", rc.RetryCount, "failures", summarizeFailures(results))
	return p.nextTurnOrLimit(rc, svc)
}

// nextTurnOrLimit continues the loop unless the turn budget is spent.
func (p *Plugin) nextTurnOrLimit(rc *engine.RequestContext, svc *engine.Services) (engine.Event, error) {
	if rc.TurnNumber >= maxTurns(rc, svc) {
		rc.SetScratch(engine.ScratchTurnLimitHit, true)
		return engine.EventFinalize, nil
	}
	return engine.EventActorCriticLoop, nil
}

// summarizeFailures renders failed calls as remediation guidance.
func summarizeFailures(results []tools.Execution) string {
	var parts []string
	for i := range results {
		res := &results[i]
		if res.Status != models.CallError {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (%s): %s", res.Call.Name, res.ErrorKind(), res.Content()))
	}
	if len(parts) == 0 {
		return "a tool call failed"
	}
	return strings.Join(parts, "; ")
}

// draftResponse returns the turn's model response, or an empty one.
func draftResponse(rc *engine.RequestContext) *llm.Response {
	stored, _ := rc.Scratch(engine.ScratchAssistantDraft)
	if resp, ok := stored.(*llm.Response); ok && resp != nil {
		return resp
	}
	return &llm.Response{}
}
