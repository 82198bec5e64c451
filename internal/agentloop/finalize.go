package agentloop

import (
	"encoding/json"
	"strings"

	"github.com/haasonsaas/eventic/internal/engine"
	"github.com/haasonsaas/eventic/pkg/models"
)

// handleEvaluateTextResponse sanity-checks a text-only reply: it must
// be non-empty and, when the caller pinned a response format, conform
// to it. Malformed replies earn bounded retries with guidance; the
// malformed draft itself never reaches the transcript.
func (p *Plugin) handleEvaluateTextResponse(rc *engine.RequestContext, svc *engine.Services) (engine.Event, error) {
	draft := draftResponse(rc)

	problem := ""
	switch {
	case strings.TrimSpace(draft.Content) == "":
		problem = "the reply was empty; produce a substantive answer"
	case rc.ResponseFormat == "json" && !json.Valid([]byte(strings.TrimSpace(draft.Content))):
		problem = "the reply must be a single valid JSON document with no surrounding prose"
	}
	if problem == "" {
		return engine.EventFinalize, nil
	}

	if rc.RetryCount >= remediationBudget || rc.TurnNumber >= maxTurns(rc, svc) {
		svc.Logger.Warn(rc.Context(), "malformed reply and no retry budget left", "problem", problem)
		return engine.EventFinalize, nil
	}

	rc.IsRetry = true
	rc.RetryCount++
	rc.SetScratch(engine.ScratchRetryGuidance, problem)
	svc.Logger.Info(rc.Context(), "text evaluation requested retry",
		"retry", rc.RetryCount, "problem", problem)
	return engine.EventActorCriticLoop, nil
}

// handleFinalize writes the terminal assistant message, persists the
// transcript, and sets the request's final response. The engine emits
// the terminal event when the trampoline unwinds.
func (p *Plugin) handleFinalize(rc *engine.RequestContext, svc *engine.Services) (engine.Event, error) {
	final := p.finalText(rc)

	if final != "" {
		last, hasLast := svc.History.Last()
		// Do not duplicate the message when finalize re-runs (a
		// cancelled batch dispatches it inline).
		if !hasLast || last.Role != models.RoleAssistant || last.Content != final {
			svc.History.Append(models.NewAssistantMessage(final))
		}
	}
	rc.FinalResponse = final

	if rc.DryRun {
		return engine.EventNone, nil
	}
	if err := svc.History.Persist(svc.Config.WorkspaceRoot); err != nil {
		svc.Logger.Error(rc.Context(), "transcript persistence failed", "error", err)
		svc.Metrics.RecordError("loop", "storage_unavailable")
		return engine.EventNone, err
	}
	return engine.EventNone, nil
}

// finalText picks the terminal assistant message: cancellation and
// turn-limit markers win over the model's draft.
func (p *Plugin) finalText(rc *engine.RequestContext) string {
	if rc.Context().Err() != nil {
		return CancelledMarker
	}
	if _, hit := rc.Scratch(engine.ScratchTurnLimitHit); hit {
		return TurnLimitMarker
	}
	return strings.TrimSpace(draftResponse(rc).Content)
}
