package agentloop

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/haasonsaas/eventic/internal/engine"
	"github.com/haasonsaas/eventic/internal/llm"
	"github.com/haasonsaas/eventic/pkg/models"
)

// Triage decisions.
const (
	TriageCompleted   = "COMPLETED"
	TriageMissingInfo = "MISSING_INFO"
	TriageReady       = "READY"
)

const triageMaxTokens = 256

const triageSystemPrompt = `You are a fast request triager. Classify the user's latest message.
Respond with strict JSON only, no prose:
{"decision":"COMPLETED|MISSING_INFO|READY","rationale":"...","clarification":"..."}

- COMPLETED: the message needs no tools and no multi-step work; "rationale" carries the full reply to send.
- MISSING_INFO: the request cannot proceed without more detail; "clarification" carries the question to ask.
- READY: the request needs the full loop.`

// triageVerdict is the constrained response shape.
type triageVerdict struct {
	Decision      string `json:"decision"`
	Rationale     string `json:"rationale"`
	Clarification string `json:"clarification"`
}

// handleAgentStart opens the pipeline: append the user message, then
// either triage (as a reentrant child dispatch) or go straight to the
// loop.
func (p *Plugin) handleAgentStart(rc *engine.RequestContext, svc *engine.Services) (engine.Event, error) {
	if rc.Input() != "" {
		svc.History.Append(models.NewUserMessage(rc.Input()))
	}

	if !triageWanted(rc, svc) {
		svc.Metrics.RecordTriage("skipped")
		return engine.EventActorCriticLoop, nil
	}
	return p.engine.Dispatch(engine.EventTriageDecide, rc, svc)
}

// handleTriageDecide classifies the request with one cheap constrained
// LLM call. Any failure to get or parse a verdict fails open to READY;
// triage must never be able to break a request.
func (p *Plugin) handleTriageDecide(rc *engine.RequestContext, svc *engine.Services) (engine.Event, error) {
	verdict := p.runTriage(rc, svc)
	rc.SetScratch(engine.ScratchTriageDecision, verdict.Decision)
	svc.Metrics.RecordTriage(strings.ToLower(verdict.Decision))

	switch verdict.Decision {
	case TriageCompleted:
		rc.SetScratch(engine.ScratchAssistantDraft, &llm.Response{Content: verdict.Rationale})
		return engine.EventFinalize, nil
	case TriageMissingInfo:
		rc.SetScratch(engine.ScratchAssistantDraft, &llm.Response{Content: verdict.Clarification})
		return engine.EventFinalize, nil
	default:
		return engine.EventActorCriticLoop, nil
	}
}

// runTriage performs the call and decode, returning READY on any error.
func (p *Plugin) runTriage(rc *engine.RequestContext, svc *engine.Services) triageVerdict {
	ready := triageVerdict{Decision: TriageReady}

	messages := []models.Message{models.NewSystemMessage(triageSystemPrompt)}
	messages = append(messages, recentUserFacing(svc, 6)...)

	ctx := rc.Context()
	if svc.Config.LLMCallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, svc.Config.LLMCallTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := svc.LLM.Call(ctx, &llm.Request{
		Messages:       messages,
		Model:          requestModel(rc, svc),
		ResponseFormat: "json",
		MaxTokens:      triageMaxTokens,
	})
	status := "success"
	if err != nil {
		status = string(llm.KindOf(err))
	}
	inTokens, outTokens := tokensOf(resp)
	svc.Metrics.RecordLLMRequest(svc.LLM.Name(), requestModel(rc, svc), status,
		time.Since(start).Seconds(), inTokens, outTokens)
	if err != nil {
		svc.Logger.Warn(rc.Context(), "triage call failed, proceeding to loop", "error", err)
		return ready
	}

	var verdict triageVerdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &verdict); err != nil {
		svc.Logger.Warn(rc.Context(), "triage verdict unparseable, proceeding to loop",
			"error", err, "content_len", len(resp.Content))
		return ready
	}
	switch verdict.Decision {
	case TriageCompleted, TriageMissingInfo, TriageReady:
		if verdict.Decision == TriageCompleted && verdict.Rationale == "" {
			return ready
		}
		if verdict.Decision == TriageMissingInfo && verdict.Clarification == "" {
			return ready
		}
		return verdict
	default:
		svc.Logger.Warn(rc.Context(), "triage verdict unknown, proceeding to loop",
			"decision", verdict.Decision)
		return ready
	}
}

// recentUserFacing returns up to n trailing user/assistant messages for
// the triage prompt. Tool traffic is noise at this stage.
func recentUserFacing(svc *engine.Services, n int) []models.Message {
	all := svc.History.All()
	var out []models.Message
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		switch all[i].Role {
		case models.RoleUser, models.RoleAssistant:
			out = append(out, all[i])
		}
	}
	// Reverse back into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func requestModel(rc *engine.RequestContext, svc *engine.Services) string {
	if rc.ModelOverride != "" {
		return rc.ModelOverride
	}
	return svc.Config.Model
}

func tokensOf(resp *llm.Response) (int, int) {
	if resp == nil {
		return 0, 0
	}
	return resp.Usage.InputTokens, resp.Usage.OutputTokens
}
