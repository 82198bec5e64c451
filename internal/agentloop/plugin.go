// Package agentloop implements the actor-critic request pipeline as a
// set of handlers installed into the event engine: triage, the turn
// loop, tool execution, critic evaluation, text validation, and
// finalization.
package agentloop

import (
	"github.com/haasonsaas/eventic/internal/engine"
)

// Internal scratch keys, private to the loop's handlers.
const (
	// scratchToolResults holds []tools.Execution from the latest
	// EXECUTE_TOOLS batch for the critic.
	scratchToolResults = "agentloop.tool_results"
)

// Marker texts written as the terminal assistant message for soft
// failures.
const (
	TurnLimitMarker = "[turn limit reached]"
	CancelledMarker = "[cancelled]"
)

// remediationBudget caps how many remediation turns the critic and the
// text evaluator may request per request.
const remediationBudget = 2

// Plugin wires the actor-critic handlers into an engine. The engine
// reference enables reentrant dispatch: triage runs as a call-tree
// child of AGENT_START, and a cancelled tool batch drives FINALIZE
// inline before the run aborts.
type Plugin struct {
	engine *engine.Engine
}

// Install registers every pipeline handler and freezes the engine.
func Install(eng *engine.Engine) (*Plugin, error) {
	p := &Plugin{engine: eng}
	handlers := map[engine.Event]engine.HandlerFunc{
		engine.EventAgentStart:           p.handleAgentStart,
		engine.EventTriageDecide:         p.handleTriageDecide,
		engine.EventActorCriticLoop:      p.handleActorCriticLoop,
		engine.EventExecuteTools:         p.handleExecuteTools,
		engine.EventCriticEvaluateTools:  p.handleCriticEvaluateTools,
		engine.EventEvaluateTextResponse: p.handleEvaluateTextResponse,
		engine.EventFinalize:             p.handleFinalize,
	}
	for event, handler := range handlers {
		if err := eng.Register(event, handler); err != nil {
			return nil, err
		}
	}
	eng.Build()
	return p, nil
}

// maxTurns resolves the turn budget for a request.
func maxTurns(rc *engine.RequestContext, svc *engine.Services) int {
	if rc.MaxTurns > 0 {
		return rc.MaxTurns
	}
	if svc.Config.MaxTurns > 0 {
		return svc.Config.MaxTurns
	}
	return 20
}

// triageWanted applies the triage gate: skipped on remediation turns,
// on explicit loop requests, and when disabled by config.
func triageWanted(rc *engine.RequestContext, svc *engine.Services) bool {
	return !rc.IsRetry && !rc.ExplicitLoop && svc.Config.TriageEnabled
}
