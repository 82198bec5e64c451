package engine

// Event identifies a dispatchable step in the request pipeline.
// Handlers return the next Event to run; EventNone terminates the
// trampoline.
type Event int

const (
	// EventNone terminates dispatch. It never has a handler.
	EventNone Event = iota

	// EventAgentStart is the pipeline entry: admission, turn budget
	// reset, request:started.
	EventAgentStart

	// EventTriageDecide classifies the request before the loop runs:
	// COMPLETED, MISSING_INFO, or READY.
	EventTriageDecide

	// EventActorCriticLoop runs one actor turn: assemble prompt, call
	// the model, stream output.
	EventActorCriticLoop

	// EventExecuteTools executes the turn's requested tool calls.
	EventExecuteTools

	// EventCriticEvaluateTools reviews tool outcomes and decides
	// whether another turn is needed.
	EventCriticEvaluateTools

	// EventEvaluateTextResponse validates a text-only reply.
	EventEvaluateTextResponse

	// EventFinalize persists the result and emits the terminal event.
	EventFinalize
)

var eventNames = map[Event]string{
	EventNone:                 "NONE",
	EventAgentStart:           "AGENT_START",
	EventTriageDecide:         "TRIAGE_DECIDE",
	EventActorCriticLoop:      "ACTOR_CRITIC_LOOP",
	EventExecuteTools:         "EXECUTE_TOOLS",
	EventCriticEvaluateTools:  "CRITIC_EVALUATE_TOOLS",
	EventEvaluateTextResponse: "EVALUATE_TEXT_RESPONSE",
	EventFinalize:             "FINALIZE",
}

// String returns the event's wire name.
func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "UNKNOWN"
}
