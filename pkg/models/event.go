// Package models provides domain types for the Eventic orchestration core.
package models

import (
	"time"
)

// Event is the unified event model published to observers over the
// streaming transport. One stream drives UIs, logging, and task monitors.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Kind discriminator with optional payload pointers
//   - Monotonic Sequence per producer for ordering within a request or task
type Event struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Kind identifies the kind of event.
	Kind EventKind `json:"kind"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within a request or task for ordering.
	Sequence uint64 `json:"seq"`

	// RequestID identifies the originating request, if any.
	RequestID string `json:"request_id,omitempty"`

	// Conversation names the conversation the request ran on.
	Conversation string `json:"conversation,omitempty"`

	// TaskID identifies the background task, if any.
	TaskID string `json:"task_id,omitempty"`

	// Turn is the 1-based loop turn that produced the event.
	Turn int `json:"turn,omitempty"`

	// Exactly one payload should be non-nil for a given Kind.
	Text       *TextPayload       `json:"text,omitempty"`
	Tool       *ToolPayload       `json:"tool,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
	Task       *TaskPayload       `json:"task,omitempty"`
	Controller *ControllerPayload `json:"controller,omitempty"`
}

// EventKind identifies the kind of event.
type EventKind string

const (
	// Request pipeline lifecycle
	EventRequestStarted   EventKind = "request:started"
	EventRequestCompleted EventKind = "request:completed"
	EventRequestFailed    EventKind = "request:failed"
	EventRequestCancelled EventKind = "request:cancelled"

	// Request streaming
	EventRequestStreamChunk      EventKind = "request:stream-chunk"
	EventRequestToolCallOpen     EventKind = "request:tool-call-open"
	EventRequestToolCallArgDelta EventKind = "request:tool-call-arg-delta"
	EventRequestToolCallClose    EventKind = "request:tool-call-close"
	EventRequestToolResult       EventKind = "request:tool-result"

	// Background task lifecycle
	EventTaskSpawned    EventKind = "task:spawned"
	EventTaskRunning    EventKind = "task:running"
	EventTaskProgress   EventKind = "task:progress"
	EventTaskOutput     EventKind = "task:output"
	EventTaskRecovering EventKind = "task:recovering"
	EventTaskCompleted  EventKind = "task:completed"
	EventTaskFailed     EventKind = "task:failed"
	EventTaskCancelled  EventKind = "task:cancelled"

	// Workspace task mirrors (same payloads plus origin metadata)
	EventWorkspaceTaskSpawned    EventKind = "workspace-task:spawned"
	EventWorkspaceTaskRunning    EventKind = "workspace-task:running"
	EventWorkspaceTaskProgress   EventKind = "workspace-task:progress"
	EventWorkspaceTaskOutput     EventKind = "workspace-task:output"
	EventWorkspaceTaskRecovering EventKind = "workspace-task:recovering"
	EventWorkspaceTaskCompleted  EventKind = "workspace-task:completed"
	EventWorkspaceTaskFailed     EventKind = "workspace-task:failed"
	EventWorkspaceTaskCancelled  EventKind = "workspace-task:cancelled"

	// Autonomous controller
	EventControllerStateChanged   EventKind = "controller:state-changed"
	EventControllerBlocked        EventKind = "controller:blocked"
	EventControllerAnswerAccepted EventKind = "controller:answer-accepted"
)

// Droppable reports whether the event kind may be shed under backpressure.
// Lifecycle events are never dropped; high-volume progress kinds may be.
func (k EventKind) Droppable() bool {
	switch k {
	case EventRequestStreamChunk, EventRequestToolCallArgDelta,
		EventTaskProgress, EventTaskOutput,
		EventWorkspaceTaskProgress, EventWorkspaceTaskOutput:
		return true
	default:
		return false
	}
}

// TextPayload is generic human-readable text (stream deltas, output lines,
// progress notes, final responses).
type TextPayload struct {
	Text string `json:"text"`
}

// ToolPayload describes tool call activity within a request.
type ToolPayload struct {
	// CallID identifies this specific tool invocation.
	CallID string `json:"call_id,omitempty"`

	// Name is the tool name.
	Name string `json:"name,omitempty"`

	// ArgsDelta is an incremental fragment of the argument JSON
	// (tool-call-arg-delta events only).
	ArgsDelta string `json:"args_delta,omitempty"`

	// ArgsJSON is the complete argument JSON (tool-call-close events).
	ArgsJSON []byte `json:"args_json,omitempty"`

	// For tool-result events:
	Status  CallStatus    `json:"status,omitempty"`
	Result  string        `json:"result,omitempty"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
}

// ErrorPayload standardizes errors for streaming observers.
type ErrorPayload struct {
	// Message is the human-readable error description (required).
	Message string `json:"message"`

	// Kind is the structured error kind for programmatic handling.
	Kind string `json:"kind,omitempty"`

	// Provider names the LLM provider for credential errors.
	Provider string `json:"provider,omitempty"`

	// Retriable indicates whether resubmitting the request may succeed.
	Retriable bool `json:"retriable,omitempty"`

	// Err is the original error (runtime only, not serialized).
	Err error `json:"-"`
}

// TaskPayload is a compact snapshot of a background task.
type TaskPayload struct {
	ID                 string    `json:"id"`
	Description        string    `json:"description,omitempty"`
	Status             string    `json:"status"`
	Type               string    `json:"type,omitempty"`
	WorkingDir         string    `json:"working_dir,omitempty"`
	OriginConversation string    `json:"origin_conversation,omitempty"`
	CreatedAt          time.Time `json:"created_at,omitzero"`
	CompletedAt        time.Time `json:"completed_at,omitzero"`
	LastError          string    `json:"last_error,omitempty"`
}

// ControllerPayload describes autonomous controller transitions.
type ControllerPayload struct {
	// State is the controller state after the transition.
	State string `json:"state"`

	// Previous is the state before the transition.
	Previous string `json:"previous,omitempty"`

	// Question carries the blocking question for blocked events.
	Question string `json:"question,omitempty"`

	// Answer carries the accepted answer for answer-accepted events.
	Answer string `json:"answer,omitempty"`
}
