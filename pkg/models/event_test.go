package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEventKind_WireNames(t *testing.T) {
	tests := []struct {
		constant EventKind
		expected string
	}{
		{EventRequestStarted, "request:started"},
		{EventRequestStreamChunk, "request:stream-chunk"},
		{EventRequestToolCallOpen, "request:tool-call-open"},
		{EventRequestToolCallArgDelta, "request:tool-call-arg-delta"},
		{EventRequestToolCallClose, "request:tool-call-close"},
		{EventRequestToolResult, "request:tool-result"},
		{EventRequestCompleted, "request:completed"},
		{EventRequestFailed, "request:failed"},
		{EventRequestCancelled, "request:cancelled"},

		{EventTaskSpawned, "task:spawned"},
		{EventTaskProgress, "task:progress"},
		{EventTaskOutput, "task:output"},
		{EventTaskRecovering, "task:recovering"},
		{EventTaskCompleted, "task:completed"},
		{EventTaskFailed, "task:failed"},
		{EventTaskCancelled, "task:cancelled"},

		{EventWorkspaceTaskSpawned, "workspace-task:spawned"},
		{EventWorkspaceTaskCompleted, "workspace-task:completed"},

		{EventControllerStateChanged, "controller:state-changed"},
		{EventControllerBlocked, "controller:blocked"},
		{EventControllerAnswerAccepted, "controller:answer-accepted"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestEventKind_Droppable(t *testing.T) {
	droppable := []EventKind{
		EventRequestStreamChunk,
		EventRequestToolCallArgDelta,
		EventTaskProgress,
		EventTaskOutput,
		EventWorkspaceTaskProgress,
		EventWorkspaceTaskOutput,
	}
	for _, k := range droppable {
		if !k.Droppable() {
			t.Errorf("%s should be droppable", k)
		}
	}

	critical := []EventKind{
		EventRequestStarted,
		EventRequestCompleted,
		EventRequestFailed,
		EventRequestCancelled,
		EventRequestToolCallOpen,
		EventRequestToolCallClose,
		EventRequestToolResult,
		EventTaskSpawned,
		EventTaskCompleted,
		EventTaskFailed,
		EventTaskCancelled,
		EventTaskRecovering,
		EventControllerBlocked,
	}
	for _, k := range critical {
		if k.Droppable() {
			t.Errorf("%s must never be droppable", k)
		}
	}
}

func TestEvent_ErrorPayloadNotSerialized(t *testing.T) {
	ev := Event{
		Version: 1,
		Kind:    EventRequestFailed,
		Time:    time.Now(),
		Error: &ErrorPayload{
			Message: "provider rejected credentials",
			Kind:    "auth",
			Err:     errors.New("boom"),
		},
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "Err") {
		t.Errorf("raw error leaked into wire payload: %s", data)
	}
	if !strings.Contains(string(data), "provider rejected credentials") {
		t.Errorf("message missing from wire payload: %s", data)
	}
}
