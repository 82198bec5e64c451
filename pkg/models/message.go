package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// CallStatus tracks the lifecycle of a single tool call.
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallRunning   CallStatus = "running"
	CallOK        CallStatus = "ok"
	CallError     CallStatus = "error"
	CallCancelled CallStatus = "cancelled"
)

// Terminal reports whether the status is a final one.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallOK, CallError, CallCancelled:
		return true
	default:
		return false
	}
}

// ToolCall is an assistant's request to execute one tool.
type ToolCall struct {
	// ID is unique within the request that produced the call.
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is one turn in a conversation.
//
// An assistant message carries non-empty Content, non-empty ToolCalls, or
// both. A tool message binds to the requesting assistant message through
// ToolCallID and carries the tool's output in Content.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set only on RoleTool messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Status is set only on RoleTool messages (ok, error, cancelled).
	Status CallStatus `json:"status,omitempty"`
	// ErrorKind names the failure class when Status is error.
	ErrorKind string `json:"error_kind,omitempty"`

	Timestamp time.Time `json:"timestamp,omitzero"`
}

// NewUserMessage builds a user message stamped with the current time.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now().UTC()}
}

// NewSystemMessage builds a system message stamped with the current time.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: time.Now().UTC()}
}

// NewAssistantMessage builds an assistant message with optional tool calls.
func NewAssistantMessage(content string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls, Timestamp: time.Now().UTC()}
}

// NewToolMessage builds a tool-result message bound to callID.
func NewToolMessage(callID, content string, status CallStatus) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Content: content, Status: status, Timestamp: time.Now().UTC()}
}

// IsEmptyAssistant reports whether an assistant message violates the
// content-or-tool-calls rule.
func (m Message) IsEmptyAssistant() bool {
	return m.Role == RoleAssistant && m.Content == "" && len(m.ToolCalls) == 0
}
