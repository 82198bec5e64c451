// Package tasks spawns and supervises background agent tasks: isolated
// sub-instances that run a query through their own child engine, capped
// by an admission gate and checkpointed for crash recovery.
package tasks

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a background task. Transitions are
// monotonic except running -> recovering -> running across a restart.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRecovering Status = "recovering"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Type distinguishes plain one-shot tasks from workspace tasks, which
// own a fully isolated child engine rooted at their working directory.
type Type string

const (
	TypeOneShot   Type = "oneShot"
	TypeWorkspace Type = "workspace"
)

// Spec describes a task to spawn.
type Spec struct {
	// Description is a short human-readable label.
	Description string `json:"description"`

	// Query is the user input the child engine runs.
	Query string `json:"query"`

	// Type defaults to oneShot.
	Type Type `json:"type,omitempty"`

	// WorkingDir roots the child engine. Required for workspace tasks.
	WorkingDir string `json:"workingDir,omitempty"`

	// CreateIfMissing creates WorkingDir (mkdir -p) before starting.
	CreateIfMissing bool `json:"createIfMissing,omitempty"`

	// InitVCS drops a minimal VCS marker into a freshly created
	// workspace so tools treat it as a repository root.
	InitVCS bool `json:"initVcs,omitempty"`

	// OriginConversation names the conversation that spawned the task.
	OriginConversation string `json:"originConversation,omitempty"`
}

// BackgroundTask is the externally visible task record.
type BackgroundTask struct {
	ID                 string    `json:"id"`
	Description        string    `json:"description"`
	Query              string    `json:"query"`
	Status             Status    `json:"status"`
	Type               Type      `json:"type"`
	WorkingDir         string    `json:"workingDir,omitempty"`
	OriginConversation string    `json:"originConversation,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	StartedAt          time.Time `json:"startedAt,omitzero"`
	CompletedAt        time.Time `json:"completedAt,omitzero"`
	LastCheckpointAt   time.Time `json:"lastCheckpointAt,omitzero"`
	Result             string    `json:"result,omitempty"`
	LastError          string    `json:"lastError,omitempty"`
}

// LogLine is one entry in a task's bounded output log.
type LogLine struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Filter selects tasks for List. Zero fields match everything.
type Filter struct {
	Status     Status
	Type       Type
	WorkingDir string
}

func (f Filter) matches(task *BackgroundTask) bool {
	if f.Status != "" && task.Status != f.Status {
		return false
	}
	if f.Type != "" && task.Type != f.Type {
		return false
	}
	if f.WorkingDir != "" && task.WorkingDir != f.WorkingDir {
		return false
	}
	return true
}

// RunRequest is what the manager hands a child engine for one task run.
type RunRequest struct {
	// Query is the task's user input.
	Query string

	// InitialScratch is the checkpointed state a recovered task resumes
	// from; nil for fresh tasks.
	InitialScratch json.RawMessage

	// Output receives progress lines as the run produces them.
	Output func(line string)
}

// RunnerHandle is a child engine bound to one working directory. Close
// must release adapters and file handles before the terminal event for
// the task fires.
type RunnerHandle interface {
	Run(ctx context.Context, req RunRequest) (string, error)
	Serialize(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// EngineFactory builds a child engine rooted at workingDir. Injected by
// the composition root so this package stays below the orchestrator.
type EngineFactory func(workingDir string) (RunnerHandle, error)
