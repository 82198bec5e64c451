package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/eventic/internal/checkpoint"
	"github.com/haasonsaas/eventic/internal/observability"
	"github.com/haasonsaas/eventic/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error"})
}

// recordingSink captures emitted events in order.
type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *recordingSink) Emit(_ context.Context, e models.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) kinds(taskID string) []models.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EventKind
	for _, e := range s.events {
		if e.TaskID == taskID {
			out = append(out, e.Kind)
		}
	}
	return out
}

// fakeRunner is a scriptable child engine.
type fakeRunner struct {
	run       func(ctx context.Context, req RunRequest) (string, error)
	serialize func(ctx context.Context) (json.RawMessage, error)
	closed    atomic.Bool
}

func (r *fakeRunner) Run(ctx context.Context, req RunRequest) (string, error) {
	return r.run(ctx, req)
}

func (r *fakeRunner) Serialize(ctx context.Context) (json.RawMessage, error) {
	if r.serialize != nil {
		return r.serialize(ctx)
	}
	return json.RawMessage(`{}`), nil
}

func (r *fakeRunner) Close() error {
	r.closed.Store(true)
	return nil
}

func factoryOf(runner *fakeRunner) EngineFactory {
	return func(string) (RunnerHandle, error) { return runner, nil }
}

func newTestManager(t *testing.T, cfg Config, factory EngineFactory, sink *recordingSink) *Manager {
	t.Helper()
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = t.TempDir()
	}
	m := NewManager(cfg, factory, sink, testLogger(), nil, nil, nil)
	t.Cleanup(m.Close)
	return m
}

func waitStatus(t *testing.T, m *Manager, taskID string, want Status) BackgroundTask {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := m.Status(taskID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := m.Status(taskID)
	t.Fatalf("task %s stuck in %s, want %s", taskID, task.Status, want)
	return BackgroundTask{}
}

func TestSpawnRunsToSuccess(t *testing.T) {
	sink := &recordingSink{}
	runner := &fakeRunner{
		run: func(_ context.Context, req RunRequest) (string, error) {
			req.Output("step one")
			req.Output("step two")
			return "done", nil
		},
	}
	m := newTestManager(t, Config{}, factoryOf(runner), sink)

	id, err := m.Spawn(Spec{Description: "demo", Query: "do the thing"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	task := waitStatus(t, m, id, StatusSucceeded)

	if task.Result != "done" {
		t.Fatalf("result = %q", task.Result)
	}
	if !runner.closed.Load() {
		t.Fatal("child engine not closed after terminal state")
	}

	lines, err := m.Output(id, 0)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if len(lines) != 2 || lines[0].Text != "step one" || lines[1].Text != "step two" {
		t.Fatalf("output lines = %+v", lines)
	}
	if lines[0].Seq >= lines[1].Seq {
		t.Fatalf("output sequence not increasing: %d, %d", lines[0].Seq, lines[1].Seq)
	}
	tail, err := m.Output(id, lines[0].Seq)
	if err != nil {
		t.Fatalf("Output since: %v", err)
	}
	if len(tail) != 1 || tail[0].Text != "step two" {
		t.Fatalf("tail = %+v", tail)
	}

	kinds := sink.kinds(id)
	want := []models.EventKind{
		models.EventTaskSpawned,
		models.EventTaskRunning,
		models.EventTaskOutput,
		models.EventTaskOutput,
		models.EventTaskCompleted,
	}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestAdmissionCapsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	release := make(chan struct{})
	factory := func(string) (RunnerHandle, error) {
		return &fakeRunner{
			run: func(ctx context.Context, _ RunRequest) (string, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				defer inFlight.Add(-1)
				select {
				case <-release:
					return "ok", nil
				case <-ctx.Done():
					return "", ctx.Err()
				}
			},
		}, nil
	}
	sink := &recordingSink{}
	m := newTestManager(t, Config{MaxConcurrent: 3}, factory, sink)

	ids := make([]string, 6)
	for i := range ids {
		id, err := m.Spawn(Spec{Query: "work"})
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		ids[i] = id
	}

	deadline := time.Now().Add(2 * time.Second)
	for inFlight.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := peak.Load(); got != 3 {
		t.Fatalf("peak concurrency = %d, want 3", got)
	}
	queued := m.List(Filter{Status: StatusQueued})
	if len(queued) != 3 {
		t.Fatalf("queued = %d, want 3", len(queued))
	}

	close(release)
	for _, id := range ids {
		waitStatus(t, m, id, StatusSucceeded)
	}
	if got := peak.Load(); got > 3 {
		t.Fatalf("peak concurrency = %d after drain, want <= 3", got)
	}
}

func TestCancelRunningTask(t *testing.T) {
	started := make(chan struct{})
	runner := &fakeRunner{
		run: func(ctx context.Context, _ RunRequest) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	sink := &recordingSink{}
	m := newTestManager(t, Config{}, factoryOf(runner), sink)

	id, err := m.Spawn(Spec{Query: "long haul"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-started
	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitStatus(t, m, id, StatusCancelled)

	// Idempotent on a terminal task.
	if err := m.Cancel(id); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	kinds := sink.kinds(id)
	if kinds[len(kinds)-1] != models.EventTaskCancelled {
		t.Fatalf("last event = %s, want %s", kinds[len(kinds)-1], models.EventTaskCancelled)
	}
}

func TestCancelQueuedTaskNeverRuns(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	var ran atomic.Int64
	factory := func(string) (RunnerHandle, error) {
		return &fakeRunner{
			run: func(ctx context.Context, _ RunRequest) (string, error) {
				ran.Add(1)
				select {
				case <-block:
				case <-ctx.Done():
				}
				return "ok", nil
			},
		}, nil
	}
	sink := &recordingSink{}
	m := newTestManager(t, Config{MaxConcurrent: 1}, factory, sink)

	first, err := m.Spawn(Spec{Query: "hold the slot"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	second, err := m.Spawn(Spec{Query: "never starts"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitStatus(t, m, first, StatusRunning)

	if err := m.Cancel(second); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	task := waitStatus(t, m, second, StatusCancelled)
	if !task.StartedAt.IsZero() {
		t.Fatal("cancelled queued task has a start time")
	}
	if ran.Load() != 1 {
		t.Fatalf("runner invoked %d times, want 1", ran.Load())
	}
}

func TestWorkspaceTaskMirrorsEvents(t *testing.T) {
	root := t.TempDir()
	workDir := filepath.Join(root, "project")
	runner := &fakeRunner{
		run: func(context.Context, RunRequest) (string, error) { return "ok", nil },
	}
	sink := &recordingSink{}
	m := newTestManager(t, Config{WorkspaceRoot: root}, factoryOf(runner), sink)

	id, err := m.Spawn(Spec{
		Query:           "build it",
		Type:            TypeWorkspace,
		WorkingDir:      workDir,
		CreateIfMissing: true,
		InitVCS:         true,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitStatus(t, m, id, StatusSucceeded)

	if _, err := os.Stat(filepath.Join(workDir, ".git", "HEAD")); err != nil {
		t.Fatalf("vcs marker missing: %v", err)
	}

	kinds := sink.kinds(id)
	mirrored := 0
	for i := 0; i < len(kinds)-1; i++ {
		if twin, ok := workspaceMirror[kinds[i]]; ok && kinds[i+1] == twin {
			mirrored++
		}
	}
	if mirrored < 3 {
		t.Fatalf("expected mirrored workspace events, got kinds %v", kinds)
	}
}

func TestWorkspaceTaskMissingDirFails(t *testing.T) {
	runner := &fakeRunner{
		run: func(context.Context, RunRequest) (string, error) { return "ok", nil },
	}
	sink := &recordingSink{}
	m := newTestManager(t, Config{}, factoryOf(runner), sink)

	id, err := m.Spawn(Spec{
		Query:      "doomed",
		Type:       TypeWorkspace,
		WorkingDir: filepath.Join(t.TempDir(), "does", "not", "exist"),
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	task := waitStatus(t, m, id, StatusFailed)
	if task.LastError == "" {
		t.Fatal("failed task has no lastError")
	}
}

func TestFactoryErrorFailsTask(t *testing.T) {
	factory := func(string) (RunnerHandle, error) {
		return nil, errors.New("no adapter configured")
	}
	sink := &recordingSink{}
	m := newTestManager(t, Config{}, factory, sink)

	id, err := m.Spawn(Spec{Query: "anything"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	task := waitStatus(t, m, id, StatusFailed)
	if task.LastError == "" {
		t.Fatal("failed task has no lastError")
	}
}

func TestFactoryRetriesTransientError(t *testing.T) {
	runner := &fakeRunner{
		run: func(context.Context, RunRequest) (string, error) { return "done", nil },
	}
	var calls atomic.Int32
	factory := func(string) (RunnerHandle, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("registry busy")
		}
		return runner, nil
	}
	sink := &recordingSink{}
	m := newTestManager(t, Config{}, factory, sink)

	id, err := m.Spawn(Spec{Query: "anything"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	task := waitStatus(t, m, id, StatusSucceeded)
	if task.Result != "done" {
		t.Fatalf("result = %q, want done", task.Result)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("factory calls = %d, want 3", got)
	}
}

func TestRetentionSweepDropsOldTerminalTasks(t *testing.T) {
	runner := &fakeRunner{
		run: func(context.Context, RunRequest) (string, error) { return "ok", nil },
	}
	sink := &recordingSink{}
	m := newTestManager(t, Config{OutputRetention: 10 * time.Millisecond}, factoryOf(runner), sink)

	id, err := m.Spawn(Spec{Query: "short-lived"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitStatus(t, m, id, StatusSucceeded)

	m.sweep(time.Now().Add(time.Second))
	if _, err := m.Status(id); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Status after sweep = %v, want ErrTaskNotFound", err)
	}
}

func TestCrashRecoveryRequeuesAtHead(t *testing.T) {
	root := t.TempDir()
	logger := testLogger()

	store1, err := checkpoint.Open(root, logger, nil)
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	cpMgr1 := checkpoint.NewManager(store1, logger)

	started := make(chan struct{})
	hang := &fakeRunner{
		run: func(ctx context.Context, _ RunRequest) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
		serialize: func(context.Context) (json.RawMessage, error) {
			return json.RawMessage(`{"cursor":"turn-5"}`), nil
		},
	}
	sink1 := &recordingSink{}
	m1 := NewManager(Config{
		WorkspaceRoot:      root,
		CheckpointInterval: 15 * time.Millisecond,
	}, factoryOf(hang), sink1, logger, nil, cpMgr1, store1)

	id, err := m1.Spawn(Spec{Description: "long analysis", Query: "analyze"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-started

	// Wait for at least one periodic checkpoint to land.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store1.Latest(id); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := store1.Latest(id); err != nil {
		t.Fatalf("no checkpoint before simulated kill: %v", err)
	}
	// Simulated kill: stop the scheduler but never run m1's terminal
	// transition, leaving state.json showing the task as running.
	cpMgr1.Close()

	store2, err := checkpoint.Open(root, logger, nil)
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	cpMgr2 := checkpoint.NewManager(store2, logger)
	var gotScratch atomic.Value
	resumed := &fakeRunner{
		run: func(_ context.Context, req RunRequest) (string, error) {
			gotScratch.Store(string(req.InitialScratch))
			return "resumed and finished", nil
		},
	}
	sink2 := &recordingSink{}
	m2 := NewManager(Config{WorkspaceRoot: root}, factoryOf(resumed), sink2, logger, nil, cpMgr2, store2)
	t.Cleanup(m2.Close)

	if err := m2.StartupRecover(); err != nil {
		t.Fatalf("StartupRecover: %v", err)
	}
	task := waitStatus(t, m2, id, StatusSucceeded)
	if task.Result != "resumed and finished" {
		t.Fatalf("result = %q", task.Result)
	}
	if got := gotScratch.Load(); got != `{"cursor":"turn-5"}` {
		t.Fatalf("initial scratch = %v", got)
	}

	kinds := sink2.kinds(id)
	if len(kinds) < 2 || kinds[0] != models.EventTaskRecovering || kinds[1] != models.EventTaskRunning {
		t.Fatalf("recovery event order = %v", kinds)
	}
}

func TestStateFilePersisted(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{
		run: func(context.Context, RunRequest) (string, error) { return "ok", nil },
	}
	sink := &recordingSink{}
	m := newTestManager(t, Config{WorkspaceRoot: root}, factoryOf(runner), sink)

	id, err := m.Spawn(Spec{Query: "persist me"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitStatus(t, m, id, StatusSucceeded)

	data, err := os.ReadFile(filepath.Join(root, StateDir, StateFile))
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	var shape struct {
		Tasks []BackgroundTask `json:"tasks"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		t.Fatalf("parse state file: %v", err)
	}
	if len(shape.Tasks) != 1 || shape.Tasks[0].ID != id || shape.Tasks[0].Status != StatusSucceeded {
		t.Fatalf("state file tasks = %+v", shape.Tasks)
	}
}
