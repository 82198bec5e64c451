package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/eventic/internal/backoff"
	"github.com/haasonsaas/eventic/internal/checkpoint"
	"github.com/haasonsaas/eventic/internal/engine"
	"github.com/haasonsaas/eventic/internal/observability"
	"github.com/haasonsaas/eventic/pkg/models"
)

// Sentinel errors returned by manager operations.
var (
	ErrTaskNotFound = errors.New("tasks: task not found")
	ErrManagerDown  = errors.New("tasks: manager closed")
)

// StateDir and StateFile locate the persisted task table under the
// workspace root.
const (
	StateDir  = ".tasks"
	StateFile = "state.json"
)

// childBuildAttempts bounds retries of the child engine factory; a
// build can fail transiently while the conversation registry is busy.
const childBuildAttempts = 3

// Config tunes the manager.
type Config struct {
	// WorkspaceRoot is the engine's root directory; state.json and
	// one-shot task engines live under it.
	WorkspaceRoot string

	// MaxConcurrent caps simultaneously running tasks. Default 3.
	MaxConcurrent int

	// OutputRetention keeps terminal tasks visible to Status/List for
	// this long. Default 24h.
	OutputRetention time.Duration

	// OutputRingSize bounds each task's output log. Default 1000.
	OutputRingSize int

	// CheckpointInterval is the periodic auto-checkpoint period for
	// running tasks. Zero uses the checkpoint package default.
	CheckpointInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = "."
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.OutputRetention <= 0 {
		c.OutputRetention = 24 * time.Hour
	}
	if c.OutputRingSize <= 0 {
		c.OutputRingSize = DefaultRingSize
	}
	return c
}

// taskState pairs the visible record with runtime-only fields.
type taskState struct {
	record  BackgroundTask
	ring    *outputRing
	cancel  context.CancelFunc
	scratch json.RawMessage
}

// Manager spawns, supervises, and recovers background tasks.
//
// Thread Safety:
// Manager is safe for concurrent use. The mutex guards the task table
// and queue; task execution runs on per-task goroutines.
type Manager struct {
	cfg         Config
	factory     EngineFactory
	sink        engine.Sink
	logger      *observability.Logger
	metrics     *observability.Metrics
	checkpoints *checkpoint.Manager
	store       *checkpoint.Store

	mu      sync.Mutex
	tasks   map[string]*taskState
	queue   []string
	running int
	closed  bool

	fileMu sync.Mutex
	seq    atomic.Uint64
	wg     sync.WaitGroup
	stop   chan struct{}
}

// NewManager wires a task manager. The checkpoint manager and store may
// be nil, which disables durability for task state snapshots (the task
// table itself is still persisted).
func NewManager(cfg Config, factory EngineFactory, sink engine.Sink, logger *observability.Logger, metrics *observability.Metrics, cpMgr *checkpoint.Manager, cpStore *checkpoint.Store) *Manager {
	m := &Manager{
		cfg:         cfg.withDefaults(),
		factory:     factory,
		sink:        sink,
		logger:      logger,
		metrics:     metrics,
		checkpoints: cpMgr,
		store:       cpStore,
		tasks:       make(map[string]*taskState),
		stop:        make(chan struct{}),
	}
	if m.sink == nil {
		m.sink = engine.NopSink{}
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Spawn creates a task record, enqueues it, and returns its id
// immediately. The task starts when an admission slot frees.
func (m *Manager) Spawn(spec Spec) (string, error) {
	if spec.Query == "" {
		return "", fmt.Errorf("tasks: query is required")
	}
	taskType := spec.Type
	if taskType == "" {
		taskType = TypeOneShot
	}
	if taskType == TypeWorkspace && spec.WorkingDir == "" {
		return "", fmt.Errorf("tasks: workspace task requires workingDir")
	}
	if spec.CreateIfMissing && spec.WorkingDir != "" {
		if err := m.prepareWorkspace(spec); err != nil {
			return "", err
		}
	}

	task := BackgroundTask{
		ID:                 uuid.NewString(),
		Description:        spec.Description,
		Query:              spec.Query,
		Status:             StatusQueued,
		Type:               taskType,
		WorkingDir:         spec.WorkingDir,
		OriginConversation: spec.OriginConversation,
		CreatedAt:          time.Now().UTC(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerDown
	}
	m.tasks[task.ID] = &taskState{
		record: task,
		ring:   newOutputRing(m.cfg.OutputRingSize),
	}
	m.queue = append(m.queue, task.ID)
	m.mu.Unlock()

	m.persistState()
	m.emitTask(models.EventTaskSpawned, &task, "")
	m.dispatch()
	return task.ID, nil
}

// prepareWorkspace makes the working directory (mkdir -p) and, when
// asked, drops a minimal VCS marker so tools treat it as a repo root.
func (m *Manager) prepareWorkspace(spec Spec) error {
	if err := os.MkdirAll(spec.WorkingDir, 0o755); err != nil {
		return fmt.Errorf("tasks: create working dir: %w", err)
	}
	if spec.InitVCS {
		gitDir := filepath.Join(spec.WorkingDir, ".git")
		if _, err := os.Stat(gitDir); os.IsNotExist(err) {
			if err := os.MkdirAll(gitDir, 0o755); err != nil {
				return fmt.Errorf("tasks: init vcs marker: %w", err)
			}
			head := filepath.Join(gitDir, "HEAD")
			if err := os.WriteFile(head, []byte("ref: refs/heads/main\n"), 0o644); err != nil {
				return fmt.Errorf("tasks: init vcs marker: %w", err)
			}
		}
	}
	return nil
}

// Status returns a snapshot of the task record.
func (m *Manager) Status(taskID string) (BackgroundTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.tasks[taskID]
	if !ok {
		return BackgroundTask{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return state.record, nil
}

// List returns matching task snapshots, oldest first.
func (m *Manager) List(filter Filter) []BackgroundTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BackgroundTask, 0, len(m.tasks))
	for _, state := range m.tasks {
		if filter.matches(&state.record) {
			out = append(out, state.record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Output returns the task's retained output lines with Seq > since.
func (m *Manager) Output(taskID string, since uint64) ([]LogLine, error) {
	m.mu.Lock()
	state, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return state.ring.since(since), nil
}

// Cancel cancels a queued or running task. Cancelling a terminal or
// already-cancelled task is a no-op.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	state, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	switch {
	case state.record.Status.Terminal():
		m.mu.Unlock()
		return nil
	case state.cancel != nil:
		// Running: fire the abort handle; the run goroutine owns the
		// terminal transition.
		cancel := state.cancel
		m.mu.Unlock()
		cancel()
		return nil
	default:
		// Queued or recovering but not yet started.
		m.removeQueuedLocked(taskID)
		state.record.Status = StatusCancelled
		state.record.CompletedAt = time.Now().UTC()
		task := state.record
		m.mu.Unlock()
		m.purgeCheckpoints(taskID)
		m.persistState()
		m.emitTask(models.EventTaskCancelled, &task, "")
		return nil
	}
}

func (m *Manager) removeQueuedLocked(taskID string) {
	for i, id := range m.queue {
		if id == taskID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// dispatch starts queued tasks while admission slots are free.
func (m *Manager) dispatch() {
	for {
		m.mu.Lock()
		if m.closed || m.running >= m.cfg.MaxConcurrent || len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		taskID := m.queue[0]
		m.queue = m.queue[1:]
		state, ok := m.tasks[taskID]
		if !ok {
			m.mu.Unlock()
			continue
		}
		m.running++
		ctx, cancel := context.WithCancel(context.Background())
		state.cancel = cancel
		m.mu.Unlock()

		m.wg.Add(1)
		go m.run(ctx, taskID)
	}
}

// run executes one task to a terminal state.
func (m *Manager) run(ctx context.Context, taskID string) {
	defer m.wg.Done()
	ctx = observability.AddTaskID(ctx, taskID)

	m.mu.Lock()
	state := m.tasks[taskID]
	if state == nil || state.record.Status.Terminal() {
		// Cancelled between dispatch and start.
		m.running--
		m.mu.Unlock()
		m.dispatch()
		return
	}
	state.record.Status = StatusRunning
	state.record.StartedAt = time.Now().UTC()
	task := state.record
	scratch := state.scratch
	m.mu.Unlock()

	m.persistState()
	m.emitTask(models.EventTaskRunning, &task, "")
	m.metrics.SetTasks(string(StatusRunning), m.countRunning())

	result, runErr := m.execute(ctx, taskID, &task, scratch)

	status := StatusSucceeded
	switch {
	case runErr != nil && (errors.Is(runErr, context.Canceled) || ctx.Err() != nil):
		status = StatusCancelled
	case runErr != nil:
		status = StatusFailed
	}

	m.mu.Lock()
	state.record.Status = status
	state.record.CompletedAt = time.Now().UTC()
	state.record.Result = result
	if runErr != nil {
		state.record.LastError = runErr.Error()
	}
	state.cancel = nil
	task = state.record
	m.running--
	m.mu.Unlock()

	m.purgeCheckpoints(taskID)
	m.persistState()
	switch status {
	case StatusSucceeded:
		m.emitTask(models.EventTaskCompleted, &task, "")
	case StatusCancelled:
		m.emitTask(models.EventTaskCancelled, &task, "")
	default:
		m.emitTask(models.EventTaskFailed, &task, "")
		m.metrics.RecordError("tasks", "task_failed")
	}
	m.metrics.SetTasks(string(StatusRunning), m.countRunning())
	m.dispatch()
}

// execute builds the child engine, runs the query, and closes the
// engine before returning so resources are released ahead of the
// terminal event.
func (m *Manager) execute(ctx context.Context, taskID string, task *BackgroundTask, scratch json.RawMessage) (string, error) {
	workingDir := task.WorkingDir
	if workingDir == "" {
		workingDir = m.cfg.WorkspaceRoot
	}
	if info, err := os.Stat(workingDir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("tasks: working directory %s missing (unrecoverable)", workingDir)
	}

	build, err := backoff.RetryWithBackoff(ctx, backoff.DefaultPolicy(), childBuildAttempts,
		func(int) (RunnerHandle, error) { return m.factory(workingDir) })
	if err != nil {
		if build.LastError != nil {
			err = build.LastError
		}
		return "", fmt.Errorf("tasks: build child engine: %w", err)
	}
	runner := build.Value
	defer func() {
		if cerr := runner.Close(); cerr != nil {
			m.logger.Warn(ctx, "child engine close failed", "task_id", taskID, "error", cerr)
		}
	}()

	if m.checkpoints != nil {
		m.checkpoints.Enable(taskID, m.cfg.CheckpointInterval, func(cctx context.Context) (json.RawMessage, error) {
			data, serr := runner.Serialize(cctx)
			if serr == nil {
				m.touchCheckpoint(taskID)
			}
			return data, serr
		})
		defer m.checkpoints.Disable(taskID)
	}

	return runner.Run(ctx, RunRequest{
		Query:          task.Query,
		InitialScratch: scratch,
		Output: func(line string) {
			m.appendOutput(taskID, task, line)
		},
	})
}

func (m *Manager) appendOutput(taskID string, task *BackgroundTask, line string) {
	m.mu.Lock()
	state, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return
	}
	state.ring.append(line)
	event := m.newEvent(models.EventTaskOutput, task)
	event.Text = &models.TextPayload{Text: line}
	m.emit(event, task.Type)
}

func (m *Manager) touchCheckpoint(taskID string) {
	m.mu.Lock()
	if state, ok := m.tasks[taskID]; ok {
		state.record.LastCheckpointAt = time.Now().UTC()
	}
	m.mu.Unlock()
}

func (m *Manager) purgeCheckpoints(taskID string) {
	if m.checkpoints != nil {
		m.checkpoints.Disable(taskID)
	}
	if m.store != nil {
		if err := m.store.PurgeTask(taskID); err != nil {
			m.logger.Warn(context.Background(), "checkpoint purge failed", "task_id", taskID, "error", err)
		}
	}
}

func (m *Manager) countRunning() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// StartupRecover reloads the persisted task table and re-queues tasks
// that were in flight when the process died. Recovered tasks go to the
// head of the queue with their latest checkpoint preloaded; treat their
// re-execution as at-least-once.
func (m *Manager) StartupRecover() error {
	records, err := m.loadState()
	if err != nil {
		return err
	}

	var manifest []*checkpoint.Record
	if m.store != nil {
		manifest, err = m.store.Recover()
		if err != nil {
			m.logger.Warn(context.Background(), "checkpoint recovery failed; tasks restart from scratch", "error", err)
		}
	}
	checkpointed := make(map[string]json.RawMessage, len(manifest))
	for _, record := range manifest {
		checkpointed[record.TaskID] = record.State
	}

	var recovered, requeued []BackgroundTask
	m.mu.Lock()
	for _, record := range records {
		if _, exists := m.tasks[record.ID]; exists {
			continue
		}
		state := &taskState{record: record, ring: newOutputRing(m.cfg.OutputRingSize)}
		switch record.Status {
		case StatusRunning, StatusRecovering:
			state.record.Status = StatusRecovering
			state.scratch = checkpointed[record.ID]
			m.tasks[record.ID] = state
			m.queue = append([]string{record.ID}, m.queue...)
			recovered = append(recovered, state.record)
		case StatusQueued:
			m.tasks[record.ID] = state
			m.queue = append(m.queue, record.ID)
			requeued = append(requeued, state.record)
		default:
			// Terminal records stay visible until the retention sweep.
			m.tasks[record.ID] = state
		}
	}
	m.mu.Unlock()

	for i := range recovered {
		m.emitTask(models.EventTaskRecovering, &recovered[i], "")
	}
	if len(recovered)+len(requeued) > 0 {
		m.persistState()
	}
	m.dispatch()
	return nil
}

// sweepLoop drops terminal tasks once their retention window passes.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	cutoff := now.Add(-m.cfg.OutputRetention)
	removed := false
	m.mu.Lock()
	for id, state := range m.tasks {
		if state.record.Status.Terminal() && state.record.CompletedAt.Before(cutoff) {
			delete(m.tasks, id)
			removed = true
		}
	}
	m.mu.Unlock()
	if removed {
		m.persistState()
	}
}

// Close cancels running tasks and stops the manager. Queued tasks stay
// in the persisted table and recover on the next start.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancels := make([]context.CancelFunc, 0, len(m.tasks))
	for _, state := range m.tasks {
		if state.cancel != nil {
			cancels = append(cancels, state.cancel)
		}
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	close(m.stop)
	m.wg.Wait()
	m.persistState()
}

// persistState snapshots the task table to .tasks/state.json via temp
// file and rename.
func (m *Manager) persistState() {
	m.mu.Lock()
	records := make([]BackgroundTask, 0, len(m.tasks))
	for _, state := range m.tasks {
		records = append(records, state.record)
	}
	m.mu.Unlock()
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	m.fileMu.Lock()
	defer m.fileMu.Unlock()

	dir := filepath.Join(m.cfg.WorkspaceRoot, StateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.logger.Warn(context.Background(), "task state persist failed", "error", err)
		return
	}
	data, err := json.MarshalIndent(struct {
		Tasks     []BackgroundTask `json:"tasks"`
		UpdatedAt time.Time        `json:"updatedAt"`
	}{records, time.Now().UTC()}, "", "  ")
	if err != nil {
		m.logger.Warn(context.Background(), "task state persist failed", "error", err)
		return
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		m.logger.Warn(context.Background(), "task state persist failed", "error", err)
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpName, filepath.Join(dir, StateFile))
	}
	if err != nil {
		_ = os.Remove(tmpName)
		m.logger.Warn(context.Background(), "task state persist failed", "error", err)
	}
}

func (m *Manager) loadState() ([]BackgroundTask, error) {
	path := filepath.Join(m.cfg.WorkspaceRoot, StateDir, StateFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tasks: read state: %w", err)
	}
	var shape struct {
		Tasks []BackgroundTask `json:"tasks"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("tasks: parse state: %w", err)
	}
	return shape.Tasks, nil
}

// workspaceMirror maps base task kinds to their workspace-task twins.
var workspaceMirror = map[models.EventKind]models.EventKind{
	models.EventTaskSpawned:    models.EventWorkspaceTaskSpawned,
	models.EventTaskRunning:    models.EventWorkspaceTaskRunning,
	models.EventTaskProgress:   models.EventWorkspaceTaskProgress,
	models.EventTaskOutput:     models.EventWorkspaceTaskOutput,
	models.EventTaskRecovering: models.EventWorkspaceTaskRecovering,
	models.EventTaskCompleted:  models.EventWorkspaceTaskCompleted,
	models.EventTaskFailed:     models.EventWorkspaceTaskFailed,
	models.EventTaskCancelled:  models.EventWorkspaceTaskCancelled,
}

func (m *Manager) newEvent(kind models.EventKind, task *BackgroundTask) models.Event {
	return models.Event{
		Version:  1,
		Kind:     kind,
		Time:     time.Now(),
		Sequence: m.seq.Add(1),
		TaskID:   task.ID,
		Task: &models.TaskPayload{
			ID:                 task.ID,
			Description:        task.Description,
			Status:             string(task.Status),
			Type:               string(task.Type),
			WorkingDir:         task.WorkingDir,
			OriginConversation: task.OriginConversation,
			CreatedAt:          task.CreatedAt,
			CompletedAt:        task.CompletedAt,
			LastError:          task.LastError,
		},
	}
}

func (m *Manager) emitTask(kind models.EventKind, task *BackgroundTask, text string) {
	event := m.newEvent(kind, task)
	if text != "" {
		event.Text = &models.TextPayload{Text: text}
	}
	m.emit(event, task.Type)
}

// emit publishes the event, plus the workspace-task mirror for
// workspace-typed tasks.
func (m *Manager) emit(event models.Event, taskType Type) {
	ctx := context.Background()
	m.sink.Emit(ctx, event)
	if taskType == TypeWorkspace {
		if mirror, ok := workspaceMirror[event.Kind]; ok {
			twin := event
			twin.Kind = mirror
			twin.Sequence = m.seq.Add(1)
			m.sink.Emit(ctx, twin)
		}
	}
}
