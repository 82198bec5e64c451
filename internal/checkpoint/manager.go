package checkpoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/haasonsaas/eventic/internal/observability"
)

// Serializer produces the opaque state blob for one task. The task
// manager supplies one per task; the checkpoint layer never inspects
// the contents.
type Serializer func(ctx context.Context) (json.RawMessage, error)

// DefaultInterval is the periodic checkpoint period when the config
// does not override it.
const DefaultInterval = 30 * time.Second

// Manager schedules periodic checkpoints of running tasks on top of
// the Store. A failed background write downgrades durability for that
// task until the next successful write; it never stops the task.
//
// Thread Safety:
// Manager is safe for concurrent use. Each enabled task gets its own
// scheduler goroutine; Disable and Close stop them.
type Manager struct {
	store  *Store
	logger *observability.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a checkpoint manager over store.
func NewManager(store *Store, logger *observability.Logger) *Manager {
	return &Manager{
		store:   store,
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Enable schedules a checkpoint of taskID every interval until Disable
// or Close. Re-enabling a task restarts its schedule.
func (m *Manager) Enable(taskID string, interval time.Duration, serialize Serializer) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	ctx = observability.AddTaskID(ctx, taskID)

	m.mu.Lock()
	if prev, ok := m.cancels[taskID]; ok {
		prev()
	}
	m.cancels[taskID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, taskID, interval, serialize)
}

func (m *Manager) run(ctx context.Context, taskID string, interval time.Duration, serialize Serializer) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Snapshot(ctx, taskID, serialize); err != nil {
				m.logger.Warn(ctx, "periodic checkpoint failed; durability degraded until next success",
					"task_id", taskID, "error", err)
			}
		}
	}
}

// Snapshot takes an immediate checkpoint of taskID and returns the
// checkpoint id.
func (m *Manager) Snapshot(ctx context.Context, taskID string, serialize Serializer) (string, error) {
	state, err := serialize(ctx)
	if err != nil {
		return "", err
	}
	id, err := m.store.Append(taskID, "running", state)
	if err != nil {
		return "", err
	}
	m.logger.Debug(ctx, "checkpoint written", "task_id", taskID, "checkpoint_id", id)
	return id, nil
}

// Disable stops the periodic schedule for taskID. It does not remove
// existing checkpoints; terminal cleanup is the task manager's job.
func (m *Manager) Disable(taskID string) {
	m.mu.Lock()
	if cancel, ok := m.cancels[taskID]; ok {
		cancel()
		delete(m.cancels, taskID)
	}
	m.mu.Unlock()
}

// Close stops all schedules and waits for in-flight snapshots.
func (m *Manager) Close() {
	m.mu.Lock()
	for id, cancel := range m.cancels {
		cancel()
		delete(m.cancels, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
