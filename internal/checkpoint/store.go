// Package checkpoint persists background-task state through a
// write-ahead log with per-task latest pointers, so a crash between
// two checkpoints loses at most the work since the last append.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/eventic/internal/observability"
)

// ErrStorageUnavailable wraps write failures. A caller seeing it MUST
// NOT treat the checkpoint as durable.
var ErrStorageUnavailable = errors.New("checkpoint: storage unavailable")

// ErrNoCheckpoint is returned when a task has no recoverable record.
var ErrNoCheckpoint = errors.New("checkpoint: no checkpoint for task")

// Directory layout under the workspace root.
const (
	baseDir     = ".checkpoints"
	walDir      = "wal"
	latestDir   = "latest"
	manifestLog = "manifest.json"
)

// Record is one durable checkpoint of one task.
type Record struct {
	TaskID             string          `json:"taskId"`
	CheckpointID       string          `json:"checkpointId"`
	SequenceNumber     uint64          `json:"sequenceNumber"`
	State              json.RawMessage `json:"state"`
	Status             string          `json:"status"`
	CreatedAt          time.Time       `json:"createdAt"`
	ParentCheckpointID string          `json:"parentCheckpointId,omitempty"`
}

// pointer is the per-task latest pointer file.
type pointer struct {
	TaskID         string    `json:"taskId"`
	WALSeq         uint64    `json:"walSeq"`
	SequenceNumber uint64    `json:"sequenceNumber"`
	CheckpointID   string    `json:"checkpointId"`
	Status         string    `json:"status"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// taskTip tracks the newest checkpoint per task for chain linking.
type taskTip struct {
	seq          uint64
	checkpointID string
}

// Store is the append-only WAL plus latest pointers.
//
// Thread Safety:
// Store is safe for concurrent use, though the design expects a single
// writer per task; the mutex serializes the global WAL sequence and
// pointer swaps.
type Store struct {
	root    string
	logger  *observability.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	walSeq uint64
	tips   map[string]taskTip
}

// Open initializes the store under workspaceRoot, scanning any
// existing WAL to restore the global sequence and per-task tips.
func Open(workspaceRoot string, logger *observability.Logger, metrics *observability.Metrics) (*Store, error) {
	s := &Store{
		root:    filepath.Join(workspaceRoot, baseDir),
		logger:  logger,
		metrics: metrics,
		tips:    make(map[string]taskTip),
	}
	for _, dir := range []string{s.walPath(), s.latestPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}

	entries, err := os.ReadDir(s.walPath())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".entry") {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, ".entry"), 16, 64)
		if err != nil {
			continue
		}
		if seq > s.walSeq {
			s.walSeq = seq
		}
		record, err := readEntry(filepath.Join(s.walPath(), name))
		if err != nil {
			continue
		}
		if tip, ok := s.tips[record.TaskID]; !ok || record.SequenceNumber > tip.seq {
			s.tips[record.TaskID] = taskTip{seq: record.SequenceNumber, checkpointID: record.CheckpointID}
		}
	}
	return s, nil
}

func (s *Store) walPath() string    { return filepath.Join(s.root, walDir) }
func (s *Store) latestPath() string { return filepath.Join(s.root, latestDir) }

func entryName(walSeq uint64) string {
	return fmt.Sprintf("%016x.entry", walSeq)
}

// Append durably writes a checkpoint for taskID and swaps the latest
// pointer. On return the record survives a process kill. The store
// assigns the checkpoint id, sequence number, and parent link.
func (s *Store) Append(taskID, status string, state json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tip := s.tips[taskID]
	record := Record{
		TaskID:         taskID,
		CheckpointID:   uuid.NewString(),
		SequenceNumber: tip.seq + 1,
		State:          state,
		Status:         status,
		CreatedAt:      time.Now().UTC(),
	}
	if tip.checkpointID != "" {
		record.ParentCheckpointID = tip.checkpointID
	}

	s.walSeq++
	if err := s.writeEntry(s.walSeq, &record); err != nil {
		s.walSeq--
		s.metrics.RecordCheckpointWrite("error")
		return "", err
	}

	ptr := pointer{
		TaskID:         taskID,
		WALSeq:         s.walSeq,
		SequenceNumber: record.SequenceNumber,
		CheckpointID:   record.CheckpointID,
		Status:         status,
		UpdatedAt:      record.CreatedAt,
	}
	if err := s.writePointer(&ptr); err != nil {
		s.metrics.RecordCheckpointWrite("error")
		return "", err
	}

	s.tips[taskID] = taskTip{seq: record.SequenceNumber, checkpointID: record.CheckpointID}
	s.metrics.RecordCheckpointWrite("ok")
	return record.CheckpointID, nil
}

// writeEntry writes "<json>\n<crc32 hex>\n" and fsyncs before close.
// The entry must be durable before the pointer swap exposes it.
func (s *Store) writeEntry(walSeq uint64, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: marshal record: %v", ErrStorageUnavailable, err)
	}
	sum := crc32.ChecksumIEEE(data)
	body := append(data, '\n')
	body = append(body, []byte(fmt.Sprintf("%08x\n", sum))...)

	path := filepath.Join(s.walPath(), entryName(walSeq))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// writePointer swaps the latest pointer via temp file and rename.
func (s *Store) writePointer(ptr *pointer) error {
	data, err := json.Marshal(ptr)
	if err != nil {
		return fmt.Errorf("%w: marshal pointer: %v", ErrStorageUnavailable, err)
	}
	dir := s.latestPath()
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, ptr.TaskID+".ptr")); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// readEntry parses and checksum-verifies one WAL entry.
func readEntry(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.SplitN(strings.TrimRight(string(data), "\n"), "\n", 2)
	if len(lines) != 2 {
		return nil, fmt.Errorf("checkpoint: truncated entry %s", filepath.Base(path))
	}
	want, err := strconv.ParseUint(strings.TrimSpace(lines[1]), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: unreadable checksum in %s", filepath.Base(path))
	}
	if got := crc32.ChecksumIEEE([]byte(lines[0])); got != uint32(want) {
		return nil, fmt.Errorf("checkpoint: checksum mismatch in %s", filepath.Base(path))
	}
	var record Record
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		return nil, fmt.Errorf("checkpoint: corrupt record in %s: %w", filepath.Base(path), err)
	}
	return &record, nil
}

// Latest returns the newest valid checkpoint for a task, walking back
// along the chain when the pointed entry fails its checksum.
func (s *Store) Latest(taskID string) (*Record, error) {
	records, err := s.taskRecords(taskID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, taskID)
	}

	ptr, err := s.readPointer(taskID)
	if err == nil {
		for _, record := range records {
			if record.CheckpointID == ptr.CheckpointID {
				return record, nil
			}
		}
		// Pointed entry invalid or missing. Fall through to the newest
		// surviving record, which is the deepest valid ancestor.
	}
	return records[len(records)-1], nil
}

// taskRecords returns a task's valid WAL records in sequence order.
func (s *Store) taskRecords(taskID string) ([]*Record, error) {
	entries, err := os.ReadDir(s.walPath())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	var records []*Record
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".entry") {
			continue
		}
		record, err := readEntry(filepath.Join(s.walPath(), entry.Name()))
		if err != nil {
			// Torn or corrupt entries are treated as absent.
			continue
		}
		if record.TaskID == taskID {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].SequenceNumber < records[j].SequenceNumber
	})
	return records, nil
}

func (s *Store) readPointer(taskID string) (*pointer, error) {
	data, err := os.ReadFile(filepath.Join(s.latestPath(), taskID+".ptr"))
	if err != nil {
		return nil, err
	}
	var ptr pointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		return nil, err
	}
	return &ptr, nil
}

// Recover returns the latest valid checkpoint of every task that still
// has a pointer, i.e. every task that had not reached a terminal state
// when the process died. It also rewrites the debug manifest.
func (s *Store) Recover() ([]*Record, error) {
	pointers, err := os.ReadDir(s.latestPath())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	var manifest []*Record
	for _, entry := range pointers {
		name := entry.Name()
		if !strings.HasSuffix(name, ".ptr") {
			continue
		}
		taskID := strings.TrimSuffix(name, ".ptr")
		record, err := s.Latest(taskID)
		if err != nil {
			s.logger.Warn(context.Background(), "task has pointer but no recoverable checkpoint",
				"task_id", taskID, "error", err)
			continue
		}
		manifest = append(manifest, record)
	}
	sort.Slice(manifest, func(i, j int) bool {
		return manifest[i].CreatedAt.Before(manifest[j].CreatedAt)
	})

	// The manifest file is a debugging artifact, never read back.
	if data, err := json.MarshalIndent(manifest, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(s.root, manifestLog), data, 0o644)
	}
	return manifest, nil
}

// Compact removes a task's WAL entries older than latest minus keep.
// Returns how many entries were deleted.
func (s *Store) Compact(taskID string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tip := s.tips[taskID]
	if tip.seq == 0 {
		return 0, nil
	}
	var cutoff uint64
	if uint64(keep) < tip.seq {
		cutoff = tip.seq - uint64(keep)
	}

	entries, err := os.ReadDir(s.walPath())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	removed := 0
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".entry") {
			continue
		}
		path := filepath.Join(s.walPath(), entry.Name())
		record, err := readEntry(path)
		if err != nil || record.TaskID != taskID {
			continue
		}
		if record.SequenceNumber <= cutoff {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// PurgeTask removes a task's pointer and every WAL entry once the task
// reaches a terminal state.
func (s *Store) PurgeTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.latestPath(), taskID+".ptr")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	entries, err := os.ReadDir(s.walPath())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".entry") {
			continue
		}
		path := filepath.Join(s.walPath(), entry.Name())
		record, err := readEntry(path)
		if err != nil || record.TaskID != taskID {
			continue
		}
		_ = os.Remove(path)
	}
	delete(s.tips, taskID)
	return nil
}
