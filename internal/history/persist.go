package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/eventic/pkg/models"
)

// ConversationsDir is the workspace subdirectory holding transcripts.
const ConversationsDir = ".conversations"

const snapshotsSuffix = ".snapshots"

// fileShape is the on-disk transcript format.
type fileShape struct {
	Name      string           `json:"name"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Messages  []models.Message `json:"messages"`
}

// Path returns the transcript path for a conversation name.
func Path(workspaceRoot, name string) string {
	return filepath.Join(workspaceRoot, ConversationsDir, name+".json")
}

// SnapshotDir returns the snapshot directory for a conversation name.
func SnapshotDir(workspaceRoot, name string) string {
	return filepath.Join(workspaceRoot, ConversationsDir, name+snapshotsSuffix)
}

// Persist writes the transcript to .conversations/<name>.json via a
// temp file, fsync, and rename so a crash never leaves a torn file.
func (s *Store) Persist(workspaceRoot string) error {
	return s.writeTo(Path(workspaceRoot, s.name))
}

// Load reads a transcript from disk.
func Load(workspaceRoot, name string) (*Store, error) {
	return readFrom(Path(workspaceRoot, name))
}

// Snapshot writes a point-in-time copy of the transcript under the
// conversation's snapshot directory.
func (s *Store) Snapshot(workspaceRoot, snapshot string) error {
	if err := validSnapshotName(snapshot); err != nil {
		return err
	}
	dir := SnapshotDir(workspaceRoot, s.name)
	return s.writeTo(filepath.Join(dir, snapshot+".json"))
}

// RestoreSnapshot replaces the store's messages with a snapshot's
// contents. The caller persists afterward if the restore should stick.
func (s *Store) RestoreSnapshot(workspaceRoot, snapshot string) error {
	if err := validSnapshotName(snapshot); err != nil {
		return err
	}
	restored, err := readFrom(filepath.Join(SnapshotDir(workspaceRoot, s.name), snapshot+".json"))
	if err != nil {
		return err
	}
	s.messages = restored.messages
	s.updatedAt = time.Now().UTC()
	return nil
}

// ListSnapshots returns snapshot names for the conversation, sorted.
func (s *Store) ListSnapshots(workspaceRoot string) ([]string, error) {
	entries, err := os.ReadDir(SnapshotDir(workspaceRoot, s.name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// DeleteSnapshot removes a snapshot file.
func (s *Store) DeleteSnapshot(workspaceRoot, snapshot string) error {
	if err := validSnapshotName(snapshot); err != nil {
		return err
	}
	return os.Remove(filepath.Join(SnapshotDir(workspaceRoot, s.name), snapshot+".json"))
}

// DeleteFiles removes the transcript and its snapshots from disk.
func DeleteFiles(workspaceRoot, name string) error {
	if err := os.Remove(Path(workspaceRoot, name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.RemoveAll(SnapshotDir(workspaceRoot, name)); err != nil {
		return err
	}
	return nil
}

func (s *Store) writeTo(path string) error {
	data, err := json.MarshalIndent(fileShape{
		Name:      s.name,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
		Messages:  s.messages,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation %q: %w", s.name, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func readFrom(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var shape fileShape
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("parse conversation file %s: %w", path, err)
	}
	return &Store{
		name:      shape.Name,
		createdAt: shape.CreatedAt,
		updatedAt: shape.UpdatedAt,
		messages:  shape.Messages,
	}, nil
}

func validSnapshotName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid snapshot name %q", name)
	}
	return nil
}
