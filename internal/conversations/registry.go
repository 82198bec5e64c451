// Package conversations manages the set of named conversations in a
// workspace: lifecycle (create, delete, rename, switch), on-disk
// discovery, and the per-conversation fair FIFO locks that serialize
// requests touching the same transcript while leaving different
// conversations fully parallel.
package conversations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/eventic/internal/history"
)

var (
	// ErrConversationExists is returned when creating a name already in use.
	ErrConversationExists = errors.New("conversations: conversation already exists")

	// ErrConversationMissing is returned for operations on unknown names.
	ErrConversationMissing = errors.New("conversations: conversation not found")

	// ErrConversationBusy is returned when a destructive operation hits a
	// conversation whose lock is held or contended.
	ErrConversationBusy = errors.New("conversations: conversation busy")

	// ErrInvalidName is returned for names outside the allowed charset.
	ErrInvalidName = errors.New("conversations: invalid conversation name")
)

// DefaultName is the conversation unqualified requests target.
const DefaultName = "default"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidName reports whether name is acceptable as a conversation name.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return namePattern.MatchString(name)
}

// Registry owns every conversation in a workspace.
//
// Thread Safety:
// Registry is safe for concurrent use. The registry mutex guards the
// maps and the active pointer only; transcript access is serialized by
// the per-conversation lock via WithLock.
type Registry struct {
	root   string
	mu     sync.Mutex
	stores map[string]*history.Store
	locks  map[string]*convLock
	active string
}

// Open scans workspaceRoot/.conversations and loads every transcript.
// A "default" conversation is created when none exist.
func Open(workspaceRoot string) (*Registry, error) {
	r := &Registry{
		root:   workspaceRoot,
		stores: make(map[string]*history.Store),
		locks:  make(map[string]*convLock),
	}

	entries, err := os.ReadDir(filepath.Join(workspaceRoot, history.ConversationsDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("scan conversations dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		name = strings.TrimSuffix(name, ".json")
		if !ValidName(name) {
			continue
		}
		store, err := history.Load(workspaceRoot, name)
		if err != nil {
			return nil, fmt.Errorf("load conversation %q: %w", name, err)
		}
		r.stores[name] = store
		r.locks[name] = &convLock{}
	}

	if len(r.stores) == 0 {
		store := history.New(DefaultName)
		if err := store.Persist(workspaceRoot); err != nil {
			return nil, err
		}
		r.stores[DefaultName] = store
		r.locks[DefaultName] = &convLock{}
	}

	if _, ok := r.stores[DefaultName]; ok {
		r.active = DefaultName
	} else {
		r.active = r.listLocked()[0]
	}
	return r, nil
}

// Root returns the workspace root the registry persists under.
func (r *Registry) Root() string { return r.root }

// Create registers a new empty conversation and persists it.
func (r *Registry) Create(name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[name]; ok {
		return fmt.Errorf("%w: %q", ErrConversationExists, name)
	}
	store := history.New(name)
	if err := store.Persist(r.root); err != nil {
		return err
	}
	r.stores[name] = store
	r.locks[name] = &convLock{}
	return nil
}

// List returns all conversation names, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []string {
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exists reports whether a conversation is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.stores[name]
	return ok
}

// Active returns the conversation unqualified requests target.
func (r *Registry) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SwitchActive changes the default conversation.
func (r *Registry) SwitchActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[name]; !ok {
		return fmt.Errorf("%w: %q", ErrConversationMissing, name)
	}
	r.active = name
	return nil
}

// TryDelete removes a conversation and its files. A held or contended
// lock fails the delete with ErrConversationBusy rather than blocking.
func (r *Registry) TryDelete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrConversationMissing, name)
	}
	if !lock.tryAcquire() {
		return fmt.Errorf("%w: %q", ErrConversationBusy, name)
	}
	// Held purely to fence racing requests; the entry goes away with us.
	defer lock.release()

	if err := history.DeleteFiles(r.root, name); err != nil {
		return err
	}
	delete(r.stores, name)
	delete(r.locks, name)
	if r.active == name {
		r.active = DefaultName
		if _, ok := r.stores[DefaultName]; !ok {
			if names := r.listLocked(); len(names) > 0 {
				r.active = names[0]
			} else {
				r.active = ""
			}
		}
	}
	return nil
}

// Rename moves a conversation to a new name, carrying its transcript
// and lock. Fails with ErrConversationBusy while the source is locked.
func (r *Registry) Rename(oldName, newName string) error {
	if !ValidName(newName) {
		return fmt.Errorf("%w: %q", ErrInvalidName, newName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[oldName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrConversationMissing, oldName)
	}
	if _, ok := r.stores[newName]; ok {
		return fmt.Errorf("%w: %q", ErrConversationExists, newName)
	}
	if !lock.tryAcquire() {
		return fmt.Errorf("%w: %q", ErrConversationBusy, oldName)
	}
	defer lock.release()

	store := r.stores[oldName]
	store.SetName(newName)
	if err := store.Persist(r.root); err != nil {
		store.SetName(oldName)
		return err
	}
	if err := history.DeleteFiles(r.root, oldName); err != nil {
		return err
	}
	r.stores[newName] = store
	r.locks[newName] = lock
	delete(r.stores, oldName)
	delete(r.locks, oldName)
	if r.active == oldName {
		r.active = newName
	}
	return nil
}

// WithLock runs fn with the conversation's FIFO lock held, passing the
// transcript. fn must not retain the store past its return.
func (r *Registry) WithLock(ctx context.Context, name string, fn func(*history.Store) error) error {
	r.mu.Lock()
	lock, ok := r.locks[name]
	store := r.stores[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrConversationMissing, name)
	}

	if err := lock.acquire(ctx); err != nil {
		return err
	}
	defer lock.release()
	return fn(store)
}
