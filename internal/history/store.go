// Package history holds conversation transcripts: an append-only message
// list with a budget-truncated view for prompt assembly, snapshots, and
// atomic persistence under the workspace's .conversations directory.
package history

import (
	"fmt"
	"time"

	"github.com/haasonsaas/eventic/pkg/models"
)

// Store is the transcript of one conversation.
//
// Thread Safety:
// Store is NOT internally synchronized. The conversation registry's
// per-name lock serializes all access; a Store must only be touched
// while holding that lock.
type Store struct {
	name      string
	createdAt time.Time
	updatedAt time.Time
	messages  []models.Message
}

// New creates an empty store for the named conversation.
func New(name string) *Store {
	now := time.Now().UTC()
	return &Store{
		name:      name,
		createdAt: now,
		updatedAt: now,
	}
}

// Name returns the conversation name.
func (s *Store) Name() string { return s.name }

// CreatedAt returns the creation time.
func (s *Store) CreatedAt() time.Time { return s.createdAt }

// UpdatedAt returns the last modification time.
func (s *Store) UpdatedAt() time.Time { return s.updatedAt }

// Len returns the number of stored messages.
func (s *Store) Len() int { return len(s.messages) }

// Append adds a message to the transcript.
func (s *Store) Append(msg models.Message) {
	s.messages = append(s.messages, msg)
	s.updatedAt = time.Now().UTC()
}

// SetName renames the conversation. Persistence of the rename is the
// registry's job.
func (s *Store) SetName(name string) {
	s.name = name
	s.updatedAt = time.Now().UTC()
}

// All returns the full transcript. The returned slice is a copy; the
// messages themselves are shared.
func (s *Store) All() []models.Message {
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Last returns the most recent message, or false when empty.
func (s *Store) Last() (models.Message, bool) {
	if len(s.messages) == 0 {
		return models.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// TruncateLast removes the most recent message. Used by callers that
// retract a tick's output.
func (s *Store) TruncateLast() {
	if len(s.messages) == 0 {
		return
	}
	s.messages = s.messages[:len(s.messages)-1]
	s.updatedAt = time.Now().UTC()
}

// Clear removes every message.
func (s *Store) Clear() {
	s.messages = nil
	s.updatedAt = time.Now().UTC()
}

// Messages returns a prompt view that fits the token budget.
//
// The first message, when system-role, is pinned and always included.
// The rest of the transcript is grouped into turns: a group starts at
// each user message and carries the assistant and tool messages that
// follow it. Walking backward from the newest group, whole groups are
// kept while the budget allows; older groups are dropped whole so a
// tool result is never separated from the assistant message that
// requested it. When anything was dropped, a synthetic system message
// "[truncated N earlier turns]" is placed right after the pinned
// system message. The newest group is always kept regardless of
// budget, so the minimum view is system + marker + last turn.
func (s *Store) Messages(budget int) []models.Message {
	var system *models.Message
	body := s.messages
	if len(body) > 0 && body[0].Role == models.RoleSystem {
		system = &body[0]
		body = body[1:]
	}

	groups := groupTurns(body)
	if len(groups) == 0 {
		if system != nil {
			return []models.Message{*system}
		}
		return nil
	}

	used := 0
	if system != nil {
		used += EstimateMessageTokens(*system)
	}

	keepFrom := len(groups)
	for i := len(groups) - 1; i >= 0; i-- {
		cost := 0
		for _, msg := range groups[i] {
			cost += EstimateMessageTokens(msg)
		}
		if used+cost > budget && keepFrom < len(groups) {
			break
		}
		used += cost
		keepFrom = i
	}

	dropped := keepFrom
	out := make([]models.Message, 0, len(body)+2)
	if system != nil {
		out = append(out, *system)
	}
	if dropped > 0 {
		out = append(out, models.Message{
			Role:      models.RoleSystem,
			Content:   fmt.Sprintf("[truncated %d earlier turns]", dropped),
			Timestamp: time.Now().UTC(),
		})
	}
	for _, group := range groups[keepFrom:] {
		out = append(out, group...)
	}
	return out
}

// groupTurns splits messages into turn groups. A group starts at each
// user message; leading messages before the first user message form
// their own group.
func groupTurns(messages []models.Message) [][]models.Message {
	var groups [][]models.Message
	for _, msg := range messages {
		if msg.Role == models.RoleUser || len(groups) == 0 {
			groups = append(groups, []models.Message{msg})
			continue
		}
		last := len(groups) - 1
		groups[last] = append(groups[last], msg)
	}
	return groups
}
