// Package store holds the ordered, deduplicated message list for one channel.
// It is the sole mutator of messages; everything else funnels through Merge,
// Append and Reconcile.
package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

// HistoryLoader is the historical-load external interface: one bounded page,
// ascending by creation time.
type HistoryLoader interface {
	History(ctx context.Context, channelID string, limit int) ([]model.Message, error)
}

// Store is an ordered message list with idempotent merge. It is not
// concurrency-safe on its own: the owning session serializes every caller.
type Store struct {
	channelID string

	// msgs is kept sorted ascending by (CreatedAt, ID); provisional entries
	// hold whatever position Append gave them until reconciled.
	msgs []model.Message
	// ids dedupes by server-assigned identifier.
	ids map[string]struct{}
	// tokens maps a correlation token to its provisional entry's identity.
	// Positions shift on insert, so entries are located by token, not index.
	tokens map[string]struct{}
}

func New(channelID string) *Store {
	return &Store{
		channelID: channelID,
		ids:       make(map[string]struct{}),
		tokens:    make(map[string]struct{}),
	}
}

func (s *Store) ChannelID() string { return s.channelID }

// Load fetches one bounded page of history and merges it in. On error the
// prior contents are left untouched and the caller decides whether to retry.
// Calling Load again after a reconnect dedupes against existing entries.
func (s *Store) Load(ctx context.Context, loader HistoryLoader, limit int) error {
	defer logger.DeferLogDuration("store.Load", time.Now())()
	page, err := loader.History(ctx, s.channelID, limit)
	if err != nil {
		return fmt.Errorf("store.Load channel=%s: %w", s.channelID, err)
	}
	// Deterministic page order regardless of what the server returned.
	sort.SliceStable(page, func(i, j int) bool { return page[i].Before(&page[j]) })
	for i := range page {
		s.Merge(page[i])
	}
	return nil
}

// Merge inserts a confirmed message at its timeline position. Idempotent: a
// message whose ID is already present is a no-op, which absorbs duplicate
// delivery and reconnection replay. The insert is stable: existing entries
// never move relative to each other, and a remote message never lands ahead
// of a provisional entry (the sender's own view must not reorder).
func (s *Store) Merge(m model.Message) bool {
	if m.ID == "" {
		return false
	}
	if _, ok := s.ids[m.ID]; ok {
		return false
	}
	if m.Status == "" {
		m.Status = model.StatusConfirmed
	}
	s.ids[m.ID] = struct{}{}

	// Scan from the tail for the first entry that sorts at or before m.
	// A provisional entry yields only to strictly older messages: a remote
	// message from the same instant lands after it, never ahead of it.
	pos := len(s.msgs)
	for pos > 0 {
		prev := &s.msgs[pos-1]
		if prev.Provisional() {
			if !m.CreatedAt.Before(prev.CreatedAt) {
				break
			}
		} else if !m.Before(prev) {
			break
		}
		pos--
	}
	s.msgs = append(s.msgs, model.Message{})
	copy(s.msgs[pos+1:], s.msgs[pos:])
	s.msgs[pos] = m
	return true
}

// Append inserts a provisional message at the tail unconditionally (local
// writes are always chronologically last from the viewer's own perspective)
// and returns the correlation token used for reconciliation.
func (s *Store) Append(m model.Message) string {
	token := uuid.New().String()
	m.LocalToken = token
	m.Status = model.StatusPending
	if m.ID == "" {
		// Placeholder identity until the server assigns one; never enters ids.
		m.ID = "local-" + token
	}
	s.tokens[token] = struct{}{}
	s.msgs = append(s.msgs, m)
	return token
}

// Reconcile replaces the provisional entry for token with its confirmed
// counterpart, in place: same list position, content now server-authoritative.
// Idempotent: once a token is reconciled or the entry is gone, further calls
// are no-ops, so the confirmation response and the remote echo can race freely.
func (s *Store) Reconcile(token string, confirmed model.Message) bool {
	i, ok := s.findToken(token)
	if !ok {
		return false
	}
	confirmed.Status = model.StatusConfirmed
	confirmed.LocalToken = ""
	s.msgs[i] = confirmed
	delete(s.tokens, token)
	if confirmed.ID != "" {
		s.ids[confirmed.ID] = struct{}{}
	}
	return true
}

// Fail marks the provisional entry for token as failed. The entry stays
// visible at its position so the UI can offer retry; it is never resubmitted
// automatically.
func (s *Store) Fail(token string, reason string) bool {
	i, ok := s.findToken(token)
	if !ok {
		return false
	}
	if s.msgs[i].Status != model.StatusPending {
		return false
	}
	s.msgs[i].Status = model.StatusFailed
	s.msgs[i].FailReason = reason
	return true
}

// Discard removes a failed provisional entry (user gave up on retry).
// Pending and confirmed entries are not discardable.
func (s *Store) Discard(token string) bool {
	i, ok := s.findToken(token)
	if !ok || s.msgs[i].Status != model.StatusFailed {
		return false
	}
	delete(s.tokens, token)
	s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	return true
}

// Update applies a content edit to a confirmed message by ID. Unknown IDs are
// a no-op (the edit may concern a message outside the loaded page).
func (s *Store) Update(id, content string, updatedAt time.Time) bool {
	for i := range s.msgs {
		if s.msgs[i].ID == id && !s.msgs[i].Provisional() {
			s.msgs[i].Content = content
			s.msgs[i].UpdatedAt = updatedAt
			return true
		}
	}
	return false
}

// Remove deletes a confirmed message by ID. Unknown IDs are a no-op.
func (s *Store) Remove(id string) bool {
	for i := range s.msgs {
		if s.msgs[i].ID == id && !s.msgs[i].Provisional() {
			delete(s.ids, id)
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// BumpReplyCount increments the denormalized reply counter on a parent
// message, if it is present in the loaded page.
func (s *Store) BumpReplyCount(parentID string) {
	for i := range s.msgs {
		if s.msgs[i].ID == parentID {
			s.msgs[i].ReplyCount++
			return
		}
	}
}

// Messages returns a snapshot copy of the ordered list.
func (s *Store) Messages() []model.Message {
	out := make([]model.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *Store) Len() int { return len(s.msgs) }

// Contains reports whether a confirmed message with this server ID is present.
func (s *Store) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Get returns the message at the given server ID, if present.
func (s *Store) Get(id string) (model.Message, bool) {
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			return s.msgs[i], true
		}
	}
	return model.Message{}, false
}

// Pending reports whether token still names a pending provisional entry.
func (s *Store) Pending(token string) bool {
	i, ok := s.findToken(token)
	return ok && s.msgs[i].Status == model.StatusPending
}

func (s *Store) findToken(token string) (int, bool) {
	if _, ok := s.tokens[token]; !ok {
		return 0, false
	}
	for i := range s.msgs {
		if s.msgs[i].LocalToken == token {
			return i, true
		}
	}
	return 0, false
}
