package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/chatsync/internal/feed"
	"github.com/chatsync/internal/model"
)

// typingEntry is time-bounded presence: no removal event exists, the entry
// simply falls out of reads once its expiry passes.
type typingEntry struct {
	user      model.UserPublic
	expiresAt time.Time
}

// TypingEntry is the read-side view of a live typing presence.
type TypingEntry struct {
	User      model.UserPublic
	ExpiresAt time.Time
}

// SignalTyping records the viewer's own typing locally and publishes the
// cooperative signal to the feed. Repeated signals refresh the expiry; they
// never duplicate the entry.
func (s *Session) SignalTyping() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.noteTyping(s.viewer)
	s.mu.Unlock()
	s.notify()

	s.feed.Publish(feed.NewEvent(feed.EventTyping, feed.TypingPayload{
		ChannelID: s.channelID,
		User:      s.viewer,
	}))
}

// noteTyping inserts or refreshes one user's entry. Caller holds the lock.
func (s *Session) noteTyping(user model.UserPublic) {
	s.typing[user.ID] = typingEntry{
		user:      user,
		expiresAt: s.clk.Now().Add(s.window),
	}
}

// Typing returns the live entries, dropping expired ones lazily. Ordered by
// user ID so rendering is stable.
func (s *Session) Typing() []TypingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	out := make([]TypingEntry, 0, len(s.typing))
	for id, e := range s.typing {
		if !e.expiresAt.After(now) {
			delete(s.typing, id)
			continue
		}
		out = append(out, TypingEntry{User: e.user, ExpiresAt: e.expiresAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.ID < out[j].User.ID })
	return out
}

// TypingText renders the indicator line. Deterministic by count:
// one user, two users, or "X and N others".
func (s *Session) TypingText() string {
	entries := s.Typing()
	switch len(entries) {
	case 0:
		return ""
	case 1:
		return entries[0].User.Username + " is typing…"
	case 2:
		return entries[0].User.Username + " and " + entries[1].User.Username + " are typing…"
	default:
		return fmt.Sprintf("%s and %d others are typing…", entries[0].User.Username, len(entries)-1)
	}
}
