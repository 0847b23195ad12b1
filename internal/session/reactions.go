package session

import (
	"github.com/chatsync/internal/feed"
)

// tally aggregates one emoji on one message. Count is always len(userIDs);
// it is never stored separately, so it cannot drift.
type tally struct {
	emoji   string
	userIDs []string
	names   []string
}

// Tally is the read-side view of a reaction aggregate.
type Tally struct {
	Emoji string
	Count int
	Users []string // display names, arrival order
	Mine  bool     // viewer is among the reactors
}

// AddReaction applies the viewer's reaction locally and publishes it. A
// duplicate add (same user, same emoji) is a defined no-op, not an error.
func (s *Session) AddReaction(messageID, emoji string) {
	s.react(messageID, emoji, true)
}

// RemoveReaction retracts the viewer's reaction locally and publishes the
// removal. Removing a reaction the viewer never added is a no-op.
func (s *Session) RemoveReaction(messageID, emoji string) {
	s.react(messageID, emoji, false)
}

func (s *Session) react(messageID, emoji string, add bool) {
	p := feed.ReactionPayload{
		ChannelID: s.channelID,
		MessageID: messageID,
		Emoji:     emoji,
		User:      s.viewer,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := s.applyReaction(p, add)
	s.mu.Unlock()
	if changed {
		s.notify()
	}

	evType := feed.EventReactionAdded
	if !add {
		evType = feed.EventReactionRemoved
	}
	s.feed.Publish(feed.NewEvent(evType, p))
}

// applyReaction mutates the tally set for one payload. Caller holds the lock.
// The remote echo of the viewer's own reaction lands here too and dies on the
// duplicate check, which is what keeps counts honest across sessions.
func (s *Session) applyReaction(p feed.ReactionPayload, add bool) bool {
	tallies := s.reactions[p.MessageID]

	var t *tally
	idx := -1
	for i, cur := range tallies {
		if cur.emoji == p.Emoji {
			t = cur
			idx = i
			break
		}
	}

	if add {
		if t == nil {
			s.reactions[p.MessageID] = append(tallies, &tally{
				emoji:   p.Emoji,
				userIDs: []string{p.User.ID},
				names:   []string{p.User.Username},
			})
			return true
		}
		for _, id := range t.userIDs {
			if id == p.User.ID {
				return false
			}
		}
		t.userIDs = append(t.userIDs, p.User.ID)
		t.names = append(t.names, p.User.Username)
		return true
	}

	if t == nil {
		return false
	}
	for i, id := range t.userIDs {
		if id == p.User.ID {
			t.userIDs = append(t.userIDs[:i], t.userIDs[i+1:]...)
			t.names = append(t.names[:i], t.names[i+1:]...)
			if len(t.userIDs) == 0 {
				// A zero tally is deleted outright, never kept as an empty record.
				s.reactions[p.MessageID] = append(tallies[:idx], tallies[idx+1:]...)
				if len(s.reactions[p.MessageID]) == 0 {
					delete(s.reactions, p.MessageID)
				}
			}
			return true
		}
	}
	return false
}

// Reactions returns the tallies for one message, ordered by first-added.
func (s *Session) Reactions(messageID string) []Tally {
	s.mu.Lock()
	defer s.mu.Unlock()
	tallies := s.reactions[messageID]
	out := make([]Tally, 0, len(tallies))
	for _, t := range tallies {
		v := Tally{
			Emoji: t.emoji,
			Count: len(t.userIDs),
			Users: append([]string(nil), t.names...),
		}
		for _, id := range t.userIDs {
			if id == s.viewer.ID {
				v.Mine = true
				break
			}
		}
		out = append(out, v)
	}
	return out
}
