package session

import (
	"context"
	"fmt"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/model"
)

// threadAgg keeps the ordered reply list for one parent message. The count is
// always derived from the list, never set independently.
type threadAgg struct {
	replies []model.Message
	ids     map[string]struct{}
}

// applyReply inserts one reply, deduplicated by ID and ordered by
// (CreatedAt, ID) with the same stable insert as the store. The viewer's own
// replies arrive here twice, once on confirmation and once as the remote echo,
// and the second application is a no-op. Caller holds the lock.
func (s *Session) applyReply(parentID string, reply model.Message) bool {
	if reply.ID == "" {
		return false
	}
	agg := s.threads[parentID]
	if agg == nil {
		agg = &threadAgg{ids: make(map[string]struct{})}
		s.threads[parentID] = agg
	}
	if _, ok := agg.ids[reply.ID]; ok {
		return false
	}
	agg.ids[reply.ID] = struct{}{}

	pos := len(agg.replies)
	for pos > 0 && reply.Before(&agg.replies[pos-1]) {
		pos--
	}
	agg.replies = append(agg.replies, model.Message{})
	copy(agg.replies[pos+1:], agg.replies[pos:])
	agg.replies[pos] = reply

	s.store.BumpReplyCount(parentID)
	return true
}

// SendReply posts a reply under a parent message: durable write first, then
// the confirmed reply joins the aggregate. Replies are not rendered
// optimistically; the thread pane waits for confirmation.
func (s *Session) SendReply(ctx context.Context, parentID, content string) (model.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.Message{}, ErrClosed
	}
	viewer := s.viewer
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	confirmed, err := s.deps.Writer.Send(ctx, api.SendRequest{
		ChannelID: s.channelID,
		AuthorID:  viewer.ID,
		Content:   content,
		Kind:      model.KindText,
		ParentID:  parentID,
		Author:    &viewer,
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("session.SendReply parent=%s: %w", parentID, err)
	}
	if confirmed.Author == nil {
		confirmed.Author = &viewer
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return confirmed, nil
	}
	changed := s.applyReply(parentID, confirmed)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return confirmed, nil
}

// Replies returns the ordered reply snapshot for a parent message.
func (s *Session) Replies(parentID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg := s.threads[parentID]
	if agg == nil {
		return nil
	}
	out := make([]model.Message, len(agg.replies))
	copy(out, agg.replies)
	return out
}

// ReplyCount returns the aggregate count; always len(Replies(parentID)).
func (s *Session) ReplyCount(parentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg := s.threads[parentID]
	if agg == nil {
		return 0
	}
	return len(agg.replies)
}
