package session

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

const sendTimeout = 15 * time.Second

// Send writes a provisional message into the store synchronously, so the sender
// sees it instantly, then issues the durable write in the background and
// reconciles on completion. The returned token identifies the entry for
// Resend/Discard. Sends are not serialized against each other; each pending
// entry reconciles independently.
func (s *Session) Send(ctx context.Context, content string, kind model.MessageKind, att *model.Attachment) (string, error) {
	if kind == "" {
		kind = model.KindText
	}
	now := s.clk.Now()
	viewer := s.viewer
	m := model.Message{
		ChannelID:  s.channelID,
		AuthorID:   viewer.ID,
		Content:    content,
		Kind:       kind,
		Attachment: att,
		CreatedAt:  now,
		UpdatedAt:  now,
		Author:     &viewer,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	token := s.store.Append(m)
	s.mu.Unlock()
	s.notify()

	go s.write(ctx, token, api.SendRequest{
		ChannelID:  s.channelID,
		AuthorID:   viewer.ID,
		Content:    content,
		Kind:       kind,
		Attachment: att,
		Author:     &viewer,
	})
	return token, nil
}

// SendFile uploads the blob first, then sends a message embedding the
// returned descriptor verbatim. An upload failure appends nothing.
func (s *Session) SendFile(ctx context.Context, name string, r io.Reader, kind model.MessageKind) (string, error) {
	att, err := s.deps.Uploader.Upload(ctx, name, r)
	if err != nil {
		return "", fmt.Errorf("session.SendFile: %w", err)
	}
	if kind != model.KindImage {
		kind = model.KindFile
	}
	return s.Send(ctx, name, kind, &att)
}

// Resend issues a brand-new provisional entry carrying a failed entry's
// content. The failed entry stays where it is until Discard; the new send is
// tracked by its own token and never touches other pending entries.
func (s *Session) Resend(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	var failed *model.Message
	for _, m := range s.store.Messages() {
		if m.LocalToken == token && m.Status == model.StatusFailed {
			failed = &m
			break
		}
	}
	s.mu.Unlock()
	if failed == nil {
		return "", fmt.Errorf("session.Resend: no failed entry for token")
	}
	return s.Send(ctx, failed.Content, failed.Kind, failed.Attachment)
}

// Discard removes a failed provisional entry the user gave up on.
func (s *Session) Discard(token string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	ok := s.store.Discard(token)
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

// write is the durable-write half of the coordinator. On success the
// provisional entry becomes the confirmed message at the same position; the
// remote echo of the same message then merges as a no-op. On failure the
// entry is marked failed in place and never resubmitted automatically.
func (s *Session) write(ctx context.Context, token string, sr api.SendRequest) {
	defer logger.DeferLogDuration("session.write", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	confirmed, err := s.deps.Writer.Send(ctx, sr)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if err != nil {
		logger.Errorf("session send channel=%s: %v", s.channelID, err)
		s.store.Fail(token, err.Error())
	} else {
		if confirmed.Author == nil {
			viewer := s.viewer
			confirmed.Author = &viewer
		}
		s.store.Reconcile(token, confirmed)
	}
	s.mu.Unlock()
	s.notify()
}
