// Package session owns the live state for one selected channel: the message
// store, the optimistic write coordinator, the push-feed subscription and the
// ephemeral collaboration state (typing, reactions, threads). Exactly one
// session is live per viewer surface; teardown is explicit via Close.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/clock"
	"github.com/chatsync/internal/feed"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/store"
)

// ErrClosed is returned by operations on a torn-down session.
var ErrClosed = errors.New("session closed")

// Writer is the durable-write external interface.
type Writer interface {
	Send(ctx context.Context, sr api.SendRequest) (model.Message, error)
}

// Uploader is the blob-upload external interface, consumed before file sends.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader) (model.Attachment, error)
}

// AccessResolver is the membership resolver, consumed once at session open.
type AccessResolver interface {
	ResolveAccess(ctx context.Context, userID, channelID string) error
}

// Feed is the subscription surface the session drives. *feed.Subscriber is
// the real implementation; tests substitute an in-memory one.
type Feed interface {
	Start(ctx context.Context)
	Close()
	Publish(ev feed.Event)
	State() feed.State
	Redial()
}

// Deps wires the session to its external collaborators. *api.Client
// satisfies Loader, Writer, Uploader and Resolver at once.
type Deps struct {
	Loader   store.HistoryLoader
	Writer   Writer
	Uploader Uploader
	Resolver AccessResolver

	FeedURL         string
	HistoryLimit    int
	TypingWindow    time.Duration
	ResubscribeMax  int
	ResubscribeBase time.Duration
	Clock           clock.Clock

	// OnChange fires after any state mutation; the UI repaints off it.
	OnChange func()

	// Subscribe overrides subscriber construction (tests). Nil means a real
	// websocket subscriber against FeedURL.
	Subscribe func(opts feed.Options) Feed
}

type Session struct {
	viewer    model.UserPublic
	channelID string
	deps      Deps
	clk       clock.Clock
	window    time.Duration

	mu        sync.Mutex
	closed    bool
	store     *store.Store
	typing    map[string]typingEntry
	reactions map[string][]*tally
	threads   map[string]*threadAgg
	feedState feed.State

	feed Feed
}

// Open creates the channel session: resolver check, historical load, feed
// attach. A resolver denial (api.ErrAccessDenied) aborts before anything is
// constructed; a load failure aborts before the feed attaches, so a failed
// open never leaks a subscription.
func Open(ctx context.Context, deps Deps, viewer model.UserPublic, channelID string) (*Session, error) {
	defer logger.DeferLogDuration("session.Open", time.Now())()
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = 50
	}
	if deps.TypingWindow <= 0 {
		deps.TypingWindow = 3 * time.Second
	}

	if err := deps.Resolver.ResolveAccess(ctx, viewer.ID, channelID); err != nil {
		return nil, fmt.Errorf("session.Open channel=%s: %w", channelID, err)
	}

	st := store.New(channelID)
	if err := st.Load(ctx, deps.Loader, deps.HistoryLimit); err != nil {
		return nil, fmt.Errorf("session.Open channel=%s: %w", channelID, err)
	}

	s := &Session{
		viewer:    viewer,
		channelID: channelID,
		deps:      deps,
		clk:       deps.Clock,
		window:    deps.TypingWindow,
		store:     st,
		typing:    make(map[string]typingEntry),
		reactions: make(map[string][]*tally),
		threads:   make(map[string]*threadAgg),
		feedState: feed.StateDisconnected,
	}

	opts := feed.Options{
		URL:         deps.FeedURL,
		ChannelID:   channelID,
		OnEvent:     s.handleEvent,
		OnState:     s.handleState,
		MaxAttempts: deps.ResubscribeMax,
		BaseDelay:   deps.ResubscribeBase,
	}
	if deps.Subscribe != nil {
		s.feed = deps.Subscribe(opts)
	} else {
		s.feed = feed.NewSubscriber(opts)
	}
	// The subscription outlives the open call; Close is its only teardown.
	s.feed.Start(context.Background())
	return s, nil
}

// Close stops routing feed events into the store synchronously, then closes
// the subscription and waits for its pump. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.feed.Close()
}

func (s *Session) ChannelID() string        { return s.channelID }
func (s *Session) Viewer() model.UserPublic { return s.viewer }

// Messages returns an ordered snapshot of the channel timeline.
func (s *Session) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Messages()
}

// FeedState reports the subscription state (for the disconnected indicator).
func (s *Session) FeedState() feed.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedState
}

// Redial asks a downed subscription to try again.
func (s *Session) Redial() {
	s.feed.Redial()
}

// Refresh re-runs the bounded historical load and merges idempotently. This
// is the resynchronization path after a reconnect: entries already present
// are no-ops, gaps fill in at their timeline positions.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	st := s.store
	s.mu.Unlock()

	// The load itself runs outside the session lock (suspension point).
	page, err := s.deps.Loader.History(ctx, s.channelID, s.deps.HistoryLimit)
	if err != nil {
		return fmt.Errorf("session.Refresh channel=%s: %w", s.channelID, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	for i := range page {
		if page[i].AuthorID == s.viewer.ID && !st.Contains(page[i].ID) {
			// Own message that is still provisional here: leave it to the
			// coordinator rather than double-inserting.
			if s.pendingContent(page[i]) {
				continue
			}
		}
		st.Merge(page[i])
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// pendingContent reports whether an own-authored history record matches a
// still-unreconciled provisional entry. Caller holds the lock.
func (s *Session) pendingContent(m model.Message) bool {
	for _, cur := range s.store.Messages() {
		if cur.Provisional() && cur.Content == m.Content && cur.Kind == m.Kind {
			return true
		}
	}
	return false
}

// handleEvent is the single sink for the push feed; it runs on the pump
// goroutine and serializes with local actions via the session lock.
func (s *Session) handleEvent(ev feed.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := s.applyEvent(ev)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// applyEvent routes one decoded event. Caller holds the lock.
func (s *Session) applyEvent(ev feed.Event) bool {
	switch ev.Type {
	case feed.EventMessage:
		var m model.Message
		if err := json.Unmarshal(ev.Data, &m); err != nil {
			logger.Errorf("session decode message event: %v", err)
			return false
		}
		// Self-echo suppression: the coordinator owns the lifecycle of the
		// viewer's own writes, so same-author events are dropped here. This
		// is author-scoped, so a second device of the same user suppresses
		// too aggressively; Refresh covers that gap.
		if m.AuthorID == s.viewer.ID {
			return false
		}
		if m.ChannelID != s.channelID {
			return false
		}
		return s.store.Merge(m)

	case feed.EventMessageEdited:
		var p feed.EditedPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return false
		}
		return s.store.Update(p.MessageID, p.Content, p.EditedAt)

	case feed.EventMessageDeleted:
		var p feed.DeletedPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return false
		}
		return s.store.Remove(p.MessageID)

	case feed.EventTyping:
		var p feed.TypingPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return false
		}
		s.noteTyping(p.User)
		return true

	case feed.EventReactionAdded:
		var p feed.ReactionPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return false
		}
		return s.applyReaction(p, true)

	case feed.EventReactionRemoved:
		var p feed.ReactionPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return false
		}
		return s.applyReaction(p, false)

	case feed.EventThreadReply:
		var p feed.ThreadReplyPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return false
		}
		return s.applyReply(p.ParentID, p.Reply)

	default:
		// Unknown event kinds are tolerated, not failed.
		return false
	}
}

func (s *Session) handleState(st feed.State) {
	s.mu.Lock()
	if s.closed && st != feed.StateClosed {
		s.mu.Unlock()
		return
	}
	s.feedState = st
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	if s.deps.OnChange != nil {
		s.deps.OnChange()
	}
}
