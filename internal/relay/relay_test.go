package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/feed"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/session"
)

var (
	aliceU = model.UserPublic{ID: "u-alice", Username: "alice"}
	bobU   = model.UserPublic{ID: "u-bob", Username: "bob"}
)

type relayEnv struct {
	log *Memlog
	hub *Hub
	srv *httptest.Server
}

func newRelay(t *testing.T) *relayEnv {
	t.Helper()
	env := &relayEnv{log: NewMemlog(), hub: NewHub(0)}
	ctx, cancel := context.WithCancel(context.Background())
	go env.hub.Run(ctx)

	h := NewHandler(env.hub, env.log, "*", 100, 200)
	env.srv = httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		env.srv.Close()
		cancel()
		<-env.hub.done
	})
	return env
}

func (e *relayEnv) subscriberCount(topic string) int {
	e.hub.mu.RLock()
	defer e.hub.mu.RUnlock()
	return len(e.hub.rooms[topic])
}

// openSession attaches a real client stack (HTTP adapters plus websocket
// subscriber) to the relay and waits for the feed to connect.
func openSession(t *testing.T, env *relayEnv, viewer model.UserPublic, channelID string) *session.Session {
	t.Helper()
	client := api.NewClient(env.srv.URL)
	sess, err := session.Open(context.Background(), session.Deps{
		Loader:          client,
		Writer:          client,
		Uploader:        client,
		Resolver:        client,
		FeedURL:         "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws",
		ResubscribeBase: 10 * time.Millisecond,
	}, viewer, channelID)
	if err != nil {
		t.Fatalf("open session for %s: %v", viewer.Username, err)
	}
	t.Cleanup(sess.Close)
	waitFor(t, func() bool { return sess.FeedState() == feed.StateConnected })
	return sess
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestMessageFanOut(t *testing.T) {
	env := newRelay(t)
	alice := openSession(t, env, aliceU, "general")
	bob := openSession(t, env, bobU, "general")
	waitFor(t, func() bool { return env.subscriberCount("channel_general") == 2 })

	if _, err := alice.Send(context.Background(), "hello from alice", model.KindText, nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, func() bool { return len(bob.Messages()) == 1 })
	got := bob.Messages()[0]
	if got.Content != "hello from alice" || got.AuthorID != aliceU.ID {
		t.Fatalf("bob received %+v", got)
	}
	if got.Author == nil || got.Author.Username != "alice" {
		t.Fatalf("author not denormalized: %+v", got.Author)
	}

	// The broadcast reaches the author too; reconciliation plus the echo
	// check keep alice's view single-copy.
	waitFor(t, func() bool {
		msgs := alice.Messages()
		return len(msgs) == 1 && msgs[0].Status == model.StatusConfirmed
	})
	if alice.Messages()[0].ID != got.ID {
		t.Fatal("alice and bob disagree on the message id")
	}
}

func TestHistoryServesLateJoiner(t *testing.T) {
	env := newRelay(t)
	alice := openSession(t, env, aliceU, "general")

	if _, err := alice.Send(context.Background(), "before bob joined", model.KindText, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool {
		msgs := alice.Messages()
		return len(msgs) == 1 && msgs[0].Status == model.StatusConfirmed
	})

	bob := openSession(t, env, bobU, "general")
	if msgs := bob.Messages(); len(msgs) != 1 || msgs[0].Content != "before bob joined" {
		t.Fatalf("late joiner history = %+v", msgs)
	}
}

func TestTypingFanOut(t *testing.T) {
	env := newRelay(t)
	alice := openSession(t, env, aliceU, "general")
	bob := openSession(t, env, bobU, "general")
	waitFor(t, func() bool { return env.subscriberCount("channel_general") == 2 })

	alice.SignalTyping()

	waitFor(t, func() bool { return bob.TypingText() == "alice is typing…" })
	// The signal is not reflected back at the author; alice holds only her
	// own local entry.
	if got := len(alice.Typing()); got != 1 {
		t.Fatalf("alice typing entries = %d, want 1", got)
	}
}

func TestReactionFanOut(t *testing.T) {
	env := newRelay(t)
	alice := openSession(t, env, aliceU, "general")
	bob := openSession(t, env, bobU, "general")
	waitFor(t, func() bool { return env.subscriberCount("channel_general") == 2 })

	if _, err := alice.Send(context.Background(), "react to me", model.KindText, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool { return len(bob.Messages()) == 1 })
	msgID := bob.Messages()[0].ID

	bob.AddReaction(msgID, "👍")

	waitFor(t, func() bool {
		tallies := alice.Reactions(msgID)
		return len(tallies) == 1 && tallies[0].Count == 1
	})
	if alice.Reactions(msgID)[0].Mine {
		t.Fatal("reaction wrongly marked as alice's own")
	}
	// Bob's echo from the hub must not double his tally.
	tallies := bob.Reactions(msgID)
	if len(tallies) != 1 || tallies[0].Count != 1 || !tallies[0].Mine {
		t.Fatalf("bob tallies = %+v", tallies)
	}
}

func TestThreadReplyFanOut(t *testing.T) {
	env := newRelay(t)
	alice := openSession(t, env, aliceU, "general")
	bob := openSession(t, env, bobU, "general")
	waitFor(t, func() bool { return env.subscriberCount("channel_general") == 2 })

	if _, err := alice.Send(context.Background(), "thread root", model.KindText, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool { return len(bob.Messages()) == 1 })
	parentID := bob.Messages()[0].ID

	reply, err := bob.SendReply(context.Background(), parentID, "a reply")
	if err != nil {
		t.Fatalf("send reply: %v", err)
	}

	waitFor(t, func() bool { return alice.ReplyCount(parentID) == 1 })
	if got := alice.Replies(parentID)[0].ID; got != reply.ID {
		t.Fatalf("alice reply id = %q, want %q", got, reply.ID)
	}
	// Bob applied the confirmed reply synchronously; the hub echo is a no-op.
	if got := bob.ReplyCount(parentID); got != 1 {
		t.Fatalf("bob reply count = %d, want 1", got)
	}
	// Replies stay out of the top-level timeline but bump the parent.
	waitFor(t, func() bool {
		msgs := bob.Messages()
		return len(msgs) == 1 && msgs[0].ReplyCount == 1
	})
}

func TestMembershipDeniesOutsiders(t *testing.T) {
	env := newRelay(t)
	env.log.Grant("private", aliceU.ID)

	client := api.NewClient(env.srv.URL)
	_, err := session.Open(context.Background(), session.Deps{
		Loader:   client,
		Writer:   client,
		Resolver: client,
		FeedURL:  "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws",
	}, bobU, "private")
	if !errors.Is(err, api.ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}

	// The member gets in.
	openSession(t, env, aliceU, "private")
}

func TestUploadAndFileSend(t *testing.T) {
	env := newRelay(t)
	alice := openSession(t, env, aliceU, "general")
	bob := openSession(t, env, bobU, "general")
	waitFor(t, func() bool { return env.subscriberCount("channel_general") == 2 })

	payload := []byte("quarterly numbers")
	if _, err := alice.SendFile(context.Background(), "report+final.txt", bytes.NewReader(payload), model.KindFile); err != nil {
		t.Fatalf("send file: %v", err)
	}

	waitFor(t, func() bool { return len(bob.Messages()) == 1 })
	got := bob.Messages()[0]
	if got.Kind != model.KindFile || got.Attachment == nil {
		t.Fatalf("file message = %+v", got)
	}
	if got.Attachment.Name != "report final.txt" {
		t.Fatalf("attachment name = %q, want plus decoded", got.Attachment.Name)
	}
	if got.Attachment.SizeBytes != int64(len(payload)) {
		t.Fatalf("attachment size = %d, want %d", got.Attachment.SizeBytes, len(payload))
	}

	// The descriptor's URL serves the original bytes back.
	resp, err := http.Get(env.srv.URL + got.Attachment.URL)
	if err != nil {
		t.Fatalf("fetch blob: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(data, payload) {
		t.Fatalf("blob = %q, want %q", data, payload)
	}
}
