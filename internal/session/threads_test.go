package session

import (
	"context"
	"testing"
	"time"

	"github.com/chatsync/internal/feed"
	"github.com/chatsync/internal/model"
)

func replyEvent(parentID string, reply model.Message) feed.Event {
	return feed.NewEvent(feed.EventThreadReply, feed.ThreadReplyPayload{
		ChannelID: "general",
		ParentID:  parentID,
		Reply:     reply,
	})
}

func reply(id, content string, author model.UserPublic, offset time.Duration) model.Message {
	m := remoteMsg(id, content, author, offset)
	m.ParentID = "parent-1"
	return m
}

func TestThreadAggregation(t *testing.T) {
	env := newEnv(t, &fakeBackend{})
	parent := remoteMsg("parent-1", "root", bob, 0)
	env.sess.handleEvent(feed.NewEvent(feed.EventMessage, parent))

	env.sess.handleEvent(replyEvent("parent-1", reply("r2", "second", carol, 2*time.Second)))
	env.sess.handleEvent(replyEvent("parent-1", reply("r1", "first", bob, time.Second)))

	replies := env.sess.Replies("parent-1")
	if len(replies) != 2 || replies[0].ID != "r1" || replies[1].ID != "r2" {
		t.Fatalf("replies out of order: %v", replies)
	}
	// Count is derived from the list; it can never drift.
	if got := env.sess.ReplyCount("parent-1"); got != len(replies) {
		t.Fatalf("count = %d, want %d", got, len(replies))
	}

	// The parent's denormalized counter in the store tracks too.
	for _, m := range env.sess.Messages() {
		if m.ID == "parent-1" && m.ReplyCount != 2 {
			t.Fatalf("parent reply_count = %d, want 2", m.ReplyCount)
		}
	}
}

func TestThreadReplyDuplicateDelivery(t *testing.T) {
	env := newEnv(t, &fakeBackend{})
	r := reply("r1", "once", bob, time.Second)

	env.sess.handleEvent(replyEvent("parent-1", r))
	env.sess.handleEvent(replyEvent("parent-1", r))

	if got := env.sess.ReplyCount("parent-1"); got != 1 {
		t.Fatalf("count = %d after duplicate delivery, want 1", got)
	}
}

func TestSendReplyJoinsAggregate(t *testing.T) {
	env := newEnv(t, &fakeBackend{})
	env.sess.handleEvent(feed.NewEvent(feed.EventMessage, remoteMsg("parent-1", "root", bob, 0)))

	confirmed, err := env.sess.SendReply(context.Background(), "parent-1", "my reply")
	if err != nil {
		t.Fatalf("send reply: %v", err)
	}
	if confirmed.ID == "" || confirmed.ParentID != "parent-1" {
		t.Fatalf("confirmed = %+v", confirmed)
	}

	if got := env.sess.ReplyCount("parent-1"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}

	// The relay broadcasts thread replies to everyone, the author included;
	// the echo must not double the aggregate.
	env.sess.handleEvent(replyEvent("parent-1", confirmed))
	if got := env.sess.ReplyCount("parent-1"); got != 1 {
		t.Fatalf("count = %d after echo, want 1", got)
	}
}
