package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatsync/internal/model"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, offset time.Duration) model.Message {
	return model.Message{
		ID:        id,
		ChannelID: "general",
		AuthorID:  "alice",
		Content:   "m-" + id,
		Kind:      model.KindText,
		CreatedAt: base.Add(offset),
	}
}

func ids(s *Store) []string {
	msgs := s.Messages()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMergeOrdering(t *testing.T) {
	tests := []struct {
		name   string
		merges []model.Message
		want   []string
	}{
		{
			name:   "in order",
			merges: []model.Message{msg("a", 0), msg("b", time.Second), msg("c", 2 * time.Second)},
			want:   []string{"a", "b", "c"},
		},
		{
			name:   "out of order",
			merges: []model.Message{msg("c", 2 * time.Second), msg("a", 0), msg("b", time.Second)},
			want:   []string{"a", "b", "c"},
		},
		{
			name:   "same timestamp breaks tie by id",
			merges: []model.Message{msg("b", 0), msg("a", 0), msg("c", 0)},
			want:   []string{"a", "b", "c"},
		},
		{
			name:   "gap fill",
			merges: []model.Message{msg("a", 0), msg("d", 3 * time.Second), msg("b", time.Second)},
			want:   []string{"a", "b", "d"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New("general")
			for _, m := range tt.merges {
				s.Merge(m)
			}
			got := ids(s)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestMergeIdempotent(t *testing.T) {
	s := New("general")
	m := msg("a", 0)
	if !s.Merge(m) {
		t.Fatal("first merge should insert")
	}
	if s.Merge(m) {
		t.Fatal("second merge of same id should be a no-op")
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
}

func TestMergeNeverReordersExisting(t *testing.T) {
	s := New("general")
	s.Merge(msg("a", 0))
	s.Merge(msg("c", 2*time.Second))
	before := ids(s)

	s.Merge(msg("b", time.Second))

	after := ids(s)
	// a must still precede c.
	ai, ci := -1, -1
	for i, id := range after {
		if id == "a" {
			ai = i
		}
		if id == "c" {
			ci = i
		}
	}
	if ai == -1 || ci == -1 || ai > ci {
		t.Fatalf("relative order broken: before %v after %v", before, after)
	}
}

func TestRemoteDoesNotJumpProvisional(t *testing.T) {
	s := New("general")
	local := model.Message{ChannelID: "general", AuthorID: "me", Content: "mine", CreatedAt: base}
	token := s.Append(local)

	// Remote message from the same wall-clock moment must land after the
	// provisional entry, not ahead of it.
	s.Merge(msg("zzz-remote", 0))

	msgs := s.Messages()
	if msgs[0].LocalToken != token {
		t.Fatalf("provisional entry moved: got %q first", msgs[0].ID)
	}
	if msgs[1].ID != "zzz-remote" {
		t.Fatalf("remote not appended after provisional: %v", ids(s))
	}

	// A strictly older message still slots in front.
	s.Merge(msg("old", -time.Minute))
	if got := s.Messages()[0].ID; got != "old" {
		t.Fatalf("older message did not sort first: %v", ids(s))
	}
}

func TestAppendReconcilePreservesPosition(t *testing.T) {
	s := New("general")
	s.Merge(msg("a", 0))
	token := s.Append(model.Message{ChannelID: "general", AuthorID: "me", Content: "hello", CreatedAt: base.Add(time.Second)})
	s.Merge(msg("z", 2*time.Second))

	msgs := s.Messages()
	pos := -1
	for i, m := range msgs {
		if m.LocalToken == token {
			pos = i
			if m.Status != model.StatusPending {
				t.Fatalf("status = %s, want pending", m.Status)
			}
		}
	}
	if pos == -1 {
		t.Fatal("provisional entry not found")
	}

	confirmed := msg("server-id", time.Second)
	confirmed.Content = "hello"
	if !s.Reconcile(token, confirmed) {
		t.Fatal("reconcile failed")
	}

	msgs = s.Messages()
	if msgs[pos].ID != "server-id" {
		t.Fatalf("confirmed entry not at original position %d: %v", pos, ids(s))
	}
	if msgs[pos].Status != model.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", msgs[pos].Status)
	}
	if msgs[pos].Content != "hello" {
		t.Fatalf("content changed: %q", msgs[pos].Content)
	}
	if s.Len() != 3 {
		t.Fatalf("len = %d, want 3", s.Len())
	}
}

func TestReconcileIdempotentWithEcho(t *testing.T) {
	s := New("general")
	token := s.Append(model.Message{ChannelID: "general", AuthorID: "me", Content: "hi", CreatedAt: base})

	confirmed := msg("srv", 0)
	s.Reconcile(token, confirmed)

	// Whichever arrives second (confirmation retry or remote echo) is a no-op.
	if s.Reconcile(token, confirmed) {
		t.Fatal("second reconcile should be a no-op")
	}
	if s.Merge(confirmed) {
		t.Fatal("echo merge should be a no-op")
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
}

func TestFailKeepsEntryVisible(t *testing.T) {
	s := New("general")
	token := s.Append(model.Message{ChannelID: "general", AuthorID: "me", Content: "hi", CreatedAt: base})

	if !s.Fail(token, "network down") {
		t.Fatal("fail did not apply")
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1 (no removal)", s.Len())
	}
	m := s.Messages()[0]
	if m.Status != model.StatusFailed || m.FailReason != "network down" {
		t.Fatalf("entry = %+v, want failed with reason", m)
	}

	// Failing twice or failing a reconciled token is a no-op.
	if s.Fail(token, "again") {
		t.Fatal("second fail should be a no-op")
	}
}

func TestDiscard(t *testing.T) {
	s := New("general")
	token := s.Append(model.Message{ChannelID: "general", Content: "hi", CreatedAt: base})

	if s.Discard(token) {
		t.Fatal("pending entries must not be discardable")
	}
	s.Fail(token, "boom")
	if !s.Discard(token) {
		t.Fatal("discard of failed entry should work")
	}
	if s.Len() != 0 {
		t.Fatalf("len = %d, want 0", s.Len())
	}
}

func TestUpdateAndRemove(t *testing.T) {
	s := New("general")
	s.Merge(msg("a", 0))

	at := base.Add(time.Minute)
	if !s.Update("a", "edited", at) {
		t.Fatal("update did not apply")
	}
	if got, _ := s.Get("a"); got.Content != "edited" || !got.UpdatedAt.Equal(at) {
		t.Fatalf("got %+v", got)
	}
	if s.Update("missing", "x", at) {
		t.Fatal("update of unknown id should be a no-op")
	}

	if !s.Remove("a") {
		t.Fatal("remove did not apply")
	}
	if s.Remove("a") {
		t.Fatal("second remove should be a no-op")
	}
	// Removed id can merge again (e.g. server restores it on refresh).
	if !s.Merge(msg("a", 0)) {
		t.Fatal("merge after remove should insert")
	}
}

type fakeLoader struct {
	page []model.Message
	err  error
}

func (f *fakeLoader) History(ctx context.Context, channelID string, limit int) ([]model.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.page) {
		return f.page[:limit], nil
	}
	return f.page, nil
}

func TestLoad(t *testing.T) {
	s := New("general")
	loader := &fakeLoader{page: []model.Message{msg("b", time.Second), msg("a", 0)}}

	if err := s.Load(context.Background(), loader, 50); err != nil {
		t.Fatalf("load: %v", err)
	}
	got := ids(s)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v, want [a b]", got)
	}

	// A failed load leaves prior state untouched.
	loader.err = errors.New("boom")
	if err := s.Load(context.Background(), loader, 50); err == nil {
		t.Fatal("expected error")
	}
	if s.Len() != 2 {
		t.Fatalf("len = %d after failed load, want 2", s.Len())
	}

	// Reload after reconnect dedupes against existing entries.
	loader.err = nil
	loader.page = append(loader.page, msg("c", 2*time.Second))
	if err := s.Load(context.Background(), loader, 50); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got = ids(s)
	if len(got) != 3 || got[2] != "c" {
		t.Fatalf("got %v, want [a b c]", got)
	}
}
