package relay

import (
	"strconv"
	"testing"
	"time"

	"github.com/chatsync/internal/model"
)

func logMsg(id, parentID string, offset time.Duration) model.Message {
	return model.Message{
		ID:        id,
		ChannelID: "general",
		AuthorID:  "u-alice",
		Content:   "m-" + id,
		ParentID:  parentID,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(offset),
	}
}

func TestMemlogListTopLevelOnly(t *testing.T) {
	l := NewMemlog()
	l.Append(logMsg("a", "", 0))
	l.Append(logMsg("r1", "a", time.Second))
	l.Append(logMsg("b", "", 2*time.Second))

	got := l.List("general", 50)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("list = %+v, want top-level [a b]", got)
	}
	// The reply bumped the parent's denormalized count.
	if got[0].ReplyCount != 1 {
		t.Fatalf("parent reply_count = %d, want 1", got[0].ReplyCount)
	}
}

func TestMemlogListLimitKeepsNewest(t *testing.T) {
	l := NewMemlog()
	for i := 0; i < 5; i++ {
		l.Append(logMsg("m"+strconv.Itoa(i), "", time.Duration(i)*time.Second))
	}

	got := l.List("general", 2)
	if len(got) != 2 || got[0].ID != "m3" || got[1].ID != "m4" {
		t.Fatalf("list = %+v, want newest two ascending", got)
	}
	if got := l.List("missing", 10); len(got) != 0 {
		t.Fatalf("unknown channel list = %+v, want empty", got)
	}
}

func TestMemlogMembership(t *testing.T) {
	l := NewMemlog()

	// No member set at all: the channel is open.
	if !l.Allowed("general", "u-anyone") {
		t.Fatal("channel without member set must be open")
	}

	// The first grant closes it.
	l.Grant("general", "u-alice")
	if l.Allowed("general", "u-bob") {
		t.Fatal("non-member allowed into closed channel")
	}
	if !l.Allowed("general", "u-alice") {
		t.Fatal("member denied")
	}
}

func TestMemlogBlobs(t *testing.T) {
	l := NewMemlog()
	size := l.PutBlob("b1", "notes.txt", []byte("hello"))
	if size != 5 {
		t.Fatalf("size = %d, want 5", size)
	}
	name, data, ok := l.GetBlob("b1")
	if !ok || name != "notes.txt" || string(data) != "hello" {
		t.Fatalf("blob = %q %q %v", name, data, ok)
	}
	if _, _, ok := l.GetBlob("missing"); ok {
		t.Fatal("missing blob reported present")
	}
}
