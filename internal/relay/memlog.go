package relay

import (
	"sync"

	"github.com/chatsync/internal/model"
)

// Memlog is the relay's in-memory channel log and membership table. Messages
// are kept in append order, which for server-assigned timestamps is also
// chronological order.
type Memlog struct {
	mu       sync.RWMutex
	messages map[string][]model.Message
	members  map[string]map[string]struct{}
	blobs    map[string]blob
}

type blob struct {
	name string
	data []byte
}

func NewMemlog() *Memlog {
	return &Memlog{
		messages: make(map[string][]model.Message),
		members:  make(map[string]map[string]struct{}),
		blobs:    make(map[string]blob),
	}
}

// Append stores a confirmed message at the tail of its channel log. Thread
// replies bump the parent's denormalized reply count.
func (l *Memlog) Append(m model.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages[m.ChannelID] = append(l.messages[m.ChannelID], m)
	if m.ParentID != "" {
		log := l.messages[m.ChannelID]
		for i := range log {
			if log[i].ID == m.ParentID {
				log[i].ReplyCount++
				break
			}
		}
	}
}

// List returns up to limit most recent top-level messages, ascending by
// creation time (the historical-load contract).
func (l *Memlog) List(channelID string, limit int) []model.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	log := l.messages[channelID]
	top := make([]model.Message, 0, len(log))
	for _, m := range log {
		if m.ParentID == "" {
			top = append(top, m)
		}
	}
	if limit > 0 && len(top) > limit {
		top = top[len(top)-limit:]
	}
	out := make([]model.Message, len(top))
	copy(out, top)
	return out
}

// Grant adds a user to a channel's member set. A channel with no member set
// at all is open to everyone (the demo default); the first Grant closes it.
func (l *Memlog) Grant(channelID, userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.members[channelID]; !ok {
		l.members[channelID] = make(map[string]struct{})
	}
	l.members[channelID][userID] = struct{}{}
}

// Allowed reports whether userID may access channelID.
func (l *Memlog) Allowed(channelID, userID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	set, ok := l.members[channelID]
	if !ok {
		return true
	}
	_, member := set[userID]
	return member
}

// PutBlob stores an uploaded blob and returns its size.
func (l *Memlog) PutBlob(id, name string, data []byte) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blobs[id] = blob{name: name, data: data}
	return int64(len(data))
}

// GetBlob returns a stored blob.
func (l *Memlog) GetBlob(id string) (name string, data []byte, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.blobs[id]
	return b.name, b.data, ok
}
