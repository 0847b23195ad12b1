package model

import "time"

type MessageKind string

const (
	KindText   MessageKind = "text"
	KindFile   MessageKind = "file"
	KindImage  MessageKind = "image"
	KindSystem MessageKind = "system"
)

// ProvisionalStatus tracks a locally created message until the durable write settles.
// Server-origin messages always carry StatusConfirmed.
type ProvisionalStatus string

const (
	StatusPending   ProvisionalStatus = "pending"
	StatusConfirmed ProvisionalStatus = "confirmed"
	StatusFailed    ProvisionalStatus = "failed"
)

// Attachment is the blob descriptor returned by the upload adapter and embedded
// verbatim in the outgoing message.
type Attachment struct {
	URL       string `json:"url"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

type Message struct {
	ID         string            `json:"id"`
	ChannelID  string            `json:"channel_id"`
	AuthorID   string            `json:"author_id"`
	Content    string            `json:"content"`
	Kind       MessageKind       `json:"kind"`
	Attachment *Attachment       `json:"attachment,omitempty"`
	ParentID   string            `json:"parent_id,omitempty"`
	ReplyCount int               `json:"reply_count"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Author     *UserPublic       `json:"author,omitempty"`
	Status     ProvisionalStatus `json:"status"`

	// LocalToken correlates a provisional entry with its durable write.
	// Never serialized; it exists only inside the writing session.
	LocalToken string `json:"-"`
	// FailReason is set when Status is failed, for the retry affordance.
	FailReason string `json:"-"`
}

// Before reports whether m sorts ahead of other in the channel timeline:
// ascending created-at with ID as the tie-break.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Provisional reports whether the entry is still owned by the write coordinator
// (pending or failed, not yet replaced by its confirmed counterpart).
func (m *Message) Provisional() bool {
	return m.Status == StatusPending || m.Status == StatusFailed
}
