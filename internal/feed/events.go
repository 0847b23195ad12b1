package feed

import (
	"encoding/json"
	"time"

	"github.com/chatsync/internal/model"
)

type EventType string

const (
	EventMessage         EventType = "message"
	EventMessageEdited   EventType = "message_edited"
	EventMessageDeleted  EventType = "message_deleted"
	EventTyping          EventType = "typing"
	EventReactionAdded   EventType = "reaction_added"
	EventReactionRemoved EventType = "reaction_removed"
	EventThreadReply     EventType = "thread_reply"
)

// Event is the tagged envelope carried on a channel topic. Data stays raw
// until the session decodes it per type; unknown types are ignored, not
// rejected, so the feed tolerates newer peers.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEvent wraps a typed payload into an envelope. Marshal errors are
// impossible for the payload structs below, so they are swallowed.
func NewEvent(t EventType, payload any) Event {
	data, _ := json.Marshal(payload)
	return Event{Type: t, Data: data}
}

// TypingPayload announces a participant is composing. Expiry is derived by
// each receiver from its own clock; no removal event exists.
type TypingPayload struct {
	ChannelID string           `json:"channel_id"`
	User      model.UserPublic `json:"user"`
}

// ReactionPayload is carried by both reaction_added and reaction_removed.
type ReactionPayload struct {
	ChannelID string           `json:"channel_id"`
	MessageID string           `json:"message_id"`
	Emoji     string           `json:"emoji"`
	User      model.UserPublic `json:"user"`
}

// ThreadReplyPayload carries a reply posted under a parent message.
type ThreadReplyPayload struct {
	ChannelID string        `json:"channel_id"`
	ParentID  string        `json:"parent_id"`
	Reply     model.Message `json:"reply"`
}

// EditedPayload is carried by message_edited.
type EditedPayload struct {
	ChannelID string    `json:"channel_id"`
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
}

// DeletedPayload is carried by message_deleted.
type DeletedPayload struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}
