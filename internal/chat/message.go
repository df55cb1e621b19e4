package chat

import (
	"time"

	"github.com/petervdpas/rtcomm/internal/proto"
)

// Message is one chat message in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// fromWire converts a backend message. A missing or unparsable timestamp is
// replaced by now.
func fromWire(conversationID string, m proto.Message, now time.Time) Message {
	created, err := time.Parse(time.RFC3339Nano, m.CreatedAt)
	if err != nil {
		created = now
	}
	return Message{
		ID:             m.ID,
		ConversationID: conversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      created,
	}
}

// TypingUpdate reports a user starting or stopping typing.
type TypingUpdate struct {
	ConversationID string
	UserID         string
	Typing         bool
}
