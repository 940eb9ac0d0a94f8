package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "mentor"
	SenderSystem    Sender = "system"
)

// MessageType classifies assistant responses so the UI layer can render
// them differently. Unknown types fall back to plain text.
type MessageType string

const (
	TypeText        MessageType = "text"
	TypeCode        MessageType = "code"
	TypeExplanation MessageType = "explanation"
	TypeQuiz        MessageType = "quiz"
	TypeResource    MessageType = "resource"
)

// Message is one entry in the conversation log. The JSON shape matches the
// backend payloads so inbound messages decode directly into it.
type Message struct {
	ID        string      `json:"id"`
	Content   string      `json:"content"`
	Sender    Sender      `json:"sender"`
	CreatedAt time.Time   `json:"created_at"`
	Type      MessageType `json:"message_type,omitempty"`
}

// NewUserMessage builds a locally authored message with a fresh identity.
func NewUserMessage(content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Content:   content,
		Sender:    SenderUser,
		CreatedAt: time.Now().UTC(),
		Type:      TypeText,
	}
}

// NewAssistantMessage builds a locally generated assistant message, such
// as the welcome greeting seeded into a fresh log.
func NewAssistantMessage(content string, mt MessageType) Message {
	if mt == "" {
		mt = TypeText
	}
	return Message{
		ID:        uuid.NewString(),
		Content:   content,
		Sender:    SenderAssistant,
		CreatedAt: time.Now().UTC(),
		Type:      mt,
	}
}

// Valid reports whether a decoded message carries the required fields.
func (m Message) Valid() bool {
	return m.ID != "" && m.Content != "" && m.Sender != ""
}
