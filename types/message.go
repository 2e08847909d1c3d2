package types

import (
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the display format for message timestamps. The original
// UI shows a localized short clock time next to each bubble.
const TimestampLayout = "15:04"

// MediaRef points at a piece of suggested media attached to an agent reply.
type MediaRef struct {
	Kind  string `json:"kind"` // "video", "article", ...
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Message represents one utterance in the conversation transcript.
// Identity is by ID: a message may be created and later updated in place
// (same ID, new text) when the agent streams a revised utterance. Messages
// are never deleted except on full session reset.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	IsUser    bool      `json:"isUser"`
	Timestamp string    `json:"timestamp"`
	CreatedAt time.Time `json:"-"`

	SuggestedMedia *MediaRef `json:"suggestedMedia,omitempty"`
	RichContent    any       `json:"richContent,omitempty"`
}

// NewMessage creates a message with the given ID. An empty ID gets a
// generated one.
func NewMessage(id, text string, isUser bool, now time.Time) Message {
	if id == "" {
		id = uuid.NewString()
	}
	return Message{
		ID:        id,
		Text:      text,
		IsUser:    isUser,
		Timestamp: now.Format(TimestampLayout),
		CreatedAt: now,
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(text string, now time.Time) Message {
	return NewMessage("user-"+uuid.NewString(), text, true, now)
}

// NewAgentMessage creates a new agent message.
func NewAgentMessage(id, text string, now time.Time) Message {
	if id == "" {
		id = "ai-" + uuid.NewString()
	}
	return NewMessage(id, text, false, now)
}

// WithMedia attaches a suggested media reference to the message.
func (m Message) WithMedia(ref *MediaRef) Message {
	m.SuggestedMedia = ref
	return m
}

// UserProfile is the opaque identity handed over by the external auth
// provider. The core never interprets it beyond display and context hints.
type UserProfile struct {
	ID             string `json:"id"`
	Username       string `json:"username,omitempty"`
	Email          string `json:"email,omitempty"`
	InitialContext string `json:"initial_context,omitempty"`
}
