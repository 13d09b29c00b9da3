// Package conversation holds the data model shared by the store, the
// in-memory sessions and the orchestrator.
//
// A Chat is either a Draft (only in memory) or Persisted under a ChatID that
// the store assigned. Messages are append-only: message 0 is the system
// prompt, message 1 the first user message, and the rest follow in turn
// order.
package conversation

import (
	"strconv"
	"time"
)

// ChatID is a store-assigned conversation id. The only way to obtain one is
// from the store, so code that needs a persisted conversation takes a ChatID.
type ChatID int64

func (id ChatID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Identity is either Draft{} or Persisted{ID}.
type Identity interface {
	isIdentity()
}

// Draft marks a conversation that has not been written to the store yet.
type Draft struct{}

// Persisted marks a conversation the store knows under ID.
type Persisted struct {
	ID ChatID
}

func (Draft) isIdentity()     {}
func (Persisted) isIdentity() {}

const (
	PreviewLength   = 77
	PreviewEllipsis = "..."
)

type Chat struct {
	Identity Identity
	// Title is empty until one is assigned.
	Title     string
	CreatedAt time.Time
	// ModelID is the model selected for the conversation.
	ModelID  string
	Messages []Message
}

// NewDraft starts a conversation from a system prompt and the first user
// message, both stamped with at.
func NewDraft(modelID string, systemPrompt string, userText string, at time.Time) *Chat {
	at = at.UTC()
	return &Chat{
		Identity:  Draft{},
		CreatedAt: at,
		ModelID:   modelID,
		Messages: []Message{
			NewSystemMessage(systemPrompt, WithTimestamp(at), WithModelID(modelID)),
			NewUserMessage(userText, WithTimestamp(at), WithModelID(modelID)),
		},
	}
}

// ID returns the persisted id, and false for drafts.
func (c *Chat) ID() (ChatID, bool) {
	if c == nil {
		return 0, false
	}
	p, ok := c.Identity.(Persisted)
	if !ok {
		return 0, false
	}
	return p.ID, true
}

func (c *Chat) IsPersisted() bool {
	_, ok := c.ID()
	return ok
}

// SystemPrompt returns message 0.
func (c *Chat) SystemPrompt() (Message, error) {
	if len(c.Messages) == 0 {
		return Message{}, validationErrorf("messages", "conversation has no system message")
	}
	return c.Messages[0], nil
}

// FirstUserMessage returns message 1.
func (c *Chat) FirstUserMessage() (Message, error) {
	if len(c.Messages) < 2 {
		return Message{}, validationErrorf("messages", "conversation has no user message")
	}
	return c.Messages[1], nil
}

// ShortPreview is the first user message truncated for listings, or "" if
// there is none.
func (c *Chat) ShortPreview() string {
	m, err := c.FirstUserMessage()
	if err != nil {
		return ""
	}
	return Preview(m.Content)
}

// NonSystemMessages returns a copy of all messages after the system prompt.
func (c *Chat) NonSystemMessages() []Message {
	if len(c.Messages) < 2 {
		return []Message{}
	}
	ret := make([]Message, len(c.Messages)-1)
	copy(ret, c.Messages[1:])
	return ret
}

// UpdateTime is the timestamp of the last message, in UTC.
func (c *Chat) UpdateTime() (time.Time, error) {
	if c == nil || len(c.Messages) == 0 {
		return time.Time{}, validationErrorf("messages", "conversation has no messages")
	}
	last := c.Messages[len(c.Messages)-1]
	if !last.IsFinalized() {
		return time.Time{}, validationErrorf("timestamp", "last message has no timestamp")
	}
	return last.Timestamp.UTC(), nil
}

// DisplayTitle is the title if set, otherwise the short preview.
func (c *Chat) DisplayTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return c.ShortPreview()
}

// Validate checks the invariants every stored conversation satisfies.
func (c *Chat) Validate() error {
	if c == nil {
		return validationErrorf("", "conversation is nil")
	}
	if len(c.Messages) < 2 {
		return validationErrorf("messages", "expected at least 2 messages, got %d", len(c.Messages))
	}
	if c.Messages[0].Role != RoleSystem {
		return validationErrorf("messages[0].role", "expected %q, got %q", RoleSystem, c.Messages[0].Role)
	}
	if c.Messages[1].Role != RoleUser {
		return validationErrorf("messages[1].role", "expected %q, got %q", RoleUser, c.Messages[1].Role)
	}
	if c.CreatedAt.IsZero() {
		return validationErrorf("created_at", "creation time is not set")
	}
	for i, m := range c.Messages {
		if err := ValidateMessage(m); err != nil {
			if ve, ok := err.(*ValidationError); ok {
				ve.Field = "messages[" + strconv.Itoa(i) + "]." + ve.Field
			}
			return err
		}
	}
	return nil
}

// ValidateMessage checks that m can be attached to a conversation.
func ValidateMessage(m Message) error {
	if !m.Role.IsValid() {
		return validationErrorf("role", "unknown role %q", m.Role)
	}
	if !m.IsFinalized() {
		return validationErrorf("timestamp", "message is not finalized")
	}
	return nil
}

// Clone returns a deep copy of the chat.
func (c *Chat) Clone() *Chat {
	if c == nil {
		return nil
	}
	ret := *c
	ret.Messages = make([]Message, len(c.Messages))
	copy(ret.Messages, c.Messages)
	return &ret
}

// Preview truncates text to PreviewLength characters, adding PreviewEllipsis
// when something was cut.
func Preview(text string) string {
	runes := []rune(text)
	if len(runes) <= PreviewLength {
		return text
	}
	return string(runes[:PreviewLength]) + PreviewEllipsis
}
