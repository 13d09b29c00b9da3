package conversation

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
	RoleTool      Role = "tool"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleAssistant, RoleUser, RoleTool:
		return true
	default:
		return false
	}
}

// Message is a single entry of a conversation. Once attached to a Chat it is
// never modified.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Timestamp is the zero time until the message is finalized. It is always
	// stored in UTC.
	Timestamp time.Time `json:"timestamp"`
	// ModelID is the model that produced (assistant) or received (user,
	// system) the message.
	ModelID string `json:"model_id"`
}

type MessageOption func(*Message)

func WithTimestamp(t time.Time) MessageOption {
	return func(m *Message) {
		m.Timestamp = t.UTC()
	}
}

func WithModelID(id string) MessageOption {
	return func(m *Message) {
		m.ModelID = id
	}
}

// Unfinalized leaves the timestamp unset, for messages still being assembled.
func Unfinalized() MessageOption {
	return func(m *Message) {
		m.Timestamp = time.Time{}
	}
}

func NewMessage(role Role, content string, options ...MessageOption) Message {
	ret := Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}

	for _, option := range options {
		option(&ret)
	}

	return ret
}

func NewSystemMessage(content string, options ...MessageOption) Message {
	return NewMessage(RoleSystem, content, options...)
}

func NewUserMessage(content string, options ...MessageOption) Message {
	return NewMessage(RoleUser, content, options...)
}

func NewAssistantMessage(content string, options ...MessageOption) Message {
	return NewMessage(RoleAssistant, content, options...)
}

// IsFinalized reports whether the message carries a timestamp.
func (m Message) IsFinalized() bool {
	return !m.Timestamp.IsZero()
}

// Finalize returns a copy of m stamped with t.
func (m Message) Finalize(t time.Time) Message {
	m.Timestamp = t.UTC()
	return m
}

func (m Message) String() string {
	return fmt.Sprintf("[%s]: %s", m.Role, strings.TrimRight(m.Content, "\n"))
}
