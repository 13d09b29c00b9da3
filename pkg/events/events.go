package events

import (
	"github.com/go-go-golems/luna/pkg/conversation"
)

type EventType string

const (
	// EventTypeChatCreated is published when a draft was persisted.
	EventTypeChatCreated EventType = "chat-created"
	// EventTypeMessagesAppended is published after messages were committed to
	// the store and mirrored into the session.
	EventTypeMessagesAppended EventType = "messages-appended"
	EventTypeTitleUpdated     EventType = "title-updated"
	// EventTypeTurnState is published on every turn state transition.
	EventTypeTurnState EventType = "turn-state"
	// EventTypePartial carries one streamed fragment. Partial content is never
	// durable; a cancelled or failed turn discards it.
	EventTypePartial EventType = "partial"
)

// Event is the payload published on the chat update bus.
type Event struct {
	Type     EventType              `json:"type"`
	ChatID   conversation.ChatID    `json:"chat_id,omitempty"`
	TurnID   string                 `json:"turn_id,omitempty"`
	Messages []conversation.Message `json:"messages,omitempty"`
	Title    string                 `json:"title,omitempty"`
	State    string                 `json:"state,omitempty"`
	// Delta is the newest fragment, Completion everything assembled so far in
	// the current attempt.
	Delta      string `json:"delta,omitempty"`
	Completion string `json:"completion,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	Error      string `json:"error,omitempty"`

	// Sequence is assigned by the bus on publish.
	Sequence uint64 `json:"-"`
}

func NewChatCreatedEvent(id conversation.ChatID, msgs []conversation.Message) Event {
	return Event{Type: EventTypeChatCreated, ChatID: id, Messages: msgs}
}

func NewMessagesAppendedEvent(id conversation.ChatID, msgs []conversation.Message) Event {
	return Event{Type: EventTypeMessagesAppended, ChatID: id, Messages: msgs}
}

func NewTitleUpdatedEvent(id conversation.ChatID, title string) Event {
	return Event{Type: EventTypeTitleUpdated, ChatID: id, Title: title}
}

func NewTurnStateEvent(id conversation.ChatID, turnID string, state string, err error) Event {
	ev := Event{Type: EventTypeTurnState, ChatID: id, TurnID: turnID, State: state}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func NewPartialEvent(id conversation.ChatID, turnID string, attempt int, delta string, completion string) Event {
	return Event{
		Type:       EventTypePartial,
		ChatID:     id,
		TurnID:     turnID,
		Attempt:    attempt,
		Delta:      delta,
		Completion: completion,
	}
}
