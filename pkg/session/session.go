package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-go-golems/luna/pkg/conversation"
	"github.com/go-go-golems/luna/pkg/events"
	"github.com/go-go-golems/luna/pkg/models"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionNil       = errors.New("session is nil")
	ErrNotPersisted     = errors.New("session is not persisted")
	ErrAlreadyPersisted = errors.New("session is already persisted")
	ErrTurnInProgress   = errors.New("session already has a turn in progress")
)

// Loader reads a persisted conversation back from durable storage.
type Loader interface {
	Get(ctx context.Context, id conversation.ChatID) (*conversation.Chat, error)
}

// Session is the in-memory mirror of one conversation.
//
// It owns:
// - the conversation data (draft or persisted)
// - the invariant that at most one turn runs on it at a time
//
// The only mutations are appends of messages that were already committed to
// the store, marking a draft as persisted, and setting the title.
type Session struct {
	catalog *models.Catalog
	sinks   []events.EventSink

	mu     sync.RWMutex
	chat   *conversation.Chat
	active bool
}

type Option func(*Session)

// WithEventSinks publishes session updates to sinks.
func WithEventSinks(sinks ...events.EventSink) Option {
	return func(s *Session) {
		s.sinks = append(s.sinks, sinks...)
	}
}

// New wraps chat. The session keeps its own copy.
func New(chat *conversation.Chat, catalog *models.Catalog, options ...Option) *Session {
	own := chat.Clone()
	if own == nil {
		own = &conversation.Chat{}
	}
	if own.Identity == nil {
		own.Identity = conversation.Draft{}
	}
	s := &Session{
		catalog: catalog,
		chat:    own,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// NewDraft starts a draft session from a system prompt and the first user
// message.
func NewDraft(model models.Record, systemPrompt string, userText string, at time.Time, catalog *models.Catalog, options ...Option) *Session {
	return New(conversation.NewDraft(model.ID, systemPrompt, userText, at), catalog, options...)
}

// Load reads conversation id from loader.
func Load(ctx context.Context, loader Loader, id conversation.ChatID, catalog *models.Catalog, options ...Option) (*Session, error) {
	chat, err := loader.Get(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "could not load conversation %d", id)
	}
	return New(chat, catalog, options...), nil
}

func (s *Session) Identity() conversation.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chat.Identity
}

func (s *Session) ID() (conversation.ChatID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chat.ID()
}

func (s *Session) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chat.Title
}

func (s *Session) DisplayTitle() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chat.DisplayTitle()
}

func (s *Session) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chat.CreatedAt
}

// Model resolves the conversation's model through the catalog. It returns the
// sentinel for ids the catalog does not know.
func (s *Session) Model() models.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog.Resolve(s.chat.ModelID)
}

func (s *Session) ShortPreview() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chat.ShortPreview()
}

func (s *Session) NonSystemMessages() []conversation.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chat.NonSystemMessages()
}

// Messages returns a copy of all messages, the system prompt included.
func (s *Session) Messages() []conversation.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := make([]conversation.Message, len(s.chat.Messages))
	copy(ret, s.chat.Messages)
	return ret
}

func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chat.Messages)
}

func (s *Session) UpdateTime() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chat.UpdateTime()
}

// Snapshot returns a deep copy of the conversation.
func (s *Session) Snapshot() *conversation.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chat.Clone()
}

// MarkPersisted records that the store created the draft under id, with
// appended being the messages the store wrote after the draft's own.
func (s *Session) MarkPersisted(ctx context.Context, id conversation.ChatID, appended ...conversation.Message) error {
	if s == nil {
		return ErrSessionNil
	}
	for _, m := range appended {
		if err := conversation.ValidateMessage(m); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.chat.IsPersisted() {
		s.mu.Unlock()
		return ErrAlreadyPersisted
	}
	s.chat.Identity = conversation.Persisted{ID: id}
	s.chat.Messages = append(s.chat.Messages, appended...)
	all := make([]conversation.Message, len(s.chat.Messages))
	copy(all, s.chat.Messages)
	s.mu.Unlock()

	log.Debug().Int64("chat_id", int64(id)).Int("messages", len(all)).Msg("session persisted")
	events.Publish(ctx, s.sinks, events.NewChatCreatedEvent(id, all))
	return nil
}

// Append mirrors messages the store has committed for this conversation.
func (s *Session) Append(ctx context.Context, msgs ...conversation.Message) error {
	if s == nil {
		return ErrSessionNil
	}
	if len(msgs) == 0 {
		return nil
	}
	for _, m := range msgs {
		if err := conversation.ValidateMessage(m); err != nil {
			return err
		}
	}

	s.mu.Lock()
	id, ok := s.chat.ID()
	if !ok {
		s.mu.Unlock()
		return ErrNotPersisted
	}
	s.chat.Messages = append(s.chat.Messages, msgs...)
	s.mu.Unlock()

	appended := make([]conversation.Message, len(msgs))
	copy(appended, msgs)
	events.Publish(ctx, s.sinks, events.NewMessagesAppendedEvent(id, appended))
	return nil
}

// SetTitle mirrors a title the store has committed.
func (s *Session) SetTitle(ctx context.Context, title string) error {
	if s == nil {
		return ErrSessionNil
	}
	s.mu.Lock()
	id, ok := s.chat.ID()
	if !ok {
		s.mu.Unlock()
		return ErrNotPersisted
	}
	s.chat.Title = title
	s.mu.Unlock()

	events.Publish(ctx, s.sinks, events.NewTitleUpdatedEvent(id, title))
	return nil
}

// BeginTurn claims the session for a turn. It fails with ErrTurnInProgress
// while another turn holds it.
func (s *Session) BeginTurn() error {
	if s == nil {
		return ErrSessionNil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return ErrTurnInProgress
	}
	s.active = true
	return nil
}

// EndTurn releases the claim taken by BeginTurn.
func (s *Session) EndTurn() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// IsRunning reports whether a turn currently holds the session.
func (s *Session) IsRunning() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}
