package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-go-golems/luna/pkg/conversation"
	"github.com/go-go-golems/luna/pkg/events"
	"github.com/go-go-golems/luna/pkg/models"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []events.Event
}

func (r *recordingSink) PublishEvent(event events.Event) error {
	r.events = append(r.events, event)
	return nil
}

type fakeLoader struct {
	chats map[conversation.ChatID]*conversation.Chat
}

func (f fakeLoader) Get(ctx context.Context, id conversation.ChatID) (*conversation.Chat, error) {
	c, ok := f.chats[id]
	if !ok {
		return nil, errors.New("no such conversation")
	}
	return c.Clone(), nil
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testCatalog() *models.Catalog {
	return models.NewCatalog(
		models.Record{ID: "gpt-4", Name: "GPT-4", Provider: "openai", ContextWindow: 8192},
	)
}

func TestSession_DraftViews(t *testing.T) {
	s := NewDraft(models.Record{ID: "gpt-4"}, "You are helpful", "Hi", t0, testCatalog())

	_, ok := s.ID()
	require.False(t, ok)
	require.IsType(t, conversation.Draft{}, s.Identity())
	require.Equal(t, "Hi", s.ShortPreview())
	require.Equal(t, "GPT-4", s.Model().Name)

	ut, err := s.UpdateTime()
	require.NoError(t, err)
	require.True(t, t0.Equal(ut))

	msgs := s.NonSystemMessages()
	require.Len(t, msgs, 1)
	require.Equal(t, conversation.RoleUser, msgs[0].Role)

	// returned slices are copies
	msgs[0].Content = "changed"
	require.Equal(t, "Hi", s.NonSystemMessages()[0].Content)
}

func TestSession_EmptyUpdateTimeIsValidationError(t *testing.T) {
	s := New(nil, testCatalog())
	_, err := s.UpdateTime()
	require.ErrorIs(t, err, conversation.ErrValidation)
	require.Equal(t, "", s.ShortPreview())
	require.Empty(t, s.NonSystemMessages())
}

func TestSession_UnknownModelResolvesToSentinel(t *testing.T) {
	s := NewDraft(models.Record{ID: "nonexistent"}, "sys", "Hi", t0, testCatalog())
	require.True(t, s.Model().IsUnknown())
}

func TestSession_AppendRequiresPersisted(t *testing.T) {
	s := NewDraft(models.Record{ID: "gpt-4"}, "sys", "Hi", t0, testCatalog())
	err := s.Append(context.Background(), conversation.NewAssistantMessage("hello", conversation.WithTimestamp(t0)))
	require.ErrorIs(t, err, ErrNotPersisted)
	require.Equal(t, 2, s.Len())
}

func TestSession_MarkPersistedPublishesChatCreated(t *testing.T) {
	sink := &recordingSink{}
	s := NewDraft(models.Record{ID: "gpt-4"}, "sys", "Hi", t0, testCatalog(), WithEventSinks(sink))

	reply := conversation.NewAssistantMessage("Hello!", conversation.WithTimestamp(t0.Add(time.Second)))
	require.NoError(t, s.MarkPersisted(context.Background(), 4, reply))

	id, ok := s.ID()
	require.True(t, ok)
	require.Equal(t, conversation.ChatID(4), id)
	require.Equal(t, 3, s.Len())

	require.Len(t, sink.events, 1)
	require.Equal(t, events.EventTypeChatCreated, sink.events[0].Type)
	require.Len(t, sink.events[0].Messages, 3)

	require.ErrorIs(t, s.MarkPersisted(context.Background(), 5), ErrAlreadyPersisted)
}

func TestSession_AppendRejectsUnfinalizedMessages(t *testing.T) {
	s := NewDraft(models.Record{ID: "gpt-4"}, "sys", "Hi", t0, testCatalog())
	require.NoError(t, s.MarkPersisted(context.Background(), 1))

	err := s.Append(context.Background(), conversation.NewAssistantMessage("partial", conversation.Unfinalized()))
	require.ErrorIs(t, err, conversation.ErrValidation)
	require.Equal(t, 2, s.Len())
}

func TestSession_AppendPreservesOrderAndPublishes(t *testing.T) {
	sink := &recordingSink{}
	loader := fakeLoader{chats: map[conversation.ChatID]*conversation.Chat{}}
	c := conversation.NewDraft("gpt-4", "sys", "Hi", t0)
	c.Identity = conversation.Persisted{ID: 9}
	loader.chats[9] = c

	s, err := Load(context.Background(), loader, 9, testCatalog(), WithEventSinks(sink))
	require.NoError(t, err)

	u := conversation.NewUserMessage("second", conversation.WithTimestamp(t0.Add(time.Minute)))
	a := conversation.NewAssistantMessage("answer", conversation.WithTimestamp(t0.Add(2*time.Minute)))
	require.NoError(t, s.Append(context.Background(), u, a))

	msgs := s.Messages()
	require.Len(t, msgs, 4)
	require.Equal(t, "second", msgs[2].Content)
	require.Equal(t, "answer", msgs[3].Content)

	ut, err := s.UpdateTime()
	require.NoError(t, err)
	require.True(t, t0.Add(2*time.Minute).Equal(ut))

	require.Len(t, sink.events, 1)
	require.Equal(t, events.EventTypeMessagesAppended, sink.events[0].Type)
	require.Equal(t, conversation.ChatID(9), sink.events[0].ChatID)

	// the loader's copy is untouched
	require.Len(t, loader.chats[9].Messages, 2)
}

func TestSession_LoadUnknownID(t *testing.T) {
	_, err := Load(context.Background(), fakeLoader{}, 3, testCatalog())
	require.Error(t, err)
}

func TestSession_SetTitle(t *testing.T) {
	sink := &recordingSink{}
	s := NewDraft(models.Record{ID: "gpt-4"}, "sys", "Hi there", t0, testCatalog(), WithEventSinks(sink))
	require.ErrorIs(t, s.SetTitle(context.Background(), "x"), ErrNotPersisted)
	require.Equal(t, "Hi there", s.DisplayTitle())

	require.NoError(t, s.MarkPersisted(context.Background(), 1))
	require.NoError(t, s.SetTitle(context.Background(), "Greetings"))
	require.Equal(t, "Greetings", s.Title())
	require.Equal(t, "Greetings", s.DisplayTitle())
	require.Equal(t, events.EventTypeTitleUpdated, sink.events[len(sink.events)-1].Type)
}

func TestSession_BeginTurnIsExclusive(t *testing.T) {
	s := NewDraft(models.Record{ID: "gpt-4"}, "sys", "Hi", t0, testCatalog())
	require.NoError(t, s.BeginTurn())
	require.True(t, s.IsRunning())
	require.ErrorIs(t, s.BeginTurn(), ErrTurnInProgress)
	s.EndTurn()
	require.False(t, s.IsRunning())
	require.NoError(t, s.BeginTurn())
}

func TestSession_SnapshotIsIndependent(t *testing.T) {
	s := NewDraft(models.Record{ID: "gpt-4"}, "sys", "Hi", t0, testCatalog())
	snap := s.Snapshot()
	snap.Messages[1].Content = "mutated"
	snap.Messages = append(snap.Messages, conversation.NewAssistantMessage("x"))
	require.Equal(t, "Hi", s.ShortPreview())
	require.Equal(t, 2, s.Len())
}

func TestSession_NewLeavesCallerChatUntouched(t *testing.T) {
	chat := &conversation.Chat{
		ModelID:   "gpt-4",
		CreatedAt: t0,
		Messages: []conversation.Message{
			conversation.NewSystemMessage("sys", conversation.WithTimestamp(t0)),
			conversation.NewUserMessage("Hi", conversation.WithTimestamp(t0)),
		},
	}
	s := New(chat, testCatalog())

	require.Nil(t, chat.Identity)
	_, ok := s.ID()
	require.False(t, ok)
	require.Equal(t, t0, s.CreatedAt())
	require.Equal(t, 2, s.Len())

	s2 := New(nil, testCatalog())
	require.Equal(t, 0, s2.Len())
}
