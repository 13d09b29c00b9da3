package events

import (
	"context"
	"testing"
	"time"

	"github.com/go-go-golems/luna/pkg/conversation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBusDeliversInOrderWithSequenceNumbers(t *testing.T) {
	bus := NewBus(WithLogger(NewWatermillLogger(zerolog.Nop())))
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.PublishEvent(NewPartialEvent(1, "turn", 1, "x", "")))
	}

	for i := 0; i < 10; i++ {
		ev := receive(t, ch)
		assert.Equal(t, EventTypePartial, ev.Type)
		assert.Equal(t, uint64(i), ev.Sequence)
	}
}

func TestBusFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus()
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	b, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	msgs := []conversation.Message{
		conversation.NewUserMessage("hi", conversation.WithTimestamp(ts), conversation.WithModelID("gpt-4")),
	}
	require.NoError(t, bus.PublishEvent(NewMessagesAppendedEvent(7, msgs)))

	for _, ch := range []<-chan Event{a, b} {
		ev := receive(t, ch)
		assert.Equal(t, EventTypeMessagesAppended, ev.Type)
		assert.Equal(t, conversation.ChatID(7), ev.ChatID)
		require.Len(t, ev.Messages, 1)
		assert.Equal(t, "hi", ev.Messages[0].Content)
		assert.True(t, ts.Equal(ev.Messages[0].Timestamp))
	}
}

func TestBusSubscriptionClosesWithContext(t *testing.T) {
	bus := NewBus()
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription channel was not closed")
	}
}

type recordingSink struct {
	events []Event
}

func (r *recordingSink) PublishEvent(event Event) error {
	r.events = append(r.events, event)
	return nil
}

func TestPublishReachesExplicitAndContextSinks(t *testing.T) {
	explicit := &recordingSink{}
	fromCtx := &recordingSink{}
	ctx := WithEventSinks(context.Background(), fromCtx)

	Publish(ctx, []EventSink{explicit, NewNullSink()}, NewTitleUpdatedEvent(3, "Trip plans"))

	require.Len(t, explicit.events, 1)
	require.Len(t, fromCtx.events, 1)
	assert.Equal(t, "Trip plans", fromCtx.events[0].Title)
}

func TestWithEventSinksAccumulates(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	ctx := WithEventSinks(context.Background(), a)
	ctx = WithEventSinks(ctx, b)
	assert.Len(t, GetEventSinks(ctx), 2)
	assert.Len(t, GetEventSinks(WithEventSinks(ctx)), 2)
}
