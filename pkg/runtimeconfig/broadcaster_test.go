package runtimeconfig

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/luna/pkg/models"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var (
	gpt4o  = models.Record{ID: "gpt-4o", Name: "GPT-4o", Provider: "openai"}
	sonnet = models.Record{ID: "claude-3-5-sonnet", Name: "Sonnet", Provider: "anthropic"}
)

func TestConfig_WithReturnsCopies(t *testing.T) {
	c := New(gpt4o, "be brief")
	c2 := c.WithSelectedModel(sonnet).WithSystemPrompt("be verbose")

	require.Equal(t, "gpt-4o", c.SelectedModel().ID)
	require.Equal(t, "be brief", c.SystemPrompt())
	require.Equal(t, "claude-3-5-sonnet", c2.SelectedModel().ID)
	require.Equal(t, "be verbose", c2.SystemPrompt())
}

func TestBroadcaster_NotifiesInRegistrationOrder(t *testing.T) {
	b := NewBroadcaster(New(gpt4o, DefaultSystemPrompt))

	var order []string
	for _, name := range []string{"header", "chat", "options"} {
		name := name
		b.Subscribe(SubscriberFunc(func(ctx context.Context, cfg Config) {
			order = append(order, name+":"+cfg.SelectedModel().ID)
		}))
	}

	next := b.Current().WithSelectedModel(sonnet)
	require.NoError(t, b.Publish(context.Background(), next))

	require.Equal(t, []string{
		"header:claude-3-5-sonnet",
		"chat:claude-3-5-sonnet",
		"options:claude-3-5-sonnet",
	}, order)
	require.Equal(t, next, b.Current())
}

func TestBroadcaster_CurrentIsUpdatedBeforeNotification(t *testing.T) {
	b := NewBroadcaster(New(gpt4o, "a"))
	var seen Config
	b.Subscribe(SubscriberFunc(func(ctx context.Context, cfg Config) {
		seen = b.Current()
	}))

	require.NoError(t, b.Publish(context.Background(), New(sonnet, "b")))
	require.Equal(t, "b", seen.SystemPrompt())
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster(New(gpt4o, "a"))
	calls := 0
	tok := b.Subscribe(SubscriberFunc(func(ctx context.Context, cfg Config) { calls++ }))

	require.NoError(t, b.Publish(context.Background(), New(gpt4o, "b")))
	require.True(t, b.Unsubscribe(tok))
	require.False(t, b.Unsubscribe(tok))
	require.NoError(t, b.Publish(context.Background(), New(gpt4o, "c")))

	require.Equal(t, 1, calls)
	require.Equal(t, 0, b.SubscriberCount())
}

func publishWithin(t *testing.T, b *Broadcaster, cfg Config) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- b.Publish(context.Background(), cfg) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Publish did not return")
	}
}

func TestBroadcaster_NestedPublishIsDeliveredAfterTheRound(t *testing.T) {
	for name, nestedCtx := range map[string]func(ctx context.Context) context.Context{
		"same ctx":  func(ctx context.Context) context.Context { return ctx },
		"fresh ctx": func(context.Context) context.Context { return context.Background() },
	} {
		nestedCtx := nestedCtx
		t.Run(name, func(t *testing.T) {
			b := NewBroadcaster(New(gpt4o, "a"))

			var nestedErr error
			b.Subscribe(SubscriberFunc(func(ctx context.Context, cfg Config) {
				if cfg.SystemPrompt() == "outer" {
					nestedErr = b.Publish(nestedCtx(ctx), cfg.WithSystemPrompt("nested"))
				}
			}))
			var second []string
			b.Subscribe(SubscriberFunc(func(ctx context.Context, cfg Config) {
				second = append(second, cfg.SystemPrompt()+":"+b.Current().SystemPrompt())
			}))

			publishWithin(t, b, New(gpt4o, "outer"))
			require.NoError(t, nestedErr)
			// the outer round finished before the nested one started
			require.Equal(t, []string{"outer:outer", "nested:nested"}, second)
			require.Equal(t, "nested", b.Current().SystemPrompt())

			publishWithin(t, b, New(gpt4o, "later"))
			require.Equal(t, "later", b.Current().SystemPrompt())
		})
	}
}

func TestBroadcaster_PanickingSubscriberDoesNotWedgePublish(t *testing.T) {
	b := NewBroadcaster(New(gpt4o, "a"))
	b.Subscribe(SubscriberFunc(func(ctx context.Context, cfg Config) {
		if cfg.SystemPrompt() == "boom" {
			panic("boom")
		}
	}))

	require.Panics(t, func() { _ = b.Publish(context.Background(), New(gpt4o, "boom")) })
	publishWithin(t, b, New(gpt4o, "after"))
	require.Equal(t, "after", b.Current().SystemPrompt())
}

func TestBroadcaster_PublishToOtherBroadcasterFromSubscriber(t *testing.T) {
	a := NewBroadcaster(New(gpt4o, "a"))
	mirror := NewBroadcaster(New(gpt4o, "a"))

	var mirrorErr error
	a.Subscribe(SubscriberFunc(func(ctx context.Context, cfg Config) {
		mirrorErr = mirror.Publish(ctx, cfg)
	}))

	require.NoError(t, a.Publish(context.Background(), New(sonnet, "b")))
	require.NoError(t, mirrorErr)
	require.Equal(t, "b", mirror.Current().SystemPrompt())
}

func TestBroadcaster_ConcurrentPublishesDoNotInterleave(t *testing.T) {
	b := NewBroadcaster(New(gpt4o, "init"))

	var mu sync.Mutex
	var log []string
	for _, name := range []string{"s1", "s2"} {
		name := name
		b.Subscribe(SubscriberFunc(func(ctx context.Context, cfg Config) {
			mu.Lock()
			log = append(log, name+":"+cfg.SystemPrompt())
			mu.Unlock()
		}))
	}

	var eg errgroup.Group
	prompts := []string{"p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8"}
	for _, p := range prompts {
		p := p
		eg.Go(func() error {
			return b.Publish(context.Background(), New(gpt4o, p))
		})
	}
	require.NoError(t, eg.Wait())

	require.Len(t, log, 2*len(prompts))
	for i := 0; i < len(log); i += 2 {
		// each publish delivers s1 then s2 with the same value, back to back
		require.Equal(t, "s1:"+log[i][3:], log[i])
		require.Equal(t, "s2:"+log[i][3:], log[i+1])
	}
}
