package runtimeconfig

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Subscriber is notified with every published Config.
type Subscriber interface {
	// Notify may call Publish on the same broadcaster. The nested value is
	// delivered after the current round has reached every subscriber.
	Notify(ctx context.Context, cfg Config)
}

type SubscriberFunc func(ctx context.Context, cfg Config)

func (f SubscriberFunc) Notify(ctx context.Context, cfg Config) {
	f(ctx, cfg)
}

// Token identifies a subscription.
type Token uint64

type subscription struct {
	token      Token
	subscriber Subscriber
}

// Broadcaster holds the current Config and notifies subscribers when it is
// replaced.
//
// Published values are delivered one round at a time, in publish order: a
// round swaps the held value and calls every subscriber, in registration
// order. Rounds never interleave. A Publish made while a round is running,
// from a subscriber or from another goroutine, is queued and delivered by
// the publisher running the rounds before it returns.
type Broadcaster struct {
	current atomic.Pointer[Config]

	mu            sync.Mutex
	subscriptions []subscription
	nextToken     Token
	queue         []Config
	delivering    bool
}

func NewBroadcaster(initial Config) *Broadcaster {
	b := &Broadcaster{}
	b.current.Store(&initial)
	return b
}

// Current returns the configuration held right now.
func (b *Broadcaster) Current() Config {
	return *b.current.Load()
}

func (b *Broadcaster) Subscribe(s Subscriber) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextToken++
	b.subscriptions = append(b.subscriptions, subscription{token: b.nextToken, subscriber: s})
	return b.nextToken
}

// Unsubscribe removes a subscription and reports whether it existed.
func (b *Broadcaster) Unsubscribe(token Token) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscriptions {
		if s.token == token {
			b.subscriptions = append(b.subscriptions[:i:i], b.subscriptions[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscriptions)
}

// Publish replaces the current configuration with cfg and notifies all
// subscribers registered when its round starts. If no round is running, the
// notifications, and those of any value queued meanwhile, are delivered
// before Publish returns.
func (b *Broadcaster) Publish(ctx context.Context, cfg Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	b.mu.Lock()
	b.queue = append(b.queue, cfg)
	if b.delivering {
		queued := len(b.queue)
		b.mu.Unlock()
		log.Debug().
			Str("model", cfg.SelectedModel().ID).
			Int("queued", queued).
			Msg("runtime config queued behind a running round")
		return nil
	}
	b.delivering = true
	b.mu.Unlock()

	completed := false
	defer func() {
		if completed {
			return
		}
		// a subscriber panicked, drop what is left so later publishes run
		b.mu.Lock()
		b.queue = nil
		b.delivering = false
		b.mu.Unlock()
	}()

	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.delivering = false
			b.mu.Unlock()
			completed = true
			return nil
		}
		next := b.queue[0]
		b.queue = b.queue[1:]
		b.current.Store(&next)
		subs := make([]subscription, len(b.subscriptions))
		copy(subs, b.subscriptions)
		b.mu.Unlock()

		log.Debug().
			Str("model", next.SelectedModel().ID).
			Int("subscribers", len(subs)).
			Msg("publishing runtime config")

		for _, s := range subs {
			s.subscriber.Notify(ctx, next)
		}
	}
}
