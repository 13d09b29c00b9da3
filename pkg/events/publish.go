package events

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	Topic = "luna.chat"

	sequenceNumberMetadataKey = "sequence_number"
	subscriberBuffer          = 64
)

// Bus distributes events to any number of subscribers over an in-process
// watermill pub/sub.
//
// Publishing blocks until every current subscriber has taken the event, so
// each subscriber sees events in publish order. Each outgoing event gets a
// sequence number in the order Publish handled it.
type Bus struct {
	pubSub *gochannel.GoChannel
	logger watermill.LoggerAdapter

	mutex          sync.Mutex
	sequenceNumber uint64
}

type BusOption func(*Bus)

func WithLogger(logger watermill.LoggerAdapter) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

func NewBus(options ...BusOption) *Bus {
	ret := &Bus{
		logger: watermill.NopLogger{},
	}
	for _, o := range options {
		o(ret)
	}
	ret.pubSub = gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	return ret
}

// PublishEvent serializes the event to JSON and hands it to all subscribers.
func (b *Bus) PublishEvent(event Event) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "could not marshal event")
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(sequenceNumberMetadataKey, strconv.FormatUint(b.sequenceNumber, 10))
	b.sequenceNumber++

	return b.pubSub.Publish(Topic, msg)
}

// Subscribe returns a channel of events published after this call. The
// channel is closed when ctx is done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	msgs, err := b.pubSub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, errors.Wrap(err, "could not subscribe to chat events")
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping undecodable chat event")
				msg.Ack()
				continue
			}
			if seq, err := strconv.ParseUint(msg.Metadata.Get(sequenceNumberMetadataKey), 10, 64); err == nil {
				ev.Sequence = seq
			}
			select {
			case out <- ev:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	log.Debug().Msg("closing chat event bus")
	return b.pubSub.Close()
}

var _ EventSink = (*Bus)(nil)
