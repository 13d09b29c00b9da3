package events

// EventSink is a destination for chat update events.
type EventSink interface {
	PublishEvent(event Event) error
}

// NullSink discards all events.
type NullSink struct{}

func NewNullSink() *NullSink {
	return &NullSink{}
}

func (n *NullSink) PublishEvent(event Event) error {
	return nil
}

var _ EventSink = (*NullSink)(nil)
