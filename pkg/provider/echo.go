package provider

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/go-go-golems/luna/pkg/conversation"
	"github.com/go-go-golems/luna/pkg/models"
	"github.com/pkg/errors"
)

// EchoProvider streams the last user message back, one character at a time.
// It needs no network access and is used for offline runs.
type EchoProvider struct {
	TimePerCharacter time.Duration
}

func NewEchoProvider() *EchoProvider {
	return &EchoProvider{
		TimePerCharacter: 20 * time.Millisecond,
	}
}

func (e *EchoProvider) StreamCompletion(ctx context.Context, model models.Record, history []conversation.Message) (Stream, error) {
	if len(history) == 0 {
		return nil, NewPermanentError(errors.New("no input"))
	}
	var text string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == conversation.RoleUser {
			text = history[i].Content
			break
		}
	}
	return &echoStream{
		ctx:   ctx,
		runes: []rune(text),
		delay: e.TimePerCharacter,
		done:  make(chan struct{}),
	}, nil
}

type echoStream struct {
	ctx   context.Context
	runes []rune
	pos   int
	delay time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

func (s *echoStream) Recv() (string, error) {
	if s.pos >= len(s.runes) {
		return "", io.EOF
	}
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		case <-s.done:
			return "", io.EOF
		case <-timer.C:
		}
	} else {
		select {
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		case <-s.done:
			return "", io.EOF
		default:
		}
	}
	r := s.runes[s.pos]
	s.pos++
	return string(r), nil
}

func (s *echoStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

var _ Provider = (*EchoProvider)(nil)
