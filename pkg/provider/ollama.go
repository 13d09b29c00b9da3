package provider

import (
	"context"
	"io"
	"sync"

	"github.com/go-go-golems/luna/pkg/conversation"
	"github.com/go-go-golems/luna/pkg/models"
	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ollamaClient is the part of *api.Client the provider uses.
type ollamaClient interface {
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
}

// OllamaProvider streams chat completions from a local ollama server. The
// server address comes from OLLAMA_HOST.
type OllamaProvider struct {
	client ollamaClient
}

func NewOllamaProvider(client *api.Client) *OllamaProvider {
	return &OllamaProvider{client: client}
}

// NewOllamaProviderFromEnvironment connects to the server named by
// OLLAMA_HOST, or the default local address.
func NewOllamaProviderFromEnvironment() (*OllamaProvider, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, errors.Wrap(err, "could not create ollama client")
	}
	return NewOllamaProvider(client), nil
}

type ollamaChunk struct {
	delta string
	err   error
}

func (p *OllamaProvider) StreamCompletion(ctx context.Context, model models.Record, history []conversation.Message) (Stream, error) {
	if model.IsUnknown() {
		return nil, NewPermanentError(errors.Wrap(models.ErrModelNotFound, "cannot stream from the unknown model"))
	}

	messages := make([]api.Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, api.Message{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	stream := true
	req := &api.ChatRequest{
		Model:    model.ID,
		Messages: messages,
		Stream:   &stream,
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &ollamaStream{
		ctx:    ctx,
		chunks: make(chan ollamaChunk),
		cancel: cancel,
	}

	log.Debug().Str("model", model.ID).Int("messages", len(messages)).Msg("ollama starting stream")
	go func() {
		defer close(s.chunks)
		err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if resp.Done {
				return nil
			}
			select {
			case s.chunks <- ollamaChunk{delta: resp.Message.Content}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			select {
			case s.chunks <- ollamaChunk{err: classifyOllama(err)}:
			case <-ctx.Done():
			}
		}
	}()

	return s, nil
}

type ollamaStream struct {
	ctx       context.Context
	chunks    chan ollamaChunk
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *ollamaStream) Recv() (string, error) {
	for chunk := range s.chunks {
		if chunk.err != nil {
			return "", chunk.err
		}
		if chunk.delta != "" {
			return chunk.delta, nil
		}
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *ollamaStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		// let the reader goroutine finish
		for range s.chunks {
		}
	})
	return nil
}

func classifyOllama(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return &Error{Transient: IsTransientStatus(statusErr.StatusCode), StatusCode: statusErr.StatusCode, Err: err}
	}
	return Classify(err)
}

var _ Provider = (*OllamaProvider)(nil)
