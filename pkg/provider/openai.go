package provider

import (
	"context"
	"io"
	"sync"

	"github.com/go-go-golems/luna/pkg/conversation"
	"github.com/go-go-golems/luna/pkg/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// MakeClient builds an OpenAI client. An empty baseURL uses the public API.
func MakeClient(apiKey string, baseURL string) (*go_openai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("no API key for openai")
	}
	config := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return go_openai.NewClientWithConfig(config), nil
}

// OpenAIProvider streams chat completions from an OpenAI compatible API.
type OpenAIProvider struct {
	client *go_openai.Client
}

func NewOpenAIProvider(client *go_openai.Client) *OpenAIProvider {
	return &OpenAIProvider{client: client}
}

func (p *OpenAIProvider) StreamCompletion(ctx context.Context, model models.Record, history []conversation.Message) (Stream, error) {
	if model.IsUnknown() {
		return nil, NewPermanentError(errors.Wrap(models.ErrModelNotFound, "cannot stream from the unknown model"))
	}
	req := go_openai.ChatCompletionRequest{
		Model:    model.ID,
		Messages: toOpenAIMessages(history),
		Stream:   true,
	}

	log.Debug().Str("model", model.ID).Int("messages", len(req.Messages)).Msg("OpenAI starting stream")
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		log.Debug().Err(err).Str("model", model.ID).Msg("OpenAI streaming request failed")
		return nil, Classify(err)
	}
	return &openAIStream{stream: stream}, nil
}

func toOpenAIMessages(history []conversation.Message) []go_openai.ChatCompletionMessage {
	ret := make([]go_openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		ret = append(ret, go_openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return ret
}

type openAIStream struct {
	stream *go_openai.ChatCompletionStream

	closeOnce sync.Once
	closeErr  error
}

// Recv skips chunks that carry no text.
func (s *openAIStream) Recv() (string, error) {
	for {
		response, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", Classify(err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		if delta := response.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *openAIStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}

var _ Provider = (*OpenAIProvider)(nil)
