// Package tokens estimates prompt sizes so that a turn whose history no
// longer fits the model's context window can be reported.
package tokens

import (
	"sync"

	"github.com/go-go-golems/luna/pkg/conversation"
	"github.com/go-go-golems/luna/pkg/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

const (
	// DefaultEncoding is used for models tiktoken does not know.
	DefaultEncoding = tokenizer.Cl100kBase

	tokensPerMessage = 3
	tokensPerReply   = 3
)

// Estimate is the outcome of a context window check.
type Estimate struct {
	Tokens        int
	ContextWindow int
	// Overflow is set when the model has a known context window and the
	// prompt does not fit.
	Overflow bool
}

// Estimator counts tokens with a codec per model id. It is safe for
// concurrent use.
type Estimator struct {
	mu     sync.Mutex
	codecs map[string]tokenizer.Codec
}

func NewEstimator() *Estimator {
	return &Estimator{codecs: map[string]tokenizer.Codec{}}
}

func (e *Estimator) codec(modelID string) (tokenizer.Codec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.codecs[modelID]; ok {
		return c, nil
	}
	c, err := tokenizer.ForModel(tokenizer.Model(modelID))
	if err != nil {
		log.Trace().Str("model", modelID).Msg("no tokenizer for model, falling back to cl100k_base")
		c, err = tokenizer.Get(DefaultEncoding)
		if err != nil {
			return nil, errors.Wrap(err, "could not create tokenizer")
		}
	}
	e.codecs[modelID] = c
	return c, nil
}

// Count returns the number of tokens in text for modelID.
func (e *Estimator) Count(modelID string, text string) (int, error) {
	c, err := e.codec(modelID)
	if err != nil {
		return 0, err
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0, errors.Wrap(err, "could not encode text")
	}
	return len(ids), nil
}

// CountMessages estimates the prompt size of a chat history, including the
// per-message framing chat APIs add.
func (e *Estimator) CountMessages(modelID string, msgs []conversation.Message) (int, error) {
	total := tokensPerReply
	for _, m := range msgs {
		n, err := e.Count(modelID, m.Content)
		if err != nil {
			return 0, err
		}
		total += n + tokensPerMessage
	}
	return total, nil
}

// Check compares the history's size with the model's context window.
func (e *Estimator) Check(model models.Record, msgs []conversation.Message) (Estimate, error) {
	n, err := e.CountMessages(model.ID, msgs)
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{
		Tokens:        n,
		ContextWindow: model.ContextWindow,
		Overflow:      model.HasContextWindow() && n > model.ContextWindow,
	}, nil
}
