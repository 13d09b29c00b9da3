package tokens

import (
	"strings"
	"testing"

	"github.com/go-go-golems/luna/pkg/conversation"
	"github.com/go-go-golems/luna/pkg/models"
	"github.com/stretchr/testify/require"
)

func TestCountNonEmpty(t *testing.T) {
	e := NewEstimator()
	n, err := e.Count("gpt-4", "hello world")
	require.NoError(t, err)
	require.Greater(t, n, 0)

	n, err = e.Count("gpt-4", "")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestUnknownModelFallsBackToDefaultEncoding(t *testing.T) {
	e := NewEstimator()
	a, err := e.Count("some-local-model", "the quick brown fox")
	require.NoError(t, err)
	b, err := e.Count("gpt-4", "the quick brown fox")
	require.NoError(t, err)
	require.Equal(t, b, a)
}

func TestCountMessagesAddsFraming(t *testing.T) {
	e := NewEstimator()
	msgs := []conversation.Message{
		conversation.NewSystemMessage(""),
		conversation.NewUserMessage(""),
	}
	n, err := e.CountMessages("gpt-4", msgs)
	require.NoError(t, err)
	require.Equal(t, tokensPerReply+2*tokensPerMessage, n)
}

func TestCheckOverflow(t *testing.T) {
	e := NewEstimator()
	msgs := []conversation.Message{
		conversation.NewUserMessage(strings.Repeat("word ", 200)),
	}

	est, err := e.Check(models.Record{ID: "gpt-4", ContextWindow: 16}, msgs)
	require.NoError(t, err)
	require.True(t, est.Overflow)
	require.Equal(t, 16, est.ContextWindow)

	est, err = e.Check(models.Record{ID: "gpt-4", ContextWindow: 100000}, msgs)
	require.NoError(t, err)
	require.False(t, est.Overflow)

	// no known window, never an overflow
	est, err = e.Check(models.Record{ID: "gpt-4"}, msgs)
	require.NoError(t, err)
	require.False(t, est.Overflow)
	require.Greater(t, est.Tokens, 16)
}
