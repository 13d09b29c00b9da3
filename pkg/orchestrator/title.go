package orchestrator

import (
	"context"
	"strings"

	"github.com/go-go-golems/luna/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	titlePrompt = "Summarize the user's message as a conversation title of at most six words. " +
		"Reply with the title only, without quotes or punctuation at the end."
	maxTitleLength = 60
)

var ErrEmptyTitle = errors.New("provider returned an empty title")

// GenerateTitle asks the provider for a short title summarizing the first
// user message of conversation id and stores it.
func (o *Orchestrator) GenerateTitle(ctx context.Context, id conversation.ChatID) (string, error) {
	sess, err := o.Session(ctx, id)
	if err != nil {
		return "", err
	}
	model, err := o.resolveModel(o.config.Current())
	if err != nil {
		return "", err
	}

	snapshot := sess.Snapshot()
	first, err := snapshot.FirstUserMessage()
	if err != nil {
		return "", err
	}

	now := o.now()
	history := []conversation.Message{
		conversation.NewSystemMessage(titlePrompt, conversation.WithTimestamp(now), conversation.WithModelID(model.ID)),
		conversation.NewUserMessage(first.Content, conversation.WithTimestamp(now), conversation.WithModelID(model.ID)),
	}

	content, _, err := o.complete(ctx, model, history, completeHooks{})
	if err != nil {
		return "", errors.Wrapf(err, "could not generate title for conversation %d", id)
	}
	title := CleanTitle(content)
	if title == "" {
		return "", ErrEmptyTitle
	}

	if err := o.store.SetTitle(ctx, id, title); err != nil {
		return "", errors.Wrapf(err, "could not store title for conversation %d", id)
	}
	if err := sess.SetTitle(ctx, title); err != nil {
		return "", err
	}
	log.Debug().Int64("chat_id", int64(id)).Str("title", title).Msg("title generated")
	return title, nil
}

// CleanTitle reduces a model reply to a single line title.
func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, " \t\"'`")
	s = strings.TrimRight(s, ".")
	s = strings.TrimPrefix(s, "Title: ")
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxTitleLength {
		s = strings.TrimSpace(string(r[:maxTitleLength]))
	}
	return s
}
