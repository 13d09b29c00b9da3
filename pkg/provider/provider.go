// Package provider defines the completion backend the orchestrator talks to,
// and the errors it reports.
package provider

import (
	"context"

	"github.com/go-go-golems/luna/pkg/conversation"
	"github.com/go-go-golems/luna/pkg/models"
)

// Stream is a finite, non-restartable sequence of content fragments.
//
// Recv returns io.EOF once the sequence is exhausted. Close stops the stream
// early; it is safe to call more than once and after io.EOF.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Provider starts streaming completions.
type Provider interface {
	StreamCompletion(ctx context.Context, model models.Record, history []conversation.Message) (Stream, error)
}
