package provider

import (
	"context"

	"github.com/go-go-golems/luna/pkg/conversation"
	"github.com/go-go-golems/luna/pkg/models"
	"github.com/pkg/errors"
)

// Router dispatches to a provider by the model record's Provider field.
type Router struct {
	providers map[string]Provider
	fallback  Provider
}

type RouterOption func(*Router)

func WithProvider(name string, p Provider) RouterOption {
	return func(r *Router) {
		r.providers[name] = p
	}
}

// WithFallback handles models whose provider has no registered entry.
func WithFallback(p Provider) RouterOption {
	return func(r *Router) {
		r.fallback = p
	}
}

func NewRouter(options ...RouterOption) *Router {
	r := &Router{providers: map[string]Provider{}}
	for _, o := range options {
		o(r)
	}
	return r
}

func (r *Router) StreamCompletion(ctx context.Context, model models.Record, history []conversation.Message) (Stream, error) {
	p, ok := r.providers[model.Provider]
	if !ok {
		p = r.fallback
	}
	if p == nil {
		return nil, NewPermanentError(errors.Errorf("no provider %q for model %s", model.Provider, model.ID))
	}
	return p.StreamCompletion(ctx, model, history)
}

var _ Provider = (*Router)(nil)
