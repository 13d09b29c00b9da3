// Package orchestrator runs conversation turns: it streams a reply from the
// provider, retries transient failures and commits the finished exchange to
// the store before mirroring it into the in-memory session.
//
// Nothing is written for a turn until it completes, so a cancelled or
// failed turn leaves the conversation in its last committed state.
package orchestrator

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/luna/pkg/conversation"
	"github.com/go-go-golems/luna/pkg/events"
	"github.com/go-go-golems/luna/pkg/metrics"
	"github.com/go-go-golems/luna/pkg/models"
	"github.com/go-go-golems/luna/pkg/provider"
	"github.com/go-go-golems/luna/pkg/runtimeconfig"
	"github.com/go-go-golems/luna/pkg/session"
	"github.com/go-go-golems/luna/pkg/tokens"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrTurnInProgress = session.ErrTurnInProgress
	ErrTurnCancelled  = errors.New("turn cancelled")
	ErrEmptyMessage   = errors.New("user message is empty")
	ErrClosed         = errors.New("orchestrator is closed")
)

// Store is the subset of the chat store the orchestrator writes through.
type Store interface {
	Create(ctx context.Context, chat *conversation.Chat) (conversation.ChatID, error)
	AppendMany(ctx context.Context, id conversation.ChatID, msgs ...conversation.Message) error
	Get(ctx context.Context, id conversation.ChatID) (*conversation.Chat, error)
	SetTitle(ctx context.Context, id conversation.ChatID, title string) error
}

// ConfigSource hands out the current runtime configuration.
type ConfigSource interface {
	Current() runtimeconfig.Config
}

type Orchestrator struct {
	store    Store
	catalog  *models.Catalog
	config   ConfigSource
	provider provider.Provider

	sinks     []events.EventSink
	metrics   *metrics.Metrics
	estimator *tokens.Estimator
	tracer    trace.Tracer
	retry     RetryPolicy
	clock     func() time.Time

	mu       sync.Mutex
	sessions map[conversation.ChatID]*session.Session
	active   map[conversation.ChatID]*TurnHandle
	running  map[string]*TurnHandle
	closed   bool
	wg       sync.WaitGroup
}

type Option func(*Orchestrator)

func WithEventSinks(sinks ...events.EventSink) Option {
	return func(o *Orchestrator) {
		o.sinks = append(o.sinks, sinks...)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithEstimator(e *tokens.Estimator) Option {
	return func(o *Orchestrator) {
		o.estimator = e
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) {
		o.retry = p
	}
}

// WithClock sets the source of message timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		o.clock = clock
	}
}

func New(store Store, catalog *models.Catalog, config ConfigSource, p provider.Provider, options ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		catalog:   catalog,
		config:    config,
		provider:  p,
		estimator: tokens.NewEstimator(),
		tracer:    otel.Tracer("luna.orchestrator"),
		retry:     DefaultRetryPolicy(),
		clock:     time.Now,
		sessions:  map[conversation.ChatID]*session.Session{},
		active:    map[conversation.ChatID]*TurnHandle{},
		running:   map[string]*TurnHandle{},
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

func (o *Orchestrator) now() time.Time {
	return o.clock().UTC()
}

// Session returns the session of a persisted conversation, loading it from
// the store on first use.
func (o *Orchestrator) Session(ctx context.Context, id conversation.ChatID) (*session.Session, error) {
	o.mu.Lock()
	s, ok := o.sessions[id]
	o.mu.Unlock()
	if ok {
		return s, nil
	}

	loaded, err := session.Load(ctx, o.store, id, o.catalog, session.WithEventSinks(o.sinks...))
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sessions[id]; ok {
		return s, nil
	}
	o.sessions[id] = loaded
	return loaded, nil
}

func (o *Orchestrator) register(id conversation.ChatID, s *session.Session) {
	o.mu.Lock()
	o.sessions[id] = s
	o.mu.Unlock()
}

// State is the state of the turn running on conversation id, or StateIdle.
func (o *Orchestrator) State(id conversation.ChatID) TurnState {
	o.mu.Lock()
	h, ok := o.active[id]
	o.mu.Unlock()
	if !ok {
		return StateIdle
	}
	s := h.State()
	if s.IsTerminal() {
		return StateIdle
	}
	return s
}

// resolveModel looks the configured model up in the catalog.
func (o *Orchestrator) resolveModel(cfg runtimeconfig.Config) (models.Record, error) {
	selected := cfg.SelectedModel()
	if selected.IsUnknown() {
		return models.Record{}, errors.Wrap(models.ErrModelNotFound, "no model selected")
	}
	model, err := o.catalog.ResolveStrict(selected.ID)
	if err != nil {
		return models.Record{}, err
	}
	return model, nil
}

// Submit starts a turn on the conversation identified by identity. A Draft
// identity starts a new conversation that is created in the store when the
// turn completes.
//
// The model and the system prompt are taken from the configuration current
// at submission; later changes do not affect the turn. Submitting on a
// conversation whose previous turn is still running fails with
// ErrTurnInProgress.
func (o *Orchestrator) Submit(ctx context.Context, identity conversation.Identity, userText string) (*TurnHandle, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, ErrEmptyMessage
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if identity == nil {
		identity = conversation.Draft{}
	}

	cfg := o.config.Current()
	model, err := o.resolveModel(cfg)
	if err != nil {
		return nil, err
	}

	now := o.now()
	var (
		sess     *session.Session
		pending  []conversation.Message
		isDraft  bool
		chatID   conversation.ChatID
		sessOpts = []session.Option{session.WithEventSinks(o.sinks...)}
	)

	switch id := identity.(type) {
	case conversation.Draft:
		isDraft = true
		sess = session.NewDraft(model, cfg.SystemPrompt(), userText, now, o.catalog, sessOpts...)
	case conversation.Persisted:
		chatID = id.ID
		sess, err = o.Session(ctx, id.ID)
		if err != nil {
			return nil, err
		}
		pending = []conversation.Message{
			conversation.NewUserMessage(userText, conversation.WithTimestamp(now), conversation.WithModelID(model.ID)),
		}
	default:
		return nil, errors.Errorf("unsupported conversation identity %T", identity)
	}

	if err := sess.BeginTurn(); err != nil {
		return nil, err
	}

	history := append(sess.Messages(), pending...)
	runCtx, cancel := context.WithCancel(ctx)
	h := newTurnHandle(uuid.NewString(), identity, sess, cancel)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		sess.EndTurn()
		cancel()
		return nil, ErrClosed
	}
	if !isDraft {
		o.active[chatID] = h
	}
	o.running[h.TurnID] = h
	o.wg.Add(1)
	o.mu.Unlock()

	release := func() {
		o.mu.Lock()
		if !isDraft && o.active[chatID] == h {
			delete(o.active, chatID)
		}
		delete(o.running, h.TurnID)
		o.mu.Unlock()
		sess.EndTurn()
		cancel()
	}

	go func() {
		defer o.wg.Done()
		o.run(runCtx, release, h, turn{
			session: sess,
			model:   model,
			history: history,
			pending: pending,
			isDraft: isDraft,
			chatID:  chatID,
		})
	}()

	return h, nil
}

// Cancel cancels the turn. Nothing of a cancelled turn is persisted.
func (o *Orchestrator) Cancel(h *TurnHandle) error {
	if h == nil {
		return ErrTurnHandleNil
	}
	h.Cancel()
	return nil
}

// Close cancels all running turns and waits for them to finish. Later
// submissions fail with ErrClosed.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	handles := make([]*TurnHandle, 0, len(o.running))
	for _, h := range o.running {
		handles = append(handles, h)
	}
	o.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
	o.wg.Wait()
}

type turn struct {
	session *session.Session
	model   models.Record
	history []conversation.Message
	// pending are the messages of this turn not yet in the session.
	pending []conversation.Message
	isDraft bool
	chatID  conversation.ChatID
}

func (o *Orchestrator) setState(ctx context.Context, h *TurnHandle, t turn, s TurnState, err error) {
	h.setState(s)
	id := t.chatID
	if t.isDraft {
		id, _ = t.session.ID()
	}
	log.Debug().
		Str("turn_id", h.TurnID).
		Int64("chat_id", int64(id)).
		Str("state", string(s)).
		Msg("turn state")
	events.Publish(ctx, o.sinks, events.NewTurnStateEvent(id, h.TurnID, string(s), err))
}

// run drives the turn and releases the conversation before Wait returns, so
// a caller may submit again right after Wait.
func (o *Orchestrator) run(ctx context.Context, release func(), h *TurnHandle, t turn) {
	start := time.Now()
	// state events and the commit must go out even after cancellation
	bgCtx := context.WithoutCancel(ctx)

	ctx, span := o.tracer.Start(ctx, "orchestrator.turn", trace.WithAttributes(
		attribute.String("turn_id", h.TurnID),
		attribute.String("model", t.model.ID),
		attribute.Bool("draft", t.isDraft),
		attribute.Int64("chat_id", int64(t.chatID)),
	))
	defer span.End()

	res, err := o.runTurn(ctx, bgCtx, h, t)

	var final TurnState
	switch {
	case err == nil:
		final = StateCompleted
	case errors.Is(err, ErrTurnCancelled):
		final = StateCancelled
	default:
		final = StateFailed
		span.RecordError(err)
		log.Warn().Err(err).Str("turn_id", h.TurnID).Msg("turn failed")
	}
	o.metrics.ObserveTurn(string(final), time.Since(start))
	o.setState(bgCtx, h, t, final, err)
	release()
	events.Publish(bgCtx, o.sinks, events.NewTurnStateEvent(res.chatIDOr(t.chatID), h.TurnID, string(StateIdle), nil))
	h.setResult(res, err)
}

func (r *TurnResult) chatIDOr(id conversation.ChatID) conversation.ChatID {
	if r == nil {
		return id
	}
	return r.ChatID
}

func (o *Orchestrator) runTurn(ctx context.Context, bgCtx context.Context, h *TurnHandle, t turn) (*TurnResult, error) {
	estimate, err := o.estimator.Check(t.model, t.history)
	if err != nil {
		log.Warn().Err(err).Str("turn_id", h.TurnID).Msg("could not estimate prompt size")
	} else if estimate.Overflow {
		log.Warn().
			Str("turn_id", h.TurnID).
			Str("model", t.model.ID).
			Int("tokens", estimate.Tokens).
			Int("context_window", estimate.ContextWindow).
			Msg("prompt exceeds the model's context window")
	}

	content, attempts, err := o.complete(ctx, t.model, t.history, completeHooks{
		onState: func(s TurnState) { o.setState(bgCtx, h, t, s, nil) },
		onFragment: func(attempt int, delta string, completion string) {
			id := t.chatID
			events.Publish(bgCtx, o.sinks, events.NewPartialEvent(id, h.TurnID, attempt, delta, completion))
		},
	})
	if err != nil {
		return nil, err
	}
	// last chance to honor a cancel that raced the end of the stream
	if ctx.Err() != nil {
		return nil, ErrTurnCancelled
	}

	reply := conversation.NewAssistantMessage(content,
		conversation.WithTimestamp(o.now()),
		conversation.WithModelID(t.model.ID),
	)

	id, err := o.commit(bgCtx, t, reply)
	if err != nil {
		return nil, err
	}
	return &TurnResult{
		ChatID:   id,
		Message:  reply,
		Attempts: attempts,
		Estimate: estimate,
	}, nil
}

// commit writes the turn's messages in one store transaction, then mirrors
// them into the session.
func (o *Orchestrator) commit(ctx context.Context, t turn, reply conversation.Message) (conversation.ChatID, error) {
	if t.isDraft {
		chat := t.session.Snapshot()
		chat.Messages = append(chat.Messages, reply)
		id, err := o.store.Create(ctx, chat)
		if err != nil {
			return 0, errors.Wrap(err, "could not create conversation")
		}
		if err := t.session.MarkPersisted(ctx, id, reply); err != nil {
			return 0, err
		}
		o.register(id, t.session)
		log.Info().Int64("chat_id", int64(id)).Msg("conversation created")
		return id, nil
	}

	msgs := append(append([]conversation.Message{}, t.pending...), reply)
	if err := o.store.AppendMany(ctx, t.chatID, msgs...); err != nil {
		return 0, errors.Wrapf(err, "could not append to conversation %d", t.chatID)
	}
	if err := t.session.Append(ctx, msgs...); err != nil {
		return 0, err
	}
	return t.chatID, nil
}

type completeHooks struct {
	onState    func(TurnState)
	onFragment func(attempt int, delta string, completion string)
}

// complete streams one reply, retrying transient provider errors from
// scratch. Fragments of a failed attempt are discarded.
func (o *Orchestrator) complete(ctx context.Context, model models.Record, history []conversation.Message, hooks completeHooks) (string, int, error) {
	maxAttempts := o.retry.maxAttempts()
	for attempt := 1; ; attempt++ {
		if hooks.onState != nil {
			hooks.onState(StateRequesting)
		}
		content, err := o.attempt(ctx, model, history, attempt, hooks)
		if err == nil {
			return content, attempt, nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return "", attempt, ErrTurnCancelled
		}
		if !provider.IsTransient(err) || attempt >= maxAttempts {
			return "", attempt, err
		}

		wait := o.retry.Backoff(attempt)
		log.Info().
			Err(err).
			Str("model", model.ID).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("retrying after transient provider error")
		o.metrics.ObserveRetry(model.ID)
		if err := sleep(ctx, wait); err != nil {
			return "", attempt, ErrTurnCancelled
		}
	}
}

func (o *Orchestrator) attempt(ctx context.Context, model models.Record, history []conversation.Message, attempt int, hooks completeHooks) (string, error) {
	attemptCtx := ctx
	if o.retry.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, o.retry.Timeout)
		defer cancel()
	}
	// an expired attempt deadline is a timeout, not a cancellation
	fail := func(err error) error {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return provider.NewTransientError(errors.Wrapf(context.DeadlineExceeded, "attempt timed out after %s", o.retry.Timeout))
		}
		return provider.Classify(err)
	}

	stream, err := o.provider.StreamCompletion(attemptCtx, model, history)
	if err != nil {
		return "", fail(err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Debug().Err(err).Msg("failed to close stream")
		}
	}()

	if hooks.onState != nil {
		hooks.onState(StateStreaming)
	}

	var sb strings.Builder
	for {
		select {
		case <-attemptCtx.Done():
			return "", fail(attemptCtx.Err())
		default:
		}

		frag, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return "", fail(err)
		}
		if frag == "" {
			continue
		}
		sb.WriteString(frag)
		o.metrics.ObserveFragment()
		if hooks.onFragment != nil {
			hooks.onFragment(attempt, frag, sb.String())
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
