package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/go-go-golems/luna/pkg/conversation"
	"github.com/go-go-golems/luna/pkg/session"
	"github.com/go-go-golems/luna/pkg/tokens"
)

var ErrTurnHandleNil = errors.New("turn handle is nil")

// TurnResult describes a completed turn.
type TurnResult struct {
	ChatID conversation.ChatID
	// Message is the assistant reply as it was committed.
	Message  conversation.Message
	Attempts int
	// Estimate is the prompt size check done before the first request.
	Estimate tokens.Estimate
}

// TurnHandle represents a single in-flight turn. It is cancelable and
// waitable.
type TurnHandle struct {
	TurnID string
	// Identity is the conversation identity at submission.
	Identity conversation.Identity

	session *session.Session
	done    chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	state  TurnState
	result *TurnResult
	err    error
}

func newTurnHandle(turnID string, identity conversation.Identity, s *session.Session, cancel context.CancelFunc) *TurnHandle {
	return &TurnHandle{
		TurnID:   turnID,
		Identity: identity,
		session:  s,
		done:     make(chan struct{}),
		cancel:   cancel,
		state:    StateIdle,
	}
}

func (h *TurnHandle) setState(s TurnState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *TurnHandle) setResult(res *TurnResult, err error) {
	h.mu.Lock()
	h.result = res
	h.err = err
	h.cancel = nil
	h.mu.Unlock()
	close(h.done)
}

// Cancel asks the turn to stop. It is safe to call multiple times and after
// the turn finished.
func (h *TurnHandle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the turn reached a terminal state. A cancelled turn
// returns ErrTurnCancelled.
func (h *TurnHandle) Wait() (*TurnResult, error) {
	if h == nil {
		return nil, ErrTurnHandleNil
	}
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Done is closed when the turn finished.
func (h *TurnHandle) Done() <-chan struct{} {
	return h.done
}

func (h *TurnHandle) IsRunning() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// State is the current state, or the terminal state once the turn finished.
func (h *TurnHandle) State() TurnState {
	if h == nil {
		return StateIdle
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Session is the conversation the turn runs on. For a draft submission it
// becomes persisted when the turn completes.
func (h *TurnHandle) Session() *session.Session {
	if h == nil {
		return nil
	}
	return h.session
}
