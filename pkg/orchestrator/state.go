package orchestrator

import (
	"math"
	"time"
)

// TurnState is the position of a turn in its life cycle:
//
//	Idle -> Requesting -> Streaming -> Completed | Cancelled | Failed -> Idle
//
// A retried attempt goes back to Requesting.
type TurnState string

const (
	StateIdle       TurnState = "idle"
	StateRequesting TurnState = "requesting"
	StateStreaming  TurnState = "streaming"
	StateCompleted  TurnState = "completed"
	StateCancelled  TurnState = "cancelled"
	StateFailed     TurnState = "failed"
)

func (s TurnState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// RetryPolicy bounds the retries of transient provider errors.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt; 1 disables retries.
	MaxAttempts   int           `json:"max_attempts"`
	BackoffBase   time.Duration `json:"backoff_base"`
	BackoffFactor float64       `json:"backoff_factor"`
	// BackoffMax caps a single wait. Zero means no cap.
	BackoffMax time.Duration `json:"backoff_max"`
	// Timeout bounds one attempt, from the request to the end of the stream.
	// An attempt that runs out of time is retried. Zero means no limit.
	Timeout time.Duration `json:"timeout"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		BackoffBase:   500 * time.Millisecond,
		BackoffFactor: 2.0,
		BackoffMax:    8 * time.Second,
		Timeout:       60 * time.Second,
	}
}

// Backoff is the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := time.Duration(float64(p.BackoffBase) * math.Pow(factor, float64(attempt-1)))
	if p.BackoffMax > 0 && (d > p.BackoffMax || d < 0) {
		return p.BackoffMax
	}
	return d
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
