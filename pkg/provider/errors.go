package provider

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
)

var ErrProvider = errors.New("provider error")

// Error is a failure reported by the completion backend. Transient errors
// (timeouts, rate limiting, server errors) may succeed on retry; the others
// (authentication, malformed requests) will not.
type Error struct {
	Transient  bool
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%s, status %d): %v", ErrProvider, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", ErrProvider, kind, e.Err)
}

func (e *Error) Is(target error) bool { return target == ErrProvider }

func (e *Error) Unwrap() error {
	return e.Err
}

func NewTransientError(err error) *Error {
	return &Error{Transient: true, Err: err}
}

func NewPermanentError(err error) *Error {
	return &Error{Transient: false, Err: err}
}

// IsTransient reports whether err is a provider error worth retrying.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// IsTransientStatus maps an HTTP status code to retryability.
func IsTransientStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// Classify turns a raw backend error into an *Error. Context cancellation is
// returned unchanged since it is not a provider failure. Errors already
// classified pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}

	var apiErr *go_openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Transient: IsTransientStatus(apiErr.HTTPStatusCode), StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *go_openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Transient: IsTransientStatus(reqErr.HTTPStatusCode), StatusCode: reqErr.HTTPStatusCode, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return NewTransientError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewTransientError(err)
	}
	return NewPermanentError(err)
}
