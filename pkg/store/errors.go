package store

import (
	"errors"
	"fmt"

	"github.com/go-go-golems/luna/pkg/conversation"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrPersistence = errors.New("persistence error")
	ErrClosed      = errors.New("chat store closed")
)

// NotFoundError reports an unknown conversation id.
type NotFoundError struct {
	ID conversation.ChatID
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return ErrNotFound.Error()
	}
	return fmt.Sprintf("conversation %d %s", e.ID, ErrNotFound)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// PersistenceError reports that the underlying database failed or holds data
// that does not satisfy the schema invariants. The operation that returned
// it wrote nothing.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e == nil {
		return ErrPersistence.Error()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrPersistence, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
}

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func (e *PersistenceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func persistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
