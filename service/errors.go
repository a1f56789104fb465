package service

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned by the Timeout layer when the inner service does
	// not complete in time.
	ErrTimeout = errors.New("service: timeout")

	// ErrLimitReached is returned by the Limit layer when its policy rejects a
	// request.
	ErrLimitReached = errors.New("service: limit reached")
)

// PanicError is returned by the CatchPanic layer when the inner service
// panics and no recovery callback was configured.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("service: panic: %v", e.Value)
}
