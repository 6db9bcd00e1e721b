package surfcache

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParams   = errors.New("surfcache: invalid params")
	ErrUnknownFunction = errors.New("surfcache: unknown evaluation function")
	ErrClosed          = errors.New("surfcache: cache closed")
	ErrCancelled       = errors.New("surfcache: task cancelled")
	ErrHandleReleased  = errors.New("surfcache: handle released")
	// ErrCorrupt marks a stored object whose bytes no longer match its content hash.
	ErrCorrupt = errors.New("surfcache: corrupt object")
)

// EvalError is returned (via Status.Err) when the evaluation callback fails.
type EvalError struct {
	Function string
	X, Y     float64
	Err      error
}

func (e *EvalError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("evaluate %q at (%g, %g): unknown error", e.Function, e.X, e.Y)
	}
	return fmt.Sprintf("evaluate %q at (%g, %g): %v", e.Function, e.X, e.Y, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }
