package conversation

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is).
var (
	ErrNotAuthenticated = errors.New("not_authenticated")
	ErrInvalidInput     = errors.New("invalid_input")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrSubmitFailed     = errors.New("submit_failed")
	ErrFetchFailed      = errors.New("fetch_failed")
	ErrConflict         = errors.New("conflict")
	ErrNotConnected     = errors.New("not_connected")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinel kinds above; Err is the underlying cause, if any.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Result is the uniform outcome of every controller operation. Err is non-nil
// exactly when Success is false; Data may still be set on failure (see
// CreateConversation).
type Result[T any] struct {
	Success bool
	Data    T
	Err     error
}

func ok[T any](v T) Result[T] { return Result[T]{Success: true, Data: v} }

func fail[T any](op string, kind error, msg string, cause error) Result[T] {
	return Result[T]{Err: OpError{Op: op, Kind: kind, Msg: msg, Err: cause}}
}
