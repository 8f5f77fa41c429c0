package sdk

import (
	"errors"
	"fmt"

	"github.com/zot/basekit/internal/watch"
)

var (
	// ErrUnknownWatchKey is returned by Watch for keys a model does not have.
	ErrUnknownWatchKey = watch.ErrUnknownKey
	// ErrNotWatching is returned by Unwatch for a subscription the model
	// does not hold.
	ErrNotWatching = watch.ErrNotWatching
	// ErrDataNotLoaded is returned by operations that need loaded data.
	ErrDataNotLoaded = errors.New("data is not loaded")
	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("session is closed")
	// ErrNotFound is returned by lookups that require a match.
	ErrNotFound = errors.New("not found")
)

// InvariantError is the panic value for misuse that a program cannot
// recover from meaningfully: reading a deleted model or reading data that
// was never loaded.
type InvariantError struct {
	Model string
	ID    string
	Msg   string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Model, e.ID, e.Msg)
}

// PermissionError reports a mutation the session is not allowed to make.
type PermissionError struct {
	Kind   string
	Reason string
}

func (e *PermissionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("permission denied for %s", e.Kind)
	}
	return fmt.Sprintf("permission denied for %s: %s", e.Kind, e.Reason)
}

func invariant(model, id, format string, args ...any) {
	panic(&InvariantError{Model: model, ID: id, Msg: fmt.Sprintf(format, args...)})
}
