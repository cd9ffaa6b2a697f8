package failure

import (
	"errors"
	"fmt"
)

// Kind classifies where a failure came from and how the engine reacts to it.
type Kind string

const (
	// Storage means the local store could not complete the operation. Fatal to
	// the operation and returned to the caller, never retried automatically.
	Storage Kind = "storage"
	// Network is a transient remote failure that drives retry/backoff.
	Network Kind = "network"
	// RemoteRejection is a permission or validation failure reported by the
	// remote store. Retried like Network.
	RemoteRejection Kind = "remote_rejection"
	// Subscriber is a panic or error raised by an event listener.
	Subscriber Kind = "subscriber"
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err. A nil err stays nil so callers can wrap unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// StorageFailure wraps a local store error.
func StorageFailure(op string, err error) error {
	return Wrap(Storage, op, err)
}

// NetworkFailure wraps a transient remote error.
func NetworkFailure(op string, err error) error {
	return Wrap(Network, op, err)
}

// Rejection wraps a remote permission or validation error.
func Rejection(op string, err error) error {
	return Wrap(RemoteRejection, op, err)
}

// KindOf returns the kind of the outermost classified error in the chain, or
// "" when err was never classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the sync orchestrator should count err as a failed
// attempt and try again. Unclassified errors are treated as network failures
// since the remote cannot tell transient from permanent problems.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case Storage, Subscriber:
		return false
	default:
		return true
	}
}
