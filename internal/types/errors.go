package types

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an operation failure into the stable outward taxonomy.
// Callers branch on kinds, never on raw storage errors.
type Kind string

const (
	KindInvalidInput   Kind = "invalid_input"
	KindUnknownField   Kind = "unknown_field"
	KindInactiveField  Kind = "inactive_field"
	KindInvalidContext Kind = "invalid_context"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindStorage        Kind = "storage"
	KindCancelled      Kind = "cancelled"
)

// Error is the typed error returned across the facade boundary.
// It never carries raw storage details in its message.
type Error struct {
	Kind    Kind
	Message string
	err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.err }

// E constructs a typed error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapE wraps a cause with a kind and message. The cause is reachable via
// Unwrap but is not included in the outward message.
func WrapE(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), err: err}
}

// KindOf extracts the kind from an error chain. Context cancellation maps
// to KindCancelled; anything unclassified is KindStorage.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindStorage
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
