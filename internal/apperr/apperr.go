// Package apperr defines the structured error kinds shared by the
// orchestrator and the HTTP API. Every error that can cross the HTTP
// boundary is, or wraps, an *Error so that handlers can translate it into
// the {kind, message, terminal_id?} envelope without string sniffing.
package apperr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error kinds in spec section 7.
type Kind string

const (
	KindInvalidRequest   Kind = "invalid-request"
	KindNotFound         Kind = "not-found"
	KindInvalidTransition Kind = "invalid-transition"
	KindLaunchFailure    Kind = "launch-failure"
	KindTimeout          Kind = "timeout"
	KindDeadRecipient    Kind = "dead-recipient"
	KindMuxUnavailable   Kind = "mux-unavailable"
	KindScriptFailure    Kind = "script-failure"
	KindInternal         Kind = "internal"
)

// Error is a kind-tagged, optionally terminal-scoped error.
type Error struct {
	Kind       Kind
	Message    string
	TerminalID string
	Err        error
}

func (e *Error) Error() string {
	if e.TerminalID != "" {
		return fmt.Sprintf("%s: %s (terminal %s)", e.Kind, e.Message, e.TerminalID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error, preserving it for errors.Is/As.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// WithTerminal returns a copy of e scoped to the given terminal id.
func (e *Error) WithTerminal(id string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.TerminalID = id
	return &cp
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err
// does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
