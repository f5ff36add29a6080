package ai

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// KindUnavailable: connection refused, DNS failure, timeout.
	KindUnavailable ErrorKind = iota
	// KindRemote: the provider answered with non-2xx or an error payload.
	KindRemote
	// KindUnsupportedInput: rejected locally before any network call.
	KindUnsupportedInput
)

type Error struct {
	Kind     ErrorKind
	Provider string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, provider, msg string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Msg: msg, Err: err}
}

func kindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func IsUnavailable(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindUnavailable
}

func IsUnsupportedInput(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindUnsupportedInput
}

// Retryable reports whether a queued task that hit err should be re-attempted.
// Unsupported input never recovers on retry; everything else may.
func Retryable(err error) bool {
	return !IsUnsupportedInput(err)
}
