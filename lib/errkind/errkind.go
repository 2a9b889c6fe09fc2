// Package errkind classifies failures of the acquisition pipeline into the
// coarse kinds surfaced on download tasks.
package errkind

import (
	"context"
	"errors"
	"net"
	"net/url"
)

type Kind int

const (
	Unknown Kind = iota
	Network
	Rule
	Parse
	IO
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "network"
	case Rule:
		return "rule"
	case Parse:
		return "parse"
	case IO:
		return "io"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Classify finds the kind of err, looking through wrapped errors. Explicitly
// tagged errors win, then cancellation, then transport failures.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Network
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Network
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return Network
	}
	return Unknown
}
