// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"fmt"
)

// Kind defines the category of error, per the client core's error
// taxonomy (spec §7). It is a taxonomy of recovery strategy, not of Go
// type: callers switch on Kind to decide whether to retry silently,
// evict a peer, or surface Disconnected to the host.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	// KindAuthentication is permanent; surfaced to the host via Disconnected.
	KindAuthentication
	// KindTransientSignaling covers Portal disconnects; retried silently with backoff.
	KindTransientSignaling
	// KindPathFailure means ICE/TURN could not establish a viable pair for one peer.
	KindPathFailure
	// KindCryptoFailure is a noise handshake or decrypt failure; evicts the peer.
	KindCryptoFailure
	// KindProtocolViolation is a malformed Portal or DNS message; logged and discarded.
	KindProtocolViolation
	// KindResourceExhaustion covers sentinel IP pool exhaustion and buffer pool pressure.
	KindResourceExhaustion
	// KindFatalIO is a TUN read/write error; surfaced via Disconnected.
	KindFatalIO
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindAuthentication:
		return "authentication"
	case KindTransientSignaling:
		return "transient_signaling"
	case KindPathFailure:
		return "path_failure"
	case KindCryptoFailure:
		return "crypto_failure"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindResourceExhaustion:
		return "resource_exhaustion"
	case KindFatalIO:
		return "fatal_io"
	default:
		return "unknown"
	}
}

// Retryable reports whether the eventloop should retry the operation
// that produced an error of this kind rather than surfacing it to the
// host. Only transient signaling and path failures are retried;
// everything else is either fatal or handled by peer eviction.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientSignaling, KindPathFailure:
		return true
	default:
		return false
	}
}

// Fatal reports whether an error of this kind must bubble up to the
// host through a Disconnected event.
func (k Kind) Fatal() bool {
	switch k {
	case KindAuthentication, KindFatalIO:
		return true
	default:
		return false
	}
}

// Error represents a structured error in the client core.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{
		Kind:    kind,
		Message: msg,
	}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    msg,
		Underlying: err,
	}
}

// Wrapf wraps an existing error as a new Error of the specified kind with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Underlying: err,
	}
}

// Attr attaches an attribute to an error. If the error is not an *Error, it wraps it as KindInternal.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		e = &Error{
			Kind:       KindInternal,
			Message:    err.Error(),
			Underlying: err,
		}
	}

	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// GetKind returns the Kind of the error, or KindUnknown if err wasn't constructed via this package.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes returns all attributes associated with the error and its chain.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	var e *Error

	// We use errors.As in a loop to collect all attributes in the chain
	// although typically we only have one flywall error in the chain.
	tempErr := err
	for tempErr != nil {
		if errors.As(tempErr, &e) {
			for k, v := range e.Attributes {
				if _, ok := attrs[k]; !ok {
					attrs[k] = v
				}
			}
			tempErr = e.Underlying
		} else {
			break
		}
	}

	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target, and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if err's type contains an Unwrap method returning error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}
