// Package cierrs implements the MIDI-CI/PE error taxonomy described in
// spec §7: a closed set of failure kinds, each with a fixed retryable
// classification and suggested retry delay, plus a thin retry helper.
package cierrs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/backkem/midi2ci/pkg/muid"
)

// Kind enumerates the error taxonomy of spec §7, by condition rather than
// by name.
type Kind int

const (
	KindTimeout Kind = iota
	KindCancelled
	KindNAK
	KindRequestIDExhausted
	KindTransportFailure
	KindMalformedResponse
	KindPayloadValidation
	KindDestinationUnresolved
	KindNotRunning
)

// String renders the kind for logging.
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindCancelled:
		return "Cancelled"
	case KindNAK:
		return "NAK"
	case KindRequestIDExhausted:
		return "RequestIDExhausted"
	case KindTransportFailure:
		return "TransportFailure"
	case KindMalformedResponse:
		return "MalformedResponse"
	case KindPayloadValidation:
		return "PayloadValidation"
	case KindDestinationUnresolved:
		return "DestinationUnresolved"
	case KindNotRunning:
		return "NotRunning"
	default:
		return "Unknown"
	}
}

// defaultRetryable and defaultDelay record the taxonomy table from spec §7.
// NAK's retryability is conditional (only for transient device conditions)
// and is carried per-instance via Error.Retryable rather than this default.
var defaultRetryable = map[Kind]bool{
	KindTimeout:               true,
	KindCancelled:             false,
	KindNAK:                   false,
	KindRequestIDExhausted:    true,
	KindTransportFailure:      true,
	KindMalformedResponse:     false,
	KindPayloadValidation:     false,
	KindDestinationUnresolved: false,
	KindNotRunning:            false,
}

var defaultDelay = map[Kind]time.Duration{
	KindTimeout:            1 * time.Second,
	KindRequestIDExhausted: 500 * time.Millisecond,
	KindTransportFailure:   1 * time.Second,
}

// Error is the concrete error type returned by the core for every failure
// mode in the taxonomy.
type Error struct {
	Kind       Kind
	Retryable  bool
	RetryAfter time.Duration

	// Status carries the PE HTTP-style status for KindNAK.
	Status int

	// MUID, Resource, Elapsed let diagnostics locate the failure without
	// reconstructing context, per spec §7.
	MUID     muid.MUID
	Resource string
	Elapsed  time.Duration

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("ci: %s", e.Kind)
	if e.Resource != "" {
		msg += fmt.Sprintf(" resource=%s", e.Resource)
	}
	if e.MUID != 0 {
		msg += fmt.Sprintf(" muid=%s", e.MUID)
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" status=%d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an Error of the given kind with the default retryable
// classification and suggested delay.
func New(kind Kind, opts ...Option) *Error {
	e := &Error{
		Kind:       kind,
		Retryable:  defaultRetryable[kind],
		RetryAfter: defaultDelay[kind],
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Option customises a constructed Error.
type Option func(*Error)

// WithWrapped attaches an underlying error.
func WithWrapped(err error) Option {
	return func(e *Error) { e.Err = err }
}

// WithMUID attaches the peer MUID.
func WithMUID(m muid.MUID) Option {
	return func(e *Error) { e.MUID = m }
}

// WithResource attaches the resource name.
func WithResource(resource string) Option {
	return func(e *Error) { e.Resource = resource }
}

// WithElapsed attaches elapsed time since the operation began.
func WithElapsed(d time.Duration) Option {
	return func(e *Error) { e.Elapsed = d }
}

// WithRetryAfter overrides the suggested retry delay.
func WithRetryAfter(d time.Duration) Option {
	return func(e *Error) { e.RetryAfter = d }
}

// WithStatus attaches a PE status code and, for transient 5xx-style
// statuses, marks the NAK retryable per spec §7 ("retryable only when the
// device indicates a transient condition").
func WithStatus(status int) Option {
	return func(e *Error) {
		e.Status = status
		if e.Kind == KindNAK {
			e.Retryable = status >= 500 && status < 600
			if e.Retryable {
				e.RetryAfter = 2 * time.Second
			}
		}
	}
}

// IsRetryable reports whether err (or any error it wraps) is a retryable
// *Error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// RetryAfter returns the suggested retry delay for err, or 0 if err is not
// a retryable *Error.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Retryable {
		return e.RetryAfter
	}
	return 0
}

// WithRetry retries fn up to maxAttempts times, honoring each returned
// error's suggested delay, stopping early on a non-retryable error or
// success. It is the thin wrapper spec §7 calls for over the primitive
// get/set/subscribe operations.
func WithRetry(ctx context.Context, maxAttempts int, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}

		delay := RetryAfter(err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
