package ciproto

import "errors"

// Package-level sentinel errors for CI envelope and PE message codec
// operations.
var (
	// ErrTooShort is returned when a buffer is shorter than the minimum
	// valid CI message.
	ErrTooShort = errors.New("ciproto: message too short")

	// ErrNotSysEx is returned when the buffer does not begin/end with the
	// universal SysEx framing bytes.
	ErrNotSysEx = errors.New("ciproto: not a well-formed SysEx envelope")

	// ErrNotUniversalNonRT is returned when the device-independent message
	// ID byte is not 0x7E.
	ErrNotUniversalNonRT = errors.New("ciproto: not a Universal Non-Realtime message")

	// ErrNotCI is returned when the universal sub-ID byte is not the
	// MIDI-CI sub-ID (0x0D).
	ErrNotCI = errors.New("ciproto: not a MIDI-CI message")

	// ErrNon7BitSafe is returned when a payload byte has bit 7 set.
	ErrNon7BitSafe = errors.New("ciproto: byte is not 7-bit safe")

	// ErrInvariantViolation is returned when a PE inquiry carries chunk
	// counters, or a PE reply is missing them — the critical invariant of
	// spec §3.
	ErrInvariantViolation = errors.New("ciproto: PE message violates inquiry/reply layout invariant")

	// ErrUnknownSubID names a sub-ID outside every known band. Parse does
	// not return it: Parse accepts any sub-ID and leaves classification to
	// SubID.Band.
	ErrUnknownSubID = errors.New("ciproto: unknown sub-ID")
)

// ParseError wraps a codec error with the byte offset at which it was
// detected, per spec §4.1 ("Parse: raw bytes -> classified message or
// failure with byte offset").
type ParseError struct {
	Offset int
	Err    error
}

func (e *ParseError) Error() string {
	return e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErr(offset int, err error) error {
	return &ParseError{Offset: offset, Err: err}
}
