// Package muid implements the MIDI-CI MUID (session-scoped, 28-bit device
// identifier) and the fixed 11-byte device identity structure.
//
// Spec References:
//   - Data Model: MUID
//   - Data Model: Device identity
package muid

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// MUID is a 28-bit MIDI-CI session identifier, serialised on the wire as
// four 7-bit bytes, least-significant first.
type MUID uint32

const (
	// Invalid is the reserved, always-illegal MUID value.
	Invalid MUID = 0x0000_0000

	// Broadcast is the reserved destination MUID meaning "all devices".
	Broadcast MUID = 0x0FFF_FFFF

	// Max is the highest legal (non-broadcast) MUID value.
	Max MUID = 0x0FFF_FFFE

	// EncodedSize is the wire size of an encoded MUID, in 7-bit bytes.
	EncodedSize = 4
)

var (
	// ErrInvalid is returned when a MUID is the reserved invalid value.
	ErrInvalid = errors.New("muid: 0x00000000 is not a valid MUID")

	// ErrTruncated is returned when fewer than EncodedSize bytes are available.
	ErrTruncated = errors.New("muid: truncated MUID bytes")

	// ErrNot7BitSafe is returned when an encoded MUID byte has its high bit set.
	ErrNot7BitSafe = errors.New("muid: byte is not 7-bit safe")
)

// IsBroadcast reports whether m is the reserved broadcast address.
func (m MUID) IsBroadcast() bool {
	return m == Broadcast
}

// Validate returns an error if m is the reserved invalid value.
func (m MUID) Validate() error {
	if m == Invalid {
		return ErrInvalid
	}
	return nil
}

// String renders the MUID as MUID(0xXXXXXXXX).
func (m MUID) String() string {
	return fmt.Sprintf("MUID(0x%08X)", uint32(m))
}

// Encode serialises m as four 7-bit-safe bytes, LSB-first.
func (m MUID) Encode() [EncodedSize]byte {
	var out [EncodedSize]byte
	v := uint32(m)
	out[0] = byte(v & 0x7F)
	out[1] = byte((v >> 7) & 0x7F)
	out[2] = byte((v >> 14) & 0x7F)
	out[3] = byte((v >> 21) & 0x7F)
	return out
}

// Decode parses a MUID from its four-byte, LSB-first wire encoding.
// It does not reject the invalid or broadcast values — callers that care
// about those must call Validate or IsBroadcast themselves.
func Decode(data []byte) (MUID, error) {
	if len(data) < EncodedSize {
		return 0, ErrTruncated
	}
	for i := 0; i < EncodedSize; i++ {
		if data[i]&0x80 != 0 {
			return 0, ErrNot7BitSafe
		}
	}
	v := uint32(data[0]) | uint32(data[1])<<7 | uint32(data[2])<<14 | uint32(data[3])<<21
	return MUID(v & 0x0FFF_FFFF), nil
}

// New generates a random MUID uniformly distributed over 1..Max, skipping
// the reserved Invalid and Broadcast values.
func New() (MUID, error) {
	for {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("muid: generating random value: %w", err)
		}
		v := binary.LittleEndian.Uint32(buf[:]) & 0x0FFF_FFFF
		candidate := MUID(v)
		if candidate == Invalid || candidate == Broadcast {
			continue
		}
		return candidate, nil
	}
}

// ManufacturerID is a MIDI System Exclusive manufacturer identifier: either
// a single standard byte, or a 3-byte extended ID introduced by a leading
// 0x00.
type ManufacturerID struct {
	// Extended is true when this is a 3-byte manufacturer ID.
	Extended bool

	// Bytes holds 1 byte for a standard ID, or 3 bytes (with the leading
	// 0x00 included) for an extended ID.
	Bytes [3]byte
}

// Identity is the fixed 11-byte device identity structure carried in
// Discovery Reply and Discovery Inquiry messages.
type Identity struct {
	Manufacturer ManufacturerID
	Family       uint16
	Model        uint16
	Version      uint32
}

// IdentitySize is the wire size of an encoded Identity, in 7-bit bytes.
const IdentitySize = 11

// Encode serialises the identity to its 11-byte wire form: 3 bytes
// manufacturer (standard IDs are padded with 0x7F,0x7F per the CI spec
// convention for the unused extended bytes), 2 bytes family, 2 bytes
// model, 4 bytes version — all little-endian across 7-bit bytes.
func (id Identity) Encode() [IdentitySize]byte {
	var out [IdentitySize]byte
	if id.Manufacturer.Extended {
		out[0] = 0x00
		out[1] = id.Manufacturer.Bytes[1] & 0x7F
		out[2] = id.Manufacturer.Bytes[2] & 0x7F
	} else {
		out[0] = id.Manufacturer.Bytes[0] & 0x7F
		out[1] = 0x7F
		out[2] = 0x7F
	}

	out[3] = byte(id.Family & 0x7F)
	out[4] = byte((id.Family >> 7) & 0x7F)
	out[5] = byte(id.Model & 0x7F)
	out[6] = byte((id.Model >> 7) & 0x7F)

	out[7] = byte(id.Version & 0x7F)
	out[8] = byte((id.Version >> 7) & 0x7F)
	out[9] = byte((id.Version >> 14) & 0x7F)
	out[10] = byte((id.Version >> 21) & 0x7F)
	return out
}

// DecodeIdentity parses an 11-byte device identity.
func DecodeIdentity(data []byte) (Identity, int, error) {
	if len(data) < IdentitySize {
		return Identity{}, 0, ErrTruncated
	}
	var id Identity
	if data[0] == 0x00 {
		id.Manufacturer = ManufacturerID{
			Extended: true,
			Bytes:    [3]byte{0x00, data[1] & 0x7F, data[2] & 0x7F},
		}
	} else {
		id.Manufacturer = ManufacturerID{
			Extended: false,
			Bytes:    [3]byte{data[0] & 0x7F, 0, 0},
		}
	}

	id.Family = uint16(data[3]) | uint16(data[4])<<7
	id.Model = uint16(data[5]) | uint16(data[6])<<7
	id.Version = uint32(data[7]) | uint32(data[8])<<7 | uint32(data[9])<<14 | uint32(data[10])<<21

	return id, IdentitySize, nil
}
