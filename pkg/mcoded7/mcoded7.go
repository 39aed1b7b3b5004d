// Package mcoded7 implements the Mcoded7 8-to-7-bit codec used to carry
// arbitrary bytes in SysEx-safe form, and the zlib+Mcoded7 wrapper used for
// large Property Exchange bodies.
//
// Spec References:
//   - Component Design 4.1: Mcoded7 codec
//   - Component Design 4.1: Zlib + Mcoded7
package mcoded7

import (
	"bytes"
	"compress/zlib"
	"errors"
	"io"
)

var (
	// ErrInvalidByte is returned when decoding encounters a byte with bit 7
	// set in a data position (the leading high-bits byte of each block is
	// not checked).
	ErrInvalidByte = errors.New("mcoded7: non-7-bit-safe byte in encoded block")

	// ErrTruncatedBlock is returned when the final block is shorter than
	// the high-bits byte alone would require.
	ErrTruncatedBlock = errors.New("mcoded7: truncated encoded block")

	// ErrOutputTooLarge is returned when decompression would exceed the cap.
	ErrOutputTooLarge = errors.New("mcoded7: decompressed output exceeds cap")
)

// MaxDecompressedSize caps zlib output to defend against decompression
// bombs in untrusted SysEx payloads.
const MaxDecompressedSize = 100 * 1024 * 1024

// EncodedLen returns the exact encoded size for n source bytes, per the
// formula in spec §4.1: ceil(n/7)*8 - (7 - n%7 if n%7 != 0 else 0).
func EncodedLen(n int) int {
	if n == 0 {
		return 0
	}
	fullGroups := n / 7
	rem := n % 7
	if rem == 0 {
		return fullGroups * 8
	}
	return (fullGroups+1)*8 - (7 - rem)
}

// Encode converts arbitrary 8-bit bytes into 7-bit-safe Mcoded7 form.
//
// Each group of up to 7 source bytes produces one leading "high-bits" byte
// followed by the low 7 bits of each source byte. Bit (6-i) of the
// high-bits byte holds the MSB of source byte i within the group.
func Encode(src []byte) []byte {
	out := make([]byte, 0, EncodedLen(len(src)))
	for len(src) > 0 {
		n := len(src)
		if n > 7 {
			n = 7
		}
		group := src[:n]
		src = src[n:]

		var high byte
		for i, b := range group {
			if b&0x80 != 0 {
				high |= 1 << uint(6-i)
			}
		}
		out = append(out, high)
		for _, b := range group {
			out = append(out, b&0x7F)
		}
	}
	return out
}

// Decode reverses Encode. Every non-leading byte in an encoded group must
// satisfy b <= 0x7F; a violation rejects the whole block.
func Decode(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src))
	for len(src) > 0 {
		high := src[0]
		src = src[1:]

		n := len(src)
		if n > 7 {
			n = 7
		}
		if n == 0 {
			// A high-bits byte with no following data bytes is malformed
			// unless it's also zero-length (handled by the outer loop
			// exiting before this point for empty input).
			return nil, ErrTruncatedBlock
		}

		group := src[:n]
		src = src[n:]

		for i, b := range group {
			if b&0x80 != 0 {
				return nil, ErrInvalidByte
			}
			if high&(1<<uint(6-i)) != 0 {
				b |= 0x80
			}
			out = append(out, b)
		}
	}
	return out, nil
}

// MutualEncoding identifies which decoding path a PE body header declares,
// per spec §4.1/§4.3 ("the header field declaring mutualEncoding").
type MutualEncoding int

const (
	// EncodingASCII is plain, uncompressed, non-Mcoded7 JSON text.
	EncodingASCII MutualEncoding = iota
	// EncodingMcoded7 is Mcoded7-encoded, uncompressed JSON.
	EncodingMcoded7
	// EncodingZlibMcoded7 is deflate-compressed JSON, then Mcoded7-encoded.
	EncodingZlibMcoded7
)

// String renders the encoding name as used in PE header JSON.
func (e MutualEncoding) String() string {
	switch e {
	case EncodingMcoded7:
		return "Mcoded7"
	case EncodingZlibMcoded7:
		return "Mcoded7+zlib"
	default:
		return "ASCII"
	}
}

// EncodeBody chooses between plain Mcoded7 and zlib+Mcoded7 for a property
// body, deflating first and falling back to the plain encoding whenever the
// compressed-then-encoded form is not smaller (spec §4.1).
func EncodeBody(body []byte) (encoded []byte, encoding MutualEncoding) {
	plain := Encode(body)

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(body); err == nil && zw.Close() == nil {
		compressed := Encode(buf.Bytes())
		if len(compressed) < len(plain) {
			return compressed, EncodingZlibMcoded7
		}
	}
	return plain, EncodingMcoded7
}

// DecodeBody reverses EncodeBody given the encoding the header declared.
// EncodingASCII is passed through unchanged (it is not Mcoded7 at all).
func DecodeBody(data []byte, encoding MutualEncoding) ([]byte, error) {
	switch encoding {
	case EncodingASCII:
		return data, nil
	case EncodingMcoded7:
		return Decode(data)
	case EncodingZlibMcoded7:
		deflated, err := Decode(data)
		if err != nil {
			return nil, err
		}
		return inflate(deflated)
	default:
		return Decode(data)
	}
}

// inflate runs zlib decompression with a hard output cap.
func inflate(compressed []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	limited := io.LimitReader(zr, MaxDecompressedSize+1)
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(out) > MaxDecompressedSize {
		return nil, ErrOutputTooLarge
	}
	return out, nil
}
