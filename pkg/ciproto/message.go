package ciproto

import (
	"github.com/backkem/midi2ci/pkg/muid"
)

// Message is a classified MIDI-CI envelope: sub-ID, CI protocol version,
// source/destination MUIDs, and an opaque sub-ID-specific payload.
//
// Spec References: Data Model "CI message".
type Message struct {
	SubID       SubID
	CIVersion   uint8
	Source      muid.MUID
	Destination muid.MUID
	Payload     []byte
}

// fixedHeaderLen is SysExStart, deviceID, 0x7E, 0x0D, subID, version.
const fixedHeaderLen = 6

// Build serialises msg into a complete SysEx byte sequence:
// F0 7E <deviceID=0x7F> 0D <subID> <version> <srcMUID:4> <dstMUID:4> <payload> F7
func Build(msg Message) []byte {
	src := msg.Source.Encode()
	dst := msg.Destination.Encode()

	total := fixedHeaderLen + len(src) + len(dst) + len(msg.Payload) + 1 // +1 for F7
	out := make([]byte, 0, total)

	out = append(out, SysExStart, UniversalNonRT, FunctionBlockAll, SubIDUniversal, byte(msg.SubID), msg.CIVersion)
	out = append(out, src[:]...)
	out = append(out, dst[:]...)
	out = append(out, msg.Payload...)
	out = append(out, SysExEnd)

	return out
}

// Parse classifies a raw SysEx byte sequence into a Message, or returns a
// *ParseError carrying the offset at which the failure was detected.
func Parse(data []byte) (Message, error) {
	var msg Message

	if len(data) < fixedHeaderLen+muid.EncodedSize*2+1 {
		return msg, parseErr(len(data), ErrTooShort)
	}
	if data[0] != SysExStart {
		return msg, parseErr(0, ErrNotSysEx)
	}
	if data[len(data)-1] != SysExEnd {
		return msg, parseErr(len(data)-1, ErrNotSysEx)
	}
	if data[1] != UniversalNonRT {
		return msg, parseErr(1, ErrNotUniversalNonRT)
	}
	if data[3] != SubIDUniversal {
		return msg, parseErr(3, ErrNotCI)
	}

	msg.SubID = SubID(data[4])
	msg.CIVersion = data[5]

	offset := fixedHeaderLen
	src, err := muid.Decode(data[offset : offset+muid.EncodedSize])
	if err != nil {
		return Message{}, parseErr(offset, err)
	}
	msg.Source = src
	offset += muid.EncodedSize

	dst, err := muid.Decode(data[offset : offset+muid.EncodedSize])
	if err != nil {
		return Message{}, parseErr(offset, err)
	}
	msg.Destination = dst
	offset += muid.EncodedSize

	payloadEnd := len(data) - 1 // exclude trailing F7
	if payloadEnd < offset {
		return Message{}, parseErr(offset, ErrTooShort)
	}
	msg.Payload = append([]byte(nil), data[offset:payloadEnd]...)

	return msg, nil
}
