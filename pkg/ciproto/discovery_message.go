package ciproto

import (
	"github.com/backkem/midi2ci/pkg/muid"
)

// DiscoveryPayload is the body of a Discovery Inquiry or Discovery Reply:
// 11-byte Identity, 1-byte category support bitfield, 4-byte max SysEx
// size, 1-byte CI output path ID (initiator-assigned, echoed by the
// responder) — 17 bytes in full.
//
// Spec §4.5 permits replies shorter than this: any payload carrying at
// least the 11-byte Identity is accepted, with the remaining fields left
// at their zero value and the caller responsible for flagging the
// response as partial.
type DiscoveryPayload struct {
	Identity        muid.Identity
	CategorySupport uint8
	MaxSysExSize    uint32
	OutputPathID    uint8
}

const discoveryPayloadFullLen = muid.IdentitySize + 1 + 4 + 1

// BuildDiscoveryPayload serialises a full 17-byte discovery payload.
func BuildDiscoveryPayload(p DiscoveryPayload) []byte {
	out := make([]byte, 0, discoveryPayloadFullLen)
	id := p.Identity.Encode()
	out = append(out, id[:]...)
	out = append(out, p.CategorySupport&0x7F)

	sz := p.MaxSysExSize
	out = append(out,
		byte(sz&0x7F),
		byte((sz>>7)&0x7F),
		byte((sz>>14)&0x7F),
		byte((sz>>21)&0x7F),
	)
	out = append(out, p.OutputPathID&0x7F)
	return out
}

// ParseDiscoveryPayload parses a Discovery Inquiry/Reply payload. Any
// payload of at least muid.IdentitySize bytes is accepted; the partial
// return is true when any field after the Identity is missing.
func ParseDiscoveryPayload(data []byte) (payload DiscoveryPayload, partial bool, err error) {
	id, n, derr := muid.DecodeIdentity(data)
	if derr != nil {
		return DiscoveryPayload{}, false, parseErr(0, derr)
	}
	payload.Identity = id
	rest := data[n:]

	if len(rest) == 0 {
		return payload, true, nil
	}
	payload.CategorySupport = rest[0] & 0x7F
	rest = rest[1:]

	if len(rest) < 4 {
		return payload, true, nil
	}
	payload.MaxSysExSize = uint32(rest[0]) | uint32(rest[1])<<7 | uint32(rest[2])<<14 | uint32(rest[3])<<21
	rest = rest[4:]

	if len(rest) < 1 {
		return payload, true, nil
	}
	payload.OutputPathID = rest[0] & 0x7F

	return payload, false, nil
}
