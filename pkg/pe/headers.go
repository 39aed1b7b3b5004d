package pe

import (
	"encoding/json"

	"github.com/backkem/midi2ci/pkg/mcoded7"
	"github.com/backkem/midi2ci/pkg/rjson"
)

// inquiryHeader is the JSON header carried by a get/set/subscribe
// inquiry. Value carries a Set operation's property value; command and
// subscribeID are only meaningful on subscribe/unsubscribe.
type inquiryHeader struct {
	Resource    string          `json:"resource"`
	Command     string          `json:"command,omitempty"`
	SubscribeID string          `json:"subscribeId,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
}

func buildInquiryHeader(h inquiryHeader) []byte {
	data, _ := json.Marshal(h)
	return data
}

// replyHeader is the JSON header carried by a reply or notification.
type replyHeader struct {
	Status         int    `json:"status"`
	MutualEncoding string `json:"mutualEncoding,omitempty"`
	SubscribeID    string `json:"subscribeId,omitempty"`
}

func parseReplyHeader(data []byte) replyHeader {
	var h replyHeader
	result := rjson.Parse(data)
	if result.Failed() {
		return replyHeader{Status: 0}
	}
	// rjson.Parse already ran strict-then-preprocess; re-decode into the
	// typed struct from whichever byte sequence actually parsed.
	src := result.Raw
	if result.Preprocessed {
		src = result.Cleaned
	}
	_ = json.Unmarshal(src, &h)
	return h
}

// decodeBody reverses the body encoding declared by mutualEncoding. If
// the declared decoding's result does not look like JSON, it tries, in
// order, raw bytes then Mcoded7 decoding as a second chance — the
// KORG-compatibility fallback described in spec §4.3.
func decodeBody(data []byte, mutualEncoding string) ([]byte, error) {
	var encoding mcoded7.MutualEncoding
	switch mutualEncoding {
	case "Mcoded7":
		encoding = mcoded7.EncodingMcoded7
	case "Mcoded7+zlib", "zlib+Mcoded7":
		encoding = mcoded7.EncodingZlibMcoded7
	default:
		encoding = mcoded7.EncodingASCII
	}

	decoded, err := mcoded7.DecodeBody(data, encoding)
	if err == nil && rjson.LooksLikeJSON(decoded) {
		return decoded, nil
	}

	if rjson.LooksLikeJSON(data) {
		return data, nil
	}

	if fallback, ferr := mcoded7.Decode(data); ferr == nil && rjson.LooksLikeJSON(fallback) {
		return fallback, nil
	}

	if err != nil {
		return nil, err
	}
	return decoded, nil
}
