// Package rjson implements the fault-tolerant JSON preprocessor used to
// recover from the non-conforming JSON that embedded MIDI-CI devices emit.
//
// Spec References:
//   - Component Design 4.1: Fault-tolerant JSON preprocessing
package rjson

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Result describes the outcome of a Parse call, including whether the
// preprocessor had to intervene and, on total failure, both error and both
// byte sequences for diagnostics (spec §4.1).
type Result struct {
	// Value holds the decoded JSON, valid only when Err is nil.
	Value interface{}

	// Preprocessed reports whether the preprocessing pass ran and changed
	// the input (i.e. strict parsing of the raw input failed).
	Preprocessed bool

	// StrictErr is the error from the initial strict parse attempt, if any.
	StrictErr error

	// PreprocessErr is the error from parsing the preprocessed form, set
	// only when preprocessing also failed to produce valid JSON.
	PreprocessErr error

	// Raw is the original input.
	Raw []byte

	// Cleaned is the preprocessed input, set whenever preprocessing ran
	// (regardless of whether the retry ultimately succeeded).
	Cleaned []byte
}

// Failed reports whether neither the strict nor the preprocessed parse
// succeeded.
func (r *Result) Failed() bool {
	return r.StrictErr != nil && r.PreprocessErr != nil
}

// Parse attempts strict json.Unmarshal first; only on failure does it run
// the preprocessing pass described in spec §4.1 and retry.
func Parse(data []byte) *Result {
	res := &Result{Raw: data}

	var v interface{}
	if err := json.Unmarshal(data, &v); err == nil {
		res.Value = v
		return res
	} else {
		res.StrictErr = err
	}

	cleaned := Preprocess(data)
	res.Preprocessed = !bytes.Equal(cleaned, data)
	res.Cleaned = cleaned

	if err := json.Unmarshal(cleaned, &v); err != nil {
		res.PreprocessErr = err
		return res
	}

	res.Value = v
	return res
}

// Preprocess applies, in order: comment stripping, trailing-comma removal,
// single-to-double quote conversion, bare control-byte escaping (compact
// input only), and bare-identifier key quoting.
func Preprocess(data []byte) []byte {
	out := stripComments(data)
	out = removeTrailingCommas(out)
	out = singleToDoubleQuotes(out)
	if !looksPrettyPrinted(out) {
		out = escapeBareControlBytes(out)
	}
	out = quoteBareKeys(out)
	return out
}

// stripComments removes // line comments and /* ... */ block comments using
// a single-pass state machine that tracks string-literal boundaries with
// backslash-aware escaping, so comment-like tokens inside strings survive.
func stripComments(data []byte) []byte {
	var out bytes.Buffer
	inString := false
	escaped := false

	for i := 0; i < len(data); i++ {
		c := data[i]

		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		if c == '"' {
			inString = true
			out.WriteByte(c)
			continue
		}

		if c == '/' && i+1 < len(data) && data[i+1] == '/' {
			i += 2
			for i < len(data) && data[i] != '\n' {
				i++
			}
			i--
			continue
		}

		if c == '/' && i+1 < len(data) && data[i+1] == '*' {
			i += 2
			for i+1 < len(data) && !(data[i] == '*' && data[i+1] == '/') {
				i++
			}
			i++ // land on the closing '/'
			continue
		}

		out.WriteByte(c)
	}

	return out.Bytes()
}

// removeTrailingCommas deletes commas that precede a closing ] or },
// ignoring commas inside string literals.
func removeTrailingCommas(data []byte) []byte {
	var out bytes.Buffer
	inString := false
	escaped := false

	for i := 0; i < len(data); i++ {
		c := data[i]

		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		if c == '"' {
			inString = true
			out.WriteByte(c)
			continue
		}

		if c == ',' {
			// Look ahead past whitespace for a closing bracket/brace.
			j := i + 1
			for j < len(data) && isJSONSpace(data[j]) {
				j++
			}
			if j < len(data) && (data[j] == ']' || data[j] == '}') {
				continue // drop the comma
			}
		}

		out.WriteByte(c)
	}

	return out.Bytes()
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// singleToDoubleQuotes converts single-quoted strings to double-quoted,
// outside of existing double-quoted regions. Escaped single quotes inside
// the region become literal quotes; embedded double quotes are escaped.
func singleToDoubleQuotes(data []byte) []byte {
	var out bytes.Buffer
	inDouble := false
	inSingle := false
	escaped := false

	for i := 0; i < len(data); i++ {
		c := data[i]

		if inSingle {
			if escaped {
				if c == '\'' {
					out.WriteByte('\'')
				} else {
					out.WriteByte('\\')
					out.WriteByte(c)
				}
				escaped = false
				continue
			}
			if c == '\\' {
				escaped = true
				continue
			}
			if c == '\'' {
				inSingle = false
				out.WriteByte('"')
				continue
			}
			if c == '"' {
				out.WriteString(`\"`)
				continue
			}
			out.WriteByte(c)
			continue
		}

		if inDouble {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inDouble = false
			}
			continue
		}

		switch c {
		case '"':
			inDouble = true
			out.WriteByte(c)
		case '\'':
			inSingle = true
			out.WriteByte('"')
		default:
			out.WriteByte(c)
		}
	}

	return out.Bytes()
}

// looksPrettyPrinted applies the compact-vs-pretty heuristic: input is
// treated as already pretty-printed (and left alone by control-byte
// escaping) when it spans multiple lines with structural indentation.
func looksPrettyPrinted(data []byte) bool {
	lines := bytes.Split(data, []byte("\n"))
	if len(lines) < 2 {
		return false
	}
	indented := 0
	for _, line := range lines {
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			indented++
		}
	}
	return indented > 0
}

// escapeBareControlBytes escapes literal tab, CR, and LF bytes that appear
// inside string literals of compact (single-line) input.
func escapeBareControlBytes(data []byte) []byte {
	var out bytes.Buffer
	inString := false
	escaped := false

	for i := 0; i < len(data); i++ {
		c := data[i]

		if inString {
			if escaped {
				out.WriteByte(c)
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
				out.WriteByte(c)
			case '"':
				inString = false
				out.WriteByte(c)
			case '\t':
				out.WriteString(`\t`)
			case '\r':
				out.WriteString(`\r`)
			case '\n':
				out.WriteString(`\n`)
			default:
				out.WriteByte(c)
			}
			continue
		}

		if c == '"' {
			inString = true
		}
		out.WriteByte(c)
	}

	return out.Bytes()
}

// quoteBareKeys quotes bare identifier-shaped object keys: a run of
// [A-Za-z0-9_$] immediately followed (after optional whitespace) by a colon,
// appearing outside of any string literal, and preceded by '{' or ',' (after
// optional whitespace).
func quoteBareKeys(data []byte) []byte {
	var out bytes.Buffer
	inString := false
	escaped := false

	i := 0
	for i < len(data) {
		c := data[i]

		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			i++
			continue
		}

		if c == '"' {
			inString = true
			out.WriteByte(c)
			i++
			continue
		}

		if isIdentStart(c) && precededByKeyPosition(&out) {
			start := i
			for i < len(data) && isIdentByte(data[i]) {
				i++
			}
			key := data[start:i]

			j := i
			for j < len(data) && isJSONSpace(data[j]) {
				j++
			}
			if j < len(data) && data[j] == ':' {
				out.WriteByte('"')
				out.Write(key)
				out.WriteByte('"')
				continue
			}
			// Not actually a key (e.g. `true`, `null`, a bare value) —
			// emit it unchanged.
			out.Write(key)
			continue
		}

		out.WriteByte(c)
		i++
	}

	return out.Bytes()
}

func isIdentStart(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c == '_' || c == '$'
}

func isIdentByte(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

// precededByKeyPosition looks back over already-emitted whitespace to the
// nearest non-space byte, and reports whether it is '{' or ','.
func precededByKeyPosition(out *bytes.Buffer) bool {
	b := out.Bytes()
	i := len(b) - 1
	for i >= 0 && isJSONSpace(b[i]) {
		i--
	}
	if i < 0 {
		return false
	}
	return b[i] == '{' || b[i] == ','
}

// LooksLikeJSON reports whether data appears to be JSON text: after
// trimming whitespace, it starts with '{', '[', '"', a digit, '-', or one
// of true/false/null. Used by callers implementing the KORG-compatibility
// decode-path fallback described in spec §4.3.
func LooksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return false
	}
	switch trimmed[0] {
	case '{', '[', '"', '-':
		return true
	}
	if trimmed[0] >= '0' && trimmed[0] <= '9' {
		return true
	}
	s := string(trimmed)
	return strings.HasPrefix(s, "true") || strings.HasPrefix(s, "false") || strings.HasPrefix(s, "null")
}
