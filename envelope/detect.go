// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package envelope

import (
	"bytes"
	"unicode/utf8"
)

// Format is the detected encoding of a payload.
type Format uint8

const (
	Unknown Format = iota
	Binary
	Text
)

func (f Format) String() string {
	switch f {
	case Binary:
		return "binary"
	case Text:
		return "text"
	default:
		return "unknown"
	}
}

func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// sniffLen is how many leading bytes are inspected for control characters.
const sniffLen = 100

var literals = [][]byte{[]byte("true"), []byte("false"), []byte("null")}

// Detect guesses the encoding of data.
//
// Leading whitespace is skipped. JSON containers, strings, literals and
// numbers are Text. Payloads of at least four bytes that are not valid
// UTF-8, or whose first bytes are more than 10% control characters, are
// Binary. Everything else, including empty input, is Unknown.
func Detect(data []byte) Format {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return Unknown
	}
	switch trimmed[0] {
	case '{', '[', '"':
		return Text
	}
	for _, lit := range literals {
		if bytes.HasPrefix(trimmed, lit) {
			return Text
		}
	}
	if isJSONNumber(bytes.TrimRight(trimmed, " \t\r\n")) {
		return Text
	}
	if len(data) >= 4 && (!utf8.Valid(data) || mostlyControl(data)) {
		return Binary
	}
	return Unknown
}

func mostlyControl(data []byte) bool {
	sample := data[:min(len(data), sniffLen)]
	var control int
	for _, c := range sample {
		if (c < 0x20 && c != '\t' && c != '\n' && c != '\r') || c == 0x7F {
			control++
		}
	}
	return control*10 > len(sample)
}

// isJSONNumber reports whether s is exactly one JSON number.
func isJSONNumber(s []byte) bool {
	i := 0
	if i < len(s) && s[i] == '-' {
		i++
	}
	switch {
	case i < len(s) && s[i] == '0':
		i++
	case i < len(s) && s[i] >= '1' && s[i] <= '9':
		for i < len(s) && isDigit(s[i]) {
			i++
		}
	default:
		return false
	}
	if i < len(s) && s[i] == '.' {
		i++
		if i == len(s) || !isDigit(s[i]) {
			return false
		}
		for i < len(s) && isDigit(s[i]) {
			i++
		}
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		i++
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			i++
		}
		if i == len(s) || !isDigit(s[i]) {
			return false
		}
		for i < len(s) && isDigit(s[i]) {
			i++
		}
	}
	return i == len(s)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
