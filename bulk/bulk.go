// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bulk provides bulk byte primitives used on the payload hot paths:
// copy, checksum, compare, find and structural JSON validation.
//
// Every operation has a scalar reference (ScalarCopy, ScalarChecksum, ...)
// that defines its semantics. The Fast* variants process data in word
// blocks whose width is chosen once from the CPU features of the host and
// must return exactly what the scalar reference returns for every input.
package bulk

import (
	"bytes"
	"encoding/binary"
	"errors"

	"golang.org/x/sys/cpu"
)

// ErrLengthMismatch is returned by FastCopy when src and dst differ in length.
var ErrLengthMismatch = errors.New("bulk: source and destination lengths differ")

// laneMask selects the even bytes of a 64-bit word as four 16-bit lanes.
const laneMask = 0x00FF00FF00FF00FF

// maxLaneWords bounds how many words are accumulated before folding so that
// no 16-bit lane overflows (128 * 2 * 255 < 65536).
const maxLaneWords = 128

var blockWidth = detectWidth()

func detectWidth() int {
	switch {
	case cpu.X86.HasAVX2:
		return 32
	case cpu.X86.HasSSE2, cpu.ARM64.HasASIMD:
		return 16
	default:
		return 8
	}
}

// Width returns the widest block size, in bytes, used by the fast paths.
func Width() int {
	return blockWidth
}

func load(b []byte, i int) uint64 {
	return binary.LittleEndian.Uint64(b[i:])
}

func store(b []byte, i int, v uint64) {
	binary.LittleEndian.PutUint64(b[i:], v)
}

// FastCopy copies src into dst. Both slices must have the same length and
// must not overlap.
func FastCopy(dst, src []byte) error {
	if len(dst) != len(src) {
		return ErrLengthMismatch
	}
	n := len(src)
	i := 0
	if blockWidth >= 32 {
		for ; i+32 <= n; i += 32 {
			store(dst, i, load(src, i))
			store(dst, i+8, load(src, i+8))
			store(dst, i+16, load(src, i+16))
			store(dst, i+24, load(src, i+24))
		}
	}
	if blockWidth >= 16 {
		for ; i+16 <= n; i += 16 {
			store(dst, i, load(src, i))
			store(dst, i+8, load(src, i+8))
		}
	}
	for ; i+8 <= n; i += 8 {
		store(dst, i, load(src, i))
	}
	for ; i < n; i++ {
		dst[i] = src[i]
	}
	return nil
}

// FastChecksum returns the sum of all bytes in data widened to 64 bits.
func FastChecksum(data []byte) uint64 {
	var total uint64
	n := len(data)
	i := 0
	for n-i >= 8 {
		words := (n - i) / 8
		if words > maxLaneWords {
			words = maxLaneWords
		}
		end := i + words*8
		var acc uint64
		for ; i < end; i += 8 {
			w := load(data, i)
			acc += (w & laneMask) + ((w >> 8) & laneMask)
		}
		total += fold(acc)
	}
	for ; i < n; i++ {
		total += uint64(data[i])
	}
	return total
}

// fold adds the four 16-bit lanes of acc.
func fold(acc uint64) uint64 {
	return acc&0xFFFF + (acc>>16)&0xFFFF + (acc>>32)&0xFFFF + acc>>48
}

// FastCompare reports whether a and b hold the same bytes.
func FastCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	n := len(a)
	i := 0
	if blockWidth >= 32 {
		for ; i+32 <= n; i += 32 {
			diff := (load(a, i) ^ load(b, i)) |
				(load(a, i+8) ^ load(b, i+8)) |
				(load(a, i+16) ^ load(b, i+16)) |
				(load(a, i+24) ^ load(b, i+24))
			if diff != 0 {
				return false
			}
		}
	}
	if blockWidth >= 16 {
		for ; i+16 <= n; i += 16 {
			if (load(a, i)^load(b, i))|(load(a, i+8)^load(b, i+8)) != 0 {
				return false
			}
		}
	}
	for ; i+8 <= n; i += 8 {
		if load(a, i) != load(b, i) {
			return false
		}
	}
	for ; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FastFind returns the index of the first occurrence of pattern in data, or
// -1 if it is absent. An empty pattern matches at index 0.
func FastFind(data, pattern []byte) int {
	switch len(pattern) {
	case 0:
		return 0
	case 1:
		// bytes.IndexByte is implemented with vector instructions on every
		// platform the runtime supports.
		return bytes.IndexByte(data, pattern[0])
	}
	if len(pattern) > len(data) {
		return -1
	}
	first := pattern[0]
	last := len(data) - len(pattern)
	for i := 0; i <= last; {
		j := bytes.IndexByte(data[i:last+1], first)
		if j < 0 {
			return -1
		}
		i += j
		if FastCompare(data[i:i+len(pattern)], pattern) {
			return i
		}
		i++
	}
	return -1
}

// ValidateJSONStructure performs a structural check of data: braces and
// brackets must balance, never close before they open, and the input must
// not end inside a string. It is not a grammar check; `{[}]` passes.
func ValidateJSONStructure(data []byte) bool {
	var braces, brackets int
	inString, escaped := false, false
	for _, c := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			braces++
		case '}':
			braces--
			if braces < 0 {
				return false
			}
		case '[':
			brackets++
		case ']':
			brackets--
			if brackets < 0 {
				return false
			}
		}
	}
	return !inString && braces == 0 && brackets == 0
}
