// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bulk

// ScalarCopy is the byte-at-a-time reference for FastCopy.
func ScalarCopy(dst, src []byte) error {
	if len(dst) != len(src) {
		return ErrLengthMismatch
	}
	for i := range src {
		dst[i] = src[i]
	}
	return nil
}

// ScalarChecksum is the reference for FastChecksum.
func ScalarChecksum(data []byte) uint64 {
	var sum uint64
	for _, b := range data {
		sum += uint64(b)
	}
	return sum
}

// ScalarCompare is the reference for FastCompare.
func ScalarCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ScalarFind is the naive substring search FastFind must agree with.
func ScalarFind(data, pattern []byte) int {
	if len(pattern) == 0 {
		return 0
	}
outer:
	for i := 0; i+len(pattern) <= len(data); i++ {
		for j := range pattern {
			if data[i+j] != pattern[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}
