// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package envelope wraps wire payloads that are either CBOR or JSON.
//
// The encoding is never framed explicitly: Format inspects the bytes every
// time it is asked. Payloads up to InlineCapacity bytes live in a fixed
// array; larger payloads are held in an owned slice. An envelope holds only
// the arm its storage class uses.
package envelope

// InlineCapacity is the largest payload stored inline.
const InlineCapacity = 4096

// Storage is the storage class of an envelope.
type Storage uint8

const (
	Inline Storage = iota
	Owned
)

func (s Storage) String() string {
	switch s {
	case Inline:
		return "inline"
	case Owned:
		return "owned"
	default:
		return "invalid"
	}
}

func (s Storage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Envelope holds a payload of unknown or detected encoding.
type Envelope struct {
	storage Storage
	n       int
	inline  *[InlineCapacity]byte
	owned   []byte
}

// FromBytes copies data into a new envelope.
func FromBytes(data []byte) *Envelope {
	e := &Envelope{}
	if len(data) <= InlineCapacity {
		e.storage = Inline
		e.inline = new([InlineCapacity]byte)
		e.n = copy(e.inline[:], data)
		return e
	}
	e.storage = Owned
	e.owned = make([]byte, len(data))
	copy(e.owned, data)
	e.n = len(data)
	return e
}

// Bytes returns the payload. The slice aliases the envelope and must not be
// modified.
func (e *Envelope) Bytes() []byte {
	if e.storage == Inline {
		if e.inline == nil {
			return nil
		}
		return e.inline[:e.n:e.n]
	}
	return e.owned
}

// Len returns the payload size in bytes.
func (e *Envelope) Len() int {
	return e.n
}

// Storage returns where the payload lives.
func (e *Envelope) Storage() Storage {
	return e.storage
}

// IsInline reports whether the payload is stored inline.
func (e *Envelope) IsInline() bool {
	return e.storage == Inline
}

// Format detects the encoding of the payload.
func (e *Envelope) Format() Format {
	return Detect(e.Bytes())
}

// Stats describes the memory held by an envelope.
type Stats struct {
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
	Storage  Storage `json:"storage"`
	Format   Format  `json:"format"`
}

// MemoryStats reports size and storage class of the envelope.
func (e *Envelope) MemoryStats() Stats {
	s := Stats{
		Size:    e.n,
		Storage: e.storage,
		Format:  e.Format(),
	}
	if e.storage == Inline {
		s.Capacity = InlineCapacity
	} else {
		s.Capacity = cap(e.owned)
	}
	return s
}
