// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package stream provides an incremental byte buffer for large responses.
//
// A Buffer is filled by a producer (Extend, Write, Finish) and drained by a
// consumer (Read, NextChunk, DecodeNext). Producer and consumer may run on
// different goroutines. Backing storage is borrowed from a pool.Pool; the
// pool is only touched by the producer side and by Release, so the pool
// must belong to the producing goroutine.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/luxfi/toolrpc/bulk"
	"github.com/luxfi/toolrpc/pool"
)

// Chunk size classes.
const (
	ChunkSmall   = 4 << 10
	ChunkDefault = 64 << 10
	ChunkLarge   = 256 << 10
)

// bulkThreshold is the chunk length from which Extend copies and sums with
// the bulk primitives.
const bulkThreshold = 1 << 10

var (
	// ErrIncompleteData reports that the buffered bytes end before a complete
	// value. More input may resolve it.
	ErrIncompleteData = errors.New("stream: incomplete data")

	// ErrMalformedData reports input that can never become valid.
	ErrMalformedData = errors.New("stream: malformed data")

	// ErrFinished is returned by Extend after Finish.
	ErrFinished = errors.New("stream: buffer finished")
)

// Option configures a Buffer.
type Option func(*Buffer)

// WithChunkSize sets the maximum size returned by NextChunk. Non-positive
// values are ignored.
func WithChunkSize(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.chunkSize = n
		}
	}
}

// WithPool makes the buffer borrow its storage from p.
func WithPool(p *pool.Pool) Option {
	return func(b *Buffer) {
		b.pool = p
	}
}

// WithTotalSize announces the expected number of bytes.
func WithTotalSize(n int64) Option {
	return func(b *Buffer) {
		b.totalSize = n
	}
}

// Buffer accumulates bytes and hands them out in order.
type Buffer struct {
	mu        sync.Mutex
	buf       []byte
	off       int
	chunkSize int
	pool      *pool.Pool
	totalSize int64
	bytesRead uint64
	checksum  uint64
	finished  bool
	notify    chan struct{}
}

// New returns an empty buffer. The default chunk size is ChunkDefault.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		chunkSize: ChunkDefault,
		notify:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// signal wakes blocked readers. Must hold b.mu.
func (b *Buffer) signal() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Extend appends data to the buffer.
func (b *Buffer) Extend(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		return ErrFinished
	}
	if len(data) == 0 {
		return nil
	}
	b.reserve(len(data))
	n := len(b.buf)
	b.buf = b.buf[:n+len(data)]
	if len(data) >= bulkThreshold {
		// Lengths are equal by construction.
		_ = bulk.FastCopy(b.buf[n:], data)
		b.checksum += bulk.FastChecksum(data)
	} else {
		copy(b.buf[n:], data)
		b.checksum += bulk.ScalarChecksum(data)
	}
	b.bytesRead += uint64(len(data))
	b.signal()
	return nil
}

// reserve makes room for n more bytes. Must hold b.mu.
func (b *Buffer) reserve(n int) {
	live := len(b.buf) - b.off
	if cap(b.buf)-len(b.buf) >= n {
		return
	}
	if b.off > 0 && cap(b.buf)-live >= n {
		copy(b.buf, b.buf[b.off:])
		b.buf = b.buf[:live]
		b.off = 0
		return
	}

	want := max(live+n, 2*cap(b.buf), bulkThreshold)
	var grown []byte
	if b.pool != nil {
		grown = b.pool.Get(want)
	} else {
		grown = make([]byte, 0, want)
	}
	grown = grown[:live]
	if live >= bulkThreshold {
		_ = bulk.FastCopy(grown, b.buf[b.off:])
	} else {
		copy(grown, b.buf[b.off:])
	}
	if b.pool != nil && b.buf != nil {
		b.pool.Put(b.buf)
	}
	b.buf = grown
	b.off = 0
}

// Write implements io.Writer on top of Extend.
func (b *Buffer) Write(p []byte) (int, error) {
	if err := b.Extend(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Finish marks the end of the stream. Calling it again has no effect.
func (b *Buffer) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		return
	}
	b.finished = true
	b.signal()
}

// NextChunk removes and returns up to one chunk of leading bytes. It
// reports false when nothing is buffered.
func (b *Buffer) NextChunk() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := len(b.buf) - b.off
	if live == 0 {
		return nil, false
	}
	n := min(live, b.chunkSize)
	chunk := make([]byte, n)
	copy(chunk, b.buf[b.off:b.off+n])
	b.consume(n)
	return chunk, true
}

// consume drops n leading bytes. Must hold b.mu.
func (b *Buffer) consume(n int) {
	b.off += n
	if b.off == len(b.buf) {
		b.buf = b.buf[:0]
		b.off = 0
	}
}

// Read implements io.Reader. With nothing buffered it blocks until data
// arrives or the stream is finished; a finished, drained buffer returns
// io.EOF.
func (b *Buffer) Read(p []byte) (int, error) {
	return b.ReadContext(context.Background(), p)
}

// ReadContext is Read with cancellation.
func (b *Buffer) ReadContext(ctx context.Context, p []byte) (int, error) {
	for {
		b.mu.Lock()
		if live := len(b.buf) - b.off; live > 0 {
			n := copy(p, b.buf[b.off:])
			b.consume(n)
			b.mu.Unlock()
			return n, nil
		}
		if b.finished {
			b.mu.Unlock()
			return 0, io.EOF
		}
		if len(p) == 0 {
			b.mu.Unlock()
			return 0, nil
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Wait blocks until the buffer holds data it did not hold when Wait was
// called, or the stream is finished.
func (b *Buffer) Wait(ctx context.Context) error {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return nil
	}
	wait := b.notify
	b.mu.Unlock()

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitBeyond blocks until more than n bytes have been extended in total, or
// the stream is finished. Passing the BytesRead value observed before a
// failed decode avoids missing data that arrived in between.
func (b *Buffer) WaitBeyond(ctx context.Context, n uint64) error {
	for {
		b.mu.Lock()
		if b.finished || b.bytesRead > n {
			b.mu.Unlock()
			return nil
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Progress returns BytesRead divided by the announced total size. It
// reports false when no total size is known.
func (b *Buffer) Progress() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.totalSize <= 0 {
		return 0, false
	}
	return float64(b.bytesRead) / float64(b.totalSize), true
}

// SetTotalSize announces the expected number of bytes after construction.
func (b *Buffer) SetTotalSize(n int64) {
	b.mu.Lock()
	b.totalSize = n
	b.mu.Unlock()
}

// TotalSize returns the announced total size, or 0.
func (b *Buffer) TotalSize() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalSize
}

// BytesRead returns the total number of bytes ever extended.
func (b *Buffer) BytesRead() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytesRead
}

// Checksum returns the byte sum of everything ever extended.
func (b *Buffer) Checksum() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checksum
}

// Buffered returns the number of bytes not yet consumed.
func (b *Buffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf) - b.off
}

// Finished reports whether Finish has been called.
func (b *Buffer) Finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

// ChunkSize returns the configured chunk size.
func (b *Buffer) ChunkSize() int {
	return b.chunkSize
}

// Discard drops up to n leading bytes and returns how many were dropped.
func (b *Buffer) Discard(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n = max(0, min(n, len(b.buf)-b.off))
	b.consume(n)
	return n
}

// DiscardThrough drops every byte up to and including the first occurrence
// of delim. When delim is not buffered, everything is dropped and false is
// returned.
func (b *Buffer) DiscardThrough(delim byte) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := b.buf[b.off:]
	i := bulk.FastFind(live, []byte{delim})
	if i < 0 {
		n := len(live)
		b.consume(n)
		return n, false
	}
	b.consume(i + 1)
	return i + 1, true
}

// Release hands the backing storage back to the pool and empties the
// buffer. It must not race with Extend.
func (b *Buffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pool != nil && b.buf != nil {
		b.pool.Put(b.buf)
	}
	b.buf = nil
	b.off = 0
}
