// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pool implements a size-classed byte buffer pool.
//
// A Pool is owned by a single goroutine (one per worker) and is not safe for
// concurrent use. Keeping pools local trades global memory reuse for
// lock-free access on the hot path. Pool operations never fail: when a
// buffer cannot be reused it is simply allocated fresh or dropped.
package pool

const (
	// MaxPerClass is the maximum number of free buffers kept per size class.
	MaxPerClass = 64

	KiB = 1 << 10
	MiB = 1 << 20
)

// ClassSizes are the capacities of the size classes, ascending.
var ClassSizes = [...]int{1 * KiB, 4 * KiB, 64 * KiB, 256 * KiB, 1 * MiB}

const numClasses = len(ClassSizes)

// ClassStats holds the counters of one size class.
type ClassStats struct {
	Size        int    `json:"size"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Allocations uint64 `json:"allocations"`
	Releases    uint64 `json:"releases"`
	Discards    uint64 `json:"discards"`
	Free        int    `json:"free"`
}

type sizeClass struct {
	size  int
	free  [][]byte
	stats ClassStats
}

// Pool is a set of bounded free lists, one per size class.
type Pool struct {
	classes   [numClasses]sizeClass
	oversize  uint64
	unmatched uint64
}

// New returns an empty pool.
func New() *Pool {
	p := &Pool{}
	for i, size := range ClassSizes {
		p.classes[i].size = size
		p.classes[i].stats.Size = size
	}
	return p
}

// classFor returns the smallest class able to hold n bytes, or -1.
func classFor(n int) int {
	for i, size := range ClassSizes {
		if n <= size {
			return i
		}
	}
	return -1
}

// releaseClass returns the class whose size is nearest to capacity, as long
// as capacity lies within [size/2, size*2]; -1 otherwise.
func releaseClass(capacity int) int {
	best, bestDist := -1, 0
	for i, size := range ClassSizes {
		if capacity < size/2 || capacity > size*2 {
			continue
		}
		dist := capacity - size
		if dist < 0 {
			dist = -dist
		}
		if best < 0 || dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}

// Get returns a zero-length buffer with capacity of at least n bytes. The
// caller owns it until it is handed back with Put.
func (p *Pool) Get(n int) []byte {
	if n < 0 {
		n = 0
	}
	idx := classFor(n)
	if idx < 0 {
		p.oversize++
		return make([]byte, 0, n)
	}
	c := &p.classes[idx]
	// Buffers released into a class may be smaller than its size; those
	// stay listed for smaller requests.
	for i := len(c.free) - 1; i >= 0; i-- {
		buf := c.free[i]
		if cap(buf) < n {
			continue
		}
		last := len(c.free) - 1
		c.free[i] = c.free[last]
		c.free[last] = nil
		c.free = c.free[:last]
		c.stats.Hits++
		return buf[:0]
	}
	c.stats.Misses++
	c.stats.Allocations++
	return make([]byte, 0, c.size)
}

// Put hands buf back to the pool. The contents are zeroed before the
// buffer is made available again. Buffers whose capacity matches no class,
// or whose class is full, are dropped.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	idx := releaseClass(cap(buf))
	if idx < 0 {
		p.unmatched++
		return
	}
	c := &p.classes[idx]
	if len(c.free) >= MaxPerClass {
		c.stats.Discards++
		return
	}
	buf = buf[:cap(buf)]
	clear(buf)
	c.free = append(c.free, buf[:0])
	c.stats.Releases++
}

// Stats returns a snapshot of the per-class counters.
func (p *Pool) Stats() []ClassStats {
	out := make([]ClassStats, numClasses)
	for i := range p.classes {
		out[i] = p.classes[i].stats
		out[i].Free = len(p.classes[i].free)
	}
	return out
}

// Oversize returns how many requests exceeded the largest class.
func (p *Pool) Oversize() uint64 {
	return p.oversize
}

// Unmatched returns how many released buffers matched no class.
func (p *Pool) Unmatched() uint64 {
	return p.unmatched
}

// ResetStats zeroes all counters. Free lists are kept.
func (p *Pool) ResetStats() {
	for i := range p.classes {
		p.classes[i].stats = ClassStats{Size: p.classes[i].size}
	}
	p.oversize = 0
	p.unmatched = 0
}
