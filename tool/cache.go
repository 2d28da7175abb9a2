// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tool

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"

	"github.com/luxfi/toolrpc/bulk"
)

// cacheKey builds the byte key of a call: tool name, registration
// generation and canonical arguments.
func cacheKey(name string, gen uint64, canonical []byte) []byte {
	key := make([]byte, 0, len(name)+1+8+len(canonical))
	key = append(key, name...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, gen)
	return append(key, canonical...)
}

// Fingerprint returns the cache fingerprint of a call.
func Fingerprint(name string, gen uint64, canonical []byte) uint64 {
	return xxhash.Sum64(cacheKey(name, gen, canonical))
}

type cacheEntry struct {
	tool  string
	gen   uint64
	key   []byte
	value json.RawMessage
}

// resultCache is owned by a single Executor.
type resultCache struct {
	mu      sync.Mutex
	entries map[uint64]*cacheEntry
	// seen is the newest generation observed per tool.
	seen map[string]uint64
}

func newResultCache() *resultCache {
	return &resultCache{
		entries: make(map[uint64]*cacheEntry),
		seen:    make(map[string]uint64),
	}
}

// get returns the cached result for key. When gen is newer than the last
// generation seen for the tool, the tool's stale entries are dropped first.
func (c *resultCache) get(name string, gen uint64, key []byte) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.seen[name]; ok && prev != gen {
		c.dropLocked(name)
	}
	c.seen[name] = gen

	e, ok := c.entries[xxhash.Sum64(key)]
	if !ok || e.gen != gen || !bulk.FastCompare(e.key, key) {
		return nil, false
	}
	return append(json.RawMessage(nil), e.value...), true
}

// put stores a result; the last write for a fingerprint wins.
func (c *resultCache) put(name string, gen uint64, key []byte, value json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seen[name] > gen {
		// A newer registration appeared while this call ran.
		return
	}
	c.entries[xxhash.Sum64(key)] = &cacheEntry{
		tool:  name,
		gen:   gen,
		key:   key,
		value: append(json.RawMessage(nil), value...),
	}
}

func (c *resultCache) dropLocked(name string) int {
	var n int
	for fp, e := range c.entries {
		if e.tool == name {
			delete(c.entries, fp)
			n++
		}
	}
	return n
}

func (c *resultCache) drop(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, name)
	return c.dropLocked(name)
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	clear(c.seen)
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
