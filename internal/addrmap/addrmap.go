// Package addrmap implements a concurrent map keyed by memory address.
package addrmap

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64 // Must be a power of two for unbiased modulo.

func shardIndex(addr uintptr) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(addr))
	// Faster modulo via bitwise AND; requires shardCount to be a power of two.
	return xxhash.Sum64(b[:]) & (shardCount - 1)
}

type shard[V any] struct {
	sync.RWMutex
	m map[uintptr]V
}

// Map is a concurrent-safe map from address to V, split into independently
// locked shards. Allocation addresses are aligned, so the shard is chosen
// from a hash of the address rather than its low bits.
type Map[V any] struct {
	shards [shardCount]shard[V]
}

// New creates an empty map.
func New[V any]() *Map[V] {
	m := &Map[V]{}
	for i := range m.shards {
		m.shards[i].m = make(map[uintptr]V)
	}
	return m
}

func (m *Map[V]) shard(addr uintptr) *shard[V] {
	return &m.shards[shardIndex(addr)]
}

// Load returns the value stored for addr.
func (m *Map[V]) Load(addr uintptr) (v V, ok bool) {
	s := m.shard(addr)
	s.RLock()
	defer s.RUnlock()
	v, ok = s.m[addr]
	return v, ok
}

// Store sets the value for addr. It returns the previous value, if any.
func (m *Map[V]) Store(addr uintptr, v V) (prev V, replaced bool) {
	s := m.shard(addr)
	s.Lock()
	defer s.Unlock()
	prev, replaced = s.m[addr]
	s.m[addr] = v
	return prev, replaced
}

// LoadAndDelete removes addr and returns its value.
func (m *Map[V]) LoadAndDelete(addr uintptr) (v V, ok bool) {
	s := m.shard(addr)
	s.Lock()
	defer s.Unlock()
	v, ok = s.m[addr]
	if ok {
		delete(s.m, addr)
	}
	return v, ok
}

// Len returns the number of entries in the map.
func (m *Map[V]) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.RLock()
		n += len(s.m)
		s.RUnlock()
	}
	return n
}

// Range calls fn for every entry until fn returns false. Each shard is locked
// while it is visited, so fn must not call back into the map.
func (m *Map[V]) Range(fn func(addr uintptr, v V) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.RLock()
		for addr, v := range s.m {
			if !fn(addr, v) {
				s.RUnlock()
				return
			}
		}
		s.RUnlock()
	}
}
