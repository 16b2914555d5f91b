// Package ordmap provides a small string-keyed map that keeps its entries
// sorted by key.
//
// It backs the session registry, the scheduler's task table and the router.
// Expected cardinality is tens of entries, so a sorted slice with binary
// search is used instead of a tree.
package ordmap

import (
	"errors"
	"sort"
)

var (
	ErrDuplicateKey = errors.New("duplicate key")
	ErrNotFound     = errors.New("not found")
)

type entry[V any] struct {
	key   string
	value V
}

// Map is not safe for concurrent use.
type Map[V any] struct {
	entries []entry[V]
}

func New[V any]() *Map[V] {
	return &Map[V]{}
}

func (m *Map[V]) search(key string) (int, bool) {
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].key >= key
	})
	return i, i < len(m.entries) && m.entries[i].key == key
}

// Insert adds key. It fails with ErrDuplicateKey if key is already present.
func (m *Map[V]) Insert(key string, value V) error {
	i, ok := m.search(key)
	if ok {
		return ErrDuplicateKey
	}
	m.entries = append(m.entries, entry[V]{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = entry[V]{key: key, value: value}
	return nil
}

func (m *Map[V]) Find(key string) (V, error) {
	i, ok := m.search(key)
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return m.entries[i].value, nil
}

func (m *Map[V]) Contains(key string) bool {
	_, ok := m.search(key)
	return ok
}

func (m *Map[V]) Remove(key string) error {
	i, ok := m.search(key)
	if !ok {
		return ErrNotFound
	}
	copy(m.entries[i:], m.entries[i+1:])
	m.entries[len(m.entries)-1] = entry[V]{}
	m.entries = m.entries[:len(m.entries)-1]
	return nil
}

func (m *Map[V]) Len() int { return len(m.entries) }

// Keys returns the keys in ascending order.
func (m *Map[V]) Keys() []string {
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.key
	}
	return out
}

// Values returns the values in key order.
func (m *Map[V]) Values() []V {
	out := make([]V, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.value
	}
	return out
}

// Range calls fn for every entry in key order until fn returns false.
//
// Iteration runs over a snapshot taken before the first call, so fn may insert
// or remove entries (including the current one) without disturbing the scan.
func (m *Map[V]) Range(fn func(key string, value V) bool) {
	snap := make([]entry[V], len(m.entries))
	copy(snap, m.entries)
	for _, e := range snap {
		if !fn(e.key, e.value) {
			return
		}
	}
}
