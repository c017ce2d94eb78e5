// Package hashtable is a small fixed-bucket-count hash table, adapted
// from the teacher's hashtable/hashtable.go (itself used for the kernel's
// process table instead of a bare Go map, so bucket locking is explicit
// and the kernel doesn't depend on the runtime map's undocumented
// iteration/resize behavior under concurrent access from IRQ context).
// Generified with Go generics in place of the teacher's interface{} keys.
package hashtable

import (
	"sync"
)

type entry[K comparable, V any] struct {
	key   K
	value V
	next  *entry[K, V]
}

type bucket[K comparable, V any] struct {
	sync.Mutex
	first *entry[K, V]
}

// Table is a fixed-size chained hash table keyed by K, hashed with hash.
type Table[K comparable, V any] struct {
	buckets []*bucket[K, V]
	hash    func(K) uint64
	n       int64
	mu      sync.Mutex // protects n only
}

// New builds a table sized for roughly `hint` entries.
func New[K comparable, V any](hint int, hash func(K) uint64) *Table[K, V] {
	if hint < 16 {
		hint = 16
	}
	t := &Table[K, V]{
		buckets: make([]*bucket[K, V], hint),
		hash:    hash,
	}
	for i := range t.buckets {
		t.buckets[i] = &bucket[K, V]{}
	}
	return t
}

func (t *Table[K, V]) bucketFor(k K) *bucket[K, V] {
	h := t.hash(k)
	return t.buckets[h%uint64(len(t.buckets))]
}

// Get looks up key, returning its value and whether it was present.
func (t *Table[K, V]) Get(key K) (V, bool) {
	b := t.bucketFor(key)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Set inserts or overwrites key's value.
func (t *Table[K, V]) Set(key K, value V) {
	b := t.bucketFor(key)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			e.value = value
			return
		}
	}
	b.first = &entry[K, V]{key: key, value: value, next: b.first}
	t.mu.Lock()
	t.n++
	t.mu.Unlock()
}

// Del removes key, if present.
func (t *Table[K, V]) Del(key K) bool {
	b := t.bucketFor(key)
	b.Lock()
	defer b.Unlock()
	var prev *entry[K, V]
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			if prev == nil {
				b.first = e.next
			} else {
				prev.next = e.next
			}
			t.mu.Lock()
			t.n--
			t.mu.Unlock()
			return true
		}
		prev = e
	}
	return false
}

// Len reports the number of entries currently stored.
func (t *Table[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.n)
}

// Iter calls f for every (key, value) pair. f may execute concurrently
// with other lookups/inserts/deletes on different buckets (as the
// teacher's Iter documents) but holds each bucket's lock while visiting
// it. Stops early if f returns false.
func (t *Table[K, V]) Iter(f func(K, V) bool) {
	for _, b := range t.buckets {
		b.Lock()
		for e := b.first; e != nil; e = e.next {
			if !f(e.key, e.value) {
				b.Unlock()
				return
			}
		}
		b.Unlock()
	}
}
