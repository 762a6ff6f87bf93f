package sequence

import (
	"container/list"
	"iter"
)

// Buffer is a bounded map that remembers insertion order. When full, putting a
// new key evicts the entry that has been held the longest.
//
// Buffer is not safe for concurrent use.
type Buffer[K comparable, V any] struct {
	capacity int
	order    *list.List
	index    map[K]*list.Element
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// NewBuffer returns a Buffer holding at most capacity entries. A capacity below
// one is raised to one.
func NewBuffer[K comparable, V any](capacity int) *Buffer[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[K, V]{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[K]*list.Element, capacity),
	}
}

// Put stores value under key. Replacing an existing key keeps its original
// position. If a new key overflows the buffer, the oldest entry is removed and
// returned with evicted set to true.
func (b *Buffer[K, V]) Put(key K, value V) (evictedKey K, evictedValue V, evicted bool) {
	if el, ok := b.index[key]; ok {
		el.Value.(*entry[K, V]).value = value
		return evictedKey, evictedValue, false
	}

	if b.order.Len() >= b.capacity {
		oldest := b.order.Front()
		e := b.order.Remove(oldest).(*entry[K, V])
		delete(b.index, e.key)
		evictedKey, evictedValue, evicted = e.key, e.value, true
	}

	b.index[key] = b.order.PushBack(&entry[K, V]{key: key, value: value})
	return evictedKey, evictedValue, evicted
}

// Take removes key and returns its value.
func (b *Buffer[K, V]) Take(key K) (V, bool) {
	el, ok := b.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(b.index, key)
	return b.order.Remove(el).(*entry[K, V]).value, true
}

// DeleteFunc removes every entry for which drop returns true and reports how
// many were removed.
func (b *Buffer[K, V]) DeleteFunc(drop func(K, V) bool) int {
	removed := 0
	for el := b.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry[K, V])
		if drop(e.key, e.value) {
			b.order.Remove(el)
			delete(b.index, e.key)
			removed++
		}
		el = next
	}
	return removed
}

// All yields entries from oldest to newest.
func (b *Buffer[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for el := b.order.Front(); el != nil; el = el.Next() {
			e := el.Value.(*entry[K, V])
			if !yield(e.key, e.value) {
				return
			}
		}
	}
}

func (b *Buffer[K, V]) Len() int {
	return b.order.Len()
}

func (b *Buffer[K, V]) Cap() int {
	return b.capacity
}

func (b *Buffer[K, V]) IsEmpty() bool {
	return b.order.Len() == 0
}

// Clear drops every entry.
func (b *Buffer[K, V]) Clear() {
	b.order.Init()
	clear(b.index)
}
