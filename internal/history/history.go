// Package history holds the FIFO-bounded collections every elder component
// keeps in memory. Buffer is a single bounded sequence; Partitioned shards
// buffers by organization id with one lock per partition.
package history

import (
	"sort"
	"sync"
)

// Buffer keeps at most max items, evicting oldest first. Not safe for
// concurrent use. A max of zero or less means unbounded.
type Buffer[T any] struct {
	max   int
	items []T
}

// NewBuffer returns an empty buffer bounded to max items.
func NewBuffer[T any](max int) *Buffer[T] {
	return &Buffer[T]{max: max}
}

// Append adds items at the tail and returns how many were evicted.
func (b *Buffer[T]) Append(items ...T) int {
	b.items = append(b.items, items...)
	if b.max <= 0 || len(b.items) <= b.max {
		return 0
	}
	over := len(b.items) - b.max
	n := copy(b.items, b.items[over:])
	var zero T
	for i := n; i < len(b.items); i++ {
		b.items[i] = zero
	}
	b.items = b.items[:n]
	return over
}

// Len returns the number of items held.
func (b *Buffer[T]) Len() int { return len(b.items) }

// Max returns the bound.
func (b *Buffer[T]) Max() int { return b.max }

// All returns a copy of every item, oldest first.
func (b *Buffer[T]) All() []T {
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

// Last returns a copy of the newest n items, oldest first. n <= 0 returns all.
func (b *Buffer[T]) Last(n int) []T {
	if n <= 0 || n > len(b.items) {
		n = len(b.items)
	}
	out := make([]T, n)
	copy(out, b.items[len(b.items)-n:])
	return out
}

// Newest returns up to n items matching keep, newest first. n <= 0 means no limit.
func (b *Buffer[T]) Newest(n int, keep func(T) bool) []T {
	var out []T
	for i := len(b.items) - 1; i >= 0; i-- {
		if keep != nil && !keep(b.items[i]) {
			continue
		}
		out = append(out, b.items[i])
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

// Retain drops every item for which keep returns false and reports how many
// were removed.
func (b *Buffer[T]) Retain(keep func(T) bool) int {
	kept := b.items[:0]
	for _, it := range b.items {
		if keep(it) {
			kept = append(kept, it)
		}
	}
	removed := len(b.items) - len(kept)
	var zero T
	for i := len(kept); i < len(b.items); i++ {
		b.items[i] = zero
	}
	b.items = kept
	return removed
}

// Reset empties the buffer.
func (b *Buffer[T]) Reset() { b.items = nil }

type partition[T any] struct {
	mu  sync.Mutex
	buf *Buffer[T]
}

// Partitioned keeps one bounded Buffer per key. Safe for concurrent use;
// operations on different keys do not contend.
type Partitioned[T any] struct {
	mu    sync.RWMutex
	max   int
	parts map[string]*partition[T]
}

// NewPartitioned returns an empty set of per-key buffers bounded to max.
func NewPartitioned[T any](max int) *Partitioned[T] {
	return &Partitioned[T]{max: max, parts: make(map[string]*partition[T])}
}

func (p *Partitioned[T]) get(key string, create bool) *partition[T] {
	p.mu.RLock()
	part := p.parts[key]
	p.mu.RUnlock()
	if part != nil || !create {
		return part
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if part = p.parts[key]; part == nil {
		part = &partition[T]{buf: NewBuffer[T](p.max)}
		p.parts[key] = part
	}
	return part
}

// Append adds items to key's buffer and returns how many were evicted.
func (p *Partitioned[T]) Append(key string, items ...T) int {
	part := p.get(key, true)
	part.mu.Lock()
	defer part.mu.Unlock()
	return part.buf.Append(items...)
}

// Last returns the newest n items of key, oldest first.
func (p *Partitioned[T]) Last(key string, n int) []T {
	part := p.get(key, false)
	if part == nil {
		return nil
	}
	part.mu.Lock()
	defer part.mu.Unlock()
	return part.buf.Last(n)
}

// Len returns the number of items held for key.
func (p *Partitioned[T]) Len(key string) int {
	part := p.get(key, false)
	if part == nil {
		return 0
	}
	part.mu.Lock()
	defer part.mu.Unlock()
	return part.buf.Len()
}

// Keys returns every key that has been appended to, sorted.
func (p *Partitioned[T]) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.parts))
	for k := range p.parts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Retain applies keep to every partition and returns the total removed.
func (p *Partitioned[T]) Retain(keep func(T) bool) int {
	p.mu.RLock()
	parts := make([]*partition[T], 0, len(p.parts))
	for _, part := range p.parts {
		parts = append(parts, part)
	}
	p.mu.RUnlock()

	removed := 0
	for _, part := range parts {
		part.mu.Lock()
		removed += part.buf.Retain(keep)
		part.mu.Unlock()
	}
	return removed
}

// Total returns the number of items across all partitions.
func (p *Partitioned[T]) Total() int {
	total := 0
	for _, k := range p.Keys() {
		total += p.Len(k)
	}
	return total
}
