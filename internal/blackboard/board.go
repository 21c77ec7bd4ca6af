// Package blackboard implements the execution context shared by tasks and
// pipeline modules: a weakly-typed key/value map behind a single lock.
//
// Each call is atomic on its own. A sequence of Set calls is not; callers
// that need several keys to change together use Update.
package blackboard

import (
	"maps"
	"sort"
	"sync"
)

// Board is safe for concurrent use. The zero value is not usable; call New.
type Board struct {
	mu   sync.RWMutex
	data map[string]any
}

func New() *Board {
	return &Board{data: make(map[string]any)}
}

// FromMap seeds a board with a copy of m.
func FromMap(m map[string]any) *Board {
	b := New()
	maps.Copy(b.data, m)
	return b
}

// Get returns the value stored at key, or def when the key is absent.
func (b *Board) Get(key string, def any) any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if v, ok := b.data[key]; ok {
		return v
	}
	return def
}

func (b *Board) Lookup(key string) (any, bool) {
	b.mu.RLock()
	v, ok := b.data[key]
	b.mu.RUnlock()
	return v, ok
}

func (b *Board) Set(key string, value any) {
	b.mu.Lock()
	b.data[key] = value
	b.mu.Unlock()
}

// Update writes every entry of m under one lock acquisition; readers never
// observe part of it. Later writers win per key.
func (b *Board) Update(m map[string]any) {
	if len(m) == 0 {
		return
	}
	b.mu.Lock()
	maps.Copy(b.data, m)
	b.mu.Unlock()
}

func (b *Board) Delete(key string) {
	b.mu.Lock()
	delete(b.data, key)
	b.mu.Unlock()
}

// Clear empties the board in place so holders of the pointer see the reset.
func (b *Board) Clear() {
	b.mu.Lock()
	clear(b.data)
	b.mu.Unlock()
}

// Replace swaps the whole content for a copy of m.
func (b *Board) Replace(m map[string]any) {
	b.mu.Lock()
	b.data = maps.Clone(m)
	if b.data == nil {
		b.data = make(map[string]any)
	}
	b.mu.Unlock()
}

// Snapshot returns a shallow copy of the board.
func (b *Board) Snapshot() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.data)
}

// Overlay returns a copy of the board with local merged on top. The board is
// not modified.
func (b *Board) Overlay(local map[string]any) map[string]any {
	b.mu.RLock()
	out := make(map[string]any, len(b.data)+len(local))
	maps.Copy(out, b.data)
	b.mu.RUnlock()
	maps.Copy(out, local)
	return out
}

// Keys returns the stored keys in sorted order.
func (b *Board) Keys() []string {
	b.mu.RLock()
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	b.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// GetAs returns the value at key when present and of type T.
func GetAs[T any](b *Board, key string) (T, bool) {
	var zero T
	v, ok := b.Lookup(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
