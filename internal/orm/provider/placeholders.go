package provider

import (
	"reflect"
	"sync"
)

type placeholderKey struct {
	typ reflect.Type
	ptr uintptr
}

type placeholder struct {
	ref    any // keeps the proxy reachable while tracked
	loaded bool
}

// Placeholders tracks reference proxies: pointers to entity shells that carry
// only their identifier until initialized. Proxies are keyed by type and
// address so a struct and its first field never collide.
type Placeholders struct {
	mu      sync.RWMutex
	entries map[placeholderKey]*placeholder
}

// NewPlaceholders creates an empty proxy registry
func NewPlaceholders() *Placeholders {
	return &Placeholders{entries: make(map[placeholderKey]*placeholder)}
}

func keyOf(v any) (placeholderKey, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return placeholderKey{}, false
	}
	return placeholderKey{typ: rv.Type(), ptr: rv.Pointer()}, true
}

// Track registers v as an uninitialized proxy
func (p *Placeholders) Track(v any) {
	key, ok := keyOf(v)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[key] = &placeholder{ref: v}
}

// MarkLoaded records that the proxy's state was fetched
func (p *Placeholders) MarkLoaded(v any) {
	key, ok := keyOf(v)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		e.loaded = true
	}
}

// Contains returns true if v is a tracked proxy
func (p *Placeholders) Contains(v any) bool {
	key, ok := keyOf(v)
	if !ok {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok = p.entries[key]
	return ok
}

// Loaded returns false only for tracked proxies not yet initialized
func (p *Placeholders) Loaded(v any) bool {
	key, ok := keyOf(v)
	if !ok {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[key]
	return !ok || e.loaded
}

// Forget stops tracking v
func (p *Placeholders) Forget(v any) {
	key, ok := keyOf(v)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key)
}

// Len returns the number of tracked proxies
func (p *Placeholders) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
