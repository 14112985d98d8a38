// Package lazy provides the placeholder form of a to-many collection: a list
// whose content is fetched from the backing store on first use.
package lazy

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrNotLoaded is returned when the content of a pending list is modified
// before it was loaded
var ErrNotLoaded = errors.New("lazy list is not loaded")

// Collection is the type-erased view of a List used by the detach engine and
// the providers
type Collection interface {
	// Loaded reports whether the content is materialized
	Loaded() bool
	// Load fetches the content if it is still pending
	Load(ctx context.Context) error
	// Len returns the number of loaded elements, 0 while pending
	Len() int
	// Slice returns the loaded elements as a []T, a typed nil while pending
	Slice() any
	// Replace swaps the content for items, which must be a []T, and marks the list loaded
	Replace(items any) error
	// Defer discards the content and makes the list pending on load, which
	// must produce a []T
	Defer(load func(ctx context.Context) (any, error))
}

// Loader fetches the content of a pending list
type Loader[T any] func(ctx context.Context) ([]T, error)

// List is an ordered collection that may stand in for content not yet loaded.
// The zero value is a loaded, empty list.
type List[T any] struct {
	mu      sync.Mutex
	items   []T
	pending bool
	loader  Loader[T]
}

// New creates a loaded list holding items
func New[T any](items ...T) *List[T] {
	return &List[T]{items: items}
}

// Pending creates a list whose content is fetched by loader on first Load
func Pending[T any](loader Loader[T]) *List[T] {
	return &List[T]{pending: true, loader: loader}
}

// Loaded returns true if the content is materialized
func (l *List[T]) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.pending
}

// Load fetches the content once; later calls are no-ops
func (l *List[T]) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.pending {
		return nil
	}
	if l.loader == nil {
		return fmt.Errorf("%w: no loader", ErrNotLoaded)
	}
	items, err := l.loader(ctx)
	if err != nil {
		return err
	}
	l.items = items
	l.pending = false
	l.loader = nil
	return nil
}

// Get loads the list if needed and returns a copy of its elements
func (l *List[T]) Get(ctx context.Context) ([]T, error) {
	if err := l.Load(ctx); err != nil {
		return nil, err
	}
	return l.Items(), nil
}

// Items returns a copy of the loaded elements, nil while pending
func (l *List[T]) Items() []T {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pending || l.items == nil {
		return nil
	}
	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the number of loaded elements
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Set replaces the content and marks the list loaded
func (l *List[T]) Set(items []T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.items = items
	l.pending = false
	l.loader = nil
}

// Append adds items to a loaded list
func (l *List[T]) Append(items ...T) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pending {
		return ErrNotLoaded
	}
	l.items = append(l.items, items...)
	return nil
}

// Slice implements Collection
func (l *List[T]) Slice() any {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pending {
		return []T(nil)
	}
	return l.items
}

// Replace implements Collection
func (l *List[T]) Replace(items any) error {
	typed, ok := items.([]T)
	if !ok && items != nil {
		return fmt.Errorf("lazy list of %s cannot hold %T", reflect.TypeFor[T](), items)
	}
	l.Set(typed)
	return nil
}

// Defer implements Collection
func (l *List[T]) Defer(load func(ctx context.Context) (any, error)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.items = nil
	l.pending = true
	l.loader = func(ctx context.Context) ([]T, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		typed, ok := v.([]T)
		if !ok && v != nil {
			return nil, fmt.Errorf("lazy list of %s cannot hold %T", reflect.TypeFor[T](), v)
		}
		return typed, nil
	}
}
