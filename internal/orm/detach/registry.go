package detach

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrRegistrySealed is returned when a handler is registered after Seal
var ErrRegistrySealed = errors.New("handler registry is sealed")

type resolution struct {
	handler Handler
}

// Registry maps runtime types to handlers. It is populated during setup,
// sealed, and read concurrently afterwards.
type Registry struct {
	static  map[reflect.Type]Handler
	dynamic []Handler
	memo    sync.Map // reflect.Type -> resolution
	sealed  atomic.Bool
	mu      sync.RWMutex
}

// NewRegistry creates an empty, unsealed registry
func NewRegistry() *Registry {
	return &Registry{
		static: make(map[reflect.Type]Handler),
	}
}

// DefaultRegistry returns a sealed registry holding every built-in handler
func DefaultRegistry() *Registry {
	r := NewRegistry()
	if err := RegisterDefaults(r); err != nil {
		panic(fmt.Sprintf("register default handlers: %v", err))
	}
	r.Seal()
	return r
}

// RegisterDefaults registers the built-in handlers. Dynamic handlers are
// consulted in registration order, so the more specific predicates go first.
func RegisterDefaults(r *Registry) error {
	for _, h := range []Handler{
		&BasicHandler{},
		&LazyListHandler{},
		&SetHandler{},
		&MapHandler{},
		&SliceHandler{},
		&ArrayHandler{},
		&PointerHandler{},
		&CompositeHandler{},
	} {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// Register binds h to its static types and extra. The last registration for
// a type wins. Dynamic handlers are also appended to the predicate list.
func (r *Registry) Register(h Handler, extra ...reflect.Type) error {
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range append(h.Types(), extra...) {
		r.static[t] = h
	}
	if _, ok := h.(Dynamic); ok {
		r.dynamic = append(r.dynamic, h)
	}
	return nil
}

// Seal ends the setup phase
func (r *Registry) Seal() {
	r.sealed.Store(true)
}

// Sealed returns true once Seal was called
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Resolve returns the handler for t: an exact static binding, then the most
// specific interface key t implements, then the first dynamic handler
// accepting t. Results are memoized once the registry is sealed.
func (r *Registry) Resolve(t reflect.Type) (Handler, bool) {
	sealed := r.sealed.Load()
	if sealed {
		if res, ok := r.memo.Load(t); ok {
			h := res.(resolution).handler
			return h, h != nil
		}
	}

	h := r.resolve(t)
	if sealed {
		r.memo.Store(t, resolution{handler: h})
	}
	return h, h != nil
}

func (r *Registry) resolve(t reflect.Type) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.static[t]; ok {
		return h
	}

	var candidates []reflect.Type
	for key := range r.static {
		if key.Kind() == reflect.Interface && t.AssignableTo(key) {
			candidates = append(candidates, key)
		}
	}
	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].String() < candidates[j].String()
		})
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c != best && c.AssignableTo(best) {
				best = c
			}
		}
		return r.static[best]
	}

	for _, h := range r.dynamic {
		if h.(Dynamic).Accepts(t) {
			return h
		}
	}
	return nil
}

// Entry describes one binding for listings
type Entry struct {
	Key     string
	Handler string
}

// Entries lists the static bindings sorted by key followed by the dynamic
// handlers in consultation order
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.static)+len(r.dynamic))
	for t, h := range r.static {
		entries = append(entries, Entry{Key: t.String(), Handler: h.Name()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	for _, h := range r.dynamic {
		entries = append(entries, Entry{Key: "*", Handler: h.Name()})
	}
	return entries
}
