package detach

import (
	"context"
	"reflect"

	"github.com/google/uuid"

	"github.com/conduit-lang/detach/internal/orm/metadata"
)

// contextKey is a type for context keys to avoid collisions
type contextKey string

const (
	// contextKeyAdjacency is the key for storing an adjacency in context
	contextKeyAdjacency contextKey = "conduit:adjacency"
)

// AdjacencyFrom retrieves an adjacency from the context
func AdjacencyFrom(ctx context.Context) (*Adjacency, bool) {
	adj, ok := ctx.Value(contextKeyAdjacency).(*Adjacency)
	return adj, ok
}

// WithAdjacency returns a new context that makes the engine reuse adj
// instead of opening a fresh one per call
func WithAdjacency(ctx context.Context, adj *Adjacency) context.Context {
	return context.WithValue(ctx, contextKeyAdjacency, adj)
}

type direction int

const (
	dirDisconnect direction = iota
	dirApply
)

// identity is the address-based key of a value that has identity: a pointer,
// a map or a non-empty slice. Slices also carry their length so a slice and
// its prefix are distinct.
type identity struct {
	typ reflect.Type
	ptr uintptr
	n   int
}

func identityOf(v reflect.Value) (identity, bool) {
	if !v.IsValid() {
		return identity{}, false
	}
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() || v.Type().Elem().Size() == 0 {
			return identity{}, false
		}
		return identity{typ: v.Type(), ptr: v.Pointer()}, true
	case reflect.Map:
		if v.IsNil() {
			return identity{}, false
		}
		return identity{typ: v.Type(), ptr: v.Pointer()}, true
	case reflect.Slice:
		// empty slices may all point at the same zero-size allocation
		if v.IsNil() || v.Len() == 0 || v.Type().Elem().Size() == 0 {
			return identity{}, false
		}
		return identity{typ: v.Type(), ptr: v.Pointer(), n: v.Len()}, true
	}
	return identity{}, false
}

type counterpart struct {
	source reflect.Value // keeps the source alive so its address is not reused
	target reflect.Value
}

// Change records a property whose value an apply replaced
type Change struct {
	Type     reflect.Type
	ID       any
	Property string
	OldValue any
	NewValue any
}

// Adjacency is the bookkeeping of one disconnect or apply: the identity map
// from source objects to their counterparts, an operation-scoped metadata
// cache, the writes an apply holds back until it succeeds, and the change
// log. An Adjacency is not safe for concurrent use.
type Adjacency struct {
	id      string
	seen    [2]map[identity]counterpart
	fresh   map[identity]bool
	meta    map[reflect.Type]*metadata.Object
	pending []Write
	undo    []func()
	created []reflect.Value
	changes []Change
	journal []registration
	visited int
}

// Write is a held-back change to the live graph. It returns the func that
// restores what it overwrote, or nil when nothing needs restoring.
type Write func() (undo func(), err error)

// registration remembers what an apply registration replaced so a failed
// call can be taken back without losing the registrations of earlier calls
type registration struct {
	fresh   bool
	key     identity
	prev    counterpart
	existed bool
}

// mark is the state of an adjacency before a call
type mark struct {
	journal int
	changes int
}

// NewAdjacency creates an empty adjacency
func NewAdjacency() *Adjacency {
	return &Adjacency{
		id: uuid.NewString(),
		seen: [2]map[identity]counterpart{
			make(map[identity]counterpart),
			make(map[identity]counterpart),
		},
		fresh: make(map[identity]bool),
		meta:  make(map[reflect.Type]*metadata.Object),
	}
}

// ID returns the operation id used in logs
func (a *Adjacency) ID() string {
	return a.id
}

// Len returns the number of registered counterparts across both directions
func (a *Adjacency) Len() int {
	return len(a.seen[dirDisconnect]) + len(a.seen[dirApply])
}

// Visited returns the number of values dispatched to a handler
func (a *Adjacency) Visited() int {
	return a.visited
}

// Changes returns the properties replaced by committed applies
func (a *Adjacency) Changes() []Change {
	out := make([]Change, len(a.changes))
	copy(out, a.changes)
	return out
}

// Pending returns the number of writes waiting for commit
func (a *Adjacency) Pending() int {
	return len(a.pending)
}

func (a *Adjacency) lookup(dir direction, source reflect.Value) (reflect.Value, bool) {
	key, ok := identityOf(source)
	if !ok {
		return reflect.Value{}, false
	}
	c, ok := a.seen[dir][key]
	return c.target, ok
}

func (a *Adjacency) register(dir direction, source, target reflect.Value) {
	key, ok := identityOf(source)
	if !ok {
		return
	}
	if dir == dirApply {
		prev, existed := a.seen[dir][key]
		a.journal = append(a.journal, registration{key: key, prev: prev, existed: existed})
	}
	a.seen[dir][key] = counterpart{source: source, target: target}
}

func (a *Adjacency) markFresh(v reflect.Value) {
	key, ok := identityOf(v)
	if !ok || a.fresh[key] {
		return
	}
	a.journal = append(a.journal, registration{fresh: true, key: key})
	a.fresh[key] = true
}

func (a *Adjacency) isFresh(v reflect.Value) bool {
	key, ok := identityOf(v)
	return ok && a.fresh[key]
}

func (a *Adjacency) cachedMetadata(t reflect.Type) (*metadata.Object, bool) {
	obj, ok := a.meta[t]
	return obj, ok
}

func (a *Adjacency) cacheMetadata(obj *metadata.Object) {
	a.meta[obj.Type()] = obj
}

func (a *Adjacency) hold(w Write) {
	a.pending = append(a.pending, w)
}

func (a *Adjacency) addCreated(v reflect.Value) {
	a.created = append(a.created, v)
}

func (a *Adjacency) mark() mark {
	return mark{journal: len(a.journal), changes: len(a.changes)}
}

// commit runs the held-back writes in the order they were recorded. If one
// fails, the writes before it are undone.
func (a *Adjacency) commit(m mark) ([]reflect.Value, error) {
	pending := a.pending
	created := a.created
	a.pending = nil
	a.created = nil
	for _, w := range pending {
		undo, err := w()
		if err != nil {
			a.rollback(m)
			return nil, err
		}
		if undo != nil {
			a.undo = append(a.undo, undo)
		}
	}
	return created, nil
}

// rollback restores the live graph to its state at m by undoing committed
// writes in reverse order, then discards the call's registrations
func (a *Adjacency) rollback(m mark) {
	for i := len(a.undo) - 1; i >= 0; i-- {
		a.undo[i]()
	}
	a.undo = nil
	a.changes = a.changes[:m.changes]
	a.discard(m)
}

// settle forgets the undo log and the journal once a call has fully
// succeeded
func (a *Adjacency) settle() {
	a.undo = nil
	a.journal = nil
}

// discard drops the held-back writes of a failed apply together with the
// counterparts it registered since m. Registrations of earlier calls stay.
func (a *Adjacency) discard(m mark) {
	a.pending = nil
	a.created = nil
	for i := len(a.journal) - 1; i >= m.journal; i-- {
		r := a.journal[i]
		switch {
		case r.fresh:
			delete(a.fresh, r.key)
		case r.existed:
			a.seen[dirApply][r.key] = r.prev
		default:
			delete(a.seen[dirApply], r.key)
		}
	}
	a.journal = a.journal[:m.journal]
}

func (a *Adjacency) record(c Change) {
	a.changes = append(a.changes, c)
}
