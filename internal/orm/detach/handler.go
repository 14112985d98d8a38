package detach

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/conduit-lang/detach/internal/orm/metadata"
	"github.com/conduit-lang/detach/internal/orm/ormerr"
	"github.com/conduit-lang/detach/internal/orm/provider"
)

// Handler disconnects and applies values of the types it is registered for.
//
// Disconnect returns an independent counterpart of managed. Apply writes the
// changes carried by modified onto managed and returns managed for reference
// kinds or the reconciled value for value kinds. Writes to live objects go
// through Traversal.Defer so a failing apply leaves the live graph untouched.
type Handler interface {
	Name() string
	// Types lists the static types the handler is bound to
	Types() []reflect.Type
	// CreateObject returns a new empty instance shaped like sample
	CreateObject(sample reflect.Value) (reflect.Value, error)
	Disconnect(t *Traversal, managed reflect.Value) (reflect.Value, error)
	Apply(t *Traversal, modified, managed reflect.Value) (reflect.Value, error)
}

// Dynamic is implemented by handlers that claim types by predicate
type Dynamic interface {
	Accepts(t reflect.Type) bool
}

// PathError locates a failure inside the traversed graph
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// Traversal is the state of one depth-first walk. Handlers recurse into
// nested values through it so every value is dispatched, bounded and
// recorded the same way.
type Traversal struct {
	ctx    context.Context
	engine *Engine
	adj    *Adjacency
	op     string
	depth  int
	path   []string
}

// Context returns the context of the call that started the walk
func (t *Traversal) Context() context.Context {
	return t.ctx
}

// Adjacency returns the bookkeeping shared by every value of the walk
func (t *Traversal) Adjacency() *Adjacency {
	return t.adj
}

// Provider returns the persistence provider the engine was created with
func (t *Traversal) Provider() provider.Provider {
	return t.engine.provider
}

// Metadata resolves the metadata of a struct type through the operation cache
func (t *Traversal) Metadata(typ reflect.Type) (*metadata.Object, error) {
	typ = provider.EntityType(typ)
	if obj, ok := t.adj.cachedMetadata(typ); ok {
		return obj, nil
	}
	obj, err := t.engine.resolver.Resolve(typ)
	if err != nil {
		return nil, err
	}
	t.adj.cacheMetadata(obj)
	return obj, nil
}

// Defer holds a write to the live graph until the apply commits. The undo
// the write returns runs if a later write, a persist or the flush fails.
func (t *Traversal) Defer(w Write) {
	t.adj.hold(w)
}

// deferSet holds the assignment of v to dst and restores the previous value
// on rollback
func (t *Traversal) deferSet(dst, v reflect.Value) {
	t.Defer(func() (func(), error) {
		prev := snapshot(dst)
		if err := setValue(dst, v); err != nil {
			return nil, err
		}
		return func() { dst.Set(prev) }, nil
	})
}

// Disconnect returns the detached counterpart of v
func (t *Traversal) Disconnect(v reflect.Value) (reflect.Value, error) {
	v = unwrap(v)
	if isNil(v) {
		return zeroOf(v), nil
	}
	if err := t.descend(); err != nil {
		return reflect.Value{}, err
	}
	defer t.ascend()

	h, err := t.engine.handlerFor(v.Type())
	if err != nil {
		return reflect.Value{}, t.wrap(err)
	}
	t.adj.visited++
	out, err := h.Disconnect(t, v)
	if err != nil {
		return reflect.Value{}, t.wrap(err)
	}
	return out, nil
}

// Apply reconciles modified onto its live pendant managed. A nil modified
// value leaves managed untouched; a missing or differently typed pendant
// attaches modified instead.
func (t *Traversal) Apply(modified, managed reflect.Value) (reflect.Value, error) {
	modified = unwrap(modified)
	managed = unwrap(managed)
	if isNil(modified) {
		return managed, nil
	}
	if isNil(managed) || managed.Type() != modified.Type() {
		return t.Attach(modified)
	}
	if err := t.descend(); err != nil {
		return reflect.Value{}, err
	}
	defer t.ascend()

	h, err := t.engine.handlerFor(modified.Type())
	if err != nil {
		return reflect.Value{}, t.wrap(err)
	}
	t.adj.visited++
	out, err := h.Apply(t, modified, managed)
	if err != nil {
		return reflect.Value{}, t.wrap(err)
	}
	return out, nil
}

// Attach produces the live counterpart of a modified value that has no
// pendant. Entities whose identifier the provider knows are applied onto the
// found instance; entities with a generated identifier the provider does not
// know are an identity error; everything else becomes a new instance that is
// persisted when the apply commits.
func (t *Traversal) Attach(modified reflect.Value) (reflect.Value, error) {
	modified = unwrap(modified)
	if isNil(modified) {
		return zeroOf(modified), nil
	}
	if out, ok := t.adj.lookup(dirApply, modified); ok {
		return out, nil
	}

	entity := t.isEntity(modified.Type())
	if entity {
		if id, ok := t.identifier(modified); ok {
			live, err := t.find(modified.Type(), id)
			if err != nil {
				return reflect.Value{}, t.wrap(err)
			}
			if live.IsValid() {
				return t.Apply(modified, live)
			}
		}
	}

	if err := t.descend(); err != nil {
		return reflect.Value{}, err
	}
	defer t.ascend()

	h, err := t.engine.handlerFor(modified.Type())
	if err != nil {
		return reflect.Value{}, t.wrap(err)
	}
	shell, err := h.CreateObject(modified)
	if err != nil {
		return reflect.Value{}, t.wrap(err)
	}
	t.adj.markFresh(shell)
	if entity {
		t.adj.addCreated(shell)
	}
	t.adj.visited++
	out, err := h.Apply(t, modified, shell)
	if err != nil {
		return reflect.Value{}, t.wrap(err)
	}
	return out, nil
}

// find looks up the live instance for id. It returns an invalid value when a
// caller-assigned identifier is unknown.
func (t *Traversal) find(typ reflect.Type, id any) (reflect.Value, error) {
	et := provider.EntityType(typ)
	found, err := t.Provider().FindByIdentifier(t.ctx, et, id)
	if err != nil && !errors.Is(err, provider.ErrNotFound) {
		return reflect.Value{}, err
	}
	if err == nil && found != nil {
		fv := reflect.ValueOf(found)
		if fv.Type() != typ {
			return reflect.Value{}, &ormerr.ShapeError{Type: typ, Reason: fmt.Sprintf("provider returned %s", fv.Type())}
		}
		return fv, nil
	}

	meta, err := t.Metadata(et)
	if err != nil {
		return reflect.Value{}, err
	}
	if p, ok := meta.Identifier(); ok && p.Assigned {
		return reflect.Value{}, nil
	}
	return reflect.Value{}, &ormerr.IdentityError{Type: et, ID: id, Reason: ormerr.IdentityNotFound}
}

// isEntity reports whether values of typ are pointers to structs that
// declare an identifier
func (t *Traversal) isEntity(typ reflect.Type) bool {
	if typ.Kind() != reflect.Ptr || !isComposite(t.engine.registry, typ) {
		return false
	}
	meta, err := t.Metadata(typ)
	if err != nil {
		return false
	}
	_, ok := meta.Identifier()
	return ok
}

func isComposite(r *Registry, typ reflect.Type) bool {
	h, ok := r.Resolve(typ)
	if !ok {
		return false
	}
	_, ok = h.(*CompositeHandler)
	return ok
}

// identifier returns the provider's identifier of a struct or struct pointer
func (t *Traversal) identifier(v reflect.Value) (any, bool) {
	typ := v.Type()
	et := provider.EntityType(typ)
	if et.Kind() != reflect.Struct || !isComposite(t.engine.registry, typ) {
		return nil, false
	}
	meta, err := t.Metadata(et)
	if err != nil {
		return nil, false
	}
	if _, ok := meta.Identifier(); !ok {
		return nil, false
	}
	return t.Provider().Identifier(et, v.Interface())
}

// unloaded reports whether v is a placeholder or lazy collection whose
// content was never fetched
func (t *Traversal) unloaded(v reflect.Value) bool {
	v = unwrap(v)
	if isNil(v) || !v.CanInterface() {
		return false
	}
	x := v.Interface()
	p := t.Provider()
	if p.IsPlaceholder(x) && !p.IsPlaceholderLoaded(x) {
		return true
	}
	return p.IsLazyCollection(x) && !p.IsLazyCollectionLoaded(x)
}

func (t *Traversal) descend() error {
	t.depth++
	if limit := t.engine.maxDepth; limit > 0 && t.depth > limit {
		t.depth--
		return t.wrap(ErrMaxDepthExceeded)
	}
	return nil
}

func (t *Traversal) ascend() {
	t.depth--
}

// enter pushes a path segment; the returned func pops it
func (t *Traversal) enter(segment string) func() {
	t.path = append(t.path, segment)
	return func() { t.path = t.path[:len(t.path)-1] }
}

func (t *Traversal) wrap(err error) error {
	var pe *PathError
	if errors.As(err, &pe) {
		return err
	}
	return &PathError{Op: t.op, Path: t.pathString(), Err: err}
}

func (t *Traversal) pathString() string {
	if len(t.path) == 0 {
		return "$"
	}
	return "$" + strings.Join(t.path, "")
}

func unwrap(v reflect.Value) reflect.Value {
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func isNil(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

func zeroOf(v reflect.Value) reflect.Value {
	if !v.IsValid() {
		return reflect.Value{}
	}
	return reflect.Zero(v.Type())
}

// setValue writes v into dst; an invalid v writes the zero value
func setValue(dst, v reflect.Value) error {
	v = orZero(v, dst.Type())
	if !v.Type().AssignableTo(dst.Type()) {
		return &ormerr.ShapeError{Type: dst.Type(), Reason: fmt.Sprintf("cannot assign %s", v.Type())}
	}
	dst.Set(v)
	return nil
}

// snapshot copies the current value of v so later writes to v do not show
// through
func snapshot(v reflect.Value) reflect.Value {
	if !v.IsValid() {
		return v
	}
	c := reflect.New(v.Type()).Elem()
	c.Set(v)
	return c
}

func orZero(v reflect.Value, typ reflect.Type) reflect.Value {
	if !v.IsValid() {
		return reflect.Zero(typ)
	}
	return v
}

func elements(v reflect.Value) []reflect.Value {
	if !v.IsValid() {
		return nil
	}
	out := make([]reflect.Value, v.Len())
	for i := range out {
		out[i] = v.Index(i)
	}
	return out
}

func index(i int) string {
	return fmt.Sprintf("[%d]", i)
}
