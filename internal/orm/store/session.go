// Package store is a unit-of-work persistence layer for entities described
// by orm metadata.
//
// A Session keeps one managed instance per identifier, loads references as
// placeholders and to-many associations as lazy lists, and flushes changed
// columns to a Backend with optimistic locking. Session implements
// provider.Provider, so it can back the detach engine directly.
//
// A Session is a unit of work and is not safe for concurrent use.
package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"go.uber.org/zap"

	"github.com/conduit-lang/detach/internal/orm/lazy"
	"github.com/conduit-lang/detach/internal/orm/metadata"
	"github.com/conduit-lang/detach/internal/orm/ormerr"
	"github.com/conduit-lang/detach/internal/orm/property"
	"github.com/conduit-lang/detach/internal/orm/provider"
)

// ErrNotManaged is returned for instances the session does not manage
var ErrNotManaged = errors.New("instance is not managed by the session")

type entityKey struct {
	typ reflect.Type
	id  any
}

// entry is the session state of one managed instance
type entry struct {
	m   *mapping
	ptr reflect.Value
	id  any
	// loaded is false for placeholders
	loaded   bool
	snapshot Record
	// members holds the elements of each loaded collection as of the last
	// load or flush
	members map[string][]any
}

// Session is a unit of work over a Backend
type Session struct {
	*provider.Introspector

	backend  Backend
	logger   *zap.Logger
	resolver *metadata.Resolver

	mappings map[reflect.Type]*mapping
	identity map[entityKey]*entry
	byPtr    map[any]*entry
	entries  []*entry
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithResolver sets the metadata resolver; it must be the one the engine uses
func WithResolver(r *metadata.Resolver) Option {
	return func(s *Session) { s.resolver = r }
}

// New creates a session over backend
func New(backend Backend, opts ...Option) *Session {
	s := &Session{
		backend:  backend,
		logger:   zap.NewNop(),
		mappings: make(map[reflect.Type]*mapping),
		identity: make(map[entityKey]*entry),
		byPtr:    make(map[any]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.Introspector = provider.NewIntrospector(s.resolver, nil)
	s.resolver = s.Introspector.Resolver
	return s
}

// Backend returns the backend the session writes to
func (s *Session) Backend() Backend {
	return s.backend
}

// Register maps entity types, given as sample values or pointers, and
// prepares their tables. References between entities are recognized only
// when the referenced type is registered in the same call or before.
func (s *Session) Register(ctx context.Context, samples ...any) error {
	pending := make(map[reflect.Type]bool, len(samples))
	types := make([]reflect.Type, 0, len(samples))
	for _, sample := range samples {
		t := provider.EntityType(reflect.TypeOf(sample))
		if t == nil || t.Kind() != reflect.Struct {
			return &ormerr.ShapeError{Type: t, Reason: "entities must be structs"}
		}
		pending[t] = true
		types = append(types, t)
	}
	entities := func(t reflect.Type) bool {
		_, ok := s.mappings[t]
		return ok || pending[t]
	}

	for _, t := range types {
		if _, ok := s.mappings[t]; ok {
			continue
		}
		meta, err := s.resolver.Resolve(t)
		if err != nil {
			return err
		}
		m, err := buildMapping(s.resolver, meta, entities)
		if err != nil {
			return err
		}
		if err := s.backend.EnsureTable(ctx, m.table); err != nil {
			return fmt.Errorf("ensure table %s: %w", m.table.Name, err)
		}
		s.mappings[t] = m
		s.logger.Debug("entity registered",
			zap.String("type", t.String()),
			zap.String("table", m.table.Name),
			zap.Strings("columns", m.table.ColumnNames()))
	}
	return nil
}

// Tables returns the layout of every registered entity, ordered by name
func (s *Session) Tables() []Table {
	tables := make([]Table, 0, len(s.mappings))
	for _, m := range s.mappings {
		tables = append(tables, m.table)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	return tables
}

// Len returns the number of managed instances, placeholders included
func (s *Session) Len() int {
	return len(s.entries)
}

// Contains reports whether v is managed by the session
func (s *Session) Contains(v any) bool {
	_, ok := s.managed(v)
	return ok
}

// managed looks up the entry of an entity pointer
func (s *Session) managed(v any) (*entry, bool) {
	if reflect.ValueOf(v).Kind() != reflect.Ptr {
		return nil, false
	}
	e, ok := s.byPtr[v]
	return e, ok
}

// Clear detaches every managed instance
func (s *Session) Clear() {
	for _, e := range s.entries {
		s.Placeholders.Forget(e.ptr.Interface())
	}
	s.identity = make(map[entityKey]*entry)
	s.byPtr = make(map[any]*entry)
	s.entries = nil
}

// Find returns the managed instance of t with the identifier, loading it
// when needed
func (s *Session) Find(ctx context.Context, t reflect.Type, id any) (any, error) {
	m, err := s.mappingOf(t)
	if err != nil {
		return nil, err
	}
	key, err := s.normalizeID(m, id)
	if err != nil {
		return nil, err
	}
	if e, ok := s.identity[entityKey{m.typ, key}]; ok {
		if err := s.load(ctx, e); err != nil {
			return nil, err
		}
		return e.ptr.Interface(), nil
	}

	rec, err := s.backend.Get(ctx, m.table, encodeID(key))
	if err != nil {
		return nil, fmt.Errorf("find %s %v: %w", m.table.Name, key, err)
	}
	e, err := s.materialize(m, rec)
	if err != nil {
		return nil, err
	}
	return e.ptr.Interface(), nil
}

// FindByIdentifier implements provider.Provider
func (s *Session) FindByIdentifier(ctx context.Context, t reflect.Type, id any) (any, error) {
	v, err := s.Find(ctx, t, id)
	if IsNotFound(err) {
		return nil, provider.ErrNotFound
	}
	return v, err
}

// Reference returns the managed instance of t with the identifier without
// loading it. Unknown identifiers yield a placeholder carrying only the
// identifier.
func (s *Session) Reference(t reflect.Type, id any) (any, error) {
	m, err := s.mappingOf(t)
	if err != nil {
		return nil, err
	}
	e, err := s.reference(m, id)
	if err != nil {
		return nil, err
	}
	return e.ptr.Interface(), nil
}

// Initialize loads a placeholder or a lazy list
func (s *Session) Initialize(ctx context.Context, v any) error {
	if c, ok := v.(lazy.Collection); ok {
		return c.Load(ctx)
	}
	e, ok := s.managed(v)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotManaged, v)
	}
	return s.load(ctx, e)
}

// Persist implements provider.Provider. The instance is inserted right away
// without its reference columns, which the next Flush writes.
func (s *Session) Persist(ctx context.Context, v any) (any, error) {
	if _, ok := s.managed(v); ok {
		return v, nil
	}
	ptr := reflect.ValueOf(v)
	if ptr.Kind() != reflect.Ptr || ptr.IsNil() {
		return nil, &ormerr.ShapeError{Type: reflect.TypeOf(v), Reason: "persist needs a non-nil entity pointer"}
	}
	m, err := s.mappingOf(ptr.Type())
	if err != nil {
		return nil, err
	}
	if _, err := s.insert(ctx, m, ptr); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Session) mappingOf(t reflect.Type) (*mapping, error) {
	t = provider.EntityType(t)
	m, ok := s.mappings[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregistered, t)
	}
	return m, nil
}

// normalizeID converts an identifier to the type of the identifier property
func (s *Session) normalizeID(m *mapping, id any) (any, error) {
	v, err := Convert(id, m.id.prop.Type)
	if err != nil {
		return nil, fmt.Errorf("%s identifier: %w", m.table.Name, err)
	}
	if v.IsZero() {
		return nil, &ormerr.IdentityError{Type: m.typ, Reason: ormerr.IdentityMissing}
	}
	return v.Interface(), nil
}

func encodeID(id any) any {
	enc, err := Encode(reflect.ValueOf(id))
	if err != nil {
		return id
	}
	return enc
}

func (s *Session) track(e *entry) {
	s.identity[entityKey{e.m.typ, e.id}] = e
	s.byPtr[e.ptr.Interface()] = e
	s.entries = append(s.entries, e)
}

func (s *Session) untrack(e *entry) {
	delete(s.identity, entityKey{e.m.typ, e.id})
	delete(s.byPtr, e.ptr.Interface())
	for i, x := range s.entries {
		if x == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	s.Placeholders.Forget(e.ptr.Interface())
}

func (s *Session) load(ctx context.Context, e *entry) error {
	if e.loaded {
		return nil
	}
	rec, err := s.backend.Get(ctx, e.m.table, encodeID(e.id))
	if err != nil {
		return fmt.Errorf("load %s %v: %w", e.m.table.Name, e.id, err)
	}
	return s.hydrate(e, rec)
}

// materialize returns the managed instance for a fetched record. Instances
// already loaded keep their in-memory state.
func (s *Session) materialize(m *mapping, rec Record) (*entry, error) {
	id, err := s.normalizeID(m, rec[m.table.ID])
	if err != nil {
		return nil, err
	}
	if e, ok := s.identity[entityKey{m.typ, id}]; ok {
		if !e.loaded {
			if err := s.hydrate(e, rec); err != nil {
				return nil, err
			}
		}
		return e, nil
	}

	e := &entry{m: m, ptr: reflect.New(m.typ), id: id, members: make(map[string][]any)}
	s.track(e)
	if err := s.hydrate(e, rec); err != nil {
		s.untrack(e)
		return nil, err
	}
	return e, nil
}

func (s *Session) reference(m *mapping, raw any) (*entry, error) {
	id, err := s.normalizeID(m, raw)
	if err != nil {
		return nil, err
	}
	if e, ok := s.identity[entityKey{m.typ, id}]; ok {
		return e, nil
	}

	ptr := reflect.New(m.typ)
	acc, err := property.For(m.meta, ptr)
	if err != nil {
		return nil, err
	}
	if err := acc.SetProperty(m.id.prop, reflect.ValueOf(id)); err != nil {
		return nil, err
	}
	e := &entry{m: m, ptr: ptr, id: id, members: make(map[string][]any)}
	s.track(e)
	s.Placeholders.Track(ptr.Interface())
	return e, nil
}

// hydrate writes a record into the instance of e and takes its snapshot
func (s *Session) hydrate(e *entry, rec Record) error {
	acc, err := property.For(e.m.meta, e.ptr)
	if err != nil {
		return err
	}

	for _, f := range e.m.scalars {
		v, err := Convert(rec[f.column], f.prop.Type)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", e.m.table.Name, f.column, err)
		}
		if err := acc.SetProperty(f.prop, v); err != nil {
			return err
		}
	}

	for _, f := range e.m.refs {
		var ref reflect.Value
		if raw := rec[f.column]; raw != nil {
			target, err := s.mappingOf(f.target)
			if err != nil {
				return err
			}
			te, err := s.reference(target, raw)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", e.m.table.Name, f.column, err)
			}
			ref = te.ptr
		}
		if err := acc.SetProperty(f.prop, ref); err != nil {
			return err
		}
	}

	for _, f := range e.m.lists {
		list := reflect.New(f.prop.Type.Elem())
		list.Interface().(lazy.Collection).Defer(s.loader(e, f))
		if err := acc.SetProperty(f.prop, list); err != nil {
			return err
		}
	}

	e.loaded = true
	s.Placeholders.MarkLoaded(e.ptr.Interface())
	snapshot, err := s.record(e)
	if err != nil {
		return err
	}
	e.snapshot = snapshot
	return nil
}

// loader fetches the elements of a collection through the reference
// property of the elements that points back to the owner
func (s *Session) loader(owner *entry, f field) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		child, err := s.mappingOf(f.target)
		if err != nil {
			return nil, err
		}
		inverse, ok := child.ref(f.mappedBy)
		if !ok {
			return nil, &ormerr.ShapeError{Type: child.typ, Property: f.mappedBy, Reason: "mapped_by names no reference to " + owner.m.typ.String()}
		}

		recs, err := s.backend.FindBy(ctx, child.table, inverse.column, encodeID(owner.id))
		if err != nil {
			return nil, fmt.Errorf("load %s.%s: %w", owner.m.table.Name, f.prop.Name, err)
		}
		items := reflect.MakeSlice(reflect.SliceOf(reflect.PointerTo(child.typ)), 0, len(recs))
		members := make([]any, 0, len(recs))
		for _, rec := range recs {
			e, err := s.materialize(child, rec)
			if err != nil {
				return nil, err
			}
			items = reflect.Append(items, e.ptr)
			members = append(members, e.ptr.Interface())
		}
		owner.members[f.prop.Name] = members
		return items.Interface(), nil
	}
}

// record encodes the stored columns of the instance of e
func (s *Session) record(e *entry) (Record, error) {
	acc, err := property.For(e.m.meta, e.ptr)
	if err != nil {
		return nil, err
	}
	rec := make(Record, len(e.m.table.Columns))

	for _, f := range e.m.scalars {
		v, err := acc.GetProperty(f.prop)
		if err != nil {
			return nil, err
		}
		enc, err := Encode(v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", e.m.table.Name, f.column, err)
		}
		rec[f.column] = enc
	}

	for _, f := range e.m.refs {
		v, err := acc.GetProperty(f.prop)
		if err != nil {
			return nil, err
		}
		if v.IsNil() {
			rec[f.column] = nil
			continue
		}
		if te, ok := s.byPtr[v.Interface()]; ok {
			rec[f.column] = encodeID(te.id)
			continue
		}
		id, ok := s.Identifier(f.target, v.Interface())
		if !ok {
			return nil, fmt.Errorf("%s.%s references an unsaved %s", e.m.table.Name, f.prop.Name, f.target)
		}
		rec[f.column] = encodeID(id)
	}
	return rec, nil
}

// insert stores a new instance and starts managing it
func (s *Session) insert(ctx context.Context, m *mapping, ptr reflect.Value) (*entry, error) {
	acc, err := property.For(m.meta, ptr)
	if err != nil {
		return nil, err
	}
	idv, err := acc.GetProperty(m.id.prop)
	if err != nil {
		return nil, err
	}
	hasID := !idv.IsZero()
	if !hasID && !m.table.Generated {
		return nil, &ormerr.IdentityError{Type: m.typ, Reason: ormerr.IdentityMissing}
	}
	if hasID {
		if _, ok := s.identity[entityKey{m.typ, idv.Interface()}]; ok {
			return nil, fmt.Errorf("%w: %s %v is already managed", ErrUniqueViolation, m.table.Name, idv.Interface())
		}
	}

	if v := m.version; v != nil {
		cur, err := acc.GetProperty(v.prop)
		if err != nil {
			return nil, err
		}
		if cur.IsZero() {
			one, _ := Convert(int64(1), v.prop.Type)
			if err := acc.SetProperty(v.prop, one); err != nil {
				return nil, err
			}
		}
	}
	for _, f := range m.lists {
		list, err := acc.GetProperty(f.prop)
		if err != nil {
			return nil, err
		}
		if list.IsNil() {
			if err := acc.SetProperty(f.prop, reflect.New(f.prop.Type.Elem())); err != nil {
				return nil, err
			}
		}
	}

	e := &entry{m: m, ptr: ptr, loaded: true, members: make(map[string][]any)}
	rec, err := s.record(e)
	if err != nil {
		return nil, err
	}
	// reference columns are written by the next flush
	for _, f := range m.refs {
		rec[f.column] = nil
	}
	if !hasID {
		delete(rec, m.table.ID)
	}

	newID, err := s.backend.Insert(ctx, m.table, rec)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", m.table.Name, err)
	}
	if !hasID {
		idv, err = Convert(newID, m.id.prop.Type)
		if err != nil {
			return nil, err
		}
		if err := acc.SetProperty(m.id.prop, idv); err != nil {
			return nil, err
		}
		rec[m.table.ID] = encodeID(idv.Interface())
	}

	e.id = idv.Interface()
	e.snapshot = rec
	for _, f := range m.lists {
		e.members[f.prop.Name] = nil
	}
	s.track(e)
	s.logger.Debug("entity inserted",
		zap.String("table", m.table.Name),
		zap.Any("id", e.id))
	return e, nil
}

// Load is Find for a statically typed entity
func Load[T any](ctx context.Context, s *Session, id any) (*T, error) {
	v, err := s.Find(ctx, reflect.TypeFor[T](), id)
	if err != nil {
		return nil, err
	}
	return v.(*T), nil
}

// Ref is Reference for a statically typed entity
func Ref[T any](s *Session, id any) (*T, error) {
	v, err := s.Reference(reflect.TypeFor[T](), id)
	if err != nil {
		return nil, err
	}
	return v.(*T), nil
}

var _ provider.Provider = (*Session)(nil)
