package store

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/conduit-lang/detach/internal/orm/lazy"
	"github.com/conduit-lang/detach/internal/orm/ormerr"
	"github.com/conduit-lang/detach/internal/orm/property"
	"github.com/conduit-lang/detach/internal/orm/tracking"
)

// Flush writes every change of the managed instances to the backend.
//
// Unsaved instances reachable through references and loaded collections are
// inserted first. Collections then own their elements: an element gets its
// inverse reference set to the owner, an element removed from the collection
// loses it. Finally each instance whose columns differ from its snapshot is
// updated, versioned ones under an optimistic lock with the version
// incremented.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.cascade(ctx); err != nil {
		return err
	}

	updated := 0
	for _, e := range s.entries {
		if !e.loaded {
			continue
		}
		ok, err := s.flushEntry(ctx, e)
		if err != nil {
			return err
		}
		if ok {
			updated++
		}
	}

	s.logger.Debug("session flushed",
		zap.String("backend", s.backend.Name()),
		zap.Int("managed", len(s.entries)),
		zap.Int("updated", updated))
	return nil
}

// cascade walks the loaded instances, including the ones it inserts on the way
func (s *Session) cascade(ctx context.Context) error {
	for i := 0; i < len(s.entries); i++ {
		e := s.entries[i]
		if !e.loaded {
			continue
		}
		acc, err := property.For(e.m.meta, e.ptr)
		if err != nil {
			return err
		}
		for _, f := range e.m.refs {
			v, err := acc.GetProperty(f.prop)
			if err != nil {
				return err
			}
			if v.IsNil() {
				continue
			}
			if _, err := s.adopt(ctx, f.target, v); err != nil {
				return fmt.Errorf("%s.%s: %w", e.m.table.Name, f.prop.Name, err)
			}
		}
		for _, f := range e.m.lists {
			if err := s.syncCollection(ctx, e, acc, f); err != nil {
				return fmt.Errorf("%s.%s: %w", e.m.table.Name, f.prop.Name, err)
			}
		}
	}
	return nil
}

// adopt returns the entry of v, inserting v when it is not managed yet
func (s *Session) adopt(ctx context.Context, target reflect.Type, v reflect.Value) (*entry, error) {
	if e, ok := s.byPtr[v.Interface()]; ok {
		return e, nil
	}
	m, err := s.mappingOf(target)
	if err != nil {
		return nil, err
	}
	return s.insert(ctx, m, v)
}

func (s *Session) syncCollection(ctx context.Context, owner *entry, acc *property.Accessor, f field) error {
	v, err := acc.GetProperty(f.prop)
	if err != nil {
		return err
	}
	if v.IsNil() {
		return nil
	}
	c := v.Interface().(lazy.Collection)
	if !c.Loaded() {
		return nil
	}

	child, err := s.mappingOf(f.target)
	if err != nil {
		return err
	}
	inverse, ok := child.ref(f.mappedBy)
	if !ok {
		return &ormerr.ShapeError{Type: child.typ, Property: f.mappedBy, Reason: "mapped_by names no reference to " + owner.m.typ.String()}
	}

	items := reflect.ValueOf(c.Slice())
	current := make([]any, 0, items.Len())
	present := make(map[any]bool, items.Len())
	for i := 0; i < items.Len(); i++ {
		item := items.Index(i)
		if item.IsNil() {
			continue
		}
		if _, err := s.adopt(ctx, f.target, item); err != nil {
			return err
		}
		if err := setInverse(child, inverse, item, owner.ptr); err != nil {
			return err
		}
		current = append(current, item.Interface())
		present[item.Interface()] = true
	}

	for _, prev := range owner.members[f.prop.Name] {
		if present[prev] {
			continue
		}
		pe, ok := s.byPtr[prev]
		if !ok || !pe.loaded {
			continue
		}
		// the element may have moved to another owner already
		if err := clearInverse(child, inverse, pe.ptr, owner.ptr); err != nil {
			return err
		}
	}
	owner.members[f.prop.Name] = current
	return nil
}

func setInverse(child *mapping, inverse field, item, owner reflect.Value) error {
	acc, err := property.For(child.meta, item)
	if err != nil {
		return err
	}
	cur, err := acc.GetProperty(inverse.prop)
	if err != nil {
		return err
	}
	if !cur.IsNil() && cur.Pointer() == owner.Pointer() {
		return nil
	}
	return acc.SetProperty(inverse.prop, owner)
}

func clearInverse(child *mapping, inverse field, item, owner reflect.Value) error {
	acc, err := property.For(child.meta, item)
	if err != nil {
		return err
	}
	cur, err := acc.GetProperty(inverse.prop)
	if err != nil {
		return err
	}
	if cur.IsNil() || cur.Pointer() != owner.Pointer() {
		return nil
	}
	return acc.SetProperty(inverse.prop, reflect.Value{})
}

// flushEntry updates the changed columns of one instance
func (s *Session) flushEntry(ctx context.Context, e *entry) (bool, error) {
	current, err := s.record(e)
	if err != nil {
		return false, err
	}
	tracker := tracking.NewChangeTracker(e.snapshot, current)
	if !tracker.HasChanges() {
		return false, nil
	}
	if tracker.Changed(e.m.table.ID) {
		return false, &ormerr.IdentityError{Type: e.m.typ, ID: e.id, Reason: ormerr.IdentityMismatch}
	}

	changes := Record(tracker.GetChangedData())
	var lock *Lock
	if v := e.m.version; v != nil {
		expected := e.snapshot[v.column]
		next, err := increment(expected)
		if err != nil {
			return false, fmt.Errorf("%s.%s: %w", e.m.table.Name, v.column, err)
		}
		changes[v.column] = next
		lock = &Lock{Column: v.column, Expected: expected}
	}

	if err := s.backend.Update(ctx, e.m.table, encodeID(e.id), changes, lock); err != nil {
		return false, fmt.Errorf("update %s %v: %w", e.m.table.Name, e.id, err)
	}

	if v := e.m.version; v != nil {
		next, err := Convert(changes[v.column], v.prop.Type)
		if err != nil {
			return false, err
		}
		acc, err := property.For(e.m.meta, e.ptr)
		if err != nil {
			return false, err
		}
		if err := acc.SetProperty(v.prop, next); err != nil {
			return false, err
		}
		current[v.column] = changes[v.column]
	}
	e.snapshot = current

	s.logger.Debug("entity updated",
		zap.String("table", e.m.table.Name),
		zap.Any("id", e.id),
		zap.Strings("columns", tracker.ChangedFields()))
	return true, nil
}

func increment(v any) (int64, error) {
	if v == nil {
		return 1, nil
	}
	n, err := toInt(v)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}
