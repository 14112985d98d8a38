// Package memory is a map-backed store.Backend for tests, demos and
// single-process use.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/conduit-lang/detach/internal/orm/store"
)

type table struct {
	rows map[string]store.Record
	seq  int64
}

// Backend keeps records in memory
type Backend struct {
	mu     sync.RWMutex
	tables map[string]*table
}

// New creates an empty in-memory backend
func New() *Backend {
	return &Backend{tables: make(map[string]*table)}
}

// Name implements store.Backend
func (b *Backend) Name() string {
	return "memory"
}

// Ping implements store.Backend
func (b *Backend) Ping(ctx context.Context) error {
	return ctx.Err()
}

// EnsureTable implements store.Backend
func (b *Backend) EnsureTable(ctx context.Context, t store.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.table(t.Name)
	return nil
}

func (b *Backend) table(name string) *table {
	tbl, ok := b.tables[name]
	if !ok {
		tbl = &table{rows: make(map[string]store.Record)}
		b.tables[name] = tbl
	}
	return tbl
}

// Get implements store.Backend
func (b *Backend) Get(ctx context.Context, t store.Table, id any) (store.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tbl, ok := b.tables[t.Name]
	if !ok {
		return nil, store.ErrNotFound
	}
	rec, ok := tbl.rows[store.KeyOf(id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

// FindBy implements store.Backend
func (b *Backend) FindBy(ctx context.Context, t store.Table, column string, value any) ([]store.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tbl, ok := b.tables[t.Name]
	if !ok {
		return nil, nil
	}
	want := store.KeyOf(value)
	var out []store.Record
	for _, rec := range tbl.rows {
		v, ok := rec[column]
		if ok && v != nil && store.KeyOf(v) == want {
			out = append(out, rec.Clone())
		}
	}
	store.SortRecords(out, t.ID)
	return out, nil
}

// Insert implements store.Backend
func (b *Backend) Insert(ctx context.Context, t store.Table, rec store.Record) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tbl := b.table(t.Name)
	rec = rec.Clone()
	id := rec[t.ID]
	if id == nil {
		if !t.Generated {
			return nil, fmt.Errorf("%w: %s.%s", store.ErrNotNullViolation, t.Name, t.ID)
		}
		tbl.seq++
		id = tbl.seq
		rec[t.ID] = id
	} else if n, ok := id.(int64); ok && n > tbl.seq {
		tbl.seq = n
	}
	key := store.KeyOf(id)
	if _, exists := tbl.rows[key]; exists {
		return nil, fmt.Errorf("%w: %s %s", store.ErrUniqueViolation, t.Name, key)
	}
	tbl.rows[key] = rec
	return id, nil
}

// Update implements store.Backend
func (b *Backend) Update(ctx context.Context, t store.Table, id any, changes store.Record, lock *store.Lock) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tbl, ok := b.tables[t.Name]
	if !ok {
		return store.ErrNotFound
	}
	rec, ok := tbl.rows[store.KeyOf(id)]
	if !ok {
		return store.ErrNotFound
	}
	if lock != nil && store.KeyOf(rec[lock.Column]) != store.KeyOf(lock.Expected) {
		return store.ErrOptimisticLockFailed
	}
	for k, v := range changes.Clone() {
		rec[k] = v
	}
	return nil
}

// Close implements store.Backend
func (b *Backend) Close() error {
	return nil
}

// Len returns the number of records in a table
func (b *Backend) Len(table string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if tbl, ok := b.tables[table]; ok {
		return len(tbl.rows)
	}
	return 0
}

var _ store.Backend = (*Backend)(nil)
