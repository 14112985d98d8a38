// Package tracking computes the column-level difference between the snapshot
// of an entity taken when it was loaded and its current state. Stores use it
// to write only the columns that changed.
package tracking

import (
	"bytes"
	"reflect"
	"sort"
	"sync"
)

// FieldChange represents a change to a single column
type FieldChange struct {
	Field    string
	OldValue any
	NewValue any
}

// ChangeTracker tracks column changes between two record states
type ChangeTracker struct {
	mu       sync.RWMutex
	original map[string]any
	current  map[string]any
	changes  map[string]*FieldChange
}

// NewChangeTracker creates a tracker for a record.
// original: the state last read from or written to the store
// current: the state derived from the live instance
func NewChangeTracker(original, current map[string]any) *ChangeTracker {
	ct := &ChangeTracker{
		original: copyRecord(original),
		current:  copyRecord(current),
		changes:  make(map[string]*FieldChange),
	}
	ct.computeChanges()
	return ct
}

// copyRecord copies the map and any byte slices it holds; the other values
// are already immutable encodings
func copyRecord(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		if b, ok := v.([]byte); ok {
			v = bytes.Clone(b)
		}
		result[k] = v
	}
	return result
}

func (ct *ChangeTracker) computeChanges() {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	for field, newValue := range ct.current {
		oldValue, hadOldValue := ct.original[field]
		if !hadOldValue || !equal(oldValue, newValue) {
			ct.changes[field] = &FieldChange{Field: field, OldValue: oldValue, NewValue: newValue}
		}
	}

	// columns that disappeared are written as NULL
	for field, oldValue := range ct.original {
		if _, exists := ct.current[field]; !exists && oldValue != nil {
			ct.changes[field] = &FieldChange{Field: field, OldValue: oldValue}
		}
	}
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}

// Changed returns true if the column changed
func (ct *ChangeTracker) Changed(field string) bool {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	_, ok := ct.changes[field]
	return ok
}

// ChangedFields returns the changed columns in lexical order
func (ct *ChangeTracker) ChangedFields() []string {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	fields := make([]string, 0, len(ct.changes))
	for field := range ct.changes {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// PreviousValue returns the snapshot value of a column
func (ct *ChangeTracker) PreviousValue(field string) any {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.original[field]
}

// CurrentValue returns the current value of a column
func (ct *ChangeTracker) CurrentValue(field string) any {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.current[field]
}

// GetChange returns the change of a column, or nil if unchanged
func (ct *ChangeTracker) GetChange(field string) *FieldChange {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.changes[field]
}

// Changes returns a copy of all changes
func (ct *ChangeTracker) Changes() map[string]*FieldChange {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	result := make(map[string]*FieldChange, len(ct.changes))
	for k, v := range ct.changes {
		result[k] = v
	}
	return result
}

// HasChanges returns true if any column changed
func (ct *ChangeTracker) HasChanges() bool {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.changes) > 0
}

// Reset makes the current state the new snapshot.
// Call it after the changes were written.
func (ct *ChangeTracker) Reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.original = copyRecord(ct.current)
	ct.changes = make(map[string]*FieldChange)
}

// SetFieldValue updates one column of the current state
func (ct *ChangeTracker) SetFieldValue(field string, value any) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.current[field] = value
	oldValue, hadOldValue := ct.original[field]
	if !hadOldValue || !equal(oldValue, value) {
		ct.changes[field] = &FieldChange{Field: field, OldValue: oldValue, NewValue: value}
		return
	}
	// reverted to the snapshot value
	delete(ct.changes, field)
}

// GetChangedData returns the changed columns with their new values, the
// SET list of an UPDATE
func (ct *ChangeTracker) GetChangedData() map[string]any {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	result := make(map[string]any, len(ct.changes))
	for field, change := range ct.changes {
		result[field] = change.NewValue
	}
	return result
}

// Snapshot returns a copy of the current state
func (ct *ChangeTracker) Snapshot() map[string]any {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return copyRecord(ct.current)
}
