package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Common store errors
var (
	// ErrNotFound is returned when a record is not found
	ErrNotFound = errors.New("record not found")

	// ErrOptimisticLockFailed is returned when a record was modified by another session
	ErrOptimisticLockFailed = errors.New("record was modified by another session")

	// ErrUniqueViolation is returned when a record with the same identifier exists
	ErrUniqueViolation = errors.New("unique constraint violation")

	// ErrForeignKeyViolation is returned when a reference points to a missing record
	ErrForeignKeyViolation = errors.New("foreign key constraint violation")

	// ErrNotNullViolation is returned when a required column is missing
	ErrNotNullViolation = errors.New("not null constraint violation")

	// ErrNotIndexed is returned by FindBy for a column the backend keeps no index for
	ErrNotIndexed = errors.New("column is not indexed")

	// ErrUnregistered is returned for entity types the session does not map
	ErrUnregistered = errors.New("entity type is not registered")
)

// IsNotFound returns true if the error is ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUniqueViolation returns true if the error is ErrUniqueViolation
func IsUniqueViolation(err error) bool {
	return errors.Is(err, ErrUniqueViolation)
}

// IsOptimisticLockFailed returns true if the error is ErrOptimisticLockFailed
func IsOptimisticLockFailed(err error) bool {
	return errors.Is(err, ErrOptimisticLockFailed)
}

// Record is one stored row keyed by column name. Values are encoded with
// Encode: int64, uint64, float64, bool, string, []byte, time.Time or nil.
type Record map[string]any

// Clone returns a shallow copy with byte slices duplicated
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		if b, ok := v.([]byte); ok {
			v = append([]byte(nil), b...)
		}
		out[k] = v
	}
	return out
}

// Column describes one stored column
type Column struct {
	Name string
	// Type is the Go type of the encoded value
	Type reflect.Type
	// Reference marks columns holding the identifier of another entity;
	// backends index them for FindBy
	Reference bool
	Nullable  bool
}

// Table describes how one entity type is stored
type Table struct {
	Name string
	// ID is the identifier column
	ID string
	// Generated is true when the backend assigns identifiers on insert
	Generated bool
	// Version is the optimistic lock column, empty for unversioned entities
	Version string
	Columns []Column
}

// Column looks up a column by name
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the column names in declaration order
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Indexed returns the reference columns
func (t Table) Indexed() []string {
	var names []string
	for _, c := range t.Columns {
		if c.Reference {
			names = append(names, c.Name)
		}
	}
	return names
}

// Lock is the optimistic lock condition of an update
type Lock struct {
	Column   string
	Expected any
}

// Backend stores records. Implementations are safe for concurrent use.
type Backend interface {
	// Name identifies the backend in logs
	Name() string
	Ping(ctx context.Context) error
	// EnsureTable prepares storage for t
	EnsureTable(ctx context.Context, t Table) error
	// Get returns the record with the identifier or ErrNotFound
	Get(ctx context.Context, t Table, id any) (Record, error)
	// FindBy returns the records whose reference column holds value,
	// ordered by identifier
	FindBy(ctx context.Context, t Table, column string, value any) ([]Record, error)
	// Insert stores rec and returns its identifier, generating one when rec
	// carries none
	Insert(ctx context.Context, t Table, rec Record) (any, error)
	// Update writes changes to the record. With a lock it fails with
	// ErrOptimisticLockFailed unless the lock column still holds the
	// expected value.
	Update(ctx context.Context, t Table, id any, changes Record, lock *Lock) error
	Close() error
}

// KeyOf returns the canonical string form of an identifier or column value,
// used by backends that key data by string
func KeyOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case json.Number:
		return x.String()
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

// SortRecords orders records by the column, numerically when both values
// are numbers
func SortRecords(recs []Record, column string) {
	sort.SliceStable(recs, func(i, j int) bool {
		return lessValue(recs[i][column], recs[j][column])
	})
}

func lessValue(a, b any) bool {
	fa, okA := number(a)
	fb, okB := number(b)
	if okA && okB {
		return fa < fb
	}
	return KeyOf(a) < KeyOf(b)
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}
