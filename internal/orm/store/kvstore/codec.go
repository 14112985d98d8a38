// Package kvstore holds store.Backend implementations over key-value
// stores: Redis through go-redis and an embedded Badger database.
//
// Records are stored as JSON documents keyed by table and identifier.
// Reference columns are indexed so that FindBy can serve collection loads;
// other columns cannot be searched.
package kvstore

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/conduit-lang/detach/internal/orm/store"
)

// DefaultPrefix namespaces every key written by the Redis backend
const DefaultPrefix = "detach:"

type options struct {
	logger *zap.Logger
	prefix string
}

// Option configures a key-value backend
type Option func(*options)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPrefix sets the key prefix of the Redis backend
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

func encodeRecord(rec store.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("kvstore: encode record: %w", err)
	}
	return data, nil
}

// decodeRecord keeps numbers as json.Number so integers survive intact
func decodeRecord(data []byte) (store.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec store.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("kvstore: decode record: %w", err)
	}
	return rec, nil
}

// indexed returns the index key of every non-nil reference column of rec
func indexed(t store.Table, rec store.Record) map[string]string {
	out := make(map[string]string)
	for _, col := range t.Indexed() {
		if v := rec[col]; v != nil {
			out[col] = store.KeyOf(v)
		}
	}
	return out
}

func checkIndexed(t store.Table, column string) error {
	for _, col := range t.Indexed() {
		if col == column {
			return nil
		}
	}
	return fmt.Errorf("%w: %s.%s", store.ErrNotIndexed, t.Name, column)
}

// prepareInsert fills in the identifier and returns the record key
func prepareInsert(t store.Table, rec store.Record, next func() (int64, error)) (store.Record, string, error) {
	rec = rec.Clone()
	if rec[t.ID] == nil {
		if !t.Generated {
			return nil, "", fmt.Errorf("%w: %s.%s", store.ErrNotNullViolation, t.Name, t.ID)
		}
		id, err := next()
		if err != nil {
			return nil, "", err
		}
		rec[t.ID] = id
	}
	return rec, store.KeyOf(rec[t.ID]), nil
}

// applyUpdate checks the lock against the stored record and merges changes
func applyUpdate(rec store.Record, changes store.Record, lock *store.Lock) (store.Record, error) {
	if lock != nil && store.KeyOf(rec[lock.Column]) != store.KeyOf(lock.Expected) {
		return nil, store.ErrOptimisticLockFailed
	}
	next := rec.Clone()
	for k, v := range changes {
		next[k] = v
	}
	return next, nil
}
