// Package sqlstore is a store.Backend over database/sql. It speaks the
// SQLite dialect through mattn/go-sqlite3 and the PostgreSQL dialect through
// lib/pq or pgx.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/lib/pq"              // registers the "postgres" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver
	"go.uber.org/zap"

	"github.com/conduit-lang/detach/internal/orm/store"
)

// DB stores records in SQL tables, one per entity type
type DB struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
	retry   RetryConfig
}

// Option configures a DB
type Option func(*DB)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *DB) { s.logger = l }
}

// WithRetry sets how updates are retried on deadlocks and busy databases
func WithRetry(cfg RetryConfig) Option {
	return func(s *DB) { s.retry = cfg }
}

// Open connects to a database. Supported drivers are sqlite3, postgres and pgx.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*DB, error) {
	if _, err := dialectFor(driver); err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	// every connection to :memory: is a separate database
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	s, err := New(db, driver, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database; driver selects the dialect
func New(db *sql.DB, driver string, opts ...Option) (*DB, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	s := &DB{
		db:      db,
		dialect: d,
		logger:  zap.NewNop(),
		retry:   DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// Name implements store.Backend
func (s *DB) Name() string {
	return s.dialect.name
}

// Ping implements store.Backend
func (s *DB) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlstore: ping %s: %w", s.dialect.name, err)
	}
	return nil
}

// EnsureTable implements store.Backend
func (s *DB) EnsureTable(ctx context.Context, t store.Table) error {
	for _, stmt := range s.dialect.createTable(t) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: create %s: %w", t.Name, err)
		}
	}
	s.logger.Debug("table ensured", zap.String("dialect", s.dialect.name), zap.String("table", t.Name))
	return nil
}

// Get implements store.Backend
func (s *DB) Get(ctx context.Context, t store.Table, id any) (store.Record, error) {
	recs, err := s.query(ctx, t, t.ID, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, store.ErrNotFound
	}
	return recs[0], nil
}

// FindBy implements store.Backend
func (s *DB) FindBy(ctx context.Context, t store.Table, column string, value any) ([]store.Record, error) {
	if _, ok := t.Column(column); !ok {
		return nil, fmt.Errorf("sqlstore: %s has no column %q", t.Name, column)
	}
	return s.query(ctx, t, column, value)
}

func (s *DB) query(ctx context.Context, t store.Table, column string, value any) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.selectWhere(t, column), value)
	if err != nil {
		return nil, ConvertDBError(err)
	}
	defer rows.Close()
	return scanRows(rows, t)
}

// scanRows reads every row into a record keyed by the table columns
func scanRows(rows *sql.Rows, t store.Table) ([]store.Record, error) {
	var out []store.Record
	for rows.Next() {
		values := make([]any, len(t.Columns))
		ptrs := make([]any, len(t.Columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		rec := make(store.Record, len(t.Columns))
		for i, c := range t.Columns {
			rec[c.Name] = normalize(c, values[i])
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// normalize turns text that drivers return as bytes back into strings
func normalize(c store.Column, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if c.Type != nil && c.Type.Kind() == reflect.Slice && c.Type.Elem().Kind() == reflect.Uint8 {
		return append([]byte(nil), b...)
	}
	return string(b)
}

// Insert implements store.Backend
func (s *DB) Insert(ctx context.Context, t store.Table, rec store.Record) (any, error) {
	id, hasID := rec[t.ID]
	hasID = hasID && id != nil
	if !hasID {
		if !t.Generated {
			return nil, fmt.Errorf("%w: %s.%s", store.ErrNotNullViolation, t.Name, t.ID)
		}
		rec = rec.Clone()
		delete(rec, t.ID)
	}

	if !hasID && s.dialect.returning {
		query, args := s.dialect.insert(t, rec, true)
		var generated any
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&generated); err != nil {
			return nil, ConvertDBError(err)
		}
		return generated, nil
	}

	query, args := s.dialect.insert(t, rec, false)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, ConvertDBError(err)
	}
	if hasID {
		return id, nil
	}
	generated, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: generated id of %s: %w", t.Name, err)
	}
	return generated, nil
}

// Update implements store.Backend. A guarded update that matches no row is
// told apart as missing or stale by a second lookup in the same transaction.
func (s *DB) Update(ctx context.Context, t store.Table, id any, changes store.Record, lock *store.Lock) error {
	query, args, ok := s.dialect.update(t, id, changes, lock)
	if !ok {
		return nil
	}

	return s.withRetry(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return ConvertDBError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		if lock == nil {
			return store.ErrNotFound
		}

		var one int
		exists := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = %s", quote(t.Name), quote(t.ID), s.dialect.placeholder(1))
		err = tx.QueryRowContext(ctx, exists, id).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return store.ErrNotFound
		case err != nil:
			return ConvertDBError(err)
		}
		return store.ErrOptimisticLockFailed
	})
}

// Close implements store.Backend
func (s *DB) Close() error {
	return s.db.Close()
}

// SQL returns the underlying database
func (s *DB) SQL() *sql.DB {
	return s.db
}

var _ store.Backend = (*DB)(nil)
