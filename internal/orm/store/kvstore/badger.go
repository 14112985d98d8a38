package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/conduit-lang/detach/internal/orm/store"
)

// BadgerConfig holds the settings of the embedded database
type BadgerConfig struct {
	// Path is the database directory; ignored when InMemory is set
	Path string
	// InMemory keeps everything in memory
	InMemory bool
	// SyncWrites fsyncs every commit
	SyncWrites bool
}

// sequenceBandwidth is how many identifiers a sequence leases at once
const sequenceBandwidth = 64

// Badger stores records in an embedded Badger database. Keys are
// NUL-separated:
//
//	r <table> <id>                      record
//	i <table> <column> <value> <id>     index entry
//	s <table>                           identifier sequence
type Badger struct {
	db   *badger.DB
	opts options

	mu   sync.Mutex
	seqs map[string]*badger.Sequence
}

// OpenBadger opens or creates the database
func OpenBadger(cfg BadgerConfig, opts ...Option) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("kvstore: path is required for a persistent badger database")
	}

	var bopts badger.Options
	if cfg.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("kvstore: create database directory %s: %w", cfg.Path, err)
		}
		bopts = badger.DefaultOptions(cfg.Path)
	}
	bopts = bopts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open badger database: %w", err)
	}
	return &Badger{
		db:   db,
		opts: buildOptions(opts),
		seqs: make(map[string]*badger.Sequence),
	}, nil
}

func key(parts ...string) []byte {
	var b bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(0)
		}
		b.WriteString(p)
	}
	return b.Bytes()
}

func indexPrefix(table, column, value string) []byte {
	return append(key("i", table, column, value), 0)
}

// Name implements store.Backend
func (b *Badger) Name() string {
	return "badger"
}

// Ping implements store.Backend
func (b *Badger) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return errors.New("kvstore: badger database is closed")
	}
	return ctx.Err()
}

// EnsureTable implements store.Backend; Badger needs no schema
func (b *Badger) EnsureTable(ctx context.Context, t store.Table) error {
	return nil
}

// Get implements store.Backend
func (b *Badger) Get(ctx context.Context, t store.Table, id any) (store.Record, error) {
	var rec store.Record
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readRecord(txn, key("r", t.Name, store.KeyOf(id)))
		return err
	})
	return rec, err
}

func readRecord(txn *badger.Txn, k []byte) (store.Record, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// FindBy implements store.Backend for reference columns
func (b *Badger) FindBy(ctx context.Context, t store.Table, column string, value any) ([]store.Record, error) {
	if err := checkIndexed(t, column); err != nil {
		return nil, err
	}

	var out []store.Record
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := indexPrefix(t.Name, column, store.KeyOf(value))
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false, Prefix: prefix})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			rec, err := readRecord(txn, key("r", t.Name, id))
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	store.SortRecords(out, t.ID)
	return out, nil
}

func (b *Badger) next(table string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq, ok := b.seqs[table]
	if !ok {
		var err error
		seq, err = b.db.GetSequence(key("s", table), sequenceBandwidth)
		if err != nil {
			return 0, fmt.Errorf("kvstore: sequence of %s: %w", table, err)
		}
		b.seqs[table] = seq
	}
	n, err := seq.Next()
	if err != nil {
		return 0, err
	}
	// sequences start at zero; identifiers start at one
	return int64(n) + 1, nil
}

// Insert implements store.Backend
func (b *Badger) Insert(ctx context.Context, t store.Table, rec store.Record) (any, error) {
	rec, id, err := prepareInsert(t, rec, func() (int64, error) { return b.next(t.Name) })
	if err != nil {
		return nil, err
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}

	k := key("r", t.Name, id)
	err = b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(k); err == nil {
			return fmt.Errorf("%w: %s %s", store.ErrUniqueViolation, t.Name, id)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(k, data); err != nil {
			return err
		}
		for col, v := range indexed(t, rec) {
			if err := txn.Set(append(indexPrefix(t.Name, col, v), id...), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil, fmt.Errorf("%w: %s %s", store.ErrUniqueViolation, t.Name, id)
	}
	if err != nil {
		return nil, err
	}
	return rec[t.ID], nil
}

// Update implements store.Backend. Badger transactions detect concurrent
// writes to the record, which fail the lock.
func (b *Badger) Update(ctx context.Context, t store.Table, id any, changes store.Record, lock *store.Lock) error {
	idKey := store.KeyOf(id)
	k := key("r", t.Name, idKey)

	err := b.db.Update(func(txn *badger.Txn) error {
		old, err := readRecord(txn, k)
		if err != nil {
			return err
		}
		next, err := applyUpdate(old, changes, lock)
		if err != nil {
			return err
		}
		data, err := encodeRecord(next)
		if err != nil {
			return err
		}
		if err := txn.Set(k, data); err != nil {
			return err
		}

		before, after := indexed(t, old), indexed(t, next)
		for _, col := range t.Indexed() {
			if before[col] == after[col] {
				continue
			}
			if v, ok := before[col]; ok {
				if err := txn.Delete(append(indexPrefix(t.Name, col, v), idKey...)); err != nil {
					return err
				}
			}
			if v, ok := after[col]; ok {
				if err := txn.Set(append(indexPrefix(t.Name, col, v), idKey...), nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		b.opts.logger.Debug("concurrent update lost", zap.String("table", t.Name), zap.String("id", idKey))
		return store.ErrOptimisticLockFailed
	}
	return err
}

// Close releases the sequences and closes the database
func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for name, seq := range b.seqs {
		if err := seq.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release sequence %s: %w", name, err))
		}
	}
	b.seqs = make(map[string]*badger.Sequence)
	if !b.db.IsClosed() {
		errs = append(errs, b.db.Close())
	}
	return errors.Join(errs...)
}

var _ store.Backend = (*Badger)(nil)
