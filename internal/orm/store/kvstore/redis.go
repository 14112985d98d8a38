package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/conduit-lang/detach/internal/orm/store"
)

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	// Addr is the Redis server address (host:port)
	Addr string
	// Password is the Redis password (optional)
	Password string
	// DB is the Redis database number
	DB int
}

// DefaultRedisConfig returns a default Redis configuration
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{Addr: "localhost:6379"}
}

// Redis stores records as JSON strings:
//
//	<prefix><table>:r:<id>              record
//	<prefix><table>:seq                 identifier sequence
//	<prefix><table>:i:<column>:<value>  set of ids per reference value
type Redis struct {
	client *redis.Client
	opts   options
}

// OpenRedis connects to Redis and checks the connection
func OpenRedis(ctx context.Context, cfg RedisConfig, opts ...Option) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	r := NewRedis(client, opts...)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return r, nil
}

// NewRedis wraps an existing client
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	return &Redis{client: client, opts: buildOptions(opts)}
}

func (r *Redis) recordKey(table, id string) string {
	return fmt.Sprintf("%s%s:r:%s", r.opts.prefix, table, id)
}

func (r *Redis) seqKey(table string) string {
	return r.opts.prefix + table + ":seq"
}

func (r *Redis) indexKey(table, column, value string) string {
	return fmt.Sprintf("%s%s:i:%s:%s", r.opts.prefix, table, column, value)
}

// Name implements store.Backend
func (r *Redis) Name() string {
	return "redis"
}

// Ping implements store.Backend
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kvstore: ping redis: %w", err)
	}
	return nil
}

// EnsureTable implements store.Backend; Redis needs no schema
func (r *Redis) EnsureTable(ctx context.Context, t store.Table) error {
	return nil
}

// Get implements store.Backend
func (r *Redis) Get(ctx context.Context, t store.Table, id any) (store.Record, error) {
	data, err := r.client.Get(ctx, r.recordKey(t.Name, store.KeyOf(id))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return decodeRecord(data)
}

// FindBy implements store.Backend for reference columns
func (r *Redis) FindBy(ctx context.Context, t store.Table, column string, value any) ([]store.Record, error) {
	if err := checkIndexed(t, column); err != nil {
		return nil, err
	}
	ids, err := r.client.SMembers(ctx, r.indexKey(t.Name, column, store.KeyOf(value))).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.recordKey(t.Name, id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]store.Record, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeRecord([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	store.SortRecords(out, t.ID)
	return out, nil
}

// Insert implements store.Backend
func (r *Redis) Insert(ctx context.Context, t store.Table, rec store.Record) (any, error) {
	rec, id, err := prepareInsert(t, rec, func() (int64, error) {
		return r.client.Incr(ctx, r.seqKey(t.Name)).Result()
	})
	if err != nil {
		return nil, err
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}

	key := r.recordKey(t.Name, id)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s %s", store.ErrUniqueViolation, t.Name, id)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			for col, v := range indexed(t, rec) {
				p.SAdd(ctx, r.indexKey(t.Name, col, v), id)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, fmt.Errorf("%w: %s %s", store.ErrUniqueViolation, t.Name, id)
	}
	if err != nil {
		return nil, err
	}
	return rec[t.ID], nil
}

// Update implements store.Backend. The record key is watched, so a
// concurrent writer fails the lock.
func (r *Redis) Update(ctx context.Context, t store.Table, id any, changes store.Record, lock *store.Lock) error {
	idKey := store.KeyOf(id)
	key := r.recordKey(t.Name, idKey)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		old, err := decodeRecord(data)
		if err != nil {
			return err
		}
		next, err := applyUpdate(old, changes, lock)
		if err != nil {
			return err
		}
		enc, err := encodeRecord(next)
		if err != nil {
			return err
		}

		before, after := indexed(t, old), indexed(t, next)
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, enc, 0)
			for _, col := range t.Indexed() {
				if before[col] == after[col] {
					continue
				}
				if v, ok := before[col]; ok {
					p.SRem(ctx, r.indexKey(t.Name, col, v), idKey)
				}
				if v, ok := after[col]; ok {
					p.SAdd(ctx, r.indexKey(t.Name, col, v), idKey)
				}
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		r.opts.logger.Debug("concurrent update lost", zap.String("table", t.Name), zap.String("id", idKey))
		return store.ErrOptimisticLockFailed
	}
	return err
}

// Close implements store.Backend
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ store.Backend = (*Redis)(nil)
