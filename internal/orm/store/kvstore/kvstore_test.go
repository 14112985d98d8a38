package kvstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/detach/internal/orm/store"
	"github.com/conduit-lang/detach/internal/orm/store/storetest"
)

func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := OpenRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	return r, mr
}

func newBadger(t *testing.T) *Badger {
	t.Helper()
	b, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	return b
}

func TestRedis_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		r, _ := newRedis(t)
		return r
	})
}

func TestBadger_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return newBadger(t)
	})
}

func TestRedis_KeyLayout(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	r := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), WithPrefix("app:"))
	t.Cleanup(func() { _ = r.Close() })

	rec := store.Record{"name": "w", "version": int64(1), "owner_id": int64(7)}
	id, err := r.Insert(ctx, storetest.Widgets, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	assert.True(t, mr.Exists("app:contract_widget:r:1"))
	seq, err := mr.Get("app:contract_widget:seq")
	require.NoError(t, err)
	assert.Equal(t, "1", seq)
	members, err := mr.Members("app:contract_widget:i:owner_id:7")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, members)

	require.NoError(t, r.Update(ctx, storetest.Widgets, id, store.Record{"owner_id": nil}, nil))
	assert.False(t, mr.Exists("app:contract_widget:i:owner_id:7"))
}

func TestRedis_FindByNeedsIndex(t *testing.T) {
	r, _ := newRedis(t)
	_, err := r.FindBy(context.Background(), storetest.Widgets, "name", "w")
	assert.ErrorIs(t, err, store.ErrNotIndexed)
}

func TestRedis_PingFailsWhenServerIsGone(t *testing.T) {
	r, mr := newRedis(t)
	mr.Close()
	assert.Error(t, r.Ping(context.Background()))
}

func TestBadger_FindByNeedsIndex(t *testing.T) {
	b := newBadger(t)
	t.Cleanup(func() { _ = b.Close() })
	_, err := b.FindBy(context.Background(), storetest.Widgets, "name", "w")
	assert.ErrorIs(t, err, store.ErrNotIndexed)
}

func TestBadger_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := OpenBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	id, err := b.Insert(ctx, storetest.Tags, store.Record{"code": "L1", "label": "kept"})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b, err = OpenBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	rec, err := b.Get(ctx, storetest.Tags, id)
	require.NoError(t, err)
	assert.Equal(t, "kept", rec["label"])
}

func TestBadger_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}

func TestCodec_KeepsIntegers(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	data, err := encodeRecord(store.Record{"id": int64(1) << 60, "at": at, "raw": []byte("x"), "none": nil})
	require.NoError(t, err)

	rec, err := decodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, json.Number("1152921504606846976"), rec["id"])
	assert.Nil(t, rec["none"])
	assert.Equal(t, "eA==", rec["raw"])
	assert.Equal(t, "2024-05-01T12:00:00Z", rec["at"])
}

func TestApplyUpdate(t *testing.T) {
	old := store.Record{"version": json.Number("1"), "name": "a"}

	next, err := applyUpdate(old, store.Record{"name": "b", "version": int64(2)}, &store.Lock{Column: "version", Expected: int64(1)})
	require.NoError(t, err)
	assert.Equal(t, "b", next["name"])
	assert.Equal(t, "a", old["name"])

	_, err = applyUpdate(old, store.Record{"name": "c"}, &store.Lock{Column: "version", Expected: int64(2)})
	assert.ErrorIs(t, err, store.ErrOptimisticLockFailed)
}
