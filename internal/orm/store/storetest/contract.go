// Package storetest holds the behavior every store.Backend must provide,
// run by each backend's tests against its own setup.
package storetest

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/detach/internal/orm/store"
)

// Widgets is a versioned table with generated identifiers and a reference column
var Widgets = store.Table{
	Name:      "contract_widget",
	ID:        "id",
	Generated: true,
	Version:   "version",
	Columns: []store.Column{
		{Name: "id", Type: reflect.TypeFor[int64]()},
		{Name: "name", Type: reflect.TypeFor[string]()},
		{Name: "version", Type: reflect.TypeFor[int64]()},
		{Name: "owner_id", Type: reflect.TypeFor[int64](), Reference: true, Nullable: true},
		{Name: "created", Type: reflect.TypeFor[time.Time]()},
		{Name: "payload", Type: reflect.TypeFor[[]byte](), Nullable: true},
		{Name: "score", Type: reflect.TypeFor[float64]()},
		{Name: "active", Type: reflect.TypeFor[bool]()},
	},
}

// Tags is a table with caller-assigned text identifiers
var Tags = store.Table{
	Name: "contract_tag",
	ID:   "code",
	Columns: []store.Column{
		{Name: "code", Type: reflect.TypeFor[string]()},
		{Name: "label", Type: reflect.TypeFor[string]()},
	},
}

// Run exercises a backend created by newBackend, once per subtest
func Run(t *testing.T, newBackend func(t *testing.T) store.Backend) {
	setup := func(t *testing.T) (context.Context, store.Backend) {
		ctx := context.Background()
		b := newBackend(t)
		t.Cleanup(func() { _ = b.Close() })
		require.NoError(t, b.EnsureTable(ctx, Widgets))
		require.NoError(t, b.EnsureTable(ctx, Tags))
		return ctx, b
	}

	t.Run("Ping", func(t *testing.T) {
		ctx, b := setup(t)
		assert.NoError(t, b.Ping(ctx))
		assert.NotEmpty(t, b.Name())
	})

	t.Run("InsertGeneratedAndGet", func(t *testing.T) {
		ctx, b := setup(t)
		created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		id1, err := b.Insert(ctx, Widgets, widget("first", 7, created))
		require.NoError(t, err)
		id2, err := b.Insert(ctx, Widgets, widget("second", 7, created))
		require.NoError(t, err)
		require.NotNil(t, id1)
		assert.NotEqual(t, store.KeyOf(id1), store.KeyOf(id2))

		rec, err := b.Get(ctx, Widgets, id1)
		require.NoError(t, err)
		assert.Equal(t, store.KeyOf(id1), store.KeyOf(rec["id"]))
		assert.Equal(t, "first", as[string](t, rec["name"]))
		assert.Equal(t, int64(1), as[int64](t, rec["version"]))
		assert.Equal(t, int64(7), as[int64](t, rec["owner_id"]))
		assert.True(t, created.Equal(as[time.Time](t, rec["created"])))
		assert.Equal(t, []byte("raw"), as[[]byte](t, rec["payload"]))
		assert.InDelta(t, 2.5, as[float64](t, rec["score"]), 1e-9)
		assert.True(t, as[bool](t, rec["active"]))
	})

	t.Run("NullColumns", func(t *testing.T) {
		ctx, b := setup(t)
		rec := widget("orphan", 0, time.Now().UTC())
		rec["owner_id"] = nil
		rec["payload"] = nil

		id, err := b.Insert(ctx, Widgets, rec)
		require.NoError(t, err)
		got, err := b.Get(ctx, Widgets, id)
		require.NoError(t, err)
		assert.Nil(t, got["owner_id"])
		assert.Nil(t, got["payload"])
	})

	t.Run("GetMissing", func(t *testing.T) {
		ctx, b := setup(t)
		_, err := b.Get(ctx, Widgets, int64(999))
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("AssignedIdentifiers", func(t *testing.T) {
		ctx, b := setup(t)

		id, err := b.Insert(ctx, Tags, store.Record{"code": "L1", "label": "one"})
		require.NoError(t, err)
		assert.Equal(t, "L1", store.KeyOf(id))

		_, err = b.Insert(ctx, Tags, store.Record{"code": "L1", "label": "again"})
		assert.ErrorIs(t, err, store.ErrUniqueViolation)

		rec, err := b.Get(ctx, Tags, "L1")
		require.NoError(t, err)
		assert.Equal(t, "one", as[string](t, rec["label"]))
	})

	t.Run("FindByReference", func(t *testing.T) {
		ctx, b := setup(t)
		now := time.Now().UTC()
		var ids []any
		for _, owner := range []int64{7, 8, 7} {
			id, err := b.Insert(ctx, Widgets, widget("w", owner, now))
			require.NoError(t, err)
			ids = append(ids, id)
		}

		recs, err := b.FindBy(ctx, Widgets, "owner_id", int64(7))
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, store.KeyOf(ids[0]), store.KeyOf(recs[0]["id"]))
		assert.Equal(t, store.KeyOf(ids[2]), store.KeyOf(recs[1]["id"]))

		recs, err = b.FindBy(ctx, Widgets, "owner_id", int64(42))
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("UpdateMovesReference", func(t *testing.T) {
		ctx, b := setup(t)
		id, err := b.Insert(ctx, Widgets, widget("w", 7, time.Now().UTC()))
		require.NoError(t, err)

		require.NoError(t, b.Update(ctx, Widgets, id, store.Record{"owner_id": int64(8)}, nil))

		recs, err := b.FindBy(ctx, Widgets, "owner_id", int64(7))
		require.NoError(t, err)
		assert.Empty(t, recs)
		recs, err = b.FindBy(ctx, Widgets, "owner_id", int64(8))
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})

	t.Run("OptimisticLock", func(t *testing.T) {
		ctx, b := setup(t)
		id, err := b.Insert(ctx, Widgets, widget("w", 7, time.Now().UTC()))
		require.NoError(t, err)

		lock := &store.Lock{Column: "version", Expected: int64(1)}
		require.NoError(t, b.Update(ctx, Widgets, id, store.Record{"name": "renamed", "version": int64(2)}, lock))

		rec, err := b.Get(ctx, Widgets, id)
		require.NoError(t, err)
		assert.Equal(t, "renamed", as[string](t, rec["name"]))
		assert.Equal(t, int64(2), as[int64](t, rec["version"]))

		// a second writer still holding version 1 loses
		err = b.Update(ctx, Widgets, id, store.Record{"name": "stale", "version": int64(2)}, lock)
		assert.ErrorIs(t, err, store.ErrOptimisticLockFailed)

		rec, err = b.Get(ctx, Widgets, id)
		require.NoError(t, err)
		assert.Equal(t, "renamed", as[string](t, rec["name"]))
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		ctx, b := setup(t)
		err := b.Update(ctx, Widgets, int64(999), store.Record{"name": "x"}, nil)
		assert.ErrorIs(t, err, store.ErrNotFound)

		err = b.Update(ctx, Widgets, int64(999), store.Record{"name": "x"}, &store.Lock{Column: "version", Expected: int64(1)})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func widget(name string, owner int64, created time.Time) store.Record {
	return store.Record{
		"name":     name,
		"version":  int64(1),
		"owner_id": owner,
		"created":  created,
		"payload":  []byte("raw"),
		"score":    2.5,
		"active":   true,
	}
}

func as[T any](t *testing.T, raw any) T {
	t.Helper()
	v, err := store.Convert(raw, reflect.TypeFor[T]())
	require.NoError(t, err)
	return v.Interface().(T)
}
