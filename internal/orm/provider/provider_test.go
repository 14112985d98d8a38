package provider

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/detach/internal/orm/lazy"
	"github.com/conduit-lang/detach/internal/orm/metadata"
)

type author struct {
	ID      int64
	Version int `orm:"version"`
	Name    string
}

type tag struct {
	Label string
}

func TestIntrospector_Identifier(t *testing.T) {
	in := NewIntrospector(metadata.NewResolver(), nil)
	typ := reflect.TypeOf(author{})

	id, ok := in.Identifier(typ, &author{ID: 7})
	require.True(t, ok)
	assert.Equal(t, int64(7), id)

	_, ok = in.Identifier(typ, &author{})
	assert.False(t, ok, "zero identifier means transient")

	id, ok = in.Identifier(typ, author{ID: 3})
	require.True(t, ok, "struct values are introspected through a copy")
	assert.Equal(t, int64(3), id)

	_, ok = in.Identifier(reflect.TypeOf(tag{}), &tag{Label: "x"})
	assert.False(t, ok)

	_, ok = in.Identifier(typ, nil)
	assert.False(t, ok)
}

func TestIntrospector_Version(t *testing.T) {
	in := NewIntrospector(metadata.NewResolver(), nil)
	typ := reflect.TypeOf(author{})

	v, ok := in.Version(typ, &author{Version: 2})
	require.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = in.Version(typ, &author{})
	require.True(t, ok, "a zero version is still a version")
	assert.Equal(t, 0, v)

	assert.True(t, in.IsVersioned(typ))
	assert.True(t, in.IsVersioned(reflect.TypeOf(&author{})))
	assert.False(t, in.IsVersioned(reflect.TypeOf(tag{})))
}

func TestIntrospector_Placeholders(t *testing.T) {
	in := NewIntrospector(nil, nil)
	proxy := &author{ID: 1}
	other := &author{ID: 1}

	assert.False(t, in.IsPlaceholder(proxy))
	assert.True(t, in.IsPlaceholderLoaded(proxy))

	in.Placeholders.Track(proxy)
	assert.True(t, in.IsPlaceholder(proxy))
	assert.False(t, in.IsPlaceholderLoaded(proxy))
	assert.False(t, in.IsPlaceholder(other), "proxies are tracked by address")

	in.Placeholders.MarkLoaded(proxy)
	assert.True(t, in.IsPlaceholderLoaded(proxy))

	in.Placeholders.Forget(proxy)
	assert.False(t, in.IsPlaceholder(proxy))
	assert.Equal(t, 0, in.Placeholders.Len())
}

func TestPlaceholders_KeyedByType(t *testing.T) {
	p := NewPlaceholders()
	a := &author{ID: 9}
	p.Track(a)

	// the first field shares the struct's address
	assert.False(t, p.Contains(&a.ID))
	assert.True(t, p.Contains(a))
}

func TestIntrospector_LazyCollections(t *testing.T) {
	in := NewIntrospector(nil, nil)
	pending := lazy.Pending(func(ctx context.Context) ([]*author, error) { return nil, nil })
	loaded := lazy.New(&author{ID: 1})

	assert.True(t, in.IsLazyCollection(pending))
	assert.False(t, in.IsLazyCollectionLoaded(pending))
	assert.True(t, in.IsLazyCollectionLoaded(loaded))

	assert.False(t, in.IsLazyCollection([]*author{}))
	assert.False(t, in.IsLazyCollection((*lazy.List[int])(nil)))
	assert.True(t, in.IsLazyCollectionLoaded([]int{1}))
}

func TestStandalone(t *testing.T) {
	s := NewStandalone(nil)
	ctx := context.Background()

	_, err := s.FindByIdentifier(ctx, reflect.TypeOf(author{}), int64(1))
	assert.ErrorIs(t, err, ErrNotFound)

	a := &author{}
	got, err := s.Persist(ctx, a)
	require.NoError(t, err)
	assert.Same(t, a, got)
	assert.NoError(t, s.Flush(ctx))
}

func TestEntityType(t *testing.T) {
	typ := reflect.TypeOf(author{})
	assert.Equal(t, typ, EntityType(reflect.TypeOf(&author{})))
	assert.Equal(t, typ, EntityType(reflect.TypeOf((**author)(nil))))
	assert.Equal(t, typ, EntityType(typ))
}
