package metadata

import (
	"math/big"
	"net/netip"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/detach/internal/orm/ormerr"
)

type post struct {
	ID       int64  `orm:"id"`
	Revision int64  `orm:"version"`
	Title    string `orm:",column=headline"`
	Draft    string `orm:"-"`
	internal int
}

type account struct {
	id    string `orm:"id,assigned"`
	email string
	Notes string
}

func (a *account) ID() string      { return a.id }
func (a *account) SetID(id string) { a.id = id }
func (a *account) Email() string   { return a.email }
func (a *account) SetEmail(e string) error {
	a.email = e
	return nil
}

type plain struct {
	Name  string
	Score float64
}

type overridden struct {
	ID    int
	title string `orm:",access=accessor"`
}

func (o *overridden) Title() string     { return o.title }
func (o *overridden) SetTitle(t string) { o.title = t }

type badAccess struct {
	ID   int
	name string `orm:",access=accessor"`
}

type sealed struct {
	amount int64
	unit   string
}

func (s *sealed) Amount() int64 { return s.amount }

type badTag struct {
	ID int `orm:"primary"`
}

func TestResolve_FieldAccess(t *testing.T) {
	r := NewResolver()
	obj, err := r.Resolve(reflect.TypeOf(post{}))
	require.NoError(t, err)

	assert.Equal(t, []string{"ID", "Revision", "Title"}, obj.Names())
	assert.Equal(t, AccessField, obj.DefaultMode())

	id, ok := obj.Identifier()
	require.True(t, ok)
	assert.Equal(t, "ID", id.Name)
	assert.False(t, id.Assigned)

	version, ok := obj.Version()
	require.True(t, ok)
	assert.Equal(t, "Revision", version.Name)
	assert.True(t, obj.Versioned())

	title, ok := obj.Property("Title")
	require.True(t, ok)
	column, ok := title.Option("column")
	assert.True(t, ok)
	assert.Equal(t, "headline", column)
	assert.True(t, title.Readable())
	assert.True(t, title.Writable())

	assert.False(t, obj.HasProperty("Draft"), "transient fields are excluded")
	assert.False(t, obj.HasProperty("internal"), "unexported fields without accessors are excluded")
}

func TestResolve_AccessorModeFollowsIdentifier(t *testing.T) {
	obj, err := NewResolver().Resolve(reflect.TypeOf(&account{}))
	require.NoError(t, err)

	assert.Equal(t, AccessAccessor, obj.DefaultMode())

	id, ok := obj.Identifier()
	require.True(t, ok)
	assert.Equal(t, AccessAccessor, id.Mode)
	assert.Equal(t, "ID", id.Getter)
	assert.Equal(t, "SetID", id.Setter)
	assert.True(t, id.Assigned)

	email, ok := obj.Property("email")
	require.True(t, ok)
	assert.Equal(t, AccessAccessor, email.Mode)
	assert.True(t, email.SetterError)

	// exported field without accessors keeps direct access
	notes, ok := obj.Property("Notes")
	require.True(t, ok)
	assert.Equal(t, AccessField, notes.Mode)
}

func TestResolve_PerPropertyOverride(t *testing.T) {
	obj, err := NewResolver().Resolve(reflect.TypeOf(overridden{}))
	require.NoError(t, err)

	assert.Equal(t, AccessField, obj.DefaultMode())
	title, ok := obj.Property("title")
	require.True(t, ok)
	assert.Equal(t, AccessAccessor, title.Mode)
	assert.Equal(t, "Title", title.Getter)
}

func TestResolve_NoIdentifier(t *testing.T) {
	obj, err := NewResolver().Resolve(reflect.TypeOf(plain{}))
	require.NoError(t, err)

	_, ok := obj.Identifier()
	assert.False(t, ok)
	assert.False(t, obj.Versioned())
	assert.Equal(t, 2, obj.Len())
}

func TestObject_Opaque(t *testing.T) {
	r := NewResolver()

	tests := []struct {
		name   string
		typ    reflect.Type
		opaque bool
	}{
		{"exported fields", reflect.TypeOf(plain{}), false},
		{"identifier", reflect.TypeOf(post{}), false},
		{"accessors", reflect.TypeOf(account{}), false},
		{"read-only accessor", reflect.TypeOf(sealed{}), true},
		{"empty", reflect.TypeOf(struct{}{}), true},
		{"time.Time", reflect.TypeOf(time.Time{}), true},
		{"big.Int", reflect.TypeOf(big.Int{}), true},
		{"netip.Addr", reflect.TypeOf(netip.Addr{}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := r.Resolve(tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.opaque, obj.Opaque())
		})
	}
}

func TestResolve_Errors(t *testing.T) {
	r := NewResolver()

	tests := []struct {
		name string
		typ  reflect.Type
	}{
		{"not a struct", reflect.TypeOf(42)},
		{"accessor override without methods", reflect.TypeOf(badAccess{})},
		{"unknown tag flag", reflect.TypeOf(badTag{})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(tt.typ)
			require.Error(t, err)
			assert.True(t, ormerr.IsShape(err))
		})
	}
}

func TestResolve_Cached(t *testing.T) {
	r := NewResolver()
	typ := reflect.TypeOf(post{})

	var wg sync.WaitGroup
	results := make([]*Object, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			obj, err := r.Resolve(typ)
			if err == nil {
				results[i] = obj
			}
		}(i)
	}
	wg.Wait()

	for _, obj := range results {
		assert.Same(t, results[0], obj)
	}
}

func TestObject_WithPropertiesIsCopyOnWrite(t *testing.T) {
	r := NewResolver()
	obj := r.MustResolve(reflect.TypeOf(post{}))

	trimmed := obj.WithoutProperty("Title")
	assert.True(t, obj.HasProperty("Title"), "original must not change")
	assert.False(t, trimmed.HasProperty("Title"))
	assert.Equal(t, 2, trimmed.Len())

	title, _ := obj.Property("Title")
	title.Mode = AccessAccessor
	replaced := obj.WithProperties(title)
	got, _ := replaced.Property("Title")
	assert.Equal(t, AccessAccessor, got.Mode)
	orig, _ := obj.Property("Title")
	assert.Equal(t, AccessField, orig.Mode)

	assert.Same(t, obj, obj.WithoutProperty("Missing"))

	r.Publish(trimmed)
	assert.Same(t, trimmed, r.MustResolve(reflect.TypeOf(post{})))
	r.Forget(reflect.TypeOf(post{}))
	assert.True(t, r.MustResolve(reflect.TypeOf(post{})).HasProperty("Title"))
}
