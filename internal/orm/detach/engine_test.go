package detach

import (
	"context"
	"errors"
	"math/big"
	"net/netip"
	"reflect"
	"testing"
	"time"
	"unsafe"

	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/conduit-lang/detach/internal/orm/lazy"
	"github.com/conduit-lang/detach/internal/orm/ormerr"
)

func TestDisconnect_ProducesIndependentCopy(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	src := sampleOrder()

	out, err := DisconnectAs(ctx, e, src)
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.NotSame(t, src, out)
	assert.Equal(t, src.ID, out.ID)
	assert.Equal(t, src.Version, out.Version)
	assert.Equal(t, "ada", out.Customer)

	require.Len(t, out.Items, 2)
	assert.NotSame(t, src.Items[0], out.Items[0])
	assert.Equal(t, "a", out.Items[0].Name)
	assert.Same(t, out.Items[0], out.Attrs["first"], "shared references stay shared")
	assert.Same(t, out.Owner, out.Owner.Ref, "cycles close on the copy")

	assert.Equal(t, src.Tags, out.Tags)
	out.Tags["new"] = struct{}{}
	assert.NotContains(t, src.Tags, "new")

	assert.Equal(t, src.Scores, out.Scores)
	assert.Equal(t, src.Shipping, out.Shipping)
	assert.True(t, src.Created.Equal(out.Created))

	out.Payload[0] = 'R'
	assert.Equal(t, "raw", string(src.Payload), "byte slices are copied")

	require.NotNil(t, out.Note)
	assert.NotSame(t, src.Note, out.Note)
	assert.Equal(t, "fragile", *out.Note)

	require.NotNil(t, out.Lines)
	assert.NotSame(t, src.Lines, out.Lines)
	lines := out.Lines.Items()
	require.Len(t, lines, 1)
	assert.NotSame(t, src.Lines.Items()[0], lines[0])
	assert.Equal(t, "line", lines[0].Name)

	require.Len(t, out.Labels, 1)
	assert.Equal(t, "L1", out.Labels[0].Code)
	assert.Nil(t, out.Cache, "transient properties are not copied")
}

func TestDisconnect_NilAndScalars(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()

	out, err := e.Disconnect(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = e.Disconnect(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	n, err := DisconnectAs[*node](ctx, e, nil)
	require.NoError(t, err)
	assert.Nil(t, n)

	m, err := DisconnectAs(ctx, e, map[string][]int{"a": {1, 2}})
	require.NoError(t, err)
	assert.Equal(t, map[string][]int{"a": {1, 2}}, m)
}

func TestDisconnect_UnsupportedType(t *testing.T) {
	type raw struct {
		P unsafe.Pointer
	}
	e, _ := newTestEngine()
	x := 1

	_, err := e.Disconnect(context.Background(), &raw{P: unsafe.Pointer(&x)})
	require.Error(t, err)
	assert.True(t, ormerr.IsShape(err))
	assert.Equal(t, ormerr.KindShape, ormerr.KindOf(err))
}

func TestDisconnect_OpaqueValues(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	deleted := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	src := &priced{ID: 1, Price: big.NewInt(12345), Addr: netip.MustParseAddr("10.0.0.1"), DeletedAt: &deleted}
	src.Amount.SetInt64(-42)

	out, err := DisconnectAs(ctx, e, src)
	require.NoError(t, err)

	require.NotNil(t, out.Price)
	assert.NotSame(t, src.Price, out.Price)
	assert.Equal(t, "12345", out.Price.String())
	assert.Equal(t, "-42", out.Amount.String())
	assert.Equal(t, src.Addr, out.Addr)
	require.NotNil(t, out.DeletedAt)
	assert.NotSame(t, src.DeletedAt, out.DeletedAt)
	assert.True(t, deleted.Equal(*out.DeletedAt))

	out.Price.Add(out.Price, big.NewInt(1))
	out.Amount.SetInt64(7)
	assert.Equal(t, "12345", src.Price.String())
	assert.Equal(t, "-42", src.Amount.String(), "opaque values do not share storage")
}

func TestApply_OpaqueValues(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	live := &priced{ID: 1, Price: big.NewInt(10), Addr: netip.MustParseAddr("10.0.0.1")}
	price := live.Price

	d, err := DisconnectAs(ctx, e, live)
	require.NoError(t, err)
	deleted := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	d.Price.SetInt64(99)
	d.Amount.SetInt64(5)
	d.Addr = netip.MustParseAddr("192.168.1.1")
	d.DeletedAt = &deleted

	_, err = e.ApplyTo(ctx, d, live)
	require.NoError(t, err)

	assert.Same(t, price, live.Price, "the live pointer is written in place")
	assert.Equal(t, "99", live.Price.String())
	assert.Equal(t, "5", live.Amount.String())
	assert.Equal(t, "192.168.1.1", live.Addr.String())
	require.NotNil(t, live.DeletedAt)
	assert.NotSame(t, d.DeletedAt, live.DeletedAt)
	assert.True(t, deleted.Equal(*live.DeletedAt))

	d.Price.SetInt64(1)
	assert.Equal(t, "99", live.Price.String())
}

func TestDisconnect_SharedByteSlices(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	buf := []byte("shared")
	src := &blobs{ID: 1, A: buf, B: buf}

	out, err := DisconnectAs(ctx, e, src)
	require.NoError(t, err)
	out.A[0] = 'Z'
	assert.Equal(t, byte('Z'), out.B[0], "one buffer stays one buffer")
	assert.Equal(t, "shared", string(buf))

	_, err = e.ApplyTo(ctx, out, src)
	require.NoError(t, err)
	assert.Equal(t, "Zhared", string(src.A))
	assert.Same(t, &src.A[0], &src.B[0])
	assert.NotSame(t, &out.A[0], &src.A[0])
}

func TestScenario_RenameThroughCycle(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()

	e1 := &node{ID: 1, Name: "A"}
	e2 := &node{ID: 2, Name: "B", Ref: e1}
	e1.Ref = e2

	d1, err := DisconnectAs(ctx, e, e1)
	require.NoError(t, err)
	assert.Equal(t, "A", d1.Name)
	assert.Same(t, d1, d1.Ref.Ref)
	assert.NotSame(t, e2, d1.Ref)

	d1.Name = "A2"
	got, err := ApplyToAs(ctx, e, d1, e1)
	require.NoError(t, err)

	assert.Same(t, e1, got)
	assert.Equal(t, "A2", e1.Name)
	assert.Same(t, e2, e1.Ref)
	assert.Same(t, e1, e1.Ref.Ref)
	assert.Equal(t, "B", e2.Name)
}

func TestApply_RoundTripIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, p := newTestEngine()
	src := sampleOrder()
	first, owner, lines := src.Items[0], src.Owner, src.Lines

	d, err := DisconnectAs(ctx, e, src)
	require.NoError(t, err)

	adj := NewAdjacency()
	got, err := ApplyToAs(WithAdjacency(ctx, adj), e, d, src)
	require.NoError(t, err, spew.Sdump(d))

	assert.Same(t, src, got)
	assert.Empty(t, adj.Changes(), "nothing changed")
	assert.Empty(t, p.persisted)

	assert.Same(t, first, src.Items[0])
	assert.Same(t, first, src.Attrs["first"])
	assert.Same(t, owner, src.Owner)
	assert.Same(t, owner, src.Owner.Ref)
	assert.Same(t, lines, src.Lines)
	assert.Equal(t, "ada", src.Customer)
	assert.Equal(t, 3, src.Version)
	assert.Equal(t, [3]int{1, 2, 3}, src.Scores)
	assert.Equal(t, address{Street: "Main 1", City: "Oslo"}, src.Shipping)
	assert.Equal(t, map[string]struct{}{"vip": {}, "eu": {}}, src.Tags)
	assert.Equal(t, "fragile", *src.Note)
}

func TestApply_CollectionSetSemantics(t *testing.T) {
	ctx := context.Background()
	e, p := newTestEngine()

	a := &item{ID: 1, Name: "a"}
	b := &item{ID: 2, Name: "b"}
	c := &item{ID: 3, Name: "c"}
	live := &order{ID: 1, Items: []*item{a, b, c}}

	d, err := DisconnectAs(ctx, e, live)
	require.NoError(t, err)
	d.Items = []*item{d.Items[0], d.Items[2], {Name: "d"}}
	d.Items[0].Name = "a*"
	d.Items[1].Name = "c*"

	_, err = e.ApplyTo(ctx, d, live)
	require.NoError(t, err)

	require.Len(t, live.Items, 3)
	assert.Same(t, a, live.Items[0])
	assert.Equal(t, "a*", a.Name)
	assert.Same(t, c, live.Items[1])
	assert.Equal(t, "c*", c.Name)
	assert.NotSame(t, d.Items[2], live.Items[2])
	assert.Equal(t, "d", live.Items[2].Name)
	for _, it := range live.Items {
		assert.NotSame(t, b, it)
	}
	assert.Equal(t, "b", b.Name, "removed elements are not modified")

	require.Len(t, p.persisted, 1)
	assert.Same(t, live.Items[2], p.persisted[0])
}

func TestApply_VersionGuard(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	live := &order{ID: 1, Version: 2, Customer: "ada", Items: []*item{{ID: 1, Name: "a"}}}

	d, err := DisconnectAs(ctx, e, live)
	require.NoError(t, err)
	d.Version = 1
	d.Customer = "grace"
	d.Items[0].Name = "changed"

	_, err = e.ApplyTo(ctx, d, live)
	require.Error(t, err)
	assert.True(t, ormerr.IsStaleVersion(err))

	var verr *ormerr.VersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 1, verr.Expected)
	assert.Equal(t, 2, verr.Actual)
	assert.Equal(t, int64(1), verr.ID)

	assert.Equal(t, "ada", live.Customer)
	assert.Equal(t, "a", live.Items[0].Name)
	assert.Equal(t, 2, live.Version)
}

func TestApply_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	pending := lazy.Pending(func(ctx context.Context) ([]*item, error) { return nil, nil })
	live := &order{ID: 1, Customer: "ada", Lines: pending}

	d := &order{ID: 1, Customer: "grace", Lines: lazy.New(&item{Name: "x"})}
	_, err := e.ApplyTo(ctx, d, live)
	require.Error(t, err)
	assert.True(t, ormerr.IsLazyContent(err))

	// Customer precedes Lines, its write was held back and dropped
	assert.Equal(t, "ada", live.Customer)
	assert.Same(t, pending, live.Lines)
}

func TestApply_RollbackOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	e, p := newFailingEngine()
	p.persistErr = errors.New("unique violation")

	a := &item{ID: 1, Name: "a"}
	line := &item{ID: 5, Name: "line"}
	live := &order{
		ID:       1,
		Customer: "ada",
		Items:    []*item{a},
		Tags:     map[string]struct{}{"eu": {}},
		Lines:    lazy.New(line),
	}

	d, err := DisconnectAs(ctx, e, live)
	require.NoError(t, err)
	d.Customer = "grace"
	d.Items[0].Name = "a2"
	d.Items = append(d.Items, &item{Name: "new"})
	d.Tags["vip"] = struct{}{}
	d.Lines.Items()[0].Name = "line2"

	adj := NewAdjacency()
	shared := WithAdjacency(ctx, adj)
	_, err = e.ApplyTo(shared, d, live)
	require.Error(t, err)
	assert.ErrorContains(t, err, "unique violation")

	assert.Equal(t, "ada", live.Customer)
	assert.Equal(t, "a", a.Name)
	require.Len(t, live.Items, 1)
	assert.Same(t, a, live.Items[0])
	assert.Equal(t, map[string]struct{}{"eu": {}}, live.Tags)
	require.Equal(t, 1, live.Lines.Len())
	assert.Same(t, line, live.Lines.Items()[0])
	assert.Equal(t, "line", line.Name)
	assert.Empty(t, adj.Changes())
	assert.Zero(t, adj.Pending())

	// the failed call left nothing behind, the same copy applies cleanly
	p.persistErr = nil
	_, err = e.ApplyTo(shared, d, live)
	require.NoError(t, err)
	assert.Equal(t, "grace", live.Customer)
	assert.Equal(t, "a2", a.Name)
	require.Len(t, live.Items, 2)
	assert.Equal(t, "new", live.Items[1].Name)
	assert.Contains(t, live.Tags, "vip")
	assert.Equal(t, "line2", line.Name)
	require.Len(t, p.persisted, 1)
	assert.Same(t, live.Items[1], p.persisted[0])
}

func TestApply_RollbackOnFlushFailure(t *testing.T) {
	ctx := context.Background()
	e, p := newFailingEngine(WithFlushOnApply(true))
	p.flushErr = errors.New("connection reset")
	live := &node{ID: 1, Name: "A", Ref: &node{ID: 2, Name: "B"}}
	ref := live.Ref

	_, err := e.ApplyTo(ctx, &node{ID: 1, Name: "A2", Ref: &node{Name: "fresh"}}, live)
	require.Error(t, err)
	assert.ErrorContains(t, err, "flush")

	assert.Equal(t, "A", live.Name)
	assert.Same(t, ref, live.Ref)
	require.Len(t, p.persisted, 1, "persisted entities are not taken back")
	assert.Zero(t, p.flushes)
}

func TestApply_LazyCollectionGuard(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()

	loads := 0
	live := &order{ID: 1, Customer: "ada", Lines: lazy.Pending(func(ctx context.Context) ([]*item, error) {
		loads++
		return []*item{{ID: 9}}, nil
	})}

	d, err := DisconnectAs(ctx, e, live)
	require.NoError(t, err)
	assert.Nil(t, d.Lines, "unloaded content is not materialized")

	d.Customer = "grace"
	_, err = e.ApplyTo(ctx, d, live)
	require.NoError(t, err)
	assert.Equal(t, "grace", live.Customer)
	assert.False(t, live.Lines.Loaded())

	d.Lines = lazy.New[*item]()
	_, err = e.ApplyTo(ctx, d, live)
	require.NoError(t, err)
	assert.False(t, live.Lines.Loaded(), "an empty list leaves the placeholder alone")

	d.Lines = lazy.New(&item{Name: "x"})
	d.Customer = "linus"
	_, err = e.ApplyTo(ctx, d, live)
	require.Error(t, err)

	var lerr *ormerr.LazyContentError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "Lines", lerr.Property)
	assert.Contains(t, err.Error(), "apply $.Lines")

	assert.Equal(t, "grace", live.Customer)
	assert.False(t, live.Lines.Loaded())
	assert.Equal(t, 0, loads)
}

func TestApply_LoadedLazyCollection(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	x := &item{ID: 1, Name: "x"}
	y := &item{ID: 2, Name: "y"}
	lines := lazy.New(x, y)
	live := &order{ID: 1, Lines: lines}

	d, err := DisconnectAs(ctx, e, live)
	require.NoError(t, err)
	items := d.Lines.Items()
	items[1].Name = "y2"
	d.Lines.Set([]*item{items[1]})

	_, err = e.ApplyTo(ctx, d, live)
	require.NoError(t, err)
	assert.Same(t, lines, live.Lines)
	assert.Equal(t, []*item{y}, live.Lines.Items())
	assert.Equal(t, "y2", y.Name)
}

func TestApply_PlaceholderGuard(t *testing.T) {
	ctx := context.Background()
	e, p := newTestEngine()

	proxy := &node{ID: 2}
	p.Placeholders.Track(proxy)
	live := &node{ID: 1, Name: "A", Ref: proxy}

	d, err := DisconnectAs(ctx, e, live)
	require.NoError(t, err)
	assert.Nil(t, d.Ref)

	d.Name = "A2"
	_, err = e.ApplyTo(ctx, d, live)
	require.NoError(t, err)
	assert.Equal(t, "A2", live.Name)
	assert.Same(t, proxy, live.Ref)

	d.Ref = &node{ID: 2, Name: "B"}
	_, err = e.ApplyTo(ctx, d, live)
	require.Error(t, err)
	var lerr *ormerr.LazyContentError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "Ref", lerr.Property)

	p.Placeholders.MarkLoaded(proxy)
	_, err = e.ApplyTo(ctx, d, live)
	require.NoError(t, err)
	assert.Same(t, proxy, live.Ref)
	assert.Equal(t, "B", proxy.Name)
}

func TestApply_IdentifierMismatch(t *testing.T) {
	e, _ := newTestEngine()
	live := &node{ID: 1, Name: "A"}

	_, err := e.ApplyTo(context.Background(), &node{ID: 2, Name: "B"}, live)
	require.Error(t, err)

	var idErr *ormerr.IdentityError
	require.ErrorAs(t, err, &idErr)
	assert.Equal(t, ormerr.IdentityMismatch, idErr.Reason)
	assert.Equal(t, "A", live.Name)
}

func TestApply_ByIdentifier(t *testing.T) {
	ctx := context.Background()
	e, p := newTestEngine()
	live := &node{ID: 1, Name: "A"}
	p.add(live)

	got, err := ApplyAs(ctx, e, &node{ID: 1, Name: "Z"})
	require.NoError(t, err)
	assert.Same(t, live, got)
	assert.Equal(t, "Z", live.Name)

	_, err = e.Apply(ctx, &node{ID: 7})
	assert.True(t, ormerr.IsNotFound(err))

	_, err = e.Apply(ctx, &node{Name: "x"})
	var idErr *ormerr.IdentityError
	require.ErrorAs(t, err, &idErr)
	assert.Equal(t, ormerr.IdentityMissing, idErr.Reason)

	_, err = e.Apply(ctx, &address{})
	assert.True(t, ormerr.IsShape(err))
}

func TestApply_AttachSemantics(t *testing.T) {
	ctx := context.Background()
	e, p := newTestEngine()

	known := &node{ID: 5, Name: "known"}
	p.add(known)
	live := &node{ID: 1, Name: "A"}

	t.Run("known identifier is applied onto the found instance", func(t *testing.T) {
		_, err := e.ApplyTo(ctx, &node{ID: 1, Name: "A", Ref: &node{ID: 5, Name: "renamed"}}, live)
		require.NoError(t, err)
		assert.Same(t, known, live.Ref)
		assert.Equal(t, "renamed", known.Name)
		assert.Empty(t, p.persisted)
	})

	t.Run("unknown generated identifier fails", func(t *testing.T) {
		_, err := e.ApplyTo(ctx, &node{ID: 1, Name: "A", Ref: &node{ID: 99}}, live)
		require.Error(t, err)
		assert.True(t, ormerr.IsNotFound(err))
		assert.Same(t, known, live.Ref)
	})

	t.Run("no identifier attaches a new instance", func(t *testing.T) {
		_, err := e.ApplyTo(ctx, &node{ID: 1, Name: "A", Ref: &node{Name: "fresh"}}, live)
		require.NoError(t, err)
		require.NotNil(t, live.Ref)
		assert.NotSame(t, known, live.Ref)
		assert.Equal(t, "fresh", live.Ref.Name)
		assert.Equal(t, "renamed", known.Name)
		require.Len(t, p.persisted, 1)
		assert.Same(t, live.Ref, p.persisted[0])
	})

	t.Run("unknown assigned identifier attaches a new instance", func(t *testing.T) {
		o := &order{ID: 1}
		_, err := e.ApplyTo(ctx, &order{ID: 1, Labels: []*label{{Code: "NEW", Text: "x"}}}, o)
		require.NoError(t, err)
		require.Len(t, o.Labels, 1)
		assert.Equal(t, "NEW", o.Labels[0].Code)
		assert.Equal(t, "x", o.Labels[0].Text)
		assert.Same(t, o.Labels[0], p.persisted[len(p.persisted)-1])
	})
}

func TestApply_Maps(t *testing.T) {
	ctx := context.Background()
	e, p := newTestEngine()

	a := &item{ID: 1, Name: "a"}
	b := &item{ID: 2, Name: "b"}
	live := &order{ID: 1, Attrs: map[string]*item{"x": a, "y": b}}
	attrs := live.Attrs

	d, err := DisconnectAs(ctx, e, live)
	require.NoError(t, err)
	d.Attrs["x"].Name = "a2"
	delete(d.Attrs, "y")
	d.Attrs["z"] = &item{Name: "new"}

	_, err = e.ApplyTo(ctx, d, live)
	require.NoError(t, err)

	assert.Equal(t, reflect.ValueOf(attrs).Pointer(), reflect.ValueOf(live.Attrs).Pointer(), "the live map is updated in place")
	assert.Len(t, live.Attrs, 2)
	assert.Same(t, a, live.Attrs["x"])
	assert.Equal(t, "a2", a.Name)
	_, ok := live.Attrs["y"]
	assert.False(t, ok)
	require.NotNil(t, live.Attrs["z"])
	assert.Equal(t, "new", live.Attrs["z"].Name)
	assert.Len(t, p.persisted, 1)
}

func TestApply_SetsAndArrays(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	live := &order{ID: 1, Tags: map[string]struct{}{"a": {}, "b": {}}, Scores: [3]int{1, 2, 3}}
	tags := live.Tags

	d, err := DisconnectAs(ctx, e, live)
	require.NoError(t, err)
	delete(d.Tags, "a")
	d.Tags["c"] = struct{}{}
	d.Scores = [3]int{3, 9, 1}

	_, err = e.ApplyTo(ctx, d, live)
	require.NoError(t, err)

	assert.Equal(t, map[string]struct{}{"b": {}, "c": {}}, live.Tags)
	assert.Equal(t, reflect.ValueOf(tags).Pointer(), reflect.ValueOf(live.Tags).Pointer())
	assert.Equal(t, [3]int{3, 9, 1}, live.Scores)
}

func TestApply_ChangeLog(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	live := sampleOrder()

	d, err := DisconnectAs(ctx, e, live)
	require.NoError(t, err)
	d.Shipping.City = "Bergen"
	d.Note = nil
	d.Customer = "grace"

	adj := NewAdjacency()
	_, err = e.ApplyTo(WithAdjacency(ctx, adj), d, live)
	require.NoError(t, err)

	assert.Equal(t, "Bergen", live.Shipping.City)
	assert.Nil(t, live.Note, "nil on a loaded property clears it")

	changed := map[string]Change{}
	for _, c := range adj.Changes() {
		changed[c.Property] = c
	}
	require.Contains(t, changed, "Customer")
	assert.Equal(t, "ada", changed["Customer"].OldValue)
	assert.Equal(t, "grace", changed["Customer"].NewValue)
	assert.Equal(t, int64(100), changed["Customer"].ID)
	assert.Contains(t, changed, "City")
	assert.Contains(t, changed, "Shipping")
	assert.Contains(t, changed, "Note")
	assert.NotContains(t, changed, "Items")
}

func TestEngine_MaxDepth(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(WithMaxDepth(3))

	deep := &node{ID: 1, Ref: &node{ID: 2, Ref: &node{ID: 3, Ref: &node{ID: 4}}}}
	_, err := e.Disconnect(ctx, deep)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMaxDepthExceeded))

	shallow := &node{ID: 1, Ref: &node{ID: 2}}
	_, err = e.Disconnect(ctx, shallow)
	assert.NoError(t, err)
}

func TestEngine_AdjacencyReuse(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	n := &node{ID: 1}

	adj := NewAdjacency()
	shared := WithAdjacency(ctx, adj)
	got, ok := AdjacencyFrom(shared)
	require.True(t, ok)
	assert.Same(t, adj, got)

	d1, err := DisconnectAs(shared, e, n)
	require.NoError(t, err)
	d2, err := DisconnectAs(shared, e, n)
	require.NoError(t, err)
	assert.Same(t, d1, d2)
	assert.Positive(t, adj.Len())
	assert.Positive(t, adj.Visited())

	d3, err := DisconnectAs(ctx, e, n)
	require.NoError(t, err)
	assert.NotSame(t, d1, d3)
}

func TestEngine_AdjacencyReuseAfterFailedApply(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	live := &node{ID: 1, Name: "A"}
	adj := NewAdjacency()
	shared := WithAdjacency(ctx, adj)

	first := &node{ID: 1, Name: "B"}
	_, err := e.ApplyTo(shared, first, live)
	require.NoError(t, err)
	assert.Equal(t, "B", live.Name)

	_, err = e.ApplyTo(shared, &node{ID: 2, Name: "X"}, live)
	require.Error(t, err)
	assert.Equal(t, "B", live.Name)

	// first is still known to the adjacency and maps straight to live
	first.Name = "C"
	got, err := e.ApplyTo(shared, first, live)
	require.NoError(t, err)
	assert.Same(t, live, got)
	assert.Equal(t, "B", live.Name)
	assert.Len(t, adj.Changes(), 1)
}

func TestEngine_FlushOnApply(t *testing.T) {
	ctx := context.Background()
	e, p := newTestEngine(WithFlushOnApply(true))
	live := &node{ID: 1, Name: "A"}

	_, err := e.ApplyTo(ctx, &node{ID: 1, Name: "B"}, live)
	require.NoError(t, err)
	assert.Equal(t, 1, p.flushes)

	_, err = e.ApplyTo(ctx, &node{ID: 2}, live)
	require.Error(t, err)
	assert.Equal(t, 1, p.flushes)
}

func TestEngine_MetricsAndLogging(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.DebugLevel)
	m := NewMetrics(prometheus.NewRegistry())
	e, _ := newTestEngine(WithLogger(zap.New(core)), WithMetrics(m))

	_, err := e.Disconnect(ctx, &node{ID: 1})
	require.NoError(t, err)

	_, err = e.ApplyTo(ctx, &order{ID: 1, Version: 1}, &order{ID: 1, Version: 2})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("disconnect", "ok", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("apply", "error", "version")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.DurationSeconds))

	assert.Equal(t, 1, logs.FilterMessage("detach operation").Len())
	failed := logs.FilterMessage("detach operation failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "version", failed[0].ContextMap()["kind"])
}
