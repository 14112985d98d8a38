package detach

import (
	"context"
	"math/big"
	"net/netip"
	"reflect"
	"time"

	"github.com/conduit-lang/detach/internal/orm/lazy"
	"github.com/conduit-lang/detach/internal/orm/metadata"
	"github.com/conduit-lang/detach/internal/orm/provider"
)

type node struct {
	ID   int64
	Name string
	Ref  *node
}

type item struct {
	ID   int64
	Name string
}

type label struct {
	Code string `orm:"id,assigned"`
	Text string
}

type address struct {
	Street string
	City   string
}

type order struct {
	ID       int64
	Version  int `orm:"version"`
	Customer string
	Items    []*item
	Tags     map[string]struct{}
	Attrs    map[string]*item
	Lines    *lazy.List[*item]
	Owner    *node
	Scores   [3]int
	Payload  []byte
	Shipping address
	Created  time.Time
	Note     *string
	Labels   []*label
	Cache    map[string]any `orm:"-"`
}

// priced holds values whose state is not visible to metadata
type priced struct {
	ID        int64
	Price     *big.Int
	Amount    big.Int
	Addr      netip.Addr
	DeletedAt *time.Time
}

type blobs struct {
	ID int64
	A  []byte
	B  []byte
}

// memProvider is a map-backed provider keyed by entity type and identifier
type memProvider struct {
	*provider.Introspector
	entities  map[reflect.Type]map[any]any
	persisted []any
	flushes   int
}

func newMemProvider(resolver *metadata.Resolver) *memProvider {
	return &memProvider{
		Introspector: provider.NewIntrospector(resolver, nil),
		entities:     make(map[reflect.Type]map[any]any),
	}
}

func (p *memProvider) add(vs ...any) {
	for _, v := range vs {
		t := reflect.TypeOf(v).Elem()
		id, ok := p.Identifier(t, v)
		if !ok {
			continue
		}
		if p.entities[t] == nil {
			p.entities[t] = make(map[any]any)
		}
		p.entities[t][id] = v
	}
}

func (p *memProvider) FindByIdentifier(ctx context.Context, t reflect.Type, id any) (any, error) {
	if v, ok := p.entities[t][id]; ok {
		return v, nil
	}
	return nil, provider.ErrNotFound
}

func (p *memProvider) Persist(ctx context.Context, v any) (any, error) {
	p.persisted = append(p.persisted, v)
	p.add(v)
	return v, nil
}

func (p *memProvider) Flush(ctx context.Context) error {
	p.flushes++
	return nil
}

var _ provider.Provider = (*memProvider)(nil)

// failingProvider fails Persist or Flush while its errors are set
type failingProvider struct {
	*memProvider
	persistErr error
	flushErr   error
}

func (p *failingProvider) Persist(ctx context.Context, v any) (any, error) {
	if p.persistErr != nil {
		return nil, p.persistErr
	}
	return p.memProvider.Persist(ctx, v)
}

func (p *failingProvider) Flush(ctx context.Context) error {
	if p.flushErr != nil {
		return p.flushErr
	}
	return p.memProvider.Flush(ctx)
}

func newFailingEngine(opts ...Option) (*Engine, *failingProvider) {
	resolver := metadata.NewResolver()
	p := &failingProvider{memProvider: newMemProvider(resolver)}
	return New(p, append([]Option{WithResolver(resolver)}, opts...)...), p
}

func newTestEngine(opts ...Option) (*Engine, *memProvider) {
	resolver := metadata.NewResolver()
	p := newMemProvider(resolver)
	return New(p, append([]Option{WithResolver(resolver)}, opts...)...), p
}

func strPtr(s string) *string { return &s }

func sampleOrder() *order {
	owner := &node{ID: 10, Name: "owner"}
	owner.Ref = owner
	a := &item{ID: 1, Name: "a"}
	return &order{
		ID:       100,
		Version:  3,
		Customer: "ada",
		Items:    []*item{a, {ID: 2, Name: "b"}},
		Tags:     map[string]struct{}{"vip": {}, "eu": {}},
		Attrs:    map[string]*item{"first": a},
		Lines:    lazy.New(&item{ID: 5, Name: "line"}),
		Owner:    owner,
		Scores:   [3]int{1, 2, 3},
		Payload:  []byte("raw"),
		Shipping: address{Street: "Main 1", City: "Oslo"},
		Created:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Note:     strPtr("fragile"),
		Labels:   []*label{{Code: "L1", Text: "one"}},
	}
}
