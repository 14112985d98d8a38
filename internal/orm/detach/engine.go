// Package detach turns managed object graphs into independent copies and
// reconciles modified copies back into live graphs.
//
// Disconnect walks a graph depth first and produces a counterpart for every
// reachable value, preserving shared references and cycles. Apply walks a
// modified copy together with its live counterpart, pairs collection
// elements with their pendants, enforces identifiers, versions and the lazy
// loading boundary, and writes the result onto the live graph only once the
// whole walk succeeded.
package detach

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/detach/internal/orm/metadata"
	"github.com/conduit-lang/detach/internal/orm/ormerr"
	"github.com/conduit-lang/detach/internal/orm/provider"
)

// ErrMaxDepthExceeded is returned when a graph is nested deeper than the
// configured limit
var ErrMaxDepthExceeded = errors.New("maximum traversal depth exceeded")

const (
	opDisconnect = "disconnect"
	opApply      = "apply"
)

// Engine is the entry point for disconnect and apply
type Engine struct {
	provider     provider.Provider
	registry     *Registry
	resolver     *metadata.Resolver
	logger       *zap.Logger
	metrics      *Metrics
	maxDepth     int
	flushOnApply bool
}

// Option configures an Engine
type Option func(*Engine)

// WithRegistry replaces the default handler registry
func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithResolver replaces the process-wide metadata resolver
func WithResolver(r *metadata.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics enables instrumentation
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxDepth bounds the traversal depth; 0 means unbounded
func WithMaxDepth(depth int) Option {
	return func(e *Engine) { e.maxDepth = depth }
}

// WithFlushOnApply makes a successful apply flush the provider
func WithFlushOnApply(flush bool) Option {
	return func(e *Engine) { e.flushOnApply = flush }
}

// New creates an engine over p. A nil provider gets a store-less one.
func New(p provider.Provider, opts ...Option) *Engine {
	e := &Engine{
		provider: p,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = DefaultRegistry()
	}
	if e.resolver == nil {
		e.resolver = metadata.Default()
	}
	if e.provider == nil {
		e.provider = provider.NewStandalone(e.resolver)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Registry returns the handler registry in use
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Disconnect returns an independent copy of the graph reachable from root
func (e *Engine) Disconnect(ctx context.Context, root any) (any, error) {
	return e.run(ctx, opDisconnect, func(t *Traversal) (reflect.Value, error) {
		return t.Disconnect(reflect.ValueOf(root))
	})
}

// Apply reconciles modified onto the live instance the provider holds for
// its identifier
func (e *Engine) Apply(ctx context.Context, modified any) (any, error) {
	return e.run(ctx, opApply, func(t *Traversal) (reflect.Value, error) {
		v := unwrap(reflect.ValueOf(modified))
		if isNil(v) {
			return reflect.Value{}, nil
		}
		typ := v.Type()
		if !t.isEntity(typ) {
			return reflect.Value{}, t.wrap(&ormerr.ShapeError{Type: typ, Reason: "apply needs a pointer to an entity with an identifier"})
		}
		id, ok := t.identifier(v)
		if !ok {
			return reflect.Value{}, t.wrap(&ormerr.IdentityError{Type: typ.Elem(), Reason: ormerr.IdentityMissing})
		}
		found, err := e.provider.FindByIdentifier(ctx, typ.Elem(), id)
		switch {
		case errors.Is(err, provider.ErrNotFound) || (err == nil && found == nil):
			return reflect.Value{}, t.wrap(&ormerr.IdentityError{Type: typ.Elem(), ID: id, Reason: ormerr.IdentityNotFound})
		case err != nil:
			return reflect.Value{}, t.wrap(err)
		}
		return t.Apply(v, reflect.ValueOf(found))
	})
}

// ApplyTo reconciles modified onto managed, its live counterpart. The result
// is managed for reference kinds and the reconciled value otherwise.
func (e *Engine) ApplyTo(ctx context.Context, modified, managed any) (any, error) {
	return e.run(ctx, opApply, func(t *Traversal) (reflect.Value, error) {
		return t.Apply(reflect.ValueOf(modified), reflect.ValueOf(managed))
	})
}

func (e *Engine) run(ctx context.Context, op string, fn func(t *Traversal) (reflect.Value, error)) (any, error) {
	adj, ok := AdjacencyFrom(ctx)
	if !ok || adj == nil {
		adj = NewAdjacency()
	}
	start := time.Now()
	visited := adj.visited
	m := adj.mark()

	t := &Traversal{ctx: ctx, engine: e, adj: adj, op: op}
	out, err := fn(t)
	pending := adj.Pending()
	if op == opApply {
		if err == nil {
			err = e.commit(ctx, adj, m)
		} else {
			adj.discard(m)
		}
	}

	elapsed := time.Since(start)
	visited = adj.visited - visited
	e.metrics.observe(op, elapsed, visited, err)
	if err != nil {
		e.logger.Warn("detach operation failed",
			zap.String("op", op),
			zap.String("operation_id", adj.ID()),
			zap.Stringer("kind", ormerr.KindOf(err)),
			zap.Int("visited", visited),
			zap.Error(err))
		return nil, err
	}
	e.logger.Debug("detach operation",
		zap.String("op", op),
		zap.String("operation_id", adj.ID()),
		zap.Int("visited", visited),
		zap.Int("writes", pending),
		zap.Duration("duration", elapsed))

	if !out.IsValid() || !out.CanInterface() {
		return nil, nil
	}
	return out.Interface(), nil
}

// commit writes the held-back changes onto the live graph, then persists
// the created entities and flushes. A failure at any step restores the live
// graph.
func (e *Engine) commit(ctx context.Context, adj *Adjacency, m mark) error {
	created, err := adj.commit(m)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for _, v := range created {
		if _, err := e.provider.Persist(ctx, v.Interface()); err != nil {
			adj.rollback(m)
			return fmt.Errorf("persist %s: %w", v.Type(), err)
		}
	}
	if e.flushOnApply {
		if err := e.provider.Flush(ctx); err != nil {
			adj.rollback(m)
			return fmt.Errorf("flush: %w", err)
		}
	}
	adj.settle()
	return nil
}

func (e *Engine) handlerFor(t reflect.Type) (Handler, error) {
	h, ok := e.registry.Resolve(t)
	if !ok {
		return nil, &ormerr.ShapeError{Type: t, Reason: "no handler"}
	}
	return h, nil
}

// DisconnectAs is Disconnect for a statically typed root
func DisconnectAs[T any](ctx context.Context, e *Engine, root T) (T, error) {
	out, err := e.Disconnect(ctx, root)
	return as[T](out, err)
}

// ApplyAs is Apply for a statically typed entity pointer
func ApplyAs[T any](ctx context.Context, e *Engine, modified T) (T, error) {
	out, err := e.Apply(ctx, modified)
	return as[T](out, err)
}

// ApplyToAs is ApplyTo for statically typed values
func ApplyToAs[T any](ctx context.Context, e *Engine, modified, managed T) (T, error) {
	out, err := e.ApplyTo(ctx, modified, managed)
	return as[T](out, err)
}

func as[T any](out any, err error) (T, error) {
	var zero T
	if err != nil || out == nil {
		return zero, err
	}
	typed, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("detach: result is %T, not %T", out, zero)
	}
	return typed, nil
}
