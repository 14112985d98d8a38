package commands

import (
	"context"
	"fmt"
	"reflect"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conduit-lang/detach/internal/cli/config"
	"github.com/conduit-lang/detach/internal/cli/ui"
	"github.com/conduit-lang/detach/internal/orm/detach"
	"github.com/conduit-lang/detach/internal/orm/metadata"
	"github.com/conduit-lang/detach/internal/orm/store"
)

// demoNode is the entity of the demo: two nodes that reference each other
type demoNode struct {
	ID      int64
	Version int64 `orm:"version"`
	Name    string
	Peer    *demoNode
}

func (demoNode) TableName() string { return "demo_node" }

func newDemoCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a disconnect/apply round trip against the configured backend",
		Long: `Store two nodes that reference each other, disconnect one of them with its
peer, rename the copy and apply it back. The cycle survives both directions
and the rename is flushed to the backend.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			backend, err := openBackend(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer backend.Close()

			return runDemo(ctx, opts.printer(cmd), backend, cfg.Engine, logger)
		},
	}
}

func runDemo(ctx context.Context, p *ui.Printer, backend store.Backend, cfg config.EngineConfig, logger *zap.Logger) error {
	resolver := metadata.NewResolver()
	session := func() (*store.Session, error) {
		s := store.New(backend, store.WithResolver(resolver), store.WithLogger(logger))
		if err := s.Register(ctx, &demoNode{}); err != nil {
			return nil, err
		}
		return s, nil
	}

	p.Header(fmt.Sprintf("Detach demo on the %s backend", backend.Name()))

	seed, err := session()
	if err != nil {
		return err
	}
	p.Step(1, "registered demo_node")

	a := &demoNode{Name: "A"}
	b := &demoNode{Name: "B", Peer: a}
	a.Peer = b
	if _, err := seed.Persist(ctx, a); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	if err := seed.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	p.Step(2, "stored node %d (%s) and node %d (%s) referencing each other", a.ID, a.Name, b.ID, b.Name)

	s, err := session()
	if err != nil {
		return err
	}
	engineOpts := []detach.Option{
		detach.WithResolver(resolver),
		detach.WithLogger(logger),
		detach.WithMaxDepth(cfg.MaxDepth),
		detach.WithFlushOnApply(cfg.FlushOnApply),
	}
	var registry *prometheus.Registry
	if cfg.Metrics {
		registry = prometheus.NewRegistry()
		engineOpts = append(engineOpts, detach.WithMetrics(detach.NewMetrics(registry)))
	}
	engine := detach.New(s, engineOpts...)

	live, err := store.Load[demoNode](ctx, s, a.ID)
	if err != nil {
		return fmt.Errorf("load node %d: %w", a.ID, err)
	}
	if err := s.Initialize(ctx, live.Peer); err != nil {
		return fmt.Errorf("initialize peer: %w", err)
	}
	p.Step(3, "loaded node %d in a new session and initialized its peer", live.ID)

	cp, err := detach.DisconnectAs(ctx, engine, live)
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	if cp == live || cp.Peer == nil || cp.Peer.Peer != cp {
		return fmt.Errorf("disconnect: copy of node %d lost its cycle", live.ID)
	}
	p.Step(4, "disconnected: the copy is independent and copy.Peer.Peer is the copy")

	cp.Name = "A2"
	p.Step(5, "renamed the copy to %s, the live node is still %s", cp.Name, live.Name)

	adj := detach.NewAdjacency()
	got, err := detach.ApplyAs(detach.WithAdjacency(ctx, adj), engine, cp)
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	if got != live || live.Name != "A2" || live.Peer.Peer != live {
		return fmt.Errorf("apply: node %d was not merged onto the live instance", live.ID)
	}
	if !cfg.FlushOnApply {
		if err := s.Flush(ctx); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	p.Step(6, "applied the copy onto the live node (%d values visited, operation %s)", adj.Visited(), adj.ID())

	rows := make([][]string, 0, len(adj.Changes()))
	for _, c := range adj.Changes() {
		rows = append(rows, []string{typeName(c.Type), fmt.Sprint(c.ID), c.Property, formatValue(c.OldValue), formatValue(c.NewValue)})
	}
	p.Table([]string{"Type", "ID", "Property", "Old", "New"}, rows)

	check, err := session()
	if err != nil {
		return err
	}
	stored, err := store.Load[demoNode](ctx, check, a.ID)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if stored.Name != "A2" {
		return fmt.Errorf("verify: node %d is stored as %q", stored.ID, stored.Name)
	}
	p.Step(7, "verified in a fresh session: node %d is %s at version %d", stored.ID, stored.Name, stored.Version)

	if registry != nil {
		if err := printOperations(p, registry); err != nil {
			return err
		}
	}
	p.Success("round trip complete")
	return nil
}

func printOperations(p *ui.Printer, registry *prometheus.Registry) error {
	families, err := registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	var rows [][]string
	for _, mf := range families {
		if mf.GetName() != "conduit_detach_operations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			rows = append(rows, []string{labels["op"], labels["outcome"], fmt.Sprint(m.GetCounter().GetValue())})
		}
	}
	p.Table([]string{"Operation", "Outcome", "Count"}, rows)
	return nil
}

func typeName(t reflect.Type) string {
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

func formatValue(v any) string {
	if v == nil {
		return "<nil>"
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return "<nil>"
		}
		return "&" + typeName(rv.Type())
	}
	return fmt.Sprint(v)
}
