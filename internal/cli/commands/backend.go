package commands

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/conduit-lang/detach/internal/cli/config"
	"github.com/conduit-lang/detach/internal/cli/ui"
	"github.com/conduit-lang/detach/internal/orm/store"
	"github.com/conduit-lang/detach/internal/orm/store/kvstore"
	"github.com/conduit-lang/detach/internal/orm/store/memory"
	"github.com/conduit-lang/detach/internal/orm/store/sqlstore"
)

var backendNames = []string{"memory", "sqlite", "postgres", "pgx", "redis", "badger"}

func checkBackendName(name string) error {
	if slices.Contains(backendNames, name) {
		return nil
	}
	if s := ui.Suggest(name, backendNames); len(s) > 0 {
		return fmt.Errorf("unknown backend %q, did you mean %s?", name, strings.Join(s, ", "))
	}
	return fmt.Errorf("unknown backend %q (one of %s)", name, strings.Join(backendNames, ", "))
}

// openBackend opens the backend cfg selects
func openBackend(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Backend, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nil
	case "sqlite", "postgres", "pgx":
		driver := cfg.Backend
		if driver == "sqlite" {
			driver = "sqlite3"
		}
		db, err := sqlstore.Open(ctx, driver, cfg.DSN, sqlstore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return db, nil
	case "redis":
		r, err := kvstore.OpenRedis(ctx, kvstore.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, kvstore.WithLogger(logger), kvstore.WithPrefix(cfg.Redis.Prefix))
		if err != nil {
			return nil, err
		}
		return r, nil
	case "badger":
		b, err := kvstore.OpenBadger(kvstore.BadgerConfig{
			Path:       cfg.Badger.Path,
			InMemory:   cfg.Badger.InMemory,
			SyncWrites: cfg.Badger.SyncWrites,
		}, kvstore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, checkBackendName(cfg.Backend)
}
