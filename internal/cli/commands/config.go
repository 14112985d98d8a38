package commands

import (
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/detach/internal/cli/config"
)

func newConfigCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long:  "Print the configuration after defaults, the config file, DETACH_* variables and flags are applied. Secrets are masked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.setup()
			if err != nil {
				return err
			}
			p := opts.printer(cmd)
			p.Header("Effective configuration")
			p.KeyValues(configRows(cfg))
			return nil
		},
	}
}

func configRows(cfg *config.Config) [][2]string {
	return [][2]string{
		{"engine.max_depth", strconv.Itoa(cfg.Engine.MaxDepth)},
		{"engine.flush_on_apply", strconv.FormatBool(cfg.Engine.FlushOnApply)},
		{"engine.metrics", strconv.FormatBool(cfg.Engine.Metrics)},
		{"store.backend", cfg.Store.Backend},
		{"store.dsn", maskDSN(cfg.Store.DSN)},
		{"store.redis.addr", cfg.Store.Redis.Addr},
		{"store.redis.password", mask(cfg.Store.Redis.Password)},
		{"store.redis.db", strconv.Itoa(cfg.Store.Redis.DB)},
		{"store.redis.prefix", cfg.Store.Redis.Prefix},
		{"store.badger.path", cfg.Store.Badger.Path},
		{"store.badger.in_memory", strconv.FormatBool(cfg.Store.Badger.InMemory)},
		{"store.badger.sync_writes", strconv.FormatBool(cfg.Store.Badger.SyncWrites)},
		{"log.level", cfg.Log.Level},
		{"log.development", strconv.FormatBool(cfg.Log.Development)},
	}
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
}

// maskDSN hides the password of URL-style DSNs
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); !ok {
		return dsn
	}
	u.User = url.UserPassword(u.User.Username(), "****")
	return u.String()
}
