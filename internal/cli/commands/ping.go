package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newPingCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check connectivity to the configured store backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			start := time.Now()
			backend, err := openBackend(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer backend.Close()

			if err := backend.Ping(ctx); err != nil {
				return fmt.Errorf("ping %s: %w", backend.Name(), err)
			}
			opts.printer(cmd).Success("%s backend is reachable (%s)", backend.Name(), time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
}
