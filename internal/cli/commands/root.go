package commands

import (
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conduit-lang/detach/internal/cli/config"
	"github.com/conduit-lang/detach/internal/cli/ui"
	"github.com/conduit-lang/detach/internal/logging"
)

var (
	// Version information - set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = "unknown"
)

// globalOptions are the persistent flags of the root command
type globalOptions struct {
	configPath string
	backend    string
	noColor    bool
}

// setup loads the configuration, applies flag overrides and builds the logger
func (o *globalOptions) setup() (*config.Config, *zap.Logger, error) {
	if o.backend != "" {
		if err := checkBackendName(o.backend); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.backend != "" {
		cfg.Store.Backend = o.backend
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func (o *globalOptions) printer(cmd *cobra.Command) *ui.Printer {
	return ui.NewPrinter(cmd.OutOrStdout(), o.noColor)
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "detachctl",
		Short: "Disconnect and reconnect object graphs against a store",
		Long: color.CyanString(`detachctl - object graph detach/merge tooling

detachctl drives the detach engine against a configured store backend.
Configuration is read from detach.yml in the working directory (or --config)
and can be overridden with DETACH_* environment variables.

Backends:
  • memory
  • sqlite, postgres, pgx
  • redis
  • badger`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to the configuration file")
	flags.StringVar(&opts.backend, "backend", "", "override store.backend")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.AddCommand(newConfigCommand(opts))
	rootCmd.AddCommand(newPingCommand(opts))
	rootCmd.AddCommand(newDemoCommand(opts))

	return rootCmd
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display the detachctl version, Git commit, build date, and Go version",
		Run: func(cmd *cobra.Command, args []string) {
			goVer := GoVersion
			if goVer == "unknown" {
				goVer = runtime.Version()
			}
			noColor, _ := cmd.Flags().GetBool("no-color")
			ui.NewPrinter(cmd.OutOrStdout(), noColor).KeyValues([][2]string{
				{"detachctl version", Version},
				{"Git commit", GitCommit},
				{"Build date", BuildDate},
				{"Go version", goVer},
			})
		},
	}
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		errorColor := color.New(color.FgRed, color.Bold)
		errorColor.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
		return err
	}
	return nil
}
