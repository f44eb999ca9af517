package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/config"
	"github.com/JakeFAU/media-fetcher/internal/server"
)

// Runner is the application surface the serve command drives. It lets tests
// inject a fake application.
type Runner interface {
	Run(ctx context.Context) error
}

// newApp is the application factory, replaceable in tests.
var newApp = func(ctx context.Context, cfg *config.Config) (Runner, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by the caller
	}
	return app, nil
}

// migrate is the schema migration entry point, replaceable in tests.
var migrate = func(ctx context.Context, cfg *config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	return server.Migrate(ctx, cfg, logger)
}

type rootOptions struct {
	cfgFile string
	envFile string
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "media-fetcher",
		Short: "An asynchronous media download service.",
		Long: `media-fetcher accepts media URLs over HTTP, downloads them in a bounded
worker pool, stores the artifacts in blob storage, and reports each job's
status and progress until it completes, fails, or is cancelled.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, JSON, or TOML)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	cmd.AddCommand(newServeCmd(opts), newMigrateCmd(opts), newVersionCmd())
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.LoadWithEnvFile(o.cfgFile, o.envFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
