package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Dankin/vmware-kb/internal/app"
	"github.com/Dankin/vmware-kb/internal/config"
	"github.com/Dankin/vmware-kb/internal/dispatcher"
	"github.com/Dankin/vmware-kb/internal/kb"
	"github.com/Dankin/vmware-kb/internal/logging"
)

// version is stamped at build time with -ldflags "-X".
var version = "dev"

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use.
type App interface {
	Crawl(ctx context.Context, start, end int) (dispatcher.Summary, error)
	Fetch(ctx context.Context, id int, force bool) (dispatcher.Summary, error)
	Migrate(ctx context.Context) (kb.SearchStatus, error)
	Close(ctx context.Context) error
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.Build(ctx, cfg, logger, app.WithVersion(version))
}

type rootOptions struct {
	configFile string
	debug      bool
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "kbcrawler",
		Short: "Mirror VMware knowledge base articles into a local database.",
		Long: `kbcrawler walks a range of knowledge base article ids, extracts each
article into structured fields, copies its images and attachments locally
and stores the result in SQLite or Postgres.`,
		SilenceUsage: true,

		// Builds the application after flags are parsed and before the
		// subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Development(), cfg.LogLevel())
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "development logger at debug level")

	cmd.AddCommand(newCrawlCmd(), newFetchCmd(), newMigrateCmd())
	return cmd
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return config.Config{}, err
	}
	if opts.debug {
		cfg.Debug = true
	}
	if f := cmd.Flags().Lookup("workers"); f != nil && f.Changed {
		workers, err := cmd.Flags().GetInt("workers")
		if err != nil {
			return config.Config{}, err
		}
		cfg.Crawler.Workers = workers
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. SIGINT and SIGTERM stop dispatch of new
// ids and let in-flight work drain.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// run executes the command line in args and closes the application it built,
// whether or not the command succeeded.
func run(ctx context.Context, args []string, out io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	executed, err := root.ExecuteContextC(ctx)
	if executed == nil {
		return err
	}
	if appInstance, rerr := resolveApp(executed.Context()); rerr == nil {
		if cerr := appInstance.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close: %w", cerr))
		}
	}
	return err
}
