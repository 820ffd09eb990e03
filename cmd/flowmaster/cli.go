package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rendis/flowmaster/internal/store"
)

type serveOptions struct {
	configPath string
	listenAddr string
}

// apply puts command-line overrides on top of a loaded configuration. A host
// derived from the old listen address follows the new one.
func (o serveOptions) apply(cfg *Config) {
	if o.listenAddr == "" || o.listenAddr == cfg.ListenAddr {
		return
	}
	if cfg.Host == advertisedHost(cfg.ListenAddr) {
		cfg.Host = advertisedHost(o.listenAddr)
	}
	cfg.ListenAddr = o.listenAddr
}

func newRootCmd() *cobra.Command {
	var opts serveOptions

	root := &cobra.Command{
		Use:   "flowmaster",
		Short: "Workflow master: consumes commands, drives workflow instances, dispatches tasks to workers",
		Long: `flowmaster runs the master side of a distributed workflow scheduler.

Settings come from ~/.flowmaster/settings.json (or --config), then .env,
then FLOWMASTER_* environment variables. SIGHUP reloads them.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			return serve(opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "settings file (default ~/.flowmaster/settings.json)")
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetVersionTemplate("{{.Version}}\n")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the master (the default command)",
		Example: `  flowmaster serve --listen :5678
  FLOWMASTER_WORKERS="default=w1:1234,w2:1234" flowmaster serve`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return serve(opts)
		},
	}
	serveCmd.Flags().StringVar(&opts.listenAddr, "listen", "", "listen address, overrides listen_addr")

	var vacuum bool
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			v, err := migrate(cmd.Context(), cfg.DBPath, vacuum)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s at schema version %d\n", cfg.DBPath, v)
			return nil
		},
	}

	migrateCmd.Flags().BoolVar(&vacuum, "vacuum", false, "compact the database afterwards")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(serveCmd, migrateCmd, versionCmd)
	return root
}

func migrate(ctx context.Context, dbPath string, vacuum bool) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return 0, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + dbPath)
	if err != nil {
		return 0, err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return 0, err
	}
	if vacuum {
		if err := st.Vacuum(ctx); err != nil {
			return 0, fmt.Errorf("vacuum: %w", err)
		}
	}
	return st.SchemaVersion(ctx)
}
