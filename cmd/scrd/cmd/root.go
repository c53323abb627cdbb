package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// PrintVersion prints version information
func PrintVersion() string {
	return fmt.Sprintf("scrd v%s (commit: %s, built on: %s)", Version, Commit, Date)
}

// NewRootCommand creates the root command for the scrd daemon
func NewRootCommand() *cobra.Command {
	opts := DefaultOptions()
	var configFile string

	cmd := &cobra.Command{
		Use:   "scrd",
		Short: "scrd - declarative component runtime daemon",
		Long: `scrd hosts a declarative component runtime. Component descriptors
are installed as bundles, configurations are read from a watched directory,
and component state is served over HTTP.`,
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveOptions(cmd, configFile, opts, NewEnvFeeder(EnvPrefix))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return Run(ctx, resolved)
		},
	}
	cmd.SetVersionTemplate(PrintVersion() + "\n")

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "YAML daemon configuration file")
	flags.StringSliceVar(&opts.Components, "components", nil, "component descriptor files or directories")
	flags.StringVar(&opts.ConfigDir, "config-dir", "", "directory of configuration files to watch")
	flags.StringVar(&opts.Rescan, "rescan", "", "cron schedule for full configuration rescans, e.g. @every 30s")
	flags.StringVar(&opts.Listen, "listen", opts.Listen, "status endpoint address")
	flags.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")
	flags.BoolVar(&opts.Example, "example", false, "install the greeting example bundle")

	return cmd
}

// resolveOptions layers the configuration file and the environment under
// explicitly set flags.
func resolveOptions(cmd *cobra.Command, configFile string, flagOpts Options, env EnvFeeder) (Options, error) {
	opts := DefaultOptions()
	if configFile != "" {
		var err error
		if opts, err = LoadOptions(configFile, opts); err != nil {
			return opts, err
		}
	}
	if err := env.Feed(&opts); err != nil {
		return opts, err
	}
	flags := cmd.Flags()
	if flags.Changed("components") {
		opts.Components = flagOpts.Components
	}
	if flags.Changed("config-dir") {
		opts.ConfigDir = flagOpts.ConfigDir
	}
	if flags.Changed("rescan") {
		opts.Rescan = flagOpts.Rescan
	}
	if flags.Changed("listen") {
		opts.Listen = flagOpts.Listen
	}
	if flags.Changed("log-level") {
		opts.LogLevel = flagOpts.LogLevel
	}
	if flags.Changed("example") {
		opts.Example = flagOpts.Example
	}
	return opts, nil
}

// Run starts the daemon and serves the status endpoint until ctx is done.
func Run(ctx context.Context, opts Options) error {
	logger, err := buildLogger(opts.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	d, err := NewDaemon(opts, logger)
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		logger.Warn("Daemon started with errors", "error", err)
	}

	server := &http.Server{
		Addr:              opts.Listen,
		Handler:           NewStatusHandler(d.Runtime(), d.Gatherer(), logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Status endpoint listening", "addr", opts.Listen)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		logger.Error("Status endpoint failed", "error", err)
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Error("Status endpoint shutdown error", "error", serr)
	}
	return errors.Join(err, d.Stop())
}
