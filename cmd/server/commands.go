package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zeusync/syncplant/internal/config"
	"github.com/zeusync/syncplant/internal/injector"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "syncplant",
		Short:         "Real-time object synchronization server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

type serveOptions struct {
	configPath string
	listenAddr string
	logLevel   string
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the sync server with the given configuration.

Without --config the server keeps everything in memory and trusts the user
named by each client.

Example:
  syncplant serve --config /etc/syncplant/server.yaml
  syncplant serve --listen 0.0.0.0:8080 --log-level debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration")
	cmd.Flags().StringVar(&opts.listenAddr, "listen", "", "override server.listen_addr")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "override log.level")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.listenAddr != "" {
		cfg.Server.ListenAddr = opts.listenAddr
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if err = cfg.Validate(); err != nil {
		return err
	}

	srv, cleanup, err := injector.InitializeServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	defer cleanup()

	if err = srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	<-ctx.Done()

	// The signal context is done; shutdown gets its own deadline.
	return srv.Stop(context.Background())
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("syncplant", version)
		},
	}
}
