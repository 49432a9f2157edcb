package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/procdoctor"
	"github.com/loykin/procdoctor/internal/logger"
)

func createServeCommand(flags *GlobalFlags, out io.Writer) *cobra.Command {
	df := &DaemonFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the procdoctor server",
		Long: `Run the control plane HTTP API. Configuration comes from the TOML file
(argument or --config), then PROCDOCTOR_* environment variables.

Examples:
  procdoctor serve
  procdoctor serve /etc/procdoctor.toml
  procdoctor serve --daemonize --pidfile /run/procdoctor.pid --logfile /var/log/procdoctor.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			if df.Daemonize {
				pid, err := spawnDaemon(*df, os.Args[1:])
				if err != nil {
					return err
				}
				reportDaemon(out, pid)
				return nil
			}
			if err := writePIDFile(df.PIDFile, os.Getpid()); err != nil {
				return fmt.Errorf("failed to write PID file: %w", err)
			}
			defer removePIDFile(df.PIDFile)
			return runServe(cmd.Context(), path)
		},
	}
	cmd.Flags().BoolVar(&df.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&df.PIDFile, "pidfile", "", "write the server pid to this file")
	cmd.Flags().StringVar(&df.LogFile, "logfile", "", "redirect daemon stdout and stderr to this file")
	return cmd
}

func runServe(ctx context.Context, path string) error {
	cfg, err := procdoctor.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	closer := logger.Setup(cfg.Log)
	defer func() { _ = closer.Close() }()

	if err := procdoctor.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	app, err := procdoctor.New(cfg)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Serve(ctx)
}
