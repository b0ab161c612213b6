package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/straja-ai/apkguard/internal/events"
	"github.com/straja-ai/apkguard/internal/redact"
	"github.com/straja-ai/apkguard/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP scan service",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	emitter, err := events.FromConfig(cfg.Events)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	defer emitter.Close(context.Background())

	srv := server.New(cfg, server.Deps{
		Scanner:   a.scanner,
		Verdicts:  a.cache,
		Events:    emitter,
		Telemetry: a.telemetry,
	})

	redact.Logf("starting apkguard %s on %s", version, cfg.Server.Addr)
	return srv.ListenAndServe(ctx)
}
