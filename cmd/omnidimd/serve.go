package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the action processor until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	processorCtx, cancel := context.WithCancel(ctx)
	wait := a.startProcessor(processorCtx)
	defer func() {
		cancel()
		wait()
	}()

	a.logger.Info("omnidimd 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("store", cfg.Dispatch.Store.Driver),
		slog.String("queue", cfg.Dispatch.Queue.Driver),
		slog.Bool("widget", cfg.Widget.Enabled),
	)
	if err := a.server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
