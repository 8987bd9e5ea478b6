package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"Roastr/internal/api"
	"Roastr/internal/federation"
	"Roastr/internal/logger"
	"Roastr/internal/storage"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the signing daemon and its HTTP API",
		Flags: []cli.Flag{flagConfig, flagListen, flagDataDir, flagEngine, flagNoWait},
		Action: func(cCtx *cli.Context) error {
			cfg, err := loadConfig(cCtx)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cCtx.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}
}

// serve runs the daemon until ctx is done.
func serve(ctx context.Context, cfg Config) error {
	logger.Info("starting roastr daemon",
		"listen", cfg.Listen,
		"data", cfg.DataDir,
		"engine", cfg.Engine,
	)

	db, err := storage.Open(ctx, cfg.DataDir, cfg.Engine, storage.LockOptions{NonBlocking: cfg.NoWait})
	if err != nil {
		return fmt.Errorf("open store:\n%w", err)
	}
	defer db.Close()

	fetcher := federation.NewHTTPFetcher(cfg.Coordinator.RequestTimeout)

	bridge, err := api.NewBridge(db, fetcher, api.QUICConnector(cfg.Coordinator.RequestTimeout), cfg.Coordinator)
	if err != nil {
		return fmt.Errorf("create bridge:\n%w", err)
	}
	defer bridge.Close()

	server := api.New(cfg.Listen, bridge)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	return server.Stop()
}
