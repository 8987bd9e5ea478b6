package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"Roastr/internal/guardian"
	"Roastr/internal/logger"
	"Roastr/internal/storage"
)

var (
	flagKey        = &cli.StringFlag{Name: "key", Required: true, Usage: "Guardian key file (guardian-<i>.yaml)"}
	flagFederation = &cli.StringFlag{Name: "federation", Value: "./devnet/" + federationFile, Usage: "Federation descriptor"}
	flagEngine     = &cli.StringFlag{Name: "engine", Value: storage.EngineBadger, Usage: "Storage engine for published notes: pebble or badger"}
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Answer share requests and publications for one guardian",
		Flags: []cli.Flag{flagKey, flagFederation, flagEngine},
		Action: func(cCtx *cli.Context) error {
			key, err := readKeyFile(cCtx.String(flagKey.Name))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cCtx.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runGuardian(ctx, key, cCtx.String(flagFederation.Name), cCtx.String(flagEngine.Name))
		},
	}
}

// runGuardian serves one guardian until ctx is done.
func runGuardian(ctx context.Context, key *KeyFile, federationPath, engine string) error {
	desc, err := readDescriptor(federationPath)
	if err != nil {
		return err
	}

	share, err := key.share()
	if err != nil {
		return fmt.Errorf("load secret share:\n%w", err)
	}

	identity, err := key.identity()
	if err != nil {
		return err
	}

	db, err := storage.Open(ctx, key.DataDir, engine, storage.LockOptions{NonBlocking: true})
	if err != nil {
		return fmt.Errorf("open store:\n%w", err)
	}
	defer db.Close()

	srv, err := guardian.NewServer(guardian.ServerConfig{
		Share:      share,
		Identity:   identity,
		GroupKey:   desc.GroupPublicKey,
		AdminAuth:  key.AdminAuth,
		Store:      db,
		QUICListen: key.QUICListen,
		HTTPListen: key.HTTPListen,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.Listen(); err != nil {
		return err
	}

	if err := srv.Serve(desc); err != nil {
		return err
	}

	logger.Info("guardian running", "peer", key.PeerID, "quic", srv.QUICAddr(), "http", srv.HTTPAddr())

	<-ctx.Done()
	logger.Info("guardian stopping", "peer", key.PeerID)

	return nil
}
