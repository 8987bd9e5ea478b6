package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"Roastr/internal/logger"
)

var flagLogLevel = &cli.StringFlag{
	Name:    "log-level",
	Value:   "info",
	Usage:   "Minimum log level: debug, info, warn, error",
	EnvVars: []string{"GUARDIAN_LOG_LEVEL"},
}

func main() {
	logger.Init()

	app := &cli.App{
		Name:  "guardian",
		Usage: "Devnet guardian: deal a federation and run its members",
		Flags: []cli.Flag{flagLogLevel},
		Before: func(cCtx *cli.Context) error {
			level, err := logger.ParseLevel(cCtx.String(flagLogLevel.Name))
			if err != nil {
				return err
			}
			logger.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			dealCommand(),
			runCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
