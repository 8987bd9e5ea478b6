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
	EnvVars: []string{"ROASTR_LOG_LEVEL"},
}

var flagDaemon = &cli.StringFlag{
	Name:    "daemon",
	Value:   "127.0.0.1:7400",
	Usage:   "Address of the roastr daemon API",
	EnvVars: []string{"ROASTR_DAEMON"},
}

func main() {
	logger.Init()

	app := &cli.App{
		Name:  "roastr",
		Usage: "Sign notes with a federation of guardians",
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
			serveCommand(),
			joinCommand(),
			noteCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
