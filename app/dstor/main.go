package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dstorage/go-dstor/app/cmd"
	"github.com/dstorage/go-dstor/build"
	logging "github.com/dstorage/go-dstor/lib/log"
)

func main() {
	app := &cli.App{
		Name:                 "dstor",
		Usage:                "Storage node agent and client of the dstor network",
		Version:              build.UserVersion(),
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  cmd.FlagNodeRepo,
				Usage: "Specify repo path, defaults to $DSTOR_PATH or ~/.dstor.",
			},
			&cli.StringFlag{
				Name:    cmd.FlagLogLevel,
				EnvVars: []string{"DSTOR_LOG_LEVEL"},
				Usage:   "debug, info, warn or error",
			},
		},
		Before: func(cctx *cli.Context) error {
			if l := cctx.String(cmd.FlagLogLevel); l != "" {
				return logging.SetLogLevel(l)
			}
			return nil
		},

		Commands: cmd.CommonCmd,
	}

	app.Setup()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n\n", err) // nolint:errcheck
		os.Exit(1)
	}
}
