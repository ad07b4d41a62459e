package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"
)

var ConfigCmd = &cli.Command{
	Name:  "config",
	Usage: "Interact with config",
	Subcommands: []*cli.Command{
		configSetCmd,
		configGetCmd,
	},
}

var configGetCmd = &cli.Command{
	Name:  "get",
	Usage: "Get config key",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "key",
			Usage: "The key of the config entry (e.g. \"agent.workers\")",
			Value: "",
		},
	},
	Action: func(cctx *cli.Context) error {
		key := cctx.String("key")
		if key == "" {
			return xerrors.New("key is nil")
		}

		rc, err := readRepoConfig(cctx)
		if err != nil {
			return err
		}

		res, err := rc.cfg.Get(key)
		if err != nil {
			return err
		}

		return printJSON(res)
	},
}

var configSetCmd = &cli.Command{
	Name:  "set",
	Usage: "Set config key, takes effect on the next daemon start",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "key",
			Usage: "The key of the config entry (e.g. \"agent.workers\")",
			Value: "",
		},
		&cli.StringFlag{
			Name:  "value",
			Usage: "The value with which to set the config entry, as json",
			Value: "",
		},
	},
	Action: func(cctx *cli.Context) error {
		key := cctx.String("key")
		if key == "" {
			return xerrors.New("key is nil")
		}

		rep, err := openRepo(cctx)
		if err != nil {
			return err
		}
		defer rep.Close()

		cfg := rep.Config()
		if err := cfg.Set(key, cctx.String("value")); err != nil {
			return err
		}

		if err := rep.ReplaceConfig(cfg); err != nil {
			logger.Errorf("Error replacing config %s", err)
			return err
		}

		res, err := cfg.Get(key)
		if err != nil {
			return err
		}

		return printJSON(res)
	},
}

func printJSON(v interface{}) error {
	bs, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return err
	}
	fmt.Println(string(bs))
	return nil
}
