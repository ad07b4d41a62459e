package cmd

import (
	"fmt"
	"time"

	"github.com/mgutz/ansi"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/service/admin"
	"github.com/dstorage/go-dstor/submodule/connect/settle"
)

const (
	idKwd      = "id"
	noColorKwd = "no-color"
)

var NodeCmd = &cli.Command{
	Name:  "node",
	Usage: "Inspect storage nodes on the ledger",
	Subcommands: []*cli.Command{
		nodeInfoCmd,
		nodeListCmd,
	},
}

var noColorFlag = &cli.BoolFlag{
	Name:  noColorKwd,
	Usage: "plain output",
}

var nodeInfoCmd = &cli.Command{
	Name:  "info",
	Usage: "Print the ledger profile of this node or of --id",
	Flags: []cli.Flag{
		passwordFlag,
		noColorFlag,
		&cli.StringFlag{
			Name:  idKwd,
			Usage: "identity to inspect; defaults to the repo's signing identity",
		},
	},
	Action: func(cctx *cli.Context) error {
		rc, err := readRepoConfig(cctx)
		if err != nil {
			return err
		}

		var ledger *settle.Ledger
		id := cctx.String(idKwd)
		if id == "" {
			ledger, err = signedLedger(cctx, rc)
			if err == nil {
				id = ledger.Self()
			}
		} else {
			if _, perr := settle.ParseIdentity(id); perr != nil {
				return perr
			}
			ledger, err = readLedger(cctx.Context, rc)
		}
		if err != nil {
			return err
		}
		defer ledger.Close()

		p, err := admin.FetchProfile(cctx.Context, ledger, ledger, id, time.Now())
		if err != nil {
			return err
		}

		fmt.Print(p.Render(!cctx.Bool(noColorKwd)))
		return nil
	},
}

var nodeListCmd = &cli.Command{
	Name:  "list",
	Usage: "Print every registered node with its liveness",
	Flags: []cli.Flag{
		noColorFlag,
	},
	Action: func(cctx *cli.Context) error {
		rc, err := readRepoConfig(cctx)
		if err != nil {
			return err
		}

		ledger, err := readLedger(cctx.Context, rc)
		if err != nil {
			return err
		}
		defer ledger.Close()

		color := !cctx.Bool(noColorKwd)
		if color {
			fmt.Println(ansi.Color("----------- Network Information -----------", "green"))
		}

		n, err := admin.FetchNetwork(cctx.Context, ledger, time.Now())
		if err != nil {
			return xerrors.Errorf("fetch network: %w", err)
		}

		fmt.Print(n.Render(color))
		return nil
	},
}
