package cmd

import (
	"path/filepath"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/app/minit"
	"github.com/dstorage/go-dstor/config"
	"github.com/dstorage/go-dstor/lib/repo"
)

const (
	importKeyKwd = "import-key"
	capacityKwd  = "capacity"
	mobileKwd    = "mobile"
	chainKwd     = "chain"
	contractsKwd = "contracts"
)

var InitCmd = &cli.Command{
	Name:  "init",
	Usage: "Initialize a dstor repo",
	Flags: []cli.Flag{
		passwordFlag,
		&cli.StringFlag{
			Name:  importKeyKwd,
			Usage: "hex private key to import instead of generating one",
		},
		&cli.Uint64Flag{
			Name:  capacityKwd,
			Usage: "declared capacity in bytes, 0 means the free space of the repo disk",
		},
		&cli.BoolFlag{
			Name:  mobileKwd,
			Usage: "register as a mobile (tier 2) node",
		},
		&cli.StringFlag{
			Name:  chainKwd,
			Usage: "ledger json-rpc endpoint",
		},
		&cli.StringFlag{
			Name:  contractsKwd,
			Usage: "path of " + config.ContractsFile,
		},
	},
	Action: func(cctx *cli.Context) error {
		logger.Info("Initializing dstor node")

		dir, err := repoDir(cctx)
		if err != nil {
			return err
		}

		exist, err := repo.Exists(dir)
		if err != nil {
			return err
		}
		if exist {
			return xerrors.Errorf("repo at '%s' is already initialized", dir)
		}

		cfg := config.NewDefaultConfig()
		cfg.Identity.Capacity = cctx.Uint64(capacityKwd)
		cfg.Identity.IsMobile = cctx.Bool(mobileKwd)
		if ep := cctx.String(chainKwd); ep != "" {
			cfg.Chain.EndPoint = ep
		}
		if cf := cctx.String(contractsKwd); cf != "" {
			abs, err := filepath.Abs(cf)
			if err != nil {
				return err
			}
			if _, err := config.LoadContracts(abs); err != nil {
				return err
			}
			cfg.Contract.AddressFile = abs
		}

		pw, err := password(cctx)
		if err != nil {
			return err
		}

		logger.Infof("Initializing repo at '%s'", dir)

		rep, err := repo.NewFSRepo(dir, cfg)
		if err != nil {
			return err
		}
		defer rep.Close()

		addr, err := minit.Create(rep, pw, cctx.String(importKeyKwd))
		if err != nil {
			logger.Errorf("Error initializing node %s", err)
			return err
		}

		logger.Infow("repo initialized", "path", rep.Path(), "identity", addr)
		return nil
	},
}
