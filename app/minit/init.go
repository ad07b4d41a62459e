package minit

import (
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/lib/repo"
)

// Create gives a fresh repo its signing key. An empty importHex generates
// one. The key file is recorded in the config, relative to the repo.
func Create(r *repo.FSRepo, password, importHex string) (string, error) {
	cfg := r.Config()

	var (
		addr, file string
		err        error
	)
	if importHex != "" {
		sk, perr := crypto.HexToECDSA(strings.TrimPrefix(importHex, "0x"))
		if perr != nil {
			return "", xerrors.Errorf("parse private key: %w", perr)
		}
		logger.Info("importing signing key")
		addr, file, err = r.ImportKey(sk, password)
	} else {
		logger.Info("generating signing key")
		addr, file, err = r.NewKey(password)
	}
	if err != nil {
		return "", err
	}

	logger.Infow("signing identity", "address", addr)

	cfg.Identity.KeyFile = file
	if err := r.ReplaceConfig(cfg); err != nil {
		return "", err
	}
	return addr, nil
}
