package repo

import (
	"github.com/dstorage/go-dstor/config"
	"github.com/dstorage/go-dstor/lib/backend/kv"
)

// Repo is the persistent state of a dstor daemon.
type Repo interface {
	Config() *config.Config

	// ReplaceConfig replaces the current config, with the newly passed in one.
	ReplaceConfig(cfg *config.Config) error

	// MetaStore holds agent local state.
	MetaStore() kv.Store

	// KeyStoreDir is the directory of encrypted signing keys.
	KeyStoreDir() string

	// Path returns the repo path.
	Path() string

	// Close shuts down the repo.
	Close() error
}
