package repo

import (
	"crypto/ecdsa"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	lockfile "github.com/ipfs/go-fs-lock"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/config"
	"github.com/dstorage/go-dstor/lib/backend/kv"
	logging "github.com/dstorage/go-dstor/lib/log"
)

const (
	apiFile            = "api"
	tempConfigFilename = ".config.json.temp"
	lockFile           = "repo.lock"

	keyStorePathPrefix = "keystore" // $DSTOR_PATH/keystore
	metaPathPrefix     = "meta"     // $DSTOR_PATH/meta
)

var logger = logging.Logger("repo")

// FSRepo is a repo implementation backed by a filesystem.
type FSRepo struct {
	// Path to the repo root directory.
	path string

	// lk protects the config file
	lk  sync.RWMutex
	cfg *config.Config

	metaDs kv.Store

	scryptN, scryptP int

	// lockfile is the file system lock to prevent others from opening the same repo.
	lockfile io.Closer
}

var _ Repo = (*FSRepo)(nil)

// NewFSRepo opens the repo at dir. A non nil cfg initializes a repo that
// does not exist yet.
func NewFSRepo(dir string, cfg *config.Config) (*FSRepo, error) {
	repoPath, err := homedir.Expand(dir)
	if err != nil {
		return nil, err
	}

	if repoPath == "" { // path contained no separator
		repoPath = "./"
	}

	if err := ensureWritableDirectory(repoPath); err != nil {
		return nil, xerrors.Errorf("no writable directory %w", err)
	}

	hasConfig, err := hasConfig(repoPath)
	if err != nil {
		return nil, xerrors.Errorf("failed to check for repo config %w", err)
	}

	if !hasConfig {
		if cfg == nil {
			return nil, xerrors.Errorf("no repo found at %s; run: 'init [--repo=%s]'", repoPath, repoPath)
		}
		logger.Info("initializing dstor repo at: ", repoPath)
		if err = initFSRepo(repoPath, cfg); err != nil {
			return nil, err
		}
	}

	actualPath, err := filepath.EvalSymlinks(repoPath)
	if err != nil {
		return nil, xerrors.Errorf("failed to follow repo path %s %w", repoPath, err)
	}

	r := &FSRepo{
		path:    actualPath,
		scryptN: keystore.StandardScryptN,
		scryptP: keystore.StandardScryptP,
	}

	r.lockfile, err = lockfile.Lock(r.path, lockFile)
	if err != nil {
		return nil, xerrors.Errorf("failed to take repo lock %w", err)
	}

	if err := r.loadFromDisk(); err != nil {
		_ = r.lockfile.Close()
		return nil, err
	}

	logger.Info("open repo at: ", actualPath)

	return r, nil
}

func initFSRepo(dir string, cfg *config.Config) error {
	if err := initConfig(dir, cfg); err != nil {
		return xerrors.Errorf("initializing config file failed %w", err)
	}

	kstorePath := filepath.Join(dir, keyStorePathPrefix)
	if err := os.MkdirAll(kstorePath, 0700); err != nil {
		return xerrors.Errorf("initializing keystore directory failed %w", err)
	}

	return nil
}

func (r *FSRepo) loadFromDisk() error {
	if err := r.loadConfig(); err != nil {
		return xerrors.Errorf("failed to load config file %w", err)
	}

	if err := r.openMetaStore(); err != nil {
		return xerrors.Errorf("failed to open meta store %w", err)
	}

	return nil
}

func (r *FSRepo) Config() *config.Config {
	r.lk.RLock()
	defer r.lk.RUnlock()

	return r.cfg
}

// ReplaceConfig replaces the current config with the newly passed in one.
func (r *FSRepo) ReplaceConfig(cfg *config.Config) error {
	r.lk.Lock()
	defer r.lk.Unlock()

	r.cfg = cfg
	tmp := filepath.Join(r.path, tempConfigFilename)
	err := os.RemoveAll(tmp)
	if err != nil {
		return err
	}
	err = r.cfg.WriteFile(tmp)
	if err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(r.path, config.ConfigFile))
}

func (r *FSRepo) MetaStore() kv.Store {
	return r.metaDs
}

func (r *FSRepo) KeyStoreDir() string {
	return filepath.Join(r.path, keyStorePathPrefix)
}

// Path returns the path the fsrepo is at
func (r *FSRepo) Path() string {
	return r.path
}

// Resolve joins a repo relative path; absolute paths are returned as is.
func (r *FSRepo) Resolve(p string) string {
	return Resolve(r.path, p)
}

func Resolve(repoPath, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(repoPath, p)
}

// ReadConfig reads the config of the repo at dir without taking the repo
// lock, for clients of a running daemon. It returns the expanded repo path.
func ReadConfig(dir string) (*config.Config, string, error) {
	repoPath, err := homedir.Expand(dir)
	if err != nil {
		return nil, "", err
	}
	ok, err := hasConfig(repoPath)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", xerrors.Errorf("no repo found at %s; run: 'init [--repo=%s]'", repoPath, repoPath)
	}
	cfg, err := config.ReadFile(filepath.Join(repoPath, config.ConfigFile))
	if err != nil {
		return nil, "", err
	}
	return cfg, repoPath, nil
}

// UseLightKDF encrypts keys created from now on with cheap scrypt
// parameters.
func (r *FSRepo) UseLightKDF() {
	r.scryptN = keystore.LightScryptN
	r.scryptP = keystore.LightScryptP
}

// NewKey creates an encrypted signing key in the keystore and returns its
// address and repo relative file name.
func (r *FSRepo) NewKey(password string) (string, string, error) {
	ks := keystore.NewKeyStore(r.KeyStoreDir(), r.scryptN, r.scryptP)
	acc, err := ks.NewAccount(password)
	if err != nil {
		return "", "", err
	}
	return r.keyResult(acc.Address.Hex(), acc.URL.Path)
}

// ImportKey stores sk encrypted in the keystore.
func (r *FSRepo) ImportKey(sk *ecdsa.PrivateKey, password string) (string, string, error) {
	ks := keystore.NewKeyStore(r.KeyStoreDir(), r.scryptN, r.scryptP)
	acc, err := ks.ImportECDSA(sk, password)
	if err != nil {
		return "", "", err
	}
	return r.keyResult(acc.Address.Hex(), acc.URL.Path)
}

func (r *FSRepo) keyResult(addr, file string) (string, string, error) {
	rel, err := filepath.Rel(r.path, file)
	if err != nil {
		return "", "", err
	}
	return addr, rel, nil
}

// Close closes the repo.
func (r *FSRepo) Close() error {
	if err := r.metaDs.Close(); err != nil {
		return xerrors.Errorf("failed to close meta datastore %w", err)
	}

	if err := r.removeAPIFile(); err != nil {
		return xerrors.Errorf("failed to remove API file %w", err)
	}

	return r.lockfile.Close()
}

func (r *FSRepo) removeAPIFile() error {
	err := os.Remove(filepath.Join(r.path, apiFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func hasConfig(p string) (bool, error) {
	configPath := filepath.Join(p, config.ConfigFile)

	_, err := os.Lstat(configPath)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

func (r *FSRepo) loadConfig() error {
	configFile := filepath.Join(r.path, config.ConfigFile)

	cfg, err := config.ReadFile(configFile)
	if err != nil {
		return xerrors.Errorf("failed to read config file at %q %w", configFile, err)
	}

	r.cfg = cfg
	return nil
}

func (r *FSRepo) openMetaStore() error {
	opt := kv.DefaultOptions

	ds, err := kv.NewBadgerStore(filepath.Join(r.path, metaPathPrefix), &opt)
	if err != nil {
		return err
	}

	r.metaDs = ds
	return nil
}

func initConfig(p string, cfg *config.Config) error {
	configFile := filepath.Join(p, config.ConfigFile)
	exists, err := fileExists(configFile)
	if err != nil {
		return xerrors.Errorf("failed to inspect config file %w", err)
	} else if exists {
		return xerrors.Errorf("config file already exists: %s", configFile)
	}

	return cfg.WriteFile(configFile)
}

// Ensures that path points to a read/writable directory, creating it if necessary.
func ensureWritableDirectory(path string) error {
	// Attempt to create the requested directory, accepting that something might already be there.
	err := os.Mkdir(path, 0775)

	if err == nil {
		return nil // Skip the checks below, we just created it.
	} else if !os.IsExist(err) {
		return xerrors.Errorf("failed to create directory %s %w", path, err)
	}

	// Inspect existing directory.
	stat, err := os.Stat(path)
	if err != nil {
		return xerrors.Errorf("failed to stat path %s %w", path, err)
	}
	if !stat.IsDir() {
		return xerrors.Errorf("%s is not a directory", path)
	}
	if (stat.Mode() & 0600) != 0600 {
		return xerrors.Errorf("insufficient permissions for path %s, got %04o need %04o", path, stat.Mode(), 0600)
	}
	return nil
}

// Exists reports whether repoPath holds an initialized repo.
func Exists(repoPath string) (bool, error) {
	repoPath, err := homedir.Expand(repoPath)
	if err != nil {
		return false, err
	}
	return fileExists(filepath.Join(repoPath, config.ConfigFile))
}

func fileExists(file string) (bool, error) {
	_, err := os.Stat(file)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
