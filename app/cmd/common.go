package cmd

import (
	"context"
	"os"

	"github.com/howeyc/gopass"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/config"
	logging "github.com/dstorage/go-dstor/lib/log"
	"github.com/dstorage/go-dstor/lib/repo"
	"github.com/dstorage/go-dstor/lib/utils"
	"github.com/dstorage/go-dstor/submodule/connect/settle"
)

var logger = logging.Logger("main")

const (
	FlagNodeRepo = "repo"
	FlagLogLevel = "log-level"

	pwKwd = "password"
)

var CommonCmd []*cli.Command

func init() {
	CommonCmd = []*cli.Command{
		InitCmd,
		DaemonCmd,
		NodeCmd,
		FileCmd,
		GatewayCmd,
		NetCmd,
		ConfigCmd,
	}
}

var passwordFlag = &cli.StringFlag{
	Name:    pwKwd,
	Usage:   "password of the signing key, prompted when empty",
	EnvVars: []string{"DSTOR_PASSWORD"},
}

// password returns the --password flag or asks for it.
func password(cctx *cli.Context) (string, error) {
	if pw := cctx.String(pwKwd); pw != "" {
		return pw, nil
	}
	pw, err := gopass.GetPasswdPrompt("Enter password: ", true, os.Stdin, os.Stdout)
	if err != nil {
		return "", xerrors.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

// repoDir resolves --repo, then DSTOR_PATH, then ~/.dstor.
func repoDir(cctx *cli.Context) (string, error) {
	return utils.GetRepoPath(cctx.String(FlagNodeRepo))
}

func openRepo(cctx *cli.Context) (*repo.FSRepo, error) {
	dir, err := repoDir(cctx)
	if err != nil {
		return nil, err
	}
	return repo.NewFSRepo(dir, nil)
}

// repoConfig is the config of a repo and the path its relative entries are
// resolved against.
type repoConfig struct {
	path string
	cfg  *config.Config
}

func (r *repoConfig) resolve(p string) string {
	return repo.Resolve(r.path, p)
}

// readRepoConfig does not take the repo lock, so it works next to a
// running daemon.
func readRepoConfig(cctx *cli.Context) (*repoConfig, error) {
	dir, err := repoDir(cctx)
	if err != nil {
		return nil, err
	}
	cfg, p, err := repo.ReadConfig(dir)
	if err != nil {
		return nil, err
	}
	return &repoConfig{path: p, cfg: cfg}, nil
}

func (r *repoConfig) contracts() (config.Contracts, error) {
	return config.LoadContracts(r.resolve(r.cfg.Contract.AddressFile))
}

// readLedger connects without a signing key.
func readLedger(ctx context.Context, rc *repoConfig) (*settle.Ledger, error) {
	contracts, err := rc.contracts()
	if err != nil {
		return nil, err
	}
	return settle.New(ctx, settle.OptionsFrom(rc.cfg, contracts), nil)
}

// signedLedger connects with the repo's signing key.
func signedLedger(cctx *cli.Context, rc *repoConfig) (*settle.Ledger, error) {
	contracts, err := rc.contracts()
	if err != nil {
		return nil, err
	}

	pw, err := password(cctx)
	if err != nil {
		return nil, err
	}

	sk, err := settle.LoadKey(rc.resolve(rc.cfg.Identity.KeyFile), pw)
	if err != nil {
		return nil, err
	}

	return settle.New(cctx.Context, settle.OptionsFrom(rc.cfg, contracts), sk)
}
