package client

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/mitchellh/go-homedir"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/api"
)

const (
	Namespace   = "Dstor"
	APIFile     = "api"
	RPCEndpoint = "/rpc/v0"
)

// GetAgentClientInfo reads the api address a running daemon left in repoDir.
func GetAgentClientInfo(repoDir string) (string, http.Header, error) {
	repoPath, err := homedir.Expand(repoDir)
	if err != nil {
		return "", nil, err
	}

	rpcBytes, err := os.ReadFile(filepath.Join(repoPath, APIFile))
	if err != nil {
		return "", nil, xerrors.Errorf("daemon not running in %s: %w", repoPath, err)
	}

	apima, err := multiaddr.NewMultiaddr(strings.TrimSpace(string(rpcBytes)))
	if err != nil {
		return "", nil, err
	}

	_, addr, err := manet.DialArgs(apima)
	if err != nil {
		return "", nil, err
	}

	return "ws://" + addr + RPCEndpoint, http.Header{}, nil
}

func NewAgentClient(ctx context.Context, addr string, requestHeader http.Header) (api.AgentAPI, jsonrpc.ClientCloser, error) {
	var res api.AgentAPIStruct
	closer, err := jsonrpc.NewMergeClient(ctx, addr, Namespace,
		[]interface{}{&res.Internal}, requestHeader)

	return &res, closer, err
}
