package agent

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/filecoin-project/go-jsonrpc"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/api"
	"github.com/dstorage/go-dstor/api/client"
)

// RPCServer serves an AgentAPI over jsonrpc and advertises its address in
// the repo for local clients.
type RPCServer struct {
	srv     *http.Server
	lst     manet.Listener
	apiFile string
	Addr    ma.Multiaddr
}

// ListenRPC binds listenAddr, which may use port zero, and writes the bound
// address to repoDir/api. Extra handlers are mounted next to the rpc path.
func ListenRPC(a api.AgentAPI, listenAddr, repoDir string, extra map[string]http.Handler) (*RPCServer, error) {
	apiAddr, err := ma.NewMultiaddr(listenAddr)
	if err != nil {
		return nil, err
	}

	lst, err := manet.Listen(apiAddr)
	if err != nil {
		return nil, xerrors.Errorf("listen %s: %w", listenAddr, err)
	}

	rpcServer := jsonrpc.NewServer()
	rpcServer.Register(client.Namespace, api.ProxyAgentAPI(a))

	handler := http.NewServeMux()
	handler.Handle(client.RPCEndpoint, rpcServer)
	for path, h := range extra {
		handler.Handle(path, h)
	}

	s := &RPCServer{
		srv:  &http.Server{Handler: handler},
		lst:  lst,
		Addr: lst.Multiaddr(),
	}

	if repoDir != "" {
		s.apiFile = filepath.Join(repoDir, client.APIFile)
		if err := os.WriteFile(s.apiFile, []byte(s.Addr.String()), 0644); err != nil {
			lst.Close()
			return nil, err
		}
	}

	logger.Infow("api listening", "address", s.Addr.String())
	return s, nil
}

// Serve blocks until Shutdown.
func (s *RPCServer) Serve() error {
	err := s.srv.Serve(manet.NetListener(s.lst))
	if xerrors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *RPCServer) Shutdown(ctx context.Context) error {
	if s.apiFile != "" {
		os.Remove(s.apiFile)
	}
	return s.srv.Shutdown(ctx)
}
