package content

import (
	"context"
	"io"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/api"
	"github.com/dstorage/go-dstor/lib/types"
)

var _ api.IContentStore = (*IPFS)(nil)

// IPFS uses the HTTP RPC of a local IPFS daemon.
type IPFS struct {
	sh      *shell.Shell
	timeout time.Duration
}

// NewIPFS connects to apiURL, which is either http://host:port or a
// multiaddr. Add is bounded by timeout; Pin and Get by their context.
func NewIPFS(apiURL string, timeout time.Duration) *IPFS {
	sh := shell.NewShell(apiURL)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}
	return &IPFS{sh: sh, timeout: timeout}
}

func (s *IPFS) IsUp() bool {
	return s.sh.IsUp()
}

func (s *IPFS) Add(ctx context.Context, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id, err := s.sh.Add(r, shell.Pin(true))
	if err != nil {
		return "", xerrors.Errorf("add to ipfs: %w", err)
	}

	logger.Debugw("added", "cid", id)
	return id, nil
}

func (s *IPFS) Pin(ctx context.Context, id string) error {
	if _, err := CheckID(types.ErrPin, "pin", id); err != nil {
		return err
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.sh.Request("pin/add", id).Exec(ctx, nil); err != nil {
		return types.NewError(types.ErrPin, "pin "+id, err)
	}
	return nil
}

// Get streams the content; the returned reader is bounded by ctx.
func (s *IPFS) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	if _, err := CheckID(types.ErrContentFetch, "get", id); err != nil {
		return nil, err
	}

	resp, err := s.sh.Request("cat", id).Send(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrContentFetch, "get "+id, err)
	}
	if resp.Error != nil {
		resp.Close()
		return nil, types.NewError(types.ErrContentFetch, "get "+id, resp.Error)
	}
	return resp.Output, nil
}

func (s *IPFS) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
