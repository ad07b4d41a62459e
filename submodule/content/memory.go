package content

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/dstorage/go-dstor/api"
	"github.com/dstorage/go-dstor/lib/types"
)

var _ api.IContentStore = (*Memory)(nil)

// Memory is a process local content store keyed by raw CIDv1. Several
// Memory stores may share one Network to model fetching from peers.
type Memory struct {
	net *Network

	lk     sync.Mutex
	pinned map[string]struct{}
}

// Network is the set of blobs reachable by every store attached to it.
type Network struct {
	lk    sync.RWMutex
	blobs map[string][]byte
}

func NewNetwork() *Network {
	return &Network{blobs: make(map[string][]byte)}
}

func NewMemory(n *Network) *Memory {
	if n == nil {
		n = NewNetwork()
	}
	return &Memory{net: n, pinned: make(map[string]struct{})}
}

// SumID returns the raw CIDv1 of data.
func SumID(data []byte) (string, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

func (m *Memory) Add(ctx context.Context, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	id, err := SumID(data)
	if err != nil {
		return "", err
	}

	m.net.lk.Lock()
	m.net.blobs[id] = data
	m.net.lk.Unlock()

	m.lk.Lock()
	m.pinned[id] = struct{}{}
	m.lk.Unlock()

	return id, nil
}

func (m *Memory) Pin(ctx context.Context, id string) error {
	if _, err := CheckID(types.ErrPin, "pin", id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrPin, "pin "+id, err)
	}

	m.net.lk.RLock()
	_, ok := m.net.blobs[id]
	m.net.lk.RUnlock()
	if !ok {
		return types.Errorf(types.ErrPin, "pin "+id, "content unreachable")
	}

	m.lk.Lock()
	m.pinned[id] = struct{}{}
	m.lk.Unlock()
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	if _, err := CheckID(types.ErrContentFetch, "get", id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrContentFetch, "get "+id, err)
	}

	m.net.lk.RLock()
	data, ok := m.net.blobs[id]
	m.net.lk.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrContentFetch, "get "+id, "content unreachable")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Pinned(id string) bool {
	m.lk.Lock()
	defer m.lk.Unlock()
	_, ok := m.pinned[id]
	return ok
}
