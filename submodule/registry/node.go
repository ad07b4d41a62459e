package registry

import (
	"context"
	"math/big"

	"github.com/dstorage/go-dstor/api"
	"github.com/dstorage/go-dstor/lib/types"
)

var _ api.Ledger = (*Session)(nil)

// Session is one signing identity's connection to a Chain.
type Session struct {
	c    *Chain
	self string
}

func (s *Session) Self() string {
	return s.self
}

func (s *Session) Address() string {
	return RegistryAddress
}

func (s *Session) StakeAmount(ctx context.Context) (*big.Int, error) {
	s.c.lk.Lock()
	defer s.c.lk.Unlock()
	return new(big.Int).Set(s.c.stake), nil
}

func (s *Session) GetNode(ctx context.Context, id string) (*types.NodeRecord, error) {
	s.c.lk.Lock()
	defer s.c.lk.Unlock()

	n, ok := s.c.nodes[id]
	if !ok {
		return &types.NodeRecord{Identity: id}, nil
	}
	nn := *n
	return &nn, nil
}

func (s *Session) GetAllNodes(ctx context.Context) ([]string, error) {
	s.c.lk.Lock()
	defer s.c.lk.Unlock()

	res := make([]string, len(s.c.order))
	copy(res, s.c.order)
	return res, nil
}

// RegisterNode admits the caller once, moving the stake from the caller's
// approved balance into the registry.
func (s *Session) RegisterNode(ctx context.Context, endpoint string, capacity uint64, isMobile bool) error {
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrLedgerTransaction, "registerNode", err)
	}

	c := s.c
	c.lk.Lock()
	defer c.lk.Unlock()

	if n, ok := c.nodes[s.self]; ok && n.IsRegistered {
		return types.Errorf(types.ErrAdmission, "registerNode", "%s already registered", s.self)
	}

	al := c.allowanceLocked(s.self, RegistryAddress)
	if al.Cmp(c.stake) < 0 {
		return types.Errorf(types.ErrAdmission, "registerNode", "insufficient stake allowance: need %s, approved %s", c.stake, al)
	}

	bal := c.balanceLocked(s.self)
	if bal.Cmp(c.stake) < 0 {
		return types.Errorf(types.ErrAdmission, "registerNode", "insufficient stake balance: need %s, has %s", c.stake, bal)
	}

	bal.Sub(bal, c.stake)
	al.Sub(al, c.stake)
	reg := c.balanceLocked(RegistryAddress)
	reg.Add(reg, c.stake)

	c.nodes[s.self] = &types.NodeRecord{
		Identity:      s.self,
		Endpoint:      endpoint,
		TotalCapacity: capacity,
		FreeCapacity:  capacity,
		Reputation:    types.DefaultReputation,
		LastHeartbeat: c.now().Unix(),
		IsMobile:      isMobile,
		IsRegistered:  true,
		StakeLocked:   true,
	}
	c.order = append(c.order, s.self)
	c.block++

	logger.Debugw("node registered", "identity", s.self, "endpoint", endpoint, "capacity", capacity)

	return nil
}

func (s *Session) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrLedgerTransaction, "ping", err)
	}

	c := s.c
	c.lk.Lock()
	defer c.lk.Unlock()

	n, ok := c.nodes[s.self]
	if !ok || !n.IsRegistered {
		return types.Errorf(types.ErrAdmission, "ping", "%s not registered", s.self)
	}

	n.LastHeartbeat = c.now().Unix()
	c.block++
	return nil
}

func (s *Session) UpdateEndpoint(ctx context.Context, endpoint string) error {
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrLedgerTransaction, "updateEndpoint", err)
	}

	c := s.c
	c.lk.Lock()
	defer c.lk.Unlock()

	n, ok := c.nodes[s.self]
	if !ok || !n.IsRegistered {
		return types.Errorf(types.ErrAdmission, "updateEndpoint", "%s not registered", s.self)
	}

	n.Endpoint = endpoint
	c.block++
	return nil
}
