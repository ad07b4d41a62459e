package registry

import (
	"context"
	"math/big"

	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/lib/types"
)

func (s *Session) BalanceOf(ctx context.Context, id string) (*big.Int, error) {
	s.c.lk.Lock()
	defer s.c.lk.Unlock()
	return new(big.Int).Set(s.c.balanceLocked(id)), nil
}

func (s *Session) Allowance(ctx context.Context, owner, spender string) (*big.Int, error) {
	s.c.lk.Lock()
	defer s.c.lk.Unlock()
	return new(big.Int).Set(s.c.allowanceLocked(owner, spender)), nil
}

// Approve sets, not adds to, the allowance of spender.
func (s *Session) Approve(ctx context.Context, spender string, val *big.Int) error {
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrLedgerTransaction, "approve", err)
	}

	s.c.lk.Lock()
	defer s.c.lk.Unlock()

	s.c.allowanceLocked(s.self, spender).Set(val)
	s.c.block++
	return nil
}

func (s *Session) Transfer(ctx context.Context, to string, val *big.Int) error {
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrLedgerTransaction, "transfer", err)
	}

	s.c.lk.Lock()
	defer s.c.lk.Unlock()

	bal := s.c.balanceLocked(s.self)
	if bal.Cmp(val) < 0 {
		return types.NewError(types.ErrLedgerTransaction, "transfer", xerrors.Errorf("balance not enough, need %d, has %d", val, bal))
	}

	bal.Sub(bal, val)
	dst := s.c.balanceLocked(to)
	dst.Add(dst, val)
	s.c.block++
	return nil
}
