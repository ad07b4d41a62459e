package settle

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func (l *Ledger) BalanceOf(ctx context.Context, id string) (*big.Int, error) {
	addr, err := ParseIdentity(id)
	if err != nil {
		return nil, err
	}

	out, err := l.call(ctx, l.tokenIns, "balanceOf", addr)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (l *Ledger) Allowance(ctx context.Context, owner, spender string) (*big.Int, error) {
	oaddr, err := ParseIdentity(owner)
	if err != nil {
		return nil, err
	}
	saddr, err := ParseIdentity(spender)
	if err != nil {
		return nil, err
	}

	out, err := l.call(ctx, l.tokenIns, "allowance", oaddr, saddr)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (l *Ledger) Approve(ctx context.Context, spender string, val *big.Int) error {
	saddr, err := ParseIdentity(spender)
	if err != nil {
		return err
	}

	logger.Infof("Approve %d to %s", val, saddr)
	return l.transact(ctx, l.tokenIns, "approve", saddr, val)
}

func (l *Ledger) Transfer(ctx context.Context, to string, val *big.Int) error {
	taddr, err := ParseIdentity(to)
	if err != nil {
		return err
	}

	logger.Infof("Transfer %d to %s", val, taddr)
	return l.transact(ctx, l.tokenIns, "transfer", taddr, val)
}
