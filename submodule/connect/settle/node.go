package settle

import (
	"context"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/lib/types"
)

func (l *Ledger) StakeAmount(ctx context.Context) (*big.Int, error) {
	out, err := l.call(ctx, l.regIns, "stakeAmount")
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (l *Ledger) GetNode(ctx context.Context, id string) (*types.NodeRecord, error) {
	addr, err := ParseIdentity(id)
	if err != nil {
		return nil, err
	}

	out, err := l.call(ctx, l.regIns, "nodes", addr)
	if err != nil {
		return nil, err
	}
	return unpackNode(addr.Hex(), out)
}

func (l *Ledger) GetAllNodes(ctx context.Context) ([]string, error) {
	out, err := l.call(ctx, l.regIns, "getAllNodes")
	if err != nil {
		return nil, err
	}

	addrs := *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address)
	return hexList(addrs), nil
}

func (l *Ledger) RegisterNode(ctx context.Context, endpoint string, capacity uint64, isMobile bool) error {
	logger.Infow("register node", "identity", l.Self(), "endpoint", endpoint, "capacity", capacity, "mobile", isMobile)
	return l.transact(ctx, l.regIns, "registerNode", endpoint, new(big.Int).SetUint64(capacity), isMobile)
}

func (l *Ledger) Ping(ctx context.Context) error {
	return l.transact(ctx, l.regIns, "ping")
}

func (l *Ledger) UpdateEndpoint(ctx context.Context, endpoint string) error {
	logger.Infow("update endpoint", "identity", l.Self(), "endpoint", endpoint)
	return l.transact(ctx, l.regIns, "updateEndpoint", endpoint)
}

// unpackNode decodes the outputs of nodes(address).
func unpackNode(id string, out []interface{}) (*types.NodeRecord, error) {
	if len(out) != 8 {
		return nil, xerrors.Errorf("nodes returned %d values, expected 8", len(out))
	}

	n := &types.NodeRecord{
		Identity:      id,
		Endpoint:      *abi.ConvertType(out[0], new(string)).(*string),
		TotalCapacity: toUint64(*abi.ConvertType(out[1], new(*big.Int)).(**big.Int)),
		FreeCapacity:  toUint64(*abi.ConvertType(out[2], new(*big.Int)).(**big.Int)),
		LastHeartbeat: int64(toUint64(*abi.ConvertType(out[4], new(*big.Int)).(**big.Int))),
		IsMobile:      *abi.ConvertType(out[5], new(bool)).(*bool),
		IsRegistered:  *abi.ConvertType(out[6], new(bool)).(*bool),
		StakeLocked:   *abi.ConvertType(out[7], new(bool)).(*bool),
	}

	// keep free <= total
	if n.FreeCapacity > n.TotalCapacity {
		logger.Warnw("free capacity above total, clamping", "identity", id, "free", n.FreeCapacity, "total", n.TotalCapacity)
		n.FreeCapacity = n.TotalCapacity
	}

	rep := toUint64(*abi.ConvertType(out[3], new(*big.Int)).(**big.Int))
	if rep > types.MaxReputation {
		rep = types.MaxReputation
	}
	n.Reputation = uint8(rep)

	return n, nil
}

func toUint64(v *big.Int) uint64 {
	if v == nil || v.Sign() < 0 {
		return 0
	}
	if !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}

func hexList(addrs []common.Address) []string {
	res := make([]string, 0, len(addrs))
	for _, a := range addrs {
		res = append(res, a.Hex())
	}
	return res
}
