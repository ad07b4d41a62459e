package settle

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	etypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/api"
	"github.com/dstorage/go-dstor/lib/types"
)

const fileRegisteredEvent = "FileRegistered"

func (l *Ledger) RegisterFile(ctx context.Context, reg *types.FileRegistration) error {
	if err := reg.Validate(); err != nil {
		return err
	}

	hosts := make([]common.Address, 0, len(reg.Hosts))
	for _, h := range reg.Hosts {
		addr, err := ParseIdentity(h)
		if err != nil {
			return err
		}
		hosts = append(hosts, addr)
	}

	logger.Infow("register file", "cid", reg.ContentID, "name", reg.FileName, "hosts", len(hosts))
	return l.transact(ctx, l.fileIns, "registerFile",
		reg.ContentID, reg.FileName, reg.FileType,
		new(big.Int).SetUint64(reg.Size), hosts, new(big.Int).SetUint64(reg.ReplicationFactor))
}

func (l *Ledger) ShareFile(ctx context.Context, cid, recipient string) error {
	raddr, err := ParseIdentity(recipient)
	if err != nil {
		return err
	}
	return l.transact(ctx, l.fileIns, "shareFile", cid, raddr)
}

func (l *Ledger) GetFile(ctx context.Context, cid string) (*types.FileRecord, error) {
	out, err := l.call(ctx, l.fileIns, "getFile", cid)
	if err != nil {
		return nil, err
	}

	fr, err := unpackFile(out)
	if err != nil {
		return nil, err
	}
	// an unknown cid reads back as the zero record
	if fr.ContentID == "" {
		return nil, types.Errorf(types.ErrNotFound, "getFile", "file %s", cid)
	}
	return fr, nil
}

func unpackFile(out []interface{}) (*types.FileRecord, error) {
	if len(out) != 8 {
		return nil, xerrors.Errorf("getFile returned %d values, expected 8", len(out))
	}

	return &types.FileRecord{
		ContentID:         *abi.ConvertType(out[0], new(string)).(*string),
		FileName:          *abi.ConvertType(out[1], new(string)).(*string),
		FileType:          *abi.ConvertType(out[2], new(string)).(*string),
		Size:              toUint64(*abi.ConvertType(out[3], new(*big.Int)).(**big.Int)),
		Hosts:             hexList(*abi.ConvertType(out[4], new([]common.Address)).(*[]common.Address)),
		Owner:             (*abi.ConvertType(out[5], new(common.Address)).(*common.Address)).Hex(),
		ReplicationFactor: toUint64(*abi.ConvertType(out[6], new(*big.Int)).(**big.Int)),
		SharedWith:        hexList(*abi.ConvertType(out[7], new([]common.Address)).(*[]common.Address)),
	}, nil
}

type fileRegisteredLog struct {
	Cid      string
	FileName string
	Owner    common.Address
}

func unpackFileRegistered(ins *bind.BoundContract, lg etypes.Log) (*types.FileRegistered, error) {
	var ev fileRegisteredLog
	if err := ins.UnpackLog(&ev, fileRegisteredEvent, lg); err != nil {
		return nil, err
	}
	return &types.FileRegistered{
		ContentID: ev.Cid,
		FileName:  ev.FileName,
		Owner:     ev.Owner.Hex(),
		Block:     lg.BlockNumber,
	}, nil
}

// HeadBlock reads the latest block number of the endpoint.
func (l *Ledger) HeadBlock(ctx context.Context) (uint64, error) {
	cctx, cancel := context.WithTimeout(ctx, l.callTimeout())
	defer cancel()
	head, err := l.client.BlockNumber(cctx)
	if err != nil {
		return 0, classify("blockNumber", err)
	}
	return head, nil
}

// SubscribeFileRegistered streams FileRegistered from block from on, or from
// the current block when from is zero. Websocket and ipc endpoints push logs;
// http endpoints are polled every PollInterval.
func (l *Ledger) SubscribeFileRegistered(ctx context.Context, from uint64, ch chan<- *types.FileRegistered) (api.Subscription, error) {
	start := from
	if start == 0 {
		head, err := l.HeadBlock(ctx)
		if err != nil {
			return nil, err
		}
		start = head
	}

	if !l.subscribable {
		logger.Infow("polling file events", "from", start, "interval", l.opts.PollInterval)
		return event.NewSubscription(func(quit <-chan struct{}) error {
			return l.pollFileRegistered(ctx, start, ch, quit)
		}), nil
	}

	// log subscriptions never replay history, so the live stream is opened
	// first and blocks before it are filtered in
	logs, sub, err := l.fileIns.WatchLogs(&bind.WatchOpts{Context: ctx}, fileRegisteredEvent)
	if err != nil {
		return nil, classify("watch "+fileRegisteredEvent, err)
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()

		var live uint64
		if from > 0 {
			next, err := l.filterOnce(ctx, from, ch, quit)
			if err != nil {
				return xerrors.Errorf("backfill file events from %d: %w", from, err)
			}
			live = next
		}

		for {
			select {
			case lg := <-logs:
				// already forwarded by the backfill
				if lg.Removed || lg.BlockNumber < live {
					continue
				}
				ev, err := unpackFileRegistered(l.fileIns, lg)
				if err != nil {
					logger.Warnw("skip malformed event", "tx", lg.TxHash.Hex(), "error", err)
					continue
				}
				select {
				case ch <- ev:
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (l *Ledger) pollFileRegistered(ctx context.Context, from uint64, ch chan<- *types.FileRegistered, quit <-chan struct{}) error {
	tc := time.NewTicker(l.opts.PollInterval)
	defer tc.Stop()

	for {
		select {
		case <-quit:
			return nil
		case <-ctx.Done():
			return nil
		case <-tc.C:
		}

		next, err := l.filterOnce(ctx, from, ch, quit)
		if err != nil {
			logger.Warnw("poll file events failed", "from", from, "error", err)
			continue
		}
		from = next
	}
}

// filterOnce forwards events of blocks [from, head] and returns the next
// block to read.
func (l *Ledger) filterOnce(ctx context.Context, from uint64, ch chan<- *types.FileRegistered, quit <-chan struct{}) (uint64, error) {
	cctx, cancel := context.WithTimeout(ctx, l.callTimeout())
	defer cancel()

	head, err := l.client.BlockNumber(cctx)
	if err != nil {
		return from, err
	}
	if head < from {
		return from, nil
	}

	logs, sub, err := l.fileIns.FilterLogs(&bind.FilterOpts{Start: from, End: &head, Context: cctx}, fileRegisteredEvent)
	if err != nil {
		return from, err
	}
	defer sub.Unsubscribe()

	forward := func(lg etypes.Log) bool {
		ev, err := unpackFileRegistered(l.fileIns, lg)
		if err != nil {
			logger.Warnw("skip malformed event", "tx", lg.TxHash.Hex(), "error", err)
			return true
		}
		select {
		case ch <- ev:
			return true
		case <-quit:
			return false
		}
	}

	for {
		select {
		case lg := <-logs:
			if !forward(lg) {
				return from, nil
			}
		case <-sub.Err():
			// the producer is done, flush what it buffered
			for {
				select {
				case lg := <-logs:
					if !forward(lg) {
						return from, nil
					}
				default:
					return head + 1, nil
				}
			}
		case <-quit:
			return from, nil
		}
	}
}
