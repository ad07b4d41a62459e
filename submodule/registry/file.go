package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/event"
	"github.com/samber/lo"

	"github.com/dstorage/go-dstor/api"
	"github.com/dstorage/go-dstor/lib/types"
)

// RegisterFile catalogues a new content id. An existing id is rejected, the
// catalog has no upsert.
func (s *Session) RegisterFile(ctx context.Context, reg *types.FileRegistration) error {
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrLedgerTransaction, "registerFile", err)
	}

	if err := reg.Validate(); err != nil {
		return types.NewError(types.ErrLedgerTransaction, "registerFile", err)
	}

	c := s.c
	c.lk.Lock()
	if _, ok := c.files[reg.ContentID]; ok {
		c.lk.Unlock()
		return types.Errorf(types.ErrDuplicateContent, "registerFile", "%s", reg.ContentID)
	}

	c.files[reg.ContentID] = &types.FileRecord{
		ContentID:         reg.ContentID,
		FileName:          reg.FileName,
		FileType:          reg.FileType,
		Size:              reg.Size,
		Hosts:             lo.Uniq(reg.Hosts),
		Owner:             s.self,
		ReplicationFactor: reg.ReplicationFactor,
		SharedWith:        []string{},
	}
	c.block++

	ev := &types.FileRegistered{
		ContentID: reg.ContentID,
		FileName:  reg.FileName,
		Owner:     s.self,
		Block:     c.block,
	}
	seq := c.commitEventLocked(ev)
	c.lk.Unlock()

	c.publish(seq, ev)
	return nil
}

func (s *Session) ShareFile(ctx context.Context, cid, recipient string) error {
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrLedgerTransaction, "shareFile", err)
	}

	c := s.c
	c.lk.Lock()
	defer c.lk.Unlock()

	f, ok := c.files[cid]
	if !ok {
		return types.Errorf(types.ErrNotFound, "shareFile", "file %s", cid)
	}

	if !lo.Contains(f.SharedWith, recipient) {
		f.SharedWith = append(f.SharedWith, recipient)
		c.block++
	}
	return nil
}

func (s *Session) GetFile(ctx context.Context, cid string) (*types.FileRecord, error) {
	c := s.c
	c.lk.Lock()
	defer c.lk.Unlock()

	f, ok := c.files[cid]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "getFile", "file %s", cid)
	}

	ff := *f
	ff.Hosts = append([]string{}, f.Hosts...)
	ff.SharedWith = append([]string{}, f.SharedWith...)
	return &ff, nil
}

// HeadBlock is the block of the latest applied transaction.
func (s *Session) HeadBlock(ctx context.Context) (uint64, error) {
	return s.c.Block(), nil
}

// SubscribeFileRegistered delivers file registrations in block order. With
// from set, the already published events at or after block from are
// replayed first.
func (s *Session) SubscribeFileRegistered(ctx context.Context, from uint64, ch chan<- *types.FileRegistered) (api.Subscription, error) {
	c := s.c

	// no send may slip between the backlog snapshot and the subscription
	c.sendLk.Lock()
	defer c.sendLk.Unlock()

	var backlog []*types.FileRegistered
	if from > 0 {
		c.lk.Lock()
		backlog = lo.Filter(c.events[:c.sent], func(ev *types.FileRegistered, _ int) bool {
			return ev.Block >= from
		})
		c.lk.Unlock()
	}
	if len(backlog) == 0 {
		return c.feed.Subscribe(ch), nil
	}

	live := make(chan *types.FileRegistered)
	sub := c.feed.Subscribe(live)
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()

		for _, ev := range backlog {
			select {
			case ch <- ev:
			case <-quit:
				return nil
			}
		}

		for {
			select {
			case ev := <-live:
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
