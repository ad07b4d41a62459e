package agent

import (
	"context"
	"io"
	"time"

	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/api"
	"github.com/dstorage/go-dstor/config"
	"github.com/dstorage/go-dstor/lib/types"
	"github.com/dstorage/go-dstor/submodule/metrics"
)

// subscribe feeds FileRegistered events into the job queue until ctx ends,
// resubscribing from the last delivered block when the stream drops. sub
// may be nil. It closes the queue on return.
func (a *Agent) subscribe(ctx context.Context, sub api.Subscription) {
	defer close(a.jobs)

	for {
		if sub != nil {
			err := a.dispatchLoop(ctx, sub)
			sub.Unsubscribe()
			if ctx.Err() == nil {
				logger.Warnw("file event stream dropped, resubscribing", "identity", a.self, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.cfg.RetryDelay):
		}

		var err error
		sub, err = a.deps.Files.SubscribeFileRegistered(ctx, a.cursor, a.events)
		if err != nil {
			sub = nil
			logger.Warnw("subscribe to file events failed", "identity", a.self, "from", a.cursor, "error", err)
		}
	}
}

func (a *Agent) dispatchLoop(ctx context.Context, sub api.Subscription) error {
	for {
		select {
		case ev := <-a.events:
			a.dispatch(ctx, ev)
		case err := <-sub.Err():
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

// dispatch queues ev unless the same content is being pinned or was pinned
// recently. A full queue blocks the subscriber.
func (a *Agent) dispatch(ctx context.Context, ev *types.FileRegistered) {
	if ev == nil || ev.ContentID == "" {
		return
	}
	// the block itself is replayed on resume, the dedup set drops repeats
	if ev.Block > a.cursor {
		a.cursor = ev.Block
	}

	if !a.claim(ev.ContentID) {
		metrics.Inc(ctx, metrics.PinDuplicate)
		logger.Debugw("skip duplicate event", "identity", a.self, "cid", ev.ContentID)
		return
	}

	select {
	case a.jobs <- ev:
	case <-ctx.Done():
		a.release(ev.ContentID)
	}
}

func (a *Agent) claim(cid string) bool {
	a.flightLk.Lock()
	defer a.flightLk.Unlock()

	if _, ok := a.inflight[cid]; ok {
		return false
	}
	if a.recent.Contains(cid) {
		return false
	}
	a.inflight[cid] = struct{}{}
	return true
}

func (a *Agent) release(cid string) {
	a.flightLk.Lock()
	delete(a.inflight, cid)
	a.flightLk.Unlock()
}

func (a *Agent) inFlight() int {
	a.flightLk.Lock()
	defer a.flightLk.Unlock()
	return len(a.inflight)
}

// work serves the job queue until it is closed and drained.
func (a *Agent) work(ctx context.Context) {
	for ev := range a.jobs {
		a.replicate(ctx, ev)
	}
}

func (a *Agent) replicate(ctx context.Context, ev *types.FileRegistered) {
	cid := ev.ContentID
	defer a.release(cid)

	if ctx.Err() != nil {
		return
	}

	ok, err := a.responsible(ctx, cid)
	if err != nil {
		logger.Warnw("check host set failed", "identity", a.self, "cid", cid, "error", err)
		return
	}
	if !ok {
		logger.Debugw("not a host, skip", "identity", a.self, "cid", cid)
		return
	}

	start := time.Now()
	err = a.fetchAndPin(ctx, cid)
	stop := metrics.SinceInMilliseconds(start)

	pr := &api.PinRecord{ContentID: cid, FileName: ev.FileName, OK: err == nil, At: time.Now().Unix()}
	if err != nil {
		pr.Err = err.Error()
		a.pinsFail.Add(1)
		metrics.Inc(ctx, metrics.PinFailure)
		logger.Errorw("replicate failed", "identity", a.self, "cid", cid, "file", ev.FileName, "owner", ev.Owner, "error", err)
	} else {
		a.recent.Add(cid, struct{}{})
		a.pinsOK.Add(1)
		metrics.Inc(ctx, metrics.PinSuccess)
		logger.Infow("replicated", "identity", a.self, "cid", cid, "file", ev.FileName, "ms", stop)
	}
	stats.Record(ctx, metrics.PinDuration.M(stop))

	a.journal.putPin(pr)
}

// responsible tells whether this node should hold cid. Only registered
// nodes pin; with the assigned policy the node must be in the host set.
func (a *Agent) responsible(ctx context.Context, cid string) (bool, error) {
	a.lk.RLock()
	registered := a.node != nil && a.node.IsRegistered
	a.lk.RUnlock()
	if !registered {
		return false, nil
	}

	if a.cfg.PinPolicy != config.PinAssigned {
		return true, nil
	}

	var fr *types.FileRecord
	err := a.call(ctx, "getFile", func(ctx context.Context) error {
		f, err := a.deps.Files.GetFile(ctx, cid)
		fr = f
		return err
	})
	if err != nil {
		return false, err
	}
	return fr.HostedBy(a.self), nil
}

// fetchAndPin reads the content through once, then pins it. Both calls
// are bounded by ContentTimeout.
func (a *Agent) fetchAndPin(ctx context.Context, cid string) error {
	cctx, cancel := context.WithTimeout(ctx, a.cfg.ContentTimeout)
	defer cancel()

	r, err := a.deps.Content.Get(cctx, cid)
	if err != nil {
		return contentErr(types.ErrContentFetch, "fetch "+cid, err)
	}
	_, err = io.Copy(io.Discard, r)
	r.Close()
	if err != nil {
		return contentErr(types.ErrContentFetch, "fetch "+cid, err)
	}

	if err := a.deps.Content.Pin(cctx, cid); err != nil {
		return contentErr(types.ErrPin, "pin "+cid, err)
	}
	return nil
}

func contentErr(kind error, op string, err error) error {
	if xerrors.Is(err, kind) {
		return err
	}
	return types.NewError(kind, op, err)
}
