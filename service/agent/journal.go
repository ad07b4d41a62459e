package agent

import (
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/dstorage/go-dstor/api"
	"github.com/dstorage/go-dstor/lib/backend/kv"
	"github.com/dstorage/go-dstor/lib/types"
)

const (
	nodeKey   = "/agent/node"
	pinPrefix = "/agent/pin/"
)

// journal keeps the last known node record and the outcome of every pin in
// the local store. It is diagnostic only; the ledger stays authoritative.
type journal struct {
	ds kv.Store
}

func newJournal(ds kv.Store) *journal {
	return &journal{ds: ds}
}

func (j *journal) putNode(n *types.NodeRecord) {
	if j.ds == nil || n == nil {
		return
	}
	j.put(nodeKey, n)
}

func (j *journal) node() (*types.NodeRecord, error) {
	if j.ds == nil {
		return nil, nil
	}
	val, err := j.ds.Get([]byte(nodeKey))
	if err != nil || val == nil {
		return nil, err
	}
	n := new(types.NodeRecord)
	if err := cbor.Unmarshal(val, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (j *journal) putPin(pr *api.PinRecord) {
	if j.ds == nil {
		return
	}
	j.put(pinPrefix+pr.ContentID, pr)
}

func (j *journal) pin(cid string) (*api.PinRecord, error) {
	if j.ds == nil {
		return nil, nil
	}
	val, err := j.ds.Get([]byte(pinPrefix + cid))
	if err != nil || val == nil {
		return nil, err
	}
	pr := new(api.PinRecord)
	if err := cbor.Unmarshal(val, pr); err != nil {
		return nil, err
	}
	return pr, nil
}

// eachPinned calls fn with every content id journaled as pinned.
func (j *journal) eachPinned(fn func(cid string)) {
	if j.ds == nil {
		return
	}
	j.ds.Iter([]byte(pinPrefix), func(k, v []byte) error {
		pr := new(api.PinRecord)
		if err := cbor.Unmarshal(v, pr); err != nil {
			return err
		}
		if pr.OK {
			fn(strings.TrimPrefix(string(k), pinPrefix))
		}
		return nil
	})
}

func (j *journal) put(key string, v interface{}) {
	val, err := cbor.Marshal(v)
	if err != nil {
		logger.Warnw("journal encode failed", "key", key, "error", err)
		return
	}
	if err := j.ds.Put([]byte(key), val); err != nil {
		logger.Warnw("journal write failed", "key", key, "error", err)
	}
}
