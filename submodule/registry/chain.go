// Package registry holds the ledger-side rules of the node and file
// registries as a linearizable in-memory state machine. It is the reference
// the chain adapter is checked against and the ledger used in tests.
package registry

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"

	logging "github.com/dstorage/go-dstor/lib/log"
	"github.com/dstorage/go-dstor/lib/types"
)

var logger = logging.Logger("registry")

const (
	RegistryAddress = "storage-node-registry"
)

// DefaultStake is 500 tokens with 18 decimals.
var DefaultStake = new(big.Int).Mul(big.NewInt(500), big.NewInt(1e18))

type Option func(*Chain)

// WithClock replaces the wall clock used for heartbeats.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) {
		c.now = now
	}
}

func WithStake(v *big.Int) Option {
	return func(c *Chain) {
		c.stake = new(big.Int).Set(v)
	}
}

// Chain is the shared ledger state. Every mutation holds lk, so calls from
// any number of sessions are totally ordered.
type Chain struct {
	lk sync.Mutex

	now   func() time.Time
	stake *big.Int
	block uint64

	nodes map[string]*types.NodeRecord
	order []string

	files map[string]*types.FileRecord

	balances   map[string]*big.Int
	allowances map[string]map[string]*big.Int

	// FileRegistered events in commit order
	events []*types.FileRegistered

	// sendLk orders feed sends by commit; the first sent events are out.
	// Lock order is sendLk then lk.
	sendLk   sync.Mutex
	sendCond *sync.Cond
	sent     int

	feed event.Feed
}

func New(opts ...Option) *Chain {
	c := &Chain{
		now:        time.Now,
		stake:      new(big.Int).Set(DefaultStake),
		nodes:      make(map[string]*types.NodeRecord),
		files:      make(map[string]*types.FileRecord),
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]map[string]*big.Int),
	}

	c.sendCond = sync.NewCond(&c.sendLk)

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// As returns a session whose transactions are signed by id.
func (c *Chain) As(id string) *Session {
	return &Session{c: c, self: id}
}

// Mint credits val tokens to id, standing in for genesis allocation.
func (c *Chain) Mint(id string, val *big.Int) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.balanceLocked(id).Add(c.balanceLocked(id), val)
}

// Block is the number of state changing transactions applied so far.
func (c *Chain) Block() uint64 {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.block
}

// Redeliver resends the FileRegistered event of a catalogued file, as an
// at-least-once transport may.
func (c *Chain) Redeliver(cid string) bool {
	c.lk.Lock()
	var ev *types.FileRegistered
	for _, e := range c.events {
		if e.ContentID == cid {
			ev = e
			break
		}
	}
	c.lk.Unlock()

	if ev == nil {
		return false
	}

	c.sendLk.Lock()
	defer c.sendLk.Unlock()
	c.feed.Send(ev)
	return true
}

// commitEventLocked appends ev to the event log and returns its position.
func (c *Chain) commitEventLocked(ev *types.FileRegistered) int {
	c.events = append(c.events, ev)
	return len(c.events)
}

// publish sends the event committed at seq once every earlier one is out.
// Send blocks until each subscriber took the event, so it must run without
// lk held.
func (c *Chain) publish(seq int, ev *types.FileRegistered) {
	c.sendLk.Lock()
	defer c.sendLk.Unlock()

	for c.sent != seq-1 {
		c.sendCond.Wait()
	}
	c.feed.Send(ev)
	c.sent = seq
	c.sendCond.Broadcast()
}

func (c *Chain) balanceLocked(id string) *big.Int {
	b, ok := c.balances[id]
	if !ok {
		b = new(big.Int)
		c.balances[id] = b
	}
	return b
}

func (c *Chain) allowanceLocked(owner, spender string) *big.Int {
	m, ok := c.allowances[owner]
	if !ok {
		m = make(map[string]*big.Int)
		c.allowances[owner] = m
	}
	a, ok := m[spender]
	if !ok {
		a = new(big.Int)
		m[spender] = a
	}
	return a
}
