package agent

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/api"
	"github.com/dstorage/go-dstor/api/client"
	"github.com/dstorage/go-dstor/config"
	"github.com/dstorage/go-dstor/lib/backend/kv"
	"github.com/dstorage/go-dstor/lib/types"
	"github.com/dstorage/go-dstor/lib/utils"
	"github.com/dstorage/go-dstor/submodule/content"
	"github.com/dstorage/go-dstor/submodule/registry"
)

const (
	nodeA = "node-A"
	owner = "owner"

	epA = "http://10.0.0.5:3000"
	epB = "http://10.0.0.9:3000"
)

type staticDetector struct {
	ep  string
	err error
}

func (d staticDetector) Detect() (string, error) {
	return d.ep, d.err
}

// countingLedger counts transactions and can fail some of them.
type countingLedger struct {
	*registry.Session

	registers atomic.Int32
	updates   atomic.Int32
	approves  atomic.Int32
	pings     atomic.Int32

	pingErr   error
	updateErr error
}

func (c *countingLedger) RegisterNode(ctx context.Context, endpoint string, capacity uint64, isMobile bool) error {
	c.registers.Add(1)
	return c.Session.RegisterNode(ctx, endpoint, capacity, isMobile)
}

func (c *countingLedger) Approve(ctx context.Context, spender string, val *big.Int) error {
	c.approves.Add(1)
	return c.Session.Approve(ctx, spender, val)
}

func (c *countingLedger) UpdateEndpoint(ctx context.Context, endpoint string) error {
	c.updates.Add(1)
	if c.updateErr != nil {
		return c.updateErr
	}
	return c.Session.UpdateEndpoint(ctx, endpoint)
}

func (c *countingLedger) Ping(ctx context.Context) error {
	c.pings.Add(1)
	if c.pingErr != nil {
		return c.pingErr
	}
	return c.Session.Ping(ctx)
}

// droppingLedger hands out a first event stream the test can break and
// holds every later subscription until resume is closed.
type droppingLedger struct {
	*countingLedger

	calls  atomic.Int32
	from   atomic.Uint64
	drop   chan error
	gone   chan struct{}
	resume chan struct{}
}

func newDroppingLedger(l *countingLedger) *droppingLedger {
	return &droppingLedger{
		countingLedger: l,
		drop:           make(chan error),
		gone:           make(chan struct{}),
		resume:         make(chan struct{}),
	}
}

func (d *droppingLedger) SubscribeFileRegistered(ctx context.Context, from uint64, ch chan<- *types.FileRegistered) (api.Subscription, error) {
	if d.calls.Add(1) > 1 {
		select {
		case <-d.resume:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		d.from.Store(from)
		return d.countingLedger.SubscribeFileRegistered(ctx, from, ch)
	}

	sub, err := d.countingLedger.SubscribeFileRegistered(ctx, from, ch)
	if err != nil {
		return nil, err
	}
	return &breakableSub{Subscription: sub, errc: d.drop, gone: d.gone}, nil
}

type breakableSub struct {
	api.Subscription
	errc chan error
	gone chan struct{}
	once sync.Once
}

func (b *breakableSub) Err() <-chan error {
	return b.errc
}

func (b *breakableSub) Unsubscribe() {
	b.Subscription.Unsubscribe()
	b.once.Do(func() { close(b.gone) })
}

// gatedStore holds every pin until gate is closed and tracks concurrency.
type gatedStore struct {
	*content.Memory
	gate chan struct{}

	calls atomic.Int32
	cur   atomic.Int32
	max   atomic.Int32
}

func newGatedStore(n *content.Network) *gatedStore {
	return &gatedStore{Memory: content.NewMemory(n), gate: make(chan struct{})}
}

func (g *gatedStore) Pin(ctx context.Context, id string) error {
	g.calls.Add(1)
	n := g.cur.Add(1)
	defer g.cur.Add(-1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			break
		}
	}

	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.Memory.Pin(ctx, id)
}

func testConfig() Config {
	return Config{
		Capacity:          250 * utils.GiB,
		CallTimeout:       time.Second,
		TxTimeout:         time.Second,
		ContentTimeout:    5 * time.Second,
		HeartbeatInterval: time.Hour,
		Workers:           2,
		QueueSize:         8,
		DedupCacheSize:    16,
		PinPolicy:         config.PinAll,
		RetryAttempts:     2,
		RetryDelay:        time.Millisecond,
		RetryMaxDelay:     5 * time.Millisecond,
	}
}

type env struct {
	chain  *registry.Chain
	ledger *countingLedger
	net    *content.Network
	store  *content.Memory
}

func newEnv(t *testing.T) *env {
	chain := registry.New()
	chain.Mint(nodeA, registry.DefaultStake)
	n := content.NewNetwork()
	return &env{
		chain:  chain,
		ledger: &countingLedger{Session: chain.As(nodeA)},
		net:    n,
		store:  content.NewMemory(n),
	}
}

func (e *env) agent(t *testing.T, cfg Config, ep string, cs api.IContentStore) *Agent {
	if cs == nil {
		cs = e.store
	}
	a, err := New(cfg, LedgerDeps(e.ledger, cs, staticDetector{ep: ep}, nil))
	require.NoError(t, err)
	return a
}

// publish adds data to the shared network and registers it as owner.
func (e *env) publish(t *testing.T, data string, hosts ...string) string {
	id, err := content.NewMemory(e.net).Add(context.Background(), strings.NewReader(data))
	require.NoError(t, err)
	e.register(t, id, data+".txt", hosts...)
	return id
}

func (e *env) register(t *testing.T, id, name string, hosts ...string) {
	err := e.chain.As(owner).RegisterFile(context.Background(), &types.FileRegistration{
		ContentID:         id,
		FileName:          name,
		FileType:          "text/plain",
		Hosts:             hosts,
		ReplicationFactor: 1,
	})
	require.NoError(t, err)
}

func stop(t *testing.T, a *Agent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, StateStopped, a.State())
}

func TestFreshRegistration(t *testing.T) {
	e := newEnv(t)
	a := e.agent(t, testConfig(), epA, nil)

	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a)

	assert.Equal(t, StateSteady, a.State())

	n, err := e.ledger.GetNode(context.Background(), nodeA)
	require.NoError(t, err)
	assert.True(t, n.IsRegistered)
	assert.Equal(t, epA, n.Endpoint)
	assert.Equal(t, uint64(250*utils.GiB), n.FreeCapacity)
	assert.Equal(t, uint64(250*utils.GiB), n.TotalCapacity)
	assert.EqualValues(t, 1, e.ledger.registers.Load())
	assert.EqualValues(t, 1, e.ledger.approves.Load())

	st, err := a.AgentStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, nodeA, st.Identity)
	assert.Equal(t, "STEADY_STATE", st.State)
	assert.Equal(t, epA, st.Endpoint)
	require.NotNil(t, st.Node)
	assert.True(t, st.Node.IsRegistered)
}

func TestRegisterSkipsGrantedApproval(t *testing.T) {
	e := newEnv(t)
	// approval landed in an earlier run, registration did not
	require.NoError(t, e.ledger.Session.Approve(context.Background(), registry.RegistryAddress, registry.DefaultStake))
	before := e.chain.Block()

	a := e.agent(t, testConfig(), epA, nil)
	require.NoError(t, a.reconcileAt(context.Background(), epA))

	// only registerNode was sent
	assert.Equal(t, before+1, e.chain.Block())
	assert.Zero(t, e.ledger.approves.Load())
	assert.EqualValues(t, 1, e.ledger.registers.Load())
	n, err := e.ledger.GetNode(context.Background(), nodeA)
	require.NoError(t, err)
	assert.True(t, n.IsRegistered)
}

func TestRegisterInsufficientStake(t *testing.T) {
	chain := registry.New()
	n := content.NewNetwork()
	a, err := New(testConfig(), LedgerDeps(chain.As(nodeA), content.NewMemory(n), staticDetector{ep: epA}, nil))
	require.NoError(t, err)

	err = a.Start(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsAdmission(err))
	assert.Equal(t, StateReconcile, a.State())
	assert.NoError(t, a.Stop(context.Background()))
}

func TestReconcileNoop(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.ledger.Session.Approve(context.Background(), registry.RegistryAddress, registry.DefaultStake))
	require.NoError(t, e.ledger.Session.RegisterNode(context.Background(), epA, 100, false))
	before := e.chain.Block()

	a := e.agent(t, testConfig(), epA, nil)
	require.NoError(t, a.reconcileAt(context.Background(), epA))

	assert.Equal(t, before, e.chain.Block())
	assert.Zero(t, e.ledger.updates.Load())
	assert.Zero(t, e.ledger.registers.Load())
}

func TestReconcileUpdate(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.ledger.Session.Approve(context.Background(), registry.RegistryAddress, registry.DefaultStake))
	require.NoError(t, e.ledger.Session.RegisterNode(context.Background(), epA, 100, false))

	a := e.agent(t, testConfig(), epB, nil)
	require.NoError(t, a.reconcileAt(context.Background(), epB))

	assert.EqualValues(t, 1, e.ledger.updates.Load())
	n, err := e.ledger.GetNode(context.Background(), nodeA)
	require.NoError(t, err)
	assert.Equal(t, epB, n.Endpoint)
}

func TestReconcileUpdateFailureNotFatal(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.ledger.Session.Approve(context.Background(), registry.RegistryAddress, registry.DefaultStake))
	require.NoError(t, e.ledger.Session.RegisterNode(context.Background(), epA, 100, false))
	e.ledger.updateErr = types.Errorf(types.ErrLedgerTransaction, "updateEndpoint", "timeout")

	a := e.agent(t, testConfig(), epB, nil)
	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a)

	assert.Equal(t, StateSteady, a.State())
	// bounded retries
	assert.EqualValues(t, 2, e.ledger.updates.Load())
	n, err := e.ledger.GetNode(context.Background(), nodeA)
	require.NoError(t, err)
	assert.Equal(t, epA, n.Endpoint)
}

func TestDetectFailureIsFatal(t *testing.T) {
	e := newEnv(t)
	a, err := New(testConfig(), LedgerDeps(e.ledger, e.store, staticDetector{err: xerrors.New("no interfaces")}, nil))
	require.NoError(t, err)

	err = a.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrEndpointDetection)
	assert.Zero(t, e.chain.Block())
}

func TestHeartbeat(t *testing.T) {
	e := newEnv(t)
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond

	a := e.agent(t, cfg, epA, nil)
	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a)

	require.Eventually(t, func() bool {
		return e.ledger.pings.Load() >= 3
	}, 5*time.Second, 10*time.Millisecond)

	st, err := a.AgentStatus(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, st.LastHeartbeat)
	assert.Empty(t, st.LastHeartbeatErr)
}

func TestHeartbeatFailureKeepsTicking(t *testing.T) {
	e := newEnv(t)
	e.ledger.pingErr = types.Errorf(types.ErrLedgerTransaction, "ping", "connection refused")
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.RetryAttempts = 1

	a := e.agent(t, cfg, epA, nil)
	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a)

	require.Eventually(t, func() bool {
		return e.ledger.pings.Load() >= 3
	}, 5*time.Second, 10*time.Millisecond)

	st, err := a.AgentStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "STEADY_STATE", st.State)
	assert.Contains(t, st.LastHeartbeatErr, "connection refused")
}

func TestReplicate(t *testing.T) {
	e := newEnv(t)
	a := e.agent(t, testConfig(), epA, nil)
	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a)

	id := e.publish(t, "a", nodeA)

	require.Eventually(t, func() bool {
		return e.store.Pinned(id)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestResumeAfterDroppedStream(t *testing.T) {
	e := newEnv(t)
	dl := newDroppingLedger(e.ledger)
	a, err := New(testConfig(), LedgerDeps(dl, e.store, staticDetector{ep: epA}, nil))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a)

	seen := e.publish(t, "seen", nodeA)
	require.Eventually(t, func() bool {
		return e.store.Pinned(seen)
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case dl.drop <- xerrors.New("connection reset"):
	case <-time.After(5 * time.Second):
		t.Fatal("stream never read its error channel")
	}
	select {
	case <-dl.gone:
	case <-time.After(5 * time.Second):
		t.Fatal("dropped stream was not released")
	}

	// registered while no stream is open
	missed := e.publish(t, "missed", nodeA)
	close(dl.resume)

	require.Eventually(t, func() bool {
		return e.store.Pinned(missed)
	}, 5*time.Second, 10*time.Millisecond)

	// resumed from the block of the last event seen
	assert.NotZero(t, dl.from.Load())
	assert.Less(t, dl.from.Load(), e.chain.Block())
}

func TestDuplicateDeliveryPinsOnce(t *testing.T) {
	e := newEnv(t)
	gs := newGatedStore(e.net)
	a := e.agent(t, testConfig(), epA, gs)
	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a)

	id := e.publish(t, "Qm1", nodeA)
	require.Eventually(t, func() bool {
		return gs.calls.Load() == 1
	}, 5*time.Second, 5*time.Millisecond)

	// redelivered while the first pin is still running
	require.True(t, e.chain.Redeliver(id))
	require.True(t, e.chain.Redeliver(id))

	close(gs.gate)
	require.Eventually(t, func() bool {
		return gs.Pinned(id)
	}, 5*time.Second, 5*time.Millisecond)

	// redelivered after the pin succeeded
	require.True(t, e.chain.Redeliver(id))
	require.Eventually(t, func() bool {
		st, _ := a.AgentStatus(context.Background())
		return st.InFlight == 0
	}, 5*time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 1, gs.calls.Load())
	assert.EqualValues(t, 1, gs.max.Load())

	st, err := a.AgentStatus(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.PinsOK)
	assert.Zero(t, st.PinsFailed)
}

func TestPinFailureIsIsolated(t *testing.T) {
	e := newEnv(t)
	a := e.agent(t, testConfig(), epA, nil)
	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a)

	// registered but nowhere to fetch from
	lost, err := content.SumID([]byte("lost"))
	require.NoError(t, err)
	e.register(t, lost, "lost.txt", nodeA)
	kept := e.publish(t, "kept", nodeA)

	require.Eventually(t, func() bool {
		st, _ := a.AgentStatus(context.Background())
		return st.PinsOK == 1 && st.PinsFailed == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, e.store.Pinned(kept))
	assert.False(t, e.store.Pinned(lost))
	assert.Equal(t, StateSteady, a.State())

	// a failed pin is tried again on redelivery
	_, err = content.NewMemory(e.net).Add(context.Background(), strings.NewReader("lost"))
	require.NoError(t, err)
	require.True(t, e.chain.Redeliver(lost))
	require.Eventually(t, func() bool {
		return e.store.Pinned(lost)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAssignedPolicy(t *testing.T) {
	e := newEnv(t)
	cfg := testConfig()
	cfg.PinPolicy = config.PinAssigned

	a := e.agent(t, cfg, epA, nil)
	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a)

	other := e.publish(t, "other", "node-B")
	mine := e.publish(t, "mine", nodeA)

	require.Eventually(t, func() bool {
		return e.store.Pinned(mine)
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, e.store.Pinned(other))
}

func TestStopDrainsInFlightPins(t *testing.T) {
	e := newEnv(t)
	gs := newGatedStore(e.net)
	a := e.agent(t, testConfig(), epA, gs)
	require.NoError(t, a.Start(context.Background()))

	id := e.publish(t, "drain", nodeA)
	require.Eventually(t, func() bool {
		return gs.calls.Load() == 1
	}, 5*time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() {
		stopped <- a.Stop(context.Background())
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned with a pin in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gs.gate)
	require.NoError(t, <-stopped)
	assert.True(t, gs.Pinned(id))
	assert.Equal(t, StateStopped, a.State())
}

func TestStopDeadlineCancelsPins(t *testing.T) {
	e := newEnv(t)
	gs := newGatedStore(e.net)
	a := e.agent(t, testConfig(), epA, gs)
	require.NoError(t, a.Start(context.Background()))

	e.publish(t, "stuck", nodeA)
	require.Eventually(t, func() bool {
		return gs.calls.Load() == 1
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateStopped, a.State())
}

func TestJournal(t *testing.T) {
	ds, err := kv.NewBadgerStore("", &kv.Options{InMemory: true})
	require.NoError(t, err)
	defer ds.Close()

	e := newEnv(t)
	deps := LedgerDeps(e.ledger, e.store, staticDetector{ep: epA}, ds)
	a, err := New(testConfig(), deps)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	id := e.publish(t, "journaled", nodeA)
	require.Eventually(t, func() bool {
		pr, err := a.PinStatus(context.Background(), id)
		return err == nil && pr.OK
	}, 5*time.Second, 10*time.Millisecond)

	_, err = a.PinStatus(context.Background(), "unknown")
	assert.True(t, types.IsNotFound(err))
	stop(t, a)

	// a later run knows the content is already pinned
	gs := newGatedStore(e.net)
	close(gs.gate)
	deps.Content = gs
	b, err := New(testConfig(), deps)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer stop(t, b)

	require.True(t, e.chain.Redeliver(id))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, gs.calls.Load())

	st, err := b.AgentStatus(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.Node)
	assert.Equal(t, epA, st.Node.Endpoint)
}

func TestAgentRPC(t *testing.T) {
	e := newEnv(t)
	a := e.agent(t, testConfig(), epA, nil)
	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a)

	dir := t.TempDir()
	srv, err := ListenRPC(a, "/ip4/127.0.0.1/tcp/0", dir, nil)
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Shutdown(context.Background())

	addr, header, err := client.GetAgentClientInfo(dir)
	require.NoError(t, err)

	ctx := context.Background()
	cli, closer, err := client.NewAgentClient(ctx, addr, header)
	require.NoError(t, err)
	defer closer()

	st, err := cli.AgentStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, nodeA, st.Identity)
	assert.Equal(t, epA, st.Endpoint)

	require.NoError(t, cli.Shutdown(ctx))
	select {
	case <-a.ShutdownChan():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown not signalled")
	}
}

func TestRetryPolicy(t *testing.T) {
	a := newEnv(t).agent(t, testConfig(), epA, nil)
	ctx := context.Background()

	var n int
	err := a.send(ctx, "ping", func(ctx context.Context) error {
		n++
		return types.Errorf(types.ErrLedgerTransaction, "ping", "timeout")
	})
	assert.ErrorIs(t, err, types.ErrLedgerTransaction)
	assert.Equal(t, 2, n)

	n = 0
	err = a.send(ctx, "ping", func(ctx context.Context) error {
		n++
		return types.Errorf(types.ErrAdmission, "ping", "not registered")
	})
	assert.True(t, types.IsAdmission(err))
	assert.Equal(t, 1, n)

	n = 0
	err = a.call(ctx, "nodes", func(ctx context.Context) error {
		n++
		if n == 1 {
			return xerrors.New("connection reset")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIndependentIdentities(t *testing.T) {
	chain := registry.New()
	n := content.NewNetwork()

	var agents []*Agent
	for i, id := range []string{"node-A", "node-B"} {
		chain.Mint(id, registry.DefaultStake)
		ep := []string{epA, epB}[i]
		a, err := New(testConfig(), LedgerDeps(chain.As(id), content.NewMemory(n), staticDetector{ep: ep}, nil))
		require.NoError(t, err)
		require.NoError(t, a.Start(context.Background()))
		defer stop(t, a)
		agents = append(agents, a)
	}

	all, err := chain.As(owner).GetAllNodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"node-A", "node-B"}, all)

	for i, a := range agents {
		nr, err := chain.As(owner).GetNode(context.Background(), a.Identity())
		require.NoError(t, err)
		assert.Equal(t, []string{epA, epB}[i], nr.Endpoint)
	}
}
