// Package agent runs one storage node identity: it makes the ledger record
// match the node's detected endpoint, keeps the record alive with heartbeats
// and replicates the files announced by the file registry.
package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/api"
	"github.com/dstorage/go-dstor/config"
	"github.com/dstorage/go-dstor/lib/backend/kv"
	logging "github.com/dstorage/go-dstor/lib/log"
	"github.com/dstorage/go-dstor/lib/types"
)

var logger = logging.Logger("agent")

var _ api.AgentAPI = (*Agent)(nil)

// Config is built once at startup and never changes.
type Config struct {
	Capacity uint64
	IsMobile bool
	// Endpoint, when set, is used instead of interface detection.
	Endpoint string

	CallTimeout    time.Duration
	TxTimeout      time.Duration
	ContentTimeout time.Duration

	HeartbeatInterval time.Duration
	Workers           int
	QueueSize         int
	DedupCacheSize    int
	PinPolicy         string

	RetryAttempts uint
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// ConfigFrom takes the agent settings of the daemon config; capacity is
// resolved by the caller.
func ConfigFrom(cfg *config.Config, capacity uint64) Config {
	return Config{
		Capacity:          capacity,
		IsMobile:          cfg.Identity.IsMobile,
		Endpoint:          cfg.Identity.Endpoint,
		CallTimeout:       cfg.Chain.CallTimeout.Std(),
		TxTimeout:         cfg.Chain.TxTimeout.Std(),
		ContentTimeout:    cfg.Content.Timeout.Std(),
		HeartbeatInterval: cfg.Agent.HeartbeatInterval.Std(),
		Workers:           cfg.Agent.Workers,
		QueueSize:         cfg.Agent.QueueSize,
		DedupCacheSize:    cfg.Agent.DedupCacheSize,
		PinPolicy:         cfg.Agent.PinPolicy,
		RetryAttempts:     uint(cfg.Agent.RetryAttempts),
		RetryDelay:        cfg.Agent.RetryDelay.Std(),
		RetryMaxDelay:     cfg.Agent.RetryMaxDelay.Std(),
	}
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = 2 * time.Minute
	}
	if c.ContentTimeout <= 0 {
		c.ContentTimeout = 2 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DedupCacheSize <= 0 {
		c.DedupCacheSize = 1024
	}
	if c.PinPolicy == "" {
		c.PinPolicy = config.PinAll
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	return c
}

// EndpointDetector finds the address this node is reachable at.
type EndpointDetector interface {
	Detect() (string, error)
}

// Deps are the collaborators of one agent. Registry, Token and Files are
// bound to the agent's own signing identity.
type Deps struct {
	Registry api.INodeRegistry
	Token    api.IStakeToken
	Files    api.IFileRegistry
	Content  api.IContentStore
	Detector EndpointDetector
	// Store is optional; without it nothing is journaled.
	Store kv.Store
}

// LedgerDeps fills the ledger facing dependencies from one ledger.
func LedgerDeps(l api.Ledger, content api.IContentStore, det EndpointDetector, store kv.Store) Deps {
	return Deps{
		Registry: l,
		Token:    l,
		Files:    l,
		Content:  content,
		Detector: det,
		Store:    store,
	}
}

type State int32

const (
	StateInit State = iota
	StateDetectEndpoint
	StateReconcile
	StateSteady
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateDetectEndpoint:
		return "DETECT_ENDPOINT"
	case StateReconcile:
		return "RECONCILE"
	case StateSteady:
		return "STEADY_STATE"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

type Agent struct {
	cfg  Config
	deps Deps
	self string

	state atomic.Int32

	lk          sync.RWMutex
	endpoint    string
	node        *types.NodeRecord
	lastBeat    int64
	lastBeatErr string

	// replication
	events   chan *types.FileRegistered
	jobs     chan *types.FileRegistered
	flightLk sync.Mutex
	inflight map[string]struct{}
	recent   *lru.Cache
	// block to resume the event stream from, owned by the subscriber
	cursor   uint64
	pinsOK   atomic.Uint64
	pinsFail atomic.Uint64

	journal *journal

	cron       *cron.Cron
	eg         errgroup.Group
	subCancel  context.CancelFunc
	workCancel context.CancelFunc

	startOnce    sync.Once
	stopOnce     sync.Once
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func New(cfg Config, deps Deps) (*Agent, error) {
	if deps.Registry == nil || deps.Token == nil || deps.Files == nil {
		return nil, xerrors.New("agent needs a ledger")
	}
	if deps.Content == nil {
		return nil, xerrors.New("agent needs a content store")
	}
	if deps.Detector == nil && cfg.Endpoint == "" {
		return nil, xerrors.New("agent needs an endpoint detector or a fixed endpoint")
	}

	cfg = cfg.withDefaults()

	recent, err := lru.New(cfg.DedupCacheSize)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:        cfg,
		deps:       deps,
		self:       deps.Registry.Self(),
		events:     make(chan *types.FileRegistered, cfg.QueueSize),
		jobs:       make(chan *types.FileRegistered, cfg.QueueSize),
		inflight:   make(map[string]struct{}),
		recent:     recent,
		journal:    newJournal(deps.Store),
		shutdownCh: make(chan struct{}),
	}

	if a.self == "" {
		return nil, xerrors.New("agent ledger has no signing identity")
	}

	// content pinned by a previous run is not pinned again
	a.journal.eachPinned(func(cid string) {
		a.recent.Add(cid, struct{}{})
	})

	return a, nil
}

func (a *Agent) State() State {
	return State(a.state.Load())
}

func (a *Agent) setState(s State) {
	old := State(a.state.Swap(int32(s)))
	if old != s {
		logger.Infow("state changed", "identity", a.self, "from", old.String(), "to", s.String())
	}
}

func (a *Agent) Identity() string {
	return a.self
}

func (a *Agent) Endpoint() string {
	a.lk.RLock()
	defer a.lk.RUnlock()
	return a.endpoint
}

// Start detects the endpoint and reconciles the ledger record, both fatal
// on failure, then launches the heartbeat and replication activities and
// returns.
func (a *Agent) Start(ctx context.Context) error {
	err := xerrors.New("agent already started")
	a.startOnce.Do(func() {
		err = a.start(ctx)
	})
	return err
}

func (a *Agent) start(ctx context.Context) error {
	a.setState(StateDetectEndpoint)
	ep, err := a.detect()
	if err != nil {
		return err
	}

	a.setState(StateReconcile)
	if err := a.reconcileAt(ctx, ep); err != nil {
		return err
	}

	workCtx, workCancel := context.WithCancel(ctx)
	subCtx, subCancel := context.WithCancel(workCtx)
	a.workCancel = workCancel
	a.subCancel = subCancel

	a.setState(StateSteady)

	for i := 0; i < a.cfg.Workers; i++ {
		a.eg.Go(func() error {
			a.work(workCtx)
			return nil
		})
	}

	// the first subscription is in place before Start returns; a dropped
	// stream resumes after the head seen here
	err = a.call(ctx, "headBlock", func(ctx context.Context) error {
		head, err := a.deps.Files.HeadBlock(ctx)
		if err != nil {
			return err
		}
		a.cursor = head + 1
		return nil
	})
	if err != nil {
		logger.Warnw("read head block failed, events before the first one received may be missed", "identity", a.self, "error", err)
	}
	sub, err := a.deps.Files.SubscribeFileRegistered(subCtx, a.cursor, a.events)
	if err != nil {
		logger.Warnw("subscribe to file events failed", "identity", a.self, "error", err)
	}
	a.eg.Go(func() error {
		a.subscribe(subCtx, sub)
		return nil
	})

	beat := a.startHeartbeat(workCtx)
	// first heartbeat right away, later ones on the schedule
	a.eg.Go(func() error {
		beat.Run()
		return nil
	})

	return nil
}

func (a *Agent) detect() (string, error) {
	if a.cfg.Endpoint != "" {
		logger.Infow("using configured endpoint", "endpoint", a.cfg.Endpoint)
		return a.cfg.Endpoint, nil
	}

	ep, err := a.deps.Detector.Detect()
	if err != nil {
		if !xerrors.Is(err, types.ErrEndpointDetection) {
			err = types.NewError(types.ErrEndpointDetection, "detect endpoint", err)
		}
		return "", err
	}

	logger.Infow("endpoint detected", "endpoint", ep)
	return ep, nil
}

// Stop stops the heartbeat, stops taking events and waits for queued and
// running pins. When ctx ends first, running pins are cancelled.
func (a *Agent) Stop(ctx context.Context) error {
	var stopped bool
	a.stopOnce.Do(func() {
		stopped = true
	})
	if !stopped {
		return nil
	}

	if a.State() != StateSteady {
		a.setState(StateStopped)
		return nil
	}
	a.setState(StateStopping)

	cronDone := a.cron.Stop()
	a.subCancel()

	done := make(chan struct{})
	go func() {
		a.eg.Wait()
		<-cronDone.Done()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warnw("stop deadline reached, cancelling running pins", "identity", a.self)
		a.workCancel()
		<-done
		err = ctx.Err()
	}

	a.workCancel()
	a.setState(StateStopped)
	return err
}

// ShutdownChan is closed when a client asks the daemon to stop.
func (a *Agent) ShutdownChan() <-chan struct{} {
	return a.shutdownCh
}

func (a *Agent) AgentStatus(ctx context.Context) (*api.AgentStatus, error) {
	a.lk.RLock()
	defer a.lk.RUnlock()

	st := &api.AgentStatus{
		Identity:         a.self,
		State:            a.State().String(),
		Endpoint:         a.endpoint,
		LastHeartbeat:    a.lastBeat,
		LastHeartbeatErr: a.lastBeatErr,
		PinsOK:           a.pinsOK.Load(),
		PinsFailed:       a.pinsFail.Load(),
		InFlight:         a.inFlight(),
	}
	if a.node != nil {
		n := *a.node
		st.Node = &n
	} else if n, err := a.journal.node(); err == nil {
		// last record seen by a previous run
		st.Node = n
	}
	return st, nil
}

func (a *Agent) PinStatus(ctx context.Context, cid string) (*api.PinRecord, error) {
	pr, err := a.journal.pin(cid)
	if err != nil {
		return nil, err
	}
	if pr == nil {
		return nil, types.Errorf(types.ErrNotFound, "pin status", "no pin of %s", cid)
	}
	return pr, nil
}

func (a *Agent) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		close(a.shutdownCh)
	})
	return nil
}
