package api

import (
	"context"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/event"

	"github.com/dstorage/go-dstor/lib/types"
)

// Subscription is a cancellable event stream.
type Subscription = event.Subscription

// INodeRegistry is the node registry seen through one signing identity.
type INodeRegistry interface {
	// Self is the identity transactions are signed with.
	Self() string
	// Address is the registry's own identity, the spender of stake approvals.
	Address() string

	StakeAmount(ctx context.Context) (*big.Int, error)
	// GetNode never fails for an unknown identity, it returns a zero record.
	GetNode(ctx context.Context, id string) (*types.NodeRecord, error)
	GetAllNodes(ctx context.Context) ([]string, error)

	RegisterNode(ctx context.Context, endpoint string, capacity uint64, isMobile bool) error
	Ping(ctx context.Context) error
	UpdateEndpoint(ctx context.Context, endpoint string) error
}

// IStakeToken is the bonded token the stake is paid in.
type IStakeToken interface {
	BalanceOf(ctx context.Context, id string) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender string) (*big.Int, error)
	Approve(ctx context.Context, spender string, val *big.Int) error
	Transfer(ctx context.Context, to string, val *big.Int) error
}

type IFileRegistry interface {
	RegisterFile(ctx context.Context, reg *types.FileRegistration) error
	ShareFile(ctx context.Context, cid, recipient string) error
	GetFile(ctx context.Context, cid string) (*types.FileRecord, error)

	// HeadBlock is the latest block the ledger has applied.
	HeadBlock(ctx context.Context) (uint64, error)

	// SubscribeFileRegistered delivers FileRegistered at least once, in
	// ledger order, until the subscription is cancelled. A zero from starts
	// at the head; otherwise events from block from on are replayed first.
	SubscribeFileRegistered(ctx context.Context, from uint64, ch chan<- *types.FileRegistered) (Subscription, error)
}

// Ledger bundles every registry for one identity.
type Ledger interface {
	INodeRegistry
	IFileRegistry
	IStakeToken
}

// IContentStore is a content addressed blob store.
type IContentStore interface {
	Add(ctx context.Context, r io.Reader) (string, error)
	// Pin is idempotent.
	Pin(ctx context.Context, cid string) error
	Get(ctx context.Context, cid string) (io.ReadCloser, error)
}

// AgentAPI is served by a running daemon.
type AgentAPI interface {
	AgentStatus(ctx context.Context) (*AgentStatus, error)
	PinStatus(ctx context.Context, cid string) (*PinRecord, error)
	Shutdown(ctx context.Context) error
}

type AgentStatus struct {
	Identity string
	State    string
	Endpoint string
	Node     *types.NodeRecord

	LastHeartbeat    int64
	LastHeartbeatErr string

	PinsOK     uint64
	PinsFailed uint64
	InFlight   int
}

type PinRecord struct {
	ContentID string
	FileName  string
	OK        bool
	Err       string
	At        int64
}
