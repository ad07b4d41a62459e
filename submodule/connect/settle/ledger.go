// Package settle talks to the deployed registry contracts over an EVM JSON-RPC
// endpoint and exposes them as an api.Ledger for one signing identity.
package settle

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/api"
	"github.com/dstorage/go-dstor/config"
)

var _ api.Ledger = (*Ledger)(nil)

// Options is the chain part of the daemon config plus the address book.
type Options struct {
	EndPoint     string
	ChainID      int64
	GasLimit     uint64
	CallTimeout  time.Duration
	TxTimeout    time.Duration
	PollInterval time.Duration

	Contracts config.Contracts
}

func OptionsFrom(cfg *config.Config, contracts config.Contracts) Options {
	return Options{
		EndPoint:     cfg.Chain.EndPoint,
		ChainID:      cfg.Chain.ChainID,
		GasLimit:     cfg.Chain.GasLimit,
		CallTimeout:  cfg.Chain.CallTimeout.Std(),
		TxTimeout:    cfg.Chain.TxTimeout.Std(),
		PollInterval: cfg.Chain.PollInterval.Std(),
		Contracts:    contracts,
	}
}

// Ledger is bound to one identity. A ledger opened without a key is read
// only and every transaction fails.
type Ledger struct {
	opts Options

	client *ethclient.Client
	auth   *bind.TransactOpts
	eAddr  common.Address

	regAddr   common.Address
	fileAddr  common.Address
	tokenAddr common.Address

	regIns   *bind.BoundContract
	fileIns  *bind.BoundContract
	tokenIns *bind.BoundContract

	subscribable bool
}

func New(ctx context.Context, opts Options, sk *ecdsa.PrivateKey) (*Ledger, error) {
	if err := opts.Contracts.Validate(); err != nil {
		return nil, err
	}
	if opts.GasLimit == 0 {
		opts.GasLimit = DefaultGasLimit
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}

	client, err := ethclient.DialContext(ctx, opts.EndPoint)
	if err != nil {
		return nil, xerrors.Errorf("dial %s fail: %w", opts.EndPoint, err)
	}

	l := &Ledger{
		opts:      opts,
		client:    client,
		regAddr:   common.HexToAddress(opts.Contracts.StorageNodeRegistry),
		fileAddr:  common.HexToAddress(opts.Contracts.FileRegistry),
		tokenAddr: common.HexToAddress(opts.Contracts.RewardToken),
		// eth_subscribe needs a stateful transport
		subscribable: strings.HasPrefix(opts.EndPoint, "ws") || strings.HasSuffix(opts.EndPoint, ".ipc"),
	}

	l.regIns = bind.NewBoundContract(l.regAddr, RegistryABI, client, client, client)
	l.fileIns = bind.NewBoundContract(l.fileAddr, FileABI, client, client, client)
	l.tokenIns = bind.NewBoundContract(l.tokenAddr, ERC20ABI, client, client, client)

	if sk != nil {
		chainID := big.NewInt(opts.ChainID)
		if opts.ChainID == 0 {
			cctx, cancel := context.WithTimeout(ctx, l.callTimeout())
			chainID, err = client.ChainID(cctx)
			cancel()
			if err != nil {
				client.Close()
				return nil, xerrors.Errorf("get chain id from %s: %w", opts.EndPoint, err)
			}
		}

		l.auth, err = MakeAuth(chainID, sk)
		if err != nil {
			client.Close()
			return nil, err
		}
		l.eAddr = crypto.PubkeyToAddress(sk.PublicKey)
	}

	logger.Infow("ledger connected", "endpoint", opts.EndPoint, "identity", l.Self(), "registry", l.regAddr.Hex())

	return l, nil
}

func (l *Ledger) Close() {
	l.client.Close()
}

func (l *Ledger) Self() string {
	if l.auth == nil {
		return ""
	}
	return l.eAddr.Hex()
}

func (l *Ledger) Address() string {
	return l.regAddr.Hex()
}

func (l *Ledger) callTimeout() time.Duration {
	if l.opts.CallTimeout <= 0 {
		return 30 * time.Second
	}
	return l.opts.CallTimeout
}

func (l *Ledger) txTimeout() time.Duration {
	if l.opts.TxTimeout <= 0 {
		return 2 * time.Minute
	}
	return l.opts.TxTimeout
}

// call runs a view method and returns its raw outputs.
func (l *Ledger) call(ctx context.Context, ins *bind.BoundContract, method string, params ...interface{}) ([]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout())
	defer cancel()

	var out []interface{}
	err := ins.Call(&bind.CallOpts{Context: ctx, From: l.eAddr}, &out, method, params...)
	if err != nil {
		return nil, classify(method, err)
	}
	return out, nil
}

// transact sends method signed by this identity and waits for the receipt.
func (l *Ledger) transact(ctx context.Context, ins *bind.BoundContract, method string, params ...interface{}) error {
	if l.auth == nil {
		return classify(method, xerrors.New("ledger opened without a signing key"))
	}

	ctx, cancel := context.WithTimeout(ctx, l.txTimeout())
	defer cancel()

	auth := *l.auth
	auth.Context = ctx
	auth.GasLimit = l.opts.GasLimit

	tx, err := ins.Transact(&auth, method, params...)
	if err != nil {
		return classify(method, err)
	}

	logger.Debugw("tx sent", "method", method, "tx", tx.Hash().Hex(), "identity", l.Self())

	if err := checkTx(ctx, l.client, tx, method); err != nil {
		return classify(method, err)
	}
	return nil
}
