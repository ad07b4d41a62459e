package settle

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	etypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/xerrors"

	logging "github.com/dstorage/go-dstor/lib/log"
	"github.com/dstorage/go-dstor/lib/types"
)

var logger = logging.Logger("settle")

const DefaultGasLimit = uint64(5000000)

// MakeAuth builds a signer for one identity on chainID.
func MakeAuth(chainID *big.Int, sk *ecdsa.PrivateKey) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(sk, chainID)
	if err != nil {
		return nil, xerrors.Errorf("new keyed transaction failed %s", err)
	}

	auth.Value = big.NewInt(0)
	return auth, nil
}

// LoadKey decrypts a keystore file.
func LoadKey(file, password string) (*ecdsa.PrivateKey, error) {
	kjson, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	key, err := keystore.DecryptKey(kjson, password)
	if err != nil {
		return nil, xerrors.Errorf("decrypt %s: %w", file, err)
	}
	return key.PrivateKey, nil
}

// ParseIdentity turns an identity string into an address.
func ParseIdentity(id string) (common.Address, error) {
	if !common.IsHexAddress(id) {
		return common.Address{}, xerrors.Errorf("identity %q is not a hex address", id)
	}
	return common.HexToAddress(id), nil
}

// checkTx waits for tx to be mined and fails on a reverted receipt.
func checkTx(ctx context.Context, b bind.DeployBackend, tx *etypes.Transaction, name string) error {
	receipt, err := bind.WaitMined(ctx, b, tx)
	if err != nil {
		return xerrors.Errorf("%s %s cann't get tx receipt: %w", name, tx.Hash(), err)
	}

	// 0 means fail
	if receipt.Status == etypes.ReceiptStatusFailed {
		if receipt.GasUsed == tx.Gas() {
			return xerrors.Errorf("%s %s transaction exceed gas limit", name, tx.Hash())
		}
		return xerrors.Errorf("%s %s transaction mined but execution failed", name, tx.Hash())
	}
	return nil
}

type revertKind struct {
	substr string
	kind   error
}

var nodeReverts = []revertKind{
	{"already registered", types.ErrAdmission},
	{"not registered", types.ErrAdmission},
	{"insufficient stake", types.ErrAdmission},
	{"insufficient allowance", types.ErrAdmission},
	{"exceeds allowance", types.ErrAdmission},
	{"exceeds balance", types.ErrAdmission},
}

var fileReverts = []revertKind{
	{"exists", types.ErrDuplicateContent},
	{"already registered", types.ErrDuplicateContent},
	{"not found", types.ErrNotFound},
	{"does not exist", types.ErrNotFound},
}

var opReverts = map[string][]revertKind{
	"registerFile": fileReverts,
	"shareFile":    fileReverts,
	"getFile":      fileReverts,
}

// classify maps a node error or revert reason of op onto the error
// taxonomy. Anything unrecognised is a ledger transaction failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	table, ok := opReverts[op]
	if !ok {
		table = nodeReverts
	}

	msg := strings.ToLower(err.Error())
	for _, rk := range table {
		if strings.Contains(msg, rk.substr) {
			return types.NewError(rk.kind, op, err)
		}
	}
	return types.NewError(types.ErrLedgerTransaction, op, err)
}
