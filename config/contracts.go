package config

import (
	"encoding/json"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/dstorage/go-dstor/lib/types"
)

const ContractsFile = "deployed-addresses.json"

// Contracts is the address book written by deployment. It is loaded once and
// passed by value.
type Contracts struct {
	RewardToken         string `json:"rewardToken"`
	StorageNodeRegistry string `json:"storageNodeRegistry"`
	FileRegistry        string `json:"fileRegistry"`
}

// LoadContracts reads the address book; any missing or malformed entry is a
// fatal ErrConfigMissing.
func LoadContracts(file string) (Contracts, error) {
	var c Contracts

	raw, err := os.ReadFile(file)
	if err != nil {
		return c, types.NewError(types.ErrConfigMissing, "load contracts", err)
	}

	if err := json.Unmarshal(raw, &c); err != nil {
		return c, types.NewError(types.ErrConfigMissing, "load contracts", errors.Wrapf(err, "parse %s", file))
	}

	if err := c.Validate(); err != nil {
		return c, types.NewError(types.ErrConfigMissing, "load contracts", errors.Wrap(err, file))
	}

	return c, nil
}

func (c Contracts) Validate() error {
	for name, addr := range map[string]string{
		"rewardToken":         c.RewardToken,
		"storageNodeRegistry": c.StorageNodeRegistry,
		"fileRegistry":        c.FileRegistry,
	} {
		if addr == "" {
			return errors.Errorf("%s address is empty", name)
		}
		if !common.IsHexAddress(addr) {
			return errors.Errorf("%s address %q is not a hex address", name, addr)
		}
	}
	return nil
}

func (c Contracts) WriteFile(file string) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(file, b, 0644)
}
