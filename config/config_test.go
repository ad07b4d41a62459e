package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dstorage/go-dstor/lib/types"
)

func TestConfig(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ConfigFile)

	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Set("agent.workers", "8"))
	require.NoError(t, cfg.Set("agent.pinPolicy", "assigned"))
	require.NoError(t, cfg.Set("agent.heartbeatInterval", "30m"))
	require.NoError(t, cfg.WriteFile(file))

	got, err := ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, 8, got.Agent.Workers)
	assert.Equal(t, PinAssigned, got.Agent.PinPolicy)
	assert.Equal(t, 30*time.Minute, got.Agent.HeartbeatInterval.Std())
	assert.Equal(t, cfg, got)

	v, err := got.Get("chain.endPoint")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8545", v)

	_, err = got.Get("chain.nope")
	assert.Error(t, err)
}

func TestConfigValidators(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Error(t, cfg.Set("agent.pinPolicy", "some"))
	assert.Error(t, cfg.Set("agent.workers", "0"))
	assert.Error(t, cfg.Set("identity.endpointScheme", "ftp"))
	assert.Error(t, cfg.Set("agent.unknown", "1"))

	assert.Equal(t, PinAll, cfg.Agent.PinPolicy)
	assert.Equal(t, 4, cfg.Agent.Workers)
}

func TestReadPartialConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), ConfigFile)
	require.NoError(t, os.WriteFile(file, []byte(`{"agent":{"workers":2}}`), 0644))

	cfg, err := ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Agent.Workers)
	assert.Equal(t, time.Hour, cfg.Agent.HeartbeatInterval.Std())
	assert.Equal(t, "http://127.0.0.1:5001", cfg.Content.APIURL)
}

func TestLoadContracts(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ContractsFile)

	_, err := LoadContracts(file)
	assert.ErrorIs(t, err, types.ErrConfigMissing)

	c := Contracts{
		RewardToken:         "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		StorageNodeRegistry: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512",
		FileRegistry:        "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0",
	}
	require.NoError(t, c.WriteFile(file))

	got, err := LoadContracts(file)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	require.NoError(t, os.WriteFile(file, []byte(`{"rewardToken":"0x5FbDB2315678afecb367f032d93F642f64180aa3"}`), 0644))
	_, err = LoadContracts(file)
	assert.ErrorIs(t, err, types.ErrConfigMissing)
}
