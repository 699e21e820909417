package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"DATABASE_URL", "ETH_RPC_URL", "ETH_WS_URL", "RELAY_ENDPOINTS",
		"ADJUSTMENT_RELAYS", "OBJECT_STORE_BASE_URL", "AUXILIARY_BUILDER_ADDRESSES",
		"RPC_BATCH_SIZE", "RELAY_PRE_WAIT_MIN",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_FailsFastOnMissingRequiredVars(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "ETH_RPC_URL")
	assert.Contains(t, err.Error(), "ETH_WS_URL")
}

func TestLoad_AppliesDefaultsAndParsesCSVLists(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/ingestor")
	t.Setenv("ETH_RPC_URL", "https://rpc.example")
	t.Setenv("ETH_WS_URL", "wss://rpc.example")
	t.Setenv("RELAY_ENDPOINTS", "https://relay-a.example, https://relay-b.example")
	t.Setenv("AUXILIARY_BUILDER_ADDRESSES", "0xaaa,0xbbb")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://relay-a.example", "https://relay-b.example"}, cfg.RelayEndpoints)
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, cfg.AuxiliaryBuilderAddresses)
	assert.Equal(t, 50, cfg.RPCBatchSize)
	assert.Equal(t, 5*time.Minute, cfg.RelayPreWaitMin)
}

func TestLoad_RespectsOverriddenDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/ingestor")
	t.Setenv("ETH_RPC_URL", "https://rpc.example")
	t.Setenv("ETH_WS_URL", "wss://rpc.example")
	t.Setenv("RPC_BATCH_SIZE", "123")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 123, cfg.RPCBatchSize)
}
