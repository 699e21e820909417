// Package config loads the ingestion pipeline's process configuration.
// The process interface is environment-variable configuration only; there
// is no config file or CLI flag surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved process configuration.
type Config struct {
	DatabaseURL string
	EthRPCURL   string
	EthWSURL    string

	// Relay endpoints this process collects from, e.g.
	// "https://relay.ultrasound.money,https://boost-relay.flashbots.net".
	RelayEndpoints []string

	// AdjustmentRelays is the subset of RelayEndpoints that publish
	// post-hoc bid adjustments.
	AdjustmentRelays []string

	// ObjectStoreBaseURL is the base URL of the date-partitioned archive
	// read by the block backfill stream.
	ObjectStoreBaseURL string

	// AuxiliaryBuilderAddresses are the fixed set of known auxiliary
	// builder addresses tracked alongside the fee recipient.
	AuxiliaryBuilderAddresses []string

	RPCBatchSize       int
	RPCMaxConcurrency  int
	BalanceBatchSize   int
	RPCRetryAttempts   int
	RPCBackoffBase     time.Duration
	RPCBackoffCap      time.Duration
	RPCAttemptTimeout  time.Duration

	RelayPageSize          int
	RelayRetryAttempts     int
	RelayPreWaitMin        time.Duration
	RelayPreWaitMax        time.Duration
	RelayRateLimitPerSec   float64
	RelayRateLimitBurst    int

	BackfillConcurrency   int
	BackfillChunkBlocks   uint64

	QueueCapacity         int
	ShutdownGracePeriod   time.Duration
	HeartbeatInterval     time.Duration
	ReconnectBackoffBase  time.Duration
	ReconnectBackoffCap   time.Duration

	DBPoolSize int
}

// Load resolves configuration from the process environment, applying
// documented defaults for every optional tunable. It fails fast when a
// required variable is missing.
func Load() (*Config, error) {
	cfg := &Config{
		RPCBatchSize:          getEnvInt("RPC_BATCH_SIZE", 50),
		RPCMaxConcurrency:     getEnvInt("RPC_MAX_CONCURRENCY", 8),
		BalanceBatchSize:      getEnvInt("RPC_BALANCE_BATCH_SIZE", 10),
		RPCRetryAttempts:      getEnvInt("RPC_RETRY_ATTEMPTS", 5),
		RPCBackoffBase:        getEnvDuration("RPC_BACKOFF_BASE", time.Second),
		RPCBackoffCap:         getEnvDuration("RPC_BACKOFF_CAP", 60*time.Second),
		RPCAttemptTimeout:     getEnvDuration("RPC_ATTEMPT_TIMEOUT", 30*time.Second),

		RelayPageSize:        getEnvInt("RELAY_PAGE_SIZE", 200),
		RelayRetryAttempts:   getEnvInt("RELAY_RETRY_ATTEMPTS", 5),
		RelayPreWaitMin:      getEnvDuration("RELAY_PRE_WAIT_MIN", 5*time.Minute),
		RelayPreWaitMax:      getEnvDuration("RELAY_PRE_WAIT_MAX", 10*time.Minute),
		RelayRateLimitPerSec: getEnvFloat("RELAY_RATE_LIMIT_PER_SEC", 5),
		RelayRateLimitBurst:  getEnvInt("RELAY_RATE_LIMIT_BURST", 10),

		BackfillConcurrency: getEnvInt("BACKFILL_CONCURRENCY", 8),
		BackfillChunkBlocks: uint64(getEnvInt("BACKFILL_CHUNK_BLOCKS", 10000)),

		QueueCapacity:        getEnvInt("LIVE_QUEUE_CAPACITY", 100),
		ShutdownGracePeriod:  getEnvDuration("SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		HeartbeatInterval:    getEnvDuration("WS_HEARTBEAT_INTERVAL", 20*time.Second),
		ReconnectBackoffBase: getEnvDuration("WS_RECONNECT_BACKOFF_BASE", time.Second),
		ReconnectBackoffCap:  getEnvDuration("WS_RECONNECT_BACKOFF_CAP", 60*time.Second),

		DBPoolSize: getEnvInt("DB_POOL_SIZE", 20),
	}

	var missing []string
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	cfg.EthRPCURL = os.Getenv("ETH_RPC_URL")
	if cfg.EthRPCURL == "" {
		missing = append(missing, "ETH_RPC_URL")
	}
	cfg.EthWSURL = os.Getenv("ETH_WS_URL")
	if cfg.EthWSURL == "" {
		missing = append(missing, "ETH_WS_URL")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	cfg.RelayEndpoints = splitCSV(os.Getenv("RELAY_ENDPOINTS"))
	cfg.AdjustmentRelays = splitCSV(os.Getenv("ADJUSTMENT_RELAYS"))
	cfg.ObjectStoreBaseURL = os.Getenv("OBJECT_STORE_BASE_URL")
	cfg.AuxiliaryBuilderAddresses = splitCSV(os.Getenv("AUXILIARY_BUILDER_ADDRESSES"))

	return cfg, nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
