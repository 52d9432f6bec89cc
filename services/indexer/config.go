package indexer

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/chainlens/streaming-indexer/infrastructure/chain"
)

// Config holds every environment-driven setting the indexer composition
// root needs to construct its RPC pools, session manager, control surface
// and storage backend.
type Config struct {
	// RPC endpoints, one comma-separated list per chain.
	EthereumRPCURLs string `env:"ETHEREUM_RPC_URLS"`
	LiskRPCURLs     string `env:"LISK_RPC_URLS"`
	StarknetRPCURLs string `env:"STARKNET_RPC_URLS"`

	// Subscription contract addresses, one per chain; empty disables tier
	// resolution for that chain (every caller gets TierFree).
	SubscriptionContractEthereum string `env:"SUBSCRIPTION_CONTRACT_ETHEREUM"`
	SubscriptionContractLisk     string `env:"SUBSCRIPTION_CONTRACT_LISK"`
	SubscriptionContractStarknet string `env:"SUBSCRIPTION_CONTRACT_STARKNET"`

	// Session planning and execution.
	ChunkSize        uint64        `env:"CHUNK_SIZE_BLOCKS,default=200000"`
	ChunkFloor       uint64        `env:"CHUNK_FLOOR_BLOCKS,default=1000"`
	MaxChunkRetries  int           `env:"MAX_CHUNK_RETRIES,default=5"`
	MaxConcurrency   int           `env:"MAX_CONCURRENCY,default=8"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT,default=30s"`
	DeploymentProbes int           `env:"DEPLOYMENT_SEARCH_PROBES,default=40"`

	// RPC pool tuning: failover retry budget and the backoff bounds applied
	// between a chunk's retry attempts.
	RPCMaxRetries  int `env:"RPC_MAX_RETRIES,default=3"`
	RPCBaseDelayMS int `env:"RPC_BASE_DELAY_MS,default=2000"`
	RPCMaxDelayMS  int `env:"RPC_MAX_DELAY_MS,default=30000"`

	// Per-endpoint circuit breaker: consecutive failures before an endpoint
	// opens, and its initial cooldown once open.
	CircuitFailureThreshold int `env:"CIRCUIT_FAILURE_THRESHOLD,default=5"`
	CircuitCooldownMS       int `env:"CIRCUIT_COOLDOWN_MS,default=30000"`

	// SessionHardDeadlineMS is the hard deadline for Free/Starter sessions;
	// Pro/Enterprise sessions always get the fixed 6h the spec reserves for
	// them (see IndexerSession.HardDeadline).
	SessionHardDeadlineMS int `env:"SESSION_HARD_DEADLINE_MS,default=3600000"`

	// Logging.
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	// HTTP surfaces.
	ControlAddr string `env:"CONTROL_ADDR,default=:8080"`
	MetricsAddr string `env:"METRICS_ADDR,default=:9090"`

	// Storage backend: "memory" or "postgres".
	StorageBackend   string `env:"STORAGE_BACKEND,default=memory"`
	PostgresHost     string `env:"POSTGRES_HOST"`
	PostgresPort     int    `env:"POSTGRES_PORT,default=5432"`
	PostgresDB       string `env:"POSTGRES_DB,default=indexer"`
	PostgresUser     string `env:"POSTGRES_USER,default=postgres"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"`
	PostgresSSLMode  string `env:"POSTGRES_SSLMODE,default=require"`

	// Health Monitor.
	HealthSnapshotInterval time.Duration `env:"HEALTH_SNAPSHOT_INTERVAL,default=15s"`

	// RedisURL, if set, backs the deployment-block cache with Redis so a
	// restarted process doesn't re-run binary search for contracts it has
	// already resolved. Empty keeps the cache in-process only.
	RedisURL string `env:"REDIS_URL"`
}

// LoadFromEnv loads an optional .env file, then decodes the environment
// into a Config with the field defaults above applied for anything unset.
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "no target field") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}
	return cfg, nil
}

// Validate checks that the configuration can build a working service: at
// least one chain must have RPC endpoints configured, and a postgres
// backend must name a host.
func (c *Config) Validate() error {
	if c.EthereumRPCURLs == "" && c.LiskRPCURLs == "" && c.StarknetRPCURLs == "" {
		return fmt.Errorf("at least one of ETHEREUM_RPC_URLS, LISK_RPC_URLS, STARKNET_RPC_URLS is required")
	}
	if c.ChunkSize == 0 {
		return fmt.Errorf("CHUNK_SIZE_BLOCKS must be positive")
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENCY must be at least 1")
	}
	switch c.StorageBackend {
	case "memory":
	case "postgres":
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST required when STORAGE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("invalid STORAGE_BACKEND %q (must be memory or postgres)", c.StorageBackend)
	}
	return nil
}

// RPCPoolConfig builds a chain.RPCPoolConfig for urls using this config's
// circuit-breaker tuning, so every pool the composition root builds (the
// per-chain indexing pool and any subscription-resolver pool) opens its
// circuit at the same threshold and cooldown.
func (c *Config) RPCPoolConfig(urls []string) *chain.RPCPoolConfig {
	return &chain.RPCPoolConfig{
		Endpoints:           urls,
		MaxConsecutiveFails: c.CircuitFailureThreshold,
		CircuitCooldown:     time.Duration(c.CircuitCooldownMS) * time.Millisecond,
	}
}

// PostgresDSN returns the PostgreSQL connection string built from the
// isolated Postgres fields.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresDB,
		c.PostgresUser, c.PostgresPassword, c.PostgresSSLMode,
	)
}
