package shardring

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/shardring/internal/hash"
)

// MigrationConfig controls how keys are copied between shards during a topology change.
type MigrationConfig struct {
	// Parallelism is the number of keys migrated concurrently per operation.
	Parallelism int `yaml:"parallelism"`

	// MaxAttempts bounds the attempts of each migration stage (read, write, delete).
	MaxAttempts int `yaml:"maxAttempts"`

	// InitialBackoff is the delay before the second attempt of a failed stage.
	InitialBackoff time.Duration `yaml:"initialBackoff"`

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration `yaml:"maxBackoff"`

	// BackoffMultiplier grows the delay between attempts. Jitter is applied on top.
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`

	// AttemptTimeout bounds a single store call. The operation as a whole has no timeout.
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`

	// RetrySeed seeds the backoff jitter. Zero uses the global random source.
	RetrySeed int64 `yaml:"retrySeed"`
}

// HealthConfig configures the heartbeat-driven health feed.
type HealthConfig struct {
	// HeartbeatInterval is how often shard owners publish heartbeats.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// HeartbeatTTL is how long a heartbeat stays valid. A shard whose heartbeat
	// expires is marked Unavailable.
	// Recommended: 3x HeartbeatInterval.
	HeartbeatTTL time.Duration `yaml:"heartbeatTtl"`

	// HeartbeatPrefix is the key prefix of heartbeat entries.
	HeartbeatPrefix string `yaml:"heartbeatPrefix"`
}

// KVBucketConfig configures NATS JetStream KV bucket names.
type KVBucketConfig struct {
	// TopologyBucket stores the current topology snapshot and operation reports.
	TopologyBucket string `yaml:"topologyBucket"`

	// HeartbeatBucket stores shard heartbeats. It is created with HeartbeatTTL.
	HeartbeatBucket string `yaml:"heartbeatBucket"`
}

// Config is the configuration for the Router.
//
// All duration fields accept standard Go duration strings like "30s", "5m", "1h".
type Config struct {
	// VirtualNodesPerShard is the number of ring positions each shard owns.
	// More virtual nodes give a more even distribution at the cost of memory.
	VirtualNodesPerShard int `yaml:"virtualNodesPerShard"`

	// HashFunction selects the ring hash: "sha256" (default), "md5" or "xxh3".
	//
	// Changing it reshuffles every key; a router refuses to restore a topology
	// published with a different function.
	HashFunction string `yaml:"hashFunction"`

	// HashSeed seeds the xxh3 hash. Ignored by the other functions.
	HashSeed uint64 `yaml:"hashSeed"`

	// StalenessWindow is how many topology versions a caller of AssignAt may lag
	// behind. Zero only accepts the current version.
	StalenessWindow int64 `yaml:"stalenessWindow"`

	// Shards is the initial shard set used when no stored topology exists.
	Shards []string `yaml:"shards"`

	// Migration controls key migration.
	Migration MigrationConfig `yaml:"migration"`

	// Health controls heartbeat publishing and monitoring.
	Health HealthConfig `yaml:"health"`

	// KVBuckets controls NATS JetStream KV bucket names.
	KVBuckets KVBucketConfig `yaml:"kvBuckets"`

	// TopologyPollInterval is the fallback polling interval of follower routers.
	TopologyPollInterval time.Duration `yaml:"topologyPollInterval"`

	// OperationTimeout is the timeout for KV operations (get, put, delete).
	OperationTimeout time.Duration `yaml:"operationTimeout"`

	// StartupTimeout bounds Start, including topology restore.
	StartupTimeout time.Duration `yaml:"startupTimeout"`

	// ShutdownTimeout is the maximum time Stop waits for running operations.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// DefaultConfig returns a Config with sensible defaults.
//
// Returns:
//   - Config: Configuration with default values
func DefaultConfig() Config {
	return Config{
		VirtualNodesPerShard: hash.DefaultVirtualNodes,
		HashFunction:         hash.SHA256,
		StalenessWindow:      0,
		Migration: MigrationConfig{
			Parallelism:       8,
			MaxAttempts:       5,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			AttemptTimeout:    5 * time.Second,
		},
		Health: HealthConfig{
			HeartbeatInterval: 2 * time.Second,
			HeartbeatTTL:      6 * time.Second,
			HeartbeatPrefix:   "shard-hb",
		},
		KVBuckets: KVBucketConfig{
			TopologyBucket:  "shardring-topology",
			HeartbeatBucket: "shardring-heartbeat",
		},
		TopologyPollInterval: 5 * time.Second,
		OperationTimeout:     10 * time.Second,
		StartupTimeout:       30 * time.Second,
		ShutdownTimeout:      10 * time.Second,
	}
}

// SetDefaults fills in missing configuration values with production defaults.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func SetDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.VirtualNodesPerShard == 0 {
		cfg.VirtualNodesPerShard = defaults.VirtualNodesPerShard
	}
	if cfg.HashFunction == "" {
		cfg.HashFunction = defaults.HashFunction
	}
	if cfg.Migration.Parallelism == 0 {
		cfg.Migration.Parallelism = defaults.Migration.Parallelism
	}
	if cfg.Migration.MaxAttempts == 0 {
		cfg.Migration.MaxAttempts = defaults.Migration.MaxAttempts
	}
	if cfg.Migration.InitialBackoff == 0 {
		cfg.Migration.InitialBackoff = defaults.Migration.InitialBackoff
	}
	if cfg.Migration.MaxBackoff == 0 {
		cfg.Migration.MaxBackoff = defaults.Migration.MaxBackoff
	}
	if cfg.Migration.BackoffMultiplier == 0 {
		cfg.Migration.BackoffMultiplier = defaults.Migration.BackoffMultiplier
	}
	if cfg.Migration.AttemptTimeout == 0 {
		cfg.Migration.AttemptTimeout = defaults.Migration.AttemptTimeout
	}
	if cfg.Health.HeartbeatInterval == 0 {
		cfg.Health.HeartbeatInterval = defaults.Health.HeartbeatInterval
	}
	if cfg.Health.HeartbeatTTL == 0 {
		cfg.Health.HeartbeatTTL = 3 * cfg.Health.HeartbeatInterval
	}
	if cfg.Health.HeartbeatPrefix == "" {
		cfg.Health.HeartbeatPrefix = defaults.Health.HeartbeatPrefix
	}
	if cfg.KVBuckets.TopologyBucket == "" {
		cfg.KVBuckets.TopologyBucket = defaults.KVBuckets.TopologyBucket
	}
	if cfg.KVBuckets.HeartbeatBucket == "" {
		cfg.KVBuckets.HeartbeatBucket = defaults.KVBuckets.HeartbeatBucket
	}
	if cfg.TopologyPollInterval == 0 {
		cfg.TopologyPollInterval = defaults.TopologyPollInterval
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = defaults.OperationTimeout
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = defaults.StartupTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	// StalenessWindow of 0 is valid (current version only), so no default is applied.
}

// Validate checks configuration constraints and returns error for invalid values.
//
// Hard Validation Rules:
//   - VirtualNodesPerShard >= 1
//   - HashFunction is a known hash
//   - StalenessWindow >= 0
//   - Initial shard IDs are non-empty and unique
//   - Migration.Parallelism >= 1, Migration.MaxAttempts >= 1
//   - 0 < Migration.InitialBackoff <= Migration.MaxBackoff
//   - Migration.BackoffMultiplier >= 1
//   - HeartbeatTTL >= 2 * HeartbeatInterval (allow 1 missed heartbeat)
//
// Returns:
//   - error: Validation error with clear explanation, nil if valid
func (cfg *Config) Validate() error {
	if cfg.VirtualNodesPerShard < 1 {
		return fmt.Errorf("VirtualNodesPerShard must be >= 1, got %d", cfg.VirtualNodesPerShard)
	}

	if _, err := hash.New(cfg.HashFunction, cfg.HashSeed); err != nil {
		return err
	}

	if cfg.StalenessWindow < 0 {
		return fmt.Errorf("StalenessWindow must be >= 0, got %d", cfg.StalenessWindow)
	}

	seen := make(map[string]struct{}, len(cfg.Shards))
	for _, id := range cfg.Shards {
		if id == "" {
			return errors.New("Shards must not contain empty IDs")
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("Shards contains duplicate ID %q", id)
		}
		seen[id] = struct{}{}
	}

	m := cfg.Migration
	if m.Parallelism < 1 {
		return fmt.Errorf("Migration.Parallelism must be >= 1, got %d", m.Parallelism)
	}
	if m.MaxAttempts < 1 {
		return fmt.Errorf("Migration.MaxAttempts must be >= 1, got %d", m.MaxAttempts)
	}
	if m.InitialBackoff <= 0 {
		return fmt.Errorf("Migration.InitialBackoff must be > 0, got %v", m.InitialBackoff)
	}
	if m.MaxBackoff < m.InitialBackoff {
		return fmt.Errorf(
			"Migration.MaxBackoff (%v) must be >= Migration.InitialBackoff (%v)",
			m.MaxBackoff, m.InitialBackoff,
		)
	}
	if m.BackoffMultiplier < 1 {
		return fmt.Errorf("Migration.BackoffMultiplier must be >= 1, got %v", m.BackoffMultiplier)
	}

	if cfg.Health.HeartbeatTTL < 2*cfg.Health.HeartbeatInterval {
		return fmt.Errorf(
			"HeartbeatTTL (%v) must be >= 2*HeartbeatInterval (%v) to allow one missed heartbeat",
			cfg.Health.HeartbeatTTL, cfg.Health.HeartbeatInterval,
		)
	}

	return nil
}

// ValidateWithWarnings logs warnings for values that are valid but not recommended.
//
// This is called after Validate() in NewRouter() to provide operator guidance.
//
// Parameters:
//   - logger: Logger instance for warning output
func (cfg *Config) ValidateWithWarnings(logger Logger) {
	if cfg.VirtualNodesPerShard < 50 {
		logger.Warn(
			"VirtualNodesPerShard is low, key distribution may be uneven",
			"virtualNodesPerShard", cfg.VirtualNodesPerShard,
			"recommended", hash.DefaultVirtualNodes,
		)
	}

	if cfg.HashFunction == hash.XXH3 {
		logger.Warn(
			"xxh3 is not collision resistant, use it only for trusted keys",
			"hashFunction", cfg.HashFunction,
		)
	}

	if cfg.Migration.AttemptTimeout <= 0 {
		logger.Warn("Migration.AttemptTimeout is disabled, a hung store call blocks its worker")
	}

	if cfg.Migration.Parallelism > 256 {
		logger.Warn(
			"Migration.Parallelism is very high, shard backends may be overloaded",
			"parallelism", cfg.Migration.Parallelism,
		)
	}
}

// TestConfig returns a configuration optimized for fast test execution.
//
// Returns:
//   - Config: Configuration with fast timings for tests
//
// Example:
//
//	cfg := shardring.TestConfig()
//	cfg.Shards = []string{"a", "b", "c"}
//	router, err := shardring.NewRouter(&cfg, stores, stores)
func TestConfig() Config {
	cfg := DefaultConfig()

	cfg.Migration.InitialBackoff = time.Millisecond
	cfg.Migration.MaxBackoff = 10 * time.Millisecond
	cfg.Migration.AttemptTimeout = time.Second
	cfg.Migration.RetrySeed = 1
	cfg.Health.HeartbeatInterval = 100 * time.Millisecond
	cfg.Health.HeartbeatTTL = 300 * time.Millisecond
	cfg.TopologyPollInterval = 100 * time.Millisecond
	cfg.OperationTimeout = 2 * time.Second
	cfg.ShutdownTimeout = 2 * time.Second

	return cfg
}

// LoadConfig reads a YAML configuration file, applies defaults and validates it.
//
// Parameters:
//   - path: Path to the YAML file
//
// Returns:
//   - *Config: Loaded configuration
//   - error: Read, parse or validation error
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	SetDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return &cfg, nil
}
