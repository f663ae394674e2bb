// Package config loads the execution core's static configuration from a
// YAML file, following the teacher's configs/config.go shape
// (Config.LoadConfig + ToXConfig conversion methods that translate the
// wire/YAML shape into the constructor types each component expects).
// RPC URLs come from this file (chains[].rpcUrl). Secrets (private key
// material, MySQL DSN, Redis address and password) are read from the
// environment by cmd/arbexecd, after godotenv loads an optional .env file,
// as the teacher's cmd/main.go reads ENC_PK/KEY via godotenv before
// constructing anything; this file only names the DSN and Redis-address
// environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/flashrelay/arbexec/internal/batchquote"
	"github.com/flashrelay/arbexec/internal/breaker"
	"github.com/flashrelay/arbexec/internal/flashloan"
	"github.com/flashrelay/arbexec/internal/lockconflict"
	"github.com/flashrelay/arbexec/internal/queue"
	"github.com/flashrelay/arbexec/internal/rpcprovider"
	"github.com/flashrelay/arbexec/pkg/types"
)

// Config is the entire static configuration structure from config.yml.
type Config struct {
	Chains             []ChainYAML              `yaml:"chains"`
	Queue              QueueYAML                 `yaml:"queue"`
	CircuitBreaker     CircuitBreakerYAML        `yaml:"circuitBreaker"`
	LockConflict       LockConflictYAML          `yaml:"lockConflict"`
	FlashLoanProviders []FlashLoanProviderYAML   `yaml:"flashLoanProviders"`
	HealthCheckIntervalSec int                   `yaml:"healthCheckIntervalSec"`
	Consumer           ConsumerYAML              `yaml:"consumer"`
	Simulation         SimulationYAML            `yaml:"simulation"`
	FeatureFlags       FeatureFlagsYAML          `yaml:"featureFlags"`
	MySQLDSNEnv        string                    `yaml:"mysqlDsnEnv"`
	RedisAddrEnv       string                    `yaml:"redisAddrEnv"`
}

// ChainYAML is one chain's RPC endpoint.
type ChainYAML struct {
	Chain  string `yaml:"chain"`
	RPCURL string `yaml:"rpcUrl"`
}

// QueueYAML maps directly onto queue.Config.
type QueueYAML struct {
	MaxSize       int `yaml:"maxSize"`
	HighWaterMark int `yaml:"highWaterMark"`
	LowWaterMark  int `yaml:"lowWaterMark"`
}

// CircuitBreakerYAML maps onto breaker.Config.
type CircuitBreakerYAML struct {
	Disabled                 bool `yaml:"disabled"`
	FailureThreshold         int  `yaml:"failureThreshold"`
	CooldownPeriodMs         int  `yaml:"cooldownPeriodMs"`
	HalfOpenSuccessThreshold int  `yaml:"halfOpenSuccessThreshold"`
	HalfOpenMaxAttempts     int  `yaml:"halfOpenMaxAttempts"`
}

// LockConflictYAML maps onto lockconflict.Config.
type LockConflictYAML struct {
	WindowMs          int64 `yaml:"windowMs"`
	MinAgeMs          int64 `yaml:"minAgeMs"`
	ConflictThreshold int   `yaml:"conflictThreshold"`
	MaxEntries        int   `yaml:"maxEntries"`
}

// FlashLoanProviderYAML is one row of the FLASH_LOAN_PROVIDERS table
// (spec.md §6's "flash-loan provider table (chain -> {protocol,
// pool/factory/vault address, fee bps, wrapper contract address, approved-
// router list})").
type FlashLoanProviderYAML struct {
	Chain            string   `yaml:"chain"`
	Protocol         string   `yaml:"protocol"`
	WrapperOrPool    string   `yaml:"wrapperOrPool"`
	ApprovedRouters  []string `yaml:"approvedRouters"`
	PancakeFactory   string   `yaml:"pancakeFactory"`
	PancakeFeeTier   int      `yaml:"pancakeFeeTier"`
	ReceiverContract string   `yaml:"receiverContract"`
	GasFallback      uint64   `yaml:"gasFallback"`
}

// ConsumerYAML configures the upstream stream consumer, including the
// stale-pending cleanup cadence spec.md §6 names ("0 disables cleanup").
type ConsumerYAML struct {
	Group                       string `yaml:"group"`
	ConsumerName                string `yaml:"consumerName"`
	StalePendingCleanupIntervalMs int  `yaml:"stalePendingCleanupIntervalMs"`
}

// SimulationYAML configures the external simulation collaborator's client
// (out of scope itself; only its config lives here).
type SimulationYAML struct {
	Enabled    bool   `yaml:"enabled"`
	Endpoint   string `yaml:"endpoint"`
	TimeoutMs  int    `yaml:"timeoutMs"`
}

// FeatureFlagsYAML is the static fallback for feature flags; the runtime
// source (internal/eventstream.FeatureFlags) takes precedence when reachable.
type FeatureFlagsYAML struct {
	UseBatchedQuoter bool `yaml:"useBatchedQuoter"`
}

// Load reads and parses path into a Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: failed to parse config YAML: %w", err)
	}
	return &c, nil
}

// ToQueueConfig converts to queue.Config.
func (c *Config) ToQueueConfig() queue.Config {
	return queue.Config{
		MaxSize:       c.Queue.MaxSize,
		HighWaterMark: c.Queue.HighWaterMark,
		LowWaterMark:  c.Queue.LowWaterMark,
	}
}

// ToBreakerConfig converts to breaker.Config.
func (c *Config) ToBreakerConfig() breaker.Config {
	return breaker.Config{
		Disabled:                 c.CircuitBreaker.Disabled,
		FailureThreshold:         c.CircuitBreaker.FailureThreshold,
		OpenDuration:             time.Duration(c.CircuitBreaker.CooldownPeriodMs) * time.Millisecond,
		HalfOpenSuccessThreshold: c.CircuitBreaker.HalfOpenSuccessThreshold,
		HalfOpenMaxAttempts:      c.CircuitBreaker.HalfOpenMaxAttempts,
	}
}

// ToLockConflictConfig converts to lockconflict.Config.
func (c *Config) ToLockConflictConfig() lockconflict.Config {
	return lockconflict.Config{
		WindowMs:          c.LockConflict.WindowMs,
		MinAgeMs:          c.LockConflict.MinAgeMs,
		ConflictThreshold: c.LockConflict.ConflictThreshold,
		MaxEntries:        c.LockConflict.MaxEntries,
	}
}

// ToChainConfigs converts to the rpcprovider.ChainConfig slice.
func (c *Config) ToChainConfigs() []rpcprovider.ChainConfig {
	out := make([]rpcprovider.ChainConfig, 0, len(c.Chains))
	for _, ch := range c.Chains {
		out = append(out, rpcprovider.ChainConfig{Chain: ch.Chain, RPCURL: ch.RPCURL})
	}
	return out
}

// ToProviderTable converts to the flashloan registry's static table, keyed
// by chain.
func (c *Config) ToProviderTable() map[string]flashloan.ProtocolConfig {
	table := make(map[string]flashloan.ProtocolConfig, len(c.FlashLoanProviders))
	for _, p := range c.FlashLoanProviders {
		table[p.Chain] = flashloan.ProtocolConfig{
			Protocol:         types.Protocol(p.Protocol),
			Chain:            p.Chain,
			WrapperOrPool:    common.HexToAddress(p.WrapperOrPool),
			ApprovedRouters:  p.ApprovedRouters,
			PancakeFactory:   common.HexToAddress(p.PancakeFactory),
			PancakeFeeTier:   p.PancakeFeeTier,
			ReceiverContract: common.HexToAddress(p.ReceiverContract),
			GasFallback:      p.GasFallback,
		}
	}
	return table
}

// ToBatchQuoteConfig converts to batchquote.Config.
func (c *Config) ToBatchQuoteConfig() batchquote.Config {
	return batchquote.Config{UseBatchedQuoter: c.FeatureFlags.UseBatchedQuoter}
}

// HealthCheckInterval returns the configured interval, defaulting to 30s
// per spec.md §4.6.
func (c *Config) HealthCheckInterval() time.Duration {
	if c.HealthCheckIntervalSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HealthCheckIntervalSec) * time.Second
}

// StalePendingCleanupInterval returns the configured cadence; 0 disables
// the cleanup timer entirely, per spec.md §6.
func (c *Config) StalePendingCleanupInterval() time.Duration {
	return time.Duration(c.Consumer.StalePendingCleanupIntervalMs) * time.Millisecond
}
