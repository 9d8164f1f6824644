package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configuration settings for the node.
type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Ledger      LedgerConfig    `mapstructure:"ledger"`
	Registry    RegistryConfig  `mapstructure:"registry"`
	DAG         DAGConfig       `mapstructure:"dag"`
	Consensus   ConsensusConfig `mapstructure:"consensus"`
	Reward      RewardConfig    `mapstructure:"reward"`
	Challenge   ChallengeConfig `mapstructure:"challenge"`
	Relay       RelayConfig     `mapstructure:"relay"`
	Scheduler   SchedConfig     `mapstructure:"scheduler"`
	Security    SecurityConfig  `mapstructure:"security"`
	API         APIConfig       `mapstructure:"api"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	Embedded       bool          `mapstructure:"embedded"`
	EmbeddedPort   int           `mapstructure:"embedded_port"`
	DataDir        string        `mapstructure:"data_dir"`
	MaxConnections int           `mapstructure:"max_connections"`
	MinConnections int           `mapstructure:"min_connections"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// LedgerConfig holds token and staking parameters. Amounts are base units,
// rates are basis points.
type LedgerConfig struct {
	MaxSupply       uint64        `mapstructure:"max_supply"`
	MinStake        uint64        `mapstructure:"min_stake"`
	StakeAPYBps     uint64        `mapstructure:"stake_apy_bps"`
	UnstakeCooldown time.Duration `mapstructure:"unstake_cooldown"`
}

// RegistryConfig holds node registration and reputation parameters.
// Reputation and efficiency scores live on a 0..10000 scale.
type RegistryConfig struct {
	MaxNodesPerOwner    int    `mapstructure:"max_nodes_per_owner"`
	InitialReputation   uint32 `mapstructure:"initial_reputation"`
	InitialEfficiency   uint32 `mapstructure:"initial_efficiency"`
	ThreatPoints        uint32 `mapstructure:"threat_points"`
	UptimeBonusPoints   uint32 `mapstructure:"uptime_bonus_points"`
	EfficiencyBonus     uint32 `mapstructure:"efficiency_bonus_points"`
	EfficiencyThreshold uint32 `mapstructure:"efficiency_threshold"`
	DecayBpsPerDay      uint32 `mapstructure:"decay_bps_per_day"`
}

// DAGConfig holds transaction graph processing parameters.
type DAGConfig struct {
	StorePath          string   `mapstructure:"store_path"`
	BatchSize          int      `mapstructure:"batch_size"`
	LargeValue         uint64   `mapstructure:"large_value"`
	LargePayloadBytes  int      `mapstructure:"large_payload_bytes"`
	AlertThreshold     uint32   `mapstructure:"alert_threshold"`
	SensitiveSelectors []string `mapstructure:"sensitive_selectors"`
}

// ConsensusConfig holds threat alert consensus parameters.
type ConsensusConfig struct {
	ConfirmationThreshold int      `mapstructure:"confirmation_threshold"`
	SourceLedger          string   `mapstructure:"source_ledger"`
	TargetLedgers         []string `mapstructure:"target_ledgers"`
}

// RewardConfig holds issuance parameters. Rates are basis points of the base
// reward unless noted.
type RewardConfig struct {
	DailyRateBps        uint64 `mapstructure:"daily_rate_bps"`
	ReputationMultBps   uint64 `mapstructure:"reputation_mult_bps"`
	EfficiencyRateBps   uint64 `mapstructure:"efficiency_rate_bps"`
	UptimeRateBps       uint64 `mapstructure:"uptime_rate_bps"`
	PerThreatReward     uint64 `mapstructure:"per_threat_reward"`
	XPDivisor           uint64 `mapstructure:"xp_divisor"`
	XPPerLevel          uint64 `mapstructure:"xp_per_level"`
	LevelUpBonus        uint64 `mapstructure:"level_up_bonus"`
	EfficiencyThreshold uint32 `mapstructure:"efficiency_threshold"`
}

// ChallengeConfig holds leaderboard challenge parameters.
type ChallengeConfig struct {
	WinnerXPBonus uint64 `mapstructure:"winner_xp_bonus"`
}

// RelayConfig holds cross-ledger relay transport settings.
type RelayConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	ListenAddrs   []string      `mapstructure:"listen_addrs"`
	Topic         string        `mapstructure:"topic"`
	PublishExpiry time.Duration `mapstructure:"publish_expiry"`
}

// SchedConfig holds maintenance scheduling settings. Schedules use cron
// expressions with a seconds field.
type SchedConfig struct {
	DecaySchedule     string `mapstructure:"decay_schedule"`
	ChallengeSchedule string `mapstructure:"challenge_schedule"`
	RelaySchedule     string `mapstructure:"relay_schedule"`
	MaxConcurrent     int    `mapstructure:"max_concurrent"`
}

// SecurityConfig holds operator and attestation settings.
type SecurityConfig struct {
	OperatorID  string        `mapstructure:"operator_id"`
	KeyFile     string        `mapstructure:"key_file"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

// APIConfig holds the read-only HTTP query surface settings.
type APIConfig struct {
	Port int `mapstructure:"port"`
}

// Load reads the configuration file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// A missing config file is fine, defaults and env vars still apply.
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("DAGSHIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	// Ledger defaults
	v.SetDefault("ledger.max_supply", uint64(10_000_000_000))
	v.SetDefault("ledger.min_stake", uint64(1_000))
	v.SetDefault("ledger.stake_apy_bps", uint64(1250))
	v.SetDefault("ledger.unstake_cooldown", (7 * 24 * time.Hour).String())

	// Registry defaults
	v.SetDefault("registry.max_nodes_per_owner", 10)
	v.SetDefault("registry.initial_reputation", 5000)
	v.SetDefault("registry.initial_efficiency", 7000)
	v.SetDefault("registry.threat_points", 10)
	v.SetDefault("registry.uptime_bonus_points", 50)
	v.SetDefault("registry.efficiency_bonus_points", 25)
	v.SetDefault("registry.efficiency_threshold", 8000)
	v.SetDefault("registry.decay_bps_per_day", 50)

	// DAG defaults
	v.SetDefault("dag.store_path", "data/dag")
	v.SetDefault("dag.batch_size", 100)
	v.SetDefault("dag.large_value", uint64(1_000_000))
	v.SetDefault("dag.large_payload_bytes", 1024)
	v.SetDefault("dag.alert_threshold", 70)
	v.SetDefault("dag.sensitive_selectors", []string{
		"a9059cbb", // transfer
		"23b872dd", // transferFrom
		"095ea7b3", // approve
		"2e1a7d4d", // withdraw
	})

	// Consensus defaults
	v.SetDefault("consensus.confirmation_threshold", 3)
	v.SetDefault("consensus.source_ledger", "u2u-nebulas")
	v.SetDefault("consensus.target_ledgers", []string{})

	// Reward defaults
	v.SetDefault("reward.daily_rate_bps", uint64(10))
	v.SetDefault("reward.reputation_mult_bps", uint64(5000))
	v.SetDefault("reward.efficiency_rate_bps", uint64(2500))
	v.SetDefault("reward.uptime_rate_bps", uint64(2000))
	v.SetDefault("reward.per_threat_reward", uint64(10))
	v.SetDefault("reward.xp_divisor", uint64(10))
	v.SetDefault("reward.xp_per_level", uint64(1000))
	v.SetDefault("reward.level_up_bonus", uint64(100))
	v.SetDefault("reward.efficiency_threshold", 8000)

	// Challenge defaults
	v.SetDefault("challenge.winner_xp_bonus", uint64(500))

	// Relay defaults
	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.listen_addrs", []string{"/ip4/0.0.0.0/tcp/4002"})
	v.SetDefault("relay.topic", "dagshield/relay/v1")
	v.SetDefault("relay.publish_expiry", "1m")

	// Scheduler defaults
	v.SetDefault("scheduler.decay_schedule", "0 0 * * * *")
	v.SetDefault("scheduler.challenge_schedule", "0 */5 * * * *")
	v.SetDefault("scheduler.relay_schedule", "30 * * * * *")
	v.SetDefault("scheduler.max_concurrent", 4)

	// Security defaults
	v.SetDefault("security.operator_id", "")
	v.SetDefault("security.token_expiry", "24h")

	// Database defaults
	v.SetDefault("database.embedded", false)
	v.SetDefault("database.embedded_port", 5433)
	v.SetDefault("database.data_dir", "data/postgres")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.timeout", "30s")

	// API defaults
	v.SetDefault("api.port", 8080)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.validateLedger(); err != nil {
		return fmt.Errorf("ledger config: %w", err)
	}
	if err := c.validateRegistry(); err != nil {
		return fmt.Errorf("registry config: %w", err)
	}
	if err := c.validateDAG(); err != nil {
		return fmt.Errorf("dag config: %w", err)
	}
	if err := c.validateConsensus(); err != nil {
		return fmt.Errorf("consensus config: %w", err)
	}
	if err := c.validateReward(); err != nil {
		return fmt.Errorf("reward config: %w", err)
	}
	if err := c.validateAPI(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}
	return nil
}

func (c *Config) validateLedger() error {
	if c.Ledger.MaxSupply == 0 {
		return fmt.Errorf("max_supply must be positive")
	}
	if c.Ledger.MinStake == 0 {
		return fmt.Errorf("min_stake must be positive")
	}
	if c.Ledger.MinStake > c.Ledger.MaxSupply {
		return fmt.Errorf("min_stake (%d) cannot exceed max_supply (%d)",
			c.Ledger.MinStake, c.Ledger.MaxSupply)
	}
	if c.Ledger.UnstakeCooldown < 0 {
		return fmt.Errorf("unstake_cooldown cannot be negative")
	}
	return nil
}

func (c *Config) validateRegistry() error {
	if c.Registry.MaxNodesPerOwner <= 0 {
		return fmt.Errorf("max_nodes_per_owner must be positive")
	}
	if c.Registry.InitialReputation > 10000 {
		return fmt.Errorf("initial_reputation must be within [0,10000]")
	}
	if c.Registry.InitialEfficiency > 10000 {
		return fmt.Errorf("initial_efficiency must be within [0,10000]")
	}
	if c.Registry.EfficiencyThreshold > 10000 {
		return fmt.Errorf("efficiency_threshold must be within [0,10000]")
	}
	return nil
}

func (c *Config) validateDAG() error {
	if c.DAG.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.DAG.AlertThreshold > 100 {
		return fmt.Errorf("alert_threshold must be within [0,100]")
	}
	return nil
}

func (c *Config) validateConsensus() error {
	if c.Consensus.ConfirmationThreshold <= 0 {
		return fmt.Errorf("confirmation_threshold must be positive")
	}
	if c.Consensus.SourceLedger == "" {
		return fmt.Errorf("source_ledger cannot be empty")
	}
	return nil
}

func (c *Config) validateReward() error {
	if c.Reward.XPDivisor == 0 {
		return fmt.Errorf("xp_divisor must be positive")
	}
	if c.Reward.XPPerLevel == 0 {
		return fmt.Errorf("xp_per_level must be positive")
	}
	if c.Reward.EfficiencyThreshold > 10000 {
		return fmt.Errorf("efficiency_threshold must be within [0,10000]")
	}
	return nil
}

func (c *Config) validateAPI() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", c.API.Port)
	}
	return nil
}

// GetLogLevel returns a zap log level based on the configured string.
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development.
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
