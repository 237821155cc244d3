package config

// Package config provides a reusable loader for Synapse configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"synapse/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// FailoverConfig mirrors §6's failover_config shape.
type FailoverConfig struct {
	Enabled           bool    `mapstructure:"enabled" json:"enabled"`
	MaxRetries        int     `mapstructure:"max_retries" json:"max_retries"`
	RetryDelayMS      int     `mapstructure:"retry_delay_ms" json:"retry_delay_ms"`
	MaxRetryDelayMS   int     `mapstructure:"max_retry_delay_ms" json:"max_retry_delay_ms"`
	FailureThreshold  float64 `mapstructure:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeoutMS int     `mapstructure:"recovery_timeout_ms" json:"recovery_timeout_ms"`
}

// CircuitBreakerConfig mirrors §4.1's configuration knobs.
type CircuitBreakerConfig struct {
	FailureThreshold  int     `mapstructure:"failure_threshold" json:"failure_threshold"`
	MinimumRequests   int     `mapstructure:"minimum_requests" json:"minimum_requests"`
	FailureWindowMS   int     `mapstructure:"failure_window_ms" json:"failure_window_ms"`
	RecoveryTimeoutMS int     `mapstructure:"recovery_timeout_ms" json:"recovery_timeout_ms"`
	HalfOpenMaxCalls  int     `mapstructure:"half_open_max_calls" json:"half_open_max_calls"`
	SuccessThreshold  float64 `mapstructure:"success_threshold" json:"success_threshold"`
}

// TransportManagerConfig is §6's "Selection-policy configuration" shape.
type TransportManagerConfig struct {
	EnabledTransports       []string                     `mapstructure:"enabled_transports" json:"enabled_transports"`
	SelectionPolicy         string                       `mapstructure:"selection_policy" json:"selection_policy"`
	Failover                FailoverConfig               `mapstructure:"failover_config" json:"failover_config"`
	OperationTimeoutMS      int                          `mapstructure:"operation_timeout_ms" json:"operation_timeout_ms"`
	MetricsUpdateIntervalMS int                          `mapstructure:"metrics_update_interval_ms" json:"metrics_update_interval_ms"`
	CircuitBreaker          CircuitBreakerConfig         `mapstructure:"circuit_breaker_config" json:"circuit_breaker_config"`
	TransportConfigs        map[string]map[string]string `mapstructure:"transport_configs" json:"transport_configs"`
}

// StakingSection is §6's "staking" subsection of the blockchain config.
type StakingSection struct {
	MinStakeAmount       uint64  `mapstructure:"min_stake_amount" json:"min_stake_amount"`
	MaxStakeAmount       uint64  `mapstructure:"max_stake_amount" json:"max_stake_amount"`
	MinStakeForReport    uint64  `mapstructure:"min_stake_for_report" json:"min_stake_for_report"`
	MinStakeForConsensus uint64  `mapstructure:"min_stake_for_consensus" json:"min_stake_for_consensus"`
	SlashPercentage      float64 `mapstructure:"slash_percentage" json:"slash_percentage"`
}

// TrustDecaySection is §6's "trust_decay" subsection.
type TrustDecaySection struct {
	MonthlyDecayRate        float64 `mapstructure:"monthly_decay_rate" json:"monthly_decay_rate"`
	MinActivityDays         uint64  `mapstructure:"min_activity_days" json:"min_activity_days"`
	DecayCheckIntervalHours uint64  `mapstructure:"decay_check_interval_hours" json:"decay_check_interval_hours"`
}

// BlockchainSection is §6's "Blockchain configuration" shape.
type BlockchainSection struct {
	GenesisTrustPoints      uint32            `mapstructure:"genesis_trust_points" json:"genesis_trust_points"`
	BlockTimeSeconds        uint64            `mapstructure:"block_time_seconds" json:"block_time_seconds"`
	MinConsensusNodes       int               `mapstructure:"min_consensus_nodes" json:"min_consensus_nodes"`
	MinTrustScore           float64           `mapstructure:"min_trust_score" json:"min_trust_score"`
	MaxPendingTxPerBlock    int               `mapstructure:"max_pending_tx_per_block" json:"max_pending_tx_per_block"`
	MaxTransactionsPerBlock int               `mapstructure:"max_transactions_per_block" json:"max_transactions_per_block"`
	Staking                 StakingSection    `mapstructure:"staking" json:"staking"`
	TrustDecay              TrustDecaySection `mapstructure:"trust_decay" json:"trust_decay"`
}

// Config represents the unified configuration for a Synapse node. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Transport  TransportManagerConfig `mapstructure:"transport" json:"transport"`
	Blockchain BlockchainSection      `mapstructure:"blockchain" json:"blockchain"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is
// loaded.
func Load(env string) (*Config, error) {
	// Best effort: a missing .env is normal outside of local development.
	_ = godotenv.Load(".env")

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SYNAPSE_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SYNAPSE_ENV", ""))
}
