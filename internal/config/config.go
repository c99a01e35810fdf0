// Package config defines all configuration for the arbitrage core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Kalshi      VenueConfig       `mapstructure:"kalshi"`
	Polymarket  VenueConfig       `mapstructure:"polymarket"`
	Pairs       []PairConfig      `mapstructure:"pairs"`
	Detection   DetectionConfig   `mapstructure:"detection"`
	Degradation DegradationConfig `mapstructure:"degradation"`
	Alert       AlertConfig       `mapstructure:"alert"`
	Store       StoreConfig       `mapstructure:"store"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// VenueConfig holds connection and credential settings for one venue.
// Kalshi uses KeyID/PrivateKeyPEM for RSA-PSS request signing.
// Polymarket uses WalletPrivateKey to derive L1/L2 credentials at
// startup; ApiKey/Secret/Passphrase may be pre-supplied to skip
// derivation.
type VenueConfig struct {
	BaseURL              string `mapstructure:"base_url"`
	WSURL                string `mapstructure:"ws_url"`
	KeyID                string `mapstructure:"key_id"`
	PrivateKeyPEM        string `mapstructure:"private_key_pem"`
	WalletPrivateKey     string `mapstructure:"wallet_private_key"`
	ChainID              int    `mapstructure:"chain_id"`
	ApiKey               string `mapstructure:"api_key"`
	Secret               string `mapstructure:"secret"`
	Passphrase           string `mapstructure:"passphrase"`
	MaxReconnectAttempts int    `mapstructure:"max_reconnect_attempts"`
}

// PairConfig is the YAML shape of one ContractPairConfig entry.
type PairConfig struct {
	KalshiContractID     string `mapstructure:"kalshi_contract_id"`
	PolymarketContractID string `mapstructure:"polymarket_contract_id"`
	EventDescription     string `mapstructure:"event_description"`
	PrimaryLeg           string `mapstructure:"primary_leg"`
}

// DetectionConfig tunes the edge calculator and the detection cadence.
type DetectionConfig struct {
	BaseMinEdge        string        `mapstructure:"base_min_edge"`
	GasEstimateUSD      string        `mapstructure:"gas_estimate_usd"`
	PositionSizeUSD     string        `mapstructure:"position_size_usd"`
	CycleInterval       time.Duration `mapstructure:"cycle_interval"`
	IngestionInterval   time.Duration `mapstructure:"ingestion_interval"`
}

// DegradationConfig tunes the health/degradation protocol.
//
//   - ThresholdMultiplier: factor applied to BaseMinEdge for healthy
//     venues when any other venue is degraded (default 1.5).
//   - ProtocolResyncThreshold/Window: N protocol-resync failures within
//     Window auto-activate degradation with reason "protocol_resync"
//     (resolved as configuration here).
//   - StalenessThreshold/Window: the same rule applied to repeated book
//     staleness drops, activating with reason "data_stale".
type DegradationConfig struct {
	ThresholdMultiplier     float64       `mapstructure:"threshold_multiplier"`
	ProtocolResyncThreshold int           `mapstructure:"protocol_resync_threshold"`
	ProtocolResyncWindow    time.Duration `mapstructure:"protocol_resync_window"`
	StalenessThreshold      int           `mapstructure:"staleness_threshold"`
	StalenessWindow         time.Duration `mapstructure:"staleness_window"`
}

// AlertConfig controls the external alert channel and its circuit breaker.
type AlertConfig struct {
	WebhookURL           string        `mapstructure:"webhook_url"`
	BufferSize           int           `mapstructure:"buffer_size"`
	SendTimeout          time.Duration `mapstructure:"send_timeout"`
	CircuitBreakThreshold int          `mapstructure:"circuit_break_threshold"`
	CircuitBreakDuration  time.Duration `mapstructure:"circuit_break_duration"`
	MaxRetries            int          `mapstructure:"max_retries"`
}

// StoreConfig sets where snapshots/health/audit logs are persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_KALSHI_PRIVATE_KEY_PEM,
// ARB_POLYMARKET_WALLET_PRIVATE_KEY, ARB_POLYMARKET_API_KEY,
// ARB_POLYMARKET_SECRET, ARB_POLYMARKET_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("degradation.threshold_multiplier", 1.5)
	v.SetDefault("degradation.protocol_resync_threshold", 3)
	v.SetDefault("degradation.protocol_resync_window", 60*time.Second)
	v.SetDefault("degradation.staleness_threshold", 3)
	v.SetDefault("degradation.staleness_window", 60*time.Second)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("ARB_KALSHI_KEY_ID"); key != "" {
		cfg.Kalshi.KeyID = key
	}
	if pem := os.Getenv("ARB_KALSHI_PRIVATE_KEY_PEM"); pem != "" {
		cfg.Kalshi.PrivateKeyPEM = pem
	}
	if key := os.Getenv("ARB_POLYMARKET_WALLET_PRIVATE_KEY"); key != "" {
		cfg.Polymarket.WalletPrivateKey = key
	}
	if key := os.Getenv("ARB_POLYMARKET_API_KEY"); key != "" {
		cfg.Polymarket.ApiKey = key
	}
	if secret := os.Getenv("ARB_POLYMARKET_SECRET"); secret != "" {
		cfg.Polymarket.Secret = secret
	}
	if pass := os.Getenv("ARB_POLYMARKET_PASSPHRASE"); pass != "" {
		cfg.Polymarket.Passphrase = pass
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges, fatal at startup.
func (c *Config) Validate() error {
	if c.Kalshi.BaseURL == "" {
		return fmt.Errorf("kalshi.base_url is required")
	}
	if c.Kalshi.KeyID == "" || c.Kalshi.PrivateKeyPEM == "" {
		return fmt.Errorf("kalshi.key_id and kalshi.private_key_pem are required")
	}
	if c.Polymarket.BaseURL == "" {
		return fmt.Errorf("polymarket.base_url is required")
	}
	if c.Polymarket.WalletPrivateKey == "" {
		return fmt.Errorf("polymarket.wallet_private_key is required (set ARB_POLYMARKET_WALLET_PRIVATE_KEY)")
	}
	if c.Polymarket.ChainID == 0 {
		return fmt.Errorf("polymarket.chain_id is required (137 for mainnet)")
	}
	if len(c.Pairs) == 0 {
		return fmt.Errorf("at least one entry in pairs is required")
	}
	for i, p := range c.Pairs {
		if p.KalshiContractID == "" || p.PolymarketContractID == "" {
			return fmt.Errorf("pairs[%d]: kalshi_contract_id and polymarket_contract_id are required", i)
		}
		switch p.PrimaryLeg {
		case "kalshi", "polymarket":
		default:
			return fmt.Errorf("pairs[%d]: primary_leg must be kalshi or polymarket", i)
		}
	}
	if c.Detection.BaseMinEdge == "" {
		return fmt.Errorf("detection.base_min_edge is required")
	}
	if c.Detection.PositionSizeUSD == "" {
		return fmt.Errorf("detection.position_size_usd is required")
	}
	if c.Degradation.ThresholdMultiplier <= 0 {
		return fmt.Errorf("degradation.threshold_multiplier must be > 0")
	}
	if c.Degradation.ProtocolResyncThreshold <= 0 {
		return fmt.Errorf("degradation.protocol_resync_threshold must be > 0")
	}
	if c.Alert.BufferSize <= 0 {
		return fmt.Errorf("alert.buffer_size must be > 0")
	}
	if c.Alert.CircuitBreakThreshold <= 0 {
		return fmt.Errorf("alert.circuit_break_threshold must be > 0")
	}
	return nil
}
