// Package params holds the engine's runtime configuration: the EIP-712
// domain, risk tier overrides, settlement batching and retry knobs, the
// broadcaster's liveness windows, and reconciliation bounds. A YAML file is
// loaded through viper with CLOB_* environment overrides; a .env file is
// read first so secrets never have to live in the YAML.
package params

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig is the REST/WebSocket front door.
type ServerConfig struct {
	ListenAddr     string   `mapstructure:"listen_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DomainConfig pins the EIP-712 typed-data domain orders are signed under.
// Name and Version are fixed by the exchange contract ("CTFExchange", "1");
// ChainID and VerifyingContract vary per deployment.
type DomainConfig struct {
	ChainID           int64  `mapstructure:"chain_id"`
	VerifyingContract string `mapstructure:"verifying_contract"`
}

// TierLimitsConfig overrides one tier's defaults. Amount fields are decimal
// strings in base units (10^18 scale); empty means keep the default.
type TierLimitsConfig struct {
	MaxOrderSize     string `mapstructure:"max_order_size"`
	MaxExposure      string `mapstructure:"max_exposure"`
	MaxOrdersPerMin  int    `mapstructure:"max_orders_per_min"`
	MaxWithdrawalDay string `mapstructure:"max_withdrawal_day"`
}

// RiskConfig carries per-tier limit overrides keyed by tier name
// (STANDARD, PREMIUM, VIP).
type RiskConfig struct {
	Tiers map[string]TierLimitsConfig `mapstructure:"tiers"`
}

// SettlementConfig bounds epoch cuts and chain-sink retries.
type SettlementConfig struct {
	MaxBatchSize int           `mapstructure:"max_batch_size"`
	CutInterval  time.Duration `mapstructure:"cut_interval"`
	MaxRetries   int           `mapstructure:"max_retries"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// BroadcastConfig sets the subscriber liveness windows.
type BroadcastConfig struct {
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

// ReconciliationConfig sets the sweep cadence and drift threshold.
type ReconciliationConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Threshold float64       `mapstructure:"threshold"`
}

// StorageConfig sets where Pebble keeps the engine's recoverable state.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig selects level and output for zap.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	LogFile string `mapstructure:"log_file"`
}

// Config is the top-level configuration, mapping 1:1 onto the YAML file.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Domain         DomainConfig         `mapstructure:"domain"`
	Risk           RiskConfig           `mapstructure:"risk"`
	Settlement     SettlementConfig     `mapstructure:"settlement"`
	Broadcast      BroadcastConfig      `mapstructure:"broadcast"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Storage        StorageConfig        `mapstructure:"storage"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:     ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Domain: DomainConfig{
			ChainID:           1337,
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Settlement: SettlementConfig{
			MaxBatchSize: 100,
			CutInterval:  30 * time.Second,
			MaxRetries:   3,
			BaseDelay:    time.Second,
			MaxDelay:     30 * time.Second,
		},
		Broadcast: BroadcastConfig{
			SweepInterval:    30 * time.Second,
			HeartbeatTimeout: 60 * time.Second,
		},
		Reconciliation: ReconciliationConfig{
			Interval:  60 * time.Second,
			Threshold: 0.0001,
		},
		Storage: StorageConfig{
			DataDir: "data/engine",
		},
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "data/engine.log",
		},
	}
}

// Load reads configuration with priority ENV > YAML file > defaults. A
// missing YAML file is not an error (defaults apply); a malformed one is.
// The .env file at envPath ("" means ./.env) is loaded first so CLOB_*
// variables can be supplied without exporting them.
func Load(path, envPath string) (Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("CLOB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return cfg, fmt.Errorf("params: read config: %w", err)
			}
			if err := v.Unmarshal(&cfg); err != nil {
				return cfg, fmt.Errorf("params: unmarshal config: %w", err)
			}
			// viper lowercases map keys; restore the upper-case tier names.
			for name, lim := range cfg.Risk.Tiers {
				if upper := strings.ToUpper(name); upper != name {
					delete(cfg.Risk.Tiers, name)
					cfg.Risk.Tiers[upper] = lim
				}
			}
		}
	}

	// Deployment-critical fields get explicit env overrides so they can be
	// set without a YAML file present.
	if chainID := v.GetInt64("domain.chain_id"); chainID != 0 {
		cfg.Domain.ChainID = chainID
	}
	if contract := os.Getenv("CLOB_VERIFYING_CONTRACT"); contract != "" {
		cfg.Domain.VerifyingContract = contract
	}
	if addr := os.Getenv("CLOB_LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if dir := os.Getenv("CLOB_DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the components would refuse at
// construction time, so misconfiguration fails at startup instead of on
// the first sweep.
func (c *Config) Validate() error {
	if c.Settlement.MaxBatchSize <= 0 || c.Settlement.MaxBatchSize > 100 {
		return fmt.Errorf("params: settlement.max_batch_size must be in [1, 100], got %d", c.Settlement.MaxBatchSize)
	}
	if c.Settlement.MaxRetries < 0 {
		return fmt.Errorf("params: settlement.max_retries must be >= 0")
	}
	if c.Settlement.BaseDelay <= 0 || c.Settlement.MaxDelay < c.Settlement.BaseDelay {
		return fmt.Errorf("params: settlement retry delays invalid: base %s, max %s", c.Settlement.BaseDelay, c.Settlement.MaxDelay)
	}
	if c.Reconciliation.Interval < time.Second {
		return fmt.Errorf("params: reconciliation.interval must be at least 1s, got %s", c.Reconciliation.Interval)
	}
	if c.Reconciliation.Threshold <= 0 || c.Reconciliation.Threshold > 1 {
		return fmt.Errorf("params: reconciliation.threshold must be in (0, 1], got %v", c.Reconciliation.Threshold)
	}
	if c.Broadcast.SweepInterval <= 0 || c.Broadcast.HeartbeatTimeout <= 0 {
		return fmt.Errorf("params: broadcast liveness windows must be positive")
	}
	for name := range c.Risk.Tiers {
		switch name {
		case "STANDARD", "PREMIUM", "VIP":
		default:
			return fmt.Errorf("params: unknown risk tier %q", name)
		}
	}
	return nil
}
