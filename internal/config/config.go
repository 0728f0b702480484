// Package config defines all configuration for the execution core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/grimmolf/traderterminal/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Ingress  IngressConfig        `mapstructure:"ingress"`
	Accounts []AccountGroupConfig `mapstructure:"account_groups"`
	Brokers  map[string]Broker    `mapstructure:"brokers"`
	Sim      SimConfig            `mapstructure:"simulator"`
	Tracker  TrackerConfig        `mapstructure:"tracker"`
	Store    StoreConfig          `mapstructure:"store"`
	Creds    CredsConfig          `mapstructure:"credentials"`
	Logging  LoggingConfig        `mapstructure:"logging"`
}

// ServerConfig binds the HTTP/WS surface.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// IngressConfig tunes webhook validation.
//
//   - Secret: shared HMAC secret. Empty = development mode (warn per request).
//   - RatePerMinute / Burst: per-source-IP token bucket.
//   - ReplayWindow: max skew between the payload ts field and receipt time.
//   - MaxBodyBytes: request bodies larger than this are rejected outright.
//   - QueueSize: router inbound channel capacity; full = back-pressure refusal.
//   - IdempotencyTTL: how long a seen alert_id suppresses re-dispatch.
//   - ProcessingBudget: deadline inherited by all downstream calls per alert.
type IngressConfig struct {
	Secret           string        `mapstructure:"secret"`
	RatePerMinute    float64       `mapstructure:"rate_per_minute"`
	Burst            int           `mapstructure:"burst"`
	ReplayWindow     time.Duration `mapstructure:"replay_window"`
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes"`
	QueueSize        int           `mapstructure:"queue_size"`
	IdempotencyTTL   time.Duration `mapstructure:"idempotency_ttl"`
	ProcessingBudget time.Duration `mapstructure:"processing_budget"`
}

// AccountGroupConfig maps a routing key to an execution backend. A key with
// the paper_ prefix always routes to the simulator (or a broker sandbox).
type AccountGroupConfig struct {
	Key            string             `mapstructure:"key"`
	Backend        string             `mapstructure:"backend"` // simulator | tradovate | tastytrade | schwab | topstepx
	LiveAccountID  string             `mapstructure:"live_account_id"`
	Sandbox        bool               `mapstructure:"sandbox"`
	InitialBalance float64            `mapstructure:"initial_balance"` // paper accounts only
	RiskProfile    *types.FundedRules `mapstructure:"risk_profile"`
}

// IsPaperPrefix reports whether the key names a paper route.
func (g AccountGroupConfig) IsPaperPrefix() bool {
	return strings.HasPrefix(g.Key, "paper_")
}

// AccountID resolves the account identifier used by the backend: the live
// account for live routes, otherwise the group key itself.
func (g AccountGroupConfig) AccountID() string {
	if g.LiveAccountID != "" {
		return g.LiveAccountID
	}
	return g.Key
}

// Broker holds the transport settings for one live broker backend.
// Credentials are NOT here — only locators; secrets come from the cred store.
type Broker struct {
	BaseURL    string        `mapstructure:"base_url"`
	SandboxURL string        `mapstructure:"sandbox_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	CredsScope string        `mapstructure:"creds_scope"` // credential store namespace
}

// SymbolSpec describes one tradeable instrument for the simulator.
type SymbolSpec struct {
	Symbol       string           `mapstructure:"symbol"`
	AssetClass   types.AssetClass `mapstructure:"asset_class"`
	TickSize     float64          `mapstructure:"tick_size"`
	Multiplier   float64          `mapstructure:"multiplier"`
	BaseSlippage float64          `mapstructure:"base_slippage"` // ticks at liquidity factor 1.0
	AvgVolume    float64          `mapstructure:"avg_volume"`    // per-order normalization for sqrt impact
	SeedPrice    float64          `mapstructure:"seed_price"`    // starting quote when no feed is attached
}

// SimConfig tunes the paper matching engine.
//
//   - LiquidityRegular/Extended: slippage multipliers per session; closed
//     sessions queue the order until the next open.
//   - Commission tables: futures are per-contract, equities per-share with a
//     minimum per order.
//   - QuoteInterval: cadence of the internal tick source for configured symbols.
type SimConfig struct {
	InitialBalance     float64       `mapstructure:"initial_balance"`
	LiquidityRegular   float64       `mapstructure:"liquidity_regular"`
	LiquidityExtended  float64       `mapstructure:"liquidity_extended"`
	FuturesPerContract float64       `mapstructure:"futures_per_contract"`
	EquitiesPerShare   float64       `mapstructure:"equities_per_share"`
	EquitiesMin        float64       `mapstructure:"equities_min"`
	RegulatoryFee      float64       `mapstructure:"regulatory_fee"`
	ExchangeFee        float64       `mapstructure:"exchange_fee"`
	QuoteInterval      time.Duration `mapstructure:"quote_interval"`
	Symbols            []SymbolSpec  `mapstructure:"symbols"`
}

// SymbolSpecFor returns the spec for a symbol, or a conservative default.
func (c SimConfig) SymbolSpecFor(symbol string) SymbolSpec {
	for _, s := range c.Symbols {
		if s.Symbol == symbol {
			return s
		}
	}
	return SymbolSpec{
		Symbol:       symbol,
		AssetClass:   types.AssetEquities,
		TickSize:     0.01,
		Multiplier:   1,
		BaseSlippage: 1,
		AvgVolume:    1000,
		SeedPrice:    100,
	}
}

// TrackerConfig sets the strategy performance defaults. Per-strategy values
// registered at runtime override these.
type TrackerConfig struct {
	SetSize           int     `mapstructure:"set_size"`
	EvaluationWindow  int     `mapstructure:"evaluation_window"`
	MinWinRate        float64 `mapstructure:"min_win_rate"`
	FailureThreshold  int     `mapstructure:"consecutive_failure_threshold"`
	SuccessThreshold  int     `mapstructure:"consecutive_success_threshold"`
	MinPaperTrades    int     `mapstructure:"min_paper_trades"`
	PassingSetWinRate float64 `mapstructure:"passing_set_win_rate"`
}

// StoreConfig sets where streams and snapshots are persisted.
type StoreConfig struct {
	Path           string        `mapstructure:"path"` // sqlite database file
	DegradedBuffer time.Duration `mapstructure:"degraded_buffer"`
	Retention      time.Duration `mapstructure:"retention"`
}

// CredsConfig locates the secret material. Values are locators only.
type CredsConfig struct {
	EnvFile       string `mapstructure:"env_file"`       // optional .env
	EncryptedFile string `mapstructure:"encrypted_file"` // AES-GCM JSON vault
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TT_WEBHOOK_SECRET, TT_CREDS_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if secret := os.Getenv("TT_WEBHOOK_SECRET"); secret != "" {
		cfg.Ingress.Secret = secret
	}

	return cfg, nil
}

// Defaults returns a Config pre-filled with the documented defaults so a
// minimal YAML file is enough to run the simulator.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8765},
		Ingress: IngressConfig{
			RatePerMinute:    50,
			Burst:            10,
			ReplayWindow:     5 * time.Minute,
			MaxBodyBytes:     64 * 1024,
			QueueSize:        1024,
			IdempotencyTTL:   24 * time.Hour,
			ProcessingBudget: 5 * time.Second,
		},
		Sim: SimConfig{
			InitialBalance:     50_000,
			LiquidityRegular:   1.0,
			LiquidityExtended:  2.5,
			FuturesPerContract: 2.25,
			EquitiesPerShare:   0.005,
			EquitiesMin:        1.00,
			RegulatoryFee:      0.02,
			ExchangeFee:        1.28,
			QuoteInterval:      time.Second,
		},
		Tracker: TrackerConfig{
			SetSize:           20,
			EvaluationWindow:  20,
			MinWinRate:        0.40,
			FailureThreshold:  2,
			SuccessThreshold:  2,
			MinPaperTrades:    100,
			PassingSetWinRate: 0.55,
		},
		Store: StoreConfig{
			Path:           "data/terminal.db",
			DegradedBuffer: 30 * time.Second,
			Retention:      30 * 24 * time.Hour,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// GroupByKey returns the account group for a routing key.
func (c *Config) GroupByKey(key string) (AccountGroupConfig, bool) {
	for _, g := range c.Accounts {
		if g.Key == key {
			return g, true
		}
	}
	return AccountGroupConfig{}, false
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Ingress.QueueSize <= 0 {
		return fmt.Errorf("ingress.queue_size must be > 0")
	}
	if c.Ingress.RatePerMinute <= 0 {
		return fmt.Errorf("ingress.rate_per_minute must be > 0")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account_groups entry is required")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for _, g := range c.Accounts {
		if g.Key == "" {
			return fmt.Errorf("account_groups: key is required")
		}
		if seen[g.Key] {
			return fmt.Errorf("account_groups: duplicate key %q", g.Key)
		}
		seen[g.Key] = true
		switch g.Backend {
		case "simulator", "tradovate", "tastytrade", "schwab", "topstepx":
		default:
			return fmt.Errorf("account_groups %q: unknown backend %q", g.Key, g.Backend)
		}
		if g.Backend != "simulator" && !g.Sandbox && g.LiveAccountID == "" {
			return fmt.Errorf("account_groups %q: live_account_id is required for live backends", g.Key)
		}
		if g.Backend != "simulator" {
			if _, ok := c.Brokers[g.Backend]; !ok {
				return fmt.Errorf("account_groups %q: no brokers.%s section configured", g.Key, g.Backend)
			}
		}
	}
	if c.Tracker.SetSize <= 0 {
		return fmt.Errorf("tracker.set_size must be > 0")
	}
	if c.Tracker.MinWinRate <= 0 || c.Tracker.MinWinRate >= 1 {
		return fmt.Errorf("tracker.min_win_rate must be in (0, 1)")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}
