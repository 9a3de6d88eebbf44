// Package config provides configuration management for the trading daemon.
// The option set is closed: unknown keys fail the load.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize when fields are unset.
const (
	defaultOrderFillTimeoutMs   = 30_000
	defaultReconcileIntervalMs  = 60_000
	defaultHealthIntervalMs     = 10_000
	defaultBackupIntervalMs     = 3_600_000
	defaultBackupRetention      = 24
	defaultTriggerBudget        = 20
	defaultCooldownMs           = 300_000
	defaultMaxConsecutiveErrors = 5
	defaultErrorWindowMs        = 120_000
	defaultListenAddr           = ":8080"
	defaultWSConnsPerIP         = 5
)

var (
	strategyNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)
	instrumentRe   = regexp.MustCompile(`^[A-Z]+-[A-Z]+(-[A-Z]+)?$`)
)

// Config is the complete daemon configuration.
type Config struct {
	Environment  EnvironmentConfig  `yaml:"environment"`
	Broker       BrokerConfig       `yaml:"broker"`
	Risk         RiskConfig         `yaml:"risk"`
	Trading      TradingConfig      `yaml:"trading"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Storage      StorageConfig      `yaml:"storage"`
	Server       ServerConfig       `yaml:"server"`
	Alert        AlertConfig        `yaml:"alert"`
}

// EnvironmentConfig selects runtime mode and logging.
type EnvironmentConfig struct {
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig holds venue settings. Credentials come from the
// environment via ${VAR} expansion and are never logged.
type BrokerConfig struct {
	Provider     string `yaml:"provider"`
	Env          string `yaml:"broker_env"` // live | testnet
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// RiskConfig drives the position sizer.
type RiskConfig struct {
	Mode           string  `yaml:"risk_mode"` // percent | fixed
	Value          float64 `yaml:"risk_value"`
	MaxLeverageCap float64 `yaml:"max_leverage_cap"`
	WarnLeverage   float64 `yaml:"warn_leverage"`
	MinTradeAmount float64 `yaml:"min_trade_amount"`
}

// TradingConfig times the executor loop. Interval fields are integer
// milliseconds, matching the wire-facing option set.
type TradingConfig struct {
	OrderFillTimeoutMs    int     `yaml:"order_fill_timeout_ms"`
	ReconcileIntervalMs   int     `yaml:"reconcile_interval_ms"`
	CooldownMs            int     `yaml:"cooldown_ms"`
	TriggerBudget         int     `yaml:"trigger_budget"`
	MaxConsecutiveErrors  int     `yaml:"max_consecutive_errors"`
	ErrorWindowMs         int     `yaml:"error_window_ms"`
	FallbackStopLossPct   float64 `yaml:"fallback_stop_loss_pct"`
	FallbackTakeProfitPct float64 `yaml:"fallback_take_profit_pct"`
	CandleTimeframe       string  `yaml:"candle_timeframe"`
}

// OrchestratorConfig bounds the worker pool.
type OrchestratorConfig struct {
	DefaultMaxWorkers int `yaml:"default_max_workers"`
	QueueSize         int `yaml:"queue_size"`
}

// StorageConfig locates the durable stores.
type StorageConfig struct {
	DataDir           string `yaml:"data_dir"`
	TradesDB          string `yaml:"trades_db"`
	UsersDB           string `yaml:"users_db"`
	BackupIntervalMs  int    `yaml:"backup_interval_ms"`
	BackupRetention   int    `yaml:"backup_retention"`
	HealthIntervalMs  int    `yaml:"health_check_interval_ms"`
}

// ServerConfig shapes the HTTP/WS surface.
type ServerConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	JWTSecret    string `yaml:"jwt_secret"`
	WSConnsPerIP int    `yaml:"ws_conns_per_ip"`
}

// AlertConfig routes operator alerts.
type AlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	AuditPath  string `yaml:"audit_path"`
}

// Load reads, env-expands, parses, normalizes, and validates the file.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = "deriv"
	}
	if c.Trading.OrderFillTimeoutMs == 0 {
		c.Trading.OrderFillTimeoutMs = defaultOrderFillTimeoutMs
	}
	if c.Trading.ReconcileIntervalMs == 0 {
		c.Trading.ReconcileIntervalMs = defaultReconcileIntervalMs
	}
	if c.Trading.CooldownMs == 0 {
		c.Trading.CooldownMs = defaultCooldownMs
	}
	if c.Trading.TriggerBudget == 0 {
		c.Trading.TriggerBudget = defaultTriggerBudget
	}
	if c.Trading.MaxConsecutiveErrors == 0 {
		c.Trading.MaxConsecutiveErrors = defaultMaxConsecutiveErrors
	}
	if c.Trading.ErrorWindowMs == 0 {
		c.Trading.ErrorWindowMs = defaultErrorWindowMs
	}
	if c.Trading.CandleTimeframe == "" {
		c.Trading.CandleTimeframe = "1"
	}
	if c.Orchestrator.DefaultMaxWorkers == 0 {
		c.Orchestrator.DefaultMaxWorkers = 1
	}
	if c.Orchestrator.QueueSize == 0 {
		c.Orchestrator.QueueSize = 64
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.BackupIntervalMs == 0 {
		c.Storage.BackupIntervalMs = defaultBackupIntervalMs
	}
	if c.Storage.BackupRetention == 0 {
		c.Storage.BackupRetention = defaultBackupRetention
	}
	if c.Storage.HealthIntervalMs == 0 {
		c.Storage.HealthIntervalMs = defaultHealthIntervalMs
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = defaultListenAddr
	}
	if c.Server.WSConnsPerIP == 0 {
		c.Server.WSConnsPerIP = defaultWSConnsPerIP
	}
}

// Validate checks all configuration values. Credentials are checked for
// presence only; values never appear in error messages.
func (c *Config) Validate() error {
	if c.Broker.Env != "live" && c.Broker.Env != "testnet" {
		return fmt.Errorf("broker.broker_env must be 'live' or 'testnet'")
	}
	if c.Broker.ClientID == "" || c.Broker.ClientSecret == "" {
		return fmt.Errorf("broker.client_id and broker.client_secret are required")
	}

	if c.Risk.Mode != "percent" && c.Risk.Mode != "fixed" {
		return fmt.Errorf("risk.risk_mode must be 'percent' or 'fixed'")
	}
	if c.Risk.Mode == "percent" && (c.Risk.Value <= 0 || c.Risk.Value > 100) {
		return fmt.Errorf("risk.risk_value must be in (0,100] for percent mode")
	}
	if c.Risk.Mode == "fixed" && c.Risk.Value <= 0 {
		return fmt.Errorf("risk.risk_value must be > 0 for fixed mode")
	}
	if c.Risk.MaxLeverageCap < 0 {
		return fmt.Errorf("risk.max_leverage_cap must be >= 0")
	}
	if c.Risk.MinTradeAmount < 0 {
		return fmt.Errorf("risk.min_trade_amount must be >= 0")
	}

	if c.Trading.OrderFillTimeoutMs <= 0 {
		return fmt.Errorf("trading.order_fill_timeout_ms must be > 0")
	}
	if c.Trading.ReconcileIntervalMs <= 0 {
		return fmt.Errorf("trading.reconcile_interval_ms must be > 0")
	}
	if c.Trading.TriggerBudget < 3 {
		return fmt.Errorf("trading.trigger_budget must be >= 3 (two legs plus headroom)")
	}
	if c.Trading.FallbackStopLossPct < 0 || c.Trading.FallbackStopLossPct >= 100 {
		return fmt.Errorf("trading.fallback_stop_loss_pct must be in [0,100)")
	}
	if c.Trading.FallbackTakeProfitPct < 0 {
		return fmt.Errorf("trading.fallback_take_profit_pct must be >= 0")
	}

	if c.Orchestrator.DefaultMaxWorkers <= 0 {
		return fmt.Errorf("orchestrator.default_max_workers must be > 0")
	}

	if c.Storage.BackupRetention <= 0 {
		return fmt.Errorf("storage.backup_retention must be > 0")
	}

	if c.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required")
	}
	if len(c.Server.JWTSecret) < 32 {
		return fmt.Errorf("server.jwt_secret must be at least 32 bytes")
	}
	return nil
}

// IsTestnet reports whether the daemon trades against the test venue.
func (c *Config) IsTestnet() bool { return c.Broker.Env == "testnet" }

// Duration helpers for the millisecond interval fields.

func (t TradingConfig) OrderFillTimeout() time.Duration {
	return time.Duration(t.OrderFillTimeoutMs) * time.Millisecond
}

func (t TradingConfig) ReconcileInterval() time.Duration {
	return time.Duration(t.ReconcileIntervalMs) * time.Millisecond
}

func (t TradingConfig) Cooldown() time.Duration {
	return time.Duration(t.CooldownMs) * time.Millisecond
}

func (t TradingConfig) ErrorWindow() time.Duration {
	return time.Duration(t.ErrorWindowMs) * time.Millisecond
}

func (s StorageConfig) BackupInterval() time.Duration {
	return time.Duration(s.BackupIntervalMs) * time.Millisecond
}

func (s StorageConfig) HealthInterval() time.Duration {
	return time.Duration(s.HealthIntervalMs) * time.Millisecond
}

// ValidStrategyName checks the request-facing strategy name rule.
func ValidStrategyName(name string) bool { return strategyNameRe.MatchString(name) }

// ValidInstrument checks the request-facing instrument symbol rule.
func ValidInstrument(symbol string) bool { return instrumentRe.MatchString(symbol) }
