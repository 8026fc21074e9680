// Package config defines the engine's top-level configuration and
// validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/avdeev/tradeforge/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by TRADEFORGE_* environment
// variables.
type Config struct {
	Mode     string `toml:"mode"` // "trade" or "backtest"
	LogLevel string `toml:"log_level"`

	Exchange ExchangeConfig `toml:"exchange"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Engine   EngineConfig   `toml:"engine"`
	Risk     RiskConfig     `toml:"risk"`
	Bots     []BotConfig    `toml:"bots"`
	Backtest BacktestConfig `toml:"backtest"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
}

// ExchangeConfig holds venue endpoints and credentials. Credentials may be
// supplied raw or as an encrypted file plus password.
type ExchangeConfig struct {
	BaseURL            string `toml:"base_url"`
	WsURL              string `toml:"ws_url"`
	APIKey             string `toml:"api_key"`
	APISecret          string `toml:"api_secret"`
	EncryptedCredsPath string `toml:"encrypted_creds_path"`
	CredsPassword      string `toml:"creds_password"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled, the engine
// runs on the in-process market-data cache.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for archiving.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EngineConfig holds the shared engine parameters.
type EngineConfig struct {
	InitialCash  float64           `toml:"initial_cash"`
	MaxBots      int               `toml:"max_bots"`
	MaxPositions int               `toml:"max_positions"`
	CacheEntries int               `toml:"cache_entries"`
	SectorCap    float64           `toml:"sector_cap"`
	Sectors      map[string]string `toml:"sectors"` // symbol -> sector label
}

// RiskConfig selects a risk profile or supplies custom limits.
type RiskConfig struct {
	Profile string `toml:"profile"` // conservative | moderate | aggressive | custom

	// Custom limits, used only when profile = "custom".
	MaxPortfolioRisk      float64 `toml:"max_portfolio_risk"`
	MaxPositionRisk       float64 `toml:"max_position_risk"`
	MaxSinglePosition     float64 `toml:"max_single_position"`
	MaxCorrelatedExposure float64 `toml:"max_correlated_exposure"`
	MaxDrawdown           float64 `toml:"max_drawdown"`
	VaRConfidence         float64 `toml:"var_confidence"`

	KellyEnabled bool `toml:"kelly_enabled"`

	// Correlations lists pairwise return-correlation estimates.
	Correlations []CorrelationEntry `toml:"correlations"`
}

// CorrelationEntry is one symbol-pair correlation estimate.
type CorrelationEntry struct {
	A     string  `toml:"a"`
	B     string  `toml:"b"`
	Value float64 `toml:"value"`
}

// BotConfig declares one bot to start in trade mode.
type BotConfig struct {
	ID               string         `toml:"id"`
	Owner            string         `toml:"owner"`
	Symbol           string         `toml:"symbol"`
	Timeframe        string         `toml:"timeframe"`
	Strategy         string         `toml:"strategy"`
	Params           map[string]any `toml:"params"`
	PositionFraction float64        `toml:"position_fraction"`
	StopLossPct      float64        `toml:"stop_loss_pct"`
	TakeProfitPct    float64        `toml:"take_profit_pct"`
	TrailingStopPct  float64        `toml:"trailing_stop_pct"`
	MaxPositions     int            `toml:"max_positions"`
	EvalInterval     duration       `toml:"eval_interval"`
}

// BacktestConfig declares the run executed in backtest mode. Candles come
// from DataFile (JSON array of bars) when set, otherwise they are fetched
// from the exchange.
type BacktestConfig struct {
	Symbol           string         `toml:"symbol"`
	Timeframe        string         `toml:"timeframe"`
	Strategy         string         `toml:"strategy"`
	Params           map[string]any `toml:"params"`
	InitialCapital   float64        `toml:"initial_capital"`
	CommissionRate   float64        `toml:"commission_rate"`
	SlippageRate     float64        `toml:"slippage_rate"`
	MinTradeNotional float64        `toml:"min_trade_notional"`
	MaxPositions     int            `toml:"max_positions"`
	MaxHoldingBars   int            `toml:"max_holding_bars"`
	PositionFraction float64        `toml:"position_fraction"`
	StopLossPct      float64        `toml:"stop_loss_pct"`
	TakeProfitPct    float64        `toml:"take_profit_pct"`
	TrailingStopPct  float64        `toml:"trailing_stop_pct"`
	DataFile         string         `toml:"data_file"`
	CandleLimit      int            `toml:"candle_limit"`
}

// ArchiveConfig controls trade-history archival to blob storage.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// NotifyConfig holds operator notification channels. Events filters which
// event types are delivered; empty means all.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration for TOML decoding from strings like "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Defaults returns the built-in configuration a TOML file is merged onto.
func Defaults() Config {
	return Config{
		Mode:     "trade",
		LogLevel: "info",
		Postgres: PostgresConfig{
			Port:          5432,
			SSLMode:       "disable",
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Engine: EngineConfig{
			InitialCash:  10_000,
			MaxBots:      20,
			MaxPositions: 10,
			CacheEntries: 1024,
		},
		Risk: RiskConfig{
			Profile:      string(domain.ProfileModerate),
			KellyEnabled: true,
		},
		Backtest: BacktestConfig{
			InitialCapital:   10_000,
			CommissionRate:   0.001,
			PositionFraction: 0.1,
			MaxPositions:     5,
			CandleLimit:      1000,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
	}
}

// RiskLimits resolves the configured risk profile into concrete limits.
func (c *Config) RiskLimits() (domain.RiskLimits, error) {
	profile := domain.RiskProfile(c.Risk.Profile)
	if profile == domain.ProfileCustom {
		limits := domain.RiskLimits{
			MaxPortfolioRisk:      c.Risk.MaxPortfolioRisk,
			MaxPositionRisk:       c.Risk.MaxPositionRisk,
			MaxSinglePosition:     c.Risk.MaxSinglePosition,
			MaxCorrelatedExposure: c.Risk.MaxCorrelatedExposure,
			MaxDrawdown:           c.Risk.MaxDrawdown,
			VaRConfidence:         c.Risk.VaRConfidence,
		}
		if err := limits.Validate(); err != nil {
			return domain.RiskLimits{}, err
		}
		return limits, nil
	}
	return domain.LimitsForProfile(profile)
}

// Correlations converts the configured entries into the risk manager's
// pair map.
func (c *Config) Correlations() map[[2]string]float64 {
	out := make(map[[2]string]float64, len(c.Risk.Correlations))
	for _, e := range c.Risk.Correlations {
		out[[2]string{e.A, e.B}] = e.Value
	}
	return out
}

// Validate checks the configuration for obvious mistakes. It is called once
// at startup after Load.
func (c *Config) Validate() error {
	switch c.Mode {
	case "trade", "backtest":
	default:
		return fmt.Errorf("config: mode %q must be \"trade\" or \"backtest\"", c.Mode)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log_level %q unknown", c.LogLevel)
	}

	if _, err := c.RiskLimits(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if c.Engine.InitialCash <= 0 {
		return fmt.Errorf("config: engine.initial_cash must be positive")
	}
	if c.Engine.MaxBots <= 0 {
		return fmt.Errorf("config: engine.max_bots must be positive")
	}

	if c.Mode == "trade" {
		for i, b := range c.Bots {
			if b.Symbol == "" {
				return fmt.Errorf("config: bots[%d]: symbol is required", i)
			}
			if b.Strategy == "" {
				return fmt.Errorf("config: bots[%d]: strategy is required", i)
			}
			if _, err := domain.Timeframe(b.Timeframe).Duration(); err != nil {
				return fmt.Errorf("config: bots[%d]: %w", i, err)
			}
		}
	}

	if c.Mode == "backtest" {
		if c.Backtest.Symbol == "" {
			return fmt.Errorf("config: backtest.symbol is required")
		}
		if c.Backtest.Strategy == "" {
			return fmt.Errorf("config: backtest.strategy is required")
		}
		if _, err := domain.Timeframe(c.Backtest.Timeframe).Duration(); err != nil {
			return fmt.Errorf("config: backtest: %w", err)
		}
	}

	if c.Archive.Enabled && !c.S3.Enabled {
		return fmt.Errorf("config: archive requires s3 to be enabled")
	}
	if c.Archive.Enabled && c.Archive.RetentionDays <= 0 {
		return fmt.Errorf("config: archive.retention_days must be positive")
	}
	return nil
}
