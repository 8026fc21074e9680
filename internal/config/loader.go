package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path, layers it over Defaults, then applies
// TRADEFORGE_* environment variable overrides. A .env file in the working
// directory is loaded first if present so local development does not need
// exported variables.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Best effort; a missing .env file is not an error.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides maps TRADEFORGE_* environment variables onto the config.
// Only operational knobs and secrets are overridable; structural sections
// like bot declarations stay in the file.
func applyEnvOverrides(cfg *Config) {
	setStr("TRADEFORGE_MODE", &cfg.Mode)
	setStr("TRADEFORGE_LOG_LEVEL", &cfg.LogLevel)

	setStr("TRADEFORGE_EXCHANGE_BASE_URL", &cfg.Exchange.BaseURL)
	setStr("TRADEFORGE_EXCHANGE_WS_URL", &cfg.Exchange.WsURL)
	setStr("TRADEFORGE_EXCHANGE_API_KEY", &cfg.Exchange.APIKey)
	setStr("TRADEFORGE_EXCHANGE_API_SECRET", &cfg.Exchange.APISecret)
	setStr("TRADEFORGE_EXCHANGE_CREDS_PATH", &cfg.Exchange.EncryptedCredsPath)
	setStr("TRADEFORGE_EXCHANGE_CREDS_PASSWORD", &cfg.Exchange.CredsPassword)

	setBool("TRADEFORGE_POSTGRES_ENABLED", &cfg.Postgres.Enabled)
	setStr("TRADEFORGE_POSTGRES_DSN", &cfg.Postgres.DSN)
	setStr("TRADEFORGE_POSTGRES_HOST", &cfg.Postgres.Host)
	setInt("TRADEFORGE_POSTGRES_PORT", &cfg.Postgres.Port)
	setStr("TRADEFORGE_POSTGRES_DATABASE", &cfg.Postgres.Database)
	setStr("TRADEFORGE_POSTGRES_USER", &cfg.Postgres.User)
	setStr("TRADEFORGE_POSTGRES_PASSWORD", &cfg.Postgres.Password)
	setStr("TRADEFORGE_POSTGRES_SSL_MODE", &cfg.Postgres.SSLMode)

	setBool("TRADEFORGE_REDIS_ENABLED", &cfg.Redis.Enabled)
	setStr("TRADEFORGE_REDIS_ADDR", &cfg.Redis.Addr)
	setStr("TRADEFORGE_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("TRADEFORGE_REDIS_DB", &cfg.Redis.DB)

	setBool("TRADEFORGE_S3_ENABLED", &cfg.S3.Enabled)
	setStr("TRADEFORGE_S3_ENDPOINT", &cfg.S3.Endpoint)
	setStr("TRADEFORGE_S3_REGION", &cfg.S3.Region)
	setStr("TRADEFORGE_S3_BUCKET", &cfg.S3.Bucket)
	setStr("TRADEFORGE_S3_ACCESS_KEY", &cfg.S3.AccessKey)
	setStr("TRADEFORGE_S3_SECRET_KEY", &cfg.S3.SecretKey)

	setFloat64("TRADEFORGE_ENGINE_INITIAL_CASH", &cfg.Engine.InitialCash)
	setInt("TRADEFORGE_ENGINE_MAX_BOTS", &cfg.Engine.MaxBots)
	setInt("TRADEFORGE_ENGINE_MAX_POSITIONS", &cfg.Engine.MaxPositions)

	setStr("TRADEFORGE_RISK_PROFILE", &cfg.Risk.Profile)
	setBool("TRADEFORGE_RISK_KELLY_ENABLED", &cfg.Risk.KellyEnabled)

	setBool("TRADEFORGE_ARCHIVE_ENABLED", &cfg.Archive.Enabled)
	setInt("TRADEFORGE_ARCHIVE_RETENTION_DAYS", &cfg.Archive.RetentionDays)
	setDuration("TRADEFORGE_ARCHIVE_INTERVAL", &cfg.Archive.Interval)

	setStr("TRADEFORGE_TELEGRAM_TOKEN", &cfg.Notify.TelegramToken)
	setStr("TRADEFORGE_TELEGRAM_CHAT_ID", &cfg.Notify.TelegramChatID)
	setStr("TRADEFORGE_DISCORD_WEBHOOK_URL", &cfg.Notify.DiscordWebhookURL)
	setStringSlice("TRADEFORGE_NOTIFY_EVENTS", &cfg.Notify.Events)
}

func setStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(key string, dst *duration) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(key string, dst *[]string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
