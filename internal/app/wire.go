package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/avdeev/tradeforge/internal/blob/s3"
	"github.com/avdeev/tradeforge/internal/cache/redis"
	"github.com/avdeev/tradeforge/internal/config"
	"github.com/avdeev/tradeforge/internal/crypto"
	"github.com/avdeev/tradeforge/internal/domain"
	"github.com/avdeev/tradeforge/internal/exchange/binance"
	"github.com/avdeev/tradeforge/internal/marketdata"
	"github.com/avdeev/tradeforge/internal/notify"
	"github.com/avdeev/tradeforge/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function. Store fields are nil when PostgreSQL is disabled.
type Dependencies struct {
	// Stores
	TradeStore    domain.TradeStore
	PositionStore domain.PositionStore
	BotCfgStore   domain.BotConfigStore
	AlertStore    domain.AlertStore
	BacktestStore domain.BacktestStore

	// TradeSource exposes the archive read/delete surface of the trade
	// store; nil when Postgres is disabled.
	TradeSource s3blob.TradeArchiveSource

	// Market data
	Cache   domain.MarketDataCache
	Gateway domain.ExchangeGateway

	// Events
	Bus domain.EventBus // nil when Redis is disabled

	// Blob storage
	BlobWriter domain.BlobWriter
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them with a cleanup function to call on
// shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		tradeStore := postgres.NewTradeStore(pool)
		deps.TradeStore = tradeStore
		deps.TradeSource = tradeStore
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.BotCfgStore = postgres.NewBotConfigStore(pool)
		deps.AlertStore = postgres.NewAlertStore(pool)
		deps.BacktestStore = postgres.NewBacktestStore(pool)
	}

	// --- Market data cache: Redis when enabled, in-process otherwise ---
	ttls := domain.DefaultCacheTTLs()
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Cache = redis.NewMarketCache(redisClient, ttls)
		deps.Bus = redis.NewEventBus(redisClient)
	} else {
		deps.Cache = marketdata.NewCache(cfg.Engine.CacheEntries, ttls)
	}

	// --- Exchange gateway ---
	creds, err := crypto.LoadCredentials(crypto.CredentialConfig{
		APIKey:        cfg.Exchange.APIKey,
		APISecret:     cfg.Exchange.APISecret,
		EncryptedPath: cfg.Exchange.EncryptedCredsPath,
		Password:      cfg.Exchange.CredsPassword,
	})
	if err != nil {
		if cfg.Mode == "trade" {
			cleanup()
			return nil, nil, fmt.Errorf("wire: credentials: %w", err)
		}
		// Backtests only hit public market-data endpoints.
		logger.Warn("no exchange credentials configured, signed endpoints unavailable",
			slog.String("error", err.Error()))
	}
	deps.Gateway = binance.NewClient(binance.Config{
		BaseURL: cfg.Exchange.BaseURL,
		Creds:   creds,
	})

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		if deps.TradeSource != nil {
			deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.TradeSource, logger)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	events := make([]domain.EventType, 0, len(cfg.Notify.Events))
	for _, e := range cfg.Notify.Events {
		events = append(events, domain.EventType(e))
	}
	deps.Notifier = notify.NewNotifier(senders, events, deps.Bus, logger)

	return deps, cleanup, nil
}
