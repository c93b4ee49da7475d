package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"binance-futures-fleet/config"
	"binance-futures-fleet/internal/api"
	"binance-futures-fleet/internal/binance"
	"binance-futures-fleet/internal/coordinator"
	"binance-futures-fleet/internal/database"
	"binance-futures-fleet/internal/events"
	"binance-futures-fleet/internal/manager"
	"binance-futures-fleet/internal/metrics"
	"binance-futures-fleet/internal/notification"
	"binance-futures-fleet/internal/safety"
	sig "binance-futures-fleet/internal/signal"
	"binance-futures-fleet/internal/vault"
)

const housekeepingInterval = 6 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Msg("configuration loaded")

	ctx := context.Background()

	// Credentials from Vault override the environment when configured.
	apiKey, secretKey, testnet := cfg.Binance.APIKey, cfg.Binance.SecretKey, cfg.Binance.TestNet
	vaultClient, err := vault.NewClient(cfg.Vault.Address, cfg.Vault.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build vault client")
	}
	if vaultClient != nil {
		creds, err := vaultClient.FetchCredentials(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to fetch credentials from vault")
		}
		apiKey, secretKey, testnet = creds.APIKey, creds.SecretKey, creds.IsTestnet
		logger.Info().Msg("exchange credentials loaded from vault")
	}

	db, err := database.NewDB(cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}
	repo := database.NewRepository(db)

	// The Redis mirror is optional; without an address the mirror runs as a
	// no-op and PostgreSQL stays the single source of truth.
	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, position mirror disabled")
			redisClient = nil
		}
	}
	mirror := database.NewPositionMirror(redisClient, logger)

	client := binance.NewFuturesClient(apiKey, secretKey, testnet, logger)
	market := binance.NewMarketDataCache(client)
	streams := binance.NewStreamManager(logger)
	gateway := binance.NewLiveGateway(apiKey, secretKey, testnet, market, streams, logger)
	logger.Info().Bool("testnet", testnet).Msg("exchange gateway initialized")

	bus := events.NewEventBus()

	notifier := notification.NewManager()
	if cfg.Notification.WebhookURL != "" {
		notifier.AddNotifier(notification.NewWebhookNotifier(cfg.Notification.WebhookURL, cfg.Notification.ChatID, logger))
		logger.Info().Msg("webhook notifications enabled")
	}

	registry := prometheus.NewRegistry()
	fleetMetrics := metrics.New(registry)

	mgr := manager.New(manager.Deps{
		Gateway: gateway,
		// Bots with their own credentials trade through a dedicated
		// gateway but share the market data cache and streams.
		GatewayFor: func(botKey, botSecret string) binance.Gateway {
			return binance.NewLiveGateway(botKey, botSecret, testnet, market, streams, logger)
		},
		Store:       repo,
		Mirror:      mirror,
		Coordinator: coordinator.New(logger),
		Analyzer:    sig.NewAnalyzer(gateway, logger),
		Governor:    safety.New(gateway, logger),
		Events:      bus,
		Notifier:    notifier,
		Metrics:     fleetMetrics,
		Logger:      logger,
	})
	if err := mgr.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start fleet")
	}

	if err := bootstrapFleet(ctx, cfg, repo, mgr, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to bootstrap fleet")
	}

	server := api.NewServer(api.Config{
		Addr:           cfg.Server.Addr(),
		AllowOrigins:   splitOrigins(cfg.Server.AllowedOrigins),
		ProductionMode: cfg.Server.ProductionMode,
	}, repo, mgr, bus, registry, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("api server failed")
		}
	}()

	housekeepingCtx, stopHousekeeping := context.WithCancel(ctx)
	go runHousekeeping(housekeepingCtx, repo, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")
	stopHousekeeping()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error stopping api server")
	}

	// Shutdown leaves positions open on the venue and rows in the store so
	// the next start recovers them. Operator-initiated closes go through the
	// stop endpoints instead.
	mgr.Shutdown()
	streams.Stop()

	if redisClient != nil {
		redisClient.Close()
	}
	logger.Info().Msg("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.JSONFormat {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// bootstrapFleet seeds the fleet from BOOTSTRAP_BOTS on the first run. A
// store that already holds bot configs wins over the environment.
func bootstrapFleet(ctx context.Context, cfg *config.Config, repo *database.Repository, mgr *manager.Manager, logger zerolog.Logger) error {
	if len(cfg.BootstrapBots) == 0 {
		return nil
	}
	existing, err := repo.ListBots(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	for _, b := range cfg.BootstrapBots {
		created, err := mgr.AddBots(ctx, manager.AddRequest{
			Name:           b.Name,
			Count:          b.Count,
			Symbol:         b.Symbol,
			Leverage:       b.Leverage,
			BalancePercent: b.BalancePercent,
			TakeProfit:     b.TakeProfit,
			StopLoss:       b.StopLoss,
			ROITrigger:     b.ROITrigger,
			PyramidMax:     b.PyramidMax,
			PyramidStep:    b.PyramidStep,
			SearchMode:     b.SearchMode,
			EntryMode:      b.EntryMode,
			ReverseOnStop:  b.ReverseOnStop,
			APIKey:         b.APIKey,
			SecretKey:      b.SecretKey,
		})
		if err != nil {
			return err
		}
		logger.Info().Str("name", b.Name).Int("count", len(created)).Msg("bootstrap bots created")
	}
	return nil
}

// runHousekeeping prunes aged trade history and refreshes statistics on a
// slow cycle.
func runHousekeeping(ctx context.Context, repo *database.Repository, logger zerolog.Logger) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := repo.Housekeeping(ctx); err != nil {
				logger.Warn().Err(err).Msg("error running housekeeping")
			}
		}
	}
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
