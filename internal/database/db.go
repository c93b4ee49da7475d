package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection from a connection URL
func NewDB(databaseURL string, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// Configure connection pool
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info().Msg("connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger.With().Str("component", "database").Logger()}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		// Bot configurations, one row per bot. Status is a soft lifecycle
		// field: active bots run, stopped bots are recoverable, deleted
		// bots are hidden from listings.
		`CREATE TABLE IF NOT EXISTS bot_configs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			symbol TEXT NOT NULL DEFAULT '',
			leverage INTEGER NOT NULL DEFAULT 10,
			balance_percent DOUBLE PRECISION NOT NULL DEFAULT 5,
			take_profit_percent DOUBLE PRECISION NOT NULL DEFAULT 20,
			stop_loss_percent DOUBLE PRECISION NOT NULL DEFAULT 50,
			roi_trigger DOUBLE PRECISION NOT NULL DEFAULT 0,
			pyramid_max INTEGER NOT NULL DEFAULT 3,
			pyramid_step_percent DOUBLE PRECISION NOT NULL DEFAULT 10,
			search_mode TEXT NOT NULL DEFAULT 'volume',
			entry_mode TEXT NOT NULL DEFAULT 'signal',
			reverse_on_stop BOOLEAN NOT NULL DEFAULT FALSE,
			api_key TEXT NOT NULL DEFAULT '',
			secret_key TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_configs_status ON bot_configs(status)`,
		// Per-bot exchange credentials, added after the table first shipped.
		`ALTER TABLE bot_configs ADD COLUMN IF NOT EXISTS api_key TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE bot_configs ADD COLUMN IF NOT EXISTS secret_key TEXT NOT NULL DEFAULT ''`,

		// Open and closed positions. (bot_id, symbol, status) is unique for
		// open rows so re-syncs upsert instead of duplicating.
		`CREATE TABLE IF NOT EXISTS bot_positions (
			id BIGSERIAL PRIMARY KEY,
			bot_id TEXT NOT NULL REFERENCES bot_configs(id),
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			leverage INTEGER NOT NULL,
			pyramid_count INTEGER NOT NULL DEFAULT 0,
			base_roi DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'open',
			opened_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_bot_positions_open
			ON bot_positions(bot_id, symbol) WHERE status = 'open'`,
		`CREATE INDEX IF NOT EXISTS idx_bot_positions_status ON bot_positions(status)`,

		// Completed trades, append only.
		`CREATE TABLE IF NOT EXISTS trade_history (
			id BIGSERIAL PRIMARY KEY,
			bot_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			exit_price DOUBLE PRECISION NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			leverage INTEGER NOT NULL,
			pnl DOUBLE PRECISION NOT NULL,
			roi DOUBLE PRECISION NOT NULL,
			close_reason TEXT NOT NULL DEFAULT '',
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_history_bot ON trade_history(bot_id, closed_at DESC)`,

		// Running per-bot aggregates, bumped inside the close transaction.
		`CREATE TABLE IF NOT EXISTS bot_statistics (
			bot_id TEXT PRIMARY KEY,
			total_trades INTEGER NOT NULL DEFAULT 0,
			winning_trades INTEGER NOT NULL DEFAULT 0,
			losing_trades INTEGER NOT NULL DEFAULT 0,
			total_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_drawdown DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Symbols the fleet must never trade.
		`CREATE TABLE IF NOT EXISTS coin_blacklist (
			symbol TEXT PRIMARY KEY,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("error running migration %d: %w", i+1, err)
		}
	}

	db.logger.Info().Int("count", len(migrations)).Msg("database migrations complete")
	return nil
}
