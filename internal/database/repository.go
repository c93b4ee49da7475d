package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Repository provides data access for the fleet tables.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// ==================== BOT CONFIGS ====================

// UpsertBotConfig inserts or updates a bot's configuration row.
func (r *Repository) UpsertBotConfig(ctx context.Context, cfg *BotConfig) error {
	query := `
		INSERT INTO bot_configs
			(id, name, status, symbol, leverage, balance_percent,
			 take_profit_percent, stop_loss_percent, roi_trigger,
			 pyramid_max, pyramid_step_percent, search_mode, entry_mode, reverse_on_stop,
			 api_key, secret_key, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			symbol = EXCLUDED.symbol,
			leverage = EXCLUDED.leverage,
			balance_percent = EXCLUDED.balance_percent,
			take_profit_percent = EXCLUDED.take_profit_percent,
			stop_loss_percent = EXCLUDED.stop_loss_percent,
			roi_trigger = EXCLUDED.roi_trigger,
			pyramid_max = EXCLUDED.pyramid_max,
			pyramid_step_percent = EXCLUDED.pyramid_step_percent,
			search_mode = EXCLUDED.search_mode,
			entry_mode = EXCLUDED.entry_mode,
			reverse_on_stop = EXCLUDED.reverse_on_stop,
			api_key = EXCLUDED.api_key,
			secret_key = EXCLUDED.secret_key,
			updated_at = NOW()`

	_, err := r.db.Pool.Exec(ctx, query,
		cfg.ID, cfg.Name, cfg.Status, cfg.Symbol, cfg.Leverage, cfg.BalancePercent,
		cfg.TakeProfitPercent, cfg.StopLossPercent, cfg.ROITrigger,
		cfg.PyramidMax, cfg.PyramidStepPercent, cfg.SearchMode, cfg.EntryMode, cfg.ReverseOnStop,
		cfg.APIKey, cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("error upserting bot config: %w", err)
	}
	return nil
}

// GetBotConfig fetches one bot by id.
func (r *Repository) GetBotConfig(ctx context.Context, id string) (*BotConfig, error) {
	query := `
		SELECT id, name, status, symbol, leverage, balance_percent,
		       take_profit_percent, stop_loss_percent, roi_trigger,
		       pyramid_max, pyramid_step_percent, search_mode, entry_mode, reverse_on_stop,
		       api_key, secret_key, created_at, updated_at
		FROM bot_configs WHERE id = $1`

	cfg := &BotConfig{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&cfg.ID, &cfg.Name, &cfg.Status, &cfg.Symbol, &cfg.Leverage, &cfg.BalancePercent,
		&cfg.TakeProfitPercent, &cfg.StopLossPercent, &cfg.ROITrigger,
		&cfg.PyramidMax, &cfg.PyramidStepPercent, &cfg.SearchMode, &cfg.EntryMode, &cfg.ReverseOnStop,
		&cfg.APIKey, &cfg.SecretKey, &cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error fetching bot config: %w", err)
	}
	return cfg, nil
}

// ListBots returns all non-deleted bots, newest first.
func (r *Repository) ListBots(ctx context.Context) ([]BotConfig, error) {
	query := `
		SELECT id, name, status, symbol, leverage, balance_percent,
		       take_profit_percent, stop_loss_percent, roi_trigger,
		       pyramid_max, pyramid_step_percent, search_mode, entry_mode, reverse_on_stop,
		       api_key, secret_key, created_at, updated_at
		FROM bot_configs WHERE status != $1 ORDER BY created_at DESC`

	rows, err := r.db.Pool.Query(ctx, query, BotStatusDeleted)
	if err != nil {
		return nil, fmt.Errorf("error listing bots: %w", err)
	}
	defer rows.Close()

	var bots []BotConfig
	for rows.Next() {
		var cfg BotConfig
		if err := rows.Scan(
			&cfg.ID, &cfg.Name, &cfg.Status, &cfg.Symbol, &cfg.Leverage, &cfg.BalancePercent,
			&cfg.TakeProfitPercent, &cfg.StopLossPercent, &cfg.ROITrigger,
			&cfg.PyramidMax, &cfg.PyramidStepPercent, &cfg.SearchMode, &cfg.EntryMode, &cfg.ReverseOnStop,
			&cfg.APIKey, &cfg.SecretKey, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("error scanning bot config: %w", err)
		}
		bots = append(bots, cfg)
	}
	return bots, rows.Err()
}

// ListActiveBots returns the bots that should be running, used at recovery.
func (r *Repository) ListActiveBots(ctx context.Context) ([]BotConfig, error) {
	bots, err := r.ListBots(ctx)
	if err != nil {
		return nil, err
	}
	active := bots[:0]
	for _, b := range bots {
		if b.Status == BotStatusActive {
			active = append(active, b)
		}
	}
	return active, nil
}

// SetBotStatus updates a bot's lifecycle state.
func (r *Repository) SetBotStatus(ctx context.Context, id, status string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE bot_configs SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("error updating bot status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBotSymbol records which symbol the bot currently holds ("" for none).
func (r *Repository) SetBotSymbol(ctx context.Context, id, symbol string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE bot_configs SET symbol = $2, updated_at = NOW() WHERE id = $1`, id, symbol)
	if err != nil {
		return fmt.Errorf("error updating bot symbol: %w", err)
	}
	return nil
}

// ==================== POSITIONS ====================

// UpsertOpenPosition inserts or refreshes the open position row for
// (bot, symbol). Re-syncs after pyramiding land here, so the entry price,
// quantity and pyramid fields all move on conflict.
func (r *Repository) UpsertOpenPosition(ctx context.Context, p *BotPosition) error {
	query := `
		INSERT INTO bot_positions
			(bot_id, symbol, side, entry_price, quantity, leverage,
			 pyramid_count, base_roi, status, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'open', $9, NOW())
		ON CONFLICT (bot_id, symbol) WHERE status = 'open' DO UPDATE SET
			side = EXCLUDED.side,
			entry_price = EXCLUDED.entry_price,
			quantity = EXCLUDED.quantity,
			leverage = EXCLUDED.leverage,
			pyramid_count = EXCLUDED.pyramid_count,
			base_roi = EXCLUDED.base_roi,
			updated_at = NOW()`

	openedAt := p.OpenedAt
	if openedAt.IsZero() {
		openedAt = time.Now()
	}
	_, err := r.db.Pool.Exec(ctx, query,
		p.BotID, p.Symbol, p.Side, p.EntryPrice, p.Quantity, p.Leverage,
		p.PyramidCount, p.BaseROI, openedAt)
	if err != nil {
		return fmt.Errorf("error upserting open position: %w", err)
	}
	return nil
}

// GetOpenPosition fetches the open row for (bot, symbol).
func (r *Repository) GetOpenPosition(ctx context.Context, botID, symbol string) (*BotPosition, error) {
	query := `
		SELECT id, bot_id, symbol, side, entry_price, quantity, leverage,
		       pyramid_count, base_roi, status, opened_at, closed_at, updated_at
		FROM bot_positions WHERE bot_id = $1 AND symbol = $2 AND status = 'open'`

	p := &BotPosition{}
	err := r.db.Pool.QueryRow(ctx, query, botID, symbol).Scan(
		&p.ID, &p.BotID, &p.Symbol, &p.Side, &p.EntryPrice, &p.Quantity, &p.Leverage,
		&p.PyramidCount, &p.BaseROI, &p.Status, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error fetching open position: %w", err)
	}
	return p, nil
}

// OpenPositions returns every open row, optionally filtered by bot.
func (r *Repository) OpenPositions(ctx context.Context, botID string) ([]BotPosition, error) {
	query := `
		SELECT id, bot_id, symbol, side, entry_price, quantity, leverage,
		       pyramid_count, base_roi, status, opened_at, closed_at, updated_at
		FROM bot_positions WHERE status = 'open'`
	args := []any{}
	if botID != "" {
		query += ` AND bot_id = $1`
		args = append(args, botID)
	}
	query += ` ORDER BY opened_at`

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing open positions: %w", err)
	}
	defer rows.Close()

	var positions []BotPosition
	for rows.Next() {
		var p BotPosition
		if err := rows.Scan(
			&p.ID, &p.BotID, &p.Symbol, &p.Side, &p.EntryPrice, &p.Quantity, &p.Leverage,
			&p.PyramidCount, &p.BaseROI, &p.Status, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("error scanning position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// DeleteOpenPosition removes a stale open row after the venue reports the
// position gone without a close we initiated.
func (r *Repository) DeleteOpenPosition(ctx context.Context, botID, symbol string) error {
	_, err := r.db.Pool.Exec(ctx,
		`DELETE FROM bot_positions WHERE bot_id = $1 AND symbol = $2 AND status = 'open'`,
		botID, symbol)
	if err != nil {
		return fmt.Errorf("error deleting open position: %w", err)
	}
	return nil
}

// ==================== CLOSE + HISTORY + STATISTICS ====================

// RecordFill appends one audit row for an entry or pyramid fill. The side
// column carries the fill marker (OPEN_BUY, PYRAMID_SELL); PnL and ROI stay
// zero because the round trip is still running. Close fills are written by
// CloseAndRecord together with the statistics update.
func (r *Repository) RecordFill(ctx context.Context, fill *TradeRecord) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO trade_history
			(bot_id, symbol, side, entry_price, exit_price, quantity, leverage,
			 pnl, roi, close_reason, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		fill.BotID, fill.Symbol, fill.Side, fill.EntryPrice, fill.ExitPrice,
		fill.Quantity, fill.Leverage, fill.PnL, fill.ROI, fill.CloseReason,
		fill.OpenedAt, fill.ClosedAt)
	if err != nil {
		return fmt.Errorf("error recording fill: %w", err)
	}
	return nil
}

// CloseAndRecord finalizes a round trip in one transaction: the open
// position row flips to closed, the trade lands in history, and the bot's
// running aggregates are bumped. A trade with ROI below the stored
// max_drawdown becomes the new max_drawdown.
func (r *Repository) CloseAndRecord(ctx context.Context, trade *TradeRecord) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("error beginning close transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE bot_positions SET status = 'closed', closed_at = $3, updated_at = NOW()
		WHERE bot_id = $1 AND symbol = $2 AND status = 'open'`,
		trade.BotID, trade.Symbol, trade.ClosedAt)
	if err != nil {
		return fmt.Errorf("error closing position row: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO trade_history
			(bot_id, symbol, side, entry_price, exit_price, quantity, leverage,
			 pnl, roi, close_reason, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		trade.BotID, trade.Symbol, trade.Side, trade.EntryPrice, trade.ExitPrice,
		trade.Quantity, trade.Leverage, trade.PnL, trade.ROI, trade.CloseReason,
		trade.OpenedAt, trade.ClosedAt)
	if err != nil {
		return fmt.Errorf("error recording trade: %w", err)
	}

	win, loss := tradeOutcome(trade.PnL)
	_, err = tx.Exec(ctx, `
		INSERT INTO bot_statistics
			(bot_id, total_trades, winning_trades, losing_trades, total_pnl, max_drawdown, updated_at)
		VALUES ($1, 1, $2, $3, $4, LEAST($5, 0), NOW())
		ON CONFLICT (bot_id) DO UPDATE SET
			total_trades = bot_statistics.total_trades + 1,
			winning_trades = bot_statistics.winning_trades + $2,
			losing_trades = bot_statistics.losing_trades + $3,
			total_pnl = bot_statistics.total_pnl + $4,
			max_drawdown = LEAST(bot_statistics.max_drawdown, $5),
			updated_at = NOW()`,
		trade.BotID, win, loss, trade.PnL, trade.ROI)
	if err != nil {
		return fmt.Errorf("error updating statistics: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("error committing close transaction: %w", err)
	}
	return nil
}

// tradeOutcome buckets a closed trade for the statistics row. Only a
// strictly positive PnL counts as a win; a flat close lands on the losing
// side.
func tradeOutcome(pnl float64) (win, loss int) {
	if pnl > 0 {
		return 1, 0
	}
	return 0, 1
}

// TradeHistory returns recent trades, newest first. Empty botID means all.
func (r *Repository) TradeHistory(ctx context.Context, botID string, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, bot_id, symbol, side, entry_price, exit_price, quantity, leverage,
		       pnl, roi, close_reason, opened_at, closed_at
		FROM trade_history`
	args := []any{}
	if botID != "" {
		query += ` WHERE bot_id = $1 ORDER BY closed_at DESC LIMIT $2`
		args = append(args, botID, limit)
	} else {
		query += ` ORDER BY closed_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing trade history: %w", err)
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(
			&t.ID, &t.BotID, &t.Symbol, &t.Side, &t.EntryPrice, &t.ExitPrice,
			&t.Quantity, &t.Leverage, &t.PnL, &t.ROI, &t.CloseReason,
			&t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("error scanning trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Statistics returns the running aggregates for one bot. Bots that have not
// completed a trade yet get a zero row.
func (r *Repository) Statistics(ctx context.Context, botID string) (*BotStatistics, error) {
	query := `
		SELECT bot_id, total_trades, winning_trades, losing_trades, total_pnl, max_drawdown, updated_at
		FROM bot_statistics WHERE bot_id = $1`

	s := &BotStatistics{}
	err := r.db.Pool.QueryRow(ctx, query, botID).Scan(
		&s.BotID, &s.TotalTrades, &s.WinningTrades, &s.LosingTrades,
		&s.TotalPnL, &s.MaxDrawdown, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &BotStatistics{BotID: botID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error fetching statistics: %w", err)
	}
	return s, nil
}

// AllStatistics returns the aggregates for every bot with at least one trade.
func (r *Repository) AllStatistics(ctx context.Context) ([]BotStatistics, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT bot_id, total_trades, winning_trades, losing_trades, total_pnl, max_drawdown, updated_at
		FROM bot_statistics ORDER BY total_pnl DESC`)
	if err != nil {
		return nil, fmt.Errorf("error listing statistics: %w", err)
	}
	defer rows.Close()

	var stats []BotStatistics
	for rows.Next() {
		var s BotStatistics
		if err := rows.Scan(
			&s.BotID, &s.TotalTrades, &s.WinningTrades, &s.LosingTrades,
			&s.TotalPnL, &s.MaxDrawdown, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("error scanning statistics: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// ==================== BLACKLIST ====================

// AddToBlacklist marks a symbol as untradable.
func (r *Repository) AddToBlacklist(ctx context.Context, symbol, reason string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO coin_blacklist (symbol, reason) VALUES ($1, $2)
		ON CONFLICT (symbol) DO UPDATE SET reason = EXCLUDED.reason`,
		symbol, reason)
	if err != nil {
		return fmt.Errorf("error adding to blacklist: %w", err)
	}
	return nil
}

// Blacklist returns every blacklisted symbol.
func (r *Repository) Blacklist(ctx context.Context) ([]BlacklistEntry, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT symbol, reason, created_at FROM coin_blacklist ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("error listing blacklist: %w", err)
	}
	defer rows.Close()

	var entries []BlacklistEntry
	for rows.Next() {
		var e BlacklistEntry
		if err := rows.Scan(&e.Symbol, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning blacklist entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// BlacklistSet returns the blacklist as a lookup set.
func (r *Repository) BlacklistSet(ctx context.Context) (map[string]bool, error) {
	entries, err := r.Blacklist(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(entries))
	for _, e := range entries {
		set[e.Symbol] = true
	}
	return set, nil
}

// ==================== HOUSEKEEPING ====================

// Housekeeping prunes closed position rows older than 7 days and trade
// history older than 30 days. The manager runs this every 6 hours.
func (r *Repository) Housekeeping(ctx context.Context) error {
	if _, err := r.db.Pool.Exec(ctx,
		`DELETE FROM bot_positions WHERE status = 'closed' AND closed_at < NOW() - INTERVAL '7 days'`); err != nil {
		return fmt.Errorf("error pruning closed positions: %w", err)
	}
	if _, err := r.db.Pool.Exec(ctx,
		`DELETE FROM trade_history WHERE closed_at < NOW() - INTERVAL '30 days'`); err != nil {
		return fmt.Errorf("error pruning trade history: %w", err)
	}
	return nil
}
