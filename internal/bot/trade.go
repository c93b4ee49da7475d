package bot

import (
	"context"
	"fmt"
	"math"
	"time"

	"binance-futures-fleet/internal/binance"
	"binance-futures-fleet/internal/database"
	"binance-futures-fleet/internal/events"
)

// computeROI returns the unrealized PnL and the ROI percent on margin for a
// position at the given price.
func computeROI(side binance.Side, entry, price, qty float64, leverage int) (pnl, roi float64, ok bool) {
	if entry <= 0 || qty <= 0 || leverage <= 0 {
		return 0, 0, false
	}
	if side == binance.SideBuy {
		pnl = (price - entry) * qty
	} else {
		pnl = (entry - price) * qty
	}
	invested := entry * qty / float64(leverage)
	if invested <= 0 {
		return 0, 0, false
	}
	return pnl, pnl / invested * 100, true
}

// currentROI reads the live price and computes the position's ROI.
func (b *Bot) currentROI(ctx context.Context, symbol string) (price, pnl, roi float64, ok bool) {
	b.mu.Lock()
	pos := b.pos
	b.mu.Unlock()
	if !pos.open {
		return 0, 0, 0, false
	}

	price, err := b.deps.Gateway.CurrentPrice(ctx, symbol)
	if err != nil || price <= 0 {
		return 0, 0, 0, false
	}
	pnl, roi, ok = computeROI(pos.side, pos.entry, price, pos.qty, b.cfg.Leverage)
	return price, pnl, roi, ok
}

// syncPosition reconciles the bot's view with the venue and persists it.
// A position that vanished on the venue resets local state; one that exists
// without local state is adopted.
func (b *Bot) syncPosition(ctx context.Context, symbol string) {
	positions, err := b.deps.Gateway.Positions(ctx, symbol)
	if err != nil {
		b.log.Warn().Err(err).Str("symbol", symbol).Msg("position sync failed")
		return
	}

	var venue *binance.PositionRisk
	for i := range positions {
		if positions[i].PositionAmt != 0 {
			venue = &positions[i]
			break
		}
	}

	b.mu.Lock()
	if venue == nil {
		if b.pos.open {
			// Closed behind our back (liquidation or manual close).
			b.log.Warn().Str("symbol", symbol).Msg("venue position gone, resetting")
			b.pos = position{}
			b.mu.Unlock()
			if err := b.deps.Store.DeleteOpenPosition(ctx, b.cfg.ID, symbol); err != nil {
				b.log.Warn().Err(err).Msg("error deleting stale position row")
			}
			b.deps.Mirror.Remove(ctx, b.cfg.ID, symbol)
			return
		}
		b.mu.Unlock()
		return
	}

	side := binance.SideBuy
	if venue.PositionAmt < 0 {
		side = binance.SideSell
	}
	adopted := !b.pos.open
	b.pos.open = true
	b.pos.side = side
	b.pos.qty = abs(venue.PositionAmt)
	b.pos.entry = venue.EntryPrice
	if adopted {
		b.pos.openedAt = b.now()
	}
	b.mu.Unlock()

	if adopted {
		b.log.Info().Str("symbol", symbol).Str("side", string(side)).Msg("adopted venue position")
	}
	b.persistPosition(ctx, symbol)
}

// persistPosition writes the open position to the store and the mirror.
func (b *Bot) persistPosition(ctx context.Context, symbol string) {
	b.mu.Lock()
	pos := b.pos
	b.mu.Unlock()
	if !pos.open {
		return
	}

	row := &database.BotPosition{
		BotID:        b.cfg.ID,
		Symbol:       symbol,
		Side:         string(pos.side),
		EntryPrice:   pos.entry,
		Quantity:     pos.qty,
		Leverage:     b.cfg.Leverage,
		PyramidCount: pos.pyramidCount,
		BaseROI:      pos.pyramidBaseROI,
		OpenedAt:     pos.openedAt,
	}
	if err := b.deps.Store.UpsertOpenPosition(ctx, row); err != nil {
		b.log.Error().Err(err).Str("symbol", symbol).Msg("error persisting position")
	}
	b.deps.Mirror.Snapshot(ctx, row)
}

// recordFill appends one trade-history audit row for an entry or pyramid
// fill. The close row is written by CloseAndRecord and completes the round
// trip.
func (b *Bot) recordFill(ctx context.Context, symbol, marker string, price, qty float64, reason string) {
	now := b.now()
	fill := &database.TradeRecord{
		BotID:       b.cfg.ID,
		Symbol:      symbol,
		Side:        marker,
		EntryPrice:  price,
		Quantity:    qty,
		Leverage:    b.cfg.Leverage,
		CloseReason: reason,
		OpenedAt:    now,
		ClosedAt:    now,
	}
	if err := b.deps.Store.RecordFill(ctx, fill); err != nil {
		b.log.Warn().Err(err).Str("symbol", symbol).Msg("error recording fill")
	}
}

// checkTakeProfitStopLoss closes the position when ROI crosses either band.
func (b *Bot) checkTakeProfitStopLoss(ctx context.Context, symbol string) {
	b.mu.Lock()
	skip := !b.pos.open || b.pos.entry <= 0 || b.pos.closeAttempted
	b.mu.Unlock()
	if skip {
		return
	}

	_, _, roi, ok := b.currentROI(ctx, symbol)
	if !ok {
		return
	}

	b.mu.Lock()
	if roi > b.pos.highWaterROI {
		b.pos.highWaterROI = roi
	}
	if b.cfg.ROITrigger > 0 && b.pos.highWaterROI >= b.cfg.ROITrigger {
		b.pos.smartExitArmed = true
	}
	b.mu.Unlock()

	switch {
	case b.cfg.TakeProfit > 0 && roi >= b.cfg.TakeProfit:
		b.closePosition(ctx, symbol, "TP hit")
	case b.cfg.StopLoss > 0 && roi <= -b.cfg.StopLoss:
		b.closePosition(ctx, symbol, "SL hit")
	}
}

// checkSmartExit closes once ROI has touched the trigger and a strong exit
// signal prints, whichever side the signal points.
func (b *Bot) checkSmartExit(ctx context.Context, symbol string) bool {
	b.mu.Lock()
	armed := b.pos.open && b.pos.smartExitArmed
	b.mu.Unlock()
	if !armed || b.cfg.ROITrigger <= 0 {
		return false
	}

	_, _, roi, ok := b.currentROI(ctx, symbol)
	if !ok || roi < b.cfg.ROITrigger {
		return false
	}

	if _, hasSignal, err := b.deps.Analyzer.ExitSignal(ctx, symbol); err != nil || !hasSignal {
		return false
	}
	return b.closePosition(ctx, symbol, "ROI + exit-signal")
}

// checkEarlyReversal flips a deeply losing position when the tape prints an
// opposite signal, closing and immediately reopening the other way.
func (b *Bot) checkEarlyReversal(ctx context.Context, symbol string) bool {
	if !b.cfg.ReverseOnStop {
		return false
	}
	b.mu.Lock()
	pos := b.pos
	b.mu.Unlock()
	if !pos.open {
		return false
	}

	_, _, roi, ok := b.currentROI(ctx, symbol)
	if !ok || roi > reversalROIFloor {
		return false
	}

	side, hasSignal, err := b.deps.Analyzer.ReversalSignal(ctx, symbol)
	if err != nil || !hasSignal || side != pos.side.Opposite() {
		return false
	}

	b.log.Warn().Str("symbol", symbol).Float64("roi", roi).Msg("early reversal triggered")
	if !b.closePosition(ctx, symbol, "early reversal") {
		return false
	}

	b.pause(2 * postOrderPause)
	b.openPosition(ctx, symbol, pos.side.Opposite())
	return true
}

// checkPyramid adds to a losing position each time ROI falls another step
// below the last addition.
func (b *Bot) checkPyramid(ctx context.Context, symbol string, now time.Time) {
	b.mu.Lock()
	pos := b.pos
	b.mu.Unlock()

	if !pos.open || pos.pyramidCount >= b.cfg.PyramidMax || b.cfg.PyramidStep <= 0 {
		return
	}
	if now.Sub(pos.lastPyramidAt) < pyramidGap {
		return
	}

	price, _, roi, ok := b.currentROI(ctx, symbol)
	if !ok || roi >= 0 {
		return
	}
	if roi > pos.pyramidBaseROI-b.cfg.PyramidStep {
		return
	}

	qty, ok := b.sizeOrder(ctx, symbol, price)
	if !ok {
		return
	}

	b.deps.Gateway.CancelOpenOrders(ctx, symbol)
	b.pause(postOrderPause)

	result, err := b.deps.Gateway.PlaceMarketOrder(ctx, symbol, pos.side, qty)
	if err != nil {
		b.log.Warn().Err(err).Str("symbol", symbol).Msg("pyramid order failed")
		return
	}

	fillPrice := result.AvgPrice
	if fillPrice <= 0 {
		fillPrice = price
	}
	filled := result.ExecutedQty
	if filled <= 0 {
		filled = qty
	}

	b.mu.Lock()
	total := b.pos.qty + filled
	b.pos.entry = (b.pos.entry*b.pos.qty + fillPrice*filled) / total
	b.pos.qty = total
	b.pos.pyramidCount++
	b.pos.pyramidBaseROI = roi
	b.pos.lastPyramidAt = now
	count := b.pos.pyramidCount
	b.mu.Unlock()

	b.recordFill(ctx, symbol, "PYRAMID_"+string(pos.side), fillPrice, filled,
		fmt.Sprintf("pyramid %d", count))

	b.deps.Metrics.PyramidsAdded.Inc()
	b.deps.Metrics.OrdersPlaced.WithLabelValues(string(pos.side)).Inc()
	b.deps.Events.Publish(events.Event{
		Type: events.EventPyramidAdded,
		Data: map[string]interface{}{
			"bot_id": b.cfg.ID, "symbol": symbol, "count": count, "roi": roi,
		},
	})
	b.log.Info().
		Str("symbol", symbol).
		Int("count", count).
		Float64("roi", roi).
		Msg("pyramid added")

	b.persistPosition(ctx, symbol)
}

// sizeOrder computes the order quantity from the account balance and the
// symbol's lot step. The margin slice must fit in the available balance.
func (b *Bot) sizeOrder(ctx context.Context, symbol string, price float64) (float64, bool) {
	total, available, err := b.deps.Gateway.TotalAndAvailableBalance(ctx)
	if err != nil || total <= 0 {
		return 0, false
	}
	required := total * b.cfg.BalancePercent / 100
	if available <= 0 || required > available {
		b.log.Warn().
			Str("symbol", symbol).
			Float64("required", required).
			Float64("available", available).
			Msg("insufficient available balance")
		return 0, false
	}
	if price <= 0 {
		return 0, false
	}

	step, err := b.deps.Gateway.StepSize(ctx, symbol)
	if err != nil {
		return 0, false
	}

	qty := required * float64(b.cfg.Leverage) / price
	if step > 0 {
		qty = math.Floor(qty/step) * step
		qty = math.Round(qty*1e8) / 1e8
	}
	if qty <= 0 || (step > 0 && qty < step) {
		b.log.Warn().Str("symbol", symbol).Float64("qty", qty).Msg("order quantity below lot step")
		return 0, false
	}
	return qty, true
}

// openPosition runs the full entry protocol on the symbol.
func (b *Bot) openPosition(ctx context.Context, symbol string, side binance.Side) bool {
	if b.hasVenuePosition(ctx, symbol) {
		b.log.Warn().Str("symbol", symbol).Msg("venue position exists, skipping entry")
		b.releaseSymbol(ctx, symbol)
		return false
	}

	b.syncPosition(ctx, symbol)
	b.mu.Lock()
	alreadyOpen := b.pos.open
	b.mu.Unlock()
	if alreadyOpen {
		return false
	}

	maxLev, err := b.deps.Gateway.MaxLeverage(ctx, symbol)
	if err != nil || maxLev < b.cfg.Leverage {
		b.log.Warn().
			Str("symbol", symbol).
			Int("max", maxLev).
			Int("want", b.cfg.Leverage).
			Msg("leverage cap too low")
		b.releaseSymbol(ctx, symbol)
		return false
	}
	if err := b.deps.Gateway.SetLeverage(ctx, symbol, b.cfg.Leverage); err != nil {
		b.log.Warn().Err(err).Str("symbol", symbol).Msg("error setting leverage")
		b.releaseSymbol(ctx, symbol)
		return false
	}

	price, err := b.deps.Gateway.CurrentPrice(ctx, symbol)
	if err != nil || price <= 0 {
		b.releaseSymbol(ctx, symbol)
		return false
	}

	qty, ok := b.sizeOrder(ctx, symbol, price)
	if !ok {
		return false
	}

	b.deps.Gateway.CancelOpenOrders(ctx, symbol)
	b.pause(postOrderPause)

	result, err := b.deps.Gateway.PlaceMarketOrder(ctx, symbol, side, qty)
	if err != nil {
		b.log.Error().Err(err).Str("symbol", symbol).Msg("entry order failed")
		b.releaseSymbol(ctx, symbol)
		return false
	}

	b.pause(postOrderPause)
	b.syncPosition(ctx, symbol)

	b.mu.Lock()
	if !b.pos.open {
		b.mu.Unlock()
		b.log.Error().Str("symbol", symbol).Msg("order filled but no position on venue")
		b.releaseSymbol(ctx, symbol)
		return false
	}
	if result.AvgPrice > 0 {
		b.pos.entry = result.AvgPrice
	}
	b.pos.side = side
	b.pos.openedAt = b.now()
	b.pos.highWaterROI = 0
	b.pos.smartExitArmed = false
	b.pos.pyramidCount = 0
	b.pos.pyramidBaseROI = 0
	entry := b.pos.entry
	filled := b.pos.qty
	b.mu.Unlock()

	b.deps.Coordinator.MarkHasSymbol(b.cfg.ID, symbol)
	b.persistPosition(ctx, symbol)
	b.recordFill(ctx, symbol, "OPEN_"+string(side), entry, filled,
		fmt.Sprintf("open %s %dx", side, b.cfg.Leverage))

	b.deps.Metrics.OrdersPlaced.WithLabelValues(string(side)).Inc()
	b.deps.Metrics.OpenPositions.Inc()
	b.deps.Events.PublishTradeOpened(b.cfg.ID, symbol, string(side), entry, filled)
	b.deps.Notifier.SendTradeOpen(b.cfg.Name, symbol, string(side), entry, filled, b.cfg.Leverage)
	b.log.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("entry", entry).
		Float64("qty", filled).
		Msg("position opened")
	return true
}

// closePosition runs the full exit protocol. Returns true when the position
// is gone, either because the close filled or because nothing was open.
func (b *Bot) closePosition(ctx context.Context, symbol, reason string) bool {
	b.syncPosition(ctx, symbol)

	now := b.now()
	b.mu.Lock()
	if !b.pos.open || b.pos.qty <= 0 {
		b.mu.Unlock()
		return true
	}
	if b.pos.closeAttempted && now.Sub(b.pos.lastCloseAttempt) < closeDebounce {
		b.mu.Unlock()
		return false
	}
	b.pos.closeAttempted = true
	b.pos.lastCloseAttempt = now
	pos := b.pos
	b.mu.Unlock()

	b.deps.Gateway.CancelOpenOrders(ctx, symbol)
	b.pause(postOrderPause)

	_, err := b.deps.Gateway.PlaceMarketOrder(ctx, symbol, pos.side.Opposite(), pos.qty)
	if err != nil {
		b.log.Error().Err(err).Str("symbol", symbol).Msg("close order failed")
		b.mu.Lock()
		b.pos.closeAttempted = false
		b.mu.Unlock()
		return false
	}

	exitPrice, priceErr := b.deps.Gateway.CurrentPrice(ctx, symbol)
	if priceErr != nil || exitPrice <= 0 {
		exitPrice = pos.entry
	}
	pnl, roi, _ := computeROI(pos.side, pos.entry, exitPrice, pos.qty, b.cfg.Leverage)

	trade := &database.TradeRecord{
		BotID:       b.cfg.ID,
		Symbol:      symbol,
		Side:        "CLOSE_" + string(pos.side.Opposite()),
		EntryPrice:  pos.entry,
		ExitPrice:   exitPrice,
		Quantity:    pos.qty,
		Leverage:    b.cfg.Leverage,
		PnL:         pnl,
		ROI:         roi,
		CloseReason: reason,
		OpenedAt:    pos.openedAt,
		ClosedAt:    now,
	}
	if err := b.deps.Store.CloseAndRecord(ctx, trade); err != nil {
		b.log.Error().Err(err).Str("symbol", symbol).Msg("error recording close")
	}
	b.deps.Mirror.Remove(ctx, b.cfg.ID, symbol)

	b.mu.Lock()
	b.pos = position{}
	b.lastCloseAt = now
	b.lastClosedSide = pos.side
	b.mu.Unlock()

	b.deps.Metrics.OrdersPlaced.WithLabelValues(string(pos.side.Opposite())).Inc()
	b.deps.Metrics.TradesClosed.WithLabelValues(reason).Inc()
	b.deps.Metrics.OpenPositions.Dec()
	b.deps.Metrics.RealizedPnL.Add(pnl)
	b.deps.Events.PublishTradeClosed(b.cfg.ID, symbol, string(pos.side), reason, pnl, roi)
	b.deps.Notifier.SendTradeClose(b.cfg.Name, symbol, reason, exitPrice, pnl, roi)
	b.log.Info().
		Str("symbol", symbol).
		Str("reason", reason).
		Float64("pnl", pnl).
		Float64("roi", roi).
		Msg("position closed")

	// The symbol stays attached after a close. The coordinator claim is
	// released so other bots may pick it up, but this bot keeps working
	// the pair and can re-enter once the cooldowns pass.
	b.deps.Coordinator.MarkLostSymbol(b.cfg.ID, symbol)
	return true
}

// stopSymbol fully winds down the symbol: close the position if one is
// open, then detach and clear the persisted rows. Used on operator stop
// and when margin protection trips.
func (b *Bot) stopSymbol(ctx context.Context, symbol, reason string) {
	b.mu.Lock()
	open := b.pos.open
	// A pending debounce must not block an emergency close.
	b.pos.closeAttempted = false
	b.mu.Unlock()

	if open {
		if !b.closePosition(ctx, symbol, reason) {
			b.log.Error().Str("symbol", symbol).Str("reason", reason).Msg("error closing position on stop")
		}
	}
	if err := b.deps.Store.DeleteOpenPosition(ctx, b.cfg.ID, symbol); err != nil {
		b.log.Warn().Err(err).Msg("error deleting position row on stop")
	}
	b.deps.Mirror.Remove(ctx, b.cfg.ID, symbol)
	b.detachSymbol(ctx, symbol)
	b.deps.Coordinator.FinishSearch(b.cfg.ID)
}

// releaseSymbol walks away from a symbol that failed the entry protocol.
func (b *Bot) releaseSymbol(ctx context.Context, symbol string) {
	if b.cfg.Symbol != "" {
		return
	}
	b.detachSymbol(ctx, symbol)
}
