// Package bot runs one trading actor: a goroutine that owns at most one
// symbol at a time, opens and closes positions on it, and hands the
// market-search slot around through the fleet coordinator.
package bot

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binance-futures-fleet/internal/binance"
	"binance-futures-fleet/internal/coordinator"
	"binance-futures-fleet/internal/database"
	"binance-futures-fleet/internal/events"
	"binance-futures-fleet/internal/metrics"
	"binance-futures-fleet/internal/notification"
	"binance-futures-fleet/internal/safety"
	"binance-futures-fleet/internal/signal"
)

// Cadences and cooldowns of the tick loop.
const (
	tickInterval   = 1 * time.Second
	censusInterval = 30 * time.Second
	syncInterval   = 30 * time.Second

	openCooldown  = 30 * time.Second
	closeCooldown = 30 * time.Second
	closeDebounce = 30 * time.Second
	pyramidGap    = 60 * time.Second

	// postOrderPause sits between cancel-all and the market order, and
	// between the fill and the position re-sync, giving the venue time to
	// settle its books.
	postOrderPause = 1 * time.Second

	// reversalROIFloor is the loss level at which the early-reversal check
	// starts listening for an opposite signal.
	reversalROIFloor = -50

	// Imbalance thresholds for the census side selection. The volume
	// strategy only leans against a pronounced imbalance; the volatility
	// strategy leans against anything beyond noise.
	volumeImbalanceMin     = 0.1
	volatilityImbalanceMin = 0.01
)

// Static bot entry modes.
const (
	EntrySignal  = "signal"  // open in the signaled direction
	EntryReverse = "reverse" // open against the fleet balance / last close
	EntryWait    = "wait"    // same as signal; kept as a distinct knob
)

// Config is one bot's trading parameters.
type Config struct {
	ID   string
	Name string

	// Symbol pins the bot to one pair. Empty means dynamic: the bot
	// searches the market for its next symbol.
	Symbol string

	Leverage       int
	BalancePercent float64

	TakeProfit float64 // close at or above this ROI percent
	StopLoss   float64 // close at or below the negative of this ROI percent

	// ROITrigger arms the smart exit once ROI has touched this level.
	// Zero disables the smart exit.
	ROITrigger float64

	PyramidMax  int     // additional entries allowed while losing
	PyramidStep float64 // ROI percent between pyramid entries

	SearchMode    signal.SearchMode
	EntryMode     string // static bots only
	ReverseOnStop bool   // flip into the opposite side on an early reversal
}

// Store is the persistence surface the bot uses. *database.Repository
// implements it.
type Store interface {
	SetBotSymbol(ctx context.Context, id, symbol string) error
	UpsertOpenPosition(ctx context.Context, p *database.BotPosition) error
	OpenPositions(ctx context.Context, botID string) ([]database.BotPosition, error)
	DeleteOpenPosition(ctx context.Context, botID, symbol string) error
	RecordFill(ctx context.Context, fill *database.TradeRecord) error
	CloseAndRecord(ctx context.Context, trade *database.TradeRecord) error
	BlacklistSet(ctx context.Context) (map[string]bool, error)
}

// Deps are the shared services a bot runs against.
type Deps struct {
	Gateway     binance.Gateway
	Store       Store
	Mirror      *database.PositionMirror
	Coordinator *coordinator.Coordinator
	Analyzer    *signal.Analyzer
	Governor    *safety.Governor
	Events      *events.EventBus
	Notifier    *notification.Manager
	Metrics     *metrics.Fleet
	Logger      zerolog.Logger
}

// position is the bot's view of its open position on the current symbol.
type position struct {
	open  bool
	side  binance.Side
	qty   float64 // always positive
	entry float64

	openedAt         time.Time
	highWaterROI     float64
	smartExitArmed   bool
	closeAttempted   bool
	lastCloseAttempt time.Time
	pyramidCount     int
	pyramidBaseROI   float64
	lastPyramidAt    time.Time
}

// census is the account-wide exposure tally.
type census struct {
	longCount   int
	shortCount  int
	longVolume  float64
	shortVolume float64
}

// Bot is one trading actor.
type Bot struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	mu             sync.Mutex
	symbol         string // currently attached symbol, "" when searching
	pos            position
	fleet          census
	lastSync       time.Time
	lastCensus     time.Time
	lastOpenAt     time.Time
	lastCloseAt    time.Time
	lastClosedSide binance.Side
	stopRequested  bool

	done chan struct{}

	// Injected for tests.
	now   func() time.Time
	pause func(time.Duration)
	rng   *rand.Rand
}

// New builds a bot. Call Run to start its loop.
func New(cfg Config, deps Deps) *Bot {
	if cfg.EntryMode == "" {
		cfg.EntryMode = EntrySignal
	}
	if cfg.SearchMode == "" {
		cfg.SearchMode = signal.SearchByVolume
	}
	return &Bot{
		cfg:   cfg,
		deps:  deps,
		log:   deps.Logger.With().Str("bot", cfg.ID).Str("name", cfg.Name).Logger(),
		done:  make(chan struct{}),
		now:   time.Now,
		pause: time.Sleep,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetClock replaces the time source, used by tests.
func (b *Bot) SetClock(now func() time.Time, pause func(time.Duration)) {
	b.now = now
	b.pause = pause
}

// SetRand replaces the coin-flip source, used by tests.
func (b *Bot) SetRand(rng *rand.Rand) { b.rng = rng }

// ID returns the bot id.
func (b *Bot) ID() string { return b.cfg.ID }

// Config returns the bot's parameters.
func (b *Bot) Config() Config { return b.cfg }

// Status is the bot's live state for the API.
type Status struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Symbol       string  `json:"symbol"`
	PositionOpen bool    `json:"position_open"`
	Side         string  `json:"side,omitempty"`
	EntryPrice   float64 `json:"entry_price,omitempty"`
	Quantity     float64 `json:"quantity,omitempty"`
	PyramidCount int     `json:"pyramid_count"`
	Leverage     int     `json:"leverage"`
	SearchMode   string  `json:"search_mode"`
}

// Status snapshots the bot for the API.
func (b *Bot) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		ID:           b.cfg.ID,
		Name:         b.cfg.Name,
		Symbol:       b.symbol,
		PositionOpen: b.pos.open,
		Side:         string(b.pos.side),
		EntryPrice:   b.pos.entry,
		Quantity:     b.pos.qty,
		PyramidCount: b.pos.pyramidCount,
		Leverage:     b.cfg.Leverage,
		SearchMode:   string(b.cfg.SearchMode),
	}
}

// Run drives the tick loop until the context ends or Stop is called.
func (b *Bot) Run(ctx context.Context) {
	defer close(b.done)

	b.restore(ctx)
	b.deps.Events.PublishBotStarted(b.cfg.ID, b.cfg.Name)
	b.log.Info().
		Str("symbol", b.cfg.Symbol).
		Int("leverage", b.cfg.Leverage).
		Float64("percent", b.cfg.BalancePercent).
		Msg("bot started")

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			stopping := b.stopRequested
			b.mu.Unlock()
			if stopping {
				return
			}
			b.Tick(ctx)
		}
	}
}

// Stop closes any open position, releases the symbol and ends the loop.
func (b *Bot) Stop(ctx context.Context) {
	b.mu.Lock()
	b.stopRequested = true
	symbol := b.symbol
	b.mu.Unlock()

	if symbol != "" {
		b.stopSymbol(ctx, symbol, "operator stop")
	}
	b.deps.Coordinator.Remove(b.cfg.ID)
	b.deps.Events.PublishBotStopped(b.cfg.ID)
	b.log.Info().Msg("bot stopped")
}

// Done is closed when the run loop has exited.
func (b *Bot) Done() <-chan struct{} { return b.done }

// Tick is one pass of the trading loop. Exported so tests can drive the bot
// deterministically without the ticker.
func (b *Bot) Tick(ctx context.Context) {
	now := b.now()

	// Margin protection comes before everything else.
	verdict := b.deps.Governor.Evaluate(ctx, now)
	if verdict.Tripped {
		b.deps.Metrics.SafetyTrips.Inc()
		if verdict.Ratio != nil {
			b.deps.Events.PublishSafetyTripped(*verdict.Ratio)
			b.deps.Notifier.SendSafetyTrip(*verdict.Ratio)
		}
		b.mu.Lock()
		symbol := b.symbol
		b.mu.Unlock()
		if symbol != "" {
			b.stopSymbol(ctx, symbol, "margin protection")
		}
		return
	}

	b.mu.Lock()
	needCensus := now.Sub(b.lastCensus) >= censusInterval
	if needCensus {
		b.lastCensus = now
	}
	symbol := b.symbol
	b.mu.Unlock()

	if needCensus {
		b.updateCensus(ctx)
	}

	if symbol == "" {
		b.acquireSymbol(ctx)
		return
	}

	b.processSymbol(ctx, symbol, now)
}

// restore rebuilds bot state from persisted open positions at startup.
func (b *Bot) restore(ctx context.Context) {
	rows, err := b.deps.Store.OpenPositions(ctx, b.cfg.ID)
	if err != nil {
		b.log.Error().Err(err).Msg("error restoring positions")
		return
	}

	for _, row := range rows {
		b.mu.Lock()
		b.symbol = row.Symbol
		b.pos = position{
			open:           true,
			side:           binance.Side(row.Side),
			qty:            row.Quantity,
			entry:          row.EntryPrice,
			openedAt:       row.OpenedAt,
			pyramidCount:   row.PyramidCount,
			pyramidBaseROI: row.BaseROI,
		}
		b.mu.Unlock()

		b.deps.Coordinator.MarkHasSymbol(b.cfg.ID, row.Symbol)
		b.deps.Gateway.SubscribeTrades(row.Symbol, func(float64, time.Time) {})
		b.log.Info().
			Str("symbol", row.Symbol).
			Str("side", row.Side).
			Float64("entry", row.EntryPrice).
			Msg("restored open position")
		return
	}

	if b.cfg.Symbol != "" {
		b.attachSymbol(ctx, b.cfg.Symbol)
	}
}

// acquireSymbol finds the bot's next symbol. Static bots re-attach their
// pinned pair; dynamic bots wait for the search slot and scan the market.
func (b *Bot) acquireSymbol(ctx context.Context) {
	if b.cfg.Symbol != "" {
		if !b.hasVenuePosition(ctx, b.cfg.Symbol) {
			b.attachSymbol(ctx, b.cfg.Symbol)
		}
		return
	}

	if !b.deps.Coordinator.RequestSearch(b.cfg.ID) {
		return
	}

	symbol, _, err := b.deps.Analyzer.FindCandidate(ctx, b.cfg.SearchMode, b.cfg.Leverage, b.skipSymbol(ctx))
	if err != nil {
		b.log.Warn().Err(err).Msg("market scan failed")
		b.deps.Coordinator.FinishSearch(b.cfg.ID)
		return
	}
	if symbol == "" {
		// Nothing tradable right now; pass the slot along.
		b.deps.Coordinator.FinishSearch(b.cfg.ID)
		return
	}

	if !b.deps.Coordinator.IsSymbolAvailable(b.cfg.ID, symbol) {
		b.deps.Coordinator.FinishSearch(b.cfg.ID)
		return
	}
	if !b.attachSymbol(ctx, symbol) {
		b.deps.Coordinator.FinishSearch(b.cfg.ID)
		return
	}

	// The scan took time. If someone opened on the symbol meanwhile,
	// walk away immediately.
	b.pause(postOrderPause)
	if b.hasVenuePosition(ctx, symbol) {
		b.log.Warn().Str("symbol", symbol).Msg("position appeared after attach, releasing")
		b.detachSymbol(ctx, symbol)
		b.deps.Coordinator.FinishSearch(b.cfg.ID)
		return
	}

	// The slot stays ours until the entry fills, so no other bot scans
	// while we line up the order.
	b.log.Info().Str("symbol", symbol).Msg("symbol found, waiting for entry")
}

// skipSymbol builds the scan filter: blacklisted symbols and symbols held
// by other bots are off limits.
func (b *Bot) skipSymbol(ctx context.Context) func(string) bool {
	blacklist, err := b.deps.Store.BlacklistSet(ctx)
	if err != nil {
		b.log.Warn().Err(err).Msg("error loading blacklist")
		blacklist = nil
	}
	return func(symbol string) bool {
		if blacklist[symbol] {
			return true
		}
		return !b.deps.Coordinator.IsSymbolAvailable(b.cfg.ID, symbol)
	}
}

// attachSymbol claims the symbol and starts streaming it.
func (b *Bot) attachSymbol(ctx context.Context, symbol string) bool {
	b.mu.Lock()
	if b.symbol != "" {
		b.mu.Unlock()
		return false
	}
	b.symbol = symbol
	b.pos = position{}
	b.mu.Unlock()

	b.deps.Coordinator.MarkHasSymbol(b.cfg.ID, symbol)
	if err := b.deps.Gateway.SubscribeTrades(symbol, func(float64, time.Time) {}); err != nil {
		b.log.Warn().Err(err).Str("symbol", symbol).Msg("trade stream subscribe failed")
	}
	if err := b.deps.Store.SetBotSymbol(ctx, b.cfg.ID, symbol); err != nil {
		b.log.Warn().Err(err).Msg("error persisting symbol")
	}
	b.deps.Events.Publish(events.Event{
		Type: events.EventSymbolAttached,
		Data: map[string]interface{}{"bot_id": b.cfg.ID, "symbol": symbol},
	})
	return true
}

// detachSymbol releases the symbol and stops streaming it.
func (b *Bot) detachSymbol(ctx context.Context, symbol string) {
	b.mu.Lock()
	if b.symbol == symbol {
		b.symbol = ""
		b.pos = position{}
	}
	b.mu.Unlock()

	b.deps.Gateway.UnsubscribeTrades(symbol)
	b.deps.Coordinator.MarkLostSymbol(b.cfg.ID, symbol)
	if err := b.deps.Store.SetBotSymbol(ctx, b.cfg.ID, ""); err != nil {
		b.log.Warn().Err(err).Msg("error clearing symbol")
	}
	b.deps.Events.Publish(events.Event{
		Type: events.EventSymbolReleased,
		Data: map[string]interface{}{"bot_id": b.cfg.ID, "symbol": symbol},
	})
}

// processSymbol advances the attached symbol by one tick.
func (b *Bot) processSymbol(ctx context.Context, symbol string, now time.Time) {
	b.mu.Lock()
	needSync := now.Sub(b.lastSync) >= syncInterval
	if needSync {
		b.lastSync = now
	}
	b.mu.Unlock()

	if needSync {
		b.syncPosition(ctx, symbol)
	}

	b.mu.Lock()
	open := b.pos.open
	lastOpen := b.lastOpenAt
	lastClose := b.lastCloseAt
	b.mu.Unlock()

	if open {
		if b.cfg.Symbol == "" {
			var exited bool
			if b.cfg.SearchMode == signal.SearchByVolume {
				exited = b.checkSmartExit(ctx, symbol)
			} else {
				exited = b.checkEarlyReversal(ctx, symbol)
			}
			if exited {
				return
			}
		}
		b.checkTakeProfitStopLoss(ctx, symbol)
		if b.cfg.PyramidMax > 0 {
			b.checkPyramid(ctx, symbol, now)
		}
		return
	}

	if now.Sub(lastOpen) < openCooldown || now.Sub(lastClose) < closeCooldown {
		return
	}
	b.tryEntry(ctx, symbol)
}

// tryEntry opens a position when the signal and the side selection agree.
func (b *Bot) tryEntry(ctx context.Context, symbol string) {
	sigSide, ok, err := b.deps.Analyzer.EntrySignal(ctx, symbol)
	if err != nil || !ok {
		return
	}

	var side binance.Side
	if b.cfg.Symbol != "" {
		switch b.cfg.EntryMode {
		case EntryReverse:
			side = b.reverseSide()
		default: // signal, wait
			side = sigSide
		}
	} else {
		// Dynamic bots only enter when the signal matches the side the
		// fleet census wants next; a disagreement skips the tick.
		side = b.balancingSide()
		if sigSide != side {
			return
		}
	}

	if b.hasVenuePosition(ctx, symbol) {
		return
	}
	if b.openPosition(ctx, symbol, side) {
		b.mu.Lock()
		b.lastOpenAt = b.now()
		b.mu.Unlock()
		// Entry complete: pass the search slot along.
		b.deps.Coordinator.FinishSearch(b.cfg.ID)
	}
}

// reverseSide picks the contrarian side for static reverse mode: against
// the last close when there was one, otherwise against the fleet balance.
func (b *Bot) reverseSide() binance.Side {
	b.mu.Lock()
	last := b.lastClosedSide
	b.mu.Unlock()
	if last.Valid() {
		return last.Opposite()
	}
	return b.balancingSide().Opposite()
}

// balancingSide resolves the side the fleet balance asks for. The volume
// strategy only leans against a pronounced imbalance; volatility leans
// against anything beyond noise. Ties flip a coin.
func (b *Bot) balancingSide() binance.Side {
	b.mu.Lock()
	c := b.fleet
	b.mu.Unlock()

	threshold := volumeImbalanceMin
	if b.cfg.SearchMode == signal.SearchByVolatility {
		threshold = volatilityImbalanceMin
	}

	if c.longVolume > 0 || c.shortVolume > 0 {
		total := c.longVolume + c.shortVolume
		imbalance := abs(c.longVolume-c.shortVolume) / total
		if imbalance > threshold {
			if c.longVolume > c.shortVolume {
				return binance.SideSell
			}
			return binance.SideBuy
		}
		return b.coinFlip()
	}

	switch {
	case c.longCount > c.shortCount:
		return binance.SideSell
	case c.shortCount > c.longCount:
		return binance.SideBuy
	default:
		return b.coinFlip()
	}
}

func (b *Bot) coinFlip() binance.Side {
	if b.rng.Intn(2) == 0 {
		return binance.SideBuy
	}
	return binance.SideSell
}

// updateCensus tallies account-wide long and short exposure, weighted by
// leverage.
func (b *Bot) updateCensus(ctx context.Context) {
	positions, err := b.deps.Gateway.Positions(ctx, "")
	if err != nil {
		b.log.Warn().Err(err).Msg("census lookup failed")
		return
	}

	var c census
	for _, p := range positions {
		if p.PositionAmt == 0 {
			continue
		}
		price := p.MarkPrice
		if price <= 0 {
			price = p.EntryPrice
		}
		if price <= 0 {
			continue
		}
		lev := p.Leverage
		if lev <= 0 {
			lev = 1
		}
		weighted := abs(p.PositionAmt) * price * lev
		if p.PositionAmt > 0 {
			c.longCount++
			c.longVolume += weighted
		} else {
			c.shortCount++
			c.shortVolume += weighted
		}
	}

	b.mu.Lock()
	b.fleet = c
	b.mu.Unlock()
}

// hasVenuePosition reports whether any position exists on the symbol
// account-wide. Lookup errors read as held.
func (b *Bot) hasVenuePosition(ctx context.Context, symbol string) bool {
	positions, err := b.deps.Gateway.Positions(ctx, symbol)
	if err != nil {
		return true
	}
	for _, p := range positions {
		if p.PositionAmt != 0 {
			return true
		}
	}
	return false
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
