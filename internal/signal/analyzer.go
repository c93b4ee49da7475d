// Package signal derives entry, exit and reversal signals from 5m candles
// and runs the market scan that finds tradable symbols for searching bots.
package signal

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binance-futures-fleet/internal/binance"
)

// Volume thresholds (percent change candle over candle) for the three signal
// strengths. A higher threshold demands a stronger volume move, so exits
// require more conviction than entries and reversals require the least.
const (
	EntryVolumeThreshold    = 50
	ExitVolumeThreshold     = 100
	ReversalVolumeThreshold = 20
)

const (
	klineInterval = "5m"
	klineLimit    = 15
	rsiPeriod     = 14

	signalCacheTTL = 30 * time.Second
	scanCooldown   = 10 * time.Second
	scanSpacing    = 500 * time.Millisecond

	rankingLimit     = 20
	minQuoteVolume   = 50_000
	minVolatilityPct = 3
)

// SearchMode selects the ranking a scan walks.
type SearchMode string

const (
	SearchByVolume     SearchMode = "volume"
	SearchByVolatility SearchMode = "volatility"
)

type cacheKey struct {
	symbol    string
	threshold float64
}

type cachedSignal struct {
	side binance.Side
	ok   bool
	at   time.Time
}

// Analyzer computes signals over exchange candles. One analyzer is shared by
// the fleet; results are cached per (symbol, threshold) for 30 seconds.
type Analyzer struct {
	gw     binance.Gateway
	logger zerolog.Logger

	mu       sync.Mutex
	cache    map[cacheKey]cachedSignal
	lastScan time.Time

	// Injected for tests. now drives cache expiry and the scan cooldown,
	// pause spaces per-symbol signal calls inside a scan, rng breaks ties
	// between candidates.
	now   func() time.Time
	pause func(time.Duration)
	rng   *rand.Rand
}

// NewAnalyzer builds an analyzer over the gateway.
func NewAnalyzer(gw binance.Gateway, logger zerolog.Logger) *Analyzer {
	return &Analyzer{
		gw:     gw,
		logger: logger.With().Str("component", "signal").Logger(),
		cache:  make(map[cacheKey]cachedSignal),
		now:    time.Now,
		pause:  time.Sleep,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetClock replaces the time source and pause behavior, used by tests.
func (a *Analyzer) SetClock(now func() time.Time, pause func(time.Duration)) {
	a.now = now
	a.pause = pause
}

// SetRand replaces the tie-break source, used by tests and by bots that need
// deterministic candidate selection.
func (a *Analyzer) SetRand(rng *rand.Rand) { a.rng = rng }

// EntrySignal reports the side to open, if any.
func (a *Analyzer) EntrySignal(ctx context.Context, symbol string) (binance.Side, bool, error) {
	return a.signalAt(ctx, symbol, EntryVolumeThreshold)
}

// ExitSignal reports a strong counter-move on the symbol, if any.
func (a *Analyzer) ExitSignal(ctx context.Context, symbol string) (binance.Side, bool, error) {
	return a.signalAt(ctx, symbol, ExitVolumeThreshold)
}

// ReversalSignal is the most sensitive read, used to catch an early turn
// right after an open.
func (a *Analyzer) ReversalSignal(ctx context.Context, symbol string) (binance.Side, bool, error) {
	return a.signalAt(ctx, symbol, ReversalVolumeThreshold)
}

func (a *Analyzer) signalAt(ctx context.Context, symbol string, threshold float64) (binance.Side, bool, error) {
	key := cacheKey{symbol: symbol, threshold: threshold}

	a.mu.Lock()
	if c, ok := a.cache[key]; ok && a.now().Sub(c.at) < signalCacheTTL {
		a.mu.Unlock()
		return c.side, c.ok, nil
	}
	a.mu.Unlock()

	klines, err := a.gw.Klines(ctx, symbol, klineInterval, klineLimit)
	if err != nil {
		return "", false, fmt.Errorf("error fetching klines for %s: %w", symbol, err)
	}

	side, ok := evaluate(klines, threshold)

	a.mu.Lock()
	a.cache[key] = cachedSignal{side: side, ok: ok, at: a.now()}
	a.mu.Unlock()

	return side, ok, nil
}

// evaluate runs the RSI and volume decision table over the candles. The last
// candle is still forming, so the decision reads the two most recent closed
// candles.
func evaluate(klines []binance.Kline, threshold float64) (binance.Side, bool) {
	if len(klines) < klineLimit {
		return "", false
	}

	n := len(klines)
	prev, cur := klines[n-3], klines[n-2]

	closes := make([]float64, n)
	for i, k := range klines {
		closes[i] = k.Close
	}
	rsi := computeRSI(closes, rsiPeriod)

	priceChange := cur.Close - prev.Close
	if prev.Volume <= 0 {
		return "", false
	}
	volumeChange := (cur.Volume - prev.Volume) / prev.Volume * 100

	priceUp := priceChange > 0
	priceDown := priceChange < 0
	volumeUp := volumeChange > threshold
	volumeDown := volumeChange < -threshold

	switch {
	case rsi > 80 && priceUp && volumeUp:
		return binance.SideSell, true
	case rsi < 20 && priceDown && volumeDown:
		return binance.SideSell, true
	case rsi > 80 && priceUp && volumeDown:
		return binance.SideBuy, true
	case rsi < 20 && priceDown && volumeUp:
		return binance.SideBuy, true
	case rsi > 20 && !priceDown && volumeDown:
		return binance.SideBuy, true
	case rsi < 80 && !priceUp && volumeUp:
		return binance.SideSell, true
	default:
		return "", false
	}
}

// computeRSI returns the RSI over the close series. Too-short series read as
// neutral 50; a series with no losses reads as 100.
func computeRSI(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50
	}

	var gains, losses float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// FindCandidate scans the ranked market for a symbol with an entry signal.
// skip filters out symbols the caller cannot take (blacklist, symbols held
// by other bots). Scans are rate limited to one per cooldown window; a scan
// inside the window returns empty without touching the exchange.
func (a *Analyzer) FindCandidate(ctx context.Context, mode SearchMode, requiredLeverage int, skip func(string) bool) (string, binance.Side, error) {
	a.mu.Lock()
	if a.now().Sub(a.lastScan) < scanCooldown {
		a.mu.Unlock()
		return "", "", nil
	}
	a.lastScan = a.now()
	a.mu.Unlock()

	var (
		ranked []string
		err    error
	)
	switch mode {
	case SearchByVolatility:
		ranked, err = a.gw.TopByVolatility(ctx, rankingLimit, minVolatilityPct)
	default:
		ranked, err = a.gw.TopByQuoteVolume(ctx, rankingLimit, minQuoteVolume)
	}
	if err != nil {
		return "", "", fmt.Errorf("error ranking symbols: %w", err)
	}

	type candidate struct {
		symbol string
		side   binance.Side
	}
	var candidates []candidate

	for _, symbol := range ranked {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		if skip != nil && skip(symbol) {
			continue
		}
		if a.hasExistingPosition(ctx, symbol) {
			continue
		}

		maxLev, err := a.gw.MaxLeverage(ctx, symbol)
		if err != nil || maxLev < requiredLeverage {
			continue
		}

		a.pause(scanSpacing)
		side, ok, err := a.EntrySignal(ctx, symbol)
		if err != nil || !ok {
			continue
		}
		candidates = append(candidates, candidate{symbol: symbol, side: side})
		a.logger.Info().Str("symbol", symbol).Str("side", string(side)).Msg("scan candidate found")
	}

	if len(candidates) == 0 {
		return "", "", nil
	}

	pick := candidates[a.rng.Intn(len(candidates))]

	// The scan takes time; someone may have opened on the pick meanwhile.
	if a.hasExistingPosition(ctx, pick.symbol) {
		return "", "", nil
	}

	a.logger.Info().Str("symbol", pick.symbol).Str("mode", string(mode)).Msg("scan selected symbol")
	return pick.symbol, pick.side, nil
}

// hasExistingPosition treats a lookup error as held, which keeps a flaky
// venue from handing two bots the same symbol.
func (a *Analyzer) hasExistingPosition(ctx context.Context, symbol string) bool {
	positions, err := a.gw.Positions(ctx, symbol)
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
