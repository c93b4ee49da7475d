// Package safety watches the account-wide margin ratio and orders a full
// position unwind before the venue can liquidate.
package safety

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binance-futures-fleet/internal/binance"
)

const (
	// TripThreshold is the margin balance to maintenance margin ratio at or
	// below which the governor orders all positions closed.
	TripThreshold = 1.15

	// checkInterval paces the account lookups inside the tick loop.
	checkInterval = 10 * time.Second
)

// Verdict is the outcome of one governor evaluation.
type Verdict struct {
	Checked bool     // false when the call landed inside the pacing window
	Tripped bool     // ratio at or below the threshold
	Ratio   *float64 // nil when the account has no maintenance margin
}

// Governor evaluates the margin safety of the whole account. Each bot asks
// it every tick; the governor only hits the exchange once per interval.
type Governor struct {
	gw     binance.Gateway
	logger zerolog.Logger

	mu        sync.Mutex
	lastCheck time.Time
}

// New builds a governor over the gateway.
func New(gw binance.Gateway, logger zerolog.Logger) *Governor {
	return &Governor{
		gw:     gw,
		logger: logger.With().Str("component", "safety").Logger(),
	}
}

// Evaluate checks the margin ratio when the pacing window has elapsed. A
// ratio at or below the threshold trips; a nil ratio (no open positions)
// never trips. Exchange errors report as an unchecked verdict so a flaky
// lookup does not unwind the fleet.
func (g *Governor) Evaluate(ctx context.Context, now time.Time) Verdict {
	g.mu.Lock()
	if now.Sub(g.lastCheck) < checkInterval {
		g.mu.Unlock()
		return Verdict{}
	}
	g.lastCheck = now
	g.mu.Unlock()

	ms, err := g.gw.MarginSafety(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("margin safety lookup failed")
		return Verdict{}
	}
	if ms == nil || ms.Ratio == nil {
		return Verdict{Checked: true}
	}

	tripped := *ms.Ratio <= TripThreshold
	if tripped {
		g.logger.Error().
			Float64("ratio", *ms.Ratio).
			Float64("threshold", TripThreshold).
			Msg("margin protection tripped, unwinding all positions")
	}
	return Verdict{Checked: true, Tripped: tripped, Ratio: ms.Ratio}
}
