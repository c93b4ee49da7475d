package binance

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// minRequestInterval is the minimum spacing between any two REST requests,
// signed or public, across the whole process. Binance bans aggressively on
// burst traffic from fleet-style callers.
const minRequestInterval = 100 * time.Millisecond

// RequestGate serializes outbound REST traffic so that no two requests are
// issued less than minRequestInterval apart, regardless of how many bots are
// running. All clients share the process-wide gate.
type RequestGate struct {
	limiter *rate.Limiter
}

// NewRequestGate builds a gate with the given minimum interval.
func NewRequestGate(interval time.Duration) *RequestGate {
	return &RequestGate{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the caller may issue a request, or until ctx is done.
func (g *RequestGate) Wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

// globalGate is shared by every FuturesClient in the process. Each bot owns
// its own credentials and client, but the venue rate-limits by IP.
var globalGate = NewRequestGate(minRequestInterval)

// Gate returns the process-wide request gate.
func Gate() *RequestGate {
	return globalGate
}
