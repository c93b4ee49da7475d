package signal

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"binance-futures-fleet/internal/binance"
)

// buildKlines makes 15 candles from close and volume series. The last candle
// is the forming one and should be ignored by the decision.
func buildKlines(closes, volumes []float64) []binance.Kline {
	klines := make([]binance.Kline, len(closes))
	for i := range closes {
		klines[i] = binance.Kline{
			OpenTime: int64(i) * 300_000,
			Open:     closes[i],
			High:     closes[i],
			Low:      closes[i],
			Close:    closes[i],
			Volume:   volumes[i],
		}
	}
	return klines
}

// series repeats base and then applies the last few overrides.
func series(base float64, n int, tail ...float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = base
	}
	copy(out[n-len(tail):], tail)
	return out
}

func rising(start, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

func falling(start, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start - step*float64(i)
	}
	return out
}

func TestComputeRSI(t *testing.T) {
	if got := computeRSI(rising(100, 1, 15), 14); got != 100 {
		t.Errorf("all-gains RSI = %v, want 100", got)
	}
	if got := computeRSI(falling(100, 1, 15), 14); got != 0 {
		t.Errorf("all-losses RSI = %v, want 0", got)
	}
	if got := computeRSI([]float64{1, 2, 3}, 14); got != 50 {
		t.Errorf("short series RSI = %v, want neutral 50", got)
	}

	// Alternating equal gains and losses settle at 50.
	alternating := make([]float64, 15)
	for i := range alternating {
		alternating[i] = 100
		if i%2 == 1 {
			alternating[i] = 101
		}
	}
	got := computeRSI(alternating, 14)
	if got < 49.9 || got > 50.1 {
		t.Errorf("balanced series RSI = %v, want ~50", got)
	}
}

func TestEvaluateDecisionTable(t *testing.T) {
	const threshold = 50

	cases := []struct {
		name     string
		closes   []float64
		volumes  []float64
		wantSide binance.Side
		wantOK   bool
	}{
		{
			// Overbought, still climbing on surging volume: blow-off top.
			name:     "high rsi price up volume up sells",
			closes:   rising(100, 1, 15),
			volumes:  series(100, 15, 100, 200, 0),
			wantSide: binance.SideSell,
			wantOK:   true,
		},
		{
			// Oversold, still falling on collapsing volume.
			name:     "low rsi price down volume down sells",
			closes:   falling(100, 1, 15),
			volumes:  series(100, 15, 100, 20, 0),
			wantSide: binance.SideSell,
			wantOK:   true,
		},
		{
			// Overbought climb on fading volume: momentum continuation.
			name:     "high rsi price up volume down buys",
			closes:   rising(100, 1, 15),
			volumes:  series(100, 15, 100, 20, 0),
			wantSide: binance.SideBuy,
			wantOK:   true,
		},
		{
			// Oversold drop on surging volume: capitulation bounce.
			name:     "low rsi price down volume up buys",
			closes:   falling(100, 1, 15),
			volumes:  series(100, 15, 100, 200, 0),
			wantSide: binance.SideBuy,
			wantOK:   true,
		},
		{
			// Mid RSI, price holding, volume draining.
			name:     "mid rsi flat price volume down buys",
			closes:   balanced(15),
			volumes:  series(100, 15, 100, 20, 0),
			wantSide: binance.SideBuy,
			wantOK:   true,
		},
		{
			// Mid RSI, price stalling, volume surging.
			name:     "mid rsi price down volume up sells",
			closes:   balancedDownLast(15),
			volumes:  series(100, 15, 100, 200, 0),
			wantSide: binance.SideSell,
			wantOK:   true,
		},
		{
			// Quiet tape: no row matches.
			name:    "flat volume yields no signal",
			closes:  rising(100, 1, 15),
			volumes: series(100, 15),
			wantOK:  false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			side, ok := evaluate(buildKlines(tc.closes, tc.volumes), threshold)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && side != tc.wantSide {
				t.Fatalf("side = %s, want %s", side, tc.wantSide)
			}
		})
	}
}

// balanced yields a mid-range RSI with the decision candle closing higher.
func balanced(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100
		if i%2 == 1 {
			out[i] = 101
		}
	}
	// Decision compares out[n-2] against out[n-3]; make it a rise.
	out[n-3], out[n-2] = 100, 101
	return out
}

// balancedDownLast yields a mid-range RSI with the decision candle closing lower.
func balancedDownLast(n int) []float64 {
	out := balanced(n)
	out[n-3], out[n-2] = 101, 100
	return out
}

func TestEvaluateNeedsFullWindow(t *testing.T) {
	if _, ok := evaluate(buildKlines(rising(100, 1, 10), series(100, 10)), 50); ok {
		t.Fatal("short kline window should yield no signal")
	}
}

func TestSignalCache(t *testing.T) {
	gw := binance.NewMockGateway()
	gw.KlineData["BTCUSDT"] = buildKlines(rising(100, 1, 15), series(100, 15, 100, 200, 0))

	now := time.Unix(1_700_000_000, 0)
	a := NewAnalyzer(gw, zerolog.Nop())
	a.SetClock(func() time.Time { return now }, func(time.Duration) {})

	side, ok, err := a.EntrySignal(context.Background(), "BTCUSDT")
	if err != nil || !ok || side != binance.SideSell {
		t.Fatalf("first signal = %s %v %v, want SELL", side, ok, err)
	}

	// New data would flip the signal but the cache still serves the old one.
	gw.KlineData["BTCUSDT"] = buildKlines(rising(100, 1, 15), series(100, 15))
	now = now.Add(10 * time.Second)
	if _, ok, _ := a.EntrySignal(context.Background(), "BTCUSDT"); !ok {
		t.Fatal("cached signal should still be served inside the TTL")
	}

	now = now.Add(25 * time.Second)
	if _, ok, _ := a.EntrySignal(context.Background(), "BTCUSDT"); ok {
		t.Fatal("expired cache should re-evaluate and find no signal")
	}
}

func TestCacheIsPerThreshold(t *testing.T) {
	gw := binance.NewMockGateway()
	gw.KlineData["BTCUSDT"] = buildKlines(rising(100, 1, 15), series(100, 15, 100, 160, 0))

	a := NewAnalyzer(gw, zerolog.Nop())
	a.SetClock(func() time.Time { return time.Unix(1_700_000_000, 0) }, func(time.Duration) {})

	// +60% volume clears the entry threshold but not the exit threshold.
	if _, ok, _ := a.EntrySignal(context.Background(), "BTCUSDT"); !ok {
		t.Fatal("entry threshold should be cleared")
	}
	if _, ok, _ := a.ExitSignal(context.Background(), "BTCUSDT"); ok {
		t.Fatal("exit threshold should not be cleared by the same move")
	}
}

func TestFindCandidateScansRanking(t *testing.T) {
	gw := binance.NewMockGateway()
	gw.VolumeTop = []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"}
	// Only BBBUSDT has an entry signal.
	gw.KlineData["AAAUSDT"] = buildKlines(rising(100, 1, 15), series(100, 15))
	gw.KlineData["BBBUSDT"] = buildKlines(rising(100, 1, 15), series(100, 15, 100, 200, 0))
	gw.KlineData["CCCUSDT"] = buildKlines(rising(100, 1, 15), series(100, 15))

	now := time.Unix(1_700_000_000, 0)
	a := NewAnalyzer(gw, zerolog.Nop())
	a.SetClock(func() time.Time { return now }, func(time.Duration) {})
	a.SetRand(rand.New(rand.NewSource(1)))

	symbol, side, err := a.FindCandidate(context.Background(), SearchByVolume, 10, nil)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if symbol != "BBBUSDT" || side != binance.SideSell {
		t.Fatalf("pick = %s/%s, want BBBUSDT/SELL", symbol, side)
	}
}

func TestFindCandidateSkipsAndCooldown(t *testing.T) {
	gw := binance.NewMockGateway()
	gw.VolumeTop = []string{"AAAUSDT", "BBBUSDT"}
	hot := buildKlines(rising(100, 1, 15), series(100, 15, 100, 200, 0))
	gw.KlineData["AAAUSDT"] = hot
	gw.KlineData["BBBUSDT"] = hot

	now := time.Unix(1_700_000_000, 0)
	a := NewAnalyzer(gw, zerolog.Nop())
	a.SetClock(func() time.Time { return now }, func(time.Duration) {})
	a.SetRand(rand.New(rand.NewSource(1)))

	skip := func(sym string) bool { return sym == "AAAUSDT" }
	symbol, _, err := a.FindCandidate(context.Background(), SearchByVolume, 10, skip)
	if err != nil || symbol != "BBBUSDT" {
		t.Fatalf("pick = %q %v, want BBBUSDT", symbol, err)
	}

	// A second scan inside the cooldown window returns empty.
	now = now.Add(5 * time.Second)
	symbol, _, err = a.FindCandidate(context.Background(), SearchByVolume, 10, nil)
	if err != nil || symbol != "" {
		t.Fatalf("cooldown scan = %q %v, want empty", symbol, err)
	}
}

func TestFindCandidateSkipsHeldSymbols(t *testing.T) {
	gw := binance.NewMockGateway()
	gw.VolumeTop = []string{"AAAUSDT"}
	gw.KlineData["AAAUSDT"] = buildKlines(rising(100, 1, 15), series(100, 15, 100, 200, 0))
	gw.SetPosition("AAAUSDT", 1.5, 100, 10)

	a := NewAnalyzer(gw, zerolog.Nop())
	a.SetClock(func() time.Time { return time.Unix(1_700_000_000, 0) }, func(time.Duration) {})

	symbol, _, err := a.FindCandidate(context.Background(), SearchByVolume, 10, nil)
	if err != nil || symbol != "" {
		t.Fatalf("pick = %q %v, want empty for venue-held symbol", symbol, err)
	}
}

func TestFindCandidateRespectsLeverageFloor(t *testing.T) {
	gw := binance.NewMockGateway()
	gw.VolumeTop = []string{"AAAUSDT"}
	gw.KlineData["AAAUSDT"] = buildKlines(rising(100, 1, 15), series(100, 15, 100, 200, 0))
	gw.LeverageCaps["AAAUSDT"] = 5

	a := NewAnalyzer(gw, zerolog.Nop())
	a.SetClock(func() time.Time { return time.Unix(1_700_000_000, 0) }, func(time.Duration) {})

	symbol, _, err := a.FindCandidate(context.Background(), SearchByVolume, 20, nil)
	if err != nil || symbol != "" {
		t.Fatalf("pick = %q %v, want empty for low leverage cap", symbol, err)
	}
}
