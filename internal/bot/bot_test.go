package bot

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
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

// ==================== test fixtures ====================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func noPause(time.Duration) {}

// memStore is an in-memory Store.
type memStore struct {
	mu      sync.Mutex
	symbols map[string]string
	open    map[string]database.BotPosition
	trades  []database.TradeRecord
	fills   []database.TradeRecord
}

func newMemStore() *memStore {
	return &memStore{
		symbols: make(map[string]string),
		open:    make(map[string]database.BotPosition),
	}
}

func posKey(botID, symbol string) string { return botID + "/" + symbol }

func (s *memStore) SetBotSymbol(ctx context.Context, id, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[id] = symbol
	return nil
}

func (s *memStore) UpsertOpenPosition(ctx context.Context, p *database.BotPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[posKey(p.BotID, p.Symbol)] = *p
	return nil
}

func (s *memStore) OpenPositions(ctx context.Context, botID string) ([]database.BotPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.BotPosition
	for _, p := range s.open {
		if p.BotID == botID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) DeleteOpenPosition(ctx context.Context, botID, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, posKey(botID, symbol))
	return nil
}

func (s *memStore) RecordFill(ctx context.Context, fill *database.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, *fill)
	return nil
}

func (s *memStore) CloseAndRecord(ctx context.Context, trade *database.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, posKey(trade.BotID, trade.Symbol))
	s.trades = append(s.trades, *trade)
	return nil
}

func (s *memStore) BlacklistSet(ctx context.Context) (map[string]bool, error) {
	return nil, nil
}

func (s *memStore) tradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades)
}

func (s *memStore) lastTrade() database.TradeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trades[len(s.trades)-1]
}

func (s *memStore) fillMarkers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.fills))
	for i, f := range s.fills {
		out[i] = f.Side
	}
	return out
}

func (s *memStore) openRow(botID, symbol string) (database.BotPosition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.open[posKey(botID, symbol)]
	return p, ok
}

type testHarness struct {
	bot   *Bot
	gw    *binance.MockGateway
	store *memStore
	coord *coordinator.Coordinator
	clock *fakeClock
}

func newTestBot(cfg Config, gw *binance.MockGateway) *testHarness {
	log := zerolog.Nop()
	clock := newFakeClock()
	store := newMemStore()
	coord := coordinator.New(log)

	analyzer := signal.NewAnalyzer(gw, log)
	analyzer.SetClock(clock.Now, noPause)
	analyzer.SetRand(rand.New(rand.NewSource(7)))

	b := New(cfg, Deps{
		Gateway:     gw,
		Store:       store,
		Mirror:      database.NewPositionMirror(nil, log),
		Coordinator: coord,
		Analyzer:    analyzer,
		Governor:    safety.New(gw, log),
		Events:      events.NewEventBus(),
		Notifier:    notification.NewManager(),
		Metrics:     metrics.New(prometheus.NewRegistry()),
		Logger:      log,
	})
	b.SetClock(clock.Now, noPause)
	b.SetRand(rand.New(rand.NewSource(7)))

	return &testHarness{bot: b, gw: gw, store: store, coord: coord, clock: clock}
}

// trendKlines builds 15 rising candles. The second-to-last candle carries the
// volume move: a collapse yields a BUY signal, a surge yields a SELL signal.
func trendKlines(sell bool) []binance.Kline {
	ks := make([]binance.Kline, 15)
	for i := range ks {
		price := float64(i + 1)
		ks[i] = binance.Kline{
			Open:   price,
			High:   price + 1.5,
			Low:    price - 0.5,
			Close:  price + 1,
			Volume: 1000,
		}
	}
	if sell {
		ks[13].Volume = 2500
	} else {
		ks[13].Volume = 100
	}
	return ks
}

func within(t *testing.T, got, want, eps float64, what string) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Fatalf("%s = %v, want %v (within %v)", what, got, want, eps)
	}
}

// ==================== take profit ====================

func TestStaticBotTakeProfit(t *testing.T) {
	gw := binance.NewMockGateway()
	gw.TotalBalance = 1000
	gw.AvailBalance = 1000
	gw.Prices["XRPUSDT"] = 0.50
	gw.KlineData["XRPUSDT"] = trendKlines(false)

	h := newTestBot(Config{
		ID: "s1", Name: "static-1", Symbol: "XRPUSDT",
		Leverage: 10, BalancePercent: 10, TakeProfit: 100,
	}, gw)
	ctx := context.Background()

	h.bot.Tick(ctx) // attach
	if got := h.bot.Status().Symbol; got != "XRPUSDT" {
		t.Fatalf("symbol = %q, want XRPUSDT", got)
	}

	h.clock.Advance(time.Second)
	h.bot.Tick(ctx) // entry
	st := h.bot.Status()
	if !st.PositionOpen || st.Side != "BUY" {
		t.Fatalf("expected open BUY position, got %+v", st)
	}
	within(t, st.Quantity, 2000, 1e-9, "quantity")
	within(t, st.EntryPrice, 0.50, 1e-9, "entry price")
	if _, ok := h.store.openRow("s1", "XRPUSDT"); !ok {
		t.Fatal("open position row not persisted")
	}

	gw.Prices["XRPUSDT"] = 0.55
	h.clock.Advance(time.Second)
	h.bot.Tick(ctx) // TP close at ROI 100

	if h.store.tradeCount() != 1 {
		t.Fatalf("trade count = %d, want 1", h.store.tradeCount())
	}
	trade := h.store.lastTrade()
	if trade.CloseReason != "TP hit" {
		t.Fatalf("close reason = %q, want TP hit", trade.CloseReason)
	}
	within(t, trade.PnL, 100, 1e-6, "pnl")
	within(t, trade.ROI, 100, 1e-6, "roi")

	st = h.bot.Status()
	if st.PositionOpen {
		t.Fatal("position still open after TP close")
	}
	if st.Symbol != "XRPUSDT" {
		t.Fatalf("static bot lost its symbol after close: %q", st.Symbol)
	}
	if _, ok := h.store.openRow("s1", "XRPUSDT"); ok {
		t.Fatal("open position row survived the close")
	}
	if len(gw.Orders) != 2 || gw.Orders[0].Side != "BUY" || gw.Orders[1].Side != "SELL" {
		t.Fatalf("unexpected order flow: %+v", gw.Orders)
	}
}

// ==================== pyramiding ====================

func TestPyramidingStepsAndCap(t *testing.T) {
	gw := binance.NewMockGateway()
	gw.TotalBalance = 1000
	gw.AvailBalance = 1000
	gw.Prices["BTCUSDT"] = 100
	gw.KlineData["BTCUSDT"] = trendKlines(false)

	h := newTestBot(Config{
		ID: "p1", Name: "pyramid-1", Symbol: "BTCUSDT",
		Leverage: 10, BalancePercent: 10,
		PyramidMax: 2, PyramidStep: 10,
	}, gw)
	ctx := context.Background()

	h.bot.Tick(ctx) // attach
	h.clock.Advance(time.Second)
	h.bot.Tick(ctx) // entry BUY qty 10 at 100
	if len(gw.Orders) != 1 {
		t.Fatalf("order count after entry = %d, want 1", len(gw.Orders))
	}

	// ROI -10 hits the first step (base 0 - step 10).
	gw.Prices["BTCUSDT"] = 99
	h.clock.Advance(time.Second)
	h.bot.Tick(ctx)

	st := h.bot.Status()
	if st.PyramidCount != 1 {
		t.Fatalf("pyramid count = %d, want 1", st.PyramidCount)
	}
	if len(gw.Orders) != 2 || gw.Orders[1].Side != "BUY" {
		t.Fatalf("unexpected orders after first pyramid: %+v", gw.Orders)
	}
	// Weighted entry: (100*10 + 99*10.101) / 20.101.
	within(t, st.EntryPrice, 99.4975, 0.01, "weighted entry after pyramid 1")
	row, ok := h.store.openRow("p1", "BTCUSDT")
	if !ok || row.PyramidCount != 1 {
		t.Fatalf("persisted pyramid count = %+v, want 1", row)
	}
	within(t, row.BaseROI, -10, 0.01, "persisted base roi")

	// Another step down from the new base fires the second pyramid after
	// the gap has elapsed.
	gw.Prices["BTCUSDT"] = 97
	h.clock.Advance(60 * time.Second)
	h.bot.Tick(ctx)

	st = h.bot.Status()
	if st.PyramidCount != 2 {
		t.Fatalf("pyramid count = %d, want 2", st.PyramidCount)
	}
	if len(gw.Orders) != 3 {
		t.Fatalf("order count = %d, want 3", len(gw.Orders))
	}

	// The cap holds even with the step condition met again.
	gw.Prices["BTCUSDT"] = 90
	h.clock.Advance(60 * time.Second)
	h.bot.Tick(ctx)

	if got := h.bot.Status().PyramidCount; got != 2 {
		t.Fatalf("pyramid count after cap = %d, want 2", got)
	}
	if len(gw.Orders) != 3 {
		t.Fatalf("order placed past the pyramid cap: %+v", gw.Orders)
	}
}

func TestPyramidRequiresGap(t *testing.T) {
	gw := binance.NewMockGateway()
	gw.TotalBalance = 1000
	gw.AvailBalance = 1000
	gw.Prices["BTCUSDT"] = 100
	gw.KlineData["BTCUSDT"] = trendKlines(false)

	h := newTestBot(Config{
		ID: "p2", Name: "pyramid-2", Symbol: "BTCUSDT",
		Leverage: 10, BalancePercent: 10,
		PyramidMax: 3, PyramidStep: 10,
	}, gw)
	ctx := context.Background()

	h.bot.Tick(ctx)
	h.clock.Advance(time.Second)
	h.bot.Tick(ctx) // entry

	gw.Prices["BTCUSDT"] = 99
	h.clock.Advance(time.Second)
	h.bot.Tick(ctx) // pyramid 1

	// Deep enough for another step, but inside the gap window.
	gw.Prices["BTCUSDT"] = 95
	h.clock.Advance(time.Second)
	h.bot.Tick(ctx)

	if got := h.bot.Status().PyramidCount; got != 1 {
		t.Fatalf("pyramid count inside gap = %d, want 1", got)
	}
}

// Every fill leaves an audit row: entries as OPEN_<side>, pyramids as
// PYRAMID_<side>, and the close as CLOSE_<opposite side>.
func TestTradeHistoryRecordsEachFill(t *testing.T) {
	gw := binance.NewMockGateway()
	gw.TotalBalance = 1000
	gw.AvailBalance = 1000
	gw.Prices["BTCUSDT"] = 100
	gw.KlineData["BTCUSDT"] = trendKlines(false)

	h := newTestBot(Config{
		ID: "a1", Name: "audit-1", Symbol: "BTCUSDT",
		Leverage: 10, BalancePercent: 10, StopLoss: 50,
		PyramidMax: 1, PyramidStep: 10,
	}, gw)
	ctx := context.Background()

	h.bot.Tick(ctx) // attach
	h.clock.Advance(time.Second)
	h.bot.Tick(ctx) // entry BUY at 100

	gw.Prices["BTCUSDT"] = 99
	h.clock.Advance(time.Second)
	h.bot.Tick(ctx) // pyramid at ROI -10

	gw.Prices["BTCUSDT"] = 94
	h.clock.Advance(time.Second)
	h.bot.Tick(ctx) // SL close

	markers := h.store.fillMarkers()
	if len(markers) != 2 || markers[0] != "OPEN_BUY" || markers[1] != "PYRAMID_BUY" {
		t.Fatalf("fill markers = %v, want [OPEN_BUY PYRAMID_BUY]", markers)
	}
	if h.store.tradeCount() != 1 {
		t.Fatalf("close count = %d, want 1", h.store.tradeCount())
	}
	trade := h.store.lastTrade()
	if trade.Side != "CLOSE_SELL" {
		t.Fatalf("close marker = %q, want CLOSE_SELL", trade.Side)
	}
	if trade.CloseReason != "SL hit" {
		t.Fatalf("close reason = %q, want SL hit", trade.CloseReason)
	}
}

// ==================== safety trip ====================

func TestSafetyTripClosesAndDetaches(t *testing.T) {
	gw := binance.NewMockGateway()
	gw.TotalBalance = 1000
	gw.AvailBalance = 1000
	gw.Prices["ETHUSDT"] = 100
	gw.KlineData["ETHUSDT"] = trendKlines(false)

	h := newTestBot(Config{
		ID: "g1", Name: "guarded-1", Symbol: "ETHUSDT",
		Leverage: 10, BalancePercent: 10,
	}, gw)
	ctx := context.Background()

	h.bot.Tick(ctx) // attach
	h.clock.Advance(time.Second)
	h.bot.Tick(ctx) // entry
	if !h.bot.Status().PositionOpen {
		t.Fatal("expected open position before trip")
	}

	// margin_balance=115, maint_margin=100 -> ratio 1.15, at the threshold.
	ratio := 1.15
	gw.Margin = binance.MarginSafety{MarginBalance: 115, MaintMargin: 100, Ratio: &ratio}
	h.clock.Advance(10 * time.Second)
	h.bot.Tick(ctx)

	st := h.bot.Status()
	if st.PositionOpen {
		t.Fatal("position still open after safety trip")
	}
	if st.Symbol != "" {
		t.Fatalf("symbol still attached after safety trip: %q", st.Symbol)
	}
	if h.store.tradeCount() != 1 {
		t.Fatalf("trade count = %d, want 1", h.store.tradeCount())
	}
	if got := h.store.lastTrade().CloseReason; got != "margin protection" {
		t.Fatalf("close reason = %q, want margin protection", got)
	}

	// The bot keeps running: with margin healthy again the static symbol
	// re-attaches on the next tick.
	gw.Margin = binance.MarginSafety{}
	h.clock.Advance(time.Second)
	h.bot.Tick(ctx)
	if got := h.bot.Status().Symbol; got != "ETHUSDT" {
		t.Fatalf("symbol after recovery = %q, want ETHUSDT", got)
	}
}

func TestHealthyMarginDoesNotTrip(t *testing.T) {
	gw := binance.NewMockGateway()
	gw.TotalBalance = 1000
	gw.AvailBalance = 1000
	gw.Prices["ETHUSDT"] = 100
	gw.KlineData["ETHUSDT"] = trendKlines(false)

	h := newTestBot(Config{
		ID: "g2", Name: "guarded-2", Symbol: "ETHUSDT",
		Leverage: 10, BalancePercent: 10,
	}, gw)
	ctx := context.Background()

	h.bot.Tick(ctx)
	h.clock.Advance(time.Second)
	h.bot.Tick(ctx)

	ratio := 1.16
	gw.Margin = binance.MarginSafety{MarginBalance: 116, MaintMargin: 100, Ratio: &ratio}
	h.clock.Advance(10 * time.Second)
	h.bot.Tick(ctx)

	if !h.bot.Status().PositionOpen {
		t.Fatal("healthy margin ratio closed the position")
	}
}

// ==================== static reverse mode ====================

func TestStaticReverseMode(t *testing.T) {
	gw := binance.NewMockGateway()
	gw.TotalBalance = 1000
	gw.AvailBalance = 1000
	gw.Prices["BNBUSDT"] = 300
	gw.KlineData["BNBUSDT"] = trendKlines(false)
	// Heavy short exposure elsewhere: the balancing side is BUY, so reverse
	// mode opens SELL.
	gw.PositionRows = []binance.PositionRisk{
		{Symbol: "BTCUSDT", PositionAmt: -1, EntryPrice: 50000, Leverage: 1},
	}

	h := newTestBot(Config{
		ID: "r1", Name: "reverse-1", Symbol: "BNBUSDT",
		Leverage: 10, BalancePercent: 10, TakeProfit: 50,
		EntryMode: EntryReverse,
	}, gw)
	ctx := context.Background()

	h.bot.Tick(ctx) // census + attach
	h.clock.Advance(time.Second)
	h.bot.Tick(ctx) // entry

	if len(gw.Orders) != 1 || gw.Orders[0].Side != "SELL" {
		t.Fatalf("reverse entry orders = %+v, want one SELL", gw.Orders)
	}

	// TP close of the SELL at ROI 50.
	gw.Prices["BNBUSDT"] = 285
	h.clock.Advance(time.Second)
	h.bot.Tick(ctx)
	if h.store.tradeCount() != 1 {
		t.Fatalf("trade count = %d, want 1", h.store.tradeCount())
	}

	// After the cooldowns the next entry reverses the last closed side.
	h.clock.Advance(31 * time.Second)
	h.bot.Tick(ctx)

	if len(gw.Orders) != 3 {
		t.Fatalf("order count = %d, want 3", len(gw.Orders))
	}
	if gw.Orders[2].Side != "BUY" {
		t.Fatalf("re-entry side = %s, want BUY (opposite of last close)", gw.Orders[2].Side)
	}
}

// ==================== dynamic search ====================

func TestDynamicBotSearchOpenAndClose(t *testing.T) {
	gw := binance.NewMockGateway()
	gw.TotalBalance = 1000
	gw.AvailBalance = 1000
	gw.Prices["AAAUSDT"] = 2.0
	gw.KlineData["AAAUSDT"] = trendKlines(false)
	gw.VolumeTop = []string{"AAAUSDT"}
	// Short-heavy census makes the balancing side BUY, matching the signal.
	gw.PositionRows = []binance.PositionRisk{
		{Symbol: "BTCUSDT", PositionAmt: -1, EntryPrice: 50000, Leverage: 1},
	}

	h := newTestBot(Config{
		ID: "d1", Name: "dynamic-1",
		Leverage: 10, BalancePercent: 10, TakeProfit: 50,
		SearchMode: signal.SearchByVolume,
	}, gw)
	ctx := context.Background()

	h.bot.Tick(ctx) // search, find, attach

	if got := h.bot.Status().Symbol; got != "AAAUSDT" {
		t.Fatalf("symbol after scan = %q, want AAAUSDT", got)
	}
	snap := h.coord.Snapshot()
	if snap.Searcher != "d1" {
		t.Fatalf("search slot released before entry: searcher = %q", snap.Searcher)
	}
	if snap.Holdings["AAAUSDT"] != "d1" {
		t.Fatalf("holdings = %+v, want AAAUSDT -> d1", snap.Holdings)
	}
	if len(gw.Orders) != 0 {
		t.Fatalf("order placed during scan tick: %+v", gw.Orders)
	}

	h.clock.Advance(time.Second)
	h.bot.Tick(ctx) // entry, then the slot moves on

	if len(gw.Orders) != 1 || gw.Orders[0].Side != "BUY" {
		t.Fatalf("entry orders = %+v, want one BUY", gw.Orders)
	}
	if got := h.coord.Snapshot().Searcher; got != "" {
		t.Fatalf("search slot still held after entry: %q", got)
	}

	// TP close keeps the symbol attached but releases the claim so another
	// bot may pick the pair up.
	gw.Prices["AAAUSDT"] = 2.1
	h.clock.Advance(time.Second)
	h.bot.Tick(ctx)

	st := h.bot.Status()
	if st.PositionOpen {
		t.Fatal("position still open after TP close")
	}
	if st.Symbol != "AAAUSDT" {
		t.Fatalf("symbol after close = %q, want AAAUSDT", st.Symbol)
	}
	if _, held := h.coord.Snapshot().Holdings["AAAUSDT"]; held {
		t.Fatal("coordinator claim survived the close")
	}
}

func TestEmptyScanReleasesSlot(t *testing.T) {
	gw := binance.NewMockGateway()
	gw.TotalBalance = 1000
	gw.AvailBalance = 1000

	h := newTestBot(Config{
		ID: "d2", Name: "dynamic-2",
		Leverage: 10, BalancePercent: 10,
		SearchMode: signal.SearchByVolume,
	}, gw)
	ctx := context.Background()

	h.bot.Tick(ctx)

	if got := h.bot.Status().Symbol; got != "" {
		t.Fatalf("symbol after empty scan = %q, want none", got)
	}
	if got := h.coord.Snapshot().Searcher; got != "" {
		t.Fatalf("empty scan kept the search slot: %q", got)
	}
}

// ==================== restore ====================

func TestRestoreReattachesOpenPosition(t *testing.T) {
	gw := binance.NewMockGateway()
	gw.Prices["SOLUSDT"] = 20
	gw.SetPosition("SOLUSDT", 10, 20, 10)

	h := newTestBot(Config{
		ID: "d4", Name: "dynamic-4",
		Leverage: 10, BalancePercent: 10,
	}, gw)
	ctx := context.Background()

	h.store.UpsertOpenPosition(ctx, &database.BotPosition{
		BotID: "d4", Symbol: "SOLUSDT", Side: "BUY",
		EntryPrice: 20, Quantity: 10, Leverage: 10,
		OpenedAt: h.clock.Now().Add(-time.Hour),
	})

	h.bot.restore(ctx)

	st := h.bot.Status()
	if st.Symbol != "SOLUSDT" || !st.PositionOpen || st.Side != "BUY" {
		t.Fatalf("restored status = %+v", st)
	}
	within(t, st.EntryPrice, 20, 1e-9, "restored entry")
	within(t, st.Quantity, 10, 1e-9, "restored quantity")
	if h.coord.Snapshot().Holdings["SOLUSDT"] != "d4" {
		t.Fatal("restored position not registered with the coordinator")
	}
	if _, ok := gw.Subscriptions["SOLUSDT"]; !ok {
		t.Fatal("restored position did not resubscribe the trade stream")
	}
}

// ==================== sizing and roi ====================

func TestOrderSizingFloorsToLotStep(t *testing.T) {
	gw := binance.NewMockGateway()
	gw.TotalBalance = 1000
	gw.AvailBalance = 1000
	gw.Steps["ZZZUSDT"] = 0.1

	h := newTestBot(Config{
		ID: "z1", Name: "sizer", Symbol: "ZZZUSDT",
		Leverage: 5, BalancePercent: 10,
	}, gw)

	qty, ok := h.bot.sizeOrder(context.Background(), "ZZZUSDT", 3)
	if !ok {
		t.Fatal("sizeOrder failed")
	}
	// 1000 * 10% * 5 / 3 = 166.666..., floored to 166.6.
	within(t, qty, 166.6, 1e-9, "qty")
}

func TestOrderSizingRejectsInsufficientBalance(t *testing.T) {
	gw := binance.NewMockGateway()
	gw.TotalBalance = 1000
	gw.AvailBalance = 50 // required slice is 100

	h := newTestBot(Config{
		ID: "z2", Name: "sizer-2", Symbol: "ZZZUSDT",
		Leverage: 5, BalancePercent: 10,
	}, gw)

	if _, ok := h.bot.sizeOrder(context.Background(), "ZZZUSDT", 3); ok {
		t.Fatal("sizeOrder accepted an order past the available balance")
	}
}

func TestComputeROI(t *testing.T) {
	pnl, roi, ok := computeROI(binance.SideBuy, 100, 110, 1, 10)
	if !ok {
		t.Fatal("computeROI rejected valid inputs")
	}
	within(t, pnl, 10, 1e-9, "buy pnl")
	within(t, roi, 100, 1e-9, "buy roi")

	pnl, roi, ok = computeROI(binance.SideSell, 100, 110, 1, 10)
	if !ok {
		t.Fatal("computeROI rejected valid inputs")
	}
	within(t, pnl, -10, 1e-9, "sell pnl")
	within(t, roi, -100, 1e-9, "sell roi")

	if _, _, ok := computeROI(binance.SideBuy, 0, 110, 1, 10); ok {
		t.Fatal("computeROI accepted zero entry")
	}
	if _, _, ok := computeROI(binance.SideBuy, 100, 110, 1, 0); ok {
		t.Fatal("computeROI accepted zero leverage")
	}
}
