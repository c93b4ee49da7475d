package manager

import (
	"context"
	"strings"
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

type fakeStore struct {
	mu      sync.Mutex
	configs map[string]database.BotConfig
	open    map[string]database.BotPosition
	trades  []database.TradeRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		configs: make(map[string]database.BotConfig),
		open:    make(map[string]database.BotPosition),
	}
}

func (s *fakeStore) ListActiveBots(ctx context.Context) ([]database.BotConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.BotConfig
	for _, cfg := range s.configs {
		if cfg.Status == database.BotStatusActive {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertBotConfig(ctx context.Context, cfg *database.BotConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.ID] = *cfg
	return nil
}

func (s *fakeStore) SetBotStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.configs[id]
	cfg.ID = id
	cfg.Status = status
	s.configs[id] = cfg
	return nil
}

func (s *fakeStore) SetBotSymbol(ctx context.Context, id, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.configs[id]
	cfg.ID = id
	cfg.Symbol = symbol
	s.configs[id] = cfg
	return nil
}

func (s *fakeStore) UpsertOpenPosition(ctx context.Context, p *database.BotPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[p.BotID+"/"+p.Symbol] = *p
	return nil
}

func (s *fakeStore) OpenPositions(ctx context.Context, botID string) ([]database.BotPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.BotPosition
	for _, p := range s.open {
		if botID == "" || p.BotID == botID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteOpenPosition(ctx context.Context, botID, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, botID+"/"+symbol)
	return nil
}

func (s *fakeStore) RecordFill(ctx context.Context, fill *database.TradeRecord) error {
	return nil
}

func (s *fakeStore) CloseAndRecord(ctx context.Context, trade *database.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, trade.BotID+"/"+trade.Symbol)
	s.trades = append(s.trades, *trade)
	return nil
}

func (s *fakeStore) BlacklistSet(ctx context.Context) (map[string]bool, error) {
	return nil, nil
}

func (s *fakeStore) status(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs[id].Status
}

func newTestManager(store *fakeStore, gw *binance.MockGateway) *Manager {
	log := zerolog.Nop()
	coord := coordinator.New(log)
	return New(Deps{
		Gateway:     gw,
		Store:       store,
		Mirror:      database.NewPositionMirror(nil, log),
		Coordinator: coord,
		Analyzer:    signal.NewAnalyzer(gw, log),
		Governor:    safety.New(gw, log),
		Events:      events.NewEventBus(),
		Notifier:    notification.NewManager(),
		Metrics:     metrics.New(prometheus.NewRegistry()),
		Logger:      log,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRecoveryReattachesWithoutSearching(t *testing.T) {
	store := newFakeStore()
	gw := binance.NewMockGateway()
	gw.Prices["SOLUSDT"] = 20
	gw.SetPosition("SOLUSDT", 10, 20, 10)

	store.configs["d4"] = database.BotConfig{
		ID: "d4", Name: "dynamic-4", Status: database.BotStatusActive,
		Leverage: 10, BalancePercent: 5, SearchMode: "volume",
	}
	store.open["d4/SOLUSDT"] = database.BotPosition{
		BotID: "d4", Symbol: "SOLUSDT", Side: "BUY",
		EntryPrice: 20, Quantity: 10, Leverage: 10,
		Status: database.PositionStatusOpen, OpenedAt: time.Now().Add(-time.Hour),
	}

	m := newTestManager(store, gw)
	defer m.Shutdown()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool {
		st, ok := m.BotStatus("d4")
		return ok && st.Symbol == "SOLUSDT" && st.PositionOpen
	})

	snap := m.deps.Coordinator.Snapshot()
	if snap.Holdings["SOLUSDT"] != "d4" {
		t.Fatalf("holdings = %+v, want SOLUSDT -> d4", snap.Holdings)
	}
	if snap.Searcher == "d4" {
		t.Fatal("recovered bot initiated a search despite holding a symbol")
	}
	if _, ok := gw.Subscriptions["SOLUSDT"]; !ok {
		t.Fatal("recovered bot did not resubscribe the trade stream")
	}
}

func TestAddBotsPersistsBeforeSpawning(t *testing.T) {
	store := newFakeStore()
	gw := binance.NewMockGateway()

	m := newTestManager(store, gw)
	defer m.Shutdown()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	created, err := m.AddBots(context.Background(), AddRequest{
		Name: "scalp", Count: 2, Leverage: 10, BalancePercent: 5,
	})
	if err != nil {
		t.Fatalf("AddBots: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("created = %d bots, want 2", len(created))
	}

	seen := make(map[string]bool)
	for _, cfg := range created {
		if !strings.HasPrefix(cfg.ID, "scalp-") {
			t.Fatalf("bot id %q missing name prefix", cfg.ID)
		}
		if seen[cfg.ID] {
			t.Fatalf("duplicate bot id %q", cfg.ID)
		}
		seen[cfg.ID] = true
		if store.status(cfg.ID) != database.BotStatusActive {
			t.Fatalf("bot %s not persisted as active", cfg.ID)
		}
	}

	if got := len(m.Statuses()); got != 2 {
		t.Fatalf("running bots = %d, want 2", got)
	}
}

func TestStopBotPersistsStoppedStatus(t *testing.T) {
	store := newFakeStore()
	gw := binance.NewMockGateway()

	m := newTestManager(store, gw)
	defer m.Shutdown()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	created, err := m.AddBots(context.Background(), AddRequest{
		Name: "solo", Leverage: 5, BalancePercent: 5,
	})
	if err != nil {
		t.Fatalf("AddBots: %v", err)
	}
	id := created[0].ID

	if err := m.StopBot(context.Background(), id); err != nil {
		t.Fatalf("StopBot: %v", err)
	}
	if store.status(id) != database.BotStatusStopped {
		t.Fatalf("status = %q, want stopped", store.status(id))
	}
	if _, ok := m.BotStatus(id); ok {
		t.Fatal("stopped bot still listed as running")
	}
	if err := m.StopBot(context.Background(), id); err == nil {
		t.Fatal("stopping a stopped bot should error")
	}
}

func TestStopAll(t *testing.T) {
	store := newFakeStore()
	gw := binance.NewMockGateway()

	m := newTestManager(store, gw)
	defer m.Shutdown()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := m.AddBots(context.Background(), AddRequest{
		Name: "fleet", Count: 3, Leverage: 5, BalancePercent: 5,
	}); err != nil {
		t.Fatalf("AddBots: %v", err)
	}

	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if got := len(m.Statuses()); got != 0 {
		t.Fatalf("running bots after StopAll = %d, want 0", got)
	}

	census := m.Census()
	if census.TotalBots != 0 || census.QueueLength != 0 {
		t.Fatalf("census after StopAll = %+v", census)
	}
}

func TestAddBotsValidation(t *testing.T) {
	m := newTestManager(newFakeStore(), binance.NewMockGateway())
	defer m.Shutdown()

	cases := []AddRequest{
		{Name: "bad", Leverage: 0, BalancePercent: 5},
		{Name: "bad", Leverage: 10, BalancePercent: 0},
		{Name: "bad", Leverage: 10, BalancePercent: 150},
		{Name: "bad", Leverage: 10, BalancePercent: 5, Count: 51},
		{Name: "bad", Leverage: 10, BalancePercent: 5, SearchMode: "momentum"},
		{Name: "bad", Leverage: 10, BalancePercent: 5, EntryMode: "yolo"},
		{Name: "bad", Leverage: 10, BalancePercent: 5, APIKey: "key-without-secret"},
		{Name: "bad", Leverage: 10, BalancePercent: 5, SecretKey: "secret-without-key"},
	}
	for i, req := range cases {
		if _, err := m.AddBots(context.Background(), req); err == nil {
			t.Fatalf("case %d: invalid request accepted: %+v", i, req)
		}
	}
}

func TestAddBotsWithOwnCredentials(t *testing.T) {
	store := newFakeStore()
	shared := binance.NewMockGateway()

	var mu sync.Mutex
	var keys []string
	m := newTestManager(store, shared)
	m.deps.GatewayFor = func(apiKey, secretKey string) binance.Gateway {
		mu.Lock()
		keys = append(keys, apiKey+"/"+secretKey)
		mu.Unlock()
		return binance.NewMockGateway()
	}
	defer m.Shutdown()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	created, err := m.AddBots(context.Background(), AddRequest{
		Name: "own", Leverage: 10, BalancePercent: 5,
		APIKey: "bot-key", SecretKey: "bot-secret",
	})
	if err != nil {
		t.Fatalf("AddBots: %v", err)
	}

	mu.Lock()
	got := append([]string(nil), keys...)
	mu.Unlock()
	if len(got) != 1 || got[0] != "bot-key/bot-secret" {
		t.Fatalf("gateway factory calls = %v, want one with the bot's keys", got)
	}

	store.mu.Lock()
	persisted := store.configs[created[0].ID]
	store.mu.Unlock()
	if persisted.APIKey != "bot-key" || persisted.SecretKey != "bot-secret" {
		t.Fatalf("persisted credentials = %q/%q", persisted.APIKey, persisted.SecretKey)
	}

	// A bot without credentials keeps the shared gateway.
	if _, err := m.AddBots(context.Background(), AddRequest{
		Name: "shared", Leverage: 10, BalancePercent: 5,
	}); err != nil {
		t.Fatalf("AddBots: %v", err)
	}
	mu.Lock()
	calls := len(keys)
	mu.Unlock()
	if calls != 1 {
		t.Fatalf("gateway factory called %d times, want 1", calls)
	}
}
