// Package manager supervises the bot fleet: it recovers bots from the store
// at startup, spawns new ones on request, and stops them on demand.
package manager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"binance-futures-fleet/internal/binance"
	"binance-futures-fleet/internal/bot"
	"binance-futures-fleet/internal/coordinator"
	"binance-futures-fleet/internal/database"
	"binance-futures-fleet/internal/events"
	"binance-futures-fleet/internal/metrics"
	"binance-futures-fleet/internal/notification"
	"binance-futures-fleet/internal/safety"
	"binance-futures-fleet/internal/signal"
)

const maxBotsPerRequest = 50

// Store is the persistence surface the manager needs on top of what each bot
// uses. *database.Repository implements it.
type Store interface {
	bot.Store
	ListActiveBots(ctx context.Context) ([]database.BotConfig, error)
	UpsertBotConfig(ctx context.Context, cfg *database.BotConfig) error
	SetBotStatus(ctx context.Context, id, status string) error
}

// Deps are the shared services handed to every bot.
type Deps struct {
	Gateway binance.Gateway
	// GatewayFor builds a dedicated gateway for a bot carrying its own
	// exchange credentials. Nil means every bot shares Gateway.
	GatewayFor  func(apiKey, secretKey string) binance.Gateway
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

type runningBot struct {
	bot    *bot.Bot
	cancel context.CancelFunc
}

// Manager owns the live fleet.
type Manager struct {
	deps Deps
	log  zerolog.Logger

	mu      sync.Mutex
	baseCtx context.Context
	bots    map[string]*runningBot
}

// New builds a manager. Call Start to recover the fleet from the store.
func New(deps Deps) *Manager {
	return &Manager{
		deps: deps,
		log:  deps.Logger.With().Str("component", "manager").Logger(),
		bots: make(map[string]*runningBot),
	}
}

// Start recovers every active bot from the store and spawns it. Each bot
// re-attaches its own open positions; no new search is initiated for a bot
// that already holds a symbol.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	configs, err := m.deps.Store.ListActiveBots(ctx)
	if err != nil {
		return fmt.Errorf("error loading bot configs: %w", err)
	}

	for i := range configs {
		m.spawn(&configs[i])
	}

	m.log.Info().Int("bots", len(configs)).Msg("fleet recovered")
	m.refreshGauges()
	return nil
}

// AddRequest describes a batch of bots to create.
type AddRequest struct {
	Name           string  `json:"name"`
	Count          int     `json:"count"`
	Symbol         string  `json:"symbol"`
	Leverage       int     `json:"leverage"`
	BalancePercent float64 `json:"balance_percent"`
	TakeProfit     float64 `json:"take_profit_percent"`
	StopLoss       float64 `json:"stop_loss_percent"`
	ROITrigger     float64 `json:"roi_trigger"`
	PyramidMax     int     `json:"pyramid_max"`
	PyramidStep    float64 `json:"pyramid_step_percent"`
	SearchMode     string  `json:"search_mode"`
	EntryMode      string  `json:"entry_mode"`
	ReverseOnStop  bool    `json:"reverse_on_stop"`

	// Optional per-bot exchange credentials. When set, every bot in the
	// batch trades through its own gateway instead of the shared account.
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

func (r *AddRequest) validate() error {
	if r.Count <= 0 {
		r.Count = 1
	}
	if r.Count > maxBotsPerRequest {
		return fmt.Errorf("count %d exceeds the per-request maximum of %d", r.Count, maxBotsPerRequest)
	}
	if r.Leverage < 1 {
		return fmt.Errorf("leverage must be at least 1, got %d", r.Leverage)
	}
	if r.BalancePercent <= 0 || r.BalancePercent > 100 {
		return fmt.Errorf("balance percent must be in (0, 100], got %v", r.BalancePercent)
	}
	if r.Name == "" {
		r.Name = "bot"
	}
	switch r.SearchMode {
	case "", string(signal.SearchByVolume), string(signal.SearchByVolatility):
	default:
		return fmt.Errorf("unknown search mode %q", r.SearchMode)
	}
	switch r.EntryMode {
	case "", bot.EntrySignal, bot.EntryReverse, bot.EntryWait:
	default:
		return fmt.Errorf("unknown entry mode %q", r.EntryMode)
	}
	if (r.APIKey == "") != (r.SecretKey == "") {
		return fmt.Errorf("api_key and secret_key must be set together")
	}
	return nil
}

// AddBots persists and spawns a batch of bots. Every config row lands in the
// store before its bot starts, so a crash mid-batch loses no bot.
func (m *Manager) AddBots(ctx context.Context, req AddRequest) ([]database.BotConfig, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	created := make([]database.BotConfig, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		cfg := database.BotConfig{
			ID:                 botID(req.Name),
			Name:               fmt.Sprintf("%s-%d", req.Name, i+1),
			Status:             database.BotStatusActive,
			Symbol:             strings.ToUpper(req.Symbol),
			Leverage:           req.Leverage,
			BalancePercent:     req.BalancePercent,
			TakeProfitPercent:  req.TakeProfit,
			StopLossPercent:    req.StopLoss,
			ROITrigger:         req.ROITrigger,
			PyramidMax:         req.PyramidMax,
			PyramidStepPercent: req.PyramidStep,
			SearchMode:         req.SearchMode,
			EntryMode:          req.EntryMode,
			ReverseOnStop:      req.ReverseOnStop,
			APIKey:             req.APIKey,
			SecretKey:          req.SecretKey,
		}
		if cfg.SearchMode == "" {
			cfg.SearchMode = string(signal.SearchByVolume)
		}
		if cfg.EntryMode == "" {
			cfg.EntryMode = bot.EntrySignal
		}

		if err := m.deps.Store.UpsertBotConfig(ctx, &cfg); err != nil {
			return created, fmt.Errorf("error persisting bot %s: %w", cfg.ID, err)
		}
		m.spawn(&cfg)
		created = append(created, cfg)
	}

	m.log.Info().Int("count", len(created)).Str("name", req.Name).Msg("bots added")
	m.refreshGauges()
	return created, nil
}

// StopBot closes the bot's positions, releases its symbol and marks it
// stopped in the store.
func (m *Manager) StopBot(ctx context.Context, id string) error {
	m.mu.Lock()
	rb, ok := m.bots[id]
	if ok {
		delete(m.bots, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("bot %s is not running", id)
	}

	rb.bot.Stop(ctx)
	rb.cancel()
	<-rb.bot.Done()

	if err := m.deps.Store.SetBotStatus(ctx, id, database.BotStatusStopped); err != nil {
		return fmt.Errorf("error persisting stop for bot %s: %w", id, err)
	}
	m.log.Info().Str("bot", id).Msg("bot stopped")
	m.refreshGauges()
	return nil
}

// StopAll stops every running bot.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.bots))
	for id := range m.bots {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.StopBot(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown ends every bot loop without closing positions, so the fleet can
// recover them on the next start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	bots := make([]*runningBot, 0, len(m.bots))
	for _, rb := range m.bots {
		bots = append(bots, rb)
	}
	m.bots = make(map[string]*runningBot)
	m.mu.Unlock()

	for _, rb := range bots {
		rb.cancel()
	}
	for _, rb := range bots {
		<-rb.bot.Done()
	}
	m.log.Info().Int("bots", len(bots)).Msg("fleet shut down")
}

// BotStatus returns the live status of one bot.
func (m *Manager) BotStatus(id string) (bot.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rb, ok := m.bots[id]
	if !ok {
		return bot.Status{}, false
	}
	return rb.bot.Status(), true
}

// Statuses snapshots every running bot, sorted by id.
func (m *Manager) Statuses() []bot.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]bot.Status, 0, len(m.bots))
	for _, rb := range m.bots {
		out = append(out, rb.bot.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Census is the fleet-wide state served to the UI.
type Census struct {
	TotalBots   int                  `json:"total_bots"`
	WithSymbol  int                  `json:"with_symbol"`
	WithOpenPos int                  `json:"with_open_position"`
	Searcher    string               `json:"searcher"`
	QueueLength int                  `json:"queue_length"`
	Bots        []bot.Status         `json:"bots"`
	Coordinator coordinator.Snapshot `json:"coordinator"`
}

// Census summarizes the fleet.
func (m *Manager) Census() Census {
	statuses := m.Statuses()
	snap := m.deps.Coordinator.Snapshot()

	c := Census{
		TotalBots:   len(statuses),
		Searcher:    snap.Searcher,
		QueueLength: len(snap.Queue),
		Bots:        statuses,
		Coordinator: snap,
	}
	for _, st := range statuses {
		if st.Symbol != "" {
			c.WithSymbol++
		}
		if st.PositionOpen {
			c.WithOpenPos++
		}
	}
	m.refreshGauges()
	return c
}

// spawn starts one bot goroutine. Bots carrying their own credentials get a
// dedicated gateway; the rest share the account-wide one.
func (m *Manager) spawn(cfg *database.BotConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.bots[cfg.ID]; running {
		m.log.Warn().Str("bot", cfg.ID).Msg("bot already running, skipping spawn")
		return
	}

	base := m.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)

	gw := m.deps.Gateway
	if cfg.APIKey != "" && m.deps.GatewayFor != nil {
		gw = m.deps.GatewayFor(cfg.APIKey, cfg.SecretKey)
		m.log.Info().Str("bot", cfg.ID).Msg("bot uses its own exchange credentials")
	}

	b := bot.New(botConfig(cfg), bot.Deps{
		Gateway:     gw,
		Store:       m.deps.Store,
		Mirror:      m.deps.Mirror,
		Coordinator: m.deps.Coordinator,
		Analyzer:    m.deps.Analyzer,
		Governor:    m.deps.Governor,
		Events:      m.deps.Events,
		Notifier:    m.deps.Notifier,
		Metrics:     m.deps.Metrics,
		Logger:      m.deps.Logger,
	})
	m.bots[cfg.ID] = &runningBot{bot: b, cancel: cancel}
	go b.Run(ctx)
}

// refreshGauges pushes fleet-level counts to the metrics registry.
func (m *Manager) refreshGauges() {
	m.mu.Lock()
	active := len(m.bots)
	m.mu.Unlock()

	m.deps.Metrics.ActiveBots.Set(float64(active))
	m.deps.Metrics.SearchQueueLen.Set(float64(len(m.deps.Coordinator.Snapshot().Queue)))
}

// botID generates a stable unique id with a readable prefix.
func botID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s-%s", prefix, raw[:8])
}

// botConfig maps a persisted config row onto the bot's runtime config.
func botConfig(cfg *database.BotConfig) bot.Config {
	return bot.Config{
		ID:             cfg.ID,
		Name:           cfg.Name,
		Symbol:         strings.ToUpper(cfg.Symbol),
		Leverage:       cfg.Leverage,
		BalancePercent: cfg.BalancePercent,
		TakeProfit:     cfg.TakeProfitPercent,
		StopLoss:       cfg.StopLossPercent,
		ROITrigger:     cfg.ROITrigger,
		PyramidMax:     cfg.PyramidMax,
		PyramidStep:    cfg.PyramidStepPercent,
		SearchMode:     signal.SearchMode(cfg.SearchMode),
		EntryMode:      cfg.EntryMode,
		ReverseOnStop:  cfg.ReverseOnStop,
	}
}
