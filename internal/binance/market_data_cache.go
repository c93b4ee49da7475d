package binance

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Cache TTLs. The pair list changes when Binance lists/delists, so a short
// TTL is enough; leverage brackets are effectively static intraday.
const (
	pairsCacheTTL    = 30 * time.Second
	leverageCacheTTL = 1 * time.Hour
)

// MarketDataCache serves exchange metadata from memory so that the ranking
// scans and the open protocol do not hammer /fapi/v1/exchangeInfo. One cache
// is shared by the whole fleet.
type MarketDataCache struct {
	client *FuturesClient

	mu            sync.Mutex
	symbols       map[string]SymbolInfo
	pairs         []string
	pairsAt       time.Time
	leverage      map[string]int
	leverageAt    map[string]time.Time
}

// NewMarketDataCache builds a cache over the given client.
func NewMarketDataCache(client *FuturesClient) *MarketDataCache {
	return &MarketDataCache{
		client:     client,
		symbols:    make(map[string]SymbolInfo),
		leverage:   make(map[string]int),
		leverageAt: make(map[string]time.Time),
	}
}

// refreshLocked reloads exchange info when the pair cache has expired.
// Caller holds mu.
func (m *MarketDataCache) refreshLocked(ctx context.Context) error {
	if time.Since(m.pairsAt) < pairsCacheTTL && len(m.pairs) > 0 {
		return nil
	}

	info, err := m.client.RawExchangeInfo(ctx)
	if err != nil {
		return err
	}

	symbols := make(map[string]SymbolInfo, len(info.Symbols))
	var pairs []string
	for _, s := range info.Symbols {
		symbols[s.Symbol] = s
		if s.QuoteAsset == "USDT" && s.Status == "TRADING" {
			pairs = append(pairs, s.Symbol)
		}
	}

	m.symbols = symbols
	m.pairs = pairs
	m.pairsAt = time.Now()
	return nil
}

// AllUSDTPairs returns every USDT-quoted perpetual in TRADING status.
func (m *MarketDataCache) AllUSDTPairs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.refreshLocked(ctx); err != nil {
		return nil, err
	}
	out := make([]string, len(m.pairs))
	copy(out, m.pairs)
	return out, nil
}

// IsTrading reports whether the symbol is a USDT perpetual in TRADING status.
func (m *MarketDataCache) IsTrading(ctx context.Context, symbol string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.refreshLocked(ctx); err != nil {
		return false, err
	}
	s, ok := m.symbols[strings.ToUpper(symbol)]
	return ok && s.Status == "TRADING" && s.QuoteAsset == "USDT", nil
}

// StepSize returns the LOT_SIZE quantity step for the symbol.
func (m *MarketDataCache) StepSize(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.refreshLocked(ctx); err != nil {
		return 0, err
	}
	s, ok := m.symbols[strings.ToUpper(symbol)]
	if !ok {
		return 0, nil
	}
	return s.StepSize(), nil
}

// MaxLeverage returns the symbol's leverage cap, cached per symbol for an
// hour.
func (m *MarketDataCache) MaxLeverage(ctx context.Context, symbol string) (int, error) {
	symbol = strings.ToUpper(symbol)

	m.mu.Lock()
	if lev, ok := m.leverage[symbol]; ok && time.Since(m.leverageAt[symbol]) < leverageCacheTTL {
		m.mu.Unlock()
		return lev, nil
	}

	if err := m.refreshLocked(ctx); err != nil {
		m.mu.Unlock()
		return 0, err
	}

	lev := 100
	if s, ok := m.symbols[symbol]; ok {
		lev = s.MaxLeverage()
	}
	m.leverage[symbol] = lev
	m.leverageAt[symbol] = time.Now()
	m.mu.Unlock()
	return lev, nil
}
