package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockGateway is a scriptable in-memory Gateway for tests. Fields are set by
// the test and read by the code under test; every accessor is mutex-guarded
// so bot loops can run against it.
type MockGateway struct {
	mu sync.Mutex

	// Scripted state
	Pairs        []string
	LeverageCaps map[string]int       // symbol -> max leverage (default 100)
	Steps        map[string]float64   // symbol -> LOT_SIZE step (default 0.001)
	Prices       map[string]float64   // symbol -> current price
	KlineData    map[string][]Kline   // symbol -> candles
	PositionRows []PositionRisk       // venue position risk rows
	TotalBalance float64
	AvailBalance float64
	Margin       MarginSafety
	VolumeTop    []string
	VolatileTop  []string

	// Failure injection
	OrderErr    error
	LeverageErr error

	// Recorded calls
	Orders        []OrderResult
	Cancels       []string
	SetLeverages  map[string]int
	Subscriptions map[string]PriceCallback
}

// NewMockGateway builds a mock with sane defaults.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		LeverageCaps:  make(map[string]int),
		Steps:         make(map[string]float64),
		Prices:        make(map[string]float64),
		KlineData:     make(map[string][]Kline),
		SetLeverages:  make(map[string]int),
		Subscriptions: make(map[string]PriceCallback),
	}
}

func (m *MockGateway) AllUSDTPairs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Pairs))
	copy(out, m.Pairs)
	return out, nil
}

func (m *MockGateway) MaxLeverage(ctx context.Context, symbol string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lev, ok := m.LeverageCaps[strings.ToUpper(symbol)]; ok {
		return lev, nil
	}
	return 100, nil
}

func (m *MockGateway) StepSize(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if step, ok := m.Steps[strings.ToUpper(symbol)]; ok {
		return step, nil
	}
	return 0.001, nil
}

func (m *MockGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LeverageErr != nil {
		return m.LeverageErr
	}
	m.SetLeverages[strings.ToUpper(symbol)] = leverage
	return nil
}

func (m *MockGateway) TotalAndAvailableBalance(ctx context.Context) (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TotalBalance, m.AvailBalance, nil
}

func (m *MockGateway) MarginSafety(ctx context.Context) (*MarginSafety, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms := m.Margin
	return &ms, nil
}

func (m *MockGateway) Positions(ctx context.Context, symbol string) ([]PositionRisk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PositionRisk
	for _, p := range m.PositionRows {
		if symbol == "" || strings.EqualFold(p.Symbol, symbol) {
			out = append(out, p)
		}
	}
	return out, nil
}

// SetPosition replaces the venue row for a symbol, as a filled order would.
func (m *MockGateway) SetPosition(symbol string, amt, entry, lev float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	for i, p := range m.PositionRows {
		if p.Symbol == symbol {
			if amt == 0 {
				m.PositionRows = append(m.PositionRows[:i], m.PositionRows[i+1:]...)
			} else {
				m.PositionRows[i].PositionAmt = amt
				m.PositionRows[i].EntryPrice = entry
				m.PositionRows[i].Leverage = lev
			}
			return
		}
	}
	if amt != 0 {
		m.PositionRows = append(m.PositionRows, PositionRisk{
			Symbol: symbol, PositionAmt: amt, EntryPrice: entry, Leverage: lev,
		})
	}
}

func (m *MockGateway) Ticker24h(ctx context.Context, symbol string) ([]Ticker24h, error) {
	return nil, nil
}

func (m *MockGateway) TopByQuoteVolume(ctx context.Context, limit int, minQuoteUSD float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.VolumeTop...), nil
}

func (m *MockGateway) TopByVolatility(ctx context.Context, limit int, minPercent float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.VolatileTop...), nil
}

func (m *MockGateway) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	klines, ok := m.KlineData[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("no klines scripted for %s", symbol)
	}
	return append([]Kline(nil), klines...), nil
}

// PlaceMarketOrder fills instantly at the scripted price and updates the
// venue position row the way a real fill would.
func (m *MockGateway) PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.OrderErr != nil {
		return nil, m.OrderErr
	}

	symbol = strings.ToUpper(symbol)
	price := m.Prices[symbol]
	result := OrderResult{
		OrderID:     int64(len(m.Orders) + 1),
		Symbol:      symbol,
		Status:      "FILLED",
		Side:        string(side),
		AvgPrice:    price,
		ExecutedQty: quantity,
		OrigQty:     quantity,
	}
	m.Orders = append(m.Orders, result)

	signed := quantity
	if side == SideSell {
		signed = -quantity
	}
	m.applyFillLocked(symbol, signed, price)
	return &result, nil
}

// applyFillLocked merges a fill into the venue position row.
func (m *MockGateway) applyFillLocked(symbol string, signedQty, price float64) {
	for i, p := range m.PositionRows {
		if p.Symbol != symbol {
			continue
		}
		newAmt := p.PositionAmt + signedQty
		if newAmt == 0 {
			m.PositionRows = append(m.PositionRows[:i], m.PositionRows[i+1:]...)
			return
		}
		// Same-direction fill moves the weighted entry; reductions keep it.
		if (p.PositionAmt > 0) == (signedQty > 0) {
			total := abs(p.PositionAmt) + abs(signedQty)
			m.PositionRows[i].EntryPrice = (p.EntryPrice*abs(p.PositionAmt) + price*abs(signedQty)) / total
		}
		m.PositionRows[i].PositionAmt = newAmt
		return
	}
	m.PositionRows = append(m.PositionRows, PositionRisk{
		Symbol: symbol, PositionAmt: signedQty, EntryPrice: price, Leverage: 1,
	})
}

func (m *MockGateway) CancelOpenOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cancels = append(m.Cancels, strings.ToUpper(symbol))
	return nil
}

func (m *MockGateway) SubscribeTrades(symbol string, cb PriceCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Subscriptions[strings.ToUpper(symbol)] = cb
	return nil
}

func (m *MockGateway) UnsubscribeTrades(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Subscriptions, strings.ToUpper(symbol))
}

func (m *MockGateway) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.Prices[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("no price scripted for %s", symbol)
	}
	return price, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
