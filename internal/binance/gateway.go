package binance

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// LiveGateway composes the signed REST client, the shared metadata cache and
// the shared stream manager into the Gateway surface. Bots configured with
// their own credentials get a dedicated LiveGateway; the rest share the
// account-wide one. The cache and streams are shared either way.
type LiveGateway struct {
	client  *FuturesClient
	market  *MarketDataCache
	streams *StreamManager
}

// NewLiveGateway builds a gateway over per-bot credentials with shared
// market data and stream infrastructure.
func NewLiveGateway(apiKey, secretKey string, testnet bool, market *MarketDataCache, streams *StreamManager, logger zerolog.Logger) *LiveGateway {
	client := NewFuturesClient(apiKey, secretKey, testnet, logger)
	if market == nil {
		market = NewMarketDataCache(client)
	}
	return &LiveGateway{client: client, market: market, streams: streams}
}

// Client exposes the underlying REST client, used when constructing the
// shared MarketDataCache at boot.
func (g *LiveGateway) Client() *FuturesClient { return g.client }

func (g *LiveGateway) AllUSDTPairs(ctx context.Context) ([]string, error) {
	return g.market.AllUSDTPairs(ctx)
}

func (g *LiveGateway) MaxLeverage(ctx context.Context, symbol string) (int, error) {
	return g.market.MaxLeverage(ctx, symbol)
}

func (g *LiveGateway) StepSize(ctx context.Context, symbol string) (float64, error) {
	return g.market.StepSize(ctx, symbol)
}

func (g *LiveGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return g.client.SetLeverage(ctx, symbol, leverage)
}

func (g *LiveGateway) TotalAndAvailableBalance(ctx context.Context) (float64, float64, error) {
	return g.client.TotalAndAvailableBalance(ctx)
}

func (g *LiveGateway) MarginSafety(ctx context.Context) (*MarginSafety, error) {
	return g.client.MarginSafety(ctx)
}

func (g *LiveGateway) Positions(ctx context.Context, symbol string) ([]PositionRisk, error) {
	return g.client.Positions(ctx, symbol)
}

func (g *LiveGateway) Ticker24h(ctx context.Context, symbol string) ([]Ticker24h, error) {
	return g.client.Ticker24h(ctx, symbol)
}

func (g *LiveGateway) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	return g.client.Klines(ctx, symbol, interval, limit)
}

// TopByQuoteVolume ranks USDT perpetuals by 24h quote volume descending,
// keeping only symbols at or above minQuoteUSD.
func (g *LiveGateway) TopByQuoteVolume(ctx context.Context, limit int, minQuoteUSD float64) ([]string, error) {
	tickers, err := g.tradableTickers(ctx)
	if err != nil {
		return nil, err
	}

	var ranked []Ticker24h
	for _, t := range tickers {
		if t.QuoteVolume >= minQuoteUSD {
			ranked = append(ranked, t)
		}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].QuoteVolume > ranked[j].QuoteVolume })

	return topSymbols(ranked, limit), nil
}

// TopByVolatility ranks USDT perpetuals by 24h high/low range descending,
// keeping only symbols at or above minPercent.
func (g *LiveGateway) TopByVolatility(ctx context.Context, limit int, minPercent float64) ([]string, error) {
	tickers, err := g.tradableTickers(ctx)
	if err != nil {
		return nil, err
	}

	var ranked []Ticker24h
	for _, t := range tickers {
		if t.Volatility() >= minPercent {
			ranked = append(ranked, t)
		}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Volatility() > ranked[j].Volatility() })

	return topSymbols(ranked, limit), nil
}

// tradableTickers returns 24h tickers restricted to the TRADING USDT universe.
func (g *LiveGateway) tradableTickers(ctx context.Context) ([]Ticker24h, error) {
	pairs, err := g.market.AllUSDTPairs(ctx)
	if err != nil {
		return nil, err
	}
	trading := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		trading[p] = true
	}

	tickers, err := g.client.Ticker24h(ctx, "")
	if err != nil {
		return nil, err
	}

	out := tickers[:0]
	for _, t := range tickers {
		if trading[t.Symbol] {
			out = append(out, t)
		}
	}
	return out, nil
}

func topSymbols(ranked []Ticker24h, limit int) []string {
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	symbols := make([]string, len(ranked))
	for i, t := range ranked {
		symbols[i] = t.Symbol
	}
	return symbols
}

func (g *LiveGateway) PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64) (*OrderResult, error) {
	return g.client.PlaceMarketOrder(ctx, symbol, side, quantity)
}

func (g *LiveGateway) CancelOpenOrders(ctx context.Context, symbol string) error {
	return g.client.CancelOpenOrders(ctx, symbol)
}

func (g *LiveGateway) SubscribeTrades(symbol string, cb PriceCallback) error {
	return g.streams.Subscribe(symbol, cb)
}

func (g *LiveGateway) UnsubscribeTrades(symbol string) {
	g.streams.Unsubscribe(symbol)
}

// CurrentPrice prefers the streamed price when it is fresh and falls back to
// a REST ticker lookup otherwise.
func (g *LiveGateway) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if g.streams != nil {
		if price, at, ok := g.streams.LastPrice(symbol); ok && time.Since(at) < priceStaleAfter {
			return price, nil
		}
	}
	return g.client.TickerPrice(ctx, symbol)
}
