package binance

import (
	"context"
	"time"
)

// Gateway is every exchange operation the engine issues. The live
// implementation wires the signed REST client, the metadata cache and the
// trade streams; tests substitute MockGateway.
type Gateway interface {
	// Metadata
	AllUSDTPairs(ctx context.Context) ([]string, error)
	MaxLeverage(ctx context.Context, symbol string) (int, error)
	StepSize(ctx context.Context, symbol string) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// Account
	TotalAndAvailableBalance(ctx context.Context) (total, available float64, err error)
	MarginSafety(ctx context.Context) (*MarginSafety, error)
	Positions(ctx context.Context, symbol string) ([]PositionRisk, error)

	// Market data
	Ticker24h(ctx context.Context, symbol string) ([]Ticker24h, error)
	TopByQuoteVolume(ctx context.Context, limit int, minQuoteUSD float64) ([]string, error)
	TopByVolatility(ctx context.Context, limit int, minPercent float64) ([]string, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)

	// Trading
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64) (*OrderResult, error)
	CancelOpenOrders(ctx context.Context, symbol string) error

	// Streams and prices
	SubscribeTrades(symbol string, cb PriceCallback) error
	UnsubscribeTrades(symbol string)
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// priceStaleAfter is how old a streamed price may be before CurrentPrice
// falls back to a REST lookup.
const priceStaleAfter = 5 * time.Second

var _ Gateway = (*LiveGateway)(nil)
var _ Gateway = (*MockGateway)(nil)
