package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ==================== ENUMS ====================

// Side represents an order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the reverse side, used for closing and for reversal entries.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is one of the two tradable sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ==================== ACCOUNT TYPES ====================

// AccountInfo is the subset of /fapi/v2/account the engine consumes.
type AccountInfo struct {
	TotalMarginBalance float64        `json:"totalMarginBalance,string"`
	TotalMaintMargin   float64        `json:"totalMaintMargin,string"`
	TotalWalletBalance float64        `json:"totalWalletBalance,string"`
	AvailableBalance   float64        `json:"availableBalance,string"`
	Assets             []AccountAsset `json:"assets"`
}

// AccountAsset represents one asset row in the account response.
type AccountAsset struct {
	Asset            string  `json:"asset"`
	WalletBalance    float64 `json:"walletBalance,string"`
	AvailableBalance float64 `json:"availableBalance,string"`
	MarginBalance    float64 `json:"marginBalance,string"`
	MaintMargin      float64 `json:"maintMargin,string"`
}

// MarginSafety carries the account-wide margin figures used by the safety
// governor. Ratio is nil when maintenance margin is zero (no open positions).
type MarginSafety struct {
	MarginBalance float64
	MaintMargin   float64
	Ratio         *float64
}

// PositionRisk represents one row of /fapi/v2/positionRisk.
type PositionRisk struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnRealizedProfit float64 `json:"unRealizedProfit,string"`
	Leverage         float64 `json:"leverage,string"`
	PositionSide     string  `json:"positionSide"`
}

// ==================== TRADING TYPES ====================

// OrderResult is the acknowledgement returned by POST /fapi/v1/order.
type OrderResult struct {
	OrderID     int64   `json:"orderId"`
	Symbol      string  `json:"symbol"`
	Status      string  `json:"status"`
	Side        string  `json:"side"`
	AvgPrice    float64 `json:"avgPrice,string"`
	ExecutedQty float64 `json:"executedQty,string"`
	OrigQty     float64 `json:"origQty,string"`
}

// LeverageResponse is the acknowledgement of POST /fapi/v1/leverage.
type LeverageResponse struct {
	Symbol   string `json:"symbol"`
	Leverage int    `json:"leverage"`
}

// ==================== MARKET DATA TYPES ====================

// Ticker24h represents one row of /fapi/v1/ticker/24hr.
type Ticker24h struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"lastPrice,string"`
	Volume             float64 `json:"volume,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
	HighPrice          float64 `json:"highPrice,string"`
	LowPrice           float64 `json:"lowPrice,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
}

// Volatility returns the 24h (high-low)/low range in percent.
func (t Ticker24h) Volatility() float64 {
	if t.LowPrice <= 0 {
		return 0
	}
	return (t.HighPrice - t.LowPrice) / t.LowPrice * 100
}

// TickerPrice represents /fapi/v1/ticker/price for a single symbol.
type TickerPrice struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price,string"`
}

// Kline is one candle from /fapi/v1/klines. Binance returns klines as JSON
// arrays of mixed numbers and numeric strings.
type Kline struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

// UnmarshalJSON decodes the positional kline array format.
func (k *Kline) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 7 {
		return fmt.Errorf("kline array too short: %d fields", len(raw))
	}

	if err := json.Unmarshal(raw[0], &k.OpenTime); err != nil {
		return fmt.Errorf("kline open time: %w", err)
	}
	if err := json.Unmarshal(raw[6], &k.CloseTime); err != nil {
		return fmt.Errorf("kline close time: %w", err)
	}

	fields := []struct {
		idx int
		dst *float64
	}{
		{1, &k.Open}, {2, &k.High}, {3, &k.Low}, {4, &k.Close}, {5, &k.Volume},
	}
	for _, f := range fields {
		var s string
		if err := json.Unmarshal(raw[f.idx], &s); err != nil {
			return fmt.Errorf("kline field %d: %w", f.idx, err)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("kline field %d: %w", f.idx, err)
		}
		*f.dst = v
	}
	return nil
}

// ==================== EXCHANGE INFO TYPES ====================

// ExchangeInfo is the subset of /fapi/v1/exchangeInfo the engine consumes.
type ExchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo describes one tradable symbol and its filters.
type SymbolInfo struct {
	Symbol     string         `json:"symbol"`
	Status     string         `json:"status"`
	QuoteAsset string         `json:"quoteAsset"`
	Filters    []SymbolFilter `json:"filters"`
}

// SymbolFilter carries the filter fields we read (LOT_SIZE step, leverage cap).
type SymbolFilter struct {
	FilterType  string `json:"filterType"`
	StepSize    string `json:"stepSize"`
	MaxLeverage string `json:"maxLeverage"`
}

// StepSize returns the LOT_SIZE step for the symbol, or 0 when absent.
func (s SymbolInfo) StepSize() float64 {
	for _, f := range s.Filters {
		if f.FilterType == "LOT_SIZE" && f.StepSize != "" {
			v, err := strconv.ParseFloat(f.StepSize, 64)
			if err == nil {
				return v
			}
		}
	}
	return 0
}

// MaxLeverage returns the symbol's leverage cap. Binance omits the LEVERAGE
// filter for most symbols; the venue default is 100x.
func (s SymbolInfo) MaxLeverage() int {
	for _, f := range s.Filters {
		if f.FilterType == "LEVERAGE" && f.MaxLeverage != "" {
			v, err := strconv.Atoi(f.MaxLeverage)
			if err == nil {
				return v
			}
		}
	}
	return 100
}

// ==================== STREAM TYPES ====================

// TradeTick is one trade event delivered by a symbol's @trade stream.
type TradeTick struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// tradeStreamMessage is the combined-stream envelope for @trade events.
type tradeStreamMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		TradeTime int64  `json:"T"`
	} `json:"data"`
}
