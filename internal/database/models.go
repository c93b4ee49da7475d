package database

import "time"

// Bot lifecycle states as stored in bot_configs.status.
const (
	BotStatusActive  = "active"
	BotStatusStopped = "stopped"
	BotStatusDeleted = "deleted"
)

// Position lifecycle states as stored in bot_positions.status.
const (
	PositionStatusOpen   = "open"
	PositionStatusClosed = "closed"
)

// BotConfig is one bot's persisted configuration and lifecycle state.
type BotConfig struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Status             string    `json:"status"`
	Symbol             string    `json:"symbol"`
	Leverage           int       `json:"leverage"`
	BalancePercent     float64   `json:"balance_percent"`
	TakeProfitPercent  float64   `json:"take_profit_percent"`
	StopLossPercent    float64   `json:"stop_loss_percent"`
	ROITrigger         float64   `json:"roi_trigger"`
	PyramidMax         int       `json:"pyramid_max"`
	PyramidStepPercent float64   `json:"pyramid_step_percent"`
	SearchMode         string    `json:"search_mode"`
	EntryMode          string    `json:"entry_mode"`
	ReverseOnStop      bool      `json:"reverse_on_stop"`

	// APIKey and SecretKey are the bot's own exchange credentials. Empty
	// means the bot trades through the account-wide gateway. Never
	// serialized into API responses.
	APIKey    string `json:"-"`
	SecretKey string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BotPosition is an open or closed position row.
type BotPosition struct {
	ID           int64      `json:"id"`
	BotID        string     `json:"bot_id"`
	Symbol       string     `json:"symbol"`
	Side         string     `json:"side"`
	EntryPrice   float64    `json:"entry_price"`
	Quantity     float64    `json:"quantity"`
	Leverage     int        `json:"leverage"`
	PyramidCount int        `json:"pyramid_count"`
	BaseROI      float64    `json:"base_roi"`
	Status       string     `json:"status"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TradeRecord is one completed round trip.
type TradeRecord struct {
	ID          int64     `json:"id"`
	BotID       string    `json:"bot_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	Quantity    float64   `json:"quantity"`
	Leverage    int       `json:"leverage"`
	PnL         float64   `json:"pnl"`
	ROI         float64   `json:"roi"`
	CloseReason string    `json:"close_reason"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at"`
}

// BotStatistics are running aggregates per bot. MaxDrawdown is the most
// negative single-trade ROI seen so far.
type BotStatistics struct {
	BotID         string    `json:"bot_id"`
	TotalTrades   int       `json:"total_trades"`
	WinningTrades int       `json:"winning_trades"`
	LosingTrades  int       `json:"losing_trades"`
	TotalPnL      float64   `json:"total_pnl"`
	MaxDrawdown   float64   `json:"max_drawdown"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BlacklistEntry is a symbol the fleet must never trade.
type BlacklistEntry struct {
	Symbol    string    `json:"symbol"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
