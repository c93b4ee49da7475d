package notification

import (
	"fmt"
	"time"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyTradeOpen  NotificationType = "trade_open"
	NotifyTradeClose NotificationType = "trade_close"
	NotifySafety     NotificationType = "safety"
	NotifyError      NotificationType = "error"
	NotifyInfo       NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Price     float64
	PnL       float64
	ROI       float64
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager manages multiple notification providers
type Manager struct {
	notifiers []Notifier
	enabled   bool
}

// NewManager creates a new notification manager
func NewManager() *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled {
		return nil
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}

	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(notification); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// SendTradeOpen announces a filled entry
func (m *Manager) SendTradeOpen(botName, symbol, side string, price, quantity float64, leverage int) error {
	return m.Send(&Notification{
		Type:   NotifyTradeOpen,
		Title:  fmt.Sprintf("Opened %s", symbol),
		Symbol: symbol,
		Price:  price,
		Message: fmt.Sprintf("%s: %s %s @ %.6f\nQty: %.6f | Leverage: %dx",
			botName, side, symbol, price, quantity, leverage),
	})
}

// SendTradeClose announces a completed round trip
func (m *Manager) SendTradeClose(botName, symbol, reason string, price, pnl, roi float64) error {
	return m.Send(&Notification{
		Type:   NotifyTradeClose,
		Title:  fmt.Sprintf("Closed %s", symbol),
		Symbol: symbol,
		Price:  price,
		PnL:    pnl,
		ROI:    roi,
		Message: fmt.Sprintf("%s: closed %s @ %.6f\nPnL: %.2f USDT (%.2f%%)\nReason: %s",
			botName, symbol, price, pnl, roi, reason),
	})
}

// SendSafetyTrip announces a margin protection unwind
func (m *Manager) SendSafetyTrip(ratio float64) error {
	return m.Send(&Notification{
		Type:  NotifySafety,
		Title: "Margin protection tripped",
		Message: fmt.Sprintf("Margin / Maint = %.2fx at or below %.2fx\nClosing all positions to avoid liquidation.",
			ratio, 1.15),
	})
}

// SendError sends an error notification
func (m *Manager) SendError(context string, err error) error {
	return m.Send(&Notification{
		Type:    NotifyError,
		Title:   "Error",
		Message: fmt.Sprintf("%s: %v", context, err),
	})
}
