package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// FuturesStreamURL is the combined-stream websocket endpoint.
	FuturesStreamURL = "wss://fstream.binance.com/stream"

	// reconnectDelay is how long a broken stream waits before redialing.
	reconnectDelay = 5 * time.Second

	// tickDedupeWindow suppresses ticks arriving within this window of the
	// last delivered tick for the same symbol.
	tickDedupeWindow = 100 * time.Millisecond
)

// PriceCallback receives trade ticks for a subscribed symbol.
type PriceCallback func(price float64, at time.Time)

// streamConn is one live per-symbol websocket subscription.
type streamConn struct {
	symbol   string
	conn     *websocket.Conn
	stopped  chan struct{}
	stopOnce sync.Once
}

func (s *streamConn) stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// StreamManager owns the per-symbol trade streams and the shared last-price
// cache. One subscription exists per symbol; ticks fan out to every
// registered callback, although in practice each symbol has one owner bot.
type StreamManager struct {
	mu        sync.RWMutex
	streams   map[string]*streamConn
	callbacks map[string][]PriceCallback
	lastPrice map[string]float64
	lastTick  map[string]time.Time
	dialer    *websocket.Dialer
	logger    zerolog.Logger
}

// NewStreamManager builds an empty stream registry.
func NewStreamManager(logger zerolog.Logger) *StreamManager {
	return &StreamManager{
		streams:   make(map[string]*streamConn),
		callbacks: make(map[string][]PriceCallback),
		lastPrice: make(map[string]float64),
		lastTick:  make(map[string]time.Time),
		dialer:    websocket.DefaultDialer,
		logger:    logger.With().Str("component", "trade_stream").Logger(),
	}
}

// Subscribe registers the callback and ensures a stream is running for the
// symbol. Subscribing an already-streamed symbol only adds the callback.
func (m *StreamManager) Subscribe(symbol string, cb PriceCallback) error {
	symbol = strings.ToUpper(symbol)
	if symbol == "" {
		return fmt.Errorf("empty symbol")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.callbacks[symbol] = append(m.callbacks[symbol], cb)
	if _, running := m.streams[symbol]; running {
		return nil
	}

	sc := &streamConn{symbol: symbol, stopped: make(chan struct{})}
	m.streams[symbol] = sc
	go m.run(sc)
	return nil
}

// Unsubscribe tears down the symbol's stream and drops its callbacks.
func (m *StreamManager) Unsubscribe(symbol string) {
	symbol = strings.ToUpper(symbol)

	m.mu.Lock()
	sc := m.streams[symbol]
	delete(m.streams, symbol)
	delete(m.callbacks, symbol)
	m.mu.Unlock()

	if sc != nil {
		sc.stop()
		m.logger.Info().Str("symbol", symbol).Msg("trade stream removed")
	}
}

// LastPrice returns the most recent streamed price and its arrival time.
func (m *StreamManager) LastPrice(symbol string) (float64, time.Time, bool) {
	symbol = strings.ToUpper(symbol)
	m.mu.RLock()
	defer m.mu.RUnlock()
	price, ok := m.lastPrice[symbol]
	return price, m.lastTick[symbol], ok
}

// Stop closes every stream. Used at process shutdown.
func (m *StreamManager) Stop() {
	m.mu.Lock()
	conns := make([]*streamConn, 0, len(m.streams))
	for _, sc := range m.streams {
		conns = append(conns, sc)
	}
	m.streams = make(map[string]*streamConn)
	m.callbacks = make(map[string][]PriceCallback)
	m.mu.Unlock()

	for _, sc := range conns {
		sc.stop()
	}
}

// run owns one symbol's connection for its whole life, redialing after
// reconnectDelay on any error until the stream is unsubscribed.
func (m *StreamManager) run(sc *streamConn) {
	streamURL := fmt.Sprintf("%s?streams=%s@trade", FuturesStreamURL, strings.ToLower(sc.symbol))

	for {
		select {
		case <-sc.stopped:
			return
		default:
		}

		conn, _, err := m.dialer.Dial(streamURL, nil)
		if err != nil {
			m.logger.Error().Str("symbol", sc.symbol).Err(err).Msg("stream dial failed")
			if !m.waitOrStopped(sc, reconnectDelay) {
				return
			}
			continue
		}
		sc.conn = conn
		m.logger.Info().Str("symbol", sc.symbol).Msg("trade stream connected")

		m.readLoop(sc, conn)
		conn.Close()

		select {
		case <-sc.stopped:
			return
		default:
		}
		m.logger.Warn().Str("symbol", sc.symbol).Msg("trade stream disconnected, reconnecting")
		if !m.waitOrStopped(sc, reconnectDelay) {
			return
		}
	}
}

func (m *StreamManager) waitOrStopped(sc *streamConn, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-sc.stopped:
		return false
	}
}

// readLoop consumes trade messages until the connection breaks.
func (m *StreamManager) readLoop(sc *streamConn, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg tradeStreamMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Data.Symbol == "" {
			continue
		}

		price, err := strconv.ParseFloat(msg.Data.Price, 64)
		if err != nil || price <= 0 {
			continue
		}

		m.deliver(msg.Data.Symbol, price, time.UnixMilli(msg.Data.TradeTime))
	}
}

// deliver updates the price cache and fans the tick out, dropping ticks
// inside the dedupe window.
func (m *StreamManager) deliver(symbol string, price float64, at time.Time) {
	now := time.Now()

	m.mu.Lock()
	if last, ok := m.lastTick[symbol]; ok && now.Sub(last) < tickDedupeWindow {
		m.mu.Unlock()
		return
	}
	m.lastTick[symbol] = now
	m.lastPrice[symbol] = price
	cbs := make([]PriceCallback, len(m.callbacks[symbol]))
	copy(cbs, m.callbacks[symbol])
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(price, at)
	}
}
