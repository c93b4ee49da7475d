// Package coordinator serializes symbol searching across the fleet. Only one
// bot scans the market at a time; the rest wait in a FIFO queue. The
// coordinator also tracks which bot owns which symbol so two bots never
// trade the same pair.
package coordinator

import (
	"sync"

	"github.com/rs/zerolog"
)

// Snapshot is the coordinator's state at one instant, served by the API.
type Snapshot struct {
	Searcher string            `json:"searcher"`
	Queue    []string          `json:"queue"`
	Holdings map[string]string `json:"holdings"` // symbol -> bot id
}

// Coordinator is the fleet's search broker. All methods are safe for
// concurrent use by the bot goroutines.
type Coordinator struct {
	mu       sync.Mutex
	searcher string            // bot currently granted the search slot
	queue    []string          // bots waiting, FIFO
	queued   map[string]bool   // membership index for queue
	holdings map[string]string // symbol -> owning bot
	symbols  map[string]string // bot -> owned symbol
	logger   zerolog.Logger
}

// New builds an empty coordinator.
func New(logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		queued:   make(map[string]bool),
		holdings: make(map[string]string),
		symbols:  make(map[string]string),
		logger:   logger.With().Str("component", "coordinator").Logger(),
	}
}

// RequestSearch asks for the search slot. It returns true when the slot is
// granted immediately. Otherwise the bot joins the FIFO queue (once) and
// must keep calling until granted. A bot that already owns a symbol has no
// business scanning and is refused outright.
func (c *Coordinator) RequestSearch(botID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, holding := c.symbols[botID]; holding {
		return false
	}
	if c.searcher == botID {
		return true
	}
	if c.searcher == "" {
		// Respect the queue: a free slot goes to the head, not to
		// whoever asked most recently.
		if len(c.queue) == 0 || c.queue[0] == botID {
			if len(c.queue) > 0 {
				c.dequeueLocked(botID)
			}
			c.searcher = botID
			c.logger.Debug().Str("bot", botID).Msg("search slot granted")
			return true
		}
	}
	if !c.queued[botID] {
		c.queue = append(c.queue, botID)
		c.queued[botID] = true
		c.logger.Debug().Str("bot", botID).Int("queue_len", len(c.queue)).Msg("search queued")
	}
	return false
}

// FinishSearch releases the slot and hands it straight to the queue head,
// so the hand-off leaves no gap with the slot idle.
func (c *Coordinator) FinishSearch(botID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dequeueLocked(botID)
	if c.searcher != botID {
		return
	}
	c.searcher = ""
	c.logger.Debug().Str("bot", botID).Msg("search slot released")
	c.promoteLocked()
}

// MarkHasSymbol records that the bot now owns the symbol. A bot with a
// symbol has no business waiting for the search slot, so it also leaves the
// queue.
func (c *Coordinator) MarkHasSymbol(botID, symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dequeueLocked(botID)
	if prev, ok := c.symbols[botID]; ok && prev != symbol {
		delete(c.holdings, prev)
	}
	c.holdings[symbol] = botID
	c.symbols[botID] = symbol
	c.logger.Info().Str("bot", botID).Str("symbol", symbol).Msg("symbol attached")
}

// MarkLostSymbol releases the bot's ownership of the symbol.
func (c *Coordinator) MarkLostSymbol(botID, symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.holdings[symbol] == botID {
		delete(c.holdings, symbol)
	}
	if c.symbols[botID] == symbol {
		delete(c.symbols, botID)
	}
	c.logger.Info().Str("bot", botID).Str("symbol", symbol).Msg("symbol released")
}

// IsSymbolAvailable reports whether no other bot owns the symbol.
func (c *Coordinator) IsSymbolAvailable(botID, symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	owner, held := c.holdings[symbol]
	return !held || owner == botID
}

// Remove clears all coordinator state for a stopped bot.
func (c *Coordinator) Remove(botID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dequeueLocked(botID)
	if symbol, ok := c.symbols[botID]; ok {
		delete(c.symbols, botID)
		if c.holdings[symbol] == botID {
			delete(c.holdings, symbol)
		}
	}
	if c.searcher == botID {
		c.searcher = ""
		c.promoteLocked()
	}
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Searcher: c.searcher,
		Queue:    make([]string, len(c.queue)),
		Holdings: make(map[string]string, len(c.holdings)),
	}
	copy(snap.Queue, c.queue)
	for sym, bot := range c.holdings {
		snap.Holdings[sym] = bot
	}
	return snap
}

// promoteLocked installs the queue head as the searcher. Caller holds mu
// and has cleared the previous searcher.
func (c *Coordinator) promoteLocked() {
	if len(c.queue) == 0 {
		return
	}
	next := c.queue[0]
	c.dequeueLocked(next)
	c.searcher = next
	c.logger.Debug().Str("bot", next).Msg("search slot granted")
}

// dequeueLocked removes botID from the queue. Caller holds mu.
func (c *Coordinator) dequeueLocked(botID string) {
	if !c.queued[botID] {
		return
	}
	delete(c.queued, botID)
	for i, id := range c.queue {
		if id == botID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}
