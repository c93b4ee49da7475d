package coordinator

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func newTestCoordinator() *Coordinator {
	return New(zerolog.Nop())
}

func TestSearchSlotSingleOwner(t *testing.T) {
	c := newTestCoordinator()

	if !c.RequestSearch("bot-1") {
		t.Fatal("first request should be granted")
	}
	if c.RequestSearch("bot-2") {
		t.Fatal("second bot should queue, not search")
	}
	if !c.RequestSearch("bot-1") {
		t.Fatal("holder re-request should stay granted")
	}

	c.FinishSearch("bot-1")
	if !c.RequestSearch("bot-2") {
		t.Fatal("queued bot should be granted after release")
	}
}

func TestQueueIsFIFO(t *testing.T) {
	c := newTestCoordinator()

	c.RequestSearch("bot-1")
	c.RequestSearch("bot-2")
	c.RequestSearch("bot-3")
	c.RequestSearch("bot-4")

	c.FinishSearch("bot-1")

	// bot-4 polls first but bot-2 is at the head.
	if c.RequestSearch("bot-4") {
		t.Fatal("bot-4 should not jump the queue")
	}
	if !c.RequestSearch("bot-2") {
		t.Fatal("bot-2 is queue head, should be granted")
	}

	c.FinishSearch("bot-2")
	if c.RequestSearch("bot-4") {
		t.Fatal("bot-3 is still ahead of bot-4")
	}
	if !c.RequestSearch("bot-3") {
		t.Fatal("bot-3 should be granted next")
	}
}

func TestRequeueDoesNotDuplicate(t *testing.T) {
	c := newTestCoordinator()

	c.RequestSearch("bot-1")
	for i := 0; i < 5; i++ {
		c.RequestSearch("bot-2")
	}

	snap := c.Snapshot()
	if len(snap.Queue) != 1 {
		t.Fatalf("queue length = %d, want 1", len(snap.Queue))
	}
}

func TestSymbolOwnership(t *testing.T) {
	c := newTestCoordinator()

	c.MarkHasSymbol("bot-1", "BTCUSDT")

	if c.IsSymbolAvailable("bot-2", "BTCUSDT") {
		t.Fatal("BTCUSDT is held by bot-1")
	}
	if !c.IsSymbolAvailable("bot-1", "BTCUSDT") {
		t.Fatal("owner should see its own symbol as available")
	}
	if !c.IsSymbolAvailable("bot-2", "ETHUSDT") {
		t.Fatal("unheld symbol should be available")
	}

	c.MarkLostSymbol("bot-1", "BTCUSDT")
	if !c.IsSymbolAvailable("bot-2", "BTCUSDT") {
		t.Fatal("released symbol should be available")
	}
}

func TestSymbolReplaceDropsPrevious(t *testing.T) {
	c := newTestCoordinator()

	c.MarkHasSymbol("bot-1", "BTCUSDT")
	c.MarkHasSymbol("bot-1", "ETHUSDT")

	if !c.IsSymbolAvailable("bot-2", "BTCUSDT") {
		t.Fatal("previous symbol should be released on replace")
	}
	if c.IsSymbolAvailable("bot-2", "ETHUSDT") {
		t.Fatal("new symbol should be held")
	}
}

// Three bots: one already holding a symbol, one searching, one waiting.
func TestSnapshotReflectsFleetState(t *testing.T) {
	c := newTestCoordinator()

	c.MarkHasSymbol("bot-1", "BTCUSDT")
	c.RequestSearch("bot-2")
	c.RequestSearch("bot-3")

	snap := c.Snapshot()
	if snap.Searcher != "bot-2" {
		t.Errorf("searcher = %q, want bot-2", snap.Searcher)
	}
	if len(snap.Queue) != 1 || snap.Queue[0] != "bot-3" {
		t.Errorf("queue = %v, want [bot-3]", snap.Queue)
	}
	if snap.Holdings["BTCUSDT"] != "bot-1" {
		t.Errorf("holdings = %v, want BTCUSDT held by bot-1", snap.Holdings)
	}
}

// The slot hand-off is synchronous: the moment the searcher finishes, the
// queue head becomes the searcher, with no idle gap in between.
func TestFinishHandsSlotToQueueHead(t *testing.T) {
	c := newTestCoordinator()

	c.RequestSearch("bot-1")
	c.RequestSearch("bot-2")
	c.RequestSearch("bot-3")

	c.FinishSearch("bot-1")

	snap := c.Snapshot()
	if snap.Searcher != "bot-2" {
		t.Fatalf("searcher = %q, want bot-2", snap.Searcher)
	}
	if len(snap.Queue) != 1 || snap.Queue[0] != "bot-3" {
		t.Fatalf("queue = %v, want [bot-3]", snap.Queue)
	}

	c.FinishSearch("bot-2")
	snap = c.Snapshot()
	if snap.Searcher != "bot-3" {
		t.Fatalf("searcher = %q, want bot-3", snap.Searcher)
	}
	if len(snap.Queue) != 0 {
		t.Fatalf("queue = %v, want empty", snap.Queue)
	}
}

func TestSearchRefusedWhileHoldingSymbol(t *testing.T) {
	c := newTestCoordinator()

	c.MarkHasSymbol("bot-1", "BTCUSDT")
	if c.RequestSearch("bot-1") {
		t.Fatal("a bot that already holds a symbol must be refused the slot")
	}
	if c.Snapshot().Searcher != "" {
		t.Fatal("refused request must not take the slot")
	}

	c.MarkLostSymbol("bot-1", "BTCUSDT")
	if !c.RequestSearch("bot-1") {
		t.Fatal("slot should be granted once the symbol is released")
	}
}

func TestRemoveClearsAllState(t *testing.T) {
	c := newTestCoordinator()

	c.RequestSearch("bot-1")
	c.RequestSearch("bot-2")
	c.MarkHasSymbol("bot-1", "BTCUSDT")

	c.Remove("bot-1")

	if !c.IsSymbolAvailable("bot-3", "BTCUSDT") {
		t.Fatal("removed bot's symbol should be released")
	}
	if !c.RequestSearch("bot-2") {
		t.Fatal("slot should be free for the queued bot")
	}
}

func TestConcurrentRequestsGrantExactlyOne(t *testing.T) {
	c := newTestCoordinator()

	const bots = 20
	var wg sync.WaitGroup
	granted := make(chan string, bots)

	for i := 0; i < bots; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if c.RequestSearch(id) {
				granted <- id
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	if count != 1 {
		t.Fatalf("granted = %d searchers, want exactly 1", count)
	}
}
