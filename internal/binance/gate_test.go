package binance

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestRequestGateSpacesConcurrentCallers(t *testing.T) {
	gate := NewRequestGate(20 * time.Millisecond)
	ctx := context.Background()

	const callers = 5
	var mu sync.Mutex
	var stamps []time.Time

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gate.Wait(ctx); err != nil {
				t.Errorf("Wait: %v", err)
				return
			}
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(stamps) != callers {
		t.Fatalf("stamps = %d, want %d", len(stamps), callers)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
	for i := 1; i < len(stamps); i++ {
		// Scheduling jitter can land a stamp slightly early; allow half
		// the interval of slack.
		if gap := stamps[i].Sub(stamps[i-1]); gap < 10*time.Millisecond {
			t.Fatalf("requests %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestRequestGateHonorsContextCancel(t *testing.T) {
	gate := NewRequestGate(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	// Burn the single burst token so the next Wait must block.
	if err := gate.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- gate.Wait(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Wait returned nil after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancel")
	}
}
