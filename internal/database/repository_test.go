package database

import "testing"

func TestTradeOutcomeBuckets(t *testing.T) {
	cases := []struct {
		pnl       float64
		win, loss int
	}{
		{12.5, 1, 0},
		{0.0001, 1, 0},
		{0, 0, 1},
		{-0.0001, 0, 1},
		{-42, 0, 1},
	}
	for _, c := range cases {
		win, loss := tradeOutcome(c.pnl)
		if win != c.win || loss != c.loss {
			t.Errorf("tradeOutcome(%v) = (%d, %d), want (%d, %d)", c.pnl, win, loss, c.win, c.loss)
		}
	}
}
