package engine

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"signalsim/services/market"
)

func TestPnLSign(t *testing.T) {
	up := Position{Direction: market.DirectionUp, EntryPrice: 100, Quantity: 10}
	down := Position{Direction: market.DirectionDown, EntryPrice: 100, Quantity: 10}
	for _, price := range []float64{90, 99.5, 100, 100.5, 110} {
		if (up.PnLAt(price) > 0) != (price > 100) {
			t.Fatalf("UP pnl sign wrong at %v: %v", price, up.PnLAt(price))
		}
		if (down.PnLAt(price) > 0) != (price < 100) {
			t.Fatalf("DOWN pnl sign wrong at %v: %v", price, down.PnLAt(price))
		}
	}
}

func TestExitAtPriority(t *testing.T) {
	tests := []struct {
		name   string
		pos    Position
		price  float64
		reason CloseReason
		fill   float64
		hit    bool
	}{
		{"up inside band", Position{Direction: market.DirectionUp, EntryPrice: 100, StopLoss: 98, TakeProfit: 103}, 101, "", 0, false},
		{"up stop", Position{Direction: market.DirectionUp, EntryPrice: 100, StopLoss: 98, TakeProfit: 103}, 97, CloseStopLoss, 98, true},
		{"up target", Position{Direction: market.DirectionUp, EntryPrice: 100, StopLoss: 98, TakeProfit: 103}, 103, CloseTakeProfit, 103, true},
		{"down stop", Position{Direction: market.DirectionDown, EntryPrice: 100, StopLoss: 102, TakeProfit: 97}, 102.5, CloseStopLoss, 102, true},
		{"down target", Position{Direction: market.DirectionDown, EntryPrice: 100, StopLoss: 102, TakeProfit: 97}, 96, CloseTakeProfit, 97, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, fill, hit := tt.pos.ExitAt(tt.price)
			if reason != tt.reason || fill != tt.fill || hit != tt.hit {
				t.Fatalf("ExitAt(%v) = %q %v %v", tt.price, reason, fill, hit)
			}
		})
	}
}

func TestPositionJSONIncludesHoldTime(t *testing.T) {
	p := Position{
		ID:          "p1",
		Direction:   market.DirectionUp,
		EntryTime:   t0,
		IsClosed:    true,
		CloseTime:   t0.Add(90 * time.Second),
		CloseReason: CloseBacktestEnd,
	}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["hold_time_seconds"] != 90.0 || m["close_reason"] != "BACKTEST_END" {
		t.Fatalf("unexpected json: %s", data)
	}

	open, _ := json.Marshal(Position{ID: "p2", EntryTime: t0})
	if strings.Contains(string(open), "close_time") {
		t.Fatalf("open position must omit close_time: %s", open)
	}
}
