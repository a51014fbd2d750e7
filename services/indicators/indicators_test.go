package indicators

import (
	"math"
	"testing"
	"time"

	"signalsim/services/market"
)

func series(ohlc ...[4]float64) []market.Candle {
	base := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)
	out := make([]market.Candle, len(ohlc))
	for i, v := range ohlc {
		out[i] = market.Candle{Time: base.Add(time.Duration(i) * time.Minute), Open: v[0], High: v[1], Low: v[2], Close: v[3], Volume: 100}
	}
	return out
}

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestTrueRangeFirstCandleUsesHighLow(t *testing.T) {
	tr := TrueRange(series(
		[4]float64{100, 105, 98, 103},
		[4]float64{103, 107, 101, 106},
		[4]float64{106, 110, 104, 108},
		[4]float64{108, 108, 100, 101},
	))
	want := []float64{7, 6, 6, 8}
	for i := range want {
		if tr[i] != want[i] {
			t.Fatalf("tr[%d] = %v, want %v", i, tr[i], want[i])
		}
	}
}

func TestATRWilderSmoothing(t *testing.T) {
	candles := series(
		[4]float64{100, 105, 98, 103},
		[4]float64{103, 107, 101, 106},
		[4]float64{106, 110, 104, 108},
		[4]float64{108, 108, 100, 101},
	)
	atr, ok := ATR(candles, 2)
	if !ok {
		t.Fatal("expected ATR")
	}
	// 7 -> 6.5 -> 6.25 -> 7.125 with alpha 0.5
	if atr != 7.125 {
		t.Fatalf("ATR = %v, want 7.125", atr)
	}
	if _, ok := ATR(candles[:2], 2); ok {
		t.Fatal("ATR must fail with fewer than period+1 candles")
	}
}

func TestATRMatchesReferenceRecursion(t *testing.T) {
	var rows [][4]float64
	price := 100.0
	for i := 0; i < 60; i++ {
		step := math.Sin(float64(i)) * 2
		open := price
		closeP := price + step
		high := math.Max(open, closeP) + 0.7
		low := math.Min(open, closeP) - 0.4
		rows = append(rows, [4]float64{open, high, low, closeP})
		price = closeP
	}
	candles := series(rows...)
	period := 14

	alpha := 1.0 / float64(period)
	ref := candles[0].High - candles[0].Low
	for i := 1; i < len(candles); i++ {
		pc := candles[i-1].Close
		tr := math.Max(candles[i].High-candles[i].Low, math.Max(math.Abs(candles[i].High-pc), math.Abs(candles[i].Low-pc)))
		ref = alpha*tr + (1-alpha)*ref
	}
	atr, ok := ATR(candles, period)
	if !ok || atr != ref {
		t.Fatalf("ATR = %v, reference = %v", atr, ref)
	}
}

func TestVolatility(t *testing.T) {
	v := Volatility(series(
		[4]float64{100, 100, 100, 100},
		[4]float64{110, 110, 110, 110},
		[4]float64{99, 99, 99, 99},
	))
	if !almost(v, math.Sqrt(0.02)*100) {
		t.Fatalf("Volatility = %v", v)
	}
	if Volatility(series([4]float64{1, 1, 1, 1})) != 0 {
		t.Fatal("single candle volatility must be zero")
	}
}

func TestFibonacciLevels(t *testing.T) {
	up := CalculateFibonacciLevels(100, 110, true)
	if up["0.0"] != 110 || up["100.0"] != 100 {
		t.Fatalf("anchors wrong: %v", up)
	}
	if !almost(up["38.2"], 106.18) || !almost(up["50.0"], 105) || !almost(up["61.8"], 103.82) {
		t.Fatalf("uptrend levels wrong: %v", up)
	}

	down := CalculateFibonacciLevels(110, 100, false)
	if !almost(down["38.2"], 103.82) || down["0.0"] != 100 || down["100.0"] != 110 {
		t.Fatalf("downtrend levels wrong: %v", down)
	}

	// monotonic between the anchors
	for i := 1; i < len(FibonacciRatios); i++ {
		prev, cur := LevelKey(FibonacciRatios[i-1]), LevelKey(FibonacciRatios[i])
		if up[cur] > up[prev] {
			t.Fatalf("uptrend level %s above %s", cur, prev)
		}
		if down[cur] < down[prev] {
			t.Fatalf("downtrend level %s below %s", cur, prev)
		}
	}

	flat := CalculateFibonacciLevels(100, 100, true)
	for k, v := range flat {
		if v != 100 {
			t.Fatalf("degenerate range level %s = %v", k, v)
		}
	}
}

func TestLevelKey(t *testing.T) {
	for ratio, want := range map[float64]string{0.382: "38.2", 0.5: "50.0", 0.618: "61.8", 0.236: "23.6", 1: "100.0", 0: "0.0"} {
		if got := LevelKey(ratio); got != want {
			t.Fatalf("LevelKey(%v) = %q, want %q", ratio, got, want)
		}
	}
}

func TestDetectPullbackFirstMatchWins(t *testing.T) {
	levels := CalculateFibonacciLevels(100, 110, true)
	entry := []float64{0.382, 0.5, 0.618}

	// 105.5 is closer to 50.0 (105) than to 38.2 (106.18), but 38.2 is listed first.
	p, ok := DetectPullback(105.5, levels, entry, 1.0)
	if !ok || p.Level != "38.2" {
		t.Fatalf("expected 38.2 match, got %+v ok=%v", p, ok)
	}
	if !almost(p.Deviation, 0.68) {
		t.Fatalf("deviation = %v", p.Deviation)
	}

	if _, ok := DetectPullback(108, levels, entry, 0.3); ok {
		t.Fatal("108 should not match any entry level at 0.3%")
	}

	p, ok = DetectPullback(103.9, levels, entry, 0.3)
	if !ok || p.Level != "61.8" {
		t.Fatalf("expected 61.8 match, got %+v ok=%v", p, ok)
	}
}

func TestDailyRange(t *testing.T) {
	r := CalculateDailyRange(series(
		[4]float64{100.5, 101, 100, 100.8},
		[4]float64{100.8, 102, 100.4, 101},
	), 2, 10)
	if !r.Valid || r.High != 102 || r.Low != 100 || r.WidthPct != 2 || r.Middle != 101 {
		t.Fatalf("unexpected range: %+v", r)
	}
	if r.CurrentPosition != 0.5 {
		t.Fatalf("current position = %v", r.CurrentPosition)
	}

	narrow := CalculateDailyRange(series([4]float64{100, 100.5, 100, 100.2}), 2, 10)
	if narrow.Valid {
		t.Fatal("0.5% range must be invalid")
	}
	flat := CalculateDailyRange(series([4]float64{100, 100, 100, 100}), 0, 10)
	if flat.CurrentPosition != 0.5 {
		t.Fatalf("zero-width range position = %v", flat.CurrentPosition)
	}
	if CalculateDailyRange(nil, 2, 10).Valid {
		t.Fatal("empty window must be invalid")
	}
}

func TestSupportResistance(t *testing.T) {
	candles := series(
		[4]float64{100.5, 101, 100, 100.5},
		[4]float64{100.5, 100.8, 100.2, 100.6},
		[4]float64{100.6, 101.2, 100.5, 101},
		[4]float64{101, 101.1, 100.6, 100.9},
		[4]float64{110, 111, 110, 110.5},
		[4]float64{110.5, 110.9, 110.1, 110.2},
	)
	sr := DetectSupportResistance(candles, 2)
	if len(sr.Support) != 2 || !almost(sr.Support[0], 100.25) || sr.Support[1] != 110 {
		t.Fatalf("support = %v", sr.Support)
	}
	if len(sr.Resistance) != 2 || !almost(sr.Resistance[0], 101.1) || sr.Resistance[1] != 111 {
		t.Fatalf("resistance = %v", sr.Resistance)
	}

	short := DetectSupportResistance(candles[:5], 2)
	if len(short.Support) != 0 || len(short.Resistance) != 0 {
		t.Fatal("fewer than 3*window candles must produce no levels")
	}
}

func TestAdaptiveStops(t *testing.T) {
	p := StopParams{StopMultiplier: 2, TakeMultiplier: 3, MinStopPct: 1, MaxStopPct: 5}

	s := AdaptiveStops(100, 1, market.DirectionUp, p)
	if s.StopLoss != 98 || s.TakeProfit != 103 || s.RiskReward != 1.5 || s.StopPct != 2 {
		t.Fatalf("unexpected stops: %+v", s)
	}

	s = AdaptiveStops(100, 0.1, market.DirectionUp, p)
	if s.StopPct != 1 || !almost(s.StopLoss, 99) || !almost(s.RiskReward, 0.3) {
		t.Fatalf("min clamp not applied: %+v", s)
	}

	s = AdaptiveStops(100, 5, market.DirectionDown, p)
	if s.StopPct != 5 || s.StopLoss != 105 || s.TakeProfit != 85 || s.RiskReward != 3 {
		t.Fatalf("max clamp / short side wrong: %+v", s)
	}
}

func TestAdaptiveStopsClampProperty(t *testing.T) {
	p := StopParams{StopMultiplier: 2, TakeMultiplier: 3, MinStopPct: 1, MaxStopPct: 5}
	for atr := 0.01; atr < 20; atr *= 1.37 {
		for _, dir := range []market.Direction{market.DirectionUp, market.DirectionDown} {
			s := AdaptiveStops(250, atr, dir, p)
			if s.StopPct < p.MinStopPct || s.StopPct > p.MaxStopPct {
				t.Fatalf("stop pct %v outside clamp for atr %v", s.StopPct, atr)
			}
		}
	}
}

func TestRiskReward(t *testing.T) {
	if rr := RiskReward(100, 97, 106); rr != 2 {
		t.Fatalf("RiskReward = %v", rr)
	}
	if rr := RiskReward(100, 100, 106); rr != 0 {
		t.Fatalf("zero risk must give zero, got %v", rr)
	}
}
