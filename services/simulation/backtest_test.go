package simulation

import (
	"context"
	"math"
	"testing"
	"time"

	"signalsim/services/config"
	"signalsim/services/engine"
	"signalsim/services/market"
)

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Session = config.SessionConfig{Location: "UTC", Start: "10:00", End: "23:30", ForceCloseAt: "23:00"}
	cfg.Strategy.ATRPeriod = 1
	cfg.Strategy.MinVolatilityPct = 0
	cfg.Strategy.MaxVolatilityPct = 100
	cfg.Strategy.Pullback.TolerancePct = 1
	return cfg
}

type bar struct {
	at               time.Time
	o, h, low, close float64
}

func series(bars ...bar) []market.Candle {
	out := make([]market.Candle, len(bars))
	for i, b := range bars {
		out[i] = market.Candle{Time: b.at, Open: b.o, High: b.h, Low: b.low, Close: b.close, Volume: 100}
	}
	return out
}

func at(hh, mm int) time.Time { return time.Date(2025, 3, 3, hh, mm, 0, 0, time.UTC) }

func pullbackSeries(start time.Time, extra ...bar) []market.Candle {
	bars := []bar{
		{start, 100, 100.5, 100, 100},
		{start.Add(time.Minute), 100, 110.5, 100, 110},
		{start.Add(2 * time.Minute), 110, 110, 106, 106.18},
	}
	return series(append(bars, extra...)...)
}

func positive(t time.Time, conf float64) market.Signal {
	return market.Signal{Time: t, Ticker: "TEST", Context: market.ContextPositive, Confidence: conf}
}

func run(t *testing.T, cfg config.Config, candles []market.Candle, signals ...market.Signal) *Result {
	t.Helper()
	bt, err := NewBacktest(cfg, market.BacktestInstrument("TEST"), nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := bt.Run(context.Background(), candles, signals)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func TestBacktestPullbackEntry(t *testing.T) {
	candles := pullbackSeries(at(12, 0))
	res := run(t, testConfig(), candles, positive(at(12, 1), 0.9))

	closed := res.Closed()
	if len(closed) != 1 {
		t.Fatalf("closed positions = %d, want 1", len(closed))
	}
	p := closed[0]
	level := 110 - 10*0.382
	if p.Direction != market.DirectionUp || p.Strategy != engine.StrategyPullback || !almost(p.EntryPrice, level) {
		t.Fatalf("unexpected position: %+v", p)
	}
	if p.CloseReason != engine.CloseBacktestEnd || p.ProfitLoss != 0 || p.Quantity != 47 {
		t.Fatalf("unexpected close: %+v", p)
	}
	if len(res.Equity) != len(candles) || len(res.Entries) != 1 {
		t.Fatalf("equity=%d entries=%d", len(res.Equity), len(res.Entries))
	}
	if !almost(res.Final.AvailableBalance, res.InitialCapital) {
		t.Fatalf("flat trade must restore capital: %+v", res.Final)
	}
}

func TestBacktestPullbackTakeProfit(t *testing.T) {
	candles := pullbackSeries(at(12, 0), bar{at(12, 3), 106.18, 141, 106, 140})
	res := run(t, testConfig(), candles, positive(at(12, 1), 0.9))

	p := res.Closed()[0]
	if p.CloseReason != engine.CloseTakeProfit || !almost(p.ClosePrice, 106.18+31.5) {
		t.Fatalf("unexpected close: %+v", p)
	}
	if !almost(p.ProfitLoss, 31.5*47) {
		t.Fatalf("pnl = %v", p.ProfitLoss)
	}
}

func TestBacktestRangeEntry(t *testing.T) {
	candles := series(
		bar{at(12, 0), 101, 102, 100.5, 101.5},
		bar{at(12, 1), 101.5, 101.8, 100, 100.8},
		bar{at(12, 2), 100.8, 100.9, 100.05, 100.1},
	)
	sig := market.Signal{Time: at(12, 1), Ticker: "TEST", Context: market.ContextNeutral, Confidence: 0.8}
	res := run(t, testConfig(), candles, sig)

	closed := res.Closed()
	if len(closed) != 1 {
		t.Fatalf("closed positions = %d, want 1", len(closed))
	}
	p := closed[0]
	if p.Strategy != engine.StrategyRangeTrading || p.Direction != market.DirectionUp || p.EntryPrice != 100.1 {
		t.Fatalf("unexpected position: %+v", p)
	}
	if !almost(p.StopLoss, 99.5) || !almost(p.TakeProfit, 101.8) {
		t.Fatalf("bracket wrong: sl=%v tp=%v", p.StopLoss, p.TakeProfit)
	}
}

func TestBacktestForcedSessionEnd(t *testing.T) {
	candles := pullbackSeries(at(22, 0),
		bar{at(23, 0), 106.18, 141, 106, 140},
		bar{at(23, 40), 140, 141, 139, 90},
	)
	res := run(t, testConfig(), candles, positive(at(22, 1), 0.9))

	closed := res.Closed()
	if len(closed) != 1 {
		t.Fatalf("closed positions = %d, want 1", len(closed))
	}
	p := closed[0]
	if p.CloseReason != engine.CloseEndOfSession || p.ClosePrice != 140 || !p.CloseTime.Equal(at(23, 0)) {
		t.Fatalf("expected END_OF_SESSION at 140, got %+v", p)
	}
}

func TestBacktestSkipsLowConfidence(t *testing.T) {
	res := run(t, testConfig(), pullbackSeries(at(12, 0)), positive(at(12, 1), 0.5))
	if len(res.Closed()) != 0 || res.Skipped["low_confidence"] != 1 {
		t.Fatalf("closed=%d skipped=%v", len(res.Closed()), res.Skipped)
	}
}

func TestBacktestSetupTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.Pullback.Timeout = time.Minute
	candles := series(
		bar{at(12, 0), 100, 100.5, 100, 100},
		bar{at(12, 1), 100, 110.5, 100, 110},
		bar{at(12, 2), 110, 110, 107.5, 108},
		bar{at(12, 3), 108, 108, 106, 106.18},
	)
	res := run(t, cfg, candles, positive(at(12, 1), 0.9))
	if len(res.Closed()) != 0 || res.Skipped["timeout"] != 1 {
		t.Fatalf("closed=%d skipped=%v", len(res.Closed()), res.Skipped)
	}
}

func TestBacktestOutsideHoursSignalIgnored(t *testing.T) {
	res := run(t, testConfig(), pullbackSeries(at(8, 0)), positive(at(8, 1), 0.9))
	if len(res.Closed()) != 0 || len(res.Equity) != 3 {
		t.Fatalf("closed=%d equity=%d", len(res.Closed()), len(res.Equity))
	}
}

func TestBacktestIsDeterministic(t *testing.T) {
	candles := pullbackSeries(at(12, 0), bar{at(12, 3), 106.18, 141, 106, 140})
	a := run(t, testConfig(), candles, positive(at(12, 1), 0.9))
	b := run(t, testConfig(), candles, positive(at(12, 1), 0.9))
	if a.Final.CurrentBalance != b.Final.CurrentBalance || len(a.Equity) != len(b.Equity) {
		t.Fatal("identical inputs produced different results")
	}
	for i := range a.Equity {
		if a.Equity[i] != b.Equity[i] {
			t.Fatalf("equity point %d differs", i)
		}
	}
}

func TestAnalyzeSignalTiming(t *testing.T) {
	cfg := testConfig()
	candles := pullbackSeries(at(12, 0))
	signals := []market.Signal{
		positive(at(12, 1), 0.9),
		positive(at(12, 30), 0.9),
		positive(at(12, 2), 0.1),
	}
	res := run(t, cfg, candles, signals...)
	h, _ := cfg.Session.Hours()
	report := AnalyzeSignalTiming(candles, signals, engine.NewCalendar(h), cfg.Strategy.MinConfidence, res)

	want := []TimingStatus{TimingOK, TimingNoCandle, TimingLowConfidence}
	for i, w := range want {
		if report.Items[i].Status != w {
			t.Fatalf("item %d status = %s, want %s", i, report.Items[i].Status, w)
		}
	}
	if report.Counts[TimingOK] != 1 {
		t.Fatalf("counts = %v", report.Counts)
	}
}
