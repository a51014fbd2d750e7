package arrowpipeline

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"signalsim/services/clickhouse"
	"signalsim/services/config"
	"signalsim/services/engine"
	"signalsim/services/market"
)

func series(n int) []market.Candle {
	t0 := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	for i := range out {
		px := 100 + float64(i)*0.25
		out[i] = market.Candle{Time: t0.Add(time.Duration(i) * time.Minute), Open: px, High: px + 1, Low: px - 1, Close: px + 0.5, Volume: int64(100 + i)}
	}
	return out
}

func TestCandleRoundTripAcrossBatches(t *testing.T) {
	p := NewPipeline(config.ArrowConfig{BatchSize: 3}, nil)
	candles := series(8)
	data := &clickhouse.MarketData{Symbol: "SBER"}
	for _, c := range candles {
		data.Bars = append(data.Bars, clickhouse.BarFromCandle("SBER", c))
	}
	data.Bars[2].TradeCount = 7

	encoded, err := p.ConvertToArrow(data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := p.ConvertFromArrow(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Symbol != "SBER" || len(decoded.Bars) != len(candles) {
		t.Fatalf("decoded %s with %d bars", decoded.Symbol, len(decoded.Bars))
	}
	if decoded.Bars[2].TradeCount != 7 {
		t.Fatalf("trade count lost: %+v", decoded.Bars[2])
	}
	for i, c := range decoded.Candles() {
		if c != candles[i] {
			t.Fatalf("candle %d: got %+v want %+v", i, c, candles[i])
		}
	}
}

func TestConvertToArrowRejectsEmpty(t *testing.T) {
	p := NewPipeline(config.ArrowConfig{}, nil)
	if _, err := p.ConvertToArrow(&clickhouse.MarketData{}); err == nil {
		t.Fatal("expected error for empty data")
	}
}

func TestCandleFiles(t *testing.T) {
	p := NewPipeline(config.ArrowConfig{BatchSize: 2}, nil)
	path := filepath.Join(t.TempDir(), "candles.arrow")
	candles := series(5)
	if err := p.WriteCandles(path, "GAZP", candles); err != nil {
		t.Fatal(err)
	}
	got, err := p.LoadCandles(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 || got[4] != candles[4] {
		t.Fatalf("loaded %+v", got)
	}
}

func TestEquityRoundTrip(t *testing.T) {
	p := NewPipeline(config.ArrowConfig{BatchSize: 2}, nil)
	t0 := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	curve := []engine.EquityPoint{
		{Time: t0, Equity: 100000},
		{Time: t0.Add(time.Minute), Equity: 100012.5},
		{Time: t0.Add(2 * time.Minute), Equity: 99980.25},
	}
	var buf bytes.Buffer
	if err := p.WriteEquity(&buf, curve); err != nil {
		t.Fatal(err)
	}
	got, err := p.ReadEquity(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(curve) {
		t.Fatalf("got %d points", len(got))
	}
	for i := range curve {
		if !got[i].Time.Equal(curve[i].Time) || got[i].Equity != curve[i].Equity {
			t.Fatalf("point %d: got %+v want %+v", i, got[i], curve[i])
		}
	}

	path := filepath.Join(t.TempDir(), "equity.arrow")
	if err := p.ExportEquity(path, curve); err != nil {
		t.Fatal(err)
	}
}
