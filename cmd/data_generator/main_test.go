package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"signalsim/services/market"
)

func testOptions() options {
	return options{
		Ticker:      "TEST",
		Bars:        500,
		Seed:        7,
		Start:       time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC),
		Interval:    time.Minute,
		Price:       100,
		SignalEvery: 50,
	}
}

func TestGenerateIsReproducible(t *testing.T) {
	c1, s1 := generate(testOptions())
	c2, s2 := generate(testOptions())
	if !reflect.DeepEqual(c1, c2) || !reflect.DeepEqual(s1, s2) {
		t.Fatal("same seed produced different data")
	}
	other := testOptions()
	other.Seed = 8
	if c3, _ := generate(other); reflect.DeepEqual(c1, c3) {
		t.Fatal("different seeds produced identical data")
	}
}

func TestGenerateProducesValidSeries(t *testing.T) {
	candles, signals := generate(testOptions())
	if len(candles) != 500 {
		t.Fatalf("got %d candles", len(candles))
	}
	times := make(map[time.Time]bool, len(candles))
	for i, c := range candles {
		if err := market.ValidateCandle(c); err != nil {
			t.Fatalf("candle %d: %v", i, err)
		}
		if i > 0 && !c.Time.After(candles[i-1].Time) {
			t.Fatalf("candle %d not ascending", i)
		}
		times[c.Time] = true
	}
	if len(signals) != 9 {
		t.Fatalf("got %d signals, want 9", len(signals))
	}
	for _, s := range signals {
		if !times[s.Time] {
			t.Fatalf("signal at %s has no candle", s.Time)
		}
		if s.Confidence < 0.4 || s.Confidence > 1 {
			t.Fatalf("confidence %v out of range", s.Confidence)
		}
	}
}

func TestContextFollowsTrend(t *testing.T) {
	if contextFor(trendAt(150, 1000)) != market.ContextPositive ||
		contextFor(trendAt(500, 1000)) != market.ContextNegative ||
		contextFor(trendAt(50, 1000)) != market.ContextNeutral {
		t.Fatal("context does not follow regime")
	}
}

func TestWrittenFilesLoad(t *testing.T) {
	dir := t.TempDir()
	candles, signals := generate(testOptions())
	cp, sp := filepath.Join(dir, "c.csv"), filepath.Join(dir, "s.json")
	if err := writeCandles(cp, candles); err != nil {
		t.Fatal(err)
	}
	if err := writeSignals(sp, signals); err != nil {
		t.Fatal(err)
	}
	loaded, err := market.LoadCandlesCSV(cp, time.UTC)
	if err != nil || len(loaded) != len(candles) {
		t.Fatalf("loaded %d candles, err %v", len(loaded), err)
	}
	sigs, err := market.LoadSignals(sp, time.UTC)
	if err != nil || len(sigs) != len(signals) {
		t.Fatalf("loaded %d signals, err %v", len(sigs), err)
	}
	if _, err := os.Stat(sp); err != nil {
		t.Fatal(err)
	}
}
