// Data Generator - creates reproducible candle series and signal files for
// exercising the simulator.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signalsim/services/arrowpipeline"
	"signalsim/services/clickhouse"
	"signalsim/services/config"
	"signalsim/services/market"
)

type options struct {
	Ticker      string
	Bars        int
	Seed        int64
	Start       time.Time
	Interval    time.Duration
	Price       float64
	SignalEvery int
}

func main() {
	out := flag.String("out", "candles.csv", "Output candle CSV")
	signalsOut := flag.String("signals", "signals.json", "Output signal JSON")
	arrowOut := flag.String("arrow", "", "Also write candles as Arrow IPC to this path")
	toClickHouse := flag.Bool("clickhouse", false, "Insert the candles into ClickHouse (CH_* settings)")
	ticker := flag.String("ticker", "SBER", "Ticker")
	bars := flag.Int("bars", 2000, "Number of bars")
	seed := flag.Int64("seed", 42, "Random seed")
	start := flag.String("start", "2025-03-03 10:00", "First bar time (UTC)")
	interval := flag.Duration("interval", time.Minute, "Bar interval")
	price := flag.Float64("price", 250, "Starting price")
	every := flag.Int("signal-every", 60, "Emit a signal every N bars")
	flag.Parse()

	startTime, err := time.Parse("2006-01-02 15:04", *start)
	if err != nil {
		log.Fatalf("Invalid -start: %v", err)
	}
	opts := options{Ticker: *ticker, Bars: *bars, Seed: *seed, Start: startTime, Interval: *interval, Price: *price, SignalEvery: *every}

	fmt.Printf("Generating %d bars of %s data to %s\n", opts.Bars, opts.Ticker, *out)
	candles, signals := generate(opts)

	if err := writeCandles(*out, candles); err != nil {
		log.Fatalf("Failed to write candles: %v", err)
	}
	if err := writeSignals(*signalsOut, signals); err != nil {
		log.Fatalf("Failed to write signals: %v", err)
	}
	if *arrowOut != "" {
		if err := arrowpipeline.NewPipeline(config.ArrowConfig{}, nil).WriteCandles(*arrowOut, opts.Ticker, candles); err != nil {
			log.Fatalf("Failed to write Arrow file: %v", err)
		}
	}
	if *toClickHouse {
		if err := insertClickHouse(opts.Ticker, candles); err != nil {
			log.Fatalf("Failed to insert into ClickHouse: %v", err)
		}
	}

	lo, hi := priceRange(candles)
	fmt.Printf("Generated %d bars and %d signals successfully\n", len(candles), len(signals))
	fmt.Printf("Price range: %s - %s\n", decimal.NewFromFloat(lo).StringFixed(2), decimal.NewFromFloat(hi).StringFixed(2))
}

// trendAt returns the per-bar drift of the regime containing bar i.
func trendAt(i, bars int) float64 {
	switch phase := i * 10 / max(bars, 1); {
	case phase >= 1 && phase < 3:
		return 0.001 // Uptrend
	case phase >= 4 && phase < 6:
		return -0.001 // Downtrend
	case phase >= 7 && phase < 9:
		return 0.0005 // Gentle uptrend
	}
	return 0
}

func generate(opts options) ([]market.Candle, []market.Signal) {
	rng := rand.New(rand.NewSource(opts.Seed))
	candles := make([]market.Candle, 0, opts.Bars)
	var signals []market.Signal

	price := opts.Price
	for i := 0; i < opts.Bars; i++ {
		trend := trendAt(i, opts.Bars)
		change := (rng.Float64()-0.5)*0.004 + trend

		open := price
		closePx := open * (1 + change)
		volatility := 0.001 + rng.Float64()*0.003
		high := math.Max(open, closePx) * (1 + volatility*rng.Float64())
		low := math.Min(open, closePx) * (1 - volatility*rng.Float64())
		volume := 1000 + rng.Float64()*5000 + math.Abs(change)*100000

		c := market.Candle{
			Time:   opts.Start.Add(time.Duration(i) * opts.Interval),
			Open:   round(open),
			High:   round(high),
			Low:    round(low),
			Close:  round(closePx),
			Volume: int64(volume),
		}
		// rounding can only widen the bar by a tick
		c.High = math.Max(c.High, math.Max(c.Open, c.Close))
		c.Low = math.Min(c.Low, math.Min(c.Open, c.Close))
		candles = append(candles, c)
		price = closePx

		if opts.SignalEvery > 0 && i > 0 && i%opts.SignalEvery == 0 {
			signals = append(signals, market.Signal{
				Time:       c.Time,
				Ticker:     opts.Ticker,
				Context:    contextFor(trend),
				Confidence: math.Round((0.4+rng.Float64()*0.6)*100) / 100,
			})
		}
	}
	return candles, signals
}

func contextFor(trend float64) market.Context {
	switch {
	case trend > 0:
		return market.ContextPositive
	case trend < 0:
		return market.ContextNegative
	}
	return market.ContextNeutral
}

func round(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

func priceRange(candles []market.Candle) (float64, float64) {
	if len(candles) == 0 {
		return 0, 0
	}
	lo, hi := candles[0].Low, candles[0].High
	for _, c := range candles[1:] {
		lo = math.Min(lo, c.Low)
		hi = math.Max(hi, c.High)
	}
	return lo, hi
}

func writeCandles(filename string, candles []market.Candle) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()
	return market.WriteCandlesCSV(file, candles)
}

func writeSignals(filename string, signals []market.Signal) error {
	if signals == nil {
		signals = []market.Signal{}
	}
	data, err := json.MarshalIndent(signals, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

func insertClickHouse(ticker string, candles []market.Candle) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	client, err := clickhouse.NewClient(ctx, cfg.ClickHouse, logger)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.EnsureSchema(ctx); err != nil {
		return err
	}
	return client.InsertCandles(ctx, ticker, candles)
}
