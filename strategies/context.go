package strategies

import (
	"time"

	"signalsim/services/config"
	"signalsim/services/indicators"
	"signalsim/services/market"
)

// SkipReason explains why a signal or setup produced no trade
type SkipReason string

const (
	SkipNone             SkipReason = ""
	SkipInsufficientData SkipReason = "insufficient_data"
	SkipVolatility       SkipReason = "volatility_out_of_range"
	SkipLowConfidence    SkipReason = "low_confidence"
	SkipWeakTrend        SkipReason = "trend_too_weak"
	SkipRangeDisabled    SkipReason = "range_disabled"
	SkipRangeInvalid     SkipReason = "range_invalid"
	SkipTimeout          SkipReason = "timeout"
	SkipCancelled        SkipReason = "cancelled"
	SkipNoPrice          SkipReason = "no_price"
)

// MarketContext is the indicator snapshot a signal is resolved against.
type MarketContext struct {
	Time       time.Time                    `json:"time"`
	Price      float64                      `json:"current_price"`
	ATR        float64                      `json:"atr"`
	Volatility float64                      `json:"volatility"`
	Range      indicators.DailyRange        `json:"daily_range"`
	Levels     indicators.SupportResistance `json:"levels"`
	Candles    []market.Candle              `json:"-"`
}

// AnalyzeContext computes the market context at time at from history, whose
// last candle supplies the current price. The daily range covers candles
// sharing at's local date in loc, or the trailing FallbackWindow candles when
// that day has none yet.
func AnalyzeContext(history []market.Candle, at time.Time, cfg config.StrategyConfig, loc *time.Location) (MarketContext, SkipReason) {
	if len(history) < cfg.ATRPeriod+1 {
		return MarketContext{}, SkipInsufficientData
	}
	atr, ok := indicators.ATR(history, cfg.ATRPeriod)
	if !ok {
		return MarketContext{}, SkipInsufficientData
	}
	vol := indicators.Volatility(history)
	if vol < cfg.MinVolatilityPct || vol > cfg.MaxVolatilityPct {
		return MarketContext{}, SkipVolatility
	}

	last := history[len(history)-1]
	if loc == nil {
		loc = time.UTC
	}
	today := sameDay(history, at, loc)
	if len(today) == 0 {
		today = tail(history, cfg.Range.FallbackWindow)
	}

	return MarketContext{
		Time:       at,
		Price:      last.Close,
		ATR:        atr,
		Volatility: vol,
		Range:      indicators.CalculateDailyRange(today, cfg.Range.MinWidthPct, cfg.Range.MaxWidthPct),
		Levels:     indicators.DetectSupportResistance(history, cfg.SRWindow),
		Candles:    tail(history, cfg.ContextCandles),
	}, SkipNone
}

func sameDay(candles []market.Candle, at time.Time, loc *time.Location) []market.Candle {
	y, m, d := at.In(loc).Date()
	start := len(candles)
	for start > 0 {
		cy, cm, cd := candles[start-1].Time.In(loc).Date()
		if cy != y || cm != m || cd != d {
			break
		}
		start--
	}
	return candles[start:]
}

func tail(candles []market.Candle, n int) []market.Candle {
	if n <= 0 || n >= len(candles) {
		return candles
	}
	return candles[len(candles)-n:]
}
