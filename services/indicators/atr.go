// Package indicators implements the pure technical-analysis functions used by
// the entry protocols: ATR, volatility, Fibonacci retracements, daily range,
// support/resistance clustering and ATR-derived stops.
package indicators

import (
	"math"

	"signalsim/services/market"
)

// TrueRange returns the true range of every candle. The first candle has no
// previous close, so its true range is high-low.
func TrueRange(candles []market.Candle) []float64 {
	tr := make([]float64, len(candles))
	for i, c := range candles {
		hl := c.High - c.Low
		if i == 0 {
			tr[i] = hl
			continue
		}
		prevClose := candles[i-1].Close
		tr[i] = math.Max(hl, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
	}
	return tr
}

// WilderSmooth applies the recursive moving average with alpha=1/period,
// seeded with the first value.
func WilderSmooth(values []float64, period int) []float64 {
	if len(values) == 0 || period <= 0 {
		return nil
	}

	alpha := 1.0 / float64(period)
	result := make([]float64, len(values))
	result[0] = values[0]

	for i := 1; i < len(values); i++ {
		result[i] = alpha*values[i] + (1-alpha)*result[i-1]
	}
	return result
}

// ATR returns the latest Average True Range. It reports false when fewer than
// period+1 candles are supplied.
func ATR(candles []market.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period+1 {
		return 0, false
	}
	smoothed := WilderSmooth(TrueRange(candles), period)
	return smoothed[len(smoothed)-1], true
}

// Volatility is the sample standard deviation of close-to-close returns, in
// percent. Series shorter than three candles yield zero.
func Volatility(candles []market.Candle) float64 {
	if len(candles) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev == 0 {
			continue
		}
		returns = append(returns, (candles[i].Close-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	ss := 0.0
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss/float64(len(returns)-1)) * 100
}
