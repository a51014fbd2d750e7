package indicators

import (
	"math"
	"strconv"
)

// FibonacciRatios are the retracement ratios reported by FibonacciLevels.
var FibonacciRatios = []float64{0, 0.236, 0.382, 0.5, 0.618, 0.786, 1}

// FibonacciLevels maps a level key ("0.0", "23.6", ... "100.0") to its price.
type FibonacciLevels map[string]float64

// LevelKey formats a ratio as its level key, e.g. 0.382 -> "38.2".
func LevelKey(ratio float64) string {
	return strconv.FormatFloat(ratio*100, 'f', 1, 64)
}

// CalculateFibonacciLevels interpolates retracement levels between trendStart
// (100%) and trendEnd (0%). Intermediate levels sit below trendEnd for an
// uptrend and above it for a downtrend.
func CalculateFibonacciLevels(trendStart, trendEnd float64, uptrend bool) FibonacciLevels {
	priceRange := math.Abs(trendEnd - trendStart)
	levels := make(FibonacciLevels, len(FibonacciRatios))
	for _, ratio := range FibonacciRatios {
		key := LevelKey(ratio)
		switch ratio {
		case 0:
			levels[key] = trendEnd
		case 1:
			levels[key] = trendStart
		default:
			if uptrend {
				levels[key] = trendEnd - priceRange*ratio
			} else {
				levels[key] = trendEnd + priceRange*ratio
			}
		}
	}
	return levels
}

// Pullback describes a price sitting on a Fibonacci entry level.
type Pullback struct {
	Level        string  `json:"level"`
	LevelPrice   float64 `json:"level_price"`
	Price        float64 `json:"current_price"`
	Deviation    float64 `json:"deviation"`
	DeviationPct float64 `json:"deviation_percent"`
}

// DetectPullback returns the first entry level, in the order given, whose
// distance from price is within tolerancePct percent of the level price.
// Levels missing from the map or priced at zero are skipped.
func DetectPullback(price float64, levels FibonacciLevels, entryRatios []float64, tolerancePct float64) (Pullback, bool) {
	for _, ratio := range entryRatios {
		key := LevelKey(ratio)
		levelPrice, ok := levels[key]
		if !ok || levelPrice == 0 {
			continue
		}
		tolerance := levelPrice * tolerancePct / 100
		deviation := math.Abs(price - levelPrice)
		if deviation <= tolerance {
			return Pullback{
				Level:        key,
				LevelPrice:   levelPrice,
				Price:        price,
				Deviation:    deviation,
				DeviationPct: deviation / levelPrice * 100,
			}, true
		}
	}
	return Pullback{}, false
}
