package indicators

import (
	"sort"

	"signalsim/services/market"
)

// DailyRange summarizes the high/low band of a candle window.
type DailyRange struct {
	Valid           bool    `json:"valid"`
	High            float64 `json:"high"`
	Low             float64 `json:"low"`
	Middle          float64 `json:"middle"`
	Width           float64 `json:"width"`
	WidthPct        float64 `json:"width_percent"`
	CurrentPosition float64 `json:"current_position"`
}

// CalculateDailyRange measures the window's band. The range is valid when
// its width, as a percentage of the low, lies within [minWidthPct, maxWidthPct].
func CalculateDailyRange(candles []market.Candle, minWidthPct, maxWidthPct float64) DailyRange {
	if len(candles) == 0 {
		return DailyRange{}
	}
	high, low := candles[0].High, candles[0].Low
	for _, c := range candles[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	width := high - low
	widthPct := width / low * 100
	position := 0.5
	if width > 0 {
		position = (candles[len(candles)-1].Close - low) / width
	}
	return DailyRange{
		Valid:           minWidthPct <= widthPct && widthPct <= maxWidthPct,
		High:            high,
		Low:             low,
		Middle:          (high + low) / 2,
		Width:           width,
		WidthPct:        widthPct,
		CurrentPosition: position,
	}
}

// SupportResistance holds clustered price levels.
type SupportResistance struct {
	Support    []float64 `json:"support_levels"`
	Resistance []float64 `json:"resistance_levels"`
}

// ClusterTolerance is the relative distance under which adjacent levels merge.
const ClusterTolerance = 0.015

// DetectSupportResistance splits the series into non-overlapping windows,
// takes each window's low as support and high as resistance, and merges
// nearby candidates. Fewer than 3*window candles yields no levels.
func DetectSupportResistance(candles []market.Candle, window int) SupportResistance {
	if window <= 0 || len(candles) < window*3 {
		return SupportResistance{Support: []float64{}, Resistance: []float64{}}
	}
	segments := len(candles) / window
	support := make([]float64, 0, segments)
	resistance := make([]float64, 0, segments)
	for i := 0; i < segments; i++ {
		seg := candles[i*window : (i+1)*window]
		low, high := seg[0].Low, seg[0].High
		for _, c := range seg[1:] {
			if c.Low < low {
				low = c.Low
			}
			if c.High > high {
				high = c.High
			}
		}
		support = append(support, low)
		resistance = append(resistance, high)
	}
	return SupportResistance{
		Support:    ClusterLevels(support, ClusterTolerance),
		Resistance: ClusterLevels(resistance, ClusterTolerance),
	}
}

// ClusterLevels sorts levels and averages runs in which each level is within
// tolerance (relative) of the previous member of its cluster.
func ClusterLevels(levels []float64, tolerance float64) []float64 {
	if len(levels) == 0 {
		return []float64{}
	}
	sorted := append([]float64(nil), levels...)
	sort.Float64s(sorted)

	clustered := make([]float64, 0, len(sorted))
	cluster := []float64{sorted[0]}
	for _, level := range sorted[1:] {
		last := cluster[len(cluster)-1]
		if (level-last)/last <= tolerance {
			cluster = append(cluster, level)
			continue
		}
		clustered = append(clustered, mean(cluster))
		cluster = []float64{level}
	}
	return append(clustered, mean(cluster))
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
