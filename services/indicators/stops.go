package indicators

import (
	"math"

	"signalsim/services/market"
)

// StopParams configures AdaptiveStops.
type StopParams struct {
	StopMultiplier float64
	TakeMultiplier float64
	MinStopPct     float64
	MaxStopPct     float64
}

// Stops is an ATR-derived stop-loss / take-profit pair.
type Stops struct {
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	StopDistance float64 `json:"stop_distance"`
	TakeDistance float64 `json:"take_distance"`
	StopPct      float64 `json:"stop_percent"`
	TakePct      float64 `json:"take_percent"`
	RiskReward   float64 `json:"risk_reward_ratio"`
	ATR          float64 `json:"atr_value"`
}

// AdaptiveStops places the stop at atr*StopMultiplier, clamped to
// [MinStopPct, MaxStopPct] percent of entry, and the target at
// atr*TakeMultiplier (unclamped).
func AdaptiveStops(entry, atr float64, dir market.Direction, p StopParams) Stops {
	stopDistance := atr * p.StopMultiplier
	takeDistance := atr * p.TakeMultiplier

	stopPct := stopDistance / entry * 100
	takePct := takeDistance / entry * 100
	stopPct = math.Max(p.MinStopPct, math.Min(stopPct, p.MaxStopPct))
	stopDistance = entry * stopPct / 100

	s := Stops{
		StopDistance: stopDistance,
		TakeDistance: takeDistance,
		StopPct:      stopPct,
		TakePct:      takePct,
		ATR:          atr,
	}
	if dir == market.DirectionDown {
		s.StopLoss = entry + stopDistance
		s.TakeProfit = entry - takeDistance
	} else {
		s.StopLoss = entry - stopDistance
		s.TakeProfit = entry + takeDistance
	}
	if stopDistance > 0 {
		s.RiskReward = takeDistance / stopDistance
	}
	return s
}

// RiskReward is |target-entry| / |entry-stop|, zero when there is no risk.
func RiskReward(entry, stop, target float64) float64 {
	risk := math.Abs(entry - stop)
	if risk == 0 {
		return 0
	}
	return math.Abs(target-entry) / risk
}
