package strategies

import (
	"time"

	"signalsim/services/engine"
	"signalsim/services/indicators"
	"signalsim/services/market"
)

// Entry is a confirmed trade the ledger is asked to open.
type Entry struct {
	Strategy   engine.Strategy  `json:"strategy"`
	Direction  market.Direction `json:"direction"`
	Price      float64          `json:"entry_price"`
	StopLoss   float64          `json:"stop_loss"`
	TakeProfit float64          `json:"take_profit"`
	ATR        float64          `json:"atr"`
	RiskReward float64          `json:"risk_reward_ratio"`
	Level      string           `json:"level,omitempty"`
}

// Request converts the entry into a ledger open request.
func (e Entry) Request(inst market.Instrument, at time.Time) engine.OpenRequest {
	return engine.OpenRequest{
		Instrument: inst,
		Direction:  e.Direction,
		EntryPrice: e.Price,
		StopLoss:   e.StopLoss,
		TakeProfit: e.TakeProfit,
		Strategy:   e.Strategy,
		ATR:        e.ATR,
		Time:       at,
	}
}

// Setup is an armed entry protocol waiting for price confirmation. It is
// created by Resolver.Resolve and never touches the ledger itself.
type Setup struct {
	Strategy engine.Strategy `json:"strategy"`
	Signal   market.Signal   `json:"signal"`
	Created  time.Time       `json:"created"`
	Deadline time.Time       `json:"deadline"`
	ATR      float64         `json:"atr"`

	// pullback
	Direction   market.Direction           `json:"direction,omitempty"`
	TrendStart  float64                    `json:"trend_start,omitempty"`
	TrendEnd    float64                    `json:"trend_end,omitempty"`
	Levels      indicators.FibonacciLevels `json:"fibonacci_levels,omitempty"`
	entryLevels []float64
	tolerance   float64
	stops       indicators.StopParams

	// range trading
	Range       indicators.DailyRange `json:"daily_range"`
	BuyZoneMax  float64               `json:"buy_zone_max,omitempty"`
	SellZoneMin float64               `json:"sell_zone_min,omitempty"`
	stopPct     float64
}

// Expired reports whether at is past the confirmation deadline.
func (s *Setup) Expired(at time.Time) bool {
	return at.After(s.Deadline)
}

// Evaluate checks one observed price against the setup.
func (s *Setup) Evaluate(price float64) (Entry, bool) {
	if price <= 0 {
		return Entry{}, false
	}
	if s.Strategy == engine.StrategyRangeTrading {
		return s.evaluateRange(price)
	}
	return s.evaluatePullback(price)
}

func (s *Setup) evaluatePullback(price float64) (Entry, bool) {
	pb, ok := indicators.DetectPullback(price, s.Levels, s.entryLevels, s.tolerance)
	if !ok {
		return Entry{}, false
	}
	st := indicators.AdaptiveStops(price, s.ATR, s.Direction, s.stops)
	return Entry{
		Strategy:   engine.StrategyPullback,
		Direction:  s.Direction,
		Price:      price,
		StopLoss:   st.StopLoss,
		TakeProfit: st.TakeProfit,
		ATR:        s.ATR,
		RiskReward: st.RiskReward,
		Level:      pb.Level,
	}, true
}

func (s *Setup) evaluateRange(price float64) (Entry, bool) {
	stopDistance := s.Range.Width * s.stopPct
	var e Entry
	switch {
	case price <= s.BuyZoneMax:
		e = Entry{Direction: market.DirectionUp, StopLoss: price - stopDistance, TakeProfit: s.SellZoneMin, Level: "buy_zone"}
	case price >= s.SellZoneMin:
		e = Entry{Direction: market.DirectionDown, StopLoss: price + stopDistance, TakeProfit: s.BuyZoneMax, Level: "sell_zone"}
	default:
		return Entry{}, false
	}
	e.Strategy = engine.StrategyRangeTrading
	e.Price = price
	e.ATR = s.ATR
	e.RiskReward = indicators.RiskReward(price, e.StopLoss, e.TakeProfit)
	return e, true
}
