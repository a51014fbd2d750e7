package engine

import (
	"encoding/json"
	"math"
	"time"

	"signalsim/services/market"
)

// Strategy names the entry protocol that produced a position.
type Strategy string

const (
	StrategyPullback     Strategy = "PULLBACK"
	StrategyRangeTrading Strategy = "RANGE_TRADING"
)

// CloseReason codes why a position left the OPEN state.
type CloseReason string

const (
	CloseStopLoss       CloseReason = "STOP_LOSS"
	CloseTakeProfit     CloseReason = "TAKE_PROFIT"
	CloseEndOfSession   CloseReason = "END_OF_SESSION"
	CloseBacktestEnd    CloseReason = "BACKTEST_END"
	CloseManual         CloseReason = "MANUAL"
	CloseConnectionLoss CloseReason = "CONNECTION_LOSS"
)

// Position is one simulated trade. It is owned by a Ledger; callers only
// ever see copies.
type Position struct {
	ID         string           `json:"id"`
	Ticker     string           `json:"ticker"`
	FIGI       string           `json:"figi"`
	Direction  market.Direction `json:"direction"`
	Quantity   int64            `json:"quantity"`
	EntryPrice float64          `json:"entry_price"`
	StopLoss   float64          `json:"stop_loss"`
	TakeProfit float64          `json:"take_profit"`
	Strategy   Strategy         `json:"strategy"`
	ATR        float64          `json:"atr_value"`
	EntryTime  time.Time        `json:"entry_time"`
	OrderID    string           `json:"order_id,omitempty"`

	IsClosed    bool        `json:"is_closed"`
	ClosePrice  float64     `json:"close_price,omitempty"`
	CloseTime   time.Time   `json:"close_time,omitempty"`
	CloseReason CloseReason `json:"close_reason,omitempty"`
	ProfitLoss  float64     `json:"profit_loss"`
	MaxProfit   float64     `json:"max_profit"`
	MaxLoss     float64     `json:"max_loss"`
}

// Cost is the capital committed at entry.
func (p *Position) Cost() float64 {
	return float64(p.Quantity) * p.EntryPrice
}

// PnLAt is the profit or loss if the position were closed at price.
func (p *Position) PnLAt(price float64) float64 {
	return (price - p.EntryPrice) * p.Direction.Sign() * float64(p.Quantity)
}

// markPnL evaluates PnL at price and folds it into the running extrema.
func (p *Position) markPnL(price float64) float64 {
	pnl := p.PnLAt(price)
	p.MaxProfit = math.Max(p.MaxProfit, pnl)
	p.MaxLoss = math.Min(p.MaxLoss, pnl)
	return pnl
}

// MarketValue is cost plus unrealized PnL at price.
func (p *Position) MarketValue(price float64) float64 {
	return p.Cost() + p.PnLAt(price)
}

// ExitAt reports whether price breaches the stop or the target. Stop-loss
// is checked first; the returned price is the breached level.
func (p *Position) ExitAt(price float64) (CloseReason, float64, bool) {
	if p.Direction == market.DirectionDown {
		if price >= p.StopLoss {
			return CloseStopLoss, p.StopLoss, true
		}
		if price <= p.TakeProfit {
			return CloseTakeProfit, p.TakeProfit, true
		}
		return "", 0, false
	}
	if price <= p.StopLoss {
		return CloseStopLoss, p.StopLoss, true
	}
	if price >= p.TakeProfit {
		return CloseTakeProfit, p.TakeProfit, true
	}
	return "", 0, false
}

// HoldTime is the time between entry and close (zero while open).
func (p *Position) HoldTime() time.Duration {
	if !p.IsClosed {
		return 0
	}
	return p.CloseTime.Sub(p.EntryTime)
}

// validBracket checks stop < entry < target for UP and the inverse for DOWN.
func validBracket(dir market.Direction, entry, stop, target float64) bool {
	if dir == market.DirectionDown {
		return target < entry && entry < stop
	}
	return stop < entry && entry < target
}

type positionAlias Position

// MarshalJSON adds hold_time_seconds to the exported record.
func (p Position) MarshalJSON() ([]byte, error) {
	rec := struct {
		positionAlias
		CloseTime       *time.Time `json:"close_time,omitempty"`
		HoldTimeSeconds float64    `json:"hold_time_seconds"`
	}{positionAlias: positionAlias(p), HoldTimeSeconds: p.HoldTime().Seconds()}
	if p.IsClosed {
		ct := p.CloseTime
		rec.CloseTime = &ct
	}
	return json.Marshal(rec)
}
