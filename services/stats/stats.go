// Package stats summarizes a finished run.
package stats

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"signalsim/services/engine"
)

// TradingDaysPerYear annualizes the Sharpe ratio.
const TradingDaysPerYear = 252

var hundred = decimal.NewFromInt(100)

// Summary contains aggregated statistics of closed positions and the equity
// curve. Money fields are decimals so exported totals add up exactly.
type Summary struct {
	InitialCapital decimal.Decimal `json:"initial_capital"`
	FinalBalance   decimal.Decimal `json:"final_balance"`
	TotalTrades    int             `json:"total_trades"`
	WinningTrades  int             `json:"winning_trades"`
	LosingTrades   int             `json:"losing_trades"`
	WinRate        decimal.Decimal `json:"win_rate"`
	TotalPnL       decimal.Decimal `json:"total_pnl"`
	ReturnPct      decimal.Decimal `json:"return_percent"`
	AvgWin         decimal.Decimal `json:"avg_win"`
	AvgLoss        decimal.Decimal `json:"avg_loss"`
	MaxWin         decimal.Decimal `json:"max_win"`
	MaxLoss        decimal.Decimal `json:"max_loss"`
	ProfitFactor   decimal.Decimal `json:"profit_factor"`
	SharpeRatio    float64         `json:"sharpe_ratio"`
	MaxDrawdownPct float64         `json:"max_drawdown_percent"`
	AvgHoldTime    time.Duration   `json:"avg_hold_time_ns"`

	ByReason   map[engine.CloseReason]int `json:"by_close_reason"`
	ByStrategy map[engine.Strategy]int    `json:"by_strategy"`
}

// Aggregate computes the run summary.
func Aggregate(closed []engine.Position, equity []engine.EquityPoint, initialCapital float64) Summary {
	s := Summary{
		InitialCapital: decimal.NewFromFloat(initialCapital),
		ByReason:       make(map[engine.CloseReason]int),
		ByStrategy:     make(map[engine.Strategy]int),
		SharpeRatio:    SharpeRatio(equity),
		MaxDrawdownPct: MaxDrawdown(closed, initialCapital),
	}
	s.FinalBalance = s.InitialCapital

	if len(closed) == 0 {
		return s
	}

	var grossProfit, grossLoss decimal.Decimal
	var hold time.Duration
	s.MaxWin = decimal.NewFromFloat(closed[0].ProfitLoss)
	s.MaxLoss = s.MaxWin
	for _, p := range closed {
		pnl := decimal.NewFromFloat(p.ProfitLoss)
		s.TotalPnL = s.TotalPnL.Add(pnl)
		switch {
		case pnl.IsPositive():
			s.WinningTrades++
			grossProfit = grossProfit.Add(pnl)
		case pnl.IsNegative():
			s.LosingTrades++
			grossLoss = grossLoss.Add(pnl)
		}
		s.MaxWin = decimal.Max(s.MaxWin, pnl)
		s.MaxLoss = decimal.Min(s.MaxLoss, pnl)
		s.ByReason[p.CloseReason]++
		s.ByStrategy[p.Strategy]++
		hold += p.HoldTime()
	}

	s.TotalTrades = len(closed)
	s.WinRate = decimal.NewFromInt(int64(s.WinningTrades)).Div(decimal.NewFromInt(int64(s.TotalTrades))).Mul(hundred)
	if !s.InitialCapital.IsZero() {
		s.ReturnPct = s.TotalPnL.Div(s.InitialCapital).Mul(hundred)
	}
	if s.WinningTrades > 0 {
		s.AvgWin = grossProfit.Div(decimal.NewFromInt(int64(s.WinningTrades)))
	}
	if s.LosingTrades > 0 {
		s.AvgLoss = grossLoss.Div(decimal.NewFromInt(int64(s.LosingTrades)))
		s.ProfitFactor = grossProfit.Div(grossLoss.Abs())
	}
	s.FinalBalance = s.InitialCapital.Add(s.TotalPnL)
	s.AvgHoldTime = hold / time.Duration(len(closed))
	return s
}

// SharpeRatio is mean/stdev of per-step equity returns times sqrt(252).
// Steps from a non-positive equity are skipped. The deviation is the
// population one; zero deviation or no returns yields zero.
func SharpeRatio(equity []engine.EquityPoint) float64 {
	if len(equity) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev <= 0 {
			continue
		}
		returns = append(returns, (equity[i].Equity-prev)/prev)
	}
	if len(returns) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(len(returns)))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(TradingDaysPerYear)
}

// MaxDrawdown walks closed positions in close-time order and returns the
// largest percentage drop of realized balance from its running peak. The
// peak starts at initialCapital; positions closed at the same instant are
// applied together.
func MaxDrawdown(closed []engine.Position, initialCapital float64) float64 {
	if len(closed) == 0 || initialCapital <= 0 {
		return 0
	}
	sorted := append([]engine.Position(nil), closed...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CloseTime.Before(sorted[j].CloseTime) })

	balance, peak, maxDD := initialCapital, initialCapital, 0.0
	for i := 0; i < len(sorted); {
		j := i
		for j < len(sorted) && sorted[j].CloseTime.Equal(sorted[i].CloseTime) {
			balance += sorted[j].ProfitLoss
			j++
		}
		peak = math.Max(peak, balance)
		if peak > 0 {
			maxDD = math.Max(maxDD, (peak-balance)/peak*100)
		}
		i = j
	}
	return maxDD
}
