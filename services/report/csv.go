package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"signalsim/services/engine"
	"signalsim/services/stats"
)

var tradeHeader = []string{
	"id", "ticker", "strategy", "direction", "quantity",
	"entry_time_utc", "entry_price", "stop_loss", "take_profit", "atr_at_entry",
	"close_time_utc", "close_price", "close_reason", "pnl", "pnl_pct",
	"max_profit", "max_loss", "hold_time_seconds", "order_id",
}

// ExportCSV writes trades followed by a summary block to filename.
func ExportCSV(filename string, trades []engine.Position, summary stats.Summary) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()
	return WriteTradesCSV(file, trades, summary)
}

// WriteTradesCSV writes the trades CSV to w.
func WriteTradesCSV(w io.Writer, trades []engine.Position, summary stats.Summary) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(tradeHeader); err != nil {
		return err
	}
	for _, p := range trades {
		if err := writer.Write(tradeRecord(p)); err != nil {
			return err
		}
	}

	rows := [][]string{
		{""},
		{"# Summary"},
		{"total_trades", fmt.Sprintf("%d", summary.TotalTrades)},
		{"wins", fmt.Sprintf("%d", summary.WinningTrades)},
		{"losses", fmt.Sprintf("%d", summary.LosingTrades)},
		{"win_rate", summary.WinRate.StringFixed(2)},
		{"total_pnl", summary.TotalPnL.StringFixed(2)},
		{"return_pct", summary.ReturnPct.StringFixed(2)},
		{"avg_win", summary.AvgWin.StringFixed(2)},
		{"avg_loss", summary.AvgLoss.StringFixed(2)},
		{"max_win", summary.MaxWin.StringFixed(2)},
		{"max_loss", summary.MaxLoss.StringFixed(2)},
		{"profit_factor", summary.ProfitFactor.StringFixed(2)},
		{"sharpe_ratio", fmt.Sprintf("%.4f", summary.SharpeRatio)},
		{"max_drawdown_pct", fmt.Sprintf("%.4f", summary.MaxDrawdownPct)},
		{"final_balance", summary.FinalBalance.StringFixed(2)},
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}

func tradeRecord(p engine.Position) []string {
	pnlPct := decimal.Zero
	if cost := p.Cost(); cost > 0 {
		pnlPct = decimal.NewFromFloat(p.ProfitLoss).Div(decimal.NewFromFloat(cost)).Mul(decimal.NewFromInt(100))
	}
	closeTime := ""
	if p.IsClosed {
		closeTime = p.CloseTime.UTC().Format(time.RFC3339)
	}
	return []string{
		p.ID,
		p.Ticker,
		string(p.Strategy),
		string(p.Direction),
		fmt.Sprintf("%d", p.Quantity),
		p.EntryTime.UTC().Format(time.RFC3339),
		price(p.EntryPrice),
		price(p.StopLoss),
		price(p.TakeProfit),
		price(p.ATR),
		closeTime,
		price(p.ClosePrice),
		string(p.CloseReason),
		money(p.ProfitLoss),
		pnlPct.StringFixed(4),
		money(p.MaxProfit),
		money(p.MaxLoss),
		fmt.Sprintf("%.0f", p.HoldTime().Seconds()),
		p.OrderID,
	}
}

func price(v float64) string { return decimal.NewFromFloat(v).String() }

func money(v float64) string { return decimal.NewFromFloat(v).StringFixed(2) }
