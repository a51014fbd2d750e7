package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"signalsim/services/stats"
)

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#7C3AED")).
		Padding(0, 1)

	boxStyle = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#3B82F6")).
		Padding(0, 1)

	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")).Width(18)
	profitStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true)
	lossStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
)

// RenderSummary formats a summary for the terminal.
func RenderSummary(title string, s stats.Summary) string {
	pnl := profitStyle
	if s.TotalPnL.IsNegative() {
		pnl = lossStyle
	}
	line := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
	}

	lines := []string{
		line("Trades", fmt.Sprintf("%d (%d won / %d lost)", s.TotalTrades, s.WinningTrades, s.LosingTrades)),
		line("Win rate", s.WinRate.StringFixed(2)+"%"),
		line("Total PnL", pnl.Render(s.TotalPnL.StringFixed(2))),
		line("Return", pnl.Render(s.ReturnPct.StringFixed(2)+"%")),
		line("Avg win / loss", s.AvgWin.StringFixed(2)+" / "+s.AvgLoss.StringFixed(2)),
		line("Max win / loss", s.MaxWin.StringFixed(2)+" / "+s.MaxLoss.StringFixed(2)),
		line("Sharpe", fmt.Sprintf("%.2f", s.SharpeRatio)),
		line("Max drawdown", fmt.Sprintf("%.2f%%", s.MaxDrawdownPct)),
		line("Final balance", s.FinalBalance.StringFixed(2)),
	}
	if len(s.ByReason) > 0 {
		reasons := make([]string, 0, len(s.ByReason))
		for r, n := range s.ByReason {
			reasons = append(reasons, fmt.Sprintf("%s=%d", r, n))
		}
		sort.Strings(reasons)
		lines = append(lines, line("Close reasons", strings.Join(reasons, " ")))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(title),
		boxStyle.Render(strings.Join(lines, "\n")),
	)
}
