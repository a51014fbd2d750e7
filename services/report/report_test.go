package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"signalsim/services/config"
	"signalsim/services/engine"
	"signalsim/services/market"
	"signalsim/services/simulation"
)

var t0 = time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

func sampleResult() *simulation.Result {
	closed := []engine.Position{
		{
			ID: "a", Ticker: "SBER", Direction: market.DirectionUp, Quantity: 10,
			EntryPrice: 100, StopLoss: 95, TakeProfit: 110, Strategy: engine.StrategyPullback,
			EntryTime: t0, IsClosed: true, ClosePrice: 110, CloseTime: t0.Add(time.Hour),
			CloseReason: engine.CloseTakeProfit, ProfitLoss: 100, MaxProfit: 100,
		},
		{
			ID: "b", Ticker: "SBER", Direction: market.DirectionDown, Quantity: 5,
			EntryPrice: 100, StopLoss: 104, TakeProfit: 90, Strategy: engine.StrategyRangeTrading,
			EntryTime: t0.Add(2 * time.Hour), IsClosed: true, ClosePrice: 104, CloseTime: t0.Add(3 * time.Hour),
			CloseReason: engine.CloseStopLoss, ProfitLoss: -20, MaxLoss: -20,
		},
	}
	return &simulation.Result{
		Mode:           simulation.ModeBacktest,
		Instrument:     market.BacktestInstrument("SBER"),
		InitialCapital: 10000,
		Final:          engine.LedgerState{InitialCapital: 10000, CurrentBalance: 10080, AvailableBalance: 10080, Closed: closed},
		Equity: []engine.EquityPoint{
			{Time: t0, Equity: 10000},
			{Time: t0.Add(time.Hour), Equity: 10100},
			{Time: t0.Add(3 * time.Hour), Equity: 10080},
		},
		Skipped: map[string]int{"low_confidence": 1},
	}
}

type recordingSink struct {
	runID  string
	trades int
}

func (s *recordingSink) WriteTrades(_ context.Context, runID string, trades []engine.Position) error {
	s.runID, s.trades = runID, len(trades)
	return nil
}

func TestSaveWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	res := sampleResult()
	manifest := engine.RunManifest{RunID: "run-1", Mode: res.Mode, Ticker: "SBER"}
	r := Build(manifest, res)

	if r.Statistics.TotalTrades != 2 || r.Statistics.TotalPnL.String() != "80" {
		t.Fatalf("unexpected statistics: %+v", r.Statistics)
	}

	sink := &recordingSink{}
	w := NewWriter(config.ReportConfig{Dir: dir, SaveSignals: true, SignalsFile: "signals.json"}, sink, nil)
	entries := []simulation.SignalEntry{{Time: t0, Mode: simulation.ModeBacktest, Position: res.Final.Closed[0]}}
	paths, err := w.Save(context.Background(), r, entries)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if sink.runID != "run-1" || sink.trades != 2 {
		t.Fatalf("sink got %q/%d", sink.runID, sink.trades)
	}

	data, err := os.ReadFile(paths.Report)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		RunID      string           `json:"run_id"`
		Statistics map[string]any   `json:"statistics"`
		Trades     []map[string]any `json:"trades"`
		Manifest   map[string]any   `json:"manifest"`
		Skipped    map[string]int   `json:"skipped"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if decoded.RunID != "run-1" || len(decoded.Trades) != 2 {
		t.Fatalf("unexpected report: %+v", decoded)
	}
	if decoded.Trades[0]["hold_time_seconds"].(float64) != 3600 {
		t.Fatalf("hold time missing: %v", decoded.Trades[0])
	}
	if decoded.Skipped["low_confidence"] != 1 {
		t.Fatalf("skipped counts missing: %v", decoded.Skipped)
	}

	history, err := LoadSignalHistory(paths.Signals)
	if err != nil || len(history) != 1 {
		t.Fatalf("history = %d entries, err %v", len(history), err)
	}
	if _, err := w.Save(context.Background(), r, entries); err != nil {
		t.Fatal(err)
	}
	history, _ = LoadSignalHistory(paths.Signals)
	if len(history) != 2 {
		t.Fatalf("history must accumulate, got %d", len(history))
	}
}

func TestWriteTradesCSV(t *testing.T) {
	res := sampleResult()
	r := Build(engine.RunManifest{RunID: "x"}, res)

	var buf bytes.Buffer
	if err := WriteTradesCSV(&buf, r.Trades, r.Statistics); err != nil {
		t.Fatal(err)
	}
	reader := csv.NewReader(&buf)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows[0]) != len(tradeHeader) || rows[0][0] != "id" {
		t.Fatalf("bad header: %v", rows[0])
	}
	first := rows[1]
	if first[12] != "TAKE_PROFIT" || first[13] != "100.00" || first[14] != "10.0000" {
		t.Fatalf("bad trade row: %v", first)
	}
	found := false
	for _, row := range rows {
		if row[0] == "total_pnl" {
			found = row[1] == "80.00"
		}
	}
	if !found {
		t.Fatal("summary total_pnl row missing or wrong")
	}
}

func TestLoadSignalHistoryMissingFile(t *testing.T) {
	history, err := LoadSignalHistory(t.TempDir() + "/none.json")
	if err != nil || len(history) != 0 {
		t.Fatalf("got %v, %v", history, err)
	}
}

func TestRenderSummary(t *testing.T) {
	r := Build(engine.RunManifest{RunID: "x"}, sampleResult())
	out := RenderSummary("Backtest SBER", r.Statistics)
	for _, want := range []string{"Backtest SBER", "Win rate", "50.00%", "80.00", "STOP_LOSS=1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
}
