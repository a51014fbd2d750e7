// Package report writes run artifacts: the JSON report, a trades CSV, the
// signal history file and a terminal summary.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"signalsim/services/config"
	"signalsim/services/engine"
	"signalsim/services/simulation"
	"signalsim/services/stats"
)

// Report is the serializable record of one run.
type Report struct {
	RunID      string               `json:"run_id"`
	Manifest   engine.RunManifest   `json:"manifest"`
	Statistics stats.Summary        `json:"statistics"`
	Skipped    map[string]int       `json:"skipped,omitempty"`
	Trades     []engine.Position    `json:"trades"`
	Equity     []engine.EquityPoint `json:"-"`
}

// Build summarizes a finished run.
func Build(manifest engine.RunManifest, res *simulation.Result) Report {
	closed := res.Closed()
	if closed == nil {
		closed = []engine.Position{}
	}
	return Report{
		RunID:      manifest.RunID,
		Manifest:   manifest,
		Statistics: stats.Aggregate(closed, res.Equity, res.InitialCapital),
		Skipped:    res.Skipped,
		Trades:     closed,
		Equity:     res.Equity,
	}
}

// TradeSink receives closed trades for downstream storage.
type TradeSink interface {
	WriteTrades(ctx context.Context, runID string, trades []engine.Position) error
}

// Paths lists the files written by Save.
type Paths struct {
	Report  string `json:"report"`
	Trades  string `json:"trades"`
	Signals string `json:"signals,omitempty"`
}

// Writer persists reports under a directory.
type Writer struct {
	cfg    config.ReportConfig
	sink   TradeSink
	logger *zap.Logger
}

// NewWriter creates a report writer. sink may be nil.
func NewWriter(cfg config.ReportConfig, sink TradeSink, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{cfg: cfg, sink: sink, logger: logger}
}

// Save writes the report and trades CSV, appends opened entries to the
// signal history and forwards trades to the sink.
func (w *Writer) Save(ctx context.Context, r Report, entries []simulation.SignalEntry) (Paths, error) {
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("failed to create report dir: %w", err)
	}
	paths := Paths{
		Report: filepath.Join(w.cfg.Dir, fmt.Sprintf("report_%s.json", r.RunID)),
		Trades: filepath.Join(w.cfg.Dir, fmt.Sprintf("trades_%s.csv", r.RunID)),
	}
	if err := WriteJSON(paths.Report, r); err != nil {
		return paths, err
	}
	if err := ExportCSV(paths.Trades, r.Trades, r.Statistics); err != nil {
		return paths, err
	}
	if w.cfg.SaveSignals && len(entries) > 0 {
		paths.Signals = filepath.Join(w.cfg.Dir, w.cfg.SignalsFile)
		if err := AppendSignals(paths.Signals, entries); err != nil {
			return paths, err
		}
	}
	if w.sink != nil && len(r.Trades) > 0 {
		if err := w.sink.WriteTrades(ctx, r.RunID, r.Trades); err != nil {
			// The local artifacts are already on disk.
			w.logger.Warn("Failed to forward trades to sink", zap.String("run_id", r.RunID), zap.Error(err))
		}
	}
	w.logger.Info("Report saved",
		zap.String("run_id", r.RunID),
		zap.String("report", paths.Report),
		zap.Int("trades", len(r.Trades)),
	)
	return paths, nil
}

// WriteJSON writes v as indented JSON.
func WriteJSON(filename string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(filename), err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	return nil
}
