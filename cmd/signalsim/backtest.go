package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"signalsim/services/arrowpipeline"
	"signalsim/services/clickhouse"
	"signalsim/services/engine"
	"signalsim/services/market"
	"signalsim/services/report"
	"signalsim/services/simulation"
)

type dataFlags struct {
	candles    string
	signals    string
	ticker     string
	clickhouse bool
	from       string
	to         string
}

func (f *dataFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.candles, "candles", "", "Candle file (.csv or .arrow)")
	cmd.Flags().StringVar(&f.signals, "signals", "", "Signal file (JSON array)")
	cmd.Flags().StringVar(&f.ticker, "ticker", "", "Instrument ticker (defaults to BACKTEST_TICKER)")
	cmd.Flags().BoolVar(&f.clickhouse, "clickhouse", false, "Load candles from ClickHouse instead of --candles")
	cmd.Flags().StringVar(&f.from, "from", "", "Start of the ClickHouse range (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&f.to, "to", "", "End of the ClickHouse range (YYYY-MM-DD or RFC3339)")
	cmd.MarkFlagRequired("signals")
}

type backtestInput struct {
	instrument market.Instrument
	candles    []market.Candle
	signals    []market.Signal
}

func (a *app) loadInput(ctx context.Context, f *dataFlags) (*backtestInput, error) {
	hours, err := a.cfg.Session.Hours()
	if err != nil {
		return nil, err
	}
	ticker := f.ticker
	if ticker == "" {
		ticker = a.cfg.Backtest.Ticker
	}

	var candles []market.Candle
	switch {
	case f.clickhouse:
		candles, err = a.loadFromClickHouse(ctx, ticker, f.from, f.to, hours.Location)
	case strings.HasSuffix(strings.ToLower(f.candles), ".arrow"):
		candles, err = arrowpipeline.NewPipeline(a.cfg.Arrow, a.logger).LoadCandles(f.candles)
	case f.candles != "":
		candles, err = market.LoadCandlesCSV(f.candles, hours.Location)
	default:
		return nil, fmt.Errorf("either --candles or --clickhouse is required")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load candles: %w", err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles loaded for %s", ticker)
	}

	signals, err := market.LoadSignals(f.signals, hours.Location)
	if err != nil {
		return nil, fmt.Errorf("failed to load signals: %w", err)
	}
	a.logger.Info("Loaded backtest input",
		zap.String("ticker", ticker),
		zap.Int("candles", len(candles)),
		zap.Int("signals", len(signals)),
		zap.Time("from", candles[0].Time),
		zap.Time("to", candles[len(candles)-1].Time),
	)
	return &backtestInput{instrument: market.BacktestInstrument(ticker), candles: candles, signals: signals}, nil
}

func (a *app) loadFromClickHouse(ctx context.Context, ticker, from, to string, loc *time.Location) ([]market.Candle, error) {
	start, err := parseDay(from, loc, time.Time{})
	if err != nil {
		return nil, err
	}
	end, err := parseDay(to, loc, time.Now())
	if err != nil {
		return nil, err
	}
	client, err := clickhouse.NewClient(ctx, a.cfg.ClickHouse, a.logger)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Candles(ctx, ticker, start, end)
}

func parseDay(s string, loc *time.Location, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t, nil
	}
	return market.ParseTimestamp(s, loc)
}

func (a *app) runBacktest(ctx context.Context, in *backtestInput) (*simulation.Result, error) {
	bt, err := simulation.NewBacktest(*a.cfg, in.instrument, a.logger)
	if err != nil {
		return nil, err
	}
	return bt.Run(ctx, in.candles, in.signals)
}

func newBacktestCmd(a *app) *cobra.Command {
	var (
		f          dataFlags
		capital    float64
		export     bool
		noReport   bool
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay a signal file against a candle series",
		Example: `  signalsim backtest --candles data/SBER.csv --signals data/signals.json
  signalsim backtest --clickhouse --ticker SBER --from 2025-01-01 --to 2025-03-01 --signals data/signals.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if capital > 0 {
				a.cfg.Backtest.InitialCapital = capital
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			in, err := a.loadInput(ctx, &f)
			if err != nil {
				return err
			}
			res, err := a.runBacktest(ctx, in)
			if err != nil {
				return err
			}

			snapshot, err := engine.SnapshotConfig(a.cfg.Environment, a.cfg)
			if err != nil {
				return err
			}
			manifest := engine.NewManifest(simulation.ModeBacktest, in.instrument.Ticker, snapshot, in.candles, in.signals)
			r := report.Build(manifest, res)

			if !noReport {
				if err := a.saveReport(ctx, r, res, export); err != nil {
					return err
				}
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.RenderSummary("Backtest "+in.instrument.Ticker, r.Statistics))
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().Float64Var(&capital, "capital", 0, "Initial capital (overrides BACKTEST_INITIAL_CAPITAL)")
	cmd.Flags().BoolVar(&export, "export-clickhouse", false, "Export closed trades to ClickHouse")
	cmd.Flags().BoolVar(&noReport, "no-report", false, "Do not write report files")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the report as JSON instead of the summary table")
	return cmd
}

func (a *app) saveReport(ctx context.Context, r report.Report, res *simulation.Result, export bool) error {
	var sink report.TradeSink
	if export {
		sink = clickhouse.NewTradeSink(a.cfg.ClickHouse, a.logger)
	}
	paths, err := report.NewWriter(a.cfg.Report, sink, a.logger).Save(ctx, r, res.Entries)
	if err != nil {
		return err
	}
	if a.cfg.Arrow.ExportEquity && len(res.Equity) > 0 {
		file := filepath.Join(a.cfg.Report.Dir, fmt.Sprintf("equity_%s.arrow", r.RunID))
		if err := arrowpipeline.NewPipeline(a.cfg.Arrow, a.logger).ExportEquity(file, res.Equity); err != nil {
			return err
		}
	}
	a.logger.Info("Artifacts written", zap.String("report", paths.Report), zap.String("trades", paths.Trades))
	return nil
}

func newTimingCmd(a *app) *cobra.Command {
	var f dataFlags
	cmd := &cobra.Command{
		Use:   "timing",
		Short: "Explain why each signal did or did not trade",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			in, err := a.loadInput(ctx, &f)
			if err != nil {
				return err
			}
			res, err := a.runBacktest(ctx, in)
			if err != nil {
				return err
			}
			hours, err := a.cfg.Session.Hours()
			if err != nil {
				return err
			}
			rep := simulation.AnalyzeSignalTiming(in.candles, in.signals, engine.NewCalendar(hours), a.cfg.Strategy.MinConfidence, res)

			out := cmd.OutOrStdout()
			for _, item := range rep.Items {
				fmt.Fprintf(out, "%s  %-8s %.2f  %-22s %s\n",
					item.Signal.Time.In(hours.Location).Format("2006-01-02 15:04:05"),
					item.Signal.Context, item.Signal.Confidence, item.Status, item.Detail)
			}
			statuses := make([]string, 0, len(rep.Counts))
			for s, n := range rep.Counts {
				statuses = append(statuses, fmt.Sprintf("%s=%d", s, n))
			}
			sort.Strings(statuses)
			fmt.Fprintf(out, "\n%d signals: %s\n", len(rep.Items), strings.Join(statuses, " "))
			return nil
		},
	}
	f.register(cmd)
	return cmd
}
