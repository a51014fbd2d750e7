package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"signalsim/services/clickhouse"
	"signalsim/services/engine"
	"signalsim/services/market"
	"signalsim/services/report"
	"signalsim/services/simulation"
)

func newPaperCmd(a *app) *cobra.Command {
	var (
		ticker     string
		figi       string
		lot        int
		candles    string
		useCH      bool
		signalFile string
	)
	cmd := &cobra.Command{
		Use:   "paper",
		Short: "Run a paper-trading session against the live price feed",
		Long: `Run a paper-trading session. Signals are read as JSON lines from stdin
(or --signals-file) and resolved against live prices; orders are filled by the
paper executor. Ctrl+C closes every open position with reason MANUAL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if ticker == "" {
				ticker = a.cfg.Backtest.Ticker
			}
			if figi == "" {
				figi = ticker
			}
			inst := market.Instrument{Ticker: ticker, FIGI: figi, Lot: lot}

			prices, closePrices, err := a.priceSource(ctx, figi)
			if err != nil {
				return err
			}
			defer closePrices()

			history, closeHistory, err := a.history(ctx, candles, useCH, ticker)
			if err != nil {
				return err
			}
			defer closeHistory()

			session, err := simulation.NewLive(*a.cfg, simulation.ModePaper, inst, simulation.LiveDeps{
				Prices:   prices,
				History:  history,
				Executor: &engine.PaperExecutor{},
				Logger:   a.logger,
			})
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if signalFile != "" {
				f, err := os.Open(signalFile)
				if err != nil {
					return fmt.Errorf("failed to open signals: %w", err)
				}
				defer f.Close()
				in = f
			}
			go a.feedSignals(ctx, session, in)

			res, err := session.Run(ctx)
			if res != nil {
				snapshot, serr := engine.SnapshotConfig(a.cfg.Environment, a.cfg)
				if serr != nil {
					return serr
				}
				manifest := engine.NewManifest(simulation.ModePaper, ticker, snapshot, nil, nil)
				r := report.Build(manifest, res)
				if _, werr := report.NewWriter(a.cfg.Report, nil, a.logger).Save(context.Background(), r, res.Entries); werr != nil {
					a.logger.Error("Failed to save session report", zap.Error(werr))
				}
				fmt.Fprintln(cmd.OutOrStdout(), report.RenderSummary("Paper session "+ticker, r.Statistics))
			}
			if errors.Is(err, simulation.ErrConnectionLost) {
				return fmt.Errorf("session ended: %w", err)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&ticker, "ticker", "", "Instrument ticker")
	cmd.Flags().StringVar(&figi, "figi", "", "Instrument id used by the price feed (defaults to ticker)")
	cmd.Flags().IntVar(&lot, "lot", 1, "Lot size")
	cmd.Flags().StringVar(&candles, "candles", "", "Candle CSV used as analysis history")
	cmd.Flags().BoolVar(&useCH, "clickhouse", false, "Load analysis history from ClickHouse")
	cmd.Flags().StringVar(&signalFile, "signals-file", "", "Read JSON-lines signals from a file instead of stdin")
	return cmd
}

func (a *app) priceSource(ctx context.Context, figi string) (market.PriceSource, func(), error) {
	if a.cfg.Live.StreamURL == "" {
		return market.NewHTTPPriceSource(a.cfg.Live.PriceURL, a.cfg.Live.PricePath, a.cfg.Live.RequestTimeout), func() {}, nil
	}
	stream := market.NewStreamPriceSource(a.cfg.Live.StreamURL, a.cfg.Monitor.MaxPriceStale, a.logger)
	if err := stream.Connect(ctx); err != nil {
		return nil, nil, err
	}
	if err := stream.Subscribe(figi); err != nil {
		stream.Close()
		return nil, nil, fmt.Errorf("failed to subscribe %s: %w", figi, err)
	}
	return stream, func() { _ = stream.Close() }, nil
}

func (a *app) history(ctx context.Context, candles string, useCH bool, ticker string) (simulation.HistorySource, func(), error) {
	switch {
	case useCH:
		client, err := clickhouse.NewClient(ctx, a.cfg.ClickHouse, a.logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil
	case candles != "":
		hours, err := a.cfg.Session.Hours()
		if err != nil {
			return nil, nil, err
		}
		series, err := market.LoadCandlesCSV(candles, hours.Location)
		if err != nil {
			return nil, nil, err
		}
		return simulation.StaticHistory(series), func() {}, nil
	default:
		a.logger.Warn("No history source configured; signals will be skipped for insufficient data", zap.String("ticker", ticker))
		return simulation.StaticHistory(nil), func() {}, nil
	}
}

func (a *app) feedSignals(ctx context.Context, session *simulation.Live, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var sig market.Signal
		if err := json.Unmarshal(line, &sig); err != nil {
			a.logger.Warn("Rejected signal", zap.ByteString("line", line), zap.Error(err))
			continue
		}
		if err := session.Submit(ctx, sig); err != nil {
			return
		}
	}
}
