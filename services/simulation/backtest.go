// Package simulation drives the strategy core over a replayed candle series
// (backtest) or a live price feed (paper/live).
package simulation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"signalsim/services/config"
	"signalsim/services/engine"
	"signalsim/services/market"
	"signalsim/strategies"
)

// Modes stamped into results and signal history.
const (
	ModeBacktest = "backtest"
	ModePaper    = "paper"
	ModeLive     = "live"
)

// SignalEntry pairs a signal with the position it produced.
type SignalEntry struct {
	Time     time.Time        `json:"timestamp"`
	Mode     string           `json:"mode"`
	Signal   market.Signal    `json:"signal"`
	Entry    strategies.Entry `json:"entry"`
	Position engine.Position  `json:"position"`
}

// Result is everything a finished run produced.
type Result struct {
	Mode           string               `json:"mode"`
	Instrument     market.Instrument    `json:"instrument"`
	InitialCapital float64              `json:"initial_capital"`
	Final          engine.LedgerState   `json:"final"`
	Equity         []engine.EquityPoint `json:"equity_curve"`
	Entries        []SignalEntry        `json:"entries"`
	Events         []engine.Event       `json:"events"`
	Skipped        map[string]int       `json:"skipped"`
}

// Closed returns the closed positions in closing order.
func (r *Result) Closed() []engine.Position { return r.Final.Closed }

// LedgerConfig maps the risk and backtest settings onto ledger limits.
func LedgerConfig(cfg config.Config) engine.LedgerConfig {
	return engine.LedgerConfig{
		InitialCapital:     cfg.Backtest.InitialCapital,
		MaxPositionSizePct: cfg.Risk.MaxPositionSizePct,
		MaxOpenPositions:   cfg.Risk.MaxOpenPositions,
		MaxDrawdownPct:     cfg.Risk.MaxDrawdownPct,
		MinBalance:         cfg.Risk.MinBalance,
		MinRiskReward:      cfg.Strategy.MinRiskReward,
	}
}

// Backtest replays a candle series deterministically on a single goroutine.
type Backtest struct {
	cfg        config.Config
	instrument market.Instrument
	calendar   engine.Calendar
	resolver   *strategies.Resolver
	ledger     *engine.Ledger
	events     *engine.EventLog
	logger     *zap.Logger

	equity  []engine.EquityPoint
	pending []*strategies.Setup
	entries []SignalEntry
	skipped map[string]int
}

// NewBacktest prepares a fresh ledger for one run.
func NewBacktest(cfg config.Config, inst market.Instrument, logger *zap.Logger) (*Backtest, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	hours, err := cfg.Session.Hours()
	if err != nil {
		return nil, fmt.Errorf("failed to parse session hours: %w", err)
	}
	events := &engine.EventLog{}
	logger = logger.With(zap.String("mode", ModeBacktest), zap.String("ticker", inst.Ticker))
	return &Backtest{
		cfg:        cfg,
		instrument: inst,
		calendar:   engine.NewCalendar(hours),
		resolver:   strategies.NewResolver(cfg.Strategy, logger),
		ledger:     engine.NewLedger(LedgerConfig(cfg), events, logger),
		events:     events,
		logger:     logger,
		skipped:    make(map[string]int),
	}, nil
}

// Ledger exposes the run's ledger.
func (b *Backtest) Ledger() *engine.Ledger { return b.ledger }

// Run folds candles (ascending, unique timestamps) and signals into trades.
// An invariant violation in the ledger aborts the run.
func (b *Backtest) Run(ctx context.Context, candles []market.Candle, signals []market.Signal) (*Result, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles to replay")
	}
	index := market.IndexSignals(signals)
	b.logger.Info("Starting backtest execution",
		zap.Int("candles", len(candles)),
		zap.Int("signals", len(index)),
		zap.Float64("initial_capital", b.cfg.Backtest.InitialCapital),
	)

	for i, c := range candles {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if err := b.step(candles, i, index); err != nil {
			return nil, fmt.Errorf("backtest aborted at %s: %w", c.Time.Format(time.RFC3339), err)
		}
	}

	last := candles[len(candles)-1]
	if _, err := b.ledger.CloseAll(last.Close, engine.CloseBacktestEnd, last.Time); err != nil {
		return nil, fmt.Errorf("failed to close positions at end of backtest: %w", err)
	}
	for _, s := range b.pending {
		b.expire(s, last.Time)
	}
	b.pending = nil

	res := b.result()
	b.logger.Info("Backtest completed",
		zap.Int("closed_positions", len(res.Final.Closed)),
		zap.Float64("final_balance", res.Final.CurrentBalance),
	)
	return res, nil
}

func (b *Backtest) step(candles []market.Candle, i int, index map[time.Time]market.Signal) error {
	c := candles[i]
	b.equity = append(b.equity, engine.EquityPoint{Time: c.Time, Equity: b.ledger.Equity(c.Close)})

	if !b.calendar.IsOpen(c.Time) {
		return nil
	}
	if b.calendar.InForceClose(c.Time) {
		for _, s := range b.pending {
			b.expire(s, c.Time)
		}
		b.pending = nil
		if b.ledger.OpenCount() > 0 {
			closed, err := b.ledger.CloseAll(c.Close, engine.CloseEndOfSession, c.Time)
			if err != nil {
				return err
			}
			b.logger.Info("Session end liquidation", zap.Int("closed", len(closed)), zap.Time("time", c.Time))
		}
		return nil
	}

	if _, err := b.ledger.EvaluateTick(c.Close, c.Time); err != nil {
		return err
	}
	if err := b.confirmPending(c); err != nil {
		return err
	}

	sig, ok := index[c.Time.UTC()]
	if !ok {
		return nil
	}
	return b.dispatch(sig, candles[:i+1], c)
}

func (b *Backtest) confirmPending(c market.Candle) error {
	kept := b.pending[:0]
	for _, s := range b.pending {
		if s.Expired(c.Time) {
			b.expire(s, c.Time)
			continue
		}
		entry, ok := s.Evaluate(c.Close)
		if !ok {
			kept = append(kept, s)
			continue
		}
		if err := b.open(s.Signal, entry, c.Time); err != nil {
			return err
		}
	}
	b.pending = kept
	return nil
}

func (b *Backtest) open(sig market.Signal, entry strategies.Entry, at time.Time) error {
	pos, reason, err := b.ledger.Open(entry.Request(b.instrument, at))
	if err != nil {
		return err
	}
	if pos == nil {
		b.skip(string(reason))
		return nil
	}
	b.entries = append(b.entries, SignalEntry{Time: at, Mode: ModeBacktest, Signal: sig, Entry: entry, Position: *pos})
	return nil
}

func (b *Backtest) dispatch(sig market.Signal, history []market.Candle, c market.Candle) error {
	if ok, reason := b.ledger.CanOpen(); !ok {
		b.skipSignal(sig, string(reason))
		return nil
	}
	history = b.window(history, c.Time)
	mc, skip := strategies.AnalyzeContext(history, c.Time, b.cfg.Strategy, b.calendar.Location)
	if skip != strategies.SkipNone {
		b.skipSignal(sig, string(skip))
		return nil
	}
	setup, skip := b.resolver.Resolve(sig, mc)
	if skip != strategies.SkipNone {
		b.skipSignal(sig, string(skip))
		return nil
	}
	b.pending = append(b.pending, setup)
	return nil
}

// window trims history to the configured number of trailing days.
func (b *Backtest) window(history []market.Candle, at time.Time) []market.Candle {
	if b.cfg.Strategy.HistoricalDays <= 0 {
		return history
	}
	from := at.Add(-time.Duration(b.cfg.Strategy.HistoricalDays) * 24 * time.Hour)
	start := sort.Search(len(history), func(i int) bool { return !history[i].Time.Before(from) })
	return history[start:]
}

func (b *Backtest) skipSignal(sig market.Signal, reason string) {
	b.skip(reason)
	b.logger.Debug("Signal skipped",
		zap.Time("signal_time", sig.Time),
		zap.String("context", string(sig.Context)),
		zap.String("reason", reason),
	)
	b.events.Append(engine.Event{Time: sig.Time, Type: engine.EventSignalSkipped, Ticker: b.instrument.Ticker, Reason: reason})
}

func (b *Backtest) expire(s *strategies.Setup, at time.Time) {
	b.skip(string(strategies.SkipTimeout))
	b.logger.Info("Setup expired without confirmation",
		zap.String("strategy", string(s.Strategy)),
		zap.Time("signal_time", s.Signal.Time),
	)
	b.events.Append(engine.Event{Time: at, Type: engine.EventSetupExpired, Ticker: b.instrument.Ticker, Reason: string(s.Strategy)})
}

func (b *Backtest) skip(reason string) {
	if reason != "" {
		b.skipped[reason]++
	}
}

func (b *Backtest) result() *Result {
	return &Result{
		Mode:           ModeBacktest,
		Instrument:     b.instrument,
		InitialCapital: b.cfg.Backtest.InitialCapital,
		Final:          b.ledger.Snapshot(),
		Equity:         b.equity,
		Entries:        b.entries,
		Events:         b.events.Events(),
		Skipped:        b.skipped,
	}
}
