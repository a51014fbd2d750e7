package simulation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signalsim/services/config"
	"signalsim/services/engine"
	"signalsim/services/market"
	"signalsim/strategies"
)

// HistorySource supplies the candles a signal is analyzed against.
type HistorySource interface {
	Candles(ctx context.Context, figi string, from, to time.Time) ([]market.Candle, error)
}

// StaticHistory serves a fixed candle slice.
type StaticHistory []market.Candle

func (h StaticHistory) Candles(_ context.Context, _ string, from, to time.Time) ([]market.Candle, error) {
	out := make([]market.Candle, 0, len(h))
	for _, c := range h {
		if !c.Time.Before(from) && !c.Time.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

// LiveDeps are the external collaborators of a live or paper session.
type LiveDeps struct {
	Prices   market.PriceSource
	History  HistorySource
	Executor engine.Executor
	Clock    strategies.Clock
	Logger   *zap.Logger
}

// Live runs the polling loop of a paper or live session. The ledger is
// shared by the tick loop and concurrent signal handlers; it serializes
// access internally.
type Live struct {
	cfg        config.Config
	mode       string
	instrument market.Instrument
	calendar   engine.Calendar
	resolver   *strategies.Resolver
	ledger     *engine.Ledger
	events     *engine.EventLog
	monitor    *ConnectionMonitor
	deps       LiveDeps
	logger     *zap.Logger
	signals    chan market.Signal

	mu        sync.Mutex
	lastPrice float64
	stopped   bool
	equity    []engine.EquityPoint
	entries   []SignalEntry
	skipped   map[string]int
}

// NewLive wires a session. mode is ModePaper or ModeLive.
func NewLive(cfg config.Config, mode string, inst market.Instrument, deps LiveDeps) (*Live, error) {
	if deps.Prices == nil {
		return nil, errors.New("price source is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.History == nil {
		deps.History = StaticHistory(nil)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hours, err := cfg.Session.Hours()
	if err != nil {
		return nil, fmt.Errorf("failed to parse session hours: %w", err)
	}
	logger = logger.With(zap.String("mode", mode), zap.String("ticker", inst.Ticker))
	events := &engine.EventLog{}
	return &Live{
		cfg:        cfg,
		mode:       mode,
		instrument: inst,
		calendar:   engine.NewCalendar(hours),
		resolver:   strategies.NewResolver(cfg.Strategy, logger),
		ledger:     engine.NewLedger(LedgerConfig(cfg), events, logger),
		events:     events,
		monitor:    NewConnectionMonitor(cfg.Monitor, deps.Clock, logger),
		deps:       deps,
		logger:     logger,
		signals:    make(chan market.Signal, 16),
		skipped:    make(map[string]int),
	}, nil
}

// Ledger exposes the session's ledger.
func (l *Live) Ledger() *engine.Ledger { return l.ledger }

// Monitor exposes the connection monitor.
func (l *Live) Monitor() *ConnectionMonitor { return l.monitor }

// Submit queues a signal for resolution.
func (l *Live) Submit(ctx context.Context, sig market.Signal) error {
	select {
	case l.signals <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run blocks until ctx is cancelled (positions close with MANUAL) or the
// connection monitor trips (positions close with CONNECTION_LOSS and
// ErrConnectionLost is returned). In both cases every open position is
// closed before Run returns.
func (l *Live) Run(ctx context.Context) (*Result, error) {
	l.logger.Info("Starting live session",
		zap.Duration("update_interval", l.cfg.Live.UpdateInterval),
		zap.Float64("initial_capital", l.cfg.Backtest.InitialCapital),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return l.tickLoop(gctx) })
	g.Go(func() error { return l.staleLoop(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-l.signals:
				g.Go(func() error { return l.handleSignal(gctx, sig) })
			}
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-l.monitor.Lost():
			return ErrConnectionLost
		}
	})

	err := g.Wait()
	reason := engine.CloseManual
	if errors.Is(err, ErrConnectionLost) {
		reason = engine.CloseConnectionLoss
	}
	if err != nil && !errors.Is(err, ErrConnectionLost) && !errors.Is(err, context.Canceled) {
		l.logger.Error("Live session failed", zap.Error(err))
	}
	if reason == engine.CloseConnectionLoss && !l.cfg.Monitor.CloseOnConnectionLoss {
		l.logger.Warn("Connection lost; positions left open by configuration")
		l.stop()
	} else if lerr := l.liquidate(reason); lerr != nil {
		return l.result(), errors.Join(err, lerr)
	}

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	return l.result(), err
}

func (l *Live) tickLoop(ctx context.Context) error {
	for {
		if err := l.tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-l.deps.Clock.After(l.cfg.Live.UpdateInterval):
		}
	}
}

func (l *Live) tick(ctx context.Context) error {
	now := l.deps.Clock.Now()
	price, err := l.deps.Prices.Price(ctx, l.instrument.FIGI)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		l.monitor.RecordFailure(err)
		return nil
	}
	l.monitor.RecordSuccess()

	l.mu.Lock()
	l.lastPrice = price
	l.mu.Unlock()

	l.appendEquity(engine.EquityPoint{Time: now, Equity: l.ledger.Equity(price)})

	if !l.calendar.IsOpen(now) {
		return nil
	}
	if l.calendar.InForceClose(now) {
		if l.ledger.OpenCount() > 0 {
			closed, err := l.ledger.CloseAll(price, engine.CloseEndOfSession, now)
			if err != nil {
				return err
			}
			l.logger.Info("Session end liquidation", zap.Int("closed", len(closed)))
		}
		return nil
	}
	_, err = l.ledger.EvaluateTick(price, now)
	return err
}

func (l *Live) staleLoop(ctx context.Context) error {
	interval := l.cfg.Monitor.StaleCheckInterval
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.deps.Clock.After(interval):
			l.monitor.CheckStale()
		}
	}
}

func (l *Live) handleSignal(ctx context.Context, sig market.Signal) error {
	now := l.deps.Clock.Now()
	if l.calendar.InForceClose(now) || !l.calendar.IsOpen(now) {
		l.skip(sig, "outside_session")
		return nil
	}
	if ok, reason := l.ledger.CanOpen(); !ok {
		l.skip(sig, string(reason))
		return nil
	}

	from := now.Add(-time.Duration(l.cfg.Strategy.HistoricalDays) * 24 * time.Hour)
	history, err := l.deps.History.Candles(ctx, l.instrument.FIGI, from, now)
	if err != nil {
		l.logger.Warn("Failed to load history for signal", zap.Error(err))
		l.skip(sig, string(strategies.SkipInsufficientData))
		return nil
	}
	mc, skip := strategies.AnalyzeContext(history, now, l.cfg.Strategy, l.calendar.Location)
	if skip != strategies.SkipNone {
		l.skip(sig, string(skip))
		return nil
	}
	// history may lag the feed; the trend ends at the live price
	price, err := l.deps.Prices.Price(ctx, l.instrument.FIGI)
	if err != nil || price <= 0 {
		l.logger.Warn("No live price for signal", zap.Float64("price", price), zap.Error(err))
		l.skip(sig, string(strategies.SkipNoPrice))
		return nil
	}
	mc.Price = price

	setup, skip := l.resolver.Resolve(sig, mc)
	if skip != strategies.SkipNone {
		l.skip(sig, string(skip))
		return nil
	}
	if cutoff := l.calendar.ForceCloseTime(now); setup.Deadline.After(cutoff) {
		setup.Deadline = cutoff
	}
	entry, skip := l.resolver.Await(ctx, setup, l.deps.Prices, l.instrument.FIGI, l.deps.Clock, l.cfg.Live.UpdateInterval)
	if skip != strategies.SkipNone {
		l.skip(sig, string(skip))
		return nil
	}
	return l.open(ctx, sig, entry)
}

func (l *Live) open(ctx context.Context, sig market.Signal, entry strategies.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || ctx.Err() != nil {
		return nil
	}

	now := l.deps.Clock.Now()
	if l.calendar.InForceClose(now) || !l.calendar.IsOpen(now) {
		l.skipLocked(sig, "outside_session")
		return nil
	}
	req := entry.Request(l.instrument, now)
	qty, reason := l.ledger.Check(req)
	if reason != engine.RejectNone {
		l.skipLocked(sig, string(reason))
		return nil
	}
	fill, err := l.deps.Executor.Execute(ctx, engine.Intent{
		Instrument: l.instrument,
		Direction:  entry.Direction,
		Quantity:   qty,
		Price:      entry.Price,
	})
	if err != nil {
		l.logger.Error("Order execution failed", zap.Error(err))
		l.skipLocked(sig, "execution_failed")
		return nil
	}

	req.EntryPrice = fill.Price
	req.Quantity = qty
	req.OrderID = fill.OrderID
	pos, reason, err := l.ledger.Open(req)
	if err != nil {
		return err
	}
	if pos == nil {
		l.logger.Warn("Filled order rejected by ledger", zap.String("order_id", fill.OrderID), zap.String("reason", string(reason)))
		l.skipLocked(sig, string(reason))
		return nil
	}
	l.entries = append(l.entries, SignalEntry{Time: pos.EntryTime, Mode: l.mode, Signal: sig, Entry: entry, Position: *pos})
	return nil
}

// liquidate closes every open position and blocks further opens.
func (l *Live) liquidate(reason engine.CloseReason) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	now := l.deps.Clock.Now()

	if l.ledger.OpenCount() == 0 {
		return nil
	}
	l.events.Append(engine.Event{Time: now, Type: engine.EventLiquidation, Ticker: l.instrument.Ticker, Reason: string(reason)})
	if l.lastPrice > 0 {
		_, err := l.ledger.CloseAll(l.lastPrice, reason, now)
		return err
	}
	// no price ever observed: close flat at entry
	for _, p := range l.ledger.Snapshot().Open {
		if _, err := l.ledger.Close(p.ID, p.EntryPrice, reason, now); err != nil {
			return err
		}
	}
	return nil
}

func (l *Live) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
}

func (l *Live) appendEquity(p engine.EquityPoint) {
	l.mu.Lock()
	l.equity = append(l.equity, p)
	l.mu.Unlock()
}

func (l *Live) skip(sig market.Signal, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.skipLocked(sig, reason)
}

func (l *Live) skipLocked(sig market.Signal, reason string) {
	l.skipped[reason]++
	l.logger.Info("Signal skipped",
		zap.Time("signal_time", sig.Time),
		zap.String("context", string(sig.Context)),
		zap.String("reason", reason),
	)
	l.events.Append(engine.Event{Time: sig.Time, Type: engine.EventSignalSkipped, Ticker: l.instrument.Ticker, Reason: reason})
}

// Equity returns a copy of the equity curve sampled so far.
func (l *Live) Equity() []engine.EquityPoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]engine.EquityPoint(nil), l.equity...)
}

// Entries returns the positions opened so far with their signals.
func (l *Live) Entries() []SignalEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SignalEntry(nil), l.entries...)
}

func (l *Live) result() *Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	skipped := make(map[string]int, len(l.skipped))
	for k, v := range l.skipped {
		skipped[k] = v
	}
	return &Result{
		Mode:           l.mode,
		Instrument:     l.instrument,
		InitialCapital: l.cfg.Backtest.InitialCapital,
		Final:          l.ledger.Snapshot(),
		Equity:         append([]engine.EquityPoint(nil), l.equity...),
		Entries:        append([]SignalEntry(nil), l.entries...),
		Events:         l.events.Events(),
		Skipped:        skipped,
	}
}
