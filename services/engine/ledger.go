package engine

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signalsim/services/market"
)

var (
	// ErrPositionClosed is returned when closing a position twice.
	ErrPositionClosed = errors.New("position already closed")
	// ErrUnknownPosition is returned for ids the ledger never issued.
	ErrUnknownPosition = errors.New("unknown position")
	// ErrNegativeBalance reports available balance dropping below zero.
	ErrNegativeBalance = errors.New("available balance is negative")
	// ErrBalanceMismatch reports a broken reconciliation between balances.
	ErrBalanceMismatch = errors.New("ledger balances do not reconcile")
	// ErrLedgerHalted is returned by every mutating call after an invariant violation.
	ErrLedgerHalted = errors.New("ledger halted after invariant violation")
)

// RejectReason explains why an open attempt produced no position. Rejections
// are a normal outcome, not errors.
type RejectReason string

const (
	RejectNone           RejectReason = ""
	RejectMaxPositions   RejectReason = "max_positions"
	RejectMinBalance     RejectReason = "min_balance"
	RejectMaxDrawdown    RejectReason = "max_drawdown"
	RejectSizeBelowOne   RejectReason = "size_below_one"
	RejectRiskReward     RejectReason = "risk_reward"
	RejectInvalidBracket RejectReason = "invalid_bracket"
)

// rrEpsilon absorbs float noise when a bracket sits exactly on the floor.
const rrEpsilon = 1e-9

// LedgerConfig holds the risk limits of a ledger.
type LedgerConfig struct {
	InitialCapital     float64
	MaxPositionSizePct float64
	MaxOpenPositions   int
	MaxDrawdownPct     float64
	MinBalance         float64
	MinRiskReward      float64
}

// OpenRequest describes a position the resolver wants to open. A zero
// Quantity lets the ledger size the position from available balance.
type OpenRequest struct {
	Instrument market.Instrument
	Direction  market.Direction
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	Strategy   Strategy
	ATR        float64
	Time       time.Time
	Quantity   int64
	OrderID    string
}

// RiskReward of the requested bracket.
func (r OpenRequest) RiskReward() float64 {
	risk := math.Abs(r.EntryPrice - r.StopLoss)
	if risk == 0 {
		return 0
	}
	return math.Abs(r.TakeProfit-r.EntryPrice) / risk
}

// Ledger is the portfolio ledger: balances plus the open and closed position
// sets. All methods are safe for concurrent use; each call holds the lock for
// its whole read-modify-write.
type Ledger struct {
	cfg    LedgerConfig
	logger *zap.Logger
	events *EventLog

	mu        sync.Mutex
	current   float64
	available float64
	open      map[string]*Position
	order     []string
	closed    []Position
	halted    error
}

// NewLedger returns a ledger funded with cfg.InitialCapital. events may be nil.
func NewLedger(cfg LedgerConfig, events *EventLog, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		cfg:       cfg,
		logger:    logger,
		events:    events,
		current:   cfg.InitialCapital,
		available: cfg.InitialCapital,
		open:      make(map[string]*Position),
	}
}

// Config returns the ledger's limits.
func (l *Ledger) Config() LedgerConfig { return l.cfg }

// CanOpen reports whether a new position may be opened, and if not, why.
func (l *Ledger) CanOpen() (bool, RejectReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	reason := l.canOpenLocked()
	return reason == RejectNone, reason
}

func (l *Ledger) canOpenLocked() RejectReason {
	switch {
	case len(l.open) >= l.cfg.MaxOpenPositions:
		return RejectMaxPositions
	case l.available < l.cfg.MinBalance:
		return RejectMinBalance
	case l.drawdownLocked() > l.cfg.MaxDrawdownPct:
		return RejectMaxDrawdown
	}
	return RejectNone
}

func (l *Ledger) drawdownLocked() float64 {
	if l.cfg.InitialCapital <= 0 {
		return 0
	}
	return (l.cfg.InitialCapital - l.current) / l.cfg.InitialCapital * 100
}

func (l *Ledger) sizeLocked(entry float64, lot int) int64 {
	if lot < 1 {
		lot = 1
	}
	if entry <= 0 {
		return 0
	}
	budget := l.available * l.cfg.MaxPositionSizePct / 100
	lots := math.Floor(budget / (entry * float64(lot)))
	return int64(lots) * int64(lot)
}

// Check runs every admission rule Open would apply to req without touching
// the ledger. It returns the quantity Open would allot.
func (l *Ledger) Check(req OpenRequest) (int64, RejectReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.admitLocked(req)
}

func (l *Ledger) admitLocked(req OpenRequest) (int64, RejectReason) {
	if reason := l.canOpenLocked(); reason != RejectNone {
		return 0, reason
	}
	if !validBracket(req.Direction, req.EntryPrice, req.StopLoss, req.TakeProfit) {
		return 0, RejectInvalidBracket
	}
	if rr := req.RiskReward(); rr+rrEpsilon < l.cfg.MinRiskReward {
		return 0, RejectRiskReward
	}
	qty := req.Quantity
	if qty == 0 {
		qty = l.sizeLocked(req.EntryPrice, req.Instrument.Lot)
	}
	if qty < 1 || float64(qty)*req.EntryPrice > l.available {
		return 0, RejectSizeBelowOne
	}
	return qty, RejectNone
}

// Open validates req against the risk limits and, when accepted, debits the
// position cost and returns a copy of the new position.
func (l *Ledger) Open(req OpenRequest) (*Position, RejectReason, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted != nil {
		return nil, RejectNone, l.halted
	}
	qty, reason := l.admitLocked(req)
	if reason != RejectNone {
		l.reject(req, reason)
		return nil, reason, nil
	}
	cost := float64(qty) * req.EntryPrice

	p := &Position{
		ID:         uuid.NewString(),
		Ticker:     req.Instrument.Ticker,
		FIGI:       req.Instrument.FIGI,
		Direction:  req.Direction,
		Quantity:   qty,
		EntryPrice: req.EntryPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Strategy:   req.Strategy,
		ATR:        req.ATR,
		EntryTime:  req.Time,
		OrderID:    req.OrderID,
	}
	l.available -= cost
	l.open[p.ID] = p
	l.order = append(l.order, p.ID)

	l.logger.Info("Position opened",
		zap.String("position_id", p.ID),
		zap.String("ticker", p.Ticker),
		zap.String("direction", string(p.Direction)),
		zap.String("strategy", string(p.Strategy)),
		zap.Int64("quantity", p.Quantity),
		zap.Float64("entry_price", p.EntryPrice),
		zap.Float64("stop_loss", p.StopLoss),
		zap.Float64("take_profit", p.TakeProfit),
		zap.Float64("available_balance", l.available),
	)
	l.record(Event{Time: p.EntryTime, Type: EventPositionOpened, PositionID: p.ID, Ticker: p.Ticker, Price: p.EntryPrice})

	cp := *p
	return &cp, RejectNone, nil
}

func (l *Ledger) reject(req OpenRequest, reason RejectReason) {
	l.logger.Info("Position open rejected",
		zap.String("ticker", req.Instrument.Ticker),
		zap.String("direction", string(req.Direction)),
		zap.String("reason", string(reason)),
	)
	l.record(Event{Time: req.Time, Type: EventOpenRejected, Ticker: req.Instrument.Ticker, Price: req.EntryPrice, Reason: string(reason)})
}

// Close closes the position with the given id at price. Closing an already
// closed position is an invariant violation and halts the ledger.
func (l *Ledger) Close(id string, price float64, reason CloseReason, at time.Time) (Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted != nil {
		return Position{}, l.halted
	}
	return l.closeLocked(id, price, reason, at)
}

func (l *Ledger) closeLocked(id string, price float64, reason CloseReason, at time.Time) (Position, error) {
	p, ok := l.open[id]
	if !ok {
		for i := range l.closed {
			if l.closed[i].ID == id {
				return Position{}, l.halt(fmt.Errorf("close %s: %w", id, ErrPositionClosed))
			}
		}
		return Position{}, l.halt(fmt.Errorf("close %s: %w", id, ErrUnknownPosition))
	}

	pnl := p.markPnL(price)
	p.IsClosed = true
	p.ClosePrice = price
	p.CloseTime = at
	p.CloseReason = reason
	p.ProfitLoss = pnl

	l.available += p.Cost() + pnl
	l.current += pnl
	delete(l.open, id)
	for i, oid := range l.order {
		if oid == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.closed = append(l.closed, *p)

	l.logger.Info("Position closed",
		zap.String("position_id", p.ID),
		zap.String("ticker", p.Ticker),
		zap.String("reason", string(reason)),
		zap.Float64("close_price", price),
		zap.Float64("profit_loss", pnl),
		zap.Float64("current_balance", l.current),
	)
	l.record(Event{Time: at, Type: EventPositionClosed, PositionID: p.ID, Ticker: p.Ticker, Price: price, Reason: string(reason), PnL: pnl})

	if err := l.checkLocked(); err != nil {
		return *p, l.halt(err)
	}
	return *p, nil
}

// checkLocked verifies available >= 0 and available + open cost == current.
func (l *Ledger) checkLocked() error {
	if l.available < -1e-9 {
		return fmt.Errorf("%w: %.6f", ErrNegativeBalance, l.available)
	}
	committed := 0.0
	for _, p := range l.open {
		committed += p.Cost()
	}
	diff := l.available + committed - l.current
	if math.Abs(diff) > 1e-6*math.Max(1, math.Abs(l.current)) {
		return fmt.Errorf("%w: available %.6f + committed %.6f != balance %.6f", ErrBalanceMismatch, l.available, committed, l.current)
	}
	return nil
}

func (l *Ledger) halt(err error) error {
	if l.halted == nil {
		l.halted = fmt.Errorf("%w: %w", ErrLedgerHalted, err)
		l.logger.Error("Ledger invariant violated", zap.Error(err))
	}
	return l.halted
}

// EvaluateTick marks every open position at price and closes, in insertion
// order, those whose stop or target is breached. SL/TP closes fill at the
// breached level.
func (l *Ledger) EvaluateTick(price float64, at time.Time) ([]Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted != nil {
		return nil, l.halted
	}

	var closed []Position
	for _, id := range append([]string(nil), l.order...) {
		p := l.open[id]
		p.markPnL(price)
		reason, fill, hit := p.ExitAt(price)
		if !hit {
			continue
		}
		cp, err := l.closeLocked(id, fill, reason, at)
		if err != nil {
			return closed, err
		}
		closed = append(closed, cp)
	}
	return closed, nil
}

// CloseAll force-closes every open position at price with reason.
func (l *Ledger) CloseAll(price float64, reason CloseReason, at time.Time) ([]Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted != nil {
		return nil, l.halted
	}

	var closed []Position
	for _, id := range append([]string(nil), l.order...) {
		cp, err := l.closeLocked(id, price, reason, at)
		if err != nil {
			return closed, err
		}
		closed = append(closed, cp)
	}
	return closed, nil
}

// Equity is available balance plus the market value of open positions at price.
func (l *Ledger) Equity(price float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	equity := l.available
	for _, id := range l.order {
		equity += l.open[id].MarketValue(price)
	}
	return equity
}

// LedgerState is a point-in-time copy of the ledger.
type LedgerState struct {
	InitialCapital   float64    `json:"initial_capital"`
	CurrentBalance   float64    `json:"current_balance"`
	AvailableBalance float64    `json:"available_balance"`
	DrawdownPct      float64    `json:"drawdown_percent"`
	Open             []Position `json:"open_positions"`
	Closed           []Position `json:"closed_positions"`
}

// Snapshot copies the ledger state. Open positions are in insertion order,
// closed ones in closing order.
func (l *Ledger) Snapshot() LedgerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := LedgerState{
		InitialCapital:   l.cfg.InitialCapital,
		CurrentBalance:   l.current,
		AvailableBalance: l.available,
		DrawdownPct:      l.drawdownLocked(),
		Open:             make([]Position, 0, len(l.order)),
		Closed:           append([]Position(nil), l.closed...),
	}
	for _, id := range l.order {
		s.Open = append(s.Open, *l.open[id])
	}
	return s
}

// OpenCount returns the number of open positions.
func (l *Ledger) OpenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.open)
}

// Closed returns a copy of the closed-position history.
func (l *Ledger) Closed() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Position(nil), l.closed...)
}

// Err returns the halting error, if any.
func (l *Ledger) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

func (l *Ledger) record(e Event) {
	if l.events != nil {
		l.events.Append(e)
	}
}
