package strategies

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"signalsim/services/config"
	"signalsim/services/engine"
	"signalsim/services/indicators"
	"signalsim/services/market"
)

// Resolver turns a signal plus market context into an armed Setup. POSITIVE
// and NEGATIVE signals use the Fibonacci pullback protocol; NEUTRAL signals
// use range trading when enabled.
type Resolver struct {
	cfg    config.StrategyConfig
	logger *zap.Logger
}

func NewResolver(cfg config.StrategyConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{cfg: cfg, logger: logger}
}

// Config returns the strategy settings the resolver was built with.
func (r *Resolver) Config() config.StrategyConfig { return r.cfg }

// Resolve arms the protocol matching sig's context. Signals below the
// confidence floor are skipped.
func (r *Resolver) Resolve(sig market.Signal, mc MarketContext) (*Setup, SkipReason) {
	if sig.Confidence < r.cfg.MinConfidence {
		return nil, SkipLowConfidence
	}
	if dir, ok := sig.Context.Direction(); ok {
		return r.pullback(sig, dir, mc)
	}
	return r.rangeTrade(sig, mc)
}

func (r *Resolver) pullback(sig market.Signal, dir market.Direction, mc MarketContext) (*Setup, SkipReason) {
	recent := tail(mc.Candles, r.cfg.Pullback.Lookback)
	if len(recent) == 0 || mc.Price <= 0 {
		return nil, SkipInsufficientData
	}

	uptrend := dir == market.DirectionUp
	start := recent[0].Low
	if !uptrend {
		start = recent[0].High
	}
	for _, c := range recent[1:] {
		if uptrend {
			start = math.Min(start, c.Low)
		} else {
			start = math.Max(start, c.High)
		}
	}
	end := mc.Price
	movement := math.Abs(end-start) / start * 100
	if movement < r.cfg.Pullback.MinTrendMovement {
		r.logger.Debug("Trend movement too small",
			zap.Float64("trend_start", start),
			zap.Float64("trend_end", end),
			zap.Float64("movement_pct", movement),
		)
		return nil, SkipWeakTrend
	}

	s := &Setup{
		Strategy:    engine.StrategyPullback,
		Signal:      sig,
		Created:     mc.Time,
		Deadline:    mc.Time.Add(r.cfg.Pullback.Timeout),
		ATR:         mc.ATR,
		Direction:   dir,
		TrendStart:  start,
		TrendEnd:    end,
		Levels:      indicators.CalculateFibonacciLevels(start, end, uptrend),
		entryLevels: r.cfg.Pullback.EntryLevels,
		tolerance:   r.cfg.Pullback.TolerancePct,
		stops:       r.stopParams(),
	}
	r.logger.Info("Pullback setup armed",
		zap.String("direction", string(dir)),
		zap.Float64("trend_start", start),
		zap.Float64("trend_end", end),
		zap.Time("deadline", s.Deadline),
	)
	return s, SkipNone
}

func (r *Resolver) rangeTrade(sig market.Signal, mc MarketContext) (*Setup, SkipReason) {
	if !r.cfg.Range.Enabled {
		return nil, SkipRangeDisabled
	}
	if !mc.Range.Valid {
		r.logger.Debug("Daily range invalid", zap.Float64("width_pct", mc.Range.WidthPct))
		return nil, SkipRangeInvalid
	}
	offset := mc.Range.Width * r.cfg.Range.EntryOffset
	s := &Setup{
		Strategy:    engine.StrategyRangeTrading,
		Signal:      sig,
		Created:     mc.Time,
		Deadline:    mc.Time.Add(r.cfg.Range.Timeout),
		ATR:         mc.ATR,
		Range:       mc.Range,
		BuyZoneMax:  mc.Range.Low + offset,
		SellZoneMin: mc.Range.High - offset,
		stopPct:     r.cfg.Range.StopPct,
	}
	r.logger.Info("Range setup armed",
		zap.Float64("range_low", mc.Range.Low),
		zap.Float64("range_high", mc.Range.High),
		zap.Float64("buy_zone_max", s.BuyZoneMax),
		zap.Float64("sell_zone_min", s.SellZoneMin),
		zap.Time("deadline", s.Deadline),
	)
	return s, SkipNone
}

func (r *Resolver) stopParams() indicators.StopParams {
	return indicators.StopParams{
		StopMultiplier: r.cfg.Stops.StopMultiplier,
		TakeMultiplier: r.cfg.Stops.TakeMultiplier,
		MinStopPct:     r.cfg.Stops.MinStopPct,
		MaxStopPct:     r.cfg.Stops.MaxStopPct,
	}
}

// Clock is the time source used while waiting for confirmation. Live
// sessions share it with their tick loop and connection monitor.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Await polls src every interval until the setup confirms, its deadline
// passes, or ctx is cancelled. It never touches the ledger, so an abandoned
// wait leaves no partial position.
func (r *Resolver) Await(ctx context.Context, s *Setup, src market.PriceSource, figi string, clock Clock, interval time.Duration) (Entry, SkipReason) {
	for {
		if s.Expired(clock.Now()) {
			r.logger.Info("Setup timed out",
				zap.String("strategy", string(s.Strategy)),
				zap.Time("deadline", s.Deadline),
			)
			return Entry{}, SkipTimeout
		}
		price, err := src.Price(ctx, figi)
		if err == nil {
			if e, ok := s.Evaluate(price); ok {
				return e, SkipNone
			}
		} else if ctx.Err() == nil {
			r.logger.Warn("Price unavailable during confirmation", zap.String("figi", figi), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return Entry{}, SkipCancelled
		case <-clock.After(interval):
		}
	}
}
