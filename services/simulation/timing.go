package simulation

import (
	"time"

	"signalsim/services/engine"
	"signalsim/services/market"
)

// TimingStatus classifies how a signal lined up with the candle series.
type TimingStatus string

const (
	TimingOK            TimingStatus = "OK"
	TimingNoCandle      TimingStatus = "NO_CANDLE"
	TimingOutsideHours  TimingStatus = "OUTSIDE_TRADING_HOURS"
	TimingForceClose    TimingStatus = "FORCE_CLOSE_WINDOW"
	TimingLowConfidence TimingStatus = "LOW_CONFIDENCE"
	TimingBlocked       TimingStatus = "BLOCKED_BY_RISK"
	TimingSkipped       TimingStatus = "SKIPPED"
)

type SignalTiming struct {
	Signal      market.Signal `json:"signal"`
	Status      TimingStatus  `json:"status"`
	Detail      string        `json:"detail,omitempty"`
	CandleClose float64       `json:"candle_close,omitempty"`
}

type TimingReport struct {
	Items  []SignalTiming       `json:"items"`
	Counts map[TimingStatus]int `json:"counts"`
}

// AnalyzeSignalTiming explains, per signal, whether it could have been acted
// on. When res is non-nil, skip events recorded by that run refine OK into
// BLOCKED_BY_RISK (position cap, balance, drawdown) or SKIPPED.
func AnalyzeSignalTiming(candles []market.Candle, signals []market.Signal, cal engine.Calendar, minConfidence float64, res *Result) TimingReport {
	byTime := make(map[time.Time]market.Candle, len(candles))
	for _, c := range candles {
		byTime[c.Time.UTC()] = c
	}
	skips := make(map[time.Time]string)
	if res != nil {
		for _, e := range res.Events {
			if e.Type == engine.EventSignalSkipped {
				skips[e.Time.UTC()] = e.Reason
			}
		}
	}

	report := TimingReport{Counts: make(map[TimingStatus]int)}
	for _, sig := range signals {
		item := SignalTiming{Signal: sig, Status: TimingOK}
		c, ok := byTime[sig.Time.UTC()]
		switch {
		case !ok:
			item.Status = TimingNoCandle
		case !cal.IsOpen(sig.Time):
			item.Status = TimingOutsideHours
		case cal.InForceClose(sig.Time):
			item.Status = TimingForceClose
		case sig.Confidence < minConfidence:
			item.Status = TimingLowConfidence
		}
		if ok {
			item.CandleClose = c.Close
		}
		if reason, skipped := skips[sig.Time.UTC()]; skipped && item.Status == TimingOK {
			item.Detail = reason
			switch engine.RejectReason(reason) {
			case engine.RejectMaxPositions, engine.RejectMinBalance, engine.RejectMaxDrawdown:
				item.Status = TimingBlocked
			default:
				item.Status = TimingSkipped
			}
		}
		report.Items = append(report.Items, item)
		report.Counts[item.Status]++
	}
	return report
}
