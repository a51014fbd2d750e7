package engine

import (
	"sync"
	"time"
)

type EventType string

const (
	EventPositionOpened EventType = "POSITION_OPENED"
	EventPositionClosed EventType = "POSITION_CLOSED"
	EventOpenRejected   EventType = "OPEN_REJECTED"
	EventSignalSkipped  EventType = "SIGNAL_SKIPPED"
	EventSetupExpired   EventType = "SETUP_EXPIRED"
	EventLiquidation    EventType = "FORCED_LIQUIDATION"
)

type Event struct {
	Time       time.Time `json:"time"`
	Type       EventType `json:"type"`
	PositionID string    `json:"position_id,omitempty"`
	Ticker     string    `json:"ticker,omitempty"`
	Price      float64   `json:"price,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	PnL        float64   `json:"pnl,omitempty"`
}

// EventLog is an append-only lifecycle journal.
type EventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *EventLog) Append(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

// Events returns a copy of the journal.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Count returns how many events of type t were recorded.
func (l *EventLog) Count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}
