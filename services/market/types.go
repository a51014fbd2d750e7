// Package market holds the value types shared by the simulation core (candles,
// signals, directions, instruments) and the feeds that produce them.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownContext is returned when a signal carries a context outside
// POSITIVE/NEGATIVE/NEUTRAL.
var ErrUnknownContext = errors.New("unknown signal context")

// Direction of a position or expected move
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// Sign returns +1 for UP and -1 for DOWN.
func (d Direction) Sign() float64 {
	if d == DirectionDown {
		return -1
	}
	return 1
}

// Context is the classified sentiment of a signal.
type Context string

const (
	ContextPositive Context = "POSITIVE"
	ContextNegative Context = "NEGATIVE"
	ContextNeutral  Context = "NEUTRAL"
)

// ParseContext normalizes s and rejects anything that is not a known context.
func ParseContext(s string) (Context, error) {
	switch c := Context(strings.ToUpper(strings.TrimSpace(s))); c {
	case ContextPositive, ContextNegative, ContextNeutral:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownContext, s)
	}
}

// Direction maps a directional context to UP/DOWN. NEUTRAL has no direction.
func (c Context) Direction() (Direction, bool) {
	switch c {
	case ContextPositive:
		return DirectionUp, true
	case ContextNegative:
		return DirectionDown, true
	}
	return "", false
}

// Candle represents one OHLCV bar
type Candle struct {
	Time   time.Time `json:"timestamp"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Signal is a structured trade signal produced by an external classifier.
type Signal struct {
	Time       time.Time `json:"timestamp"`
	Ticker     string    `json:"ticker,omitempty"`
	Context    Context   `json:"context"`
	Confidence float64   `json:"confidence"`
}

// UnmarshalJSON validates the context and accepts both RFC3339 and
// "2006-01-02 15:04:05" timestamps (the latter read as UTC).
func (s *Signal) UnmarshalJSON(data []byte) error {
	var rec signalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	sig, err := rec.toSignal(time.UTC)
	if err != nil {
		return err
	}
	*s = sig
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

// ParseTimestamp parses the timestamp layouts seen in signal and candle files.
// Layouts without an offset are interpreted in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %q", s)
}

// Instrument metadata resolved by the market-data collaborator
type Instrument struct {
	Ticker   string `json:"ticker"`
	FIGI     string `json:"figi"`
	Exchange string `json:"exchange,omitempty"`
	Lot      int    `json:"lot"`
}

// BacktestInstrument returns the synthetic instrument used when replaying a
// series that carries no metadata.
func BacktestInstrument(ticker string) Instrument {
	return Instrument{Ticker: ticker, FIGI: "FIGI_" + ticker, Lot: 1}
}

// PriceSource returns the latest price for an instrument.
type PriceSource interface {
	Price(ctx context.Context, figi string) (float64, error)
}
