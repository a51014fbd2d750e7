package market

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

type signalRecord struct {
	Timestamp  string   `json:"timestamp"`
	Ticker     string   `json:"ticker"`
	Context    string   `json:"context"`
	Confidence *float64 `json:"confidence"`
}

func (r signalRecord) toSignal(loc *time.Location) (Signal, error) {
	ts, err := ParseTimestamp(r.Timestamp, loc)
	if err != nil {
		return Signal{}, err
	}
	ctx, err := ParseContext(r.Context)
	if err != nil {
		return Signal{}, err
	}
	confidence := 1.0
	if r.Confidence != nil {
		confidence = *r.Confidence
	}
	if confidence < 0 || confidence > 1 {
		return Signal{}, fmt.Errorf("confidence %.4f outside [0,1]", confidence)
	}
	return Signal{Time: ts, Ticker: r.Ticker, Context: ctx, Confidence: confidence}, nil
}

// DecodeSignals parses a JSON array of signals. Timestamps without an offset
// are read in loc. Any unknown context fails the whole batch.
func DecodeSignals(data []byte, loc *time.Location) ([]Signal, error) {
	var records []signalRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode signals: %w", err)
	}
	signals := make([]Signal, 0, len(records))
	for i, rec := range records {
		sig, err := rec.toSignal(loc)
		if err != nil {
			return nil, fmt.Errorf("signal #%d: %w", i+1, err)
		}
		signals = append(signals, sig)
	}
	sort.SliceStable(signals, func(i, j int) bool { return signals[i].Time.Before(signals[j].Time) })
	return signals, nil
}

// LoadSignals reads a signal file written by the classifier.
func LoadSignals(filename string, loc *time.Location) ([]Signal, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return DecodeSignals(data, loc)
}

// IndexSignals keys signals by exact timestamp. A later signal at the same
// instant replaces the earlier one.
func IndexSignals(signals []Signal) map[time.Time]Signal {
	idx := make(map[time.Time]Signal, len(signals))
	for _, s := range signals {
		idx[s.Time.UTC()] = s
	}
	return idx
}
