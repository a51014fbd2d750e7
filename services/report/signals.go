package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"signalsim/services/simulation"
)

// AppendSignals appends entries to the JSON array stored in filename,
// creating the file when it does not exist.
func AppendSignals(filename string, entries []simulation.SignalEntry) error {
	history, err := LoadSignalHistory(filename)
	if err != nil {
		return err
	}
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal signal entry: %w", err)
		}
		history = append(history, raw)
	}
	return WriteJSON(filename, history)
}

// LoadSignalHistory reads the raw entries of a signal history file. A
// missing file is an empty history.
func LoadSignalHistory(filename string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return []json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read signal history: %w", err)
	}
	var history []json.RawMessage
	if len(data) == 0 {
		return []json.RawMessage{}, nil
	}
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("failed to parse signal history %s: %w", filename, err)
	}
	return history, nil
}
