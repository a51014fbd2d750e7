package engine

// Run manifest and config snapshot

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"signalsim/services/market"
)

// EngineVersion is stamped into every manifest.
const EngineVersion = "1.0.0"

type ConfigSnapshot struct {
	Environment string          `json:"environment"`
	Version     string          `json:"version"`
	ConfigHash  string          `json:"config_hash"`
	Timestamp   time.Time       `json:"timestamp"`
	Values      json.RawMessage `json:"values"`
}

// SnapshotConfig serializes cfg and hashes it. Secrets must be tagged
// json:"-" on the config struct so they never reach the snapshot.
func SnapshotConfig(env string, cfg any) (*ConfigSnapshot, error) {
	values, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return &ConfigSnapshot{
		Environment: env,
		Version:     EngineVersion,
		ConfigHash:  fmt.Sprintf("%x", sha256.Sum256(values)),
		Timestamp:   time.Now().UTC(),
		Values:      values,
	}, nil
}

// Run manifest with full reproducibility
type RunManifest struct {
	RunID          string          `json:"run_id"`
	Mode           string          `json:"mode"`
	Ticker         string          `json:"ticker"`
	ConfigSnapshot *ConfigSnapshot `json:"config_snapshot,omitempty"`
	DataChecksum   string          `json:"data_checksum"`
	CandleCount    int             `json:"candle_count"`
	SignalCount    int             `json:"signal_count"`
	From           time.Time       `json:"from"`
	To             time.Time       `json:"to"`
	EngineVersion  string          `json:"engine_version"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewManifest describes a run over candles and signals.
func NewManifest(mode, ticker string, snapshot *ConfigSnapshot, candles []market.Candle, signals []market.Signal) RunManifest {
	m := RunManifest{
		RunID:          uuid.NewString(),
		Mode:           mode,
		Ticker:         ticker,
		ConfigSnapshot: snapshot,
		DataChecksum:   ChecksumCandles(candles),
		CandleCount:    len(candles),
		SignalCount:    len(signals),
		EngineVersion:  EngineVersion,
		CreatedAt:      time.Now().UTC(),
	}
	if len(candles) > 0 {
		m.From = candles[0].Time
		m.To = candles[len(candles)-1].Time
	}
	return m
}

// ChecksumCandles is a sha256 over the series in its canonical text form.
func ChecksumCandles(candles []market.Candle) string {
	h := sha256.New()
	for _, c := range candles {
		fmt.Fprintf(h, "%d,%g,%g,%g,%g,%d\n", c.Time.UnixMilli(), c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
