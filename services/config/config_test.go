package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Risk.MaxOpenPositions != 3 || cfg.Risk.MinBalance != 10000 || cfg.Strategy.MinRiskReward != 1.5 {
		t.Fatalf("unexpected risk defaults: %+v", cfg.Risk)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("MAX_OPEN_POSITIONS", "5")
	t.Setenv("FIBONACCI_ENTRY_LEVELS", "0.5, 0.618")
	t.Setenv("PULLBACK_TIMEOUT", "120")
	t.Setenv("RANGE_TIMEOUT", "90s")
	t.Setenv("ENABLE_RANGE_TRADING", "false")
	t.Setenv("ATR_PERIOD", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Risk.MaxOpenPositions != 5 {
		t.Fatalf("MaxOpenPositions = %d", cfg.Risk.MaxOpenPositions)
	}
	if len(cfg.Strategy.Pullback.EntryLevels) != 2 || cfg.Strategy.Pullback.EntryLevels[1] != 0.618 {
		t.Fatalf("entry levels = %v", cfg.Strategy.Pullback.EntryLevels)
	}
	if cfg.Strategy.Pullback.Timeout != 120*time.Second || cfg.Strategy.Range.Timeout != 90*time.Second {
		t.Fatalf("timeouts = %v / %v", cfg.Strategy.Pullback.Timeout, cfg.Strategy.Range.Timeout)
	}
	if cfg.Strategy.Range.Enabled {
		t.Fatal("range trading should be disabled")
	}
	if cfg.Strategy.ATRPeriod != 14 {
		t.Fatalf("malformed ATR_PERIOD must fall back, got %d", cfg.Strategy.ATRPeriod)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Strategy.ATRPeriod = 0
	cfg.Risk.MaxOpenPositions = 0
	cfg.Session.Start = "25:99"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"ATR_PERIOD", "MAX_OPEN_POSITIONS", "session start"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestSessionHours(t *testing.T) {
	h, err := SessionConfig{Location: "UTC", Start: "10:00", End: "23:30", ForceCloseAt: "23:00"}.Hours()
	if err != nil {
		t.Fatal(err)
	}
	if h.Start != 10*time.Hour || h.End != 23*time.Hour+30*time.Minute || h.ForceCloseAt != 23*time.Hour {
		t.Fatalf("unexpected hours: %+v", h)
	}
	if _, err := (SessionConfig{Location: "UTC", Start: "12:00", End: "10:00", ForceCloseAt: "11:00"}).Hours(); err == nil {
		t.Fatal("start after end must fail")
	}
}
