package simulation

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"signalsim/services/config"
	"signalsim/strategies"
)

// ErrConnectionLost is returned by the live driver after a monitor-triggered
// liquidation.
var ErrConnectionLost = errors.New("price feed connection lost")

// ConnectionMonitor watches the price feed. It trips after MaxRetryAttempts
// consecutive fetch failures or when no price has arrived for MaxPriceStale.
type ConnectionMonitor struct {
	maxFailures int
	maxStale    time.Duration
	clock       strategies.Clock
	logger      *zap.Logger

	mu          sync.Mutex
	failures    int
	lastSuccess time.Time
	reason      string
	lost        chan struct{}
	once        sync.Once
}

func NewConnectionMonitor(cfg config.MonitorConfig, clock strategies.Clock, logger *zap.Logger) *ConnectionMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionMonitor{
		maxFailures: cfg.MaxRetryAttempts,
		maxStale:    cfg.MaxPriceStale,
		clock:       clock,
		logger:      logger,
		lastSuccess: clock.Now(),
		lost:        make(chan struct{}),
	}
}

// RecordSuccess resets the failure counter.
func (m *ConnectionMonitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.logger.Info("Price feed recovered", zap.Int("failed_attempts", m.failures))
	}
	m.failures = 0
	m.lastSuccess = m.clock.Now()
}

// RecordFailure counts a failed fetch and reports whether the monitor tripped.
func (m *ConnectionMonitor) RecordFailure(err error) bool {
	m.mu.Lock()
	m.failures++
	n := m.failures
	m.mu.Unlock()

	m.logger.Warn("Price fetch failed", zap.Int("attempt", n), zap.Int("max_attempts", m.maxFailures), zap.Error(err))
	if m.maxFailures > 0 && n >= m.maxFailures {
		m.trip("max retry attempts exceeded")
		return true
	}
	return false
}

// CheckStale trips the monitor when the last good price is too old.
func (m *ConnectionMonitor) CheckStale() bool {
	m.mu.Lock()
	age := m.clock.Now().Sub(m.lastSuccess)
	m.mu.Unlock()
	if m.maxStale > 0 && age > m.maxStale {
		m.logger.Warn("Price data stale", zap.Duration("age", age), zap.Duration("max_age", m.maxStale))
		m.trip("price data stale")
		return true
	}
	return false
}

func (m *ConnectionMonitor) trip(reason string) {
	m.once.Do(func() {
		m.mu.Lock()
		m.reason = reason
		m.mu.Unlock()
		m.logger.Error("Connection lost", zap.String("reason", reason))
		close(m.lost)
	})
}

// Lost is closed once the monitor trips.
func (m *ConnectionMonitor) Lost() <-chan struct{} { return m.lost }

// Connected reports whether the monitor has not tripped.
func (m *ConnectionMonitor) Connected() bool {
	select {
	case <-m.lost:
		return false
	default:
		return true
	}
}

// Reason returns why the monitor tripped.
func (m *ConnectionMonitor) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}
