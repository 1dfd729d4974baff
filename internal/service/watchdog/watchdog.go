package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aamitn/radixiot/internal/ws"
)

// minPollingIntervalMS is the lowest accepted expected-gap configuration.
const minPollingIntervalMS = 200

// ErrIntervalTooSmall rejects polling intervals below the minimum.
var ErrIntervalTooSmall = errors.New("watchdog: interval must be >= 200 ms")

// LivenessState tracks when the last measurement arrived and the expected
// upper bound between measurements. All mutation funnels through its setters.
type LivenessState struct {
	mu         sync.Mutex
	lastData   time.Time
	intervalMS int
}

// NewLivenessState seeds the state; a non-positive interval falls back to 5000 ms.
func NewLivenessState(intervalMS int, now time.Time) *LivenessState {
	if intervalMS < minPollingIntervalMS {
		intervalMS = 5000
	}
	return &LivenessState{lastData: now, intervalMS: intervalMS}
}

// Touch records a successful ingestion from any device.
func (s *LivenessState) Touch(t time.Time) {
	s.mu.Lock()
	s.lastData = t
	s.mu.Unlock()
}

// LastData returns the time of the most recent ingestion.
func (s *LivenessState) LastData() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastData
}

// IntervalMS returns the configured expected gap.
func (s *LivenessState) IntervalMS() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervalMS
}

// SetIntervalMS updates the expected gap.
func (s *LivenessState) SetIntervalMS(ms int) error {
	if ms < minPollingIntervalMS {
		return ErrIntervalTooSmall
	}
	s.mu.Lock()
	s.intervalMS = ms
	s.mu.Unlock()
	return nil
}

// Monitor raises a gap alert to the observer pool whenever devices have been
// silent for longer than the configured interval. The alert is re-raised on
// every tick while the condition persists so a reconnecting observer still
// sees it; that is intentional and differs from the evaluator's debounce.
type Monitor struct {
	state  *LivenessState
	hub    *ws.Hub
	logger *slog.Logger
	now    func() time.Time
}

// NewMonitor constructs a Monitor.
func NewMonitor(state *LivenessState, hub *ws.Hub, logger *slog.Logger) *Monitor {
	if logger != nil {
		logger = logger.With("component", "watchdog")
	}
	return &Monitor{state: state, hub: hub, logger: logger, now: time.Now}
}

// Run blocks until the context is cancelled, checking at half the configured
// polling interval. The sleep is recomputed each cycle so interval changes
// take effect without a restart.
func (m *Monitor) Run(ctx context.Context) {
	if m.logger != nil {
		m.logger.Info("liveness watchdog started", "interval_ms", m.state.IntervalMS())
	}
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			if m.logger != nil {
				m.logger.Info("liveness watchdog stopped")
			}
			return
		case <-timer.C:
			m.checkOnce()
			timer.Reset(time.Duration(m.state.IntervalMS()) * time.Millisecond / 2)
		}
	}
}

// checkOnce evaluates the gap condition and broadcasts the alert when it
// holds. It reports whether an alert was raised.
func (m *Monitor) checkOnce() bool {
	now := m.now().UTC()
	lastData := m.state.LastData()
	intervalMS := m.state.IntervalMS()
	diff := now.Sub(lastData).Milliseconds()
	if diff <= int64(intervalMS) {
		return false
	}
	payload, err := json.Marshal(map[string]any{
		"type":         "alert",
		"message":      fmt.Sprintf("No data for %d ms (interval %d ms)", diff, intervalMS),
		"last_data_at": lastData.UTC().Format(time.RFC3339Nano),
		"ts":           now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return false
	}
	m.hub.Broadcast(ws.PoolObserver, payload)
	if m.logger != nil {
		m.logger.Warn("data gap detected", "gap_ms", diff, "interval_ms", intervalMS)
	}
	return true
}
