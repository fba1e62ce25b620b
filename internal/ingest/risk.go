package ingest

import (
	"sync"
	"time"
)

const (
	// riskThreshold is how many risk-kind failures inside the window pause
	// an account.
	riskThreshold = 3
	// DefaultRiskWindow is the rolling window risk events are counted in.
	DefaultRiskWindow = time.Hour
)

// RiskTracker counts risk-kind upstream failures per account inside a
// rolling window. It holds no persistent state: a restart forgets old
// events, which only delays escalation, never double-fires it.
type RiskTracker struct {
	mu     sync.Mutex
	window time.Duration
	events map[int64][]time.Time
}

// NewRiskTracker builds a tracker with the given window; zero means
// DefaultRiskWindow.
func NewRiskTracker(window time.Duration) *RiskTracker {
	if window <= 0 {
		window = DefaultRiskWindow
	}
	return &RiskTracker{window: window, events: make(map[int64][]time.Time)}
}

// Record notes one risk event and returns how many fall inside the window
// ending at the event. The caller escalates at riskThreshold.
func (r *RiskTracker) Record(accountID int64, at time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := at.Add(-r.window)
	kept := r.events[accountID][:0]
	for _, t := range r.events[accountID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	r.events[accountID] = kept
	return len(kept)
}

// Reset clears an account's window. Called after a pause fires so the next
// escalation needs three fresh events.
func (r *RiskTracker) Reset(accountID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.events, accountID)
}
