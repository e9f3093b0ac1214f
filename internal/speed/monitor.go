// Package speed drives the speed-limit alert from the stream of GPS samples.
package speed

import (
	"log"

	"github.com/saviobatista/crash-alert/internal/types"
)

// Alarm starts and stops the looping speeding alert. Implementations must be
// idempotent and must not block.
type Alarm interface {
	Start()
	Stop()
}

// State is the speed-limit monitor state
type State struct {
	PreviousKmh float64
	Speeding    bool
}

// Transition describes what an observed sample changed
type Transition int

const (
	Unchanged Transition = iota
	StartedSpeeding
	StoppedSpeeding
)

// Monitor is an edge detector over the speed limit. It also remembers the
// previous valid speed used by the deceleration rule. Not safe for concurrent use.
type Monitor struct {
	limit     float64
	alarm     Alarm
	state     State
	suspended bool
}

// NewMonitor creates a monitor for the given limit in km/h
func NewMonitor(limitKmh float64, alarm Alarm) *Monitor {
	return &Monitor{limit: limitKmh, alarm: alarm}
}

// Limit returns the configured speed limit
func (m *Monitor) Limit() float64 {
	return m.limit
}

// State returns a copy of the current state
func (m *Monitor) State() State {
	return m.state
}

// Previous returns the speed of the last valid sample, 0 after a sample
// without speed.
func (m *Monitor) Previous() float64 {
	return m.state.PreviousKmh
}

// Observe processes one sample and returns the resulting edge, if any
func (m *Monitor) Observe(s types.Sample) Transition {
	current := s.Speed()
	if s.HasSpeed() {
		m.state.PreviousKmh = current
	} else {
		// Keeps a stale high speed from pairing with a later low reading.
		m.state.PreviousKmh = 0
	}

	if m.suspended {
		return Unchanged
	}

	switch {
	case current > 0 && current > m.limit && !m.state.Speeding:
		m.state.Speeding = true
		m.alarm.Start()
		log.Printf("Speed limit (%.0f km/h) exceeded. Current: %.1f km/h", m.limit, current)
		return StartedSpeeding
	case m.state.Speeding && (current <= 0 || current <= m.limit):
		m.state.Speeding = false
		m.alarm.Stop()
		log.Printf("Speed back below limit (%.0f km/h). Current: %.1f km/h", m.limit, current)
		return StoppedSpeeding
	}
	return Unchanged
}

// ForceStop cancels the alert and suspends speeding detection until Reset.
// Used when a crash has been detected.
func (m *Monitor) ForceStop() {
	m.state.Speeding = false
	m.suspended = true
	m.alarm.Stop()
}

// Clear ends an active speeding alert without touching the previous speed
// or the suspension. Used when the position is lost.
func (m *Monitor) Clear() Transition {
	if !m.state.Speeding {
		return Unchanged
	}
	m.state.Speeding = false
	m.alarm.Stop()
	return StoppedSpeeding
}

// Reset clears all state and resumes speeding detection
func (m *Monitor) Reset() {
	wasSpeeding := m.state.Speeding
	m.state = State{}
	m.suspended = false
	if wasSpeeding {
		m.alarm.Stop()
	}
}

// Suspended reports whether speeding detection is paused
func (m *Monitor) Suspended() bool {
	return m.suspended
}
