// Package crash decides whether a crash happened by correlating hard-braking
// events from GPS speed with impact reports from the helmet sensors.
package crash

import (
	"errors"
	"time"

	"github.com/saviobatista/crash-alert/internal/types"
)

// ErrInvalidWindow is returned for a correlation window that is not positive
var ErrInvalidWindow = errors.New("correlation window must be positive")

// Decision is the outcome of one evaluation of the engine
type Decision struct {
	Triggered           bool
	DecelerationAt      time.Time
	ImpactAt            time.Time
	Gap                 time.Duration
	DecelerationExpired bool
	ImpactExpired       bool
}

// Engine is the Armed/Triggered state machine. It is not safe for concurrent
// use; the session controller serializes access to it.
type Engine struct {
	window       time.Duration
	state        types.CrashState
	deceleration Slot
	impact       Slot
}

// NewEngine creates an idle engine with the given correlation window
func NewEngine(window time.Duration) (*Engine, error) {
	if window <= 0 {
		return nil, ErrInvalidWindow
	}
	return &Engine{window: window, state: types.Idle}, nil
}

// Window returns the correlation window
func (e *Engine) Window() time.Duration {
	return e.window
}

// State returns the current crash state
func (e *Engine) State() types.CrashState {
	return e.state
}

// Arm clears pending events and starts monitoring
func (e *Engine) Arm() {
	e.deceleration.Clear()
	e.impact.Clear()
	e.state = types.Armed
}

// Disarm clears pending events and returns to idle
func (e *Engine) Disarm() {
	e.deceleration.Clear()
	e.impact.Clear()
	e.state = types.Idle
}

// Pending returns the held event timestamps; zero means none
func (e *Engine) Pending() (deceleration, impact time.Time) {
	d, _ := e.deceleration.At()
	i, _ := e.impact.At()
	return d, i
}

// RecordDeceleration stores a hard-braking event. Ignored unless armed.
func (e *Engine) RecordDeceleration(at time.Time) bool {
	if e.state != types.Armed {
		return false
	}
	e.deceleration.Set(at)
	return true
}

// RecordImpact stores a helmet impact event. Ignored unless armed.
func (e *Engine) RecordImpact(at time.Time) bool {
	if e.state != types.Armed {
		return false
	}
	e.impact.Set(at)
	return true
}

// Evaluate expires stale events and fires the crash trigger when both events
// are pending within the correlation window of each other. It fires at most
// once per arming.
func (e *Engine) Evaluate(now time.Time) Decision {
	var d Decision
	if e.state != types.Armed {
		return d
	}

	d.DecelerationExpired = e.deceleration.Expire(now, e.window)
	d.ImpactExpired = e.impact.Expire(now, e.window)

	decelAt, okDecel := e.deceleration.At()
	impactAt, okImpact := e.impact.At()
	if !okDecel || !okImpact {
		return d
	}

	gap := decelAt.Sub(impactAt)
	if gap < 0 {
		gap = -gap
	}
	if gap > e.window {
		// Both stay pending; either may still pair with a newer partner.
		return d
	}

	e.state = types.Triggered
	e.deceleration.Clear()
	e.impact.Clear()
	d.Triggered = true
	d.DecelerationAt = decelAt
	d.ImpactAt = impactAt
	d.Gap = gap
	return d
}
