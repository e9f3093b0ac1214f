package crash

import "time"

// Slot holds at most one pending event timestamp. A newer event overwrites
// the older one; the zero value is an empty slot.
type Slot struct {
	at time.Time
}

// Set records an event at t, replacing any pending one
func (s *Slot) Set(t time.Time) {
	s.at = t
}

// At returns the pending event time and whether one is held
func (s *Slot) At() (time.Time, bool) {
	return s.at, !s.at.IsZero()
}

// Pending reports whether the slot holds an event
func (s *Slot) Pending() bool {
	return !s.at.IsZero()
}

// Clear empties the slot
func (s *Slot) Clear() {
	s.at = time.Time{}
}

// Expire clears the slot when its event is older than window at now and
// reports whether it did.
func (s *Slot) Expire(now time.Time, window time.Duration) bool {
	if s.at.IsZero() {
		return false
	}
	if now.Sub(s.at) > window {
		s.at = time.Time{}
		return true
	}
	return false
}
