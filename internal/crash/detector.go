package crash

// Thresholds configures the hard-braking rule. All speeds are km/h.
type Thresholds struct {
	MinSpeedBefore  float64
	MaxSpeedAfter   float64
	MinDeceleration float64
}

// Decelerated reports whether the drop from previous to current speed counts
// as hard braking. A nil current reading never fires.
func Decelerated(previous float64, current *float64, th Thresholds) bool {
	if current == nil || *current < 0 {
		return false
	}
	cur := *current
	return previous > th.MinSpeedBefore &&
		cur < th.MaxSpeedAfter &&
		previous-cur >= th.MinDeceleration
}
