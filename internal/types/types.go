package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sample represents a single speed/position reading from the location sampler
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	SpeedKmh  *float64  `json:"speed_kmh,omitempty"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
}

// HasSpeed reports whether the sample carries a usable speed reading
func (s *Sample) HasSpeed() bool {
	return s.SpeedKmh != nil && *s.SpeedKmh >= 0
}

// Speed returns the speed in km/h, or 0 when there is no reading
func (s *Sample) Speed() float64 {
	if !s.HasSpeed() {
		return 0
	}
	return *s.SpeedKmh
}

// HasCoordinates reports whether both latitude and longitude are present
func (s *Sample) HasCoordinates() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// Coordinates holds the coords part of a geolocation fix as sent by the phone
type Coordinates struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  float64  `json:"accuracy"`
	Speed     *float64 `json:"speed"` // m/s, null when unknown
}

// Position is the wire shape of a geolocation fix
type Position struct {
	Timestamp int64       `json:"timestamp"` // unix milliseconds
	Coords    Coordinates `json:"coords"`
}

// PositionErrorCode follows the geolocation API numbering
type PositionErrorCode int

const (
	PermissionDenied    PositionErrorCode = 1
	PositionUnavailable PositionErrorCode = 2
	PositionTimeout     PositionErrorCode = 3
)

func (c PositionErrorCode) String() string {
	switch c {
	case PermissionDenied:
		return "permission denied"
	case PositionUnavailable:
		return "position unavailable"
	case PositionTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("code %d", int(c))
	}
}

// PositionError is reported by a location sampler or locator
type PositionError struct {
	Code    PositionErrorCode `json:"code"`
	Message string            `json:"message"`
}

func (e *PositionError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Fatal reports whether the error must end the monitoring session
func (e *PositionError) Fatal() bool {
	return e.Code == PermissionDenied
}

// LocationUpdate is the envelope published by the phone for every watch callback
type LocationUpdate struct {
	Position *Position      `json:"position,omitempty"`
	Error    *PositionError `json:"error,omitempty"`
}

// FixRequest asks the phone for a one-shot location fix
type FixRequest struct {
	HighAccuracy bool  `json:"enable_high_accuracy"`
	MaximumAgeMs int64 `json:"maximum_age_ms"`
	TimeoutMs    int64 `json:"timeout_ms"`
}

// AlarmCommand drives the audible speeding alert on the phone
type AlarmCommand struct {
	Action string    `json:"action"` // "start" or "stop"
	Loop   bool      `json:"loop,omitempty"`
	Reason string    `json:"reason,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// ImpactState is the helmet sensor vector: front, back, left, right
type ImpactState [4]bool

var impactLocations = [4]string{"front", "back", "left", "right"}

// ErrImpactShape is returned when an impact payload is not exactly four booleans
var ErrImpactShape = errors.New("expecting a JSON array with 4 boolean elements")

// UnmarshalJSON accepts exactly four JSON booleans
func (s *ImpactState) UnmarshalJSON(data []byte) error {
	var vals []*bool
	if err := json.Unmarshal(data, &vals); err != nil {
		return ErrImpactShape
	}
	if len(vals) != len(s) {
		return ErrImpactShape
	}
	for i, v := range vals {
		if v == nil {
			return ErrImpactShape
		}
		s[i] = *v
	}
	return nil
}

// Any reports whether at least one sensor is active
func (s ImpactState) Any() bool {
	for _, v := range s {
		if v {
			return true
		}
	}
	return false
}

// Locations returns the names of the active sensors
func (s ImpactState) Locations() []string {
	var locs []string
	for i, v := range s {
		if v {
			locs = append(locs, impactLocations[i])
		}
	}
	return locs
}

func (s ImpactState) String() string {
	if !s.Any() {
		return "no impact"
	}
	return "impact at " + strings.Join(s.Locations(), ", ")
}

// ImpactReport is the latest impact state as kept by the backend
type ImpactReport struct {
	ImpactState ImpactState `json:"impactState"`
	LastUpdated *time.Time  `json:"lastUpdated"`
}

// CrashState is the state of the crash fusion engine
type CrashState int

const (
	Idle CrashState = iota
	Armed
	Triggered
)

func (s CrashState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Triggered:
		return "triggered"
	default:
		return fmt.Sprintf("CrashState(%d)", int(s))
	}
}

// AlertRequest is the payload handed to the notification relay
type AlertRequest struct {
	UserName   string   `json:"-"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
	Latitude   *float64 `json:"-"`
	Longitude  *float64 `json:"-"`
}

// RelayResult is the per-recipient (or per-batch) outcome reported by the relay
type RelayResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Number  string `json:"number,omitempty"`
}

// Incident represents a crash decision and the outcome of its alert
type Incident struct {
	ID             string        `json:"id"`
	SessionID      string        `json:"session_id"`
	DetectedAt     time.Time     `json:"detected_at"`
	DecelerationAt time.Time     `json:"deceleration_at"`
	ImpactAt       time.Time     `json:"impact_at"`
	Gap            time.Duration `json:"gap"`
	Latitude       *float64      `json:"latitude,omitempty"`
	Longitude      *float64      `json:"longitude,omitempty"`
	Message        string        `json:"message,omitempty"`
	Sent           int           `json:"sent"`
	Failed         int           `json:"failed"`
	Error          string        `json:"error,omitempty"`
}

// Session represents one monitoring trip
type Session struct {
	ID        string    `json:"id"`
	UserName  string    `json:"user_name"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
}

// SystemStats is a snapshot of the monitor's processing counters
type SystemStats struct {
	Time           time.Time     `json:"time"`
	TotalSamples   uint64        `json:"total_samples"`
	SpeedSamples   uint64        `json:"speed_samples"`
	LocationErrors [3]uint64     `json:"location_errors"` // denied, unavailable, timeout
	ImpactPolls    uint64        `json:"impact_polls"`
	ImpactErrors   uint64        `json:"impact_errors"`
	ImpactEvents   uint64        `json:"impact_events"`
	Decelerations  uint64        `json:"decelerations"`
	Crashes        uint64        `json:"crashes"`
	AlertsSent     uint64        `json:"alerts_sent"`
	AlertsFailed   uint64        `json:"alerts_failed"`
	SpeedingAlerts uint64        `json:"speeding_alerts"`
	ProcessingTime time.Duration `json:"processing_time"`
	LastSampleTime time.Time     `json:"last_sample_time"`
	Uptime         time.Duration `json:"uptime"`
}
