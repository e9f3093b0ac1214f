package stats

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saviobatista/crash-alert/internal/types"
)

// ErrNoStore is returned by Persist when no store has been set
var ErrNoStore = errors.New("database client not set")

// Store persists counter snapshots (implemented by *db.Client)
type Store interface {
	StoreSystemStats(stats *types.SystemStats) error
}

// Stats tracks the monitor's processing counters
type Stats struct {
	TotalSamples   uint64
	SpeedSamples   uint64
	LocationErrors [3]uint64 // indexed by position error code - 1
	ImpactPolls    uint64
	ImpactErrors   uint64
	ImpactEvents   uint64
	Decelerations  uint64
	Crashes        uint64
	AlertsSent     uint64
	AlertsFailed   uint64
	SpeedingAlerts uint64

	startedAt      time.Time
	lastSampleTime time.Time
	processingTime time.Duration

	store Store
	now   func() time.Time
	mu    sync.RWMutex
}

// New creates a new Stats instance
func New() *Stats {
	return &Stats{startedAt: time.Now(), now: time.Now}
}

// SetDB sets the store used by Persist
func (s *Stats) SetDB(store Store) {
	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
}

// Persist stores the current counters
func (s *Stats) Persist() error {
	s.mu.RLock()
	store := s.store
	s.mu.RUnlock()
	if store == nil {
		return ErrNoStore
	}
	return store.StoreSystemStats(s.Snapshot())
}

// ObserveSample counts a location sample and whether it carried a speed
func (s *Stats) ObserveSample(sample types.Sample) {
	atomic.AddUint64(&s.TotalSamples, 1)
	if sample.HasSpeed() {
		atomic.AddUint64(&s.SpeedSamples, 1)
	}
	s.mu.Lock()
	s.lastSampleTime = s.now()
	s.mu.Unlock()
}

// IncrementLocationError counts a sampler error by code
func (s *Stats) IncrementLocationError(code types.PositionErrorCode) {
	i := int(code) - 1
	if i >= 0 && i < len(s.LocationErrors) {
		atomic.AddUint64(&s.LocationErrors[i], 1)
	}
}

// IncrementImpactPolls counts a completed impact poll
func (s *Stats) IncrementImpactPolls() {
	atomic.AddUint64(&s.ImpactPolls, 1)
}

// IncrementImpactErrors counts a failed impact poll
func (s *Stats) IncrementImpactErrors() {
	atomic.AddUint64(&s.ImpactErrors, 1)
}

// IncrementImpactEvents counts an impact recorded by the engine
func (s *Stats) IncrementImpactEvents() {
	atomic.AddUint64(&s.ImpactEvents, 1)
}

// IncrementDecelerations counts a deceleration recorded by the engine
func (s *Stats) IncrementDecelerations() {
	atomic.AddUint64(&s.Decelerations, 1)
}

// IncrementCrashes counts a crash trigger
func (s *Stats) IncrementCrashes() {
	atomic.AddUint64(&s.Crashes, 1)
}

// IncrementSpeedingAlerts counts a speeding edge
func (s *Stats) IncrementSpeedingAlerts() {
	atomic.AddUint64(&s.SpeedingAlerts, 1)
}

// AddDelivery adds the per-recipient outcome of an alert
func (s *Stats) AddDelivery(sent, failed int) {
	if sent > 0 {
		atomic.AddUint64(&s.AlertsSent, uint64(sent))
	}
	if failed > 0 {
		atomic.AddUint64(&s.AlertsFailed, uint64(failed))
	}
}

// AddProcessingTime adds to the total processing time
func (s *Stats) AddProcessingTime(d time.Duration) {
	s.mu.Lock()
	s.processingTime += d
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counters
func (s *Stats) Snapshot() *types.SystemStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	snap := &types.SystemStats{
		Time:           now,
		TotalSamples:   atomic.LoadUint64(&s.TotalSamples),
		SpeedSamples:   atomic.LoadUint64(&s.SpeedSamples),
		ImpactPolls:    atomic.LoadUint64(&s.ImpactPolls),
		ImpactErrors:   atomic.LoadUint64(&s.ImpactErrors),
		ImpactEvents:   atomic.LoadUint64(&s.ImpactEvents),
		Decelerations:  atomic.LoadUint64(&s.Decelerations),
		Crashes:        atomic.LoadUint64(&s.Crashes),
		AlertsSent:     atomic.LoadUint64(&s.AlertsSent),
		AlertsFailed:   atomic.LoadUint64(&s.AlertsFailed),
		SpeedingAlerts: atomic.LoadUint64(&s.SpeedingAlerts),
		ProcessingTime: s.processingTime,
		LastSampleTime: s.lastSampleTime,
		Uptime:         now.Sub(s.startedAt),
	}
	for i := range s.LocationErrors {
		snap.LocationErrors[i] = atomic.LoadUint64(&s.LocationErrors[i])
	}
	return snap
}

// String returns a string representation of the statistics
func (s *Stats) String() string {
	snap := s.Snapshot()
	last := "never"
	if !snap.LastSampleTime.IsZero() {
		last = snap.LastSampleTime.Format(time.RFC3339)
	}
	return fmt.Sprintf(
		"Samples: %d (%d with speed)\n"+
			"Location Errors: denied=%d unavailable=%d timeout=%d\n"+
			"Impact Polls: %d (%d failed, %d impacts)\n"+
			"Decelerations: %d\n"+
			"Crashes: %d\n"+
			"Alerts: %d sent, %d failed\n"+
			"Speeding Alerts: %d\n"+
			"Last Sample: %s\n"+
			"Processing Time: %s\n"+
			"Uptime: %s",
		snap.TotalSamples, snap.SpeedSamples,
		snap.LocationErrors[0], snap.LocationErrors[1], snap.LocationErrors[2],
		snap.ImpactPolls, snap.ImpactErrors, snap.ImpactEvents,
		snap.Decelerations,
		snap.Crashes,
		snap.AlertsSent, snap.AlertsFailed,
		snap.SpeedingAlerts,
		last,
		snap.ProcessingTime,
		snap.Uptime.Truncate(time.Second),
	)
}

// StartPersistence persists the counters every interval until ctx is done,
// with a final write on shutdown.
func (s *Stats) StartPersistence(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Persist(); err != nil {
				log.Printf("Failed to persist final statistics: %v", err)
			}
			return
		case <-ticker.C:
			if err := s.Persist(); err != nil {
				log.Printf("Failed to persist statistics: %v", err)
			}
		}
	}
}
