// Package status holds the user-facing view of a monitoring session and
// pushes every change to the attached sinks.
package status

import (
	"context"
	"log"
	"sync"
	"time"
)

// View is everything the monitor shows the rider
type View struct {
	SessionID    string    `json:"session_id,omitempty"`
	Monitoring   bool      `json:"monitoring"`
	CrashState   string    `json:"crash_state"`
	SpeedText    string    `json:"speed_text"`
	Status       string    `json:"status"`
	Speeding     bool      `json:"speeding"`
	Decelerated  bool      `json:"decelerated"`
	Impacted     bool      `json:"impacted"`
	Crash        bool      `json:"crash"`
	ImpactText   string    `json:"impact_text"`
	LocationText string    `json:"location_text,omitempty"`
	MapURL       string    `json:"map_url,omitempty"`
	DeliveryText string    `json:"delivery_text,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Idle is the view shown before monitoring starts
func Idle() View {
	return View{
		CrashState: "idle",
		SpeedText:  "Speed: -- km/h",
		Status:     "Status: Idle",
		ImpactText: "Helmet: --",
	}
}

// ClearCrash removes the crash indicators and the alert details
func (v *View) ClearCrash() {
	v.Crash = false
	v.Decelerated = false
	v.Impacted = false
	v.LocationText = ""
	v.MapURL = ""
	v.DeliveryText = ""
}

// Sink receives view snapshots
type Sink interface {
	Publish(ctx context.Context, v View) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, v View) error

// Publish calls f
func (f SinkFunc) Publish(ctx context.Context, v View) error {
	return f(ctx, v)
}

// Board is the current view plus its sinks. Updates never block on sinks:
// Run pushes the latest snapshot, coalescing bursts.
type Board struct {
	mu      sync.RWMutex
	view    View
	sinks   []Sink
	changed chan struct{}
	now     func() time.Time
}

// NewBoard creates a board in the idle view
func NewBoard(sinks ...Sink) *Board {
	b := &Board{
		sinks:   sinks,
		changed: make(chan struct{}, 1),
		now:     time.Now,
	}
	b.view = Idle()
	b.view.UpdatedAt = b.now()
	return b
}

// View returns a snapshot of the current view
func (b *Board) View() View {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.view
}

// Update applies fn to the view and schedules publication
func (b *Board) Update(fn func(v *View)) {
	b.mu.Lock()
	fn(&b.view)
	b.view.UpdatedAt = b.now()
	b.mu.Unlock()

	select {
	case b.changed <- struct{}{}:
	default:
	}
}

// ShowLocation sets the crash location line
func (b *Board) ShowLocation(text, mapURL string) {
	b.Update(func(v *View) {
		v.LocationText = text
		v.MapURL = mapURL
	})
}

// ShowDelivery sets the alert delivery line
func (b *Board) ShowDelivery(text string) {
	b.Update(func(v *View) {
		v.DeliveryText = text
	})
}

// Run publishes snapshots to every sink until ctx is done. Sink errors are
// logged and never stop publication.
func (b *Board) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.changed:
			b.publish(ctx, b.View())
		}
	}
}

func (b *Board) publish(ctx context.Context, v View) {
	for _, sink := range b.sinks {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := sink.Publish(pctx, v); err != nil {
			log.Printf("Warning: failed to publish status: %v", err)
		}
		cancel()
	}
}
