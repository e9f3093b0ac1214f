// Package session owns the monitoring lifecycle. It wires the location
// sampler, the impact receiver and the periodic check into the speed monitor
// and the crash engine, and hands a crash to the alert dispatcher.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saviobatista/crash-alert/internal/alert"
	"github.com/saviobatista/crash-alert/internal/config"
	"github.com/saviobatista/crash-alert/internal/crash"
	"github.com/saviobatista/crash-alert/internal/impact"
	"github.com/saviobatista/crash-alert/internal/location"
	"github.com/saviobatista/crash-alert/internal/relay"
	"github.com/saviobatista/crash-alert/internal/speed"
	"github.com/saviobatista/crash-alert/internal/stats"
	"github.com/saviobatista/crash-alert/internal/status"
	"github.com/saviobatista/crash-alert/internal/types"
)

var (
	ErrNotRunning       = errors.New("monitoring is not running")
	ErrNotTriggered     = errors.New("no crash has been detected")
	ErrDispatchInFlight = errors.New("an alert is already being sent")
)

const (
	statusStarting   = "Status: Starting..."
	statusMonitoring = "Status: Monitoring speed..."
	statusIdle       = "Status: Idle"
	statusCrash      = "Status: CRASH DETECTED!"
	statusDenied     = "Status: Geolocation Permission Denied. Monitoring stopped."

	storeTimeout = 5 * time.Second
)

// SessionStore records monitoring sessions (implemented by *db.Client)
type SessionStore interface {
	CreateSession(ctx context.Context, s *types.Session) error
	EndSession(ctx context.Context, id string, stoppedAt time.Time) error
}

// IncidentSink receives every crash together with its delivery outcome
type IncidentSink interface {
	RecordIncident(ctx context.Context, incident *types.Incident) error
}

// IncidentSinkFunc adapts a function to IncidentSink
type IncidentSinkFunc func(ctx context.Context, incident *types.Incident) error

func (f IncidentSinkFunc) RecordIncident(ctx context.Context, incident *types.Incident) error {
	return f(ctx, incident)
}

// Deps are the collaborators of a Controller. Sampler and Locator are
// required; everything else has a default. Sampler.Start must not invoke the
// handler before it returns.
type Deps struct {
	Sampler   location.Sampler
	Locator   location.Locator
	Alarm     speed.Alarm
	Board     *status.Board
	Stats     *stats.Stats
	Sessions  SessionStore
	Incidents []IncidentSink

	NewSender       func(s config.Settings) alert.Sender
	NewImpactSource func(s config.Settings) impact.Source
}

// Snapshot is a consistent copy of the controller state
type Snapshot struct {
	Running             bool             `json:"running"`
	SessionID           string           `json:"session_id,omitempty"`
	State               types.CrashState `json:"-"`
	StateName           string           `json:"state"`
	Speed               speed.State      `json:"speed"`
	PendingDeceleration time.Time        `json:"pending_deceleration,omitempty"`
	PendingImpact       time.Time        `json:"pending_impact,omitempty"`
	Dispatching         bool             `json:"dispatching"`
	Incident            *types.Incident  `json:"incident,omitempty"`
	View                status.View      `json:"view"`
}

// Controller serializes every state mutation under one mutex. Callbacks carry
// the epoch of the session that registered them and are ignored once it has
// changed, so nothing touches state after Stop returns.
type Controller struct {
	deps Deps
	now  func() time.Time

	mu          sync.Mutex
	settings    config.Settings
	running     bool
	epoch       uint64
	alertGen    uint64
	session     *types.Session
	engine      *crash.Engine
	monitor     *speed.Monitor
	thresholds  crash.Thresholds
	alertCfg    alert.Config
	sender      alert.Sender
	incident    *types.Incident
	dispatching bool
	dispatchGen uint64
	cancel      context.CancelFunc
	sub         location.Subscription
	loops       *sync.WaitGroup // loops of the running session

	background sync.WaitGroup
}

// NewController creates an idle controller with the given settings
func NewController(settings config.Settings, deps Deps) (*Controller, error) {
	if deps.Sampler == nil || deps.Locator == nil {
		return nil, errors.New("session: sampler and locator are required")
	}
	if deps.Alarm == nil {
		deps.Alarm = speed.Silent{}
	}
	if deps.Board == nil {
		deps.Board = status.NewBoard()
	}
	if deps.Stats == nil {
		deps.Stats = stats.New()
	}
	if deps.NewSender == nil {
		deps.NewSender = func(s config.Settings) alert.Sender {
			return relay.NewClient(s.BackendURL, s.RelayProvider, s.RelayTimeout())
		}
	}
	if deps.NewImpactSource == nil {
		deps.NewImpactSource = func(s config.Settings) impact.Source {
			return impact.NewClient(s.BackendURL, nil)
		}
	}
	return &Controller{deps: deps, settings: settings, now: time.Now}, nil
}

// Board returns the status board the controller reports to
func (c *Controller) Board() *status.Board {
	return c.deps.Board
}

// Settings returns the settings used by the next Start
func (c *Controller) Settings() config.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// SetSettings replaces the settings. A running session keeps the snapshot
// it was started with.
func (c *Controller) SetSettings(s config.Settings) {
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
}

// Start validates the settings and begins monitoring. It is a no-op when a
// session is already running. Nothing is changed when validation or the
// sampler start fails.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}

	settings := c.settings
	if err := settings.Validate(); err != nil {
		c.mu.Unlock()
		return err
	}
	engine, err := crash.NewEngine(settings.CorrelationWindow())
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return err
	}

	c.epoch++
	epoch := c.epoch
	sessCtx, cancel := context.WithCancel(context.Background())

	sub, err := c.deps.Sampler.Start(sessCtx, location.WatchOptions, location.Handler{
		OnSample: func(s types.Sample) { c.handleSample(epoch, s) },
		OnError:  func(e *types.PositionError) { c.handleLocationError(epoch, e) },
	})
	if err != nil {
		c.epoch++
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("failed to start location sampler: %w", err)
	}

	c.running = true
	c.alertGen++
	c.dispatching = false
	c.cancel = cancel
	c.sub = sub
	c.engine = engine
	c.engine.Arm()
	c.monitor = speed.NewMonitor(settings.SpeedLimitKmh, c.deps.Alarm)
	c.thresholds = crash.Thresholds{
		MinSpeedBefore:  settings.MinSpeedBeforeKmh,
		MaxSpeedAfter:   settings.MaxSpeedAfterKmh,
		MinDeceleration: settings.MinDecelerationKmh,
	}
	c.alertCfg = alert.Config{
		UserName:   settings.Name(),
		Recipients: settings.Recipients(),
		Endpoint:   settings.BackendURL,
		FixTimeout: settings.LocationFixTimeout(),
	}
	c.sender = c.deps.NewSender(settings)
	c.incident = nil
	c.session = &types.Session{ID: uuid.NewString(), UserName: settings.Name(), StartedAt: c.now()}
	session := *c.session

	c.deps.Board.Update(func(v *status.View) {
		*v = status.Idle()
		v.SessionID = session.ID
		v.Monitoring = true
		v.CrashState = types.Armed.String()
		v.Status = statusStarting
	})

	receiver := impact.NewReceiver(c.deps.NewImpactSource(settings), settings.ImpactPollInterval())
	loops := &sync.WaitGroup{}
	c.loops = loops
	loops.Add(2)
	go func() {
		defer loops.Done()
		receiver.Run(sessCtx, impact.Handler{
			OnState: func(s types.ImpactState) { c.handleImpact(epoch, s) },
			OnError: func(err error) { c.handleImpactError(epoch, err) },
		})
	}()
	go func() {
		defer loops.Done()
		c.runChecks(sessCtx, epoch, settings.CheckInterval())
	}()

	c.deps.Board.Update(func(v *status.View) {
		if v.Status == statusStarting {
			v.Status = statusMonitoring
		}
	})
	c.mu.Unlock()

	log.Printf("Monitoring started (session %s, limit %.0f km/h, window %s)",
		session.ID, settings.SpeedLimitKmh, settings.CorrelationWindow())

	if c.deps.Sessions != nil {
		sctx, scancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := c.deps.Sessions.CreateSession(sctx, &session); err != nil {
			log.Printf("Warning: failed to record session start: %v", err)
		}
		scancel()
	}
	return nil
}

// Stop ends monitoring. It is idempotent. When it returns, the sampler, the
// impact receiver and the check loop have stopped and no callback will
// change state. An alert already being sent is allowed to finish.
func (c *Controller) Stop() error {
	return c.stop(0, statusIdle)
}

// stop tears down the session of the given epoch (0 means the current one)
func (c *Controller) stop(epoch uint64, statusText string) error {
	c.mu.Lock()
	if !c.running || (epoch != 0 && epoch != c.epoch) {
		c.mu.Unlock()
		return nil
	}

	c.running = false
	c.epoch++
	c.monitor.ForceStop()
	c.engine.Disarm()
	cancel, sub, loops := c.cancel, c.sub, c.loops
	c.cancel, c.sub, c.loops = nil, nil, nil
	session := *c.session
	session.StoppedAt = c.now()

	c.deps.Board.Update(func(v *status.View) {
		v.Monitoring = false
		v.CrashState = types.Idle.String()
		v.Speeding = false
		v.Decelerated = false
		v.Impacted = false
		v.Status = statusText
		v.SpeedText = "Speed: 0.0 km/h"
	})
	c.mu.Unlock()

	cancel()
	var err error
	if sub != nil {
		if serr := sub.Stop(); serr != nil {
			err = fmt.Errorf("failed to stop location sampler: %w", serr)
		}
	}
	loops.Wait()

	log.Printf("Monitoring stopped (session %s)", session.ID)

	if c.deps.Sessions != nil {
		sctx, scancel := context.WithTimeout(context.Background(), storeTimeout)
		if serr := c.deps.Sessions.EndSession(sctx, session.ID, session.StoppedAt); serr != nil {
			log.Printf("Warning: failed to record session stop: %v", serr)
		}
		scancel()
	}
	return err
}

// ResetAlert returns a triggered session to Armed: pending events, speed
// memory and the crash display are cleared, the session keeps running.
func (c *Controller) ResetAlert() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return ErrNotRunning
	}
	c.alertGen++
	c.dispatching = false
	c.engine.Arm()
	c.monitor.Reset()
	c.incident = nil
	c.deps.Board.Update(func(v *status.View) {
		v.ClearCrash()
		v.Speeding = false
		v.CrashState = types.Armed.String()
		v.Status = statusMonitoring
	})
	log.Println("Crash alert reset, monitoring resumed")
	return nil
}

// RetryAlert sends the alert for the current crash again. It is only
// allowed while triggered and when no dispatch is in flight.
func (c *Controller) RetryAlert() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case !c.running:
		return ErrNotRunning
	case c.engine.State() != types.Triggered || c.incident == nil:
		return ErrNotTriggered
	case c.dispatching:
		return ErrDispatchInFlight
	}
	log.Printf("Retrying crash alert %s", c.incident.ID)
	c.startDispatchLocked()
	return nil
}

// Snapshot returns a copy of the controller state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Running:     c.running,
		State:       types.Idle,
		Dispatching: c.dispatching,
		View:        c.deps.Board.View(),
	}
	if c.running {
		snap.SessionID = c.session.ID
		snap.State = c.engine.State()
		snap.Speed = c.monitor.State()
		snap.PendingDeceleration, snap.PendingImpact = c.engine.Pending()
	}
	if c.incident != nil {
		inc := *c.incident
		snap.Incident = &inc
	}
	snap.StateName = snap.State.String()
	return snap
}

// Wait blocks until in-flight alert dispatches and asynchronous stops have
// finished.
func (c *Controller) Wait() {
	c.background.Wait()
}

func (c *Controller) current(epoch uint64) bool {
	return c.running && epoch == c.epoch
}

func (c *Controller) handleSample(epoch uint64, s types.Sample) {
	started := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(epoch) {
		return
	}

	c.deps.Stats.ObserveSample(s)
	previous := c.monitor.Previous()
	transition := c.monitor.Observe(s)
	if transition == speed.StartedSpeeding {
		c.deps.Stats.IncrementSpeedingAlerts()
	}

	now := c.now()
	var current *float64
	if s.HasSpeed() {
		current = s.SpeedKmh
	}
	decelerated := false
	if c.engine.State() == types.Armed && crash.Decelerated(previous, current, c.thresholds) {
		c.engine.RecordDeceleration(now)
		c.deps.Stats.IncrementDecelerations()
		decelerated = true
		log.Printf("Sudden stop: speed dropped from %.1f to %.1f km/h", previous, *current)
	}

	speeding := c.monitor.State().Speeding
	c.deps.Board.Update(func(v *status.View) {
		if s.HasSpeed() {
			v.SpeedText = fmt.Sprintf("Speed: %.1f km/h", s.Speed())
		} else {
			v.SpeedText = "Speed: -- km/h"
		}
		v.Speeding = speeding
		if decelerated {
			v.Decelerated = true
		}
		if !v.Crash {
			v.Status = statusMonitoring
		}
	})

	c.evaluateLocked(now)
	c.deps.Stats.AddProcessingTime(time.Since(started))
}

func (c *Controller) handleLocationError(epoch uint64, perr *types.PositionError) {
	c.mu.Lock()
	if !c.current(epoch) {
		c.mu.Unlock()
		return
	}
	c.deps.Stats.IncrementLocationError(perr.Code)

	if perr.Fatal() {
		c.mu.Unlock()
		log.Printf("Location permission denied, stopping session: %v", perr)
		// The sampler cannot be stopped from inside its own handler
		c.background.Add(1)
		go func() {
			defer c.background.Done()
			if err := c.stop(epoch, statusDenied); err != nil {
				log.Printf("Failed to stop session: %v", err)
			}
		}()
		return
	}
	defer c.mu.Unlock()

	log.Printf("Warning: location error: %v", perr)
	// Without a position the speed is unknown, so the speeding alert ends
	c.monitor.Clear()
	c.deps.Board.Update(func(v *status.View) {
		v.SpeedText = "Speed: Error"
		v.Speeding = false
		if !v.Crash {
			v.Status = fmt.Sprintf("Status: Geolocation Error (%d: %s)", int(perr.Code), perr.Message)
		}
	})
}

func (c *Controller) handleImpact(epoch uint64, state types.ImpactState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(epoch) {
		return
	}

	c.deps.Stats.IncrementImpactPolls()
	now := c.now()
	recorded := false
	if state.Any() && c.engine.RecordImpact(now) {
		c.deps.Stats.IncrementImpactEvents()
		recorded = true
		log.Printf("Helmet %s", state)
	}

	c.deps.Board.Update(func(v *status.View) {
		v.ImpactText = "Helmet: " + state.String()
		if recorded {
			v.Impacted = true
		}
	})

	c.evaluateLocked(now)
}

func (c *Controller) handleImpactError(epoch uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(epoch) {
		return
	}

	c.deps.Stats.IncrementImpactPolls()
	c.deps.Stats.IncrementImpactErrors()
	c.deps.Board.Update(func(v *status.View) {
		v.ImpactText = fmt.Sprintf("Helmet: error (%v)", err)
	})
}

func (c *Controller) runChecks(ctx context.Context, epoch uint64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.current(epoch) {
				c.evaluateLocked(c.now())
			}
			c.mu.Unlock()
		}
	}
}

// evaluateLocked runs the engine and applies its decision. Callers hold c.mu.
func (c *Controller) evaluateLocked(now time.Time) {
	d := c.engine.Evaluate(now)
	if d.DecelerationExpired || d.ImpactExpired {
		c.deps.Board.Update(func(v *status.View) {
			if d.DecelerationExpired {
				v.Decelerated = false
			}
			if d.ImpactExpired {
				v.Impacted = false
			}
		})
	}
	if d.Triggered {
		c.onCrashLocked(now, d)
	}
}

func (c *Controller) onCrashLocked(now time.Time, d crash.Decision) {
	c.monitor.ForceStop()
	c.deps.Stats.IncrementCrashes()
	c.incident = &types.Incident{
		ID:             uuid.NewString(),
		SessionID:      c.session.ID,
		DetectedAt:     now,
		DecelerationAt: d.DecelerationAt,
		ImpactAt:       d.ImpactAt,
		Gap:            d.Gap,
	}
	log.Printf("CRASH DETECTED: deceleration and impact %s apart (incident %s)", d.Gap, c.incident.ID)

	c.deps.Board.Update(func(v *status.View) {
		v.Crash = true
		v.Speeding = false
		v.Decelerated = false
		v.Impacted = false
		v.CrashState = types.Triggered.String()
		v.Status = statusCrash
	})
	c.startDispatchLocked()
}

// startDispatchLocked runs one dispatch of the current incident on its own
// goroutine. Callers hold c.mu.
func (c *Controller) startDispatchLocked() {
	if c.dispatching {
		return
	}
	c.dispatching = true
	c.dispatchGen = c.alertGen
	incident := *c.incident
	cfg := c.alertCfg
	sender := c.sender
	reporter := &guardedReporter{c: c, gen: c.alertGen}

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		c.dispatch(incident, cfg, sender, reporter)
	}()
}

func (c *Controller) dispatch(incident types.Incident, cfg alert.Config, sender alert.Sender, reporter *guardedReporter) {
	dispatcher := alert.NewDispatcher(cfg, c.deps.Locator, sender, reporter)
	delivery := dispatcher.Dispatch(context.Background(), alert.Trigger{
		SessionID:  incident.SessionID,
		DetectedAt: incident.DetectedAt,
	})

	if delivery.Fix != nil && delivery.Fix.HasCoordinates() {
		incident.Latitude = delivery.Fix.Latitude
		incident.Longitude = delivery.Fix.Longitude
	}
	incident.Message = delivery.Message
	incident.Sent = delivery.Sent
	incident.Failed = delivery.Failed
	if delivery.Err != nil {
		incident.Error = delivery.Err.Error()
	}
	c.deps.Stats.AddDelivery(delivery.Sent, delivery.Failed)

	for _, sink := range c.deps.Incidents {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := sink.RecordIncident(ctx, &incident); err != nil {
			log.Printf("Warning: failed to record incident %s: %v", incident.ID, err)
		}
		cancel()
	}

	c.mu.Lock()
	if c.dispatchGen == reporter.gen {
		c.dispatching = false
	}
	if c.alertGen == reporter.gen && c.incident != nil && c.incident.ID == incident.ID {
		c.incident = &incident
	}
	c.mu.Unlock()
}

// guardedReporter drops dispatch progress once the alert it belongs to has
// been reset or superseded by a new session.
type guardedReporter struct {
	c   *Controller
	gen uint64
}

func (r *guardedReporter) ShowLocation(text, mapURL string) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.gen == r.c.alertGen {
		r.c.deps.Board.ShowLocation(text, mapURL)
	}
}

func (r *guardedReporter) ShowDelivery(text string) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.gen == r.c.alertGen {
		r.c.deps.Board.ShowDelivery(text)
	}
}
