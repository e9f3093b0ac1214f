// Package alert acquires a location, composes the crash message and hands it
// to the SMS relay in a single attempt.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/saviobatista/crash-alert/internal/location"
	"github.com/saviobatista/crash-alert/internal/relay"
	"github.com/saviobatista/crash-alert/internal/types"
)

// ErrConfig is returned when the alert cannot be sent because required
// configuration is missing. No network call is made.
var ErrConfig = errors.New("alert configuration error")

const defaultUserName = "User"

// Sender submits an alert to the relay
type Sender interface {
	Send(ctx context.Context, recipients []string, message string) ([]types.RelayResult, error)
}

// Reporter displays dispatch progress
type Reporter interface {
	ShowLocation(text, mapURL string)
	ShowDelivery(text string)
}

// Config holds what the dispatcher needs from the user settings
type Config struct {
	UserName   string
	Recipients []string
	Endpoint   string
	FixTimeout time.Duration
}

// Trigger describes the crash decision being reported
type Trigger struct {
	SessionID  string
	DetectedAt time.Time
}

// Delivery is the outcome of a dispatch
type Delivery struct {
	Fix      *types.Sample
	FixErr   error
	Message  string
	Results  []types.RelayResult
	Sent     int
	Failed   int
	Err      error
	Finished time.Time
}

// Dispatcher sends crash alerts
type Dispatcher struct {
	cfg      Config
	locator  location.Locator
	sender   Sender
	reporter Reporter
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. reporter may be nil.
func NewDispatcher(cfg Config, locator location.Locator, sender Sender, reporter Reporter) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		locator:  locator,
		sender:   sender,
		reporter: reporter,
		now:      time.Now,
	}
}

// Dispatch runs one alert attempt. It never retries.
func (d *Dispatcher) Dispatch(ctx context.Context, trigger Trigger) Delivery {
	var delivery Delivery
	defer func() { delivery.Finished = d.now() }()

	d.showLocation("Fetching location...", "")
	fix, err := d.locator.Locate(ctx, location.FixOptions(d.cfg.FixTimeout))
	if err == nil && !fix.HasCoordinates() {
		err = &types.PositionError{Code: types.PositionUnavailable, Message: "fix without coordinates"}
	}
	if err != nil {
		delivery.FixErr = err
		log.Printf("Warning: crash location unavailable: %v", err)
		d.showLocation(fmt.Sprintf("Location: Error fetching location (%s)", positionMessage(err)), "")
	} else {
		delivery.Fix = &fix
		lat, lon := *fix.Latitude, *fix.Longitude
		d.showLocation("Location: "+LocationText(lat, lon), MapURL(lat, lon))
	}

	if err := d.validate(); err != nil {
		delivery.Err = err
		d.showDelivery("Alert not sent: " + err.Error())
		return delivery
	}

	delivery.Message = Compose(d.userName(), trigger.DetectedAt, delivery.Fix)
	d.showDelivery(fmt.Sprintf("Sending alert to %d contact(s)...", len(d.cfg.Recipients)))

	results, err := d.sender.Send(ctx, d.cfg.Recipients, delivery.Message)
	if err != nil {
		delivery.Err = err
		log.Printf("Failed to send crash alert: %v", err)
		d.showDelivery("Alert failed: " + err.Error())
		return delivery
	}

	delivery.Results = results
	delivery.Sent, delivery.Failed = relay.Count(results)
	d.showDelivery(fmt.Sprintf("Alert sent to %d contact(s), %d failed", delivery.Sent, delivery.Failed))
	return delivery
}

func (d *Dispatcher) validate() error {
	var problems []string
	if strings.TrimSpace(d.cfg.Endpoint) == "" {
		problems = append(problems, "relay endpoint is not configured")
	}
	if len(d.cfg.Recipients) == 0 {
		problems = append(problems, "no emergency contacts saved")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (d *Dispatcher) userName() string {
	if name := strings.TrimSpace(d.cfg.UserName); name != "" {
		return name
	}
	return defaultUserName
}

func (d *Dispatcher) showLocation(text, mapURL string) {
	if d.reporter != nil {
		d.reporter.ShowLocation(text, mapURL)
	}
}

func (d *Dispatcher) showDelivery(text string) {
	if d.reporter != nil {
		d.reporter.ShowDelivery(text)
	}
}

func positionMessage(err error) string {
	var perr *types.PositionError
	if errors.As(err, &perr) && perr.Message != "" {
		return perr.Message
	}
	return err.Error()
}
