// Package location turns position streams into speed samples and answers
// one-shot location requests.
package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saviobatista/crash-alert/internal/types"
)

// MpsToKmh converts metres per second to km/h
const MpsToKmh = 3.6

// Options mirror the geolocation watch options
type Options struct {
	HighAccuracy bool
	MaximumAge   time.Duration
	Timeout      time.Duration
}

// WatchOptions are used for the continuous sample stream
var WatchOptions = Options{HighAccuracy: true, MaximumAge: 5 * time.Second, Timeout: 10 * time.Second}

// FixOptions returns options for a fresh, non-cached, high-accuracy fix
func FixOptions(timeout time.Duration) Options {
	return Options{HighAccuracy: true, MaximumAge: 0, Timeout: timeout}
}

// Handler receives samples and errors from a sampler. Either field may be nil.
type Handler struct {
	OnSample func(types.Sample)
	OnError  func(*types.PositionError)
}

// Sampler starts a continuous stream of samples
type Sampler interface {
	Start(ctx context.Context, opts Options, h Handler) (Subscription, error)
}

// Subscription cancels a running sampler. Stop is idempotent and no handler
// is invoked by the subscription once Stop has returned.
type Subscription interface {
	Stop() error
}

// Locator acquires a single position fix
type Locator interface {
	Locate(ctx context.Context, opts Options) (types.Sample, error)
}

// FromPosition converts a geolocation fix into a sample. Missing or negative
// speed means no reading.
func FromPosition(p types.Position) types.Sample {
	lat, lon, acc := p.Coords.Latitude, p.Coords.Longitude, p.Coords.Accuracy
	s := types.Sample{
		Timestamp: time.UnixMilli(p.Timestamp),
		Latitude:  &lat,
		Longitude: &lon,
		Accuracy:  &acc,
	}
	if p.Coords.Speed != nil && *p.Coords.Speed >= 0 {
		kmh := *p.Coords.Speed * MpsToKmh
		s.SpeedKmh = &kmh
	}
	return s
}

// ToPosition converts a sample into the wire shape used on the sample feed.
// It returns nil when the sample has no coordinates.
func ToPosition(s types.Sample) *types.Position {
	if !s.HasCoordinates() {
		return nil
	}
	p := &types.Position{
		Timestamp: s.Timestamp.UnixMilli(),
		Coords:    types.Coordinates{Latitude: *s.Latitude, Longitude: *s.Longitude},
	}
	if s.Accuracy != nil {
		p.Coords.Accuracy = *s.Accuracy
	}
	if s.HasSpeed() {
		speed := *s.SpeedKmh / MpsToKmh
		p.Coords.Speed = &speed
	}
	return p
}

// AsPositionError converts err into a position error, mapping context
// deadlines to Timeout and anything else to Unavailable.
func AsPositionError(err error) *types.PositionError {
	if err == nil {
		return nil
	}
	var perr *types.PositionError
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &types.PositionError{Code: types.PositionTimeout, Message: "location request timed out"}
	}
	return &types.PositionError{Code: types.PositionUnavailable, Message: err.Error()}
}

// subscription carries the state shared by every sampler: stop-once, the
// no-position watchdog and handler gating.
type subscription struct {
	handler Handler
	timeout time.Duration
	timer   *time.Timer
	stopped atomic.Bool
	done    chan struct{}
	once    sync.Once
	onStop  func() error
	stopErr error
}

func newSubscription(ctx context.Context, opts Options, h Handler, onStop func() error) *subscription {
	s := &subscription{
		handler: h,
		timeout: opts.Timeout,
		done:    make(chan struct{}),
		onStop:  onStop,
	}
	if s.timeout > 0 {
		s.timer = time.AfterFunc(s.timeout, s.timedOut)
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()
	return s
}

func (s *subscription) alive() {
	if s.timer != nil && !s.stopped.Load() {
		s.timer.Reset(s.timeout)
	}
}

func (s *subscription) timedOut() {
	s.fail(&types.PositionError{
		Code:    types.PositionTimeout,
		Message: fmt.Sprintf("no position within %s", s.timeout),
	})
	s.alive()
}

func (s *subscription) emit(sample types.Sample) {
	if s.stopped.Load() {
		return
	}
	s.alive()
	if s.handler.OnSample != nil {
		s.handler.OnSample(sample)
	}
}

func (s *subscription) fail(err *types.PositionError) {
	if s.stopped.Load() {
		return
	}
	if s.handler.OnError != nil {
		s.handler.OnError(err)
	}
}

func (s *subscription) Stop() error {
	s.once.Do(func() {
		s.stopped.Store(true)
		close(s.done)
		if s.timer != nil {
			s.timer.Stop()
		}
		if s.onStop != nil {
			s.stopErr = s.onStop()
		}
	})
	return s.stopErr
}
