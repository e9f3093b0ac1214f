package location

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/saviobatista/crash-alert/internal/capture"
	"github.com/saviobatista/crash-alert/internal/parser"
	"github.com/saviobatista/crash-alert/internal/types"
)

// LineSource produces raw NMEA sentences
type LineSource interface {
	Start() error
	Stop()
	Messages() <-chan capture.Message
}

// NMEASampler samples a GPS receiver speaking NMEA. It is also a Locator:
// a fix request is answered by the next valid RMC fix while sampling runs.
type NMEASampler struct {
	newSource func() LineSource
	now       func() time.Time

	mu     sync.Mutex
	active int // subscriptions not yet stopped
	last   *types.Sample
	fixed  chan struct{}
}

// NewNMEASampler creates a sampler reading from the given capture sources
func NewNMEASampler(sources []string) *NMEASampler {
	return NewNMEASamplerWithSource(func() LineSource {
		return capture.New(sources)
	})
}

// NewNMEASamplerWithSource creates a sampler with a custom line source factory
func NewNMEASamplerWithSource(newSource func() LineSource) *NMEASampler {
	return &NMEASampler{
		newSource: newSource,
		now:       time.Now,
		fixed:     make(chan struct{}),
	}
}

// Start opens a fresh line source and parses sentences until stopped
func (n *NMEASampler) Start(ctx context.Context, opts Options, h Handler) (Subscription, error) {
	src := n.newSource()
	if err := src.Start(); err != nil {
		return nil, fmt.Errorf("failed to start gps source: %w", err)
	}

	n.mu.Lock()
	n.active++
	n.last = nil
	n.mu.Unlock()

	consumed := make(chan struct{})
	sub := newSubscription(ctx, opts, h, func() error {
		src.Stop()
		<-consumed
		n.mu.Lock()
		n.active--
		n.mu.Unlock()
		return nil
	})

	go func() {
		defer close(consumed)
		for msg := range src.Messages() {
			n.handleLine(sub, msg)
		}
	}()

	return sub, nil
}

func (n *NMEASampler) handleLine(sub *subscription, msg capture.Message) {
	sample, err := parser.ParseSentence(string(msg.Data), msg.Timestamp)
	switch {
	case errors.Is(err, parser.ErrNoFix):
		sub.alive()
		sub.fail(&types.PositionError{Code: types.PositionUnavailable, Message: "gps receiver has no fix"})
		return
	case err != nil:
		log.Printf("Warning: dropping sentence from %s: %v", msg.Source, err)
		return
	case sample == nil:
		// Sentence without speed; the receiver is still talking
		sub.alive()
		return
	}

	n.mu.Lock()
	n.last = sample
	close(n.fixed)
	n.fixed = make(chan struct{})
	n.mu.Unlock()

	sub.emit(*sample)
}

// Locate waits for the next valid fix, or returns a cached one younger than
// opts.MaximumAge.
func (n *NMEASampler) Locate(ctx context.Context, opts Options) (types.Sample, error) {
	n.mu.Lock()
	if n.active == 0 {
		n.mu.Unlock()
		return types.Sample{}, &types.PositionError{Code: types.PositionUnavailable, Message: "gps receiver is not running"}
	}
	if n.last != nil && opts.MaximumAge > 0 && n.now().Sub(n.last.Timestamp) <= opts.MaximumAge {
		s := *n.last
		n.mu.Unlock()
		return s, nil
	}
	fixed := n.fixed
	n.mu.Unlock()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-fixed:
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.last == nil {
			return types.Sample{}, &types.PositionError{Code: types.PositionUnavailable, Message: "gps receiver stopped"}
		}
		return *n.last, nil
	case <-timeout:
		return types.Sample{}, &types.PositionError{Code: types.PositionTimeout, Message: fmt.Sprintf("no fix within %s", opts.Timeout)}
	case <-ctx.Done():
		return types.Sample{}, AsPositionError(ctx.Err())
	}
}
