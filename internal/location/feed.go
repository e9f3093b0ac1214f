package location

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/saviobatista/crash-alert/internal/types"
)

// Feed delivers location updates published by the phone
type Feed interface {
	SubscribeLocation(handler func(*types.LocationUpdate)) (unsubscribe func() error, err error)
}

// FixRequester asks the phone for a one-shot fix
type FixRequester interface {
	RequestFix(ctx context.Context, req types.FixRequest) (*types.LocationUpdate, error)
}

// FeedSampler samples the phone's location feed
type FeedSampler struct {
	feed Feed
	now  func() time.Time
}

// NewFeedSampler creates a sampler over feed
func NewFeedSampler(feed Feed) *FeedSampler {
	return &FeedSampler{feed: feed, now: time.Now}
}

// Start subscribes to the feed. Updates older than opts.MaximumAge are dropped.
func (f *FeedSampler) Start(ctx context.Context, opts Options, h Handler) (Subscription, error) {
	var (
		mu          sync.Mutex
		unsubscribe func() error
	)
	sub := newSubscription(ctx, opts, h, func() error {
		mu.Lock()
		defer mu.Unlock()
		if unsubscribe == nil {
			return nil
		}
		return unsubscribe()
	})

	unsub, err := f.feed.SubscribeLocation(func(update *types.LocationUpdate) {
		switch {
		case update == nil:
			return
		case update.Error != nil:
			sub.fail(update.Error)
		case update.Position != nil:
			sample := FromPosition(*update.Position)
			if opts.MaximumAge > 0 && f.now().Sub(sample.Timestamp) > opts.MaximumAge {
				return
			}
			sub.emit(sample)
		}
	})
	if err != nil {
		sub.Stop()
		return nil, fmt.Errorf("failed to subscribe to location feed: %w", err)
	}
	mu.Lock()
	stopped := sub.stopped.Load()
	if !stopped {
		unsubscribe = unsub
	}
	mu.Unlock()
	if stopped {
		// ctx ended while subscribing
		unsub()
	}
	return sub, nil
}

// FeedLocator requests one-shot fixes from the phone
type FeedLocator struct {
	requester FixRequester
}

// NewFeedLocator creates a locator over requester
func NewFeedLocator(requester FixRequester) *FeedLocator {
	return &FeedLocator{requester: requester}
}

// Locate returns a fix or a *types.PositionError
func (l *FeedLocator) Locate(ctx context.Context, opts Options) (types.Sample, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	update, err := l.requester.RequestFix(ctx, types.FixRequest{
		HighAccuracy: opts.HighAccuracy,
		MaximumAgeMs: opts.MaximumAge.Milliseconds(),
		TimeoutMs:    opts.Timeout.Milliseconds(),
	})
	if err != nil {
		return types.Sample{}, AsPositionError(err)
	}
	if update.Error != nil {
		return types.Sample{}, update.Error
	}
	if update.Position == nil {
		return types.Sample{}, &types.PositionError{Code: types.PositionUnavailable, Message: "empty location reply"}
	}
	return FromPosition(*update.Position), nil
}
