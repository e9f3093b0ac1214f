package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/saviobatista/crash-alert/internal/location"
	"github.com/saviobatista/crash-alert/internal/nats"
	"github.com/saviobatista/crash-alert/internal/types"
)

// NATSClient interface for testability
type NATSClient interface {
	PublishLocation(update *types.LocationUpdate) error
	ServeFixRequests(handler func(types.FixRequest) *types.LocationUpdate) (func() error, error)
}

// parseEnvironment reads the GPS sources and the NATS URL
func parseEnvironment() ([]string, string, error) {
	var sources []string
	for _, s := range strings.Split(os.Getenv("GPS_SOURCE"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			sources = append(sources, s)
		}
	}
	if len(sources) == 0 {
		return nil, "", fmt.Errorf("GPS_SOURCE environment variable is required")
	}

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://nats:4222" // Default to Docker service name
	}

	return sources, natsURL, nil
}

// forward republishes every sample and receiver error on the sample feed
func forward(client NATSClient) location.Handler {
	return location.Handler{
		OnSample: func(s types.Sample) {
			pos := location.ToPosition(s)
			if pos == nil {
				return
			}
			if err := client.PublishLocation(&types.LocationUpdate{Position: pos}); err != nil {
				log.Printf("Failed to publish location: %v", err)
			}
		},
		OnError: func(perr *types.PositionError) {
			if err := client.PublishLocation(&types.LocationUpdate{Error: perr}); err != nil {
				log.Printf("Failed to publish location error: %v", err)
			}
		},
	}
}

// answerFix serves one-shot fix requests from the receiver
func answerFix(ctx context.Context, locator location.Locator) func(types.FixRequest) *types.LocationUpdate {
	return func(req types.FixRequest) *types.LocationUpdate {
		opts := location.Options{
			HighAccuracy: req.HighAccuracy,
			MaximumAge:   time.Duration(req.MaximumAgeMs) * time.Millisecond,
			Timeout:      time.Duration(req.TimeoutMs) * time.Millisecond,
		}
		sample, err := locator.Locate(ctx, opts)
		if err != nil {
			return &types.LocationUpdate{Error: location.AsPositionError(err)}
		}
		pos := location.ToPosition(sample)
		if pos == nil {
			return &types.LocationUpdate{Error: &types.PositionError{Code: types.PositionUnavailable, Message: "fix without coordinates"}}
		}
		return &types.LocationUpdate{Position: pos}
	}
}

// run streams the receiver to NATS until ctx is done
func run(ctx context.Context, gps *location.NMEASampler, client NATSClient) error {
	sub, err := gps.Start(ctx, location.WatchOptions, forward(client))
	if err != nil {
		return fmt.Errorf("failed to start GPS receiver: %w", err)
	}
	defer func() {
		if err := sub.Stop(); err != nil {
			log.Printf("Failed to stop GPS receiver: %v", err)
		}
	}()

	unsubscribe, err := client.ServeFixRequests(answerFix(ctx, gps))
	if err != nil {
		return fmt.Errorf("failed to serve fix requests: %w", err)
	}
	defer func() {
		if err := unsubscribe(); err != nil {
			log.Printf("Failed to unsubscribe fix requests: %v", err)
		}
	}()

	<-ctx.Done()
	return nil
}

func main() {
	sources, natsURL, err := parseEnvironment()
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	client, err := nats.New(natsURL)
	if err != nil {
		log.Printf("Failed to create NATS client: %v", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Streaming GPS from %s", strings.Join(sources, ", "))
	if err := run(ctx, location.NewNMEASampler(sources), client); err != nil {
		log.Printf("Ingestor failed: %v", err)
		stop()
		client.Close()
		os.Exit(1)
	}
	log.Println("Shutting down...")
}
