package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/saviobatista/crash-alert/internal/nats"
	"github.com/saviobatista/crash-alert/internal/storage"
	"github.com/saviobatista/crash-alert/internal/types"
)

// Journal kinds
const (
	kindSample   = "sample"
	kindError    = "location_error"
	kindIncident = "incident"
)

// Subscriber interface for testability
type Subscriber interface {
	SubscribeLocation(handler func(*types.LocationUpdate)) (func() error, error)
	SubscribeIncidents(handler func(*types.Incident)) error
}

// Writer appends one journal record
type Writer interface {
	WriteRecord(kind string, v interface{}) error
}

func main() {
	outputDir, natsURL := parseEnvironment()

	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		log.Printf("Failed to create output directory: %v", err)
		os.Exit(1)
	}

	client, err := nats.New(natsURL)
	if err != nil {
		log.Printf("Failed to create NATS client: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = runLogger(ctx, storage.New(outputDir), client)
	stop()
	log.Println("Shutting down...")
	client.Close()

	if err != nil {
		log.Printf("Logger failed: %v", err)
		os.Exit(1)
	}
}

// parseEnvironment extracts environment variables with defaults
func parseEnvironment() (string, string) {
	outputDir := os.Getenv("OUTPUT_DIR")
	if outputDir == "" {
		outputDir = "./logs" // Default output directory
	}

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://nats:4222" // Default to Docker service name
	}

	return outputDir, natsURL
}

// journalLocation records a sample feed update
func journalLocation(w Writer) func(*types.LocationUpdate) {
	return func(u *types.LocationUpdate) {
		var err error
		switch {
		case u.Position != nil:
			err = w.WriteRecord(kindSample, u.Position)
		case u.Error != nil:
			err = w.WriteRecord(kindError, u.Error)
		default:
			return
		}
		if err != nil {
			log.Printf("Failed to write location: %v", err)
		}
	}
}

// journalIncident records a crash incident
func journalIncident(w Writer) func(*types.Incident) {
	return func(incident *types.Incident) {
		if err := w.WriteRecord(kindIncident, incident); err != nil {
			log.Printf("Failed to write incident %s: %v", incident.ID, err)
		}
	}
}

// runLogger journals samples and incidents until ctx is done
func runLogger(ctx context.Context, journal *storage.Storage, client Subscriber) error {
	if err := journal.Start(); err != nil {
		return fmt.Errorf("failed to start journal: %w", err)
	}
	defer func() {
		if err := journal.Stop(); err != nil {
			log.Printf("Failed to close journal: %v", err)
		}
	}()

	unsubscribe, err := client.SubscribeLocation(journalLocation(journal))
	if err != nil {
		return fmt.Errorf("failed to subscribe to samples: %w", err)
	}
	defer func() {
		if err := unsubscribe(); err != nil {
			log.Printf("Failed to unsubscribe samples: %v", err)
		}
	}()

	if err := client.SubscribeIncidents(journalIncident(journal)); err != nil {
		return fmt.Errorf("failed to subscribe to incidents: %w", err)
	}

	<-ctx.Done()
	return nil
}
