package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/saviobatista/crash-alert/internal/alert"
	"github.com/saviobatista/crash-alert/internal/backend"
	"github.com/saviobatista/crash-alert/internal/config"
	"github.com/saviobatista/crash-alert/internal/redis"
	"github.com/saviobatista/crash-alert/internal/sms"
)

const (
	gatewayTimeout  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

// impactStore uses Redis when it is reachable so several backend instances
// share one helmet state, and process memory otherwise.
func impactStore(addr string) (backend.ImpactStore, func() error) {
	if addr != "" {
		client, err := redis.New(addr)
		if err == nil {
			return client, client.Close
		}
		log.Printf("Warning: Redis unavailable, keeping impact state in memory: %v", err)
	}
	return &backend.MemoryImpactStore{}, func() error { return nil }
}

func newServer(cfg *config.Backend, store backend.ImpactStore) *http.Server {
	provider := sms.NewPhilSMS(cfg.PhilSMSURL, cfg.PhilSMSToken, cfg.PhilSMSSender, gatewayTimeout)
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           backend.NewServer(store, provider).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Printf("Backend listening on %s", srv.Addr)
	log.Printf("Helmet should POST to /api/impact, monitor polls /api/latest-impact and sends via /api/send-philsms")
	log.Printf("Current server time in the Philippines: %s", alert.FormatTime(time.Now()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("backend server failed: %w", err)
	case <-ctx.Done():
	}

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	cfg, err := config.LoadBackend()
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	store, closeStore := impactStore(cfg.RedisAddr)
	defer func() {
		if err := closeStore(); err != nil {
			fmt.Fprintf(os.Stderr, "error closing impact store: %v\n", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runServer(ctx, newServer(cfg, store)); err != nil {
		log.Printf("Backend failed: %v", err)
		stop()
		closeStore()
		os.Exit(1)
	}
}
