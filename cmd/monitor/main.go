package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/saviobatista/crash-alert/internal/api"
	"github.com/saviobatista/crash-alert/internal/config"
	"github.com/saviobatista/crash-alert/internal/db"
	"github.com/saviobatista/crash-alert/internal/location"
	"github.com/saviobatista/crash-alert/internal/nats"
	"github.com/saviobatista/crash-alert/internal/redis"
	"github.com/saviobatista/crash-alert/internal/session"
	"github.com/saviobatista/crash-alert/internal/speed"
	"github.com/saviobatista/crash-alert/internal/stats"
	"github.com/saviobatista/crash-alert/internal/status"
	"github.com/saviobatista/crash-alert/internal/types"
	"github.com/saviobatista/crash-alert/internal/websocket"
)

const (
	statsInterval    = 5 * time.Minute
	statsLogInterval = time.Minute
	shutdownTimeout  = 10 * time.Second
)

// clients are the optional backing services. Any of them may be nil.
type clients struct {
	nats  *nats.Client
	db    *db.Client
	redis *redis.Client
}

func (c *clients) close() {
	if c.nats != nil {
		c.nats.Close()
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "error closing dbClient: %v\n", err)
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "error closing redisClient: %v\n", err)
		}
	}
}

// connectClients connects to every configured service. NATS is required
// unless a local GPS source is configured; the database and Redis only add
// history and status caching, so their failures are warnings.
func connectClients(cfg *config.Config) (*clients, error) {
	c := &clients{}

	natsClient, err := nats.New(cfg.NATSURL)
	switch {
	case err == nil:
		c.nats = natsClient
	case cfg.GPSSource == "":
		return nil, fmt.Errorf("failed to create NATS client: %w", err)
	default:
		log.Printf("Warning: NATS unavailable, running without alarm commands and incident stream: %v", err)
	}

	if cfg.DBConnStr != "" {
		dbClient, err := db.New(cfg.DBConnStr)
		if err != nil {
			log.Printf("Warning: database unavailable, sessions and incidents will not be stored: %v", err)
		} else {
			c.db = dbClient
		}
	}

	if cfg.RedisAddr != "" {
		redisClient, err := redis.New(cfg.RedisAddr)
		if err != nil {
			log.Printf("Warning: Redis unavailable, status will not be cached: %v", err)
		} else {
			c.redis = redisClient
		}
	}

	return c, nil
}

// locationSource picks the local NMEA receiver when GPS_SOURCE is set and the
// phone feed over NATS otherwise.
func locationSource(cfg *config.Config, natsClient *nats.Client) (location.Sampler, location.Locator, error) {
	if cfg.GPSSource != "" {
		var sources []string
		for _, s := range strings.Split(cfg.GPSSource, ",") {
			if s = strings.TrimSpace(s); s != "" {
				sources = append(sources, s)
			}
		}
		if len(sources) == 0 {
			return nil, nil, fmt.Errorf("%w: GPS_SOURCE has no usable entries", config.ErrInvalid)
		}
		gps := location.NewNMEASampler(sources)
		return gps, gps, nil
	}
	if natsClient == nil {
		return nil, nil, errors.New("no location source: set GPS_SOURCE or NATS_URL")
	}
	return location.NewFeedSampler(natsClient), location.NewFeedLocator(natsClient), nil
}

// buildController wires the session controller to whatever services are up
func buildController(cfg *config.Config, c *clients, board *status.Board, st *stats.Stats) (*session.Controller, error) {
	sampler, locator, err := locationSource(cfg, c.nats)
	if err != nil {
		return nil, err
	}

	deps := session.Deps{
		Sampler: sampler,
		Locator: locator,
		Alarm:   speed.Silent{},
		Board:   board,
		Stats:   st,
	}
	if c.nats != nil {
		natsClient := c.nats
		deps.Alarm = speed.NewCommandAlarm(natsClient)
		deps.Incidents = append(deps.Incidents, session.IncidentSinkFunc(func(ctx context.Context, incident *types.Incident) error {
			return natsClient.PublishIncident(incident)
		}))
	}
	if c.db != nil {
		deps.Sessions = c.db
		deps.Incidents = append(deps.Incidents, c.db)
	}

	return session.NewController(cfg.Settings, deps)
}

// statusSinks returns where status updates are pushed
func statusSinks(c *clients, hub *websocket.Hub) []status.Sink {
	sinks := []status.Sink{status.SinkFunc(hub.PublishStatus)}
	if c.redis != nil {
		sinks = append(sinks, status.SinkFunc(c.redis.SaveStatus))
	}
	return sinks
}

// SessionCloser finds and ends sessions (implemented by *db.Client)
type SessionCloser interface {
	GetActiveSessions(ctx context.Context) ([]*types.Session, error)
	EndSession(ctx context.Context, id string, stoppedAt time.Time) error
}

// closeOrphanedSessions ends sessions left open by a previous run that did
// not shut down cleanly.
func closeOrphanedSessions(ctx context.Context, store SessionCloser, now time.Time) int {
	sessions, err := store.GetActiveSessions(ctx)
	if err != nil {
		log.Printf("Warning: failed to load active sessions: %v", err)
		return 0
	}
	closed := 0
	for _, s := range sessions {
		if err := store.EndSession(ctx, s.ID, now); err != nil {
			log.Printf("Warning: failed to close session %s: %v", s.ID, err)
			continue
		}
		closed++
	}
	if closed > 0 {
		log.Printf("Closed %d session(s) left open by a previous run", closed)
	}
	return closed
}

// logStats periodically logs statistics
func logStats(ctx context.Context, st *stats.Stats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("Statistics:\n%s", st)
		}
	}
}

// serveHTTP runs srv until ctx is done and then shuts it down gracefully
func serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("control API failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down control API: %w", err)
	}
	return nil
}

// run serves the monitor until ctx is done
func run(ctx context.Context, cfg *config.Config, c *clients) error {
	st := stats.New()
	if c.db != nil {
		st.SetDB(c.db)
	}

	if c.db != nil {
		closeOrphanedSessions(ctx, c.db, time.Now())
	}
	if c.redis != nil {
		if err := c.redis.ClearStatus(ctx); err != nil {
			log.Printf("Warning: failed to clear cached status: %v", err)
		}
	}

	hub := websocket.NewHub()
	board := status.NewBoard(statusSinks(c, hub)...)

	controller, err := buildController(cfg, c, board, st)
	if err != nil {
		return fmt.Errorf("failed to create session controller: %w", err)
	}

	var (
		incidents api.IncidentLister
		history   api.StatsHistory
	)
	if c.db != nil {
		incidents = c.db
		history = c.db
	}
	handler := api.NewHandler(controller, incidents, cfg.SettingsFile).WithStats(st.Snapshot, history)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(handler, hub.ServeWS),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return board.Run(gctx) })
	if c.db != nil {
		g.Go(func() error {
			st.StartPersistence(gctx, statsInterval)
			return nil
		})
	}
	g.Go(func() error {
		logStats(gctx, st, statsLogInterval)
		return nil
	})
	g.Go(func() error { return serveHTTP(gctx, srv) })
	g.Go(func() error {
		<-gctx.Done()
		if err := controller.Stop(); err != nil {
			log.Printf("Failed to stop monitoring: %v", err)
		}
		controller.Wait()
		return nil
	})

	log.Printf("Control API listening on %s", cfg.HTTPAddr)
	return g.Wait()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	c, err := connectClients(cfg)
	if err != nil {
		log.Printf("Failed to create clients: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, c)
	stop()
	log.Println("Shutting down...")
	c.close()

	if err != nil {
		log.Printf("Monitor failed: %v", err)
		os.Exit(1)
	}
}
