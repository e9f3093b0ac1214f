package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/saviobatista/crash-alert/internal/types"
)

type Client struct {
	db *sql.DB
}

// New creates a new database client
func New(connStr string) (*Client, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	return &Client{db: db}, nil
}

// NewWithDB wraps an existing connection pool
func NewWithDB(db *sql.DB) *Client {
	return &Client{db: db}
}

// DB exposes the underlying pool (used by the migrator)
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close closes the database connection
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// CreateSession records the start of a monitoring session
func (c *Client) CreateSession(ctx context.Context, session *types.Session) error {
	query := `
		INSERT INTO sessions (id, user_name, started_at)
		VALUES ($1, $2, $3)
	`
	if _, err := c.db.ExecContext(ctx, query, session.ID, session.UserName, session.StartedAt); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// EndSession sets the stop time of a session
func (c *Client) EndSession(ctx context.Context, id string, stoppedAt time.Time) error {
	query := `UPDATE sessions SET stopped_at = $1 WHERE id = $2`
	res, err := c.db.ExecContext(ctx, query, stoppedAt, id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// GetActiveSessions returns the sessions that have not been stopped
func (c *Client) GetActiveSessions(ctx context.Context) ([]*types.Session, error) {
	query := `
		SELECT id, user_name, started_at
		FROM sessions
		WHERE stopped_at IS NULL
		ORDER BY started_at DESC
	`
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		var s types.Session
		if err := rows.Scan(&s.ID, &s.UserName, &s.StartedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// RecordIncident stores a crash decision together with its delivery outcome.
// Recording the same incident again updates the outcome.
func (c *Client) RecordIncident(ctx context.Context, incident *types.Incident) error {
	query := `
		INSERT INTO incidents (
			id, session_id, detected_at, deceleration_at, impact_at, gap_ms,
			latitude, longitude, message, sent, failed, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			message = EXCLUDED.message,
			sent = EXCLUDED.sent,
			failed = EXCLUDED.failed,
			error = EXCLUDED.error
	`
	_, err := c.db.ExecContext(ctx, query,
		incident.ID, incident.SessionID, incident.DetectedAt,
		incident.DecelerationAt, incident.ImpactAt, incident.Gap.Milliseconds(),
		incident.Latitude, incident.Longitude, incident.Message,
		incident.Sent, incident.Failed, incident.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record incident: %w", err)
	}
	return nil
}

// ListIncidents returns the incidents of a session, newest first. An empty
// session id lists every incident.
func (c *Client) ListIncidents(ctx context.Context, sessionID string, limit int) ([]*types.Incident, error) {
	query := `
		SELECT id, session_id, detected_at, deceleration_at, impact_at, gap_ms,
			latitude, longitude, message, sent, failed, error
		FROM incidents
		WHERE ($1 = '' OR session_id::text = $1)
		ORDER BY detected_at DESC
		LIMIT $2
	`
	rows, err := c.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []*types.Incident
	for rows.Next() {
		var (
			inc   types.Incident
			gapMs int64
			lat   sql.NullFloat64
			lon   sql.NullFloat64
		)
		if err := rows.Scan(
			&inc.ID, &inc.SessionID, &inc.DetectedAt, &inc.DecelerationAt, &inc.ImpactAt, &gapMs,
			&lat, &lon, &inc.Message, &inc.Sent, &inc.Failed, &inc.Error,
		); err != nil {
			return nil, err
		}
		inc.Gap = time.Duration(gapMs) * time.Millisecond
		if lat.Valid && lon.Valid {
			inc.Latitude = &lat.Float64
			inc.Longitude = &lon.Float64
		}
		incidents = append(incidents, &inc)
	}
	return incidents, rows.Err()
}

// StoreSystemStats stores a snapshot of the monitor counters
func (c *Client) StoreSystemStats(stats *types.SystemStats) error {
	query := `
		INSERT INTO system_stats (
			time, total_samples, speed_samples, location_errors,
			impact_polls, impact_errors, impact_events,
			decelerations, crashes, alerts_sent, alerts_failed, speeding_alerts,
			processing_time_ms, uptime_seconds
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
	`

	locErrors := make([]int64, len(stats.LocationErrors))
	for i, v := range stats.LocationErrors {
		locErrors[i] = int64(v)
	}

	at := stats.Time
	if at.IsZero() {
		at = time.Now()
	}

	_, err := c.db.Exec(query,
		at,
		int64(stats.TotalSamples),
		int64(stats.SpeedSamples),
		pq.Array(locErrors),
		int64(stats.ImpactPolls),
		int64(stats.ImpactErrors),
		int64(stats.ImpactEvents),
		int64(stats.Decelerations),
		int64(stats.Crashes),
		int64(stats.AlertsSent),
		int64(stats.AlertsFailed),
		int64(stats.SpeedingAlerts),
		stats.ProcessingTime.Milliseconds(),
		int64(stats.Uptime.Seconds()),
	)
	return err
}

// GetSystemStats retrieves system statistics for a time range
func (c *Client) GetSystemStats(start, end time.Time) ([]*types.SystemStats, error) {
	query := `
		SELECT
			time, total_samples, speed_samples, location_errors,
			impact_polls, impact_errors, impact_events,
			decelerations, crashes, alerts_sent, alerts_failed, speeding_alerts,
			processing_time_ms, uptime_seconds
		FROM system_stats
		WHERE time BETWEEN $1 AND $2
		ORDER BY time DESC
	`

	rows, err := c.db.Query(query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.SystemStats
	for rows.Next() {
		var (
			s                types.SystemStats
			counters         [10]int64
			locErrors        []int64
			processingTimeMs int64
			uptimeSeconds    int64
		)
		if err := rows.Scan(
			&s.Time,
			&counters[0],
			&counters[1],
			pq.Array(&locErrors),
			&counters[2],
			&counters[3],
			&counters[4],
			&counters[5],
			&counters[6],
			&counters[7],
			&counters[8],
			&counters[9],
			&processingTimeMs,
			&uptimeSeconds,
		); err != nil {
			return nil, err
		}

		s.TotalSamples = uint64(counters[0])
		s.SpeedSamples = uint64(counters[1])
		s.ImpactPolls = uint64(counters[2])
		s.ImpactErrors = uint64(counters[3])
		s.ImpactEvents = uint64(counters[4])
		s.Decelerations = uint64(counters[5])
		s.Crashes = uint64(counters[6])
		s.AlertsSent = uint64(counters[7])
		s.AlertsFailed = uint64(counters[8])
		s.SpeedingAlerts = uint64(counters[9])
		for i, v := range locErrors {
			if i < len(s.LocationErrors) {
				s.LocationErrors[i] = uint64(v)
			}
		}
		s.ProcessingTime = time.Duration(processingTimeMs) * time.Millisecond
		s.Uptime = time.Duration(uptimeSeconds) * time.Second

		out = append(out, &s)
	}

	return out, rows.Err()
}
