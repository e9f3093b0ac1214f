package migrations

import "time"

// InitialSchema creates the sessions, incidents and statistics tables
var InitialSchema = &Migration{
	ID:   "001_initial_schema",
	Name: "001_initial_schema",
	UpSQL: `
		-- Enable TimescaleDB extension
		CREATE EXTENSION IF NOT EXISTS timescaledb;

		CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			user_name TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			stopped_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions (started_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_stopped_at ON sessions (stopped_at);

		CREATE TABLE IF NOT EXISTS incidents (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES sessions (id),
			detected_at TIMESTAMPTZ NOT NULL,
			deceleration_at TIMESTAMPTZ NOT NULL,
			impact_at TIMESTAMPTZ NOT NULL,
			gap_ms BIGINT NOT NULL,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			message TEXT NOT NULL DEFAULT '',
			sent INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_incidents_session_id ON incidents (session_id);
		CREATE INDEX IF NOT EXISTS idx_incidents_detected_at ON incidents (detected_at DESC);

		CREATE TABLE IF NOT EXISTS system_stats (
			time TIMESTAMPTZ NOT NULL,
			total_samples BIGINT NOT NULL,
			speed_samples BIGINT NOT NULL,
			location_errors BIGINT[] NOT NULL,
			impact_polls BIGINT NOT NULL,
			impact_errors BIGINT NOT NULL,
			impact_events BIGINT NOT NULL,
			decelerations BIGINT NOT NULL,
			crashes BIGINT NOT NULL,
			alerts_sent BIGINT NOT NULL,
			alerts_failed BIGINT NOT NULL,
			speeding_alerts BIGINT NOT NULL,
			processing_time_ms BIGINT NOT NULL,
			uptime_seconds BIGINT NOT NULL
		);

		SELECT create_hypertable('system_stats', 'time', if_not_exists => TRUE);

		CREATE INDEX IF NOT EXISTS idx_system_stats_time ON system_stats (time DESC);
	`,
	DownSQL: `
		DROP TABLE IF EXISTS system_stats;
		DROP TABLE IF EXISTS incidents;
		DROP TABLE IF EXISTS sessions;
	`,
	CreatedAt: time.Now(),
}
