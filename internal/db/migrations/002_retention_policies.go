package migrations

// RetentionPolicies keeps 90 days of counters and a daily rollup
var RetentionPolicies = &Migration{
	ID:   "002_retention_policies",
	Name: "002_retention_policies",
	UpSQL: `
	SELECT add_retention_policy('system_stats', INTERVAL '90 days');

	CREATE MATERIALIZED VIEW IF NOT EXISTS system_stats_daily
	WITH (timescaledb.continuous) AS
	SELECT
		time_bucket('1 day', time) AS day,
		MAX(total_samples) AS total_samples,
		MAX(impact_polls) AS impact_polls,
		MAX(impact_errors) AS impact_errors,
		MAX(decelerations) AS decelerations,
		MAX(crashes) AS crashes,
		MAX(alerts_sent) AS alerts_sent,
		MAX(alerts_failed) AS alerts_failed,
		MAX(speeding_alerts) AS speeding_alerts
	FROM system_stats
	GROUP BY day
	WITH NO DATA;
	`,
	DownSQL: `
	DROP MATERIALIZED VIEW IF EXISTS system_stats_daily;
	SELECT remove_retention_policy('system_stats');
	`,
}
