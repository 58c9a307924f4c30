package writer

// schema is the DDL applied once at Open. modernc.org/sqlite is a pure-Go
// driver, so the writer never needs cgo, matching the rest of this module's
// dependency-free-build posture.
const schema = `
CREATE TABLE IF NOT EXISTS parameter_sets (
	parameter_set_id          INTEGER PRIMARY KEY,
	name                      TEXT NOT NULL,
	s0_points                 INTEGER NOT NULL,
	delta_points              INTEGER NOT NULL,
	pair_cap_points           INTEGER NOT NULL,
	trigger_rule              TEXT NOT NULL,
	reference_price_source    TEXT NOT NULL,
	tie_break_rule            TEXT NOT NULL,
	sampling_mode             TEXT NOT NULL,
	cycle_interval_seconds    INTEGER NOT NULL,
	cycles_per_market         INTEGER NOT NULL,
	feed_gap_threshold_seconds INTEGER NOT NULL,
	stop_loss_threshold_points INTEGER,
	created_at                TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
	market_id                  TEXT PRIMARY KEY,
	crypto_asset               TEXT NOT NULL,
	condition_id               TEXT NOT NULL,
	yes_token_id               TEXT NOT NULL,
	no_token_id                TEXT NOT NULL,
	tick_size_points           INTEGER NOT NULL,
	start_time                 TEXT NOT NULL,
	settlement_time            TEXT NOT NULL,
	actual_settlement_time     TEXT,
	parameter_set_id           INTEGER NOT NULL REFERENCES parameter_sets(parameter_set_id),
	total_attempts             INTEGER NOT NULL DEFAULT 0,
	total_pairs                INTEGER NOT NULL DEFAULT 0,
	total_failed               INTEGER NOT NULL DEFAULT 0,
	settlement_failures        INTEGER NOT NULL DEFAULT 0,
	pair_rate                  REAL,
	avg_time_to_pair_seconds   REAL,
	median_time_to_pair_seconds REAL,
	max_concurrent_attempts    INTEGER,
	total_cycles_run           INTEGER,
	cycle_interval_seconds     INTEGER,
	time_remaining_at_start_seconds REAL,
	anomaly_count              INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS attempts (
	attempt_id                     INTEGER PRIMARY KEY,
	market_id                      TEXT NOT NULL REFERENCES markets(market_id),
	parameter_set_id               INTEGER NOT NULL REFERENCES parameter_sets(parameter_set_id),
	t1_timestamp                   TEXT NOT NULL,
	first_leg_side                 TEXT NOT NULL,
	p1_points                      INTEGER NOT NULL,
	reference_yes_points           INTEGER NOT NULL,
	reference_no_points            INTEGER NOT NULL,
	status                         TEXT NOT NULL,
	t2_timestamp                   TEXT,
	time_to_pair_seconds           REAL,
	time_remaining_at_start_seconds REAL,
	time_remaining_at_completion_seconds REAL,
	actual_opposite_price          INTEGER,
	pair_cost_points               INTEGER,
	pair_profit_points             INTEGER,
	fail_reason                    TEXT,
	had_feed_gap                   INTEGER NOT NULL DEFAULT 0,
	pair_constraint_impossible     INTEGER NOT NULL DEFAULT 0,
	reference_sum_anomaly          INTEGER NOT NULL DEFAULT 0,
	trigger_clamped_to_max         INTEGER NOT NULL DEFAULT 0,
	trigger_clamped_to_min         INTEGER NOT NULL DEFAULT 0,
	closest_approach_points        INTEGER,
	max_adverse_excursion_points   INTEGER,
	yes_spread_entry_points        INTEGER NOT NULL,
	no_spread_entry_points         INTEGER NOT NULL,
	yes_spread_exit_points         INTEGER,
	no_spread_exit_points          INTEGER,
	delta_points                   INTEGER NOT NULL,
	s0_points                      INTEGER NOT NULL,
	stop_loss_threshold_points     INTEGER
);

CREATE INDEX IF NOT EXISTS idx_attempts_t1 ON attempts(t1_timestamp);
CREATE INDEX IF NOT EXISTS idx_attempts_delta ON attempts(delta_points);
CREATE INDEX IF NOT EXISTS idx_attempts_s0 ON attempts(s0_points);
CREATE INDEX IF NOT EXISTS idx_attempts_composite ON attempts(s0_points, delta_points, stop_loss_threshold_points, status, t1_timestamp);
CREATE INDEX IF NOT EXISTS idx_attempts_market ON attempts(market_id);
CREATE INDEX IF NOT EXISTS idx_attempts_status ON attempts(status);

CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id   TEXT PRIMARY KEY,
	market_id     TEXT NOT NULL REFERENCES markets(market_id),
	cycle_number  INTEGER NOT NULL,
	timestamp     TEXT NOT NULL,
	yes_bid       INTEGER,
	yes_ask       INTEGER,
	no_bid        INTEGER,
	no_ask        INTEGER,
	reference_yes INTEGER,
	reference_no  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_snapshots_market ON snapshots(market_id);

CREATE TABLE IF NOT EXISTS attempt_lifecycle (
	lifecycle_id TEXT PRIMARY KEY,
	attempt_id   INTEGER NOT NULL REFERENCES attempts(attempt_id),
	cycle_number INTEGER NOT NULL,
	timestamp    TEXT NOT NULL,
	from_status  TEXT NOT NULL,
	to_status    TEXT NOT NULL,
	note         TEXT
);
CREATE INDEX IF NOT EXISTS idx_lifecycle_attempt ON attempt_lifecycle(attempt_id);
`
