package storage

// schemaVersion is the version the code expects. Migrations are additive
// (new columns and tables, never destructive) and applied in strictly
// increasing order; the stored schema_version is advanced together with
// each step so a crash mid-migration leaves the database at the last
// fully-applied step.
const schemaVersion = 3

type migration struct {
	version  int
	sqlite   []string
	postgres []string
}

var migrations = []migration{
	{
		version: 1,
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS snapshots (
			   id INTEGER PRIMARY KEY AUTOINCREMENT,
			   timestamp INTEGER NOT NULL,
			   total_clients INTEGER NOT NULL,
			   created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			 )`,
			`CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON snapshots(timestamp)`,
			`CREATE TABLE IF NOT EXISTS client_snapshots (
			   id INTEGER PRIMARY KEY AUTOINCREMENT,
			   snapshot_id INTEGER NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
			   client_uid TEXT NOT NULL,
			   nickname TEXT NOT NULL,
			   channel_id INTEGER NOT NULL,
			   idle_ms INTEGER
			 )`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_client_uid_snapshot ON client_snapshots(snapshot_id, client_uid)`,
			`CREATE INDEX IF NOT EXISTS idx_snapshot_id ON client_snapshots(snapshot_id)`,
			`CREATE INDEX IF NOT EXISTS idx_client_uid ON client_snapshots(client_uid)`,
			`CREATE TABLE IF NOT EXISTS metadata (
			   key TEXT PRIMARY KEY,
			   value TEXT
			 )`,
		},
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS snapshots (
			   id BIGSERIAL PRIMARY KEY,
			   timestamp BIGINT NOT NULL,
			   total_clients INTEGER NOT NULL,
			   created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			 )`,
			`CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON snapshots(timestamp)`,
			`CREATE TABLE IF NOT EXISTS client_snapshots (
			   id BIGSERIAL PRIMARY KEY,
			   snapshot_id BIGINT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
			   client_uid TEXT NOT NULL,
			   nickname TEXT NOT NULL,
			   channel_id BIGINT NOT NULL,
			   idle_ms BIGINT
			 )`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_client_uid_snapshot ON client_snapshots(snapshot_id, client_uid)`,
			`CREATE INDEX IF NOT EXISTS idx_snapshot_id ON client_snapshots(snapshot_id)`,
			`CREATE INDEX IF NOT EXISTS idx_client_uid ON client_snapshots(client_uid)`,
			`CREATE TABLE IF NOT EXISTS metadata (
			   key TEXT PRIMARY KEY,
			   value TEXT
			 )`,
		},
	},
	{
		version: 2,
		sqlite: []string{
			`ALTER TABLE client_snapshots ADD COLUMN is_away INTEGER DEFAULT 0`,
			`ALTER TABLE client_snapshots ADD COLUMN away_message TEXT DEFAULT ''`,
			`ALTER TABLE client_snapshots ADD COLUMN is_talking INTEGER DEFAULT 0`,
			`ALTER TABLE client_snapshots ADD COLUMN input_muted INTEGER DEFAULT 0`,
			`ALTER TABLE client_snapshots ADD COLUMN output_muted INTEGER DEFAULT 0`,
			`ALTER TABLE client_snapshots ADD COLUMN is_recording INTEGER DEFAULT 0`,
			`ALTER TABLE client_snapshots ADD COLUMN server_groups TEXT DEFAULT ''`,
			`ALTER TABLE client_snapshots ADD COLUMN connected_time INTEGER`,
			`CREATE INDEX IF NOT EXISTS idx_channel_id ON client_snapshots(channel_id)`,
			`CREATE TABLE IF NOT EXISTS channels (
			   channel_id INTEGER PRIMARY KEY,
			   channel_name TEXT NOT NULL,
			   parent_channel_id INTEGER,
			   channel_order INTEGER,
			   total_clients INTEGER DEFAULT 0,
			   last_updated INTEGER NOT NULL
			 )`,
			`CREATE INDEX IF NOT EXISTS idx_channels_parent ON channels(parent_channel_id)`,
		},
		postgres: []string{
			`ALTER TABLE client_snapshots ADD COLUMN IF NOT EXISTS is_away INTEGER DEFAULT 0`,
			`ALTER TABLE client_snapshots ADD COLUMN IF NOT EXISTS away_message TEXT DEFAULT ''`,
			`ALTER TABLE client_snapshots ADD COLUMN IF NOT EXISTS is_talking INTEGER DEFAULT 0`,
			`ALTER TABLE client_snapshots ADD COLUMN IF NOT EXISTS input_muted INTEGER DEFAULT 0`,
			`ALTER TABLE client_snapshots ADD COLUMN IF NOT EXISTS output_muted INTEGER DEFAULT 0`,
			`ALTER TABLE client_snapshots ADD COLUMN IF NOT EXISTS is_recording INTEGER DEFAULT 0`,
			`ALTER TABLE client_snapshots ADD COLUMN IF NOT EXISTS server_groups TEXT DEFAULT ''`,
			`ALTER TABLE client_snapshots ADD COLUMN IF NOT EXISTS connected_time BIGINT`,
			`CREATE INDEX IF NOT EXISTS idx_channel_id ON client_snapshots(channel_id)`,
			`CREATE TABLE IF NOT EXISTS channels (
			   channel_id BIGINT PRIMARY KEY,
			   channel_name TEXT NOT NULL,
			   parent_channel_id BIGINT,
			   channel_order BIGINT,
			   total_clients BIGINT DEFAULT 0,
			   last_updated BIGINT NOT NULL
			 )`,
			`CREATE INDEX IF NOT EXISTS idx_channels_parent ON channels(parent_channel_id)`,
		},
	},
	{
		version: 3,
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS user_aggregates (
			   id INTEGER PRIMARY KEY AUTOINCREMENT,
			   client_uid TEXT NOT NULL,
			   date TEXT NOT NULL,
			   nickname TEXT NOT NULL,
			   total_samples INTEGER NOT NULL,
			   online_seconds INTEGER NOT NULL,
			   avg_idle_ms INTEGER,
			   most_visited_channel_id INTEGER,
			   is_away_count INTEGER DEFAULT 0,
			   is_talking_count INTEGER DEFAULT 0,
			   input_muted_count INTEGER DEFAULT 0,
			   output_muted_count INTEGER DEFAULT 0,
			   is_recording_count INTEGER DEFAULT 0,
			   UNIQUE(client_uid, date)
			 )`,
			`CREATE INDEX IF NOT EXISTS idx_user_aggregates_uid ON user_aggregates(client_uid)`,
			`CREATE INDEX IF NOT EXISTS idx_user_aggregates_date ON user_aggregates(date)`,
		},
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS user_aggregates (
			   id BIGSERIAL PRIMARY KEY,
			   client_uid TEXT NOT NULL,
			   date TEXT NOT NULL,
			   nickname TEXT NOT NULL,
			   total_samples BIGINT NOT NULL,
			   online_seconds BIGINT NOT NULL,
			   avg_idle_ms BIGINT,
			   most_visited_channel_id BIGINT,
			   is_away_count BIGINT DEFAULT 0,
			   is_talking_count BIGINT DEFAULT 0,
			   input_muted_count BIGINT DEFAULT 0,
			   output_muted_count BIGINT DEFAULT 0,
			   is_recording_count BIGINT DEFAULT 0,
			   UNIQUE(client_uid, date)
			 )`,
			`CREATE INDEX IF NOT EXISTS idx_user_aggregates_uid ON user_aggregates(client_uid)`,
			`CREATE INDEX IF NOT EXISTS idx_user_aggregates_date ON user_aggregates(date)`,
		},
	},
}
