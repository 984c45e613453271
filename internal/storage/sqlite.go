package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend is the single-file embedded backend. WAL mode allows
// concurrent readers while a writer is in flight; busy_timeout bounds the
// wait before a write lock conflict is surfaced as an error.
type SQLiteBackend struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the database at path and brings the
// schema up to the current version.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: creating database directory: %w", err)
		}
	}

	// Pragmas go on the DSN so every pooled connection gets them;
	// cascade deletes depend on foreign_keys being on.
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", path, err)
	}

	s := &SQLiteBackend{db: db, path: path, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

func (s *SQLiteBackend) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS metadata (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return fmt.Errorf("storage: bootstrap metadata table: %w", err)
	}

	current := 0
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM metadata WHERE key = ?`, MetaSchemaVersion).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("storage: reading schema version: %w", err)
	default:
		current, err = strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("storage: bad schema version %q: %w", raw, err)
		}
	}
	if current > schemaVersion {
		return fmt.Errorf("storage: database schema version %d is newer than supported %d", current, schemaVersion)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		s.logger.Info("applied schema migration", "backend", "sqlite", "version", m.version)
	}
	return nil
}

// applyMigration runs one step's DDL and the version bump in a single
// transaction, so a crash leaves the stored version at the last
// fully-applied step.
func (s *SQLiteBackend) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin migration %d: %w", m.version, err)
	}
	defer tx.Rollback()

	for _, stmt := range m.sqlite {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migration %d: %w", m.version, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		MetaSchemaVersion, strconv.Itoa(m.version)); err != nil {
		return fmt.Errorf("storage: recording schema version %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit migration %d: %w", m.version, err)
	}
	return nil
}

// InsertSnapshot writes the snapshot row and all its presence rows in one
// transaction.
func (s *SQLiteBackend) InsertSnapshot(ctx context.Context, at time.Time, presence []PresenceRecord) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (timestamp, total_clients) VALUES (?, ?)`,
		at.Unix(), len(presence))
	if err != nil {
		return 0, fmt.Errorf("storage: insert snapshot: %w", err)
	}
	snapshotID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("storage: snapshot id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO client_snapshots
		 (snapshot_id, client_uid, nickname, channel_id, idle_ms, is_away, away_message,
		  is_talking, input_muted, output_muted, is_recording, server_groups, connected_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("storage: prepare presence insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range presence {
		if _, err := stmt.ExecContext(ctx,
			snapshotID, p.UID, p.Nickname, p.ChannelID, p.IdleMS,
			boolInt(p.IsAway), p.AwayMessage, boolInt(p.IsTalking),
			boolInt(p.InputMuted), boolInt(p.OutputMuted), boolInt(p.IsRecording),
			p.ServerGroups, p.ConnectedTime); err != nil {
			return 0, fmt.Errorf("storage: insert presence for %s: %w", p.UID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit snapshot: %w", err)
	}
	return snapshotID, nil
}

// CleanupOlderThan deletes snapshots past the retention window; presence
// rows go with them via the cascade.
func (s *SQLiteBackend) CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().Unix() - int64(retentionDays)*86400
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup rowcount: %w", err)
	}
	return deleted, nil
}

func (s *SQLiteBackend) UpsertChannels(ctx context.Context, channels []Channel) (int64, error) {
	now := time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO channels
		 (channel_id, channel_name, parent_channel_id, channel_order, total_clients, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET
		   channel_name = excluded.channel_name,
		   parent_channel_id = excluded.parent_channel_id,
		   channel_order = excluded.channel_order,
		   total_clients = excluded.total_clients,
		   last_updated = excluded.last_updated`)
	if err != nil {
		return 0, fmt.Errorf("storage: prepare channel upsert: %w", err)
	}
	defer stmt.Close()

	for _, ch := range channels {
		if _, err := stmt.ExecContext(ctx, ch.ID, ch.Name, ch.ParentID, ch.Order, ch.TotalClients, now); err != nil {
			return 0, fmt.Errorf("storage: upsert channel %d: %w", ch.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit channel upsert: %w", err)
	}
	return int64(len(channels)), nil
}

func (s *SQLiteBackend) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: get metadata %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteBackend) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("storage: set metadata %q: %w", key, err)
	}
	return nil
}

// RebuildDailyAggregate recomputes the per-user rollup for one calendar
// date from the raw samples. Re-running for the same date yields the same
// rows.
func (s *SQLiteBackend) RebuildDailyAggregate(ctx context.Context, date string) (int64, error) {
	start, end, err := dateRange(date)
	if err != nil {
		return 0, err
	}
	interval, err := storedPollInterval(ctx, s)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO user_aggregates
		(client_uid, date, nickname, total_samples, online_seconds, avg_idle_ms,
		 most_visited_channel_id, is_away_count, is_talking_count, input_muted_count,
		 output_muted_count, is_recording_count)
		SELECT
			cs.client_uid,
			? AS date,
			MAX(cs.nickname),
			COUNT(*),
			COUNT(*) * ?,
			CAST(AVG(cs.idle_ms) AS INTEGER),
			(
				SELECT cs2.channel_id
				FROM client_snapshots cs2
				JOIN snapshots s2 ON cs2.snapshot_id = s2.id
				WHERE cs2.client_uid = cs.client_uid AND s2.timestamp >= ? AND s2.timestamp < ?
				GROUP BY cs2.channel_id
				ORDER BY COUNT(*) DESC, cs2.channel_id
				LIMIT 1
			),
			SUM(cs.is_away),
			SUM(cs.is_talking),
			SUM(cs.input_muted),
			SUM(cs.output_muted),
			SUM(cs.is_recording)
		FROM client_snapshots cs
		JOIN snapshots s ON cs.snapshot_id = s.id
		WHERE s.timestamp >= ? AND s.timestamp < ?
		GROUP BY cs.client_uid
		ON CONFLICT(client_uid, date) DO UPDATE SET
			nickname = excluded.nickname,
			total_samples = excluded.total_samples,
			online_seconds = excluded.online_seconds,
			avg_idle_ms = excluded.avg_idle_ms,
			most_visited_channel_id = excluded.most_visited_channel_id,
			is_away_count = excluded.is_away_count,
			is_talking_count = excluded.is_talking_count,
			input_muted_count = excluded.input_muted_count,
			output_muted_count = excluded.output_muted_count,
			is_recording_count = excluded.is_recording_count`,
		date, interval, start, end, start, end)
	if err != nil {
		return 0, fmt.Errorf("storage: rebuild aggregates for %s: %w", date, err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: aggregate rowcount: %w", err)
	}
	return updated, nil
}

func (s *SQLiteBackend) Snapshots(ctx context.Context, start, end int64) ([]SnapshotRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, total_clients FROM snapshots
		 WHERE timestamp BETWEEN ? AND ? ORDER BY timestamp`, start, end)
	if err != nil {
		return nil, fmt.Errorf("storage: query snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.TotalClients); err != nil {
			return nil, fmt.Errorf("storage: scan snapshot: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate snapshots: %w", err)
	}
	return out, nil
}

const sampleColumns = `cs.snapshot_id, s.timestamp, cs.client_uid, cs.nickname, cs.channel_id,
	cs.idle_ms, cs.is_away, cs.away_message, cs.is_talking, cs.input_muted,
	cs.output_muted, cs.is_recording, cs.server_groups, cs.connected_time`

func scanSample(rows *sql.Rows) (Sample, error) {
	var smp Sample
	var idle, connected sql.NullInt64
	var away, talking, inMuted, outMuted, recording int64
	var awayMsg, groups sql.NullString
	err := rows.Scan(&smp.SnapshotID, &smp.Timestamp, &smp.UID, &smp.Nickname, &smp.ChannelID,
		&idle, &away, &awayMsg, &talking, &inMuted, &outMuted, &recording, &groups, &connected)
	if err != nil {
		return Sample{}, err
	}
	smp.IdleMS = idle.Int64
	smp.ConnectedTime = connected.Int64
	smp.IsAway = away != 0
	smp.AwayMessage = awayMsg.String
	smp.IsTalking = talking != 0
	smp.InputMuted = inMuted != 0
	smp.OutputMuted = outMuted != 0
	smp.IsRecording = recording != 0
	smp.ServerGroups = groups.String
	return smp, nil
}

func (s *SQLiteBackend) querySamples(ctx context.Context, query string, args ...any) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query samples: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		smp, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan sample: %w", err)
		}
		out = append(out, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate samples: %w", err)
	}
	return out, nil
}

func (s *SQLiteBackend) Samples(ctx context.Context, start, end int64) ([]Sample, error) {
	return s.querySamples(ctx,
		`SELECT `+sampleColumns+`
		 FROM client_snapshots cs JOIN snapshots s ON cs.snapshot_id = s.id
		 WHERE s.timestamp BETWEEN ? AND ?
		 ORDER BY s.timestamp, cs.client_uid`, start, end)
}

func (s *SQLiteBackend) SamplesForUser(ctx context.Context, uid string, start, end int64) ([]Sample, error) {
	return s.querySamples(ctx,
		`SELECT `+sampleColumns+`
		 FROM client_snapshots cs JOIN snapshots s ON cs.snapshot_id = s.id
		 WHERE cs.client_uid = ? AND s.timestamp BETWEEN ? AND ?
		 ORDER BY s.timestamp`, uid, start, end)
}

func (s *SQLiteBackend) LatestSamples(ctx context.Context) ([]Sample, error) {
	return s.querySamples(ctx,
		`SELECT `+sampleColumns+`
		 FROM client_snapshots cs JOIN snapshots s ON cs.snapshot_id = s.id
		 WHERE s.id = (SELECT MAX(id) FROM snapshots)
		 ORDER BY cs.nickname`)
}

func (s *SQLiteBackend) UserFirstSeen(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cs.client_uid, MIN(s.timestamp)
		 FROM client_snapshots cs JOIN snapshots s ON cs.snapshot_id = s.id
		 GROUP BY cs.client_uid`)
	if err != nil {
		return nil, fmt.Errorf("storage: query first seen: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var uid string
		var ts int64
		if err := rows.Scan(&uid, &ts); err != nil {
			return nil, fmt.Errorf("storage: scan first seen: %w", err)
		}
		out[uid] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate first seen: %w", err)
	}
	return out, nil
}

func (s *SQLiteBackend) Channels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, channel_name, COALESCE(parent_channel_id, 0),
		        COALESCE(channel_order, 0), COALESCE(total_clients, 0), last_updated
		 FROM channels ORDER BY channel_order, channel_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: query channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.ParentID, &ch.Order, &ch.TotalClients, &ch.LastUpdated); err != nil {
			return nil, fmt.Errorf("storage: scan channel: %w", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate channels: %w", err)
	}
	return out, nil
}

func (s *SQLiteBackend) ChannelName(ctx context.Context, id int64) (string, bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT channel_name FROM channels WHERE channel_id = ?`, id).Scan(&name)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: channel name %d: %w", id, err)
	}
	return name, true, nil
}

func (s *SQLiteBackend) DailyAggregates(ctx context.Context, date string) ([]DailyAggregate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_uid, date, nickname, total_samples, online_seconds,
		        COALESCE(avg_idle_ms, 0), COALESCE(most_visited_channel_id, 0),
		        is_away_count, is_talking_count, input_muted_count,
		        output_muted_count, is_recording_count
		 FROM user_aggregates WHERE date = ? ORDER BY client_uid`, date)
	if err != nil {
		return nil, fmt.Errorf("storage: query aggregates: %w", err)
	}
	defer rows.Close()
	return scanAggregates(rows)
}

func (s *SQLiteBackend) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	if info, err := os.Stat(s.path); err == nil {
		st.SizeBytes = info.Size()
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MIN(timestamp), 0), COALESCE(MAX(timestamp), 0) FROM snapshots`).
		Scan(&st.SnapshotCount, &st.FirstTimestamp, &st.LastTimestamp)
	if err != nil {
		return Stats{}, fmt.Errorf("storage: snapshot stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM client_snapshots`).Scan(&st.PresenceCount); err != nil {
		return Stats{}, fmt.Errorf("storage: presence count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT client_uid) FROM client_snapshots`).Scan(&st.UniqueUsers); err != nil {
		return Stats{}, fmt.Errorf("storage: unique users: %w", err)
	}

	version, _, err := s.GetMetadata(ctx, MetaSchemaVersion)
	if err != nil {
		return Stats{}, err
	}
	st.SchemaVersion = version
	return st, nil
}

// storedPollInterval reads the persisted poll interval, the conversion
// constant between sample counts and durations.
func storedPollInterval(ctx context.Context, b Backend) (int64, error) {
	value, ok, err := b.GetMetadata(ctx, MetaPollInterval)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 60, nil
	}
	interval, err := strconv.ParseInt(value, 10, 64)
	if err != nil || interval <= 0 {
		return 60, nil
	}
	return interval, nil
}

func scanAggregates(rows *sql.Rows) ([]DailyAggregate, error) {
	defer rows.Close()
	var out []DailyAggregate
	for rows.Next() {
		var a DailyAggregate
		if err := rows.Scan(&a.UID, &a.Date, &a.Nickname, &a.TotalSamples, &a.OnlineSeconds,
			&a.AvgIdleMS, &a.MostVisitedChannelID, &a.AwayCount, &a.TalkingCount,
			&a.InputMutedCount, &a.OutputMutedCount, &a.RecordingCount); err != nil {
			return nil, fmt.Errorf("storage: scan aggregate: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate aggregates: %w", err)
	}
	return out, nil
}
