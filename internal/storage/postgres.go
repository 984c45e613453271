package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend is the pooled-connection backend for larger
// deployments. Acquisition blocks when the pool is exhausted, up to the
// pool's acquire timeout.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects to the given DSN, verifies connectivity and
// brings the schema up to the current version.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresBackend, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse postgres dsn: %w", err)
	}
	poolConfig.MinConns = 2
	poolConfig.MaxConns = 10
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("storage: create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}

	p := &PostgresBackend{pool: pool, logger: logger}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Close closes the connection pool.
func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresBackend) migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS metadata (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return fmt.Errorf("storage: bootstrap metadata table: %w", err)
	}

	current := 0
	var raw string
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM metadata WHERE key = $1`, MetaSchemaVersion).Scan(&raw)
	switch {
	case err == pgx.ErrNoRows:
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
		if err := p.applyMigration(ctx, m); err != nil {
			return err
		}
		p.logger.Info("applied schema migration", "backend", "postgres", "version", m.version)
	}
	return nil
}

func (p *PostgresBackend) applyMigration(ctx context.Context, m migration) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin migration %d: %w", m.version, err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range m.postgres {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migration %d: %w", m.version, err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO metadata (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		MetaSchemaVersion, strconv.Itoa(m.version)); err != nil {
		return fmt.Errorf("storage: recording schema version %d: %w", m.version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit migration %d: %w", m.version, err)
	}
	return nil
}

func (p *PostgresBackend) InsertSnapshot(ctx context.Context, at time.Time, presence []PresenceRecord) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var snapshotID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO snapshots (timestamp, total_clients) VALUES ($1, $2) RETURNING id`,
		at.Unix(), len(presence)).Scan(&snapshotID)
	if err != nil {
		return 0, fmt.Errorf("storage: insert snapshot: %w", err)
	}

	batch := &pgx.Batch{}
	for _, rec := range presence {
		batch.Queue(
			`INSERT INTO client_snapshots
			 (snapshot_id, client_uid, nickname, channel_id, idle_ms, is_away, away_message,
			  is_talking, input_muted, output_muted, is_recording, server_groups, connected_time)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			snapshotID, rec.UID, rec.Nickname, rec.ChannelID, rec.IdleMS,
			boolInt(rec.IsAway), rec.AwayMessage, boolInt(rec.IsTalking),
			boolInt(rec.InputMuted), boolInt(rec.OutputMuted), boolInt(rec.IsRecording),
			rec.ServerGroups, rec.ConnectedTime)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("storage: insert presence rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit snapshot: %w", err)
	}
	return snapshotID, nil
}

func (p *PostgresBackend) CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().Unix() - int64(retentionDays)*86400
	tag, err := p.pool.Exec(ctx, `DELETE FROM snapshots WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresBackend) UpsertChannels(ctx context.Context, channels []Channel) (int64, error) {
	now := time.Now().Unix()

	batch := &pgx.Batch{}
	for _, ch := range channels {
		batch.Queue(
			`INSERT INTO channels
			 (channel_id, channel_name, parent_channel_id, channel_order, total_clients, last_updated)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (channel_id) DO UPDATE SET
			   channel_name = EXCLUDED.channel_name,
			   parent_channel_id = EXCLUDED.parent_channel_id,
			   channel_order = EXCLUDED.channel_order,
			   total_clients = EXCLUDED.total_clients,
			   last_updated = EXCLUDED.last_updated`,
			ch.ID, ch.Name, ch.ParentID, ch.Order, ch.TotalClients, now)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("storage: upsert channels: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit channel upsert: %w", err)
	}
	return int64(len(channels)), nil
}

func (p *PostgresBackend) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.pool.QueryRow(ctx, `SELECT value FROM metadata WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: get metadata %q: %w", key, err)
	}
	return value, true, nil
}

func (p *PostgresBackend) SetMetadata(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO metadata (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("storage: set metadata %q: %w", key, err)
	}
	return nil
}

func (p *PostgresBackend) RebuildDailyAggregate(ctx context.Context, date string) (int64, error) {
	start, end, err := dateRange(date)
	if err != nil {
		return 0, err
	}
	interval, err := storedPollInterval(ctx, p)
	if err != nil {
		return 0, err
	}

	tag, err := p.pool.Exec(ctx, `
		INSERT INTO user_aggregates
		(client_uid, date, nickname, total_samples, online_seconds, avg_idle_ms,
		 most_visited_channel_id, is_away_count, is_talking_count, input_muted_count,
		 output_muted_count, is_recording_count)
		SELECT
			cs.client_uid,
			$1,
			MAX(cs.nickname),
			COUNT(*),
			COUNT(*) * $2,
			CAST(AVG(cs.idle_ms) AS BIGINT),
			(
				SELECT cs2.channel_id
				FROM client_snapshots cs2
				JOIN snapshots s2 ON cs2.snapshot_id = s2.id
				WHERE cs2.client_uid = cs.client_uid AND s2.timestamp >= $3 AND s2.timestamp < $4
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
		WHERE s.timestamp >= $3 AND s.timestamp < $4
		GROUP BY cs.client_uid
		ON CONFLICT (client_uid, date) DO UPDATE SET
			nickname = EXCLUDED.nickname,
			total_samples = EXCLUDED.total_samples,
			online_seconds = EXCLUDED.online_seconds,
			avg_idle_ms = EXCLUDED.avg_idle_ms,
			most_visited_channel_id = EXCLUDED.most_visited_channel_id,
			is_away_count = EXCLUDED.is_away_count,
			is_talking_count = EXCLUDED.is_talking_count,
			input_muted_count = EXCLUDED.input_muted_count,
			output_muted_count = EXCLUDED.output_muted_count,
			is_recording_count = EXCLUDED.is_recording_count`,
		date, interval, start, end)
	if err != nil {
		return 0, fmt.Errorf("storage: rebuild aggregates for %s: %w", date, err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresBackend) Snapshots(ctx context.Context, start, end int64) ([]SnapshotRow, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, timestamp, total_clients FROM snapshots
		 WHERE timestamp BETWEEN $1 AND $2 ORDER BY timestamp`, start, end)
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

func (p *PostgresBackend) querySamples(ctx context.Context, query string, args ...any) ([]Sample, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query samples: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var smp Sample
		var idle, connected *int64
		var away, talking, inMuted, outMuted, recording int64
		var awayMsg, groups *string
		err := rows.Scan(&smp.SnapshotID, &smp.Timestamp, &smp.UID, &smp.Nickname, &smp.ChannelID,
			&idle, &away, &awayMsg, &talking, &inMuted, &outMuted, &recording, &groups, &connected)
		if err != nil {
			return nil, fmt.Errorf("storage: scan sample: %w", err)
		}
		if idle != nil {
			smp.IdleMS = *idle
		}
		if connected != nil {
			smp.ConnectedTime = *connected
		}
		smp.IsAway = away != 0
		smp.IsTalking = talking != 0
		smp.InputMuted = inMuted != 0
		smp.OutputMuted = outMuted != 0
		smp.IsRecording = recording != 0
		if awayMsg != nil {
			smp.AwayMessage = *awayMsg
		}
		if groups != nil {
			smp.ServerGroups = *groups
		}
		out = append(out, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate samples: %w", err)
	}
	return out, nil
}

func (p *PostgresBackend) Samples(ctx context.Context, start, end int64) ([]Sample, error) {
	return p.querySamples(ctx,
		`SELECT `+sampleColumns+`
		 FROM client_snapshots cs JOIN snapshots s ON cs.snapshot_id = s.id
		 WHERE s.timestamp BETWEEN $1 AND $2
		 ORDER BY s.timestamp, cs.client_uid`, start, end)
}

func (p *PostgresBackend) SamplesForUser(ctx context.Context, uid string, start, end int64) ([]Sample, error) {
	return p.querySamples(ctx,
		`SELECT `+sampleColumns+`
		 FROM client_snapshots cs JOIN snapshots s ON cs.snapshot_id = s.id
		 WHERE cs.client_uid = $1 AND s.timestamp BETWEEN $2 AND $3
		 ORDER BY s.timestamp`, uid, start, end)
}

func (p *PostgresBackend) LatestSamples(ctx context.Context) ([]Sample, error) {
	return p.querySamples(ctx,
		`SELECT `+sampleColumns+`
		 FROM client_snapshots cs JOIN snapshots s ON cs.snapshot_id = s.id
		 WHERE s.id = (SELECT MAX(id) FROM snapshots)
		 ORDER BY cs.nickname`)
}

func (p *PostgresBackend) UserFirstSeen(ctx context.Context) (map[string]int64, error) {
	rows, err := p.pool.Query(ctx,
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

func (p *PostgresBackend) Channels(ctx context.Context) ([]Channel, error) {
	rows, err := p.pool.Query(ctx,
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

func (p *PostgresBackend) ChannelName(ctx context.Context, id int64) (string, bool, error) {
	var name string
	err := p.pool.QueryRow(ctx, `SELECT channel_name FROM channels WHERE channel_id = $1`, id).Scan(&name)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: channel name %d: %w", id, err)
	}
	return name, true, nil
}

func (p *PostgresBackend) DailyAggregates(ctx context.Context, date string) ([]DailyAggregate, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT client_uid, date, nickname, total_samples, online_seconds,
		        COALESCE(avg_idle_ms, 0), COALESCE(most_visited_channel_id, 0),
		        is_away_count, is_talking_count, input_muted_count,
		        output_muted_count, is_recording_count
		 FROM user_aggregates WHERE date = $1 ORDER BY client_uid`, date)
	if err != nil {
		return nil, fmt.Errorf("storage: query aggregates: %w", err)
	}
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

func (p *PostgresBackend) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(MIN(timestamp), 0), COALESCE(MAX(timestamp), 0) FROM snapshots`).
		Scan(&st.SnapshotCount, &st.FirstTimestamp, &st.LastTimestamp)
	if err != nil {
		return Stats{}, fmt.Errorf("storage: snapshot stats: %w", err)
	}
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM client_snapshots`).Scan(&st.PresenceCount); err != nil {
		return Stats{}, fmt.Errorf("storage: presence count: %w", err)
	}
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(DISTINCT client_uid) FROM client_snapshots`).Scan(&st.UniqueUsers); err != nil {
		return Stats{}, fmt.Errorf("storage: unique users: %w", err)
	}
	if err := p.pool.QueryRow(ctx, `SELECT pg_database_size(current_database())`).Scan(&st.SizeBytes); err != nil {
		return Stats{}, fmt.Errorf("storage: database size: %w", err)
	}

	version, _, err := p.GetMetadata(ctx, MetaSchemaVersion)
	if err != nil {
		return Stats{}, err
	}
	st.SchemaVersion = version
	return st, nil
}
