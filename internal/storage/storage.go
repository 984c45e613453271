// Package storage persists presence snapshots and precomputed aggregates.
// Two interchangeable backends exist (SQLite and PostgreSQL); both must
// produce identical logical results for every read operation, which the
// shared conformance test suite enforces.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blikh/ts-activity-tracker/internal/config"
)

// Metadata keys used by the tracker.
const (
	MetaSchemaVersion = "schema_version"
	MetaPollInterval  = "poll_interval"
)

// PresenceRecord is one user's observed state within one snapshot.
type PresenceRecord struct {
	UID           string
	Nickname      string
	ChannelID     int64
	IdleMS        int64
	IsAway        bool
	AwayMessage   string
	IsTalking     bool
	InputMuted    bool
	OutputMuted   bool
	IsRecording   bool
	ServerGroups  string // comma-joined group ids
	ConnectedTime int64  // seconds connected this session
}

// Channel is a cached channel description used to decorate analytics output.
type Channel struct {
	ID           int64
	Name         string
	ParentID     int64
	Order        int64
	TotalClients int64
	LastUpdated  int64
}

// SnapshotRow is one sampling tick's server-wide state.
type SnapshotRow struct {
	ID           int64
	Timestamp    int64
	TotalClients int64
}

// Sample is a presence record joined to its snapshot timestamp, the unit
// the analytics engine works over.
type Sample struct {
	SnapshotID int64
	Timestamp  int64
	PresenceRecord
}

// DailyAggregate is a precomputed per-user per-date rollup. It is a
// performance cache, not a source of truth.
type DailyAggregate struct {
	UID                  string
	Date                 string
	Nickname             string
	TotalSamples         int64
	OnlineSeconds        int64
	AvgIdleMS            int64
	MostVisitedChannelID int64
	AwayCount            int64
	TalkingCount         int64
	InputMutedCount      int64
	OutputMutedCount     int64
	RecordingCount       int64
}

// Stats describes the state of the underlying database.
type Stats struct {
	SizeBytes      int64
	SnapshotCount  int64
	PresenceCount  int64
	UniqueUsers    int64
	FirstTimestamp int64
	LastTimestamp  int64
	SchemaVersion  string
}

// Backend is the storage contract shared by both implementations.
//
// InsertSnapshot is atomic: either the snapshot row and all its presence
// rows commit, or none do. CleanupOlderThan and RebuildDailyAggregate are
// idempotent and safe to skip on failure. Constraint and connectivity
// failures propagate to the caller; nothing is silently dropped.
type Backend interface {
	// Write path.
	InsertSnapshot(ctx context.Context, at time.Time, presence []PresenceRecord) (int64, error)
	CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error)
	UpsertChannels(ctx context.Context, channels []Channel) (int64, error)
	RebuildDailyAggregate(ctx context.Context, date string) (int64, error)
	SetMetadata(ctx context.Context, key, value string) error

	// Read path.
	GetMetadata(ctx context.Context, key string) (string, bool, error)
	Snapshots(ctx context.Context, start, end int64) ([]SnapshotRow, error)
	Samples(ctx context.Context, start, end int64) ([]Sample, error)
	SamplesForUser(ctx context.Context, uid string, start, end int64) ([]Sample, error)
	LatestSamples(ctx context.Context) ([]Sample, error)
	UserFirstSeen(ctx context.Context) (map[string]int64, error)
	Channels(ctx context.Context) ([]Channel, error)
	ChannelName(ctx context.Context, id int64) (string, bool, error)
	DailyAggregates(ctx context.Context, date string) ([]DailyAggregate, error)
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Open creates the configured backend and brings its schema up to date.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path, logger)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// dateRange converts a YYYY-MM-DD calendar date into its covering
// [start, end) epoch window in local time.
func dateRange(date string) (int64, int64, error) {
	day, err := time.ParseInLocation("2006-01-02", date, time.Local)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: bad date %q: %w", date, err)
	}
	start := day.Unix()
	return start, start + 86400, nil
}
