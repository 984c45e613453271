package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// The suite below runs against every backend so the two implementations
// cannot drift apart. SQLite always runs; Postgres only when
// TSTRACKER_TEST_POSTGRES_DSN points at a scratch database.

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestSQLite(t *testing.T) Backend {
	t.Helper()
	b, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.sqlite"), testLogger())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func openTestPostgres(t *testing.T) Backend {
	t.Helper()
	dsn := os.Getenv("TSTRACKER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TSTRACKER_TEST_POSTGRES_DSN not set")
	}
	pb, err := OpenPostgres(context.Background(), dsn, testLogger())
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	var b Backend = pb
	t.Cleanup(func() {
		ctx := context.Background()
		// Scratch database: drop everything so the next run migrates fresh.
		switch p := b.(type) {
		case *PostgresBackend:
			for _, table := range []string{"user_aggregates", "channels", "client_snapshots", "snapshots", "metadata"} {
				p.pool.Exec(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
			}
		}
		b.Close()
	})
	return b
}

func runBackendTests(t *testing.T, open func(t *testing.T) Backend) {
	t.Run("Migrate", func(t *testing.T) { testMigrate(t, open(t)) })
	t.Run("InsertAndRead", func(t *testing.T) { testInsertAndRead(t, open(t)) })
	t.Run("InsertAtomicity", func(t *testing.T) { testInsertAtomicity(t, open(t)) })
	t.Run("Cleanup", func(t *testing.T) { testCleanup(t, open(t)) })
	t.Run("Channels", func(t *testing.T) { testChannels(t, open(t)) })
	t.Run("Metadata", func(t *testing.T) { testMetadata(t, open(t)) })
	t.Run("DailyAggregate", func(t *testing.T) { testDailyAggregate(t, open(t)) })
	t.Run("UserFirstSeen", func(t *testing.T) { testUserFirstSeen(t, open(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, open(t)) })
}

func TestSQLiteBackend(t *testing.T) {
	runBackendTests(t, openTestSQLite)
}

func TestPostgresBackend(t *testing.T) {
	runBackendTests(t, openTestPostgres)
}

func presence(uid, nick string, channel int64) PresenceRecord {
	return PresenceRecord{
		UID:       uid,
		Nickname:  nick,
		ChannelID: channel,
		IdleMS:    1000,
	}
}

func testMigrate(t *testing.T, b Backend) {
	ctx := context.Background()
	version, ok, err := b.GetMetadata(ctx, MetaSchemaVersion)
	if err != nil {
		t.Fatalf("get schema version: %v", err)
	}
	if !ok || version != "3" {
		t.Fatalf("schema version = %q (present=%v), want 3", version, ok)
	}
}

func testInsertAndRead(t *testing.T, b Backend) {
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	id1, err := b.InsertSnapshot(ctx, base, []PresenceRecord{
		presence("uid-a", "Alice", 1),
		{UID: "uid-b", Nickname: "Bob", ChannelID: 2, IdleMS: 5000, IsAway: true,
			AwayMessage: "lunch", InputMuted: true, ServerGroups: "6,9", ConnectedTime: 3600000},
	})
	if err != nil {
		t.Fatalf("insert snapshot: %v", err)
	}
	id2, err := b.InsertSnapshot(ctx, base.Add(30*time.Second), []PresenceRecord{
		presence("uid-a", "Alice", 3),
	})
	if err != nil {
		t.Fatalf("insert second snapshot: %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("snapshot ids not increasing: %d then %d", id1, id2)
	}

	snaps, err := b.Snapshots(ctx, base.Unix(), base.Unix()+60)
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(snaps) != 2 || snaps[0].TotalClients != 2 || snaps[1].TotalClients != 1 {
		t.Fatalf("unexpected snapshot rows: %+v", snaps)
	}

	samples, err := b.Samples(ctx, base.Unix(), base.Unix()+60)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("got %d samples, want 3", len(samples))
	}
	// Ordered by timestamp then uid.
	bob := samples[1]
	if bob.UID != "uid-b" || !bob.IsAway || bob.AwayMessage != "lunch" ||
		!bob.InputMuted || bob.ServerGroups != "6,9" || bob.ConnectedTime != 3600000 {
		t.Fatalf("bob sample mismatch: %+v", bob)
	}

	forA, err := b.SamplesForUser(ctx, "uid-a", base.Unix(), base.Unix()+60)
	if err != nil {
		t.Fatalf("samples for user: %v", err)
	}
	if len(forA) != 2 || forA[0].ChannelID != 1 || forA[1].ChannelID != 3 {
		t.Fatalf("uid-a samples mismatch: %+v", forA)
	}

	latest, err := b.LatestSamples(ctx)
	if err != nil {
		t.Fatalf("latest samples: %v", err)
	}
	if len(latest) != 1 || latest[0].UID != "uid-a" || latest[0].ChannelID != 3 {
		t.Fatalf("latest samples mismatch: %+v", latest)
	}
}

func testInsertAtomicity(t *testing.T, b Backend) {
	ctx := context.Background()
	at := time.Unix(1700000000, 0)

	// Duplicate UID violates the per-snapshot uniqueness constraint, so
	// the whole snapshot must roll back: no header row, no presence rows.
	_, err := b.InsertSnapshot(ctx, at, []PresenceRecord{
		presence("uid-dup", "First", 1),
		presence("uid-dup", "Second", 2),
	})
	if err == nil {
		t.Fatal("expected insert with duplicate uid to fail")
	}

	snaps, err := b.Snapshots(ctx, 0, at.Unix()+1)
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("found %d snapshot rows after failed insert, want 0", len(snaps))
	}
	samples, err := b.Samples(ctx, 0, at.Unix()+1)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 0 {
		t.Fatalf("found %d orphan presence rows after failed insert, want 0", len(samples))
	}
}

func testCleanup(t *testing.T, b Backend) {
	ctx := context.Background()
	old := time.Now().Add(-40 * 24 * time.Hour)
	recent := time.Now().Add(-time.Hour)

	if _, err := b.InsertSnapshot(ctx, old, []PresenceRecord{presence("uid-a", "Alice", 1)}); err != nil {
		t.Fatalf("insert old: %v", err)
	}
	if _, err := b.InsertSnapshot(ctx, recent, []PresenceRecord{presence("uid-a", "Alice", 1)}); err != nil {
		t.Fatalf("insert recent: %v", err)
	}

	deleted, err := b.CleanupOlderThan(ctx, 30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted %d snapshots, want 1", deleted)
	}

	// Cascade removed the presence rows of the old snapshot too.
	samples, err := b.Samples(ctx, 0, time.Now().Unix())
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("got %d samples after cleanup, want 1", len(samples))
	}

	// Second pass deletes nothing.
	deleted, err = b.CleanupOlderThan(ctx, 30)
	if err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("second cleanup deleted %d, want 0", deleted)
	}
}

func testChannels(t *testing.T, b Backend) {
	ctx := context.Background()
	n, err := b.UpsertChannels(ctx, []Channel{
		{ID: 1, Name: "Lobby", Order: 0, TotalClients: 3},
		{ID: 2, Name: "Gaming", ParentID: 1, Order: 1, TotalClients: 5},
	})
	if err != nil {
		t.Fatalf("upsert channels: %v", err)
	}
	if n != 2 {
		t.Fatalf("upserted %d channels, want 2", n)
	}

	// Renames replace, they do not duplicate.
	if _, err := b.UpsertChannels(ctx, []Channel{{ID: 2, Name: "Gaming HQ", ParentID: 1, Order: 1}}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	channels, err := b.Channels(ctx)
	if err != nil {
		t.Fatalf("channels: %v", err)
	}
	if len(channels) != 2 || channels[1].Name != "Gaming HQ" {
		t.Fatalf("channels mismatch: %+v", channels)
	}

	name, ok, err := b.ChannelName(ctx, 2)
	if err != nil || !ok || name != "Gaming HQ" {
		t.Fatalf("channel name = %q ok=%v err=%v", name, ok, err)
	}
	if _, ok, err := b.ChannelName(ctx, 99); err != nil || ok {
		t.Fatalf("lookup of unknown channel: ok=%v err=%v", ok, err)
	}
}

func testMetadata(t *testing.T, b Backend) {
	ctx := context.Background()
	if _, ok, err := b.GetMetadata(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := b.SetMetadata(ctx, MetaPollInterval, "30"); err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	if err := b.SetMetadata(ctx, MetaPollInterval, "45"); err != nil {
		t.Fatalf("overwrite metadata: %v", err)
	}
	value, ok, err := b.GetMetadata(ctx, MetaPollInterval)
	if err != nil || !ok || value != "45" {
		t.Fatalf("get metadata = %q ok=%v err=%v", value, ok, err)
	}
}

func testDailyAggregate(t *testing.T, b Backend) {
	ctx := context.Background()
	day := time.Date(2023, 11, 14, 12, 0, 0, 0, time.Local)
	date := day.Format("2006-01-02")

	if err := b.SetMetadata(ctx, MetaPollInterval, "30"); err != nil {
		t.Fatalf("set poll interval: %v", err)
	}
	for i, channel := range []int64{1, 1, 2} {
		rec := presence("uid-a", "Alice", channel)
		rec.IdleMS = int64(1000 * (i + 1))
		rec.IsAway = i == 2
		if _, err := b.InsertSnapshot(ctx, day.Add(time.Duration(i)*30*time.Second), []PresenceRecord{rec}); err != nil {
			t.Fatalf("insert snapshot %d: %v", i, err)
		}
	}

	n, err := b.RebuildDailyAggregate(ctx, date)
	if err != nil {
		t.Fatalf("rebuild aggregate: %v", err)
	}
	if n == 0 {
		t.Fatal("rebuild touched no rows")
	}

	aggs, err := b.DailyAggregates(ctx, date)
	if err != nil {
		t.Fatalf("daily aggregates: %v", err)
	}
	if len(aggs) != 1 {
		t.Fatalf("got %d aggregates, want 1", len(aggs))
	}
	a := aggs[0]
	if a.UID != "uid-a" || a.TotalSamples != 3 || a.OnlineSeconds != 90 ||
		a.AvgIdleMS != 2000 || a.MostVisitedChannelID != 1 || a.AwayCount != 1 {
		t.Fatalf("aggregate mismatch: %+v", a)
	}

	// Rebuild replaces, it does not double.
	if _, err := b.RebuildDailyAggregate(ctx, date); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	again, err := b.DailyAggregates(ctx, date)
	if err != nil {
		t.Fatalf("daily aggregates after rebuild: %v", err)
	}
	if len(again) != 1 || again[0] != a {
		t.Fatalf("aggregate changed on rebuild: %+v vs %+v", again, a)
	}
}

func testUserFirstSeen(t *testing.T, b Backend) {
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	if _, err := b.InsertSnapshot(ctx, base, []PresenceRecord{presence("uid-a", "Alice", 1)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := b.InsertSnapshot(ctx, base.Add(time.Minute), []PresenceRecord{
		presence("uid-a", "Alice", 1),
		presence("uid-b", "Bob", 2),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	firstSeen, err := b.UserFirstSeen(ctx)
	if err != nil {
		t.Fatalf("first seen: %v", err)
	}
	if firstSeen["uid-a"] != base.Unix() || firstSeen["uid-b"] != base.Unix()+60 {
		t.Fatalf("first seen mismatch: %v", firstSeen)
	}
}

func testStats(t *testing.T, b Backend) {
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	for i := 0; i < 3; i++ {
		if _, err := b.InsertSnapshot(ctx, base.Add(time.Duration(i)*time.Minute), []PresenceRecord{
			presence("uid-a", "Alice", 1),
			presence("uid-b", "Bob", 2),
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	st, err := b.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.SnapshotCount != 3 || st.PresenceCount != 6 || st.UniqueUsers != 2 {
		t.Fatalf("counts mismatch: %+v", st)
	}
	if st.FirstTimestamp != base.Unix() || st.LastTimestamp != base.Unix()+120 {
		t.Fatalf("timestamps mismatch: %+v", st)
	}
	if st.SizeBytes <= 0 {
		t.Fatalf("size = %d, want > 0", st.SizeBytes)
	}
	if st.SchemaVersion != "3" {
		t.Fatalf("schema version = %q", st.SchemaVersion)
	}
}
