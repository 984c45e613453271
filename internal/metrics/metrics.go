// Package metrics provides Prometheus metrics for the tracker.
package metrics

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blikh/ts-activity-tracker/internal/analytics"
	"github.com/blikh/ts-activity-tracker/internal/storage"
)

var (
	// Population metrics.
	UsersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ts",
		Name:      "users_total",
		Help:      "Total unique users tracked.",
	})
	UsersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ts",
		Name:      "users_online",
		Help:      "Users present in the most recent snapshot.",
	})
	UsersOnlineActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ts",
		Name:      "users_online_active",
		Help:      "Online users that are neither idle nor away.",
	})
	PeakUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ts",
		Name:      "peak_users",
		Help:      "Peak concurrent users over the last 7 days.",
	})
	AvgUsersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ts",
		Name:      "avg_users_online",
		Help:      "Average users online over the last 7 days.",
	})

	// Engagement metrics.
	LTVPowerUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ts",
		Subsystem: "ltv",
		Name:      "power_users",
		Help:      "Users with a lifetime-value score of 80 or above.",
	})
	LTVRegularUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ts",
		Subsystem: "ltv",
		Name:      "regular_users",
		Help:      "Users with a lifetime-value score between 50 and 79.",
	})
	LTVCasualUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ts",
		Subsystem: "ltv",
		Name:      "casual_users",
		Help:      "Users with a lifetime-value score below 50.",
	})
	LTVAvgScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ts",
		Subsystem: "ltv",
		Name:      "avg_score",
		Help:      "Average lifetime-value score across scored users.",
	})

	// Channel metrics.
	ChannelsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ts",
		Name:      "channels_total",
		Help:      "Channels observed over the last 7 days.",
	})
	ChannelVisits = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ts",
		Name:      "channel_visits",
		Help:      "Presence samples observed per channel (7 days).",
	}, []string{"channel_id", "channel_name"})
	ChannelUniqueUsers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ts",
		Name:      "channel_unique_users",
		Help:      "Distinct users observed per channel (7 days).",
	}, []string{"channel_id", "channel_name"})

	// Collection metrics, updated by the poller.
	SnapshotsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ts",
		Name:      "snapshots_total",
		Help:      "Total snapshots collected since start.",
	})
	SnapshotDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ts",
		Name:      "snapshot_collection_seconds",
		Help:      "Time spent fetching and persisting one snapshot.",
		Buckets:   prometheus.DefBuckets,
	})
	PollFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ts",
		Name:      "poll_failures_total",
		Help:      "Total failed presence fetches.",
	})
	DatabaseSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ts",
		Name:      "database_size_bytes",
		Help:      "On-disk size of the backing database.",
	})
)

func init() {
	prometheus.MustRegister(
		UsersTotal,
		UsersOnline,
		UsersOnlineActive,
		PeakUsers,
		AvgUsersOnline,

		LTVPowerUsers,
		LTVRegularUsers,
		LTVCasualUsers,
		LTVAvgScore,

		ChannelsTotal,
		ChannelVisits,
		ChannelUniqueUsers,

		SnapshotsTotal,
		SnapshotDuration,
		PollFailures,
		DatabaseSizeBytes,
	)
}

// activeIdleThresholdMS mirrors the dashboard notion of "active": less
// than five minutes idle and not marked away.
const activeIdleThresholdMS = 5 * 60 * 1000

// Collector refreshes the gauge set from the analytics engine. The
// poller calls Refresh after each successful snapshot.
type Collector struct {
	engine *analytics.Engine
	store  storage.Backend
	logger *slog.Logger
}

func NewCollector(engine *analytics.Engine, store storage.Backend, logger *slog.Logger) *Collector {
	return &Collector{engine: engine, store: store, logger: logger}
}

// Refresh recomputes every derived gauge. Failures are logged and the
// remaining gauges still update; stale metrics beat a dead poller.
func (c *Collector) Refresh(ctx context.Context) {
	if summary, err := c.engine.Summary(ctx, 7); err != nil {
		c.logger.Warn("metrics: summary refresh failed", "error", err)
	} else {
		UsersTotal.Set(float64(summary.UniqueUsers))
		AvgUsersOnline.Set(summary.AvgUsersOnline)
		PeakUsers.Set(float64(summary.MaxUsersOnline))
	}

	if online, err := c.engine.OnlineNow(ctx); err != nil {
		c.logger.Warn("metrics: online refresh failed", "error", err)
	} else {
		UsersOnline.Set(float64(len(online)))
		active := 0
		for _, smp := range online {
			if !smp.IsAway && smp.IdleMS < activeIdleThresholdMS {
				active++
			}
		}
		UsersOnlineActive.Set(float64(active))
	}

	if ltv, err := c.engine.LTVSummaryReport(ctx, 0); err != nil {
		c.logger.Warn("metrics: ltv refresh failed", "error", err)
	} else {
		LTVPowerUsers.Set(float64(ltv.PowerUsers))
		LTVRegularUsers.Set(float64(ltv.RegularUsers))
		LTVCasualUsers.Set(float64(ltv.CasualUsers))
		LTVAvgScore.Set(ltv.AvgScore)
	}

	if channels, err := c.engine.ChannelStats(ctx, 7); err != nil {
		c.logger.Warn("metrics: channel refresh failed", "error", err)
	} else {
		ChannelsTotal.Set(float64(len(channels)))
		ChannelVisits.Reset()
		ChannelUniqueUsers.Reset()
		for _, ch := range channels {
			id := strconv.FormatInt(ch.ChannelID, 10)
			ChannelVisits.WithLabelValues(id, ch.Name).Set(float64(ch.TotalVisits))
			ChannelUniqueUsers.WithLabelValues(id, ch.Name).Set(float64(ch.UniqueUsers))
		}
	}

	if st, err := c.store.Stats(ctx); err != nil {
		c.logger.Warn("metrics: storage stats refresh failed", "error", err)
	} else {
		DatabaseSizeBytes.Set(float64(st.SizeBytes))
	}
}
