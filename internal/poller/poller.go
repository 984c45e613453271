// Package poller runs the sampling loop: fetch the server's presence
// state, persist it as a snapshot, repeat. One sequential loop owns the
// client and all maintenance work, so there is no write contention.
package poller

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/blikh/ts-activity-tracker/internal/metrics"
	"github.com/blikh/ts-activity-tracker/internal/storage"
	"github.com/blikh/ts-activity-tracker/internal/tsquery"
)

// Maintenance cadence. Cleanup once a day, channel names hourly,
// yesterday's aggregates every six hours.
const (
	cleanupEvery    = 24 * time.Hour
	channelsEvery   = time.Hour
	aggregatesEvery = 6 * time.Hour
)

// StateClient is the slice of tsquery.Client the poller needs.
type StateClient interface {
	FetchPresence(ctx context.Context) ([]tsquery.PresenceObservation, error)
	FetchChannels(ctx context.Context) ([]tsquery.ChannelObservation, error)
	Close()
}

type Config struct {
	Interval               time.Duration
	MaxRetries             int
	BackoffBase            float64
	MaxConsecutiveFailures int
	RetentionDays          int
}

type Poller struct {
	store     storage.Backend
	newClient func() StateClient
	client    StateClient
	clock     clockwork.Clock
	logger    *slog.Logger
	cfg       Config

	failures int
	backoff  *backoff.ExponentialBackOff

	lastCleanup    time.Time
	lastChannels   time.Time
	lastAggregates time.Time
}

// New builds a poller. newClient is called once at startup and again
// whenever the consecutive-failure threshold forces a reconnect.
func New(store storage.Backend, newClient func() StateClient, cfg Config, clock clockwork.Clock, logger *slog.Logger) *Poller {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = cfg.BackoffBase
	bo.RandomizationFactor = 0
	bo.MaxInterval = 10 * time.Minute
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Poller{
		store:     store,
		newClient: newClient,
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		backoff:   bo,
	}
}

// Run polls until the context is cancelled. An in-flight write finishes
// before the loop observes cancellation.
func (p *Poller) Run(ctx context.Context) error {
	seconds := int(p.cfg.Interval / time.Second)
	if err := p.store.SetMetadata(ctx, storage.MetaPollInterval, strconv.Itoa(seconds)); err != nil {
		return err
	}

	p.client = p.newClient()
	defer func() { p.client.Close() }()

	p.refreshChannels(ctx)
	now := p.clock.Now()
	p.lastCleanup, p.lastChannels, p.lastAggregates = now, now, now

	p.logger.Info("poller started", "interval", p.cfg.Interval)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tickStart := p.clock.Now()
		if p.tick(ctx) {
			// The backoff delay already elapsed inside tick; retry the
			// fetch now instead of waiting out the interval.
			continue
		}
		p.maintenance(ctx)

		sleep := p.cfg.Interval - p.clock.Since(tickStart)
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(sleep):
		}
	}
}

// tick fetches presence and stores one snapshot. A true result means a
// fetch failure was already delayed by the backoff sleep and the caller
// should retry immediately, skipping maintenance and the interval sleep.
func (p *Poller) tick(ctx context.Context) (retry bool) {
	start := p.clock.Now()
	observations, err := p.client.FetchPresence(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.failures++
		metrics.PollFailures.Inc()
		p.logger.Error("presence fetch failed", "error", err, "consecutive_failures", p.failures)

		if p.failures >= p.cfg.MaxConsecutiveFailures {
			p.reconnect()
			return false
		}
		if p.failures > p.cfg.MaxRetries {
			// Out of retries, fall back to normal cadence.
			return false
		}
		delay := p.backoff.NextBackOff()
		p.logger.Warn("backing off before retry", "delay", delay, "attempt", p.failures)
		select {
		case <-ctx.Done():
			return false
		case <-p.clock.After(delay):
		}
		return true
	}

	records := make([]storage.PresenceRecord, len(observations))
	for i, obs := range observations {
		records[i] = storage.PresenceRecord{
			UID:           obs.UID,
			Nickname:      obs.Nickname,
			ChannelID:     obs.ChannelID,
			IdleMS:        obs.IdleMS,
			IsAway:        obs.IsAway,
			AwayMessage:   obs.AwayMessage,
			IsTalking:     obs.IsTalking,
			InputMuted:    obs.InputMuted,
			OutputMuted:   obs.OutputMuted,
			IsRecording:   obs.IsRecording,
			ServerGroups:  obs.ServerGroups,
			ConnectedTime: obs.ConnectedTime,
		}
	}

	id, err := p.store.InsertSnapshot(ctx, p.clock.Now(), records)
	if err != nil {
		// A storage failure is not a server failure: abandon the tick
		// and keep normal cadence.
		p.logger.Error("snapshot insert failed", "error", err)
		return false
	}

	p.failures = 0
	p.backoff.Reset()
	metrics.SnapshotsTotal.Inc()
	metrics.SnapshotDuration.Observe(p.clock.Since(start).Seconds())
	p.logger.Info("snapshot recorded", "snapshot_id", id, "clients", len(records))
	return false
}

func (p *Poller) reconnect() {
	p.logger.Error("too many consecutive failures, reconnecting", "failures", p.failures)
	p.client.Close()
	p.client = p.newClient()
	p.failures = 0
	p.backoff.Reset()
}

func (p *Poller) maintenance(ctx context.Context) {
	now := p.clock.Now()

	if ctx.Err() != nil {
		return
	}
	if p.cfg.RetentionDays > 0 && now.Sub(p.lastCleanup) >= cleanupEvery {
		deleted, err := p.store.CleanupOlderThan(ctx, p.cfg.RetentionDays)
		if err != nil {
			p.logger.Error("data cleanup failed", "error", err)
		} else {
			p.logger.Info("cleaned up old snapshots", "deleted", deleted, "retention_days", p.cfg.RetentionDays)
		}
		p.lastCleanup = now
	}

	if ctx.Err() != nil {
		return
	}
	if now.Sub(p.lastChannels) >= channelsEvery {
		p.refreshChannels(ctx)
		p.lastChannels = now
	}

	if ctx.Err() != nil {
		return
	}
	if now.Sub(p.lastAggregates) >= aggregatesEvery {
		yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")
		count, err := p.store.RebuildDailyAggregate(ctx, yesterday)
		if err != nil {
			p.logger.Error("aggregate rebuild failed", "date", yesterday, "error", err)
		} else {
			p.logger.Info("rebuilt daily aggregates", "date", yesterday, "users", count)
		}
		p.lastAggregates = now
	}
}

func (p *Poller) refreshChannels(ctx context.Context) {
	observations, err := p.client.FetchChannels(ctx)
	if err != nil {
		p.logger.Error("channel cache refresh failed", "error", err)
		return
	}
	channels := make([]storage.Channel, len(observations))
	for i, obs := range observations {
		channels[i] = storage.Channel{
			ID:           obs.ID,
			Name:         obs.Name,
			ParentID:     obs.ParentID,
			Order:        obs.Order,
			TotalClients: obs.TotalClients,
		}
	}
	count, err := p.store.UpsertChannels(ctx, channels)
	if err != nil {
		p.logger.Error("channel cache update failed", "error", err)
		return
	}
	p.logger.Info("updated channel cache", "channels", count)
}
