package analytics

import (
	"context"
	"fmt"
	"sort"

	"github.com/blikh/ts-activity-tracker/internal/storage"
)

type SwitchReport struct {
	UID             string
	Nickname        string
	TotalSamples    int64
	Switches        int64
	SwitchesPerHour float64
}

// countSwitches walks a user's time-ordered samples. A switch is a
// change of channel relative to the immediately preceding sample; the
// first sample never counts.
func countSwitches(samples []storage.Sample) int64 {
	var switches int64
	for i := 1; i < len(samples); i++ {
		if samples[i].ChannelID != samples[i-1].ChannelID {
			switches++
		}
	}
	return switches
}

// ChannelSwitches ranks users by how often they hop channels. The rate
// is 0 for users with fewer than two samples, where the inferred online
// time is too short to mean anything.
func (e *Engine) ChannelSwitches(ctx context.Context, days, limit int) ([]SwitchReport, error) {
	start, end := e.window(days)
	samples, err := e.store.Samples(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("analytics: channel switches: %w", err)
	}
	interval := e.interval(ctx)

	byUser, uids := groupByUser(samples)
	var out []SwitchReport
	for _, uid := range uids {
		us := byUser[uid]
		switches := countSwitches(us)
		if switches == 0 {
			continue
		}
		rate := 0.0
		if len(us) >= 2 {
			hours := float64(int64(len(us))*interval) / 3600
			rate = round2(float64(switches) / hours)
		}
		out = append(out, SwitchReport{
			UID:             uid,
			Nickname:        lastNickname(us),
			TotalSamples:    int64(len(us)),
			Switches:        switches,
			SwitchesPerHour: rate,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Switches > out[j].Switches })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type SessionUser struct {
	UID               string
	Nickname          string
	SessionCount      int64
	AvgSessionMinutes float64
}

type ConnectionReport struct {
	PeriodDays      int
	TotalUsers      int64
	AvgOnlineHours  float64
	TopReconnectors []SessionUser
}

// countSessions segments a user's time-ordered samples into sessions.
// A new session starts at the first sample, or whenever the gap to the
// previous sample exceeds twice the poll interval. There is no explicit
// connect/disconnect event; the gap is the only signal.
func countSessions(samples []storage.Sample, interval int64) int64 {
	var sessions int64
	for i, smp := range samples {
		if i == 0 || smp.Timestamp-samples[i-1].Timestamp > 2*interval {
			sessions++
		}
	}
	return sessions
}

// ConnectionPatterns reconstructs sessions from sampling gaps and ranks
// users by how often they reconnect.
func (e *Engine) ConnectionPatterns(ctx context.Context, days, limit int) (ConnectionReport, error) {
	start, end := e.window(days)
	samples, err := e.store.Samples(ctx, start, end)
	if err != nil {
		return ConnectionReport{}, fmt.Errorf("analytics: connection patterns: %w", err)
	}
	interval := e.interval(ctx)

	byUser, uids := groupByUser(samples)
	var sampleSum int64
	out := make([]SessionUser, 0, len(uids))
	for _, uid := range uids {
		us := byUser[uid]
		sampleSum += int64(len(us))
		sessions := countSessions(us, interval)
		avgSamples := float64(len(us)) / float64(sessions)
		out = append(out, SessionUser{
			UID:               uid,
			Nickname:          lastNickname(us),
			SessionCount:      sessions,
			AvgSessionMinutes: round2(avgSamples * float64(interval) / 60),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SessionCount > out[j].SessionCount })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	avgOnlineHours := 0.0
	if len(uids) > 0 {
		avgSamplesPerUser := float64(sampleSum) / float64(len(uids))
		avgOnlineHours = round2(avgSamplesPerUser * float64(interval) / 3600)
	}
	return ConnectionReport{
		PeriodDays:      days,
		TotalUsers:      int64(len(uids)),
		AvgOnlineHours:  avgOnlineHours,
		TopReconnectors: out,
	}, nil
}
