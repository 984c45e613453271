package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/blikh/ts-activity-tracker/internal/storage"
)

type TopUser struct {
	UID           string
	Nickname      string
	SampleCount   int64
	OnlineSeconds int64
	OnlineHours   float64
	FirstSeen     int64
	LastSeen      int64
}

// TopUsers ranks users by accumulated online time in the window.
// Online time is inferred: one sample counts for one poll interval.
func (e *Engine) TopUsers(ctx context.Context, days, limit int) ([]TopUser, error) {
	start, end := e.window(days)
	samples, err := e.store.Samples(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("analytics: top users: %w", err)
	}
	interval := e.interval(ctx)

	byUser, uids := groupByUser(samples)
	out := make([]TopUser, 0, len(uids))
	for _, uid := range uids {
		us := byUser[uid]
		seconds := int64(len(us)) * interval
		out = append(out, TopUser{
			UID:           uid,
			Nickname:      lastNickname(us),
			SampleCount:   int64(len(us)),
			OnlineSeconds: seconds,
			OnlineHours:   round2(float64(seconds) / 3600),
			FirstSeen:     us[0].Timestamp,
			LastSeen:      us[len(us)-1].Timestamp,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SampleCount > out[j].SampleCount })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type ChannelVisits struct {
	ChannelID int64
	Visits    int64
}

type UserReport struct {
	UID              string
	Nickname         string
	SampleCount      int64
	OnlineSeconds    int64
	OnlineHours      float64
	FirstSeen        int64
	LastSeen         int64
	AvgIdleMS        int64
	FavoriteChannels []ChannelVisits
	WeekdaySamples   map[time.Weekday]int64
}

// UserStats reports a single user over the window. Returns nil when the
// user has no samples in it.
func (e *Engine) UserStats(ctx context.Context, uid string, days int) (*UserReport, error) {
	start, end := e.window(days)
	samples, err := e.store.SamplesForUser(ctx, uid, start, end)
	if err != nil {
		return nil, fmt.Errorf("analytics: user stats: %w", err)
	}
	if len(samples) == 0 {
		return nil, nil
	}
	interval := e.interval(ctx)

	var idleSum int64
	visits := make(map[int64]int64)
	weekdays := make(map[time.Weekday]int64)
	for _, smp := range samples {
		idleSum += smp.IdleMS
		visits[smp.ChannelID]++
		weekdays[time.Unix(smp.Timestamp, 0).UTC().Weekday()]++
	}

	favorites := make([]ChannelVisits, 0, len(visits))
	for id, n := range visits {
		favorites = append(favorites, ChannelVisits{ChannelID: id, Visits: n})
	}
	sort.Slice(favorites, func(i, j int) bool {
		if favorites[i].Visits != favorites[j].Visits {
			return favorites[i].Visits > favorites[j].Visits
		}
		return favorites[i].ChannelID < favorites[j].ChannelID
	})
	if len(favorites) > 5 {
		favorites = favorites[:5]
	}

	seconds := int64(len(samples)) * interval
	return &UserReport{
		UID:              uid,
		Nickname:         lastNickname(samples),
		SampleCount:      int64(len(samples)),
		OnlineSeconds:    seconds,
		OnlineHours:      round2(float64(seconds) / 3600),
		FirstSeen:        samples[0].Timestamp,
		LastSeen:         samples[len(samples)-1].Timestamp,
		AvgIdleMS:        idleSum / int64(len(samples)),
		FavoriteChannels: favorites,
		WeekdaySamples:   weekdays,
	}, nil
}

type HourBucket struct {
	Hour        int
	AvgClients  float64
	SampleCount int64
}

// HourlyHeatmap averages the server population per hour of day (UTC).
func (e *Engine) HourlyHeatmap(ctx context.Context, days int) ([]HourBucket, error) {
	start, end := e.window(days)
	snaps, err := e.store.Snapshots(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("analytics: hourly heatmap: %w", err)
	}

	var sums, counts [24]int64
	for _, s := range snaps {
		h := time.Unix(s.Timestamp, 0).UTC().Hour()
		sums[h] += s.TotalClients
		counts[h]++
	}
	var out []HourBucket
	for h := 0; h < 24; h++ {
		if counts[h] == 0 {
			continue
		}
		out = append(out, HourBucket{
			Hour:        h,
			AvgClients:  round2(float64(sums[h]) / float64(counts[h])),
			SampleCount: counts[h],
		})
	}
	return out, nil
}

type WeekdayBucket struct {
	Weekday     time.Weekday
	AvgClients  float64
	SampleCount int64
}

// WeekdayActivity averages the server population per day of week (UTC).
func (e *Engine) WeekdayActivity(ctx context.Context, days int) ([]WeekdayBucket, error) {
	start, end := e.window(days)
	snaps, err := e.store.Snapshots(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("analytics: weekday activity: %w", err)
	}

	var sums, counts [7]int64
	for _, s := range snaps {
		d := time.Unix(s.Timestamp, 0).UTC().Weekday()
		sums[d] += s.TotalClients
		counts[d]++
	}
	var out []WeekdayBucket
	for d := time.Sunday; d <= time.Saturday; d++ {
		if counts[d] == 0 {
			continue
		}
		out = append(out, WeekdayBucket{
			Weekday:     d,
			AvgClients:  round2(float64(sums[d]) / float64(counts[d])),
			SampleCount: counts[d],
		})
	}
	return out, nil
}

type IdleUser struct {
	UID         string
	Nickname    string
	AvgIdleMS   int64
	SampleCount int64
}

// minIdleSamples keeps one-sample outliers out of the idle ranking.
const minIdleSamples = 10

// TopIdleUsers ranks users by average idle time. Eligibility needs more
// than minIdleSamples samples in the window, the same bar AwayStats uses.
func (e *Engine) TopIdleUsers(ctx context.Context, days, limit int) ([]IdleUser, error) {
	start, end := e.window(days)
	samples, err := e.store.Samples(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("analytics: top idle users: %w", err)
	}

	byUser, uids := groupByUser(samples)
	var out []IdleUser
	for _, uid := range uids {
		us := byUser[uid]
		if len(us) <= minIdleSamples {
			continue
		}
		var idleSum int64
		for _, smp := range us {
			idleSum += smp.IdleMS
		}
		out = append(out, IdleUser{
			UID:         uid,
			Nickname:    lastNickname(us),
			AvgIdleMS:   idleSum / int64(len(us)),
			SampleCount: int64(len(us)),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AvgIdleMS > out[j].AvgIdleMS })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type PeakTime struct {
	Timestamp    int64
	TotalClients int64
}

// PeakTimes returns the snapshots with the highest population.
func (e *Engine) PeakTimes(ctx context.Context, days, limit int) ([]PeakTime, error) {
	start, end := e.window(days)
	snaps, err := e.store.Snapshots(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("analytics: peak times: %w", err)
	}

	out := make([]PeakTime, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, PeakTime{Timestamp: s.Timestamp, TotalClients: s.TotalClients})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TotalClients != out[j].TotalClients {
			return out[i].TotalClients > out[j].TotalClients
		}
		return out[i].Timestamp > out[j].Timestamp
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type ChannelReport struct {
	ChannelID   int64
	Name        string
	TotalVisits int64
	UniqueUsers int64
	AvgIdleMS   int64
}

// ChannelStats ranks channels by total visits (samples observed in
// them), decorated with names from the channel cache.
func (e *Engine) ChannelStats(ctx context.Context, days int) ([]ChannelReport, error) {
	start, end := e.window(days)
	samples, err := e.store.Samples(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("analytics: channel stats: %w", err)
	}

	type acc struct {
		visits  int64
		idleSum int64
		users   map[string]struct{}
	}
	byChannel := make(map[int64]*acc)
	for _, smp := range samples {
		a := byChannel[smp.ChannelID]
		if a == nil {
			a = &acc{users: make(map[string]struct{})}
			byChannel[smp.ChannelID] = a
		}
		a.visits++
		a.idleSum += smp.IdleMS
		a.users[smp.UID] = struct{}{}
	}

	out := make([]ChannelReport, 0, len(byChannel))
	for id, a := range byChannel {
		name, ok, err := e.store.ChannelName(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("analytics: channel stats: %w", err)
		}
		if !ok {
			name = fmt.Sprintf("Channel %d", id)
		}
		out = append(out, ChannelReport{
			ChannelID:   id,
			Name:        name,
			TotalVisits: a.visits,
			UniqueUsers: int64(len(a.users)),
			AvgIdleMS:   a.idleSum / a.visits,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TotalVisits != out[j].TotalVisits {
			return out[i].TotalVisits > out[j].TotalVisits
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out, nil
}

type Growth struct {
	PeriodDays       int
	TotalUniqueUsers int64
	NewUsers         int64
	ReturningUsers   int64
	NewUserPercent   float64
}

// GrowthMetrics splits the window's users into new (their earliest-ever
// appearance falls inside the window) and returning.
func (e *Engine) GrowthMetrics(ctx context.Context, days int) (Growth, error) {
	start, end := e.window(days)
	samples, err := e.store.Samples(ctx, start, end)
	if err != nil {
		return Growth{}, fmt.Errorf("analytics: growth metrics: %w", err)
	}
	firstSeen, err := e.store.UserFirstSeen(ctx)
	if err != nil {
		return Growth{}, fmt.Errorf("analytics: growth metrics: %w", err)
	}

	_, uids := groupByUser(samples)
	var newUsers int64
	for _, uid := range uids {
		if ts, ok := firstSeen[uid]; ok && ts >= start && ts <= end {
			newUsers++
		}
	}
	total := int64(len(uids))
	return Growth{
		PeriodDays:       days,
		TotalUniqueUsers: total,
		NewUsers:         newUsers,
		ReturningUsers:   total - newUsers,
		NewUserPercent:   percent(newUsers, total),
	}, nil
}

// OnlineNow returns the users present in the most recent snapshot.
func (e *Engine) OnlineNow(ctx context.Context) ([]storage.Sample, error) {
	samples, err := e.store.LatestSamples(ctx)
	if err != nil {
		return nil, fmt.Errorf("analytics: online now: %w", err)
	}
	return samples, nil
}

type Summary struct {
	PeriodDays     int
	TotalSnapshots int64
	AvgUsersOnline float64
	MaxUsersOnline int64
	UniqueUsers    int64
}

// Summary gives the overall shape of the window.
func (e *Engine) Summary(ctx context.Context, days int) (Summary, error) {
	start, end := e.window(days)
	snaps, err := e.store.Snapshots(ctx, start, end)
	if err != nil {
		return Summary{}, fmt.Errorf("analytics: summary: %w", err)
	}
	samples, err := e.store.Samples(ctx, start, end)
	if err != nil {
		return Summary{}, fmt.Errorf("analytics: summary: %w", err)
	}

	var clientSum, maxClients int64
	for _, s := range snaps {
		clientSum += s.TotalClients
		if s.TotalClients > maxClients {
			maxClients = s.TotalClients
		}
	}
	avg := 0.0
	if len(snaps) > 0 {
		avg = round2(float64(clientSum) / float64(len(snaps)))
	}
	_, uids := groupByUser(samples)
	return Summary{
		PeriodDays:     days,
		TotalSnapshots: int64(len(snaps)),
		AvgUsersOnline: avg,
		MaxUsersOnline: maxClients,
		UniqueUsers:    int64(len(uids)),
	}, nil
}
