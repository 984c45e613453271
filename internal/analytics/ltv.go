package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/blikh/ts-activity-tracker/internal/storage"
)

// LTV component weights. Volume dominates; consistency, talking
// activity and channel diversity refine it.
const (
	ltvWeightSamples  = 40.0
	ltvWeightDays     = 30.0
	ltvWeightTalking  = 20.0
	ltvWeightChannels = 10.0

	// Users below this many samples carry too little signal to score.
	ltvMinSamples = 5

	ltvPowerThreshold   = 80
	ltvRegularThreshold = 50
)

type LTVUser struct {
	UID                  string
	Nickname             string
	Score                int
	Category             string
	SampleCount          int64
	DaysActive           int64
	TalkingSamples       int64
	ChannelsVisited      int64
	ActivityFrequencyPct float64
	FirstSeen            int64
	LastSeen             int64
}

type LTVSummary struct {
	PeriodDays     int
	TotalUsers     int64
	AvgScore       float64
	PowerUsers     int64
	RegularUsers   int64
	CasualUsers    int64
	PowerPercent   float64
	RegularPercent float64
	CasualPercent  float64
}

type ltvComponents struct {
	samples  []storage.Sample
	days     map[string]struct{}
	channels map[int64]struct{}
	talking  int64
}

func ltvCategory(score int) string {
	switch {
	case score >= ltvPowerThreshold:
		return "power"
	case score >= ltvRegularThreshold:
		return "regular"
	default:
		return "casual"
	}
}

// LifetimeValue scores every eligible user in the window. Each of the
// four components is normalized against the maximum observed across the
// window's population, weighted, summed and truncated to an integer in
// [0, 100].
func (e *Engine) LifetimeValue(ctx context.Context, days, limit int) ([]LTVUser, error) {
	start, end := e.window(days)
	samples, err := e.store.Samples(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("analytics: lifetime value: %w", err)
	}
	byUser, uids := groupByUser(samples)
	components := make(map[string]*ltvComponents)
	var maxSamples, maxDays, maxTalking, maxChannels int64
	for _, uid := range uids {
		us := byUser[uid]
		if len(us) < ltvMinSamples {
			continue
		}
		c := &ltvComponents{
			samples:  us,
			days:     make(map[string]struct{}),
			channels: make(map[int64]struct{}),
		}
		for _, smp := range us {
			c.days[time.Unix(smp.Timestamp, 0).UTC().Format("2006-01-02")] = struct{}{}
			c.channels[smp.ChannelID] = struct{}{}
			if smp.IsTalking {
				c.talking++
			}
		}
		components[uid] = c
		maxSamples = max(maxSamples, int64(len(us)))
		maxDays = max(maxDays, int64(len(c.days)))
		maxTalking = max(maxTalking, c.talking)
		maxChannels = max(maxChannels, int64(len(c.channels)))
	}

	norm := func(value, maxValue int64, weight float64) float64 {
		if maxValue == 0 {
			return 0
		}
		return float64(value) / float64(maxValue) * weight
	}

	var out []LTVUser
	for _, uid := range uids {
		c, ok := components[uid]
		if !ok {
			continue
		}
		us := c.samples
		score := int(norm(int64(len(us)), maxSamples, ltvWeightSamples) +
			norm(int64(len(c.days)), maxDays, ltvWeightDays) +
			norm(c.talking, maxTalking, ltvWeightTalking) +
			norm(int64(len(c.channels)), maxChannels, ltvWeightChannels))
		if score > 100 {
			score = 100
		}

		firstSeen := us[0].Timestamp
		lastSeen := us[len(us)-1].Timestamp
		frequency := 0.0
		if span := lastSeen - firstSeen; span > 0 {
			frequency = round2(float64(len(c.days)) / (float64(span) / 86400) * 100)
		}
		out = append(out, LTVUser{
			UID:                  uid,
			Nickname:             lastNickname(us),
			Score:                score,
			Category:             ltvCategory(score),
			SampleCount:          int64(len(us)),
			DaysActive:           int64(len(c.days)),
			TalkingSamples:       c.talking,
			ChannelsVisited:      int64(len(c.channels)),
			ActivityFrequencyPct: frequency,
			FirstSeen:            firstSeen,
			LastSeen:             lastSeen,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LTVSummaryReport aggregates category counts and the mean score over
// the scored population.
func (e *Engine) LTVSummaryReport(ctx context.Context, days int) (LTVSummary, error) {
	users, err := e.LifetimeValue(ctx, days, 0)
	if err != nil {
		return LTVSummary{}, err
	}

	var power, regular, casual, scoreSum int64
	for _, u := range users {
		scoreSum += int64(u.Score)
		switch u.Category {
		case "power":
			power++
		case "regular":
			regular++
		default:
			casual++
		}
	}
	total := int64(len(users))
	avg := 0.0
	if total > 0 {
		avg = round2(float64(scoreSum) / float64(total))
	}
	return LTVSummary{
		PeriodDays:     days,
		TotalUsers:     total,
		AvgScore:       avg,
		PowerUsers:     power,
		RegularUsers:   regular,
		CasualUsers:    casual,
		PowerPercent:   percent(power, total),
		RegularPercent: percent(regular, total),
		CasualPercent:  percent(casual, total),
	}, nil
}
