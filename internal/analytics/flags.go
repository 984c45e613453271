package analytics

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

type AwayUser struct {
	UID             string
	Nickname        string
	TotalSamples    int64
	AwayCount       int64
	AwayPercent     float64
	LastAwayMessage string
}

type AwayReport struct {
	PeriodDays   int
	TotalSamples int64
	AwaySamples  int64
	AwayPercent  float64
	TopAwayUsers []AwayUser
}

// AwayStats reports how much of the window users spent marked away.
// The per-user ranking only considers users who set an away message
// and have more than minIdleSamples samples.
func (e *Engine) AwayStats(ctx context.Context, days, limit int) (AwayReport, error) {
	start, end := e.window(days)
	samples, err := e.store.Samples(ctx, start, end)
	if err != nil {
		return AwayReport{}, fmt.Errorf("analytics: away stats: %w", err)
	}

	var awayTotal int64
	for _, smp := range samples {
		if smp.IsAway {
			awayTotal++
		}
	}

	byUser, uids := groupByUser(samples)
	var top []AwayUser
	for _, uid := range uids {
		us := byUser[uid]
		if len(us) <= minIdleSamples {
			continue
		}
		var awayCount int64
		var lastMessage string
		for _, smp := range us {
			if smp.IsAway {
				awayCount++
			}
			if smp.AwayMessage != "" {
				lastMessage = smp.AwayMessage
			}
		}
		if lastMessage == "" {
			continue
		}
		top = append(top, AwayUser{
			UID:             uid,
			Nickname:        lastNickname(us),
			TotalSamples:    int64(len(us)),
			AwayCount:       awayCount,
			AwayPercent:     percent(awayCount, int64(len(us))),
			LastAwayMessage: lastMessage,
		})
	}
	sort.SliceStable(top, func(i, j int) bool { return top[i].AwayCount > top[j].AwayCount })
	if limit > 0 && len(top) > limit {
		top = top[:limit]
	}

	return AwayReport{
		PeriodDays:   days,
		TotalSamples: int64(len(samples)),
		AwaySamples:  awayTotal,
		AwayPercent:  percent(awayTotal, int64(len(samples))),
		TopAwayUsers: top,
	}, nil
}

type Recorder struct {
	UID              string
	Nickname         string
	RecordingCount   int64
	RecordingPercent float64
}

type MuteReport struct {
	PeriodDays          int
	TotalSamples        int64
	MicMutedPercent     float64
	SpeakerMutedPercent float64
	RecordingPercent    float64
	TalkingPercent      float64
	TopRecorders        []Recorder
}

// MuteStats rolls up the voice flags over the window.
func (e *Engine) MuteStats(ctx context.Context, days int) (MuteReport, error) {
	start, end := e.window(days)
	samples, err := e.store.Samples(ctx, start, end)
	if err != nil {
		return MuteReport{}, fmt.Errorf("analytics: mute stats: %w", err)
	}

	var micMuted, speakerMuted, recording, talking int64
	for _, smp := range samples {
		if smp.InputMuted {
			micMuted++
		}
		if smp.OutputMuted {
			speakerMuted++
		}
		if smp.IsRecording {
			recording++
		}
		if smp.IsTalking {
			talking++
		}
	}

	byUser, uids := groupByUser(samples)
	var recorders []Recorder
	for _, uid := range uids {
		us := byUser[uid]
		var count int64
		for _, smp := range us {
			if smp.IsRecording {
				count++
			}
		}
		if count == 0 {
			continue
		}
		recorders = append(recorders, Recorder{
			UID:              uid,
			Nickname:         lastNickname(us),
			RecordingCount:   count,
			RecordingPercent: percent(count, int64(len(us))),
		})
	}
	sort.SliceStable(recorders, func(i, j int) bool { return recorders[i].RecordingCount > recorders[j].RecordingCount })
	if len(recorders) > 10 {
		recorders = recorders[:10]
	}

	total := int64(len(samples))
	return MuteReport{
		PeriodDays:          days,
		TotalSamples:        total,
		MicMutedPercent:     percent(micMuted, total),
		SpeakerMutedPercent: percent(speakerMuted, total),
		RecordingPercent:    percent(recording, total),
		TalkingPercent:      percent(talking, total),
		TopRecorders:        recorders,
	}, nil
}

type GroupReport struct {
	GroupID       string
	UniqueMembers int64
	TotalSamples  int64
}

// ServerGroupStats expands the comma-joined group sets and ranks groups
// by distinct membership observed in the window.
func (e *Engine) ServerGroupStats(ctx context.Context, days int) ([]GroupReport, error) {
	start, end := e.window(days)
	samples, err := e.store.Samples(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("analytics: server group stats: %w", err)
	}

	type acc struct {
		samples int64
		members map[string]struct{}
	}
	byGroup := make(map[string]*acc)
	for _, smp := range samples {
		if smp.ServerGroups == "" {
			continue
		}
		for _, gid := range strings.Split(smp.ServerGroups, ",") {
			gid = strings.TrimSpace(gid)
			if gid == "" {
				continue
			}
			a := byGroup[gid]
			if a == nil {
				a = &acc{members: make(map[string]struct{})}
				byGroup[gid] = a
			}
			a.samples++
			a.members[smp.UID] = struct{}{}
		}
	}

	out := make([]GroupReport, 0, len(byGroup))
	for gid, a := range byGroup {
		out = append(out, GroupReport{
			GroupID:       gid,
			UniqueMembers: int64(len(a.members)),
			TotalSamples:  a.samples,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UniqueMembers != out[j].UniqueMembers {
			return out[i].UniqueMembers > out[j].UniqueMembers
		}
		return out[i].GroupID < out[j].GroupID
	})
	return out, nil
}
