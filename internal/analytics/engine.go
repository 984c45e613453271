// Package analytics derives higher-level facts (sessions, channel
// switches, engagement scores) from the stored sample sequence. All
// queries are read-only passes over a storage.Backend; session and
// switch reconstruction happens in memory so both backends produce
// identical results.
package analytics

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/blikh/ts-activity-tracker/internal/storage"
)

type Engine struct {
	store        storage.Backend
	pollInterval int64
	logger       *slog.Logger
}

// New returns an engine over the given backend. pollInterval is the
// configured fallback; the interval recorded in metadata by the poller
// takes precedence when present.
func New(store storage.Backend, pollInterval int, logger *slog.Logger) *Engine {
	return &Engine{store: store, pollInterval: int64(pollInterval), logger: logger}
}

// interval resolves the poll interval the samples were recorded with.
func (e *Engine) interval(ctx context.Context) int64 {
	value, ok, err := e.store.GetMetadata(ctx, storage.MetaPollInterval)
	if err != nil || !ok {
		return e.pollInterval
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		return e.pollInterval
	}
	return n
}

// window maps a day count to a unix timestamp range. days <= 0 means
// all recorded history.
func (e *Engine) window(days int) (int64, int64) {
	end := time.Now().Unix()
	if days <= 0 {
		return 0, end
	}
	return end - int64(days)*86400, end
}

// groupByUser splits window samples by uid, preserving time order
// within each user. The returned uid slice is sorted for deterministic
// output.
func groupByUser(samples []storage.Sample) (map[string][]storage.Sample, []string) {
	byUser := make(map[string][]storage.Sample)
	for _, smp := range samples {
		byUser[smp.UID] = append(byUser[smp.UID], smp)
	}
	uids := make([]string, 0, len(byUser))
	for uid := range byUser {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return byUser, uids
}

// lastNickname returns the display name from the most recent sample.
func lastNickname(samples []storage.Sample) string {
	if len(samples) == 0 {
		return ""
	}
	return samples[len(samples)-1].Nickname
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return round2(float64(part) / float64(total) * 100)
}
