package poller

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blikh/ts-activity-tracker/internal/storage"
	"github.com/blikh/ts-activity-tracker/internal/tsquery"
)

type fakeClient struct {
	mu       sync.Mutex
	presence []tsquery.PresenceObservation
	channels []tsquery.ChannelObservation
	err      error
	failFor  int // 0 with err set = fail every presence fetch
	fetches  int
	closed   bool
}

func (f *fakeClient) FetchPresence(ctx context.Context) ([]tsquery.PresenceObservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil && (f.failFor == 0 || f.fetches <= f.failFor) {
		return nil, f.err
	}
	return f.presence, nil
}

func (f *fakeClient) FetchChannels(ctx context.Context) ([]tsquery.ChannelObservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.channels, nil
}

func (f *fakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeClient) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func newTestBackend(t *testing.T) storage.Backend {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "poller.sqlite"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func snapshotCount(t *testing.T, backend storage.Backend) int64 {
	t.Helper()
	st, err := backend.Stats(context.Background())
	require.NoError(t, err)
	return st.SnapshotCount
}

func TestPollerRecordsSnapshots(t *testing.T) {
	backend := newTestBackend(t)
	client := &fakeClient{
		presence: []tsquery.PresenceObservation{{UID: "uid-a", Nickname: "Alice", ChannelID: 1}},
		channels: []tsquery.ChannelObservation{{ID: 1, Name: "Lobby"}},
	}
	clk := clockwork.NewFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := New(backend, func() StateClient { return client }, Config{
		Interval:               30 * time.Second,
		MaxRetries:             3,
		BackoffBase:            2,
		MaxConsecutiveFailures: 10,
	}, clk, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// First tick runs before any sleep.
	clk.BlockUntil(1)
	assert.Equal(t, int64(1), snapshotCount(t, backend))

	// Startup recorded the interval and warmed the channel cache.
	value, ok, err := backend.GetMetadata(ctx, storage.MetaPollInterval)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "30", value)
	name, ok, err := backend.ChannelName(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Lobby", name)

	clk.Advance(30 * time.Second)
	clk.BlockUntil(1)
	assert.Equal(t, int64(2), snapshotCount(t, backend))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestPollerReconnectsAfterFailures(t *testing.T) {
	backend := newTestBackend(t)
	clk := clockwork.NewFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var mu sync.Mutex
	var clients []*fakeClient
	newClient := func() StateClient {
		c := &fakeClient{err: &tsquery.TransportError{Endpoint: "clientlist"}}
		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()
		return c
	}

	// MaxRetries 0 keeps the failure path free of backoff sleeps, so
	// every iteration has exactly one clock waiter.
	p := New(backend, newClient, Config{
		Interval:               30 * time.Second,
		MaxRetries:             0,
		BackoffBase:            2,
		MaxConsecutiveFailures: 3,
	}, clk, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for i := 0; i < 3; i++ {
		clk.BlockUntil(1)
		clk.Advance(30 * time.Second)
	}
	clk.BlockUntil(1)

	mu.Lock()
	require.Len(t, clients, 2, "third consecutive failure should recreate the client")
	assert.True(t, clients[0].closed)
	assert.False(t, clients[1].closed)
	mu.Unlock()

	// No snapshots made it through.
	assert.Equal(t, int64(0), snapshotCount(t, backend))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestBackoffSequence(t *testing.T) {
	p := New(newTestBackend(t), nil, Config{
		Interval:    30 * time.Second,
		BackoffBase: 2,
	}, clockwork.NewFakeClock(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	// base 2: 1s, 2s, 4s, 8s.
	assert.Equal(t, time.Second, p.backoff.NextBackOff())
	assert.Equal(t, 2*time.Second, p.backoff.NextBackOff())
	assert.Equal(t, 4*time.Second, p.backoff.NextBackOff())
	assert.Equal(t, 8*time.Second, p.backoff.NextBackOff())

	p.backoff.Reset()
	assert.Equal(t, time.Second, p.backoff.NextBackOff())
}

func TestBackoffRetryPrecedesInterval(t *testing.T) {
	backend := newTestBackend(t)
	client := &fakeClient{
		presence: []tsquery.PresenceObservation{{UID: "uid-a", Nickname: "Alice", ChannelID: 1}},
		err:      &tsquery.TransportError{Endpoint: "clientlist"},
		failFor:  1,
	}
	clk := clockwork.NewFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := New(backend, func() StateClient { return client }, Config{
		Interval:               30 * time.Second,
		MaxRetries:             3,
		BackoffBase:            2,
		MaxConsecutiveFailures: 10,
	}, clk, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// The first fetch fails and the loop parks on the 1s backoff delay.
	clk.BlockUntil(1)
	assert.Equal(t, 1, client.fetchCount())
	assert.Equal(t, int64(0), snapshotCount(t, backend))

	// Advancing just the backoff delay triggers the retry; the full
	// interval never enters into it.
	clk.Advance(time.Second)
	clk.BlockUntil(1)
	assert.Equal(t, 2, client.fetchCount())
	assert.Equal(t, int64(1), snapshotCount(t, backend))

	// Normal cadence resumes after the successful retry.
	clk.Advance(30 * time.Second)
	clk.BlockUntil(1)
	assert.Equal(t, int64(2), snapshotCount(t, backend))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestStorageErrorDoesNotBackOff(t *testing.T) {
	backend := newTestBackend(t)
	// Closing the backend forces every insert to fail while fetches
	// keep succeeding.
	require.NoError(t, backend.Close())

	client := &fakeClient{
		presence: []tsquery.PresenceObservation{{UID: "uid-a", Nickname: "Alice", ChannelID: 1}},
	}
	clk := clockwork.NewFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := New(backend, func() StateClient { return client }, Config{
		Interval:               30 * time.Second,
		MaxRetries:             3,
		BackoffBase:            2,
		MaxConsecutiveFailures: 10,
	}, clk, logger)
	p.client = p.newClient()

	p.tick(context.Background())
	// The fetch succeeded, so the failure counter stays at zero.
	assert.Equal(t, 0, p.failures)
	assert.Equal(t, 1, client.fetchCount())
}
