package tsquery

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blikh/ts-activity-tracker/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, includeQuery bool) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(config.ServerConfig{
		BaseURL:             server.URL,
		APIKey:              "secret-key",
		VirtualServerID:     1,
		TimeoutSeconds:      5,
		VerifySSL:           true,
		IncludeQueryClients: includeQuery,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFetchPresence(t *testing.T) {
	var gotPath, gotKey string
	var gotQuery map[string][]string
	handler := func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotQuery = r.URL.Query()
		// Booleans and integers arrive as numeric strings, matching
		// the real WebQuery API.
		_, _ = w.Write([]byte(`{
			"status": {"code": 0, "message": "ok"},
			"body": [
				{
					"client_unique_identifier": "abc=",
					"client_nickname": "Alice",
					"cid": "5",
					"client_idle_time": "12000",
					"client_away": "1",
					"client_away_message": "lunch",
					"client_is_talker": 0,
					"client_input_muted": "0",
					"client_output_muted": 1,
					"client_is_recording": false,
					"client_servergroups": "6,9",
					"connection_connected_time": "3600000",
					"client_type": "0"
				},
				{
					"client_unique_identifier": "serveradmin-query",
					"client_nickname": "serveradmin",
					"cid": "0",
					"client_type": "1"
				}
			]
		}`))
	}
	client := newTestClient(t, handler, false)
	defer client.Close()

	observations, err := client.FetchPresence(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/1/clientlist", gotPath)
	assert.Equal(t, "secret-key", gotKey)
	for _, flag := range []string{"-uid", "-times", "-away", "-voice", "-groups"} {
		assert.Contains(t, gotQuery, flag)
	}

	// The query client is filtered out.
	require.Len(t, observations, 1)
	obs := observations[0]
	assert.Equal(t, "abc=", obs.UID)
	assert.Equal(t, "Alice", obs.Nickname)
	assert.Equal(t, int64(5), obs.ChannelID)
	assert.Equal(t, int64(12000), obs.IdleMS)
	assert.True(t, obs.IsAway)
	assert.Equal(t, "lunch", obs.AwayMessage)
	assert.False(t, obs.IsTalking)
	assert.False(t, obs.InputMuted)
	assert.True(t, obs.OutputMuted)
	assert.False(t, obs.IsRecording)
	assert.Equal(t, "6,9", obs.ServerGroups)
	assert.Equal(t, int64(3600000), obs.ConnectedTime)
}

func TestFetchPresenceIncludesQueryClients(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"status": {"code": 0, "message": "ok"},
			"body": [
				{"client_unique_identifier": "a", "client_nickname": "A", "cid": 1, "client_type": 0},
				{"client_unique_identifier": "q", "client_nickname": "Q", "cid": 0, "client_type": 1}
			]
		}`))
	}
	client := newTestClient(t, handler, true)
	defer client.Close()

	observations, err := client.FetchPresence(context.Background())
	require.NoError(t, err)
	assert.Len(t, observations, 2)
}

func TestFetchPresenceFallbacks(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"status": {"code": 0, "message": "ok"},
			"body": [{"cid": 3, "client_type": 0}]
		}`))
	}
	client := newTestClient(t, handler, false)
	defer client.Close()

	observations, err := client.FetchPresence(context.Background())
	require.NoError(t, err)
	require.Len(t, observations, 1)
	assert.Equal(t, "unknown", observations[0].UID)
	assert.Equal(t, "Unknown", observations[0].Nickname)
}

func TestFetchChannels(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1/channellist", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"status": {"code": 0, "message": "ok"},
			"body": [
				{"cid": "1", "channel_name": "Lobby", "pid": "0", "channel_order": "0", "total_clients": "4"},
				{"cid": "2", "pid": "1"}
			]
		}`))
	}
	client := newTestClient(t, handler, false)
	defer client.Close()

	channels, err := client.FetchChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, int64(1), channels[0].ID)
	assert.Equal(t, "Lobby", channels[0].Name)
	assert.Equal(t, int64(4), channels[0].TotalClients)
	assert.Equal(t, "Unknown Channel", channels[1].Name)
	assert.Equal(t, int64(1), channels[1].ParentID)
}

func TestProtocolErrorOnNonZeroStatus(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": {"code": 1538, "message": "invalid parameter"}, "body": null}`))
	}
	client := newTestClient(t, handler, false)
	defer client.Close()

	_, err := client.FetchPresence(context.Background())
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, 1538, protoErr.Code)
	assert.Equal(t, "invalid parameter", protoErr.Message)
}

func TestProtocolErrorOnMalformedEnvelope(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json at all`))
	}
	client := newTestClient(t, handler, false)
	defer client.Close()

	_, err := client.FetchPresence(context.Background())
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestTransportErrorOnHTTPStatus(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}
	client := newTestClient(t, handler, false)
	defer client.Close()

	_, err := client.FetchPresence(context.Background())
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
}

func TestTransportErrorOnConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := New(config.ServerConfig{
		BaseURL:         url,
		APIKey:          "k",
		VirtualServerID: 1,
		TimeoutSeconds:  1,
		VerifySSL:       true,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer client.Close()

	_, err := client.FetchPresence(context.Background())
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.NotNil(t, transportErr.Err)
}

func TestConnectivityProbe(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1/serverinfo", r.URL.Path)
		_, _ = w.Write([]byte(`{"status": {"code": 0, "message": "ok"}, "body": [{}]}`))
	}
	client := newTestClient(t, ok, false)
	defer client.Close()
	assert.True(t, client.TestConnectivity(context.Background()))

	bad := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}
	client = newTestClient(t, bad, false)
	defer client.Close()
	assert.False(t, client.TestConnectivity(context.Background()))
}
