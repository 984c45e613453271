package tsquery

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/blikh/ts-activity-tracker/internal/config"
)

// Client talks to the voice server's WebQuery HTTP API.
type Client struct {
	baseURL             string
	apiKey              string
	virtualServerID     int
	includeQueryClients bool
	httpClient          *http.Client
	logger              *slog.Logger
}

// New creates a WebQuery client from the server configuration.
func New(cfg config.ServerConfig, logger *slog.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		baseURL:             cfg.BaseURL,
		apiKey:              cfg.APIKey,
		virtualServerID:     cfg.VirtualServerID,
		includeQueryClients: cfg.IncludeQueryClients,
		httpClient: &http.Client{
			Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
			Transport: transport,
		},
		logger: logger,
	}
}

// Close releases idle connections held by the underlying HTTP client.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) request(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	reqURL := fmt.Sprintf("%s/%d/%s", c.baseURL, c.virtualServerID, endpoint)
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tsquery: building request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("User-Agent", "ts-activity-tracker/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{
			Endpoint: endpoint,
			Err:      fmt.Errorf("unexpected HTTP status %d", resp.StatusCode),
		}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ProtocolError{Endpoint: endpoint, Message: fmt.Sprintf("malformed envelope: %v", err)}
	}
	if env.Status.Code != 0 {
		return nil, &ProtocolError{Endpoint: endpoint, Code: env.Status.Code, Message: env.Status.Message}
	}
	return env.Body, nil
}

// FetchPresence returns the currently connected clients with identifier,
// timing, away, voice and group details. Query clients are filtered out
// unless include_query_clients is configured.
func (c *Client) FetchPresence(ctx context.Context) ([]PresenceObservation, error) {
	params := url.Values{}
	for _, flag := range []string{"-uid", "-times", "-away", "-voice", "-groups"} {
		params.Set(flag, "")
	}

	body, err := c.request(ctx, "clientlist", params)
	if err != nil {
		return nil, err
	}

	var wire []wireClient
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &ProtocolError{Endpoint: "clientlist", Message: fmt.Sprintf("malformed body: %v", err)}
	}

	observations := make([]PresenceObservation, 0, len(wire))
	for i := range wire {
		if !c.includeQueryClients && wire[i].Type != 0 {
			continue
		}
		observations = append(observations, wire[i].observation())
	}
	c.logger.Debug("fetched clientlist", "clients", len(observations))
	return observations, nil
}

// FetchChannels returns the server's channel list.
func (c *Client) FetchChannels(ctx context.Context) ([]ChannelObservation, error) {
	body, err := c.request(ctx, "channellist", nil)
	if err != nil {
		return nil, err
	}

	var wire []wireChannel
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &ProtocolError{Endpoint: "channellist", Message: fmt.Sprintf("malformed body: %v", err)}
	}

	observations := make([]ChannelObservation, 0, len(wire))
	for i := range wire {
		observations = append(observations, wire[i].observation())
	}
	return observations, nil
}

// TestConnectivity probes the serverinfo endpoint.
func (c *Client) TestConnectivity(ctx context.Context) bool {
	if _, err := c.request(ctx, "serverinfo", nil); err != nil {
		c.logger.Warn("server connectivity test failed", "err", err)
		return false
	}
	return true
}
