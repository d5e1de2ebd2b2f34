// Package agentclient talks to the HTTP/WebSocket control endpoint exposed by a
// running claw instance.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/common/logger"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// Client communicates with one instance's control endpoint.
type Client struct {
	baseURL    string
	healthURL  string
	httpClient *http.Client
	logger     *logger.Logger
}

// New returns a client for baseURL. healthURL overrides the default <base>/health.
func New(baseURL, healthURL string, log *logger.Logger) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if healthURL == "" {
		healthURL = baseURL + "/health"
	}
	return &Client{
		baseURL:    baseURL,
		healthURL:  healthURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.WithFields(zap.String("component", "agent-client"), zap.String("endpoint", baseURL)),
	}
}

// BaseURL returns the control endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// Health probes the health endpoint. 2xx is healthy unless the body says
// otherwise, 503 is unhealthy, and a deadline expiry is ErrHealthCheckTimeout.
func (c *Client) Health(ctx context.Context) (v1.HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return v1.HealthUnknown, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return v1.HealthUnknown, fmt.Errorf("%w: %s", agenterr.ErrHealthCheckTimeout, c.healthURL)
		}
		return v1.HealthUnhealthy, fmt.Errorf("%w: %v", agenterr.ErrCommunication, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return v1.HealthUnhealthy, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return v1.HealthUnhealthy, fmt.Errorf("%w: health returned %d", agenterr.ErrCommunication, resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) == nil {
		switch v1.HealthStatus(strings.ToLower(body.Status)) {
		case v1.HealthDegraded:
			return v1.HealthDegraded, nil
		case v1.HealthUnhealthy:
			return v1.HealthUnhealthy, nil
		}
	}
	return v1.HealthHealthy, nil
}

// WaitForReady polls Health with exponential backoff until healthy or timeout.
func (c *Client) WaitForReady(ctx context.Context, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		status, err := c.Health(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if status != v1.HealthHealthy && status != v1.HealthDegraded {
			return struct{}{}, fmt.Errorf("instance reports %s", status)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(timeout))
	if err != nil {
		return fmt.Errorf("%w: not ready after %v: %v", agenterr.ErrResourceUnavailable, timeout, err)
	}
	c.logger.Debug("instance is ready")
	return nil
}

// Send posts a message and returns the instance's reply.
func (c *Client) Send(ctx context.Context, msg v1.Message) (*v1.MessageResponse, error) {
	var out v1.MessageResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/messages", msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Metrics fetches point-in-time resource figures.
func (c *Client) Metrics(ctx context.Context) (*v1.AgentMetrics, error) {
	var out v1.AgentMetrics
	if err := c.doJSON(ctx, http.MethodGet, "/v1/metrics", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Restart asks the instance to restart itself.
func (c *Client) Restart(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/restart", nil, nil)
}

// GetConfig returns the runtime-native config document.
func (c *Client) GetConfig(ctx context.Context) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/config", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read config: %v", agenterr.ErrCommunication, err)
	}
	return data, nil
}

// SetConfig replaces the runtime-native config document.
func (c *Client) SetConfig(ctx context.Context, native []byte) error {
	resp, err := c.do(ctx, http.MethodPut, "/v1/config", bytes.NewReader(native))
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Subscribe streams events for topic until ctx ends or the instance closes the stream.
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan v1.StreamEvent, error) {
	wsURL, err := c.wsURL("/v1/events", topic)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", agenterr.ErrCommunication, topic, err)
	}

	out := make(chan v1.StreamEvent, 16)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(out)
		defer close(done)
		defer func() { _ = conn.Close() }()
		for {
			var ev v1.StreamEvent
			if err := conn.ReadJSON(&ev); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
					c.logger.Debug("event stream ended", zap.String("topic", topic), zap.Error(err))
				}
				return
			}
			if ev.Topic == "" {
				ev.Topic = topic
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) wsURL(path, topic string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("%w: bad endpoint %q: %v", agenterr.ErrCommunication, c.baseURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("topic", topic)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", agenterr.ErrCommunication, path, err)
	}
	return nil
}

// do performs a request and maps transport failures and non-2xx replies to ErrCommunication.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", agenterr.ErrCommunication, method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %s returned %d: %s",
			agenterr.ErrCommunication, method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
