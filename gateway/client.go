package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/guseggert/toolbridge/rpc"
	"github.com/guseggert/toolbridge/service"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client talks to a gateway over HTTP.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("gateway_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// APIError is returned for any non-success response.
type APIError struct {
	StatusCode int
	Message    string
	// Data holds the worker's error object when a tool call failed remotely.
	Data json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

// NewClient creates a client for the gateway at baseURL, e.g. "http://localhost:8080".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       zap.NewNop().Sugar(),
		baseURL:      strings.TrimRight(baseURL, "/"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 5
	retryClient.RetryWaitMin = 50 * time.Millisecond
	retryClient.RetryWaitMax = time.Second
	// only requests that never got a response are retried
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		}
		return false, nil
	}
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Error, Data: env.Data}
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = env.Data
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}

func servicePath(name string, parts ...string) string {
	p := "/api/v1/services/" + url.PathEscape(name)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return HealthResponse{}, fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return HealthResponse{}, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return HealthResponse{}, &APIError{StatusCode: resp.StatusCode, Message: "unhealthy"}
	}
	var h HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return HealthResponse{}, fmt.Errorf("decoding health: %w", err)
	}
	return h, nil
}

// WaitForServer polls /health until it succeeds or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

func (c *Client) Services(ctx context.Context) ([]service.Info, error) {
	var infos []service.Info
	err := c.do(ctx, http.MethodGet, "/api/v1/services", nil, &infos)
	return infos, err
}

func (c *Client) Service(ctx context.Context, name string) (ServiceDetails, error) {
	var d ServiceDetails
	err := c.do(ctx, http.MethodGet, servicePath(name), nil, &d)
	return d, err
}

func (c *Client) Start(ctx context.Context, name string) (service.Info, error) {
	var info service.Info
	err := c.do(ctx, http.MethodPost, servicePath(name, "start"), nil, &info)
	return info, err
}

func (c *Client) Stop(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, servicePath(name, "stop"), nil, nil)
}

func (c *Client) Tools(ctx context.Context, name string) ([]rpc.Tool, error) {
	var tools []rpc.Tool
	err := c.do(ctx, http.MethodGet, servicePath(name, "tools"), nil, &tools)
	return tools, err
}

// Call invokes a tool and returns the worker's result as-is.
func (c *Client) Call(ctx context.Context, name, tool string, arguments map[string]any) (json.RawMessage, error) {
	var res json.RawMessage
	err := c.do(ctx, http.MethodPost, servicePath(name, "call"), CallRequest{Tool: tool, Arguments: arguments}, &res)
	return res, err
}

func (c *Client) Logs(ctx context.Context, name string, lines int) ([]string, error) {
	var logs []string
	err := c.do(ctx, http.MethodGet, servicePath(name, "logs")+"?lines="+strconv.Itoa(lines), nil, &logs)
	return logs, err
}

func (c *Client) Skill(ctx context.Context, name string) (string, error) {
	var md string
	err := c.do(ctx, http.MethodGet, servicePath(name, "skill"), nil, &md)
	return md, err
}

// WatchNotifications streams a service's notifications to f until ctx is done, f returns an error, or the gateway closes the stream.
func (c *Client) WatchNotifications(ctx context.Context, name string, f func(Event) error) error {
	u := c.baseURL + servicePath(name, "notifications")

	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	defer wsConn.Close(websocket.StatusNormalClosure, "")

	for {
		var ev Event
		err := wsjson.Read(ctx, wsConn, &ev)
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading notification: %w", err)
		}
		if err := f(ev); err != nil {
			if errors.Is(err, ErrStopWatching) {
				return nil
			}
			return err
		}
	}
}

// ErrStopWatching can be returned by a WatchNotifications callback to end the stream without an error.
var ErrStopWatching = errors.New("stop watching")
