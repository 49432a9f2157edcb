// Package client is a Go client for the procdoctor HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	pdtls "github.com/loykin/procdoctor/internal/tls"
)

// Client talks to a procdoctor server.
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client // no timeout, for log follow
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	// BaseURL includes the API base path, e.g. http://localhost:8080/api.
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
	TLS     *TLSConfig
}

// TLSConfig configures HTTPS verification.
type TLSConfig struct {
	CACert     string
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 30 * time.Second,
	}
}

// New creates a client. A TLS setup failure is logged and the client falls
// back to the system trust store.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil {
		tc, err := pdtls.ClientConfig(config.TLS.CACert, config.TLS.ServerName, config.TLS.SkipVerify)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tc
		}
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		stream:  &http.Client{Transport: transport},
	}
}

// IsReachable reports whether the server answers API requests.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/processes", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("server unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// --- Processes ---

func (c *Client) Start(ctx context.Context, req StartRequest) (Process, error) {
	var p Process
	err := c.do(ctx, http.MethodPost, "/processes", req, &p)
	return p, err
}

func (c *Client) List(ctx context.Context) ([]Process, error) {
	var out []Process
	err := c.do(ctx, http.MethodGet, "/processes", nil, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, id int64) (Process, error) {
	var p Process
	err := c.do(ctx, http.MethodGet, procPath(id, ""), nil, &p)
	return p, err
}

// Stop stops a worker. Stopping an unknown id fails with a 404 APIError.
func (c *Client) Stop(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, procPath(id, ""), nil, nil)
}

func (c *Client) Usage(ctx context.Context, id int64) (Usage, error) {
	var u Usage
	err := c.do(ctx, http.MethodGet, procPath(id, "/usage"), nil, &u)
	return u, err
}

// --- Logs ---

func (c *Client) Logs(ctx context.Context, id int64, q LogQuery) ([]string, error) {
	v := url.Values{}
	if q.Contains != "" {
		v.Set("contains", q.Contains)
	}
	if q.Regex != "" {
		v.Set("regex", q.Regex)
	}
	if q.IgnoreCase {
		v.Set("ignore_case", "true")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	p := procPath(id, "/logs")
	if len(v) > 0 {
		p += "?" + v.Encode()
	}
	var resp struct {
		Lines []string `json:"lines"`
	}
	err := c.do(ctx, http.MethodGet, p, nil, &resp)
	return resp.Lines, err
}

// Follow streams retained then live output lines to fn until the worker is
// stopped, ctx ends, or fn returns false. Notices of lines the server
// dropped for a slow reader are skipped.
func (c *Client) Follow(ctx context.Context, id int64, fn func(line string) bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+procPath(id, "/logs/stream"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	event := ""
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			if event == "complete" {
				return nil
			}
		case strings.HasPrefix(line, "data:") && event == "log":
			if !fn(strings.TrimPrefix(line, "data:")) {
				return nil
			}
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// --- History ---

func (c *Client) History(ctx context.Context) ([]HistoryRecord, error) {
	var out []HistoryRecord
	err := c.do(ctx, http.MethodGet, "/history", nil, &out)
	return out, err
}

func (c *Client) HistoryOf(ctx context.Context, id int64) (HistoryRecord, error) {
	var r HistoryRecord
	err := c.do(ctx, http.MethodGet, "/history/"+strconv.FormatInt(id, 10), nil, &r)
	return r, err
}

// --- Diagnostics ---

func (c *Client) Sampling(ctx context.Context, id int64) (bool, error) {
	var r struct {
		Enabled bool `json:"enabled"`
	}
	err := c.do(ctx, http.MethodGet, procPath(id, "/sampling"), nil, &r)
	return r.Enabled, err
}

func (c *Client) SetSampling(ctx context.Context, id int64, enabled bool) error {
	return c.do(ctx, http.MethodPut, procPath(id, "/sampling"), map[string]bool{"enabled": enabled}, nil)
}

func (c *Client) StartRecording(ctx context.Context, id int64, name string, maxAge time.Duration) error {
	body := map[string]any{"name": name, "maxAgeMillis": maxAge.Milliseconds()}
	return c.do(ctx, http.MethodPost, procPath(id, "/recording"), body, nil)
}

// StopRecording returns the written path, or "" when nothing was recording.
func (c *Client) StopRecording(ctx context.Context, id int64, path string) (string, error) {
	p := procPath(id, "/recording")
	if path != "" {
		p += "?path=" + url.QueryEscape(path)
	}
	var r struct {
		Path *string `json:"path"`
	}
	if err := c.do(ctx, http.MethodDelete, p, nil, &r); err != nil {
		return "", err
	}
	if r.Path == nil {
		return "", nil
	}
	return *r.Path, nil
}

func (c *Client) HeapSnapshot(ctx context.Context, id int64, path string, live bool) (string, error) {
	var r struct {
		Path string `json:"path"`
	}
	err := c.do(ctx, http.MethodPost, procPath(id, "/heap/snapshot"), map[string]any{"path": path, "live": live}, &r)
	return r.Path, err
}

func (c *Client) HeapHistogram(ctx context.Context, id int64, limit int) ([]HistogramEntry, error) {
	var out []HistogramEntry
	err := c.do(ctx, http.MethodGet, procPath(id, "/heap/histogram?limit="+strconv.Itoa(limit)), nil, &out)
	return out, err
}

func (c *Client) SetGCLogging(ctx context.Context, id int64, enabled bool, path string) (string, error) {
	var r struct {
		Path string `json:"path"`
	}
	err := c.do(ctx, http.MethodPut, procPath(id, "/gclog"), map[string]any{"enabled": enabled, "path": path}, &r)
	return r.Path, err
}

func (c *Client) LoadExtension(ctx context.Context, id int64, path string) (bool, error) {
	var r struct {
		Loaded bool `json:"loaded"`
	}
	err := c.do(ctx, http.MethodPost, procPath(id, "/extensions"), map[string]string{"path": path}, &r)
	return r.Loaded, err
}

func (c *Client) Profile(ctx context.Context, id int64, req ProfileRequest) (ProfileRun, error) {
	var run ProfileRun
	err := c.do(ctx, http.MethodPost, procPath(id, "/profile"), req, &run)
	return run, err
}

// WorkerMetrics returns the worker's Prometheus exposition text.
func (c *Client) WorkerMetrics(ctx context.Context, id int64) (string, error) {
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, procPath(id, "/metrics"), nil, &buf)
	return buf.String(), err
}

// --- Tasks ---

func (c *Client) Tasks(ctx context.Context) ([]TaskInfo, error) {
	var out []TaskInfo
	err := c.do(ctx, http.MethodGet, "/tasks", nil, &out)
	return out, err
}

func (c *Client) Task(ctx context.Context, id int64) (TaskInfo, error) {
	var t TaskInfo
	err := c.do(ctx, http.MethodGet, "/tasks/"+strconv.FormatInt(id, 10), nil, &t)
	return t, err
}

func (c *Client) CancelTask(ctx context.Context, id int64) (bool, error) {
	var r struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodDelete, "/tasks/"+strconv.FormatInt(id, 10), nil, &r)
	return r.Cancelled, err
}

// --- plumbing ---

func procPath(id int64, suffix string) string {
	return "/processes/" + strconv.FormatInt(id, 10) + suffix
}

// do sends body as JSON and decodes a 2xx response into out. A *bytes.Buffer
// out receives the raw body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "method", method, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	switch o := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		_, err := io.Copy(o, resp.Body)
		return err
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(b, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(b))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}
