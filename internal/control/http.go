package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// SessionHeader carries the session token on every request after attach.
	SessionHeader = "X-Procdoctor-Session"
	// DefaultPath is where the agent is mounted on the worker's HTTP server.
	DefaultPath = "/control"
)

// wire types shared with Agent
type sessionResponse struct {
	Session string `json:"session"`
}

type invokeRequest struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

type resultResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
}

type valueBody struct {
	Value json.RawMessage `json:"value"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPDialer reaches agents over HTTP at http://Host:port/Path.
type HTTPDialer struct {
	Host   string       // default 127.0.0.1
	Path   string       // default DefaultPath
	Client *http.Client // default has a 10s timeout
}

// NewHTTPDialer returns a dialer for agents on host with the given
// per-request timeout.
func NewHTTPDialer(host string, timeout time.Duration) *HTTPDialer {
	return &HTTPDialer{Host: host, Client: &http.Client{Timeout: timeout}}
}

func (d *HTTPDialer) base(port int) string {
	host := d.Host
	if host == "" {
		host = "127.0.0.1"
	}
	p := d.Path
	if p == "" {
		p = DefaultPath
	}
	u := url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: p}
	return u.String()
}

func (d *HTTPDialer) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Attach opens a session. Workers without a control port, unreachable
// agents and agents that do not accept attach yield KindUnavailable;
// agents that are not ready yield KindHandshake.
func (d *HTTPDialer) Attach(ctx context.Context, t Target) (Session, error) {
	const op = "attach"
	if t.Port <= 0 {
		return nil, newError(KindUnavailable, op, fmt.Errorf("process %d has no control port", t.PID))
	}
	s := &httpSession{client: d.client(), base: d.base(t.Port)}
	resp, err := s.do(ctx, http.MethodPost, "/session", nil)
	if err != nil {
		return nil, newError(KindUnavailable, op, err)
	}
	defer drain(resp)
	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusTooEarly,
		resp.StatusCode == http.StatusServiceUnavailable:
		return nil, newError(KindHandshake, op, statusError(resp))
	default:
		return nil, newError(KindUnavailable, op, statusError(resp))
	}
	var sr sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil || sr.Session == "" {
		return nil, newError(KindHandshake, op, errors.New("agent returned no session"))
	}
	s.token = sr.Session
	return s, nil
}

type httpSession struct {
	client *http.Client
	base   string
	token  string
}

func (s *httpSession) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set(SessionHeader, s.token)
	}
	return s.client.Do(req)
}

// classify maps a non-success response after attach.
func classify(op string, resp *http.Response) *Error {
	if resp.StatusCode == http.StatusUnauthorized {
		return newError(KindHandshake, op, statusError(resp))
	}
	return newError(KindCommand, op, statusError(resp))
}

func (s *httpSession) Invoke(ctx context.Context, command string, args any, out any) error {
	op := "invoke:" + command
	req := invokeRequest{Command: command}
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return newError(KindCommand, op, err)
		}
		req.Args = b
	}
	resp, err := s.do(ctx, http.MethodPost, "/invoke", req)
	if err != nil {
		return newError(KindUnavailable, op, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return classify(op, resp)
	}
	var rr resultResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return newError(KindCommand, op, fmt.Errorf("decode result: %w", err))
	}
	if out == nil || len(rr.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return newError(KindCommand, op, fmt.Errorf("decode result: %w", err))
	}
	return nil
}

func (s *httpSession) SetAttribute(ctx context.Context, name string, value any) error {
	op := "set:" + name
	b, err := json.Marshal(value)
	if err != nil {
		return newError(KindCommand, op, err)
	}
	resp, err := s.do(ctx, http.MethodPut, "/attributes/"+url.PathEscape(name), valueBody{Value: b})
	if err != nil {
		return newError(KindUnavailable, op, err)
	}
	defer drain(resp)
	if resp.StatusCode/100 != 2 {
		return classify(op, resp)
	}
	return nil
}

func (s *httpSession) Attribute(ctx context.Context, name string, out any) error {
	op := "get:" + name
	resp, err := s.do(ctx, http.MethodGet, "/attributes/"+url.PathEscape(name), nil)
	if err != nil {
		return newError(KindUnavailable, op, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return classify(op, resp)
	}
	var vb valueBody
	if err := json.NewDecoder(resp.Body).Decode(&vb); err != nil {
		return newError(KindCommand, op, fmt.Errorf("decode value: %w", err))
	}
	if err := json.Unmarshal(vb.Value, out); err != nil {
		return newError(KindCommand, op, fmt.Errorf("decode value: %w", err))
	}
	return nil
}

// Close ends the session on the agent. Errors are ignored; the agent drops
// sessions left idle longer than its idle timeout.
func (s *httpSession) Close() error {
	if s.token == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if resp, err := s.do(ctx, http.MethodDelete, "/session", nil); err == nil {
		drain(resp)
	}
	s.token = ""
	return nil
}

func statusError(resp *http.Response) error {
	var er errorResponse
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(b, &er) == nil && er.Error != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, er.Error)
	}
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
