// Package endpoints talks to the plain HTTP side of a DevTools debugging
// port: the /json/* endpoints that describe the browser and its targets.
package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodySize    = 8 << 20
)

var (
	ErrUnexpectedStatus = errors.New("unexpected response status")
	ErrNotJSON          = errors.New("response is not JSON")
)

// StatusError reports a response whose status was not 200.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s %s returned %d: %s", ErrUnexpectedStatus, e.Method, e.Path, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// BrowserVersion is the body of /json/version.
type BrowserVersion struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Target is one entry of /json/list.
type Target struct {
	Description          string `json:"description"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl"`
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type Client struct {
	base string
	hc   *http.Client
	l    *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.l = l
		}
	}
}

// New returns a client for the debugging port at host:port.
func New(host string, port int, opts ...Option) *Client {
	c := &Client{
		base: "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		hc:   &http.Client{Timeout: defaultTimeout},
		l:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.l = c.l.With(zap.String("endpoint", c.base))
	return c
}

func (c *Client) Version(ctx context.Context) (*BrowserVersion, error) {
	var v BrowserVersion
	if err := c.getJSON(ctx, http.MethodGet, "/json/version", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) List(ctx context.Context) ([]Target, error) {
	var targets []Target
	if err := c.getJSON(ctx, http.MethodGet, "/json/list", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// NewTab opens a tab at rawURL. Current browsers only accept PUT here, older
// ones only GET, so a 405 is retried with GET.
func (c *Client) NewTab(ctx context.Context, rawURL string) (*Target, error) {
	path := "/json/new?" + url.PathEscape(rawURL)

	var t Target
	err := c.getJSON(ctx, http.MethodPut, path, &t)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusMethodNotAllowed {
		c.l.Debug("PUT not allowed, retrying with GET", zap.String("path", path))
		err = c.getJSON(ctx, http.MethodGet, path, &t)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Activate brings the target to the foreground.
func (c *Client) Activate(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodGet, "/json/activate/"+url.PathEscape(id))
	return err
}

// Close closes the target.
func (c *Client) Close(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodGet, "/json/close/"+url.PathEscape(id))
	return err
}

func (c *Client) getJSON(ctx context.Context, method, path string, v any) error {
	res, err := c.do(ctx, method, path)
	if err != nil {
		return err
	}

	mt, _, err := mime.ParseMediaType(res.contentType)
	if err != nil || mt != "application/json" {
		return fmt.Errorf("%w: %s %s has content type %q", ErrNotJSON, method, path, res.contentType)
	}
	if err := json.Unmarshal(res.body, v); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", method, path, err)
	}
	return nil
}

type response struct {
	contentType string
	body        []byte
}

func (c *Client) do(ctx context.Context, method, path string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request %s %s: %w", method, path, err)
	}

	c.l.Debug("sending request", zap.String("method", method), zap.String("path", path))

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response of %s %s: %w", method, path, err)
	}

	c.l.Debug("received response",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", res.StatusCode),
		zap.Int("bytes", len(body)))

	if res.StatusCode != http.StatusOK {
		return nil, &StatusError{Method: method, Path: path, Status: res.StatusCode, Body: string(body)}
	}

	return &response{contentType: res.Header.Get("Content-Type"), body: body}, nil
}
