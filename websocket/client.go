package websocket

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultPort is the remote debugging port browsers listen on by default.
const DefaultPort = 9222

const (
	defaultHandshakeTimeout = 10 * time.Second
	readBufferSize          = 4096
)

// Target locates a WebSocket endpoint: the TCP address to dial and the
// request path to upgrade.
type Target struct {
	Host string
	Port int
	// Path is the request target, including any query string.
	Path string
}

// ParseTarget converts a ws:// (or http://) url into a Target. A missing port
// defaults to DefaultPort.
func ParseTarget(rawURL string) (Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Target{}, fmt.Errorf("failed to parse url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "ws", "http":
	default:
		return Target{}, fmt.Errorf("%w: %q, expected ws", ErrUnsupportedScheme, u.Scheme)
	}

	t := Target{
		Host: u.Hostname(),
		Port: DefaultPort,
		Path: u.EscapedPath(),
	}
	if t.Host == "" {
		return Target{}, fmt.Errorf("url %q has no host", rawURL)
	}
	if p := u.Port(); p != "" {
		t.Port, err = strconv.Atoi(p)
		if err != nil || t.Port <= 0 || t.Port > 65535 {
			return Target{}, fmt.Errorf("url %q has invalid port %q", rawURL, p)
		}
	}
	if u.RawQuery != "" {
		t.Path += "?" + u.RawQuery
	}

	return t, nil
}

func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

func (t Target) String() string {
	return "ws://" + t.Addr() + t.requestPath()
}

func (t Target) hostHeader() string {
	if strings.Contains(t.Host, ":") {
		return "[" + t.Host + "]"
	}
	return t.Host
}

func (t Target) requestPath() string {
	if t.Path == "" {
		return "/"
	}
	return t.Path
}

// Dialer opens client connections. The zero value is usable.
type Dialer struct {
	// NetDialer is used to open the TCP connection, nil means a zero net.Dialer.
	NetDialer *net.Dialer

	// HandshakeTimeout bounds dial plus upgrade, zero means 10 seconds.
	HandshakeTimeout time.Duration

	// ReadLimit caps the payload size of received frames, zero means
	// DefaultReadLimit.
	ReadLimit uint64

	Logger *zap.Logger
}

// DefaultReadLimit is the frame payload cap of a Dialer without ReadLimit.
const DefaultReadLimit = 64 << 20

var DefaultDialer = &Dialer{}

// Dial connects to rawURL with DefaultDialer.
func Dial(ctx context.Context, rawURL string) (*Conn, error) {
	return DefaultDialer.Dial(ctx, rawURL)
}

func (d *Dialer) Dial(ctx context.Context, rawURL string) (*Conn, error) {
	t, err := ParseTarget(rawURL)
	if err != nil {
		return nil, &HandshakeError{Stage: StageDial, Err: err}
	}
	return d.DialTarget(ctx, t)
}

func (d *Dialer) DialTarget(ctx context.Context, t Target) (*Conn, error) {
	l := d.logger().With(zap.Stringer("target", t))

	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = defaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nd := d.NetDialer
	if nd == nil {
		nd = &net.Dialer{}
	}

	l.Debug("dialing websocket target")

	netConn, err := nd.DialContext(ctx, "tcp", t.Addr())
	if err != nil {
		return nil, &HandshakeError{Stage: StageDial, Err: fmt.Errorf("failed to dial remote address %q: %w", t.Addr(), err)}
	}

	c, err := d.Handshake(ctx, netConn, t)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	return c, nil
}

// Handshake performs the client opening handshake over an already connected
// stream. On failure netConn is left open for the caller to close.
func (d *Dialer) Handshake(ctx context.Context, netConn net.Conn, t Target) (*Conn, error) {
	l := d.logger().With(zap.Stringer("target", t))

	if deadline, ok := ctx.Deadline(); ok {
		if err := netConn.SetDeadline(deadline); err != nil {
			return nil, &HandshakeError{Stage: StageDial, Err: fmt.Errorf("failed to set handshake deadline: %w", err)}
		}
		defer netConn.SetDeadline(time.Time{})
	}

	key, err := newSecWsKey()
	if err != nil {
		return nil, &HandshakeError{Stage: StageWrite, Err: err}
	}

	req := appendHandshakeRequest(make([]byte, 0, 256), t, key)
	if _, err := netConn.Write(req); err != nil {
		return nil, &HandshakeError{Stage: StageWrite, Err: fmt.Errorf("failed to write request: %w", err)}
	}
	l.Debug("wrote upgrade request", zap.Int("bytes", len(req)))

	br := bufio.NewReaderSize(netConn, readBufferSize)

	head, err := readResponseHeader(br)
	if err != nil {
		return nil, &HandshakeError{Stage: StageRead, Err: err}
	}
	l.Debug("read upgrade response header", zap.Int("bytes", len(head)))

	if err := verifyHandshakeResponse(head, key); err != nil {
		l.Debug("upgrade response rejected", zap.Error(err))
		return nil, err
	}

	l.Debug("websocket connection opened")

	c := NewConn(netConn, br, l)
	c.receiver.SetReadLimit(d.readLimit())
	return c, nil
}

func (d *Dialer) readLimit() uint64 {
	if d.ReadLimit == 0 {
		return DefaultReadLimit
	}
	return d.ReadLimit
}

func (d *Dialer) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}
