package websocket

import (
	"bufio"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wmdanor/cdp-cli/internal/frame"
)

const closeWriteTimeout = time.Second

// Conn is an upgraded client connection split into two independent halves
// sharing one socket: a Sender that only writes frames and a Receiver that
// only reads them. The halves may be used from different goroutines.
type Conn struct {
	conn net.Conn

	sender   *Sender
	receiver *Receiver

	closeOnce sync.Once
	closeErr  error

	l *zap.Logger
}

// NewConn wraps an already upgraded connection. r must be the reader used
// during the handshake, or nil if nothing was read from netConn yet.
func NewConn(netConn net.Conn, r *bufio.Reader, l *zap.Logger) *Conn {
	if l == nil {
		l = zap.NewNop()
	}
	if r == nil {
		r = bufio.NewReaderSize(netConn, readBufferSize)
	}

	return &Conn{
		conn: netConn,
		sender: &Sender{
			conn: netConn,
			l:    l.Named("send"),
		},
		receiver: &Receiver{
			conn: netConn,
			r:    r,
			l:    l.Named("recv"),
		},
		l: l,
	}
}

func (c *Conn) Sender() *Sender {
	return c.sender
}

func (c *Conn) Receiver() *Receiver {
	return c.receiver
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close sends a normal closure frame unless one was already sent, then closes
// the socket. It does not wait for the peer's close frame: the Receiver owner
// observes that, or the read error caused by the closed socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.l.Debug("closing websocket connection")

		var err error
		if !c.sender.CloseSent() {
			// a peer that stopped reading must not block Close
			_ = c.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
			err = c.sender.WriteClose(CloseNormalClosure, "")
		}
		c.closeErr = multierr.Append(err, c.conn.Close())
	})
	return c.closeErr
}

// Sender is the write half of a Conn. Each call writes exactly one complete
// frame, masked with a fresh key; concurrent calls never interleave.
type Sender struct {
	mu   sync.Mutex
	conn net.Conn

	closeSent bool

	l *zap.Logger
}

// WriteMessage writes payload as a single final frame of type op.
func (s *Sender) WriteMessage(op MessageType, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closeSent {
		return &FrameError{Op: "write", Err: ErrCloseSent}
	}
	if op == CloseMessage {
		s.closeSent = true
	}

	return s.writeFrame(op, payload)
}

// WriteClose writes a close frame carrying code and reason.
func (s *Sender) WriteClose(code CloseCode, reason string) error {
	s.l.Debug("writing close frame", zap.Uint16("code", code.U()), zap.String("reason", reason))
	return s.WriteMessage(CloseMessage, CloseMessageData(code, reason))
}

func (s *Sender) CloseSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeSent
}

// SetWriteDeadline applies to subsequent frame writes.
func (s *Sender) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

func (s *Sender) writeFrame(op MessageType, payload []byte) error {
	key, err := frame.NewMaskingKey()
	if err != nil {
		return &FrameError{Op: "write", Err: err}
	}

	if err := frame.WriteFrame(s.conn, true, op, payload, &key); err != nil {
		s.l.Debug("failed to write frame", zap.Stringer("opcode", op), zap.Error(err))
		return &FrameError{Op: "write", Err: err}
	}

	s.l.Debug("wrote frame", zap.Stringer("opcode", op), zap.Int("len", len(payload)))
	return nil
}

// Receiver is the read half of a Conn. It must be used by one goroutine at a
// time and never writes to the connection.
type Receiver struct {
	conn net.Conn
	r    *bufio.Reader

	readLimit uint64

	l *zap.Logger
}

// SetReadLimit caps the payload size of subsequent frames, zero means unlimited.
func (r *Receiver) SetReadLimit(n uint64) {
	r.readLimit = n
}

func (r *Receiver) SetReadDeadline(t time.Time) error {
	return r.conn.SetReadDeadline(t)
}

// ReadFrame reads the next frame. Server frames must not be masked; text
// payloads must be valid UTF-8.
func (r *Receiver) ReadFrame() (*Frame, error) {
	f, err := frame.ReadFrame(r.r, r.readLimit)
	if err != nil {
		return nil, &FrameError{Op: "read", Err: err}
	}

	r.l.Debug("read frame",
		zap.Bool("fin", f.Fin),
		zap.Stringer("opcode", f.Opcode),
		zap.Uint64("len", f.PayloadLength),
		zap.Bool("masked", f.Masked))

	if f.Masked {
		return nil, &FrameError{Op: "read", Err: ErrMaskedServerFrame}
	}
	if f.Opcode == TextMessage && f.Fin && !utf8.Valid(f.Payload) {
		return nil, &FrameError{Op: "read", Err: ErrInvalidUTF8}
	}

	return f, nil
}
