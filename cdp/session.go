// Package cdp issues DevTools protocol calls over a websocket.Conn and
// classifies what comes back: a message with an "id" is a reply to an earlier
// call, a message without one is an event.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wmdanor/cdp-cli/websocket"
)

const tracerName = "github.com/wmdanor/cdp-cli/cdp"

// Session multiplexes calls and events over one connection. Calls may be
// issued from any goroutine; inbound messages are read by a single receive
// loop started by NewSession.
type Session struct {
	id   string
	conn *websocket.Conn

	// mu is held across id assignment and the frame write, so ids reach the
	// wire in increasing order.
	mu     sync.Mutex
	nextID uint64

	pendingMu sync.Mutex
	pending   map[uint64]*pendingCall
	ended     bool

	handler Handler
	metrics *Metrics
	tracer  trace.Tracer
	l       *zap.Logger

	closing atomic.Bool
	done    chan struct{}
	// err is written once by the receive loop before done is closed
	err error

	closeOnce sync.Once
	closeErr  error
}

type pendingCall struct {
	method string
	start  time.Time
	ch     chan *Reply
}

type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.l = l
		}
	}
}

// WithHandler sets where replies and events go. The default discards them.
func WithHandler(h Handler) Option {
	return func(s *Session) {
		if h != nil {
			s.handler = h
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithTracer overrides the tracer taken from the global otel provider.
func WithTracer(t trace.Tracer) Option {
	return func(s *Session) {
		s.tracer = t
	}
}

// NewSession takes ownership of conn and starts the receive loop.
func NewSession(conn *websocket.Conn, opts ...Option) *Session {
	s := &Session{
		id:      uuid.NewString(),
		conn:    conn,
		pending: make(map[uint64]*pendingCall),
		handler: HandlerFuncs{},
		l:       zap.NewNop(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	s.l = s.l.With(zap.String("session", s.id))

	s.metrics.sessionActive(1)
	go s.receiveLoop()

	return s
}

func (s *Session) ID() string {
	return s.id
}

// Done is closed once the receive loop has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the receive loop stopped, or nil while it runs. A peer
// close is reported as *websocket.CloseError, a local Close as
// ErrSessionClosed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Call writes mc with the next correlation id and returns that id once the
// frame is written. The reply, if any, only reaches the session Handler.
func (s *Session) Call(ctx context.Context, mc MethodCall) (uint64, error) {
	ctx, span := s.startSpan(ctx, mc)
	defer span.End()

	id, err := s.send(ctx, mc, nil)
	if err != nil {
		recordError(span, err)
		return id, err
	}
	span.SetAttributes(attribute.Int64("cdp.id", int64(id)))

	return id, nil
}

// CallWait writes mc and waits for the reply carrying its id. A reply with an
// error object is returned together with its *ResponseError. If the session
// ends first the error wraps ErrSessionClosed and the cause.
func (s *Session) CallWait(ctx context.Context, mc MethodCall) (*Reply, error) {
	ctx, span := s.startSpan(ctx, mc)
	defer span.End()

	p := &pendingCall{
		method: mc.Method(),
		ch:     make(chan *Reply, 1),
	}
	id, err := s.send(ctx, mc, p)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("cdp.id", int64(id)))

	select {
	case r, ok := <-p.ch:
		if !ok {
			err := s.endedErr()
			recordError(span, err)
			return nil, err
		}
		s.metrics.callDone(p.method, time.Since(p.start))
		if r.Error != nil {
			recordError(span, r.Error)
			return r, r.Error
		}
		return r, nil

	case <-ctx.Done():
		s.removePending(id)
		recordError(span, ctx.Err())
		return nil, ctx.Err()
	}
}

// Close closes the connection and waits for the receive loop to stop.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.l.Debug("closing session")
		s.closing.Store(true)
		s.closeErr = s.conn.Close()
		<-s.done
	})
	return s.closeErr
}

func (s *Session) send(ctx context.Context, mc MethodCall, p *pendingCall) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	payload, err := mc.Encode(id)
	if err != nil {
		return 0, err
	}

	if p != nil {
		p.start = time.Now()
		if err := s.addPending(id, p); err != nil {
			return 0, err
		}
	}
	// consumed even if the write fails
	s.nextID++

	sender := s.conn.Sender()
	if deadline, ok := ctx.Deadline(); ok {
		_ = sender.SetWriteDeadline(deadline)
		defer sender.SetWriteDeadline(time.Time{})
	}

	if err := sender.WriteMessage(websocket.TextMessage, payload); err != nil {
		if p != nil {
			s.removePending(id)
		}
		s.metrics.sessionError("write")
		s.l.Debug("failed to send call", zap.Uint64("id", id), zap.String("method", mc.Method()), zap.Error(err))
		return id, fmt.Errorf("failed to send %s (id %d): %w", mc.Method(), id, err)
	}

	s.metrics.callWritten(mc.Method(), len(payload))
	s.l.Debug("sent call", zap.Uint64("id", id), zap.String("method", mc.Method()))

	return id, nil
}

func (s *Session) addPending(id uint64, p *pendingCall) error {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if s.ended {
		return s.endedErr()
	}
	s.pending[id] = p
	s.metrics.pending(1)
	return nil
}

func (s *Session) takePending(id uint64) *pendingCall {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	p, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	s.metrics.pending(-1)
	return p
}

func (s *Session) removePending(id uint64) {
	_ = s.takePending(id)
}

// failPending closes every waiter; CallWait then reports endedErr.
func (s *Session) failPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	s.ended = true
	n := len(s.pending)
	for id, p := range s.pending {
		close(p.ch)
		delete(s.pending, id)
	}
	s.metrics.pending(-float64(n))
}

func (s *Session) endedErr() error {
	if s.err == nil || errors.Is(s.err, ErrSessionClosed) {
		return ErrSessionClosed
	}
	return multierr.Append(ErrSessionClosed, s.err)
}

func (s *Session) receiveLoop() {
	err := s.receive()
	if s.closing.Load() {
		err = ErrSessionClosed
	}

	s.err = err
	s.failPending()
	s.metrics.sessionActive(-1)

	var ce *websocket.CloseError
	switch {
	case errors.Is(err, ErrSessionClosed):
		s.l.Debug("session closed")
	case errors.As(err, &ce):
		s.l.Info("session closed by peer", zap.Uint16("code", ce.Code.U()), zap.String("reason", ce.Reason))
	default:
		s.l.Warn("session receive loop failed", zap.Error(err))
	}

	close(s.done)
}

func (s *Session) receive() error {
	r := s.conn.Receiver()

	for {
		f, err := r.ReadFrame()
		if err != nil {
			if !s.closing.Load() {
				s.metrics.sessionError("read")
			}
			return err
		}
		s.metrics.frame(directionReceived, f.Opcode.String(), len(f.Payload))

		if !f.Fin || f.Opcode == websocket.ContinuationMessage {
			s.metrics.sessionError("fragmented")
			return fmt.Errorf("%w: received %s frame with fin=%t", ErrFragmented, f.Opcode, f.Fin)
		}

		switch f.Opcode {
		case websocket.PingMessage:
			if err := s.conn.Sender().WriteMessage(websocket.PongMessage, f.Payload); err != nil {
				return fmt.Errorf("failed to answer ping: %w", err)
			}
			s.metrics.frame(directionSent, websocket.PongMessage.String(), len(f.Payload))
		case websocket.PongMessage:
		case websocket.CloseMessage:
			return s.handleClose(f.Payload)
		default:
			if err := s.dispatch(f.Payload); err != nil {
				return err
			}
		}
	}
}

// handleClose echoes the peer's close frame and returns it as the loop error.
func (s *Session) handleClose(payload []byte) error {
	sender := s.conn.Sender()

	ce, err := websocket.ParseClosePayload(payload)
	if err != nil {
		_ = sender.WriteClose(websocket.CloseProtocolError, "")
		s.metrics.sessionError("close")
		return fmt.Errorf("received invalid close frame: %w", err)
	}

	if !sender.CloseSent() {
		var echoErr error
		if ce.Code == websocket.CloseNoStatusReceived {
			echoErr = sender.WriteMessage(websocket.CloseMessage, nil)
		} else {
			echoErr = sender.WriteClose(ce.Code, "")
		}
		if echoErr != nil {
			s.l.Debug("failed to echo close frame", zap.Error(echoErr))
		}
	}

	return ce
}

func (s *Session) dispatch(payload []byte) error {
	msg, err := Classify(payload)
	if err != nil {
		s.metrics.sessionError("decode")
		return err
	}

	if r := msg.Reply; r != nil {
		s.metrics.reply(r)
		if p := s.takePending(r.ID); p != nil {
			if r.Error != nil {
				r.Error.Method = p.method
			}
			p.ch <- r
		}
		s.l.Debug("received reply", zap.Uint64("id", r.ID), zap.Bool("error", r.Error != nil))

		if err := s.handler.HandleReply(r); err != nil {
			s.metrics.sessionError("handler")
			return fmt.Errorf("failed to handle reply %d: %w", r.ID, err)
		}
		return nil
	}

	e := msg.Event
	s.metrics.event(e)
	s.l.Debug("received event", zap.String("method", e.Method))

	if err := s.handler.HandleEvent(e); err != nil {
		s.metrics.sessionError("handler")
		return fmt.Errorf("failed to handle event %s: %w", e.Method, err)
	}
	return nil
}

func (s *Session) startSpan(ctx context.Context, mc MethodCall) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, mc.Method(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cdp.method", mc.Method()),
			attribute.String("cdp.session_id", s.id),
		),
	)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
