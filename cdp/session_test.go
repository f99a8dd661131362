package cdp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	coderws "github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/wmdanor/cdp-cli/internal/frame"
	"github.com/wmdanor/cdp-cli/websocket"
)

const testTimeout = 5 * time.Second

// peer is the browser end of an in-memory session: it reads masked client
// frames and writes unmasked server frames.
type peer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

type sentCall struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func newTestSession(t *testing.T, opts ...Option) (*Session, *peer) {
	t.Helper()

	client, server := net.Pipe()
	s := NewSession(websocket.NewConn(client, nil, nil), opts...)
	p := &peer{t: t, conn: server, r: bufio.NewReader(server)}

	t.Cleanup(func() {
		server.Close()
		_ = s.Close()
	})

	return s, p
}

func (p *peer) readFrame() *frame.Frame {
	p.t.Helper()

	_ = p.conn.SetReadDeadline(time.Now().Add(testTimeout))
	f, err := frame.ReadFrame(p.r, 0)
	require.NoError(p.t, err)
	require.True(p.t, f.Masked, "client frames must be masked")
	return f
}

func (p *peer) readCall() sentCall {
	p.t.Helper()

	f := p.readFrame()
	require.Equal(p.t, frame.OpText, f.Opcode)

	var c sentCall
	require.NoError(p.t, json.Unmarshal(f.Payload, &c))
	return c
}

func (p *peer) write(fin bool, op frame.Opcode, payload string) {
	p.t.Helper()

	_ = p.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	require.NoError(p.t, frame.WriteFrame(p.conn, fin, op, []byte(payload), nil))
}

func (p *peer) send(payload string) {
	p.t.Helper()
	p.write(true, frame.OpText, payload)
}

// drain discards client frames until the pipe is closed.
func (p *peer) drain() {
	go func() {
		for {
			if _, err := frame.ReadFrame(p.r, 0); err != nil {
				return
			}
		}
	}()
}

func waitDone(t *testing.T, s *Session) error {
	t.Helper()

	select {
	case <-s.Done():
		return s.Err()
	case <-time.After(testTimeout):
		t.Fatal("session receive loop did not stop")
		return nil
	}
}

func TestCallAssignsSequentialIDs(t *testing.T) {
	s, p := newTestSession(t)
	ctx := context.Background()

	ids := make(chan uint64, 2)
	go func() {
		for _, m := range []string{"getVersion", "close"} {
			id, err := s.Call(ctx, MethodCall{Domain: "Browser", Name: m})
			assert.NoError(t, err)
			ids <- id
		}
	}()

	first := p.readCall()
	second := p.readCall()

	assert.Equal(t, sentCall{ID: 0, Method: "Browser.getVersion", Params: json.RawMessage(`{}`)}, first)
	assert.Equal(t, uint64(1), second.ID)
	assert.Equal(t, "Browser.close", second.Method)

	assert.Equal(t, uint64(0), <-ids)
	assert.Equal(t, uint64(1), <-ids)
}

func TestConcurrentCallsGetDistinctIDs(t *testing.T) {
	s, p := newTestSession(t)

	const calls = 50

	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Call(context.Background(), MethodCall{Domain: "Runtime", Name: "evaluate"})
			assert.NoError(t, err)
		}()
	}

	// frames arrive whole and with strictly increasing ids
	for i := 0; i < calls; i++ {
		c := p.readCall()
		assert.Equal(t, uint64(i), c.ID)
	}
	wg.Wait()
}

func TestCallWaitResolvesReply(t *testing.T) {
	replies := make(chan *Reply, 1)
	s, p := newTestSession(t, WithHandler(HandlerFuncs{
		Reply: func(r *Reply) error {
			replies <- r
			return nil
		},
	}))

	go func() {
		c := p.readCall()
		// an unrelated event and a reply for an unknown id come first
		p.send(`{"method":"Target.targetInfoChanged","params":{}}`)
		p.send(`{"id":999,"result":{}}`)
		p.send(fmt.Sprintf(`{"id":%d,"result":{"product":"HeadlessChrome/120.0"}}`, c.ID))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	r, err := s.CallWait(ctx, MethodCall{Domain: "Browser", Name: "getVersion"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.ID)
	assert.JSONEq(t, `{"product":"HeadlessChrome/120.0"}`, string(r.Result))

	// the handler sees every reply, awaited or not
	assert.Equal(t, uint64(999), (<-replies).ID)
	assert.Equal(t, uint64(0), (<-replies).ID)
	assert.Zero(t, pendingLen(s))
}

func TestCallWaitResponseError(t *testing.T) {
	s, p := newTestSession(t)

	go func() {
		c := p.readCall()
		p.send(fmt.Sprintf(`{"id":%d,"error":{"code":-32601,"message":"'Foo.bar' wasn't found"}}`, c.ID))
	}()

	r, err := s.CallWait(context.Background(), MethodCall{Domain: "Foo", Name: "bar"})

	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, -32601, re.Code)
	assert.Equal(t, "Foo.bar", re.Method)
	assert.Equal(t, uint64(0), re.ID)
	require.NotNil(t, r)
	assert.Same(t, re, r.Error)
}

func TestCallWaitContextCanceled(t *testing.T) {
	s, p := newTestSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		p.readCall()
		cancel()
	}()

	_, err := s.CallWait(ctx, MethodCall{Domain: "Page", Name: "reload"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, pendingLen(s))
}

func TestEventsReachHandler(t *testing.T) {
	events := make(chan *Event, 1)
	s, p := newTestSession(t, WithHandler(HandlerFuncs{
		Event: func(e *Event) error {
			events <- e
			return nil
		},
	}))
	_ = s

	p.send(`{"method":"Page.loadEventFired","params":{"timestamp":12.5}}`)

	select {
	case e := <-events:
		assert.Equal(t, "Page.loadEventFired", e.Method)
		assert.JSONEq(t, `{"timestamp":12.5}`, string(e.Params))
	case <-time.After(testTimeout):
		t.Fatal("event not delivered")
	}
}

func TestFragmentedFrameFailsFast(t *testing.T) {
	s, p := newTestSession(t)

	p.write(false, frame.OpText, `{"method":"Page.`)

	err := waitDone(t, s)
	assert.ErrorIs(t, err, ErrFragmented)
}

func TestContinuationFrameFails(t *testing.T) {
	s, p := newTestSession(t)

	p.write(true, frame.OpContinuation, `loadEventFired"}`)

	assert.ErrorIs(t, waitDone(t, s), ErrFragmented)
}

func TestInvalidJSONIsFatal(t *testing.T) {
	s, p := newTestSession(t)

	p.send(`{"method":`)

	assert.ErrorIs(t, waitDone(t, s), ErrPayloadDecode)
}

func TestMaskedServerFrameIsFatal(t *testing.T) {
	s, p := newTestSession(t)

	key := [4]byte{9, 8, 7, 6}
	go func() {
		_ = frame.WriteFrame(p.conn, true, frame.OpText, []byte(`{"id":0}`), &key)
	}()

	err := waitDone(t, s)
	assert.ErrorIs(t, err, websocket.ErrMaskedServerFrame)
	assert.ErrorIs(t, err, websocket.ErrFrameFailure)
}

func TestHandlerErrorEndsSession(t *testing.T) {
	s, p := newTestSession(t, WithHandler(HandlerFuncs{
		Event: func(*Event) error { return errors.New("sink broken") },
	}))

	p.send(`{"method":"Page.loadEventFired","params":{}}`)

	assert.ErrorContains(t, waitDone(t, s), "sink broken")
}

func TestPendingCallsFailWhenSessionEnds(t *testing.T) {
	s, p := newTestSession(t)

	go func() {
		p.readCall()
		p.write(false, frame.OpText, "{")
	}()

	_, err := s.CallWait(context.Background(), MethodCall{Domain: "Runtime", Name: "evaluate"})
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, err, ErrFragmented)

	// calls made after the end fail immediately
	_, err = s.CallWait(context.Background(), MethodCall{Domain: "Runtime", Name: "evaluate"})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestPingAnsweredWithPong(t *testing.T) {
	_, p := newTestSession(t)

	p.write(true, frame.OpPing, "heartbeat")

	f := p.readFrame()
	assert.Equal(t, frame.OpPong, f.Opcode)
	assert.Equal(t, "heartbeat", string(f.Payload))
}

func TestPeerCloseEndsSession(t *testing.T) {
	s, p := newTestSession(t)

	go p.write(true, frame.OpClose, string(websocket.CloseMessageData(websocket.CloseGoingAway, "target closed")))

	echo := p.readFrame()
	require.Equal(t, frame.OpClose, echo.Opcode)
	ce, err := websocket.ParseClosePayload(echo.Payload)
	require.NoError(t, err)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)

	var got *websocket.CloseError
	require.ErrorAs(t, waitDone(t, s), &got)
	assert.Equal(t, websocket.CloseGoingAway, got.Code)
	assert.Equal(t, "target closed", got.Reason)
}

func TestCloseEndsSession(t *testing.T) {
	s, p := newTestSession(t)
	p.drain()

	require.NoError(t, s.Close())

	assert.ErrorIs(t, waitDone(t, s), ErrSessionClosed)

	_, err := s.CallWait(context.Background(), MethodCall{Domain: "Page", Name: "reload"})
	assert.ErrorIs(t, err, ErrSessionClosed)

	// writes after close still report their own error
	_, err = s.Call(context.Background(), MethodCall{Domain: "Page", Name: "reload"})
	assert.Error(t, err)
}

func TestSessionMetrics(t *testing.T) {
	m := NewMetrics(WithRegistry(prometheus.NewRegistry()))
	s, p := newTestSession(t, WithMetrics(m))

	go func() {
		c := p.readCall()
		p.send(`{"method":"Page.loadEventFired","params":{}}`)
		p.send(fmt.Sprintf(`{"id":%d,"result":{}}`, c.ID))
	}()

	_, err := s.CallWait(context.Background(), MethodCall{Domain: "Page", Name: "enable"})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsTotal.WithLabelValues("Page.enable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues("Page.loadEventFired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.repliesTotal.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesTotal.WithLabelValues(directionReceived, "text")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.pendingCalls))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 1, testutil.CollectAndCount(m.callDuration))

	p.drain()
	require.NoError(t, s.Close())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeSessions))
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.callWritten("Page.enable", 10)
		m.callDone("Page.enable", time.Second)
		m.reply(&Reply{})
		m.event(&Event{Method: "Page.loadEventFired"})
		m.sessionError("read")
		m.pending(1)
		m.sessionActive(1)
	})
}

type recordingTracer struct {
	noop.Tracer

	mu    sync.Mutex
	spans []string
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	t.mu.Lock()
	t.spans = append(t.spans, name)
	t.mu.Unlock()
	return t.Tracer.Start(ctx, name, opts...)
}

func TestCallsAreTraced(t *testing.T) {
	tracer := &recordingTracer{}
	s, p := newTestSession(t, WithTracer(tracer))

	go p.readCall()
	_, err := s.Call(context.Background(), MethodCall{Domain: "DOM", Name: "getDocument"})
	require.NoError(t, err)

	tracer.mu.Lock()
	defer tracer.mu.Unlock()
	assert.Equal(t, []string{"DOM.getDocument"}, tracer.spans)
}

func TestInteropCoderWebsocket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := coderws.Accept(w, r, &coderws.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var call sentCall
			if err := json.Unmarshal(data, &call); err != nil {
				return
			}

			event := fmt.Sprintf(`{"method":"Log.entryAdded","params":{"entry":{"text":%q}}}`, call.Method)
			if err := c.Write(ctx, coderws.MessageText, []byte(event)); err != nil {
				return
			}
			reply := fmt.Sprintf(`{"id":%d,"result":{"method":%q,"params":%s}}`, call.ID, call.Method, call.Params)
			if err := c.Write(ctx, coderws.MessageText, []byte(reply)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	conn, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/devtools/page/1")
	require.NoError(t, err)

	events := make(chan *Event, 4)
	s := NewSession(conn, WithHandler(HandlerFuncs{
		Event: func(e *Event) error {
			events <- e
			return nil
		},
	}))
	defer s.Close()

	for i, line := range []string{`Page.navigate({"url":"about:blank"})`, `Runtime.evaluate({"expression":"1+1"})`} {
		mc, err := ParseMethodCall(line)
		require.NoError(t, err)

		r, err := s.CallWait(ctx, mc)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), r.ID)
		assert.JSONEq(t, fmt.Sprintf(`{"method":%q,"params":%s}`, mc.Method(), mc.Params), string(r.Result))

		e := <-events
		assert.Equal(t, "Log.entryAdded", e.Method)
	}
}

func pendingLen(s *Session) int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}
