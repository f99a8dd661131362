package websocket

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wmdanor/cdp-cli/internal/frame"
)

// pipeConn returns a client Conn and the raw server end of an in-memory
// connection that skipped the handshake.
func pipeConn(t *testing.T) (*Conn, net.Conn, *bufio.Reader) {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	return NewConn(client, nil, nil), server, bufio.NewReader(server)
}

func TestSenderMasksEveryFrame(t *testing.T) {
	c, _, srv := pipeConn(t)

	payload := []byte(`{"id":0,"method":"Browser.getVersion","params":{}}`)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Sender().WriteMessage(TextMessage, payload)
	}()

	f, err := frame.ReadFrame(srv, 0)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.True(t, f.Fin)
	assert.True(t, f.Masked)
	assert.Equal(t, TextMessage, f.Opcode)
	assert.Equal(t, payload, f.Payload)
}

func TestSenderConcurrentWritesDoNotInterleave(t *testing.T) {
	c, _, srv := pipeConn(t)

	const writers = 8
	const perWriter = 20

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte('a' + w)}, 300+w)
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, c.Sender().WriteMessage(TextMessage, payload))
			}
		}(w)
	}

	counts := make(map[byte]int)
	for i := 0; i < writers*perWriter; i++ {
		f, err := frame.ReadFrame(srv, 0)
		require.NoError(t, err)

		first := f.Payload[0]
		require.Equal(t, bytes.Repeat([]byte{first}, len(f.Payload)), f.Payload, "frame %d mixes writers", i)
		require.Len(t, f.Payload, 300+int(first-'a'))
		counts[first]++
	}
	wg.Wait()

	for w := 0; w < writers; w++ {
		assert.Equal(t, perWriter, counts[byte('a'+w)])
	}
}

func TestSenderRejectsWritesAfterClose(t *testing.T) {
	c, _, srv := pipeConn(t)

	go func() {
		_, _ = frame.ReadFrame(srv, 0)
	}()

	require.NoError(t, c.Sender().WriteClose(CloseNormalClosure, "bye"))
	assert.True(t, c.Sender().CloseSent())

	err := c.Sender().WriteMessage(TextMessage, []byte("late"))
	assert.ErrorIs(t, err, ErrCloseSent)
	assert.ErrorIs(t, err, ErrFrameFailure)
}

func TestReceiverReadsWhileSenderWrites(t *testing.T) {
	c, server, srv := pipeConn(t)

	got := make(chan *Frame, 1)
	go func() {
		f, err := c.Receiver().ReadFrame()
		assert.NoError(t, err)
		got <- f
	}()

	// the receiver is blocked on an empty stream; the sender must still work
	go func() {
		assert.NoError(t, c.Sender().WriteMessage(TextMessage, []byte(`{"id":1}`)))
	}()
	f, err := frame.ReadFrame(srv, 0)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(f.Payload))

	require.NoError(t, frame.WriteFrame(server, true, frame.OpText, []byte(`{"id":1,"result":{}}`), nil))

	select {
	case f := <-got:
		require.NotNil(t, f)
		assert.Equal(t, `{"id":1,"result":{}}`, string(f.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not return the frame")
	}
}

func TestReceiverRejectsMaskedFrame(t *testing.T) {
	c, server, _ := pipeConn(t)

	key := [4]byte{1, 2, 3, 4}
	go func() {
		_ = frame.WriteFrame(server, true, frame.OpText, []byte("masked"), &key)
	}()

	_, err := c.Receiver().ReadFrame()
	assert.ErrorIs(t, err, ErrMaskedServerFrame)
	assert.ErrorIs(t, err, ErrFrameFailure)
}

func TestReceiverRejectsInvalidUTF8(t *testing.T) {
	c, server, _ := pipeConn(t)

	go func() {
		_ = frame.WriteFrame(server, true, frame.OpText, []byte{0xff, 0xfe}, nil)
	}()

	_, err := c.Receiver().ReadFrame()
	assert.ErrorIs(t, err, ErrInvalidUTF8)
}

func TestReceiverReadLimit(t *testing.T) {
	c, server, _ := pipeConn(t)
	c.Receiver().SetReadLimit(16)

	go func() {
		_ = frame.WriteFrame(server, true, frame.OpText, bytes.Repeat([]byte("x"), 17), nil)
	}()

	_, err := c.Receiver().ReadFrame()
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestCloseSendsNormalClosure(t *testing.T) {
	c, _, srv := pipeConn(t)

	got := make(chan *Frame, 1)
	go func() {
		f, err := frame.ReadFrame(srv, 0)
		assert.NoError(t, err)
		got <- f
	}()

	require.NoError(t, c.Close())
	// idempotent
	require.NoError(t, c.Close())

	f := <-got
	require.NotNil(t, f)
	assert.Equal(t, CloseMessage, f.Opcode)

	ce, err := ParseClosePayload(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, CloseNormalClosure, ce.Code)
}

// newEchoServer starts a gorilla/websocket server that echoes every data
// message back to the client.
func newEchoServer(t *testing.T) string {
	t.Helper()

	upgrader := gorillaws.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			mt, p, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, p); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/devtools/page/echo"
}

func TestInteropGorillaEcho(t *testing.T) {
	url := newEchoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url)
	require.NoError(t, err)
	defer c.Close()

	payloads := [][]byte{
		[]byte(`{"id":0,"method":"Browser.getVersion","params":{}}`),
		bytes.Repeat([]byte("a"), 126),
		bytes.Repeat([]byte("b"), 70000),
		{},
	}

	for _, p := range payloads {
		require.NoError(t, c.Sender().WriteMessage(TextMessage, p))

		f, err := c.Receiver().ReadFrame()
		require.NoError(t, err)
		assert.True(t, f.Fin)
		assert.False(t, f.Masked)
		assert.Equal(t, TextMessage, f.Opcode)
		assert.Equal(t, len(p), len(f.Payload))
		assert.True(t, bytes.Equal(p, f.Payload))
	}
}

func TestInteropGorillaCloseEcho(t *testing.T) {
	url := newEchoServer(t)

	c, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Sender().WriteClose(CloseGoingAway, "done"))

	// gorilla's default close handler answers with the same code
	f, err := c.Receiver().ReadFrame()
	require.NoError(t, err)
	require.Equal(t, CloseMessage, f.Opcode)

	ce, err := ParseClosePayload(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, CloseGoingAway, ce.Code)
}
