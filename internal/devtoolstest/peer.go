package devtoolstest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wmdanor/cdp-cli/internal/frame"
	"github.com/wmdanor/cdp-cli/websocket"
)

// Call is a method call received from the client.
type Call struct {
	ID        uint64          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Peer is the server end of one debugger connection. Frames it writes are
// unmasked; frames it reads must be masked.
type Peer struct {
	// Target is the id in the connection's /devtools path.
	Target string

	conn net.Conn
	r    *bufio.Reader

	mu sync.Mutex

	l *zap.Logger
}

// ReadCall returns the next call. Pings are answered, and a close frame is
// echoed and reported as io.EOF.
func (p *Peer) ReadCall() (Call, error) {
	for {
		f, err := frame.ReadFrame(p.r, 0)
		if err != nil {
			return Call{}, err
		}
		if !f.Masked {
			return Call{}, errors.New("client frame is not masked")
		}

		switch f.Opcode {
		case frame.OpPing:
			if err := p.write(frame.OpPong, f.Payload); err != nil {
				return Call{}, err
			}
		case frame.OpPong:
		case frame.OpClose:
			_ = p.write(frame.OpClose, f.Payload)
			return Call{}, io.EOF
		default:
			var c Call
			if err := json.Unmarshal(f.Payload, &c); err != nil {
				return Call{}, fmt.Errorf("failed to decode call: %w", err)
			}
			p.l.Debug("received call", zap.Uint64("id", c.ID), zap.String("method", c.Method))
			return c, nil
		}
	}
}

// Reply answers call id with result marshalled to JSON.
func (p *Peer) Reply(id uint64, result any) error {
	if result == nil {
		result = struct{}{}
	}
	return p.writeJSON(map[string]any{"id": id, "result": result})
}

func (p *Peer) ReplyError(id uint64, code int, message string) error {
	return p.writeJSON(map[string]any{
		"id":    id,
		"error": map[string]any{"code": code, "message": message},
	})
}

// Event sends an unsolicited notification.
func (p *Peer) Event(method string, params any) error {
	if params == nil {
		params = struct{}{}
	}
	return p.writeJSON(map[string]any{"method": method, "params": params})
}

// WriteRaw sends payload as one text frame with the given fin bit.
func (p *Peer) WriteRaw(fin bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return frame.WriteFrame(p.conn, fin, frame.OpText, payload, nil)
}

func (p *Peer) Ping(payload []byte) error {
	return p.write(frame.OpPing, payload)
}

// Close sends a close frame and closes the connection.
func (p *Peer) Close(code websocket.CloseCode, reason string) error {
	err := p.write(frame.OpClose, websocket.CloseMessageData(code, reason))
	return multierr.Append(err, p.conn.Close())
}

func (p *Peer) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.write(frame.OpText, b)
}

func (p *Peer) write(op frame.Opcode, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return frame.WriteFrame(p.conn, true, op, payload, nil)
}
