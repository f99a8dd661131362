// Package frame implements the RFC 6455 base framing protocol: header
// encoding with the three payload length tiers and payload masking.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

/*
  0                   1                   2                   3
  0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
 +-+-+-+-+-------+-+-------------+-------------------------------+
 |F|R|R|R| opcode|M| Payload len |    Extended payload length    |
 |I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
 |N|V|V|V|       |S|             |   (if payload len==126/127)   |
 | |1|2|3|       |K|             |                               |
 +-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
 |     Extended payload length continued, if payload len == 127  |
 + - - - - - - - - - - - - - - - +-------------------------------+
 |                               |Masking-key, if MASK set to 1  |
 +-------------------------------+-------------------------------+
 | Masking-key (continued)       |          Payload Data         |
 +-------------------------------- - - - - - - - - - - - - - - - +
 :                     Payload Data continued ...                :
 + - - - - - - - - - - - - - - - - - - - - - - - - - - - - - - - +
*/

const (
	// MaxHeaderSize is 2 fixed bytes, 8 bytes of extended length and the masking key.
	MaxHeaderSize = 14

	// MaxControlPayload is the largest payload a control frame may carry.
	MaxControlPayload = 125

	// largest payload allocated in full before any of it is read
	preallocLimit = 1 << 20

	len16Marker = 126
	len64Marker = 127

	bitFin  = 0b1000_0000
	bitsRsv = 0b0111_0000
	bitMask = 0b1000_0000
	bitsLen = 0b0111_1111
)

var (
	ErrInvalidOpcode   = errors.New("frame: invalid opcode")
	ErrReservedBits    = errors.New("frame: reserved bits set")
	ErrInvalidLength   = errors.New("frame: invalid payload length")
	ErrControlFrame    = errors.New("frame: control frame must be final and carry at most 125 bytes")
	ErrPayloadTooLarge = errors.New("frame: payload exceeds read limit")
)

type Header struct {
	Fin    bool
	Opcode Opcode
	Masked bool
	// 7 bits, 7+16 bits, or 7+64 bits on the wire
	PayloadLength uint64
	// only meaningful when Masked is set
	MaskingKey [4]byte
}

// Frame is a header plus its payload. Payload is always unmasked.
type Frame struct {
	Header
	Payload []byte
}

// ReadHeader decodes one frame header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	var buf [8]byte

	if _, err := io.ReadFull(r, buf[:2]); err != nil {
		// io.EOF here means the stream ended cleanly at a frame boundary
		return h, fmt.Errorf("failed to read first 2 bytes of the frame: %w", err)
	}
	b0, b1 := buf[0], buf[1]

	if b0&bitsRsv != 0 {
		return h, fmt.Errorf("%w: 0b%03b", ErrReservedBits, (b0&bitsRsv)>>4)
	}

	op, err := ParseOpcode(b0)
	if err != nil {
		return h, err
	}
	h.Fin = b0&bitFin != 0
	h.Opcode = op
	h.Masked = b1&bitMask != 0

	switch length := b1 & bitsLen; length {
	case len16Marker:
		if _, err := io.ReadFull(r, buf[:2]); err != nil {
			return h, fmt.Errorf("failed to read 16 bit extended payload length: %w", unexpectedEOF(err))
		}
		h.PayloadLength = uint64(binary.BigEndian.Uint16(buf[:2]))
	case len64Marker:
		if _, err := io.ReadFull(r, buf[:8]); err != nil {
			return h, fmt.Errorf("failed to read 64 bit extended payload length: %w", unexpectedEOF(err))
		}
		h.PayloadLength = binary.BigEndian.Uint64(buf[:8])
		if h.PayloadLength > math.MaxInt64 {
			return h, fmt.Errorf("%w: most significant bit of 64 bit length is set", ErrInvalidLength)
		}
	default:
		h.PayloadLength = uint64(length)
	}

	if h.Opcode.IsControl() && (h.PayloadLength > MaxControlPayload || !h.Fin) {
		return h, fmt.Errorf("%w: opcode %s, fin %t, length %d", ErrControlFrame, h.Opcode, h.Fin, h.PayloadLength)
	}

	if h.Masked {
		if _, err := io.ReadFull(r, h.MaskingKey[:]); err != nil {
			return h, fmt.Errorf("failed to read masking key: %w", unexpectedEOF(err))
		}
	}

	return h, nil
}

// ReadFrame reads a header and its full payload. maxPayload of 0 disables the limit.
func ReadFrame(r io.Reader, maxPayload uint64) (*Frame, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	if maxPayload > 0 && h.PayloadLength > maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLength, maxPayload)
	}

	payload, err := readPayload(r, h.PayloadLength)
	if err != nil {
		return nil, fmt.Errorf("failed to read %d bytes of frame payload: %w", h.PayloadLength, unexpectedEOF(err))
	}
	f := &Frame{Header: h, Payload: payload}

	if h.Masked {
		Mask(f.Payload, h.MaskingKey)
	}

	return f, nil
}

// readPayload reads n bytes. Above preallocLimit the buffer grows with the
// bytes actually received, not with the declared length.
func readPayload(r io.Reader, n uint64) ([]byte, error) {
	if n <= preallocLimit {
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		return b, nil
	}

	var buf bytes.Buffer
	buf.Grow(preallocLimit)
	// n < 1<<63, ReadHeader rejects a set most significant bit
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AppendHeader encodes h using the shortest length representation.
func AppendHeader(b []byte, h Header) []byte {
	var b0, b1 byte
	if h.Fin {
		b0 |= bitFin
	}
	b0 |= byte(h.Opcode) & 0b0000_1111

	if h.Masked {
		b1 |= bitMask
	}

	switch {
	case h.PayloadLength <= 125:
		b = append(b, b0, b1|byte(h.PayloadLength))
	case h.PayloadLength <= math.MaxUint16:
		b = append(b, b0, b1|len16Marker)
		b = binary.BigEndian.AppendUint16(b, uint16(h.PayloadLength))
	default:
		b = append(b, b0, b1|len64Marker)
		b = binary.BigEndian.AppendUint64(b, h.PayloadLength)
	}

	if h.Masked {
		b = append(b, h.MaskingKey[:]...)
	}
	return b
}

// WriteFrame writes a complete frame with a single Write call. When key is
// non-nil the payload is masked with it; payload itself is left untouched.
func WriteFrame(w io.Writer, fin bool, op Opcode, payload []byte, key *[4]byte) error {
	if op.IsReserved() {
		return fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, uint8(op))
	}
	if op.IsControl() && (len(payload) > MaxControlPayload || !fin) {
		return fmt.Errorf("%w: opcode %s, fin %t, length %d", ErrControlFrame, op, fin, len(payload))
	}

	h := Header{
		Fin:           fin,
		Opcode:        op,
		PayloadLength: uint64(len(payload)),
	}
	if key != nil {
		h.Masked = true
		h.MaskingKey = *key
	}

	buf := make([]byte, 0, MaxHeaderSize+len(payload))
	buf = AppendHeader(buf, h)
	start := len(buf)
	buf = append(buf, payload...)
	if h.Masked {
		Mask(buf[start:], h.MaskingKey)
	}

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", op, err)
	}
	return nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
