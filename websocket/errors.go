package websocket

import (
	"errors"
	"fmt"

	"github.com/wmdanor/cdp-cli/internal/frame"
)

var (
	ErrHandshakeFailure = errors.New("handshake failure")
	ErrFrameFailure     = errors.New("frame failure")

	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrHandshakeAuth     = errors.New("invalid Sec-WebSocket-Accept")
	ErrHeaderTooLarge    = errors.New("handshake response header too large")
	ErrTooManyHeaders    = errors.New("too many handshake response headers")
	ErrUnsupportedScheme = errors.New("unsupported url scheme")

	ErrMaskedServerFrame = errors.New("received masked frame from server")
	ErrInvalidUTF8       = errors.New("text frame is not valid UTF-8")
	ErrCloseSent         = errors.New("close frame already sent")

	// Codec errors, re-exported so callers outside this module can match them.
	ErrInvalidOpcode   = frame.ErrInvalidOpcode
	ErrReservedBits    = frame.ErrReservedBits
	ErrInvalidLength   = frame.ErrInvalidLength
	ErrControlFrame    = frame.ErrControlFrame
	ErrPayloadTooLarge = frame.ErrPayloadTooLarge
)

// Handshake stages reported in HandshakeError.
const (
	StageDial   = "dial"
	StageWrite  = "write"
	StageRead   = "read"
	StageStatus = "status"
	StageAccept = "accept"
)

// HandshakeError reports that the target could not be reached or did not
// authenticate its upgrade response. errors.Is(err, ErrHandshakeFailure) holds
// for every HandshakeError.
type HandshakeError struct {
	Stage string
	// Status is the HTTP status code once the response has been parsed.
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", ErrHandshakeFailure, e.Stage, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrHandshakeFailure, e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

func (e *HandshakeError) Is(target error) bool {
	return target == ErrHandshakeFailure
}

// FrameError reports a failure of an established connection while reading or
// writing a frame. errors.Is(err, ErrFrameFailure) holds for every FrameError.
type FrameError struct {
	// Op is "read" or "write".
	Op  string
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrFrameFailure, e.Op, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

func (e *FrameError) Is(target error) bool {
	return target == ErrFrameFailure
}
