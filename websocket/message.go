package websocket

import "github.com/wmdanor/cdp-cli/internal/frame"

type (
	MessageType = frame.Opcode
	Frame       = frame.Frame
	FrameHeader = frame.Header
)

const (
	// Non-control
	ContinuationMessage MessageType = frame.OpContinuation
	TextMessage         MessageType = frame.OpText
	BinaryMessage       MessageType = frame.OpBinary

	// Control
	CloseMessage MessageType = frame.OpClose
	PingMessage  MessageType = frame.OpPing
	PongMessage  MessageType = frame.OpPong
)
