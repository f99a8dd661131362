package websocket

import (
	"encoding/binary"
	"fmt"
	"slices"
	"unicode/utf8"
)

type CloseCode uint16

// Close codes defined in RFC 6455, section 11.7.
const (
	CloseNormalClosure           CloseCode = 1000
	CloseGoingAway               CloseCode = 1001
	CloseProtocolError           CloseCode = 1002
	CloseUnsupportedData         CloseCode = 1003
	CloseNoStatusReceived        CloseCode = 1005
	CloseAbnormalClosure         CloseCode = 1006
	CloseInvalidFramePayloadData CloseCode = 1007
	ClosePolicyViolation         CloseCode = 1008
	CloseMessageTooBig           CloseCode = 1009
	CloseMandatoryExtension      CloseCode = 1010
	CloseInternalServerErr       CloseCode = 1011
	CloseServiceRestart          CloseCode = 1012
	CloseTryAgainLater           CloseCode = 1013
	CloseTLSHandshake            CloseCode = 1015
)

var (
	// codes a peer may put on the wire, 1005, 1006 and 1015 are local-only
	validCloseCodes = []CloseCode{
		CloseNormalClosure,
		CloseGoingAway,
		CloseProtocolError,
		CloseUnsupportedData,
		CloseInvalidFramePayloadData,
		ClosePolicyViolation,
		CloseMessageTooBig,
		CloseMandatoryExtension,
		CloseInternalServerErr,
		CloseServiceRestart,
		CloseTryAgainLater,
	}
)

func (c CloseCode) U() uint16 {
	return uint16(c)
}

func (c CloseCode) IsValid() bool {
	return slices.Contains(validCloseCodes, c) || (c >= 3000 && c <= 4999)
}

// CloseMessageData builds a close frame payload.
func CloseMessageData(code CloseCode, reason string) []byte {
	b := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(b, code.U())
	return append(b, reason...)
}

// CloseError is returned once the peer closed the connection.
type CloseError struct {
	Code   CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("websocket: closed by peer with code %d", e.Code)
	}
	return fmt.Sprintf("websocket: closed by peer with code %d: %s", e.Code, e.Reason)
}

// ParseClosePayload decodes the body of a received close frame.
func ParseClosePayload(p []byte) (*CloseError, error) {
	switch {
	case len(p) == 0:
		return &CloseError{Code: CloseNoStatusReceived}, nil
	case len(p) == 1:
		return nil, fmt.Errorf("close frame must either have 0 or 2+ payload length, but received 1")
	}

	code := CloseCode(binary.BigEndian.Uint16(p))
	if !code.IsValid() {
		return nil, fmt.Errorf("received invalid close code: %d", code)
	}
	if !utf8.Valid(p[2:]) {
		return nil, fmt.Errorf("close frame reason must be valid UTF-8")
	}

	return &CloseError{Code: code, Reason: string(p[2:])}, nil
}
