package cdp

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrFragmented    = errors.New("fragmented messages are not supported")
	ErrPayloadDecode = errors.New("failed to decode message payload")
	ErrSessionClosed = errors.New("session closed")

	ErrInvalidUTF8       = errors.New("method call is not valid UTF-8")
	ErrInvalidMethodCall = errors.New("invalid method call")
)

// ResponseError is the error object of a reply, returned by Session.CallWait
// when the browser rejected the call.
type ResponseError struct {
	// ID and Method identify the call the reply belongs to.
	ID     uint64          `json:"-"`
	Method string          `json:"-"`
	Code   int             `json:"code"`
	Msg    string          `json:"message"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("cdp: %s (id %d) failed with code %d: %s", e.Method, e.ID, e.Code, e.Msg)
	}
	return fmt.Sprintf("cdp: call %d failed with code %d: %s", e.ID, e.Code, e.Msg)
}
