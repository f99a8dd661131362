package cdp

import (
	"encoding/json"
	"fmt"
)

// Reply answers a previously issued call.
type Reply struct {
	ID        uint64
	Result    json.RawMessage
	Error     *ResponseError
	SessionID string
	// Raw is the complete message as received.
	Raw json.RawMessage
}

// Event is an unsolicited notification.
type Event struct {
	Method    string
	Params    json.RawMessage
	SessionID string
	Raw       json.RawMessage
}

// Message is a classified inbound message: exactly one of Reply and Event is set.
type Message struct {
	Reply *Reply
	Event *Event
}

func (m *Message) IsReply() bool {
	return m.Reply != nil
}

type inbound struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	Result    json.RawMessage `json:"result"`
	Error     *ResponseError  `json:"error"`
	SessionID string          `json:"sessionId"`
}

// Classify decodes an inbound payload. A top-level "id" makes it a reply,
// anything else is an event. Calls only carry unsigned integer ids, so an id
// of any other JSON type fails with ErrPayloadDecode.
func Classify(payload []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadDecode, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrPayloadDecode)
	}

	var in inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadDecode, err)
	}
	raw := json.RawMessage(payload)

	rawID, ok := fields["id"]
	if !ok {
		return &Message{Event: &Event{
			Method:    in.Method,
			Params:    in.Params,
			SessionID: in.SessionID,
			Raw:       raw,
		}}, nil
	}

	var id uint64
	if err := json.Unmarshal(rawID, &id); err != nil || string(rawID) == "null" {
		return nil, fmt.Errorf("%w: reply id %s is not an unsigned integer", ErrPayloadDecode, rawID)
	}
	if in.Error != nil {
		in.Error.ID = id
	}

	return &Message{Reply: &Reply{
		ID:        id,
		Result:    in.Result,
		Error:     in.Error,
		SessionID: in.SessionID,
		Raw:       raw,
	}}, nil
}
