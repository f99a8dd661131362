package cdp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

var emptyParams = json.RawMessage(`{}`)

// MethodCall is one protocol command, e.g. Page.navigate({"url":"..."}).
type MethodCall struct {
	Domain string
	Name   string
	// Params must hold a JSON object, nil is sent as {}.
	Params json.RawMessage
}

// Method returns the wire method name, "<Domain>.<Name>".
func (m MethodCall) Method() string {
	return m.Domain + "." + m.Name
}

func (m MethodCall) String() string {
	return m.Method() + "(" + string(m.params()) + ")"
}

func (m MethodCall) params() json.RawMessage {
	if len(m.Params) == 0 {
		return emptyParams
	}
	return m.Params
}

type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Encode serializes the call with the given correlation id into
// {"id":id,"method":"Domain.Name","params":params}. Params must be a JSON
// object or empty.
func (m MethodCall) Encode(id uint64) ([]byte, error) {
	if p := bytes.TrimLeft(m.params(), " \t\r\n"); len(p) == 0 || p[0] != '{' {
		return nil, fmt.Errorf("%w: params of %s must be a JSON object", ErrInvalidMethodCall, m.Method())
	}

	b, err := json.Marshal(request{
		ID:     id,
		Method: m.Method(),
		Params: m.params(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.Method(), err)
	}
	return b, nil
}

// ParseMethodCall parses a line of the form Domain.name(params). The domain
// ends at the first '.', the name at the first '(' after it and the params at
// the last ')'. Empty params mean {}.
func ParseMethodCall(line string) (MethodCall, error) {
	if !utf8.ValidString(line) {
		return MethodCall{}, ErrInvalidUTF8
	}

	dot := strings.IndexByte(line, '.')
	if dot < 0 {
		return MethodCall{}, fmt.Errorf("%w: missing '.' in %q", ErrInvalidMethodCall, line)
	}
	lparen := strings.IndexByte(line[dot:], '(')
	if lparen < 0 {
		return MethodCall{}, fmt.Errorf("%w: missing '(' in %q", ErrInvalidMethodCall, line)
	}
	lparen += dot
	rparen := strings.LastIndexByte(line, ')')
	if rparen < lparen {
		return MethodCall{}, fmt.Errorf("%w: missing ')' in %q", ErrInvalidMethodCall, line)
	}

	mc := MethodCall{
		Domain: line[:dot],
		Name:   line[dot+1 : lparen],
	}
	if mc.Domain == "" || mc.Name == "" {
		return MethodCall{}, fmt.Errorf("%w: empty domain or method name in %q", ErrInvalidMethodCall, line)
	}

	params := bytes.TrimSpace([]byte(line[lparen+1 : rparen]))
	if len(params) == 0 {
		mc.Params = emptyParams
		return mc, nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, params); err != nil {
		return MethodCall{}, fmt.Errorf("%w: params of %s are not valid JSON: %w", ErrInvalidMethodCall, mc.Method(), err)
	}
	if buf.Bytes()[0] != '{' {
		return MethodCall{}, fmt.Errorf("%w: params of %s must be a JSON object", ErrInvalidMethodCall, mc.Method())
	}
	mc.Params = buf.Bytes()

	return mc, nil
}
