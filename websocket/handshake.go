package websocket

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	headerHost         = "Host"
	headerUpgrade      = "Upgrade"
	headerConn         = "Connection"
	headerOrigin       = "Origin"
	headerSecWsVersion = "Sec-WebSocket-Version"
	headerSecWsKey     = "Sec-WebSocket-Key"
	headerSecWsAccept  = "Sec-WebSocket-Accept"

	headerUpgradeExpected      = "websocket"
	headerConnExpected         = "Upgrade"
	headerSecWsVersionExpected = "13"

	wsGuid = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	// limits on the handshake response
	maxResponseHeaders     = 64
	maxResponseHeaderBytes = 8192
)

func newSecWsKey() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

type secWebsocketAccept string

func newSecWebsocketAccept(secWebSocketKey string) secWebsocketAccept {
	hasher := sha1.New()
	hasher.Write([]byte(secWebSocketKey + wsGuid))

	return secWebsocketAccept(base64.StdEncoding.EncodeToString(hasher.Sum(nil)))
}

func (a secWebsocketAccept) String() string {
	return string(a)
}

// Matches reports whether the server sent the value expected for our key.
func (a secWebsocketAccept) Matches(actual string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(actual)) == 1
}

// ComputeAccept returns base64(SHA-1(key + GUID)), the value a server must echo
// in Sec-WebSocket-Accept for the given Sec-WebSocket-Key.
func ComputeAccept(key string) string {
	return newSecWebsocketAccept(key).String()
}

func appendHandshakeRequest(b []byte, t Target, key string) []byte {
	host := t.hostHeader()
	b = fmt.Appendf(b, "GET %s HTTP/1.1\r\n", t.requestPath())
	b = fmt.Appendf(b, "%s: %s\r\n", headerHost, host)
	b = fmt.Appendf(b, "%s: %s\r\n", headerUpgrade, headerUpgradeExpected)
	b = fmt.Appendf(b, "%s: %s\r\n", headerConn, headerConnExpected)
	b = fmt.Appendf(b, "%s: http://%s\r\n", headerOrigin, host)
	b = fmt.Appendf(b, "%s: %s\r\n", headerSecWsKey, key)
	b = fmt.Appendf(b, "%s: %s\r\n", headerSecWsVersion, headerSecWsVersionExpected)
	return append(b, "\r\n"...)
}

// readResponseHeader collects the raw response head up to and including the
// empty line. The reader is left positioned at the first byte after it.
func readResponseHeader(r *bufio.Reader) ([]byte, error) {
	var head []byte
	lines := 0

	for {
		chunk, err := r.ReadSlice('\n')
		if len(head)+len(chunk) > maxResponseHeaderBytes {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrHeaderTooLarge, maxResponseHeaderBytes)
		}
		head = append(head, chunk...)

		if errors.Is(err, bufio.ErrBufferFull) {
			// line longer than the reader buffer, keep accumulating
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("stream ended before end of response header: %w", io.ErrUnexpectedEOF)
			}
			return nil, err
		}

		if bytes.HasSuffix(head, []byte("\r\n\r\n")) {
			return head, nil
		}

		lines++
		// the first line is the status line
		if lines-1 > maxResponseHeaders {
			return nil, fmt.Errorf("%w: more than %d", ErrTooManyHeaders, maxResponseHeaders)
		}
	}
}

// verifyHandshakeResponse parses the response head and checks the status code
// and the accept token derived from key.
func verifyHandshakeResponse(head []byte, key string) error {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(head)), &http.Request{Method: http.MethodGet})
	if err != nil {
		return &HandshakeError{Stage: StageRead, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	_ = res.Body.Close()

	if res.StatusCode != http.StatusSwitchingProtocols {
		return &HandshakeError{
			Stage:  StageStatus,
			Status: res.StatusCode,
			Err: fmt.Errorf(`%w: status code must be %d, actual %d`,
				ErrHandshakeRejected, http.StatusSwitchingProtocols, res.StatusCode),
		}
	}

	accept := res.Header.Get(headerSecWsAccept)
	if accept == "" {
		return &HandshakeError{
			Stage:  StageAccept,
			Status: res.StatusCode,
			Err:    fmt.Errorf("%w: missing %q header", ErrHandshakeAuth, headerSecWsAccept),
		}
	}
	if !newSecWebsocketAccept(key).Matches(strings.TrimSpace(accept)) {
		return &HandshakeError{
			Stage:  StageAccept,
			Status: res.StatusCode,
			Err:    fmt.Errorf("%w: %q header does not equal expected value", ErrHandshakeAuth, headerSecWsAccept),
		}
	}

	return nil
}
