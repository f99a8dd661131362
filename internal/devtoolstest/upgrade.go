package devtoolstest

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/wmdanor/cdp-cli/websocket"
)

var ErrInvalidHandshakeRequest = errors.New("invalid handshake request")

const (
	headerUpgrade      = "Upgrade"
	headerConn         = "Connection"
	headerSecWsVersion = "Sec-WebSocket-Version"
	headerSecWsKey     = "Sec-WebSocket-Key"
	headerSecWsProto   = "Sec-WebSocket-Protocol"
	headerSecWsExt     = "Sec-WebSocket-Extensions"
)

// upgrade validates the client's opening handshake, takes over the TCP
// connection and answers 101 on it.
func upgrade(w http.ResponseWriter, req *http.Request, l *zap.Logger) (net.Conn, *bufio.Reader, error) {
	l.Debug("handling opening handshake", zap.String("path", req.URL.Path))

	key, err := checkOpenHandshake(req, l)
	if err != nil {
		l.Debug("rejecting opening handshake", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, nil, err
	}

	netConn, rw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hijack net.Conn: %w", err)
	}

	res := "HTTP/1.1 101 Switching Protocols\r\n" +
		headerUpgrade + ": websocket\r\n" +
		headerConn + ": Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + websocket.ComputeAccept(key) + "\r\n\r\n"
	if _, err := netConn.Write([]byte(res)); err != nil {
		netConn.Close()
		return nil, nil, fmt.Errorf("failed to write handshake response: %w", err)
	}

	l.Debug("websocket connection opened")

	return netConn, rw.Reader, nil
}

func checkOpenHandshake(req *http.Request, l *zap.Logger) (string, error) {
	if req.Method != http.MethodGet {
		return "", fmt.Errorf("%w: method must be GET, actual %q",
			ErrInvalidHandshakeRequest, req.Method)
	}

	if actual := req.Header.Get(headerUpgrade); !strings.EqualFold(actual, "websocket") {
		return "", fmt.Errorf(`%w: %q header must be "websocket", actual %q`,
			ErrInvalidHandshakeRequest, headerUpgrade, actual)
	}
	if actual := req.Header.Get(headerConn); !strings.EqualFold(actual, "Upgrade") {
		return "", fmt.Errorf(`%w: %q header must be "Upgrade", actual %q`,
			ErrInvalidHandshakeRequest, headerConn, actual)
	}
	if actual := req.Header.Get(headerSecWsVersion); actual != "13" {
		return "", fmt.Errorf(`%w: %q header must be "13", actual %q`,
			ErrInvalidHandshakeRequest, headerSecWsVersion, actual)
	}

	if v := req.Header.Get(headerSecWsProto); v != "" {
		l.Debug("ignoring subprotocols", zap.String("value", v))
	}
	if v := req.Header.Get(headerSecWsExt); v != "" {
		l.Debug("ignoring extensions", zap.String("value", v))
	}

	key := req.Header.Get(headerSecWsKey)
	if key == "" {
		return "", fmt.Errorf("%w: missing %q header", ErrInvalidHandshakeRequest, headerSecWsKey)
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("%w: failed to base64 decode %q header: %w",
			ErrInvalidHandshakeRequest, headerSecWsKey, err)
	}
	if len(decoded) != 16 {
		return "", fmt.Errorf("%w: decoded value of %q must be 16 bytes, received %d bytes",
			ErrInvalidHandshakeRequest, headerSecWsKey, len(decoded))
	}

	return key, nil
}
