// Package devtoolstest runs an in-process stand-in for a browser's remote
// debugging port: the /json/* HTTP endpoints and the /devtools WebSocket
// endpoints, for tests.
package devtoolstest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wmdanor/cdp-cli/endpoints"
)

// HandlerFunc serves one debugger connection. It returns when the
// connection should be closed.
type HandlerFunc func(p *Peer) error

// Browser is a fake browser. Its zero value is not usable, see New.
type Browser struct {
	srv *httptest.Server

	mu        sync.Mutex
	browserID string
	targets   []endpoints.Target
	activated []string
	closed    []string
	requests  []string

	requirePUT bool
	handler    HandlerFunc

	l *zap.Logger
}

type Option func(*Browser)

// WithTargets preloads pages with the given URLs.
func WithTargets(urls ...string) Option {
	return func(b *Browser) {
		for _, u := range urls {
			b.targets = append(b.targets, b.newTarget(u))
		}
	}
}

// WithRequirePUT makes GET /json/new fail with 405, like current Chrome.
func WithRequirePUT() Option {
	return func(b *Browser) {
		b.requirePUT = true
	}
}

// WithHandler sets how debugger connections are served. The default is
// EchoHandler.
func WithHandler(h HandlerFunc) Option {
	return func(b *Browser) {
		b.handler = h
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Browser) {
		b.l = l
	}
}

// New starts a fake browser that is shut down when the test ends.
func New(t testing.TB, opts ...Option) *Browser {
	b := &Browser{
		browserID: uuid.NewString(),
		handler:   EchoHandler,
		l:         zap.NewNop(),
	}
	// targets need the listener address, so options run after the server starts
	b.srv = httptest.NewServer(b.routes())
	t.Cleanup(b.srv.Close)

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// EchoHandler replies to every call with {"method": <method>, "params": <params>}.
func EchoHandler(p *Peer) error {
	for {
		c, err := p.ReadCall()
		if err != nil {
			return err
		}
		if err := p.Reply(c.ID, map[string]any{"method": c.Method, "params": c.Params}); err != nil {
			return err
		}
	}
}

func (b *Browser) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(b.record)

	r.Get("/json/version", b.handleVersion)
	r.Get("/json", b.handleList)
	r.Get("/json/list", b.handleList)
	r.Put("/json/new", b.handleNew)
	r.Get("/json/new", func(w http.ResponseWriter, r *http.Request) {
		if b.requirePUT {
			http.Error(w, "Using unsafe HTTP verb GET to invoke /json/new. This action supports only PUT verb.", http.StatusMethodNotAllowed)
			return
		}
		b.handleNew(w, r)
	})
	r.Get("/json/activate/{id}", b.handleActivate)
	r.Get("/json/close/{id}", b.handleClose)
	r.Get("/devtools/page/{id}", b.handleWebSocket)
	r.Get("/devtools/browser/{id}", b.handleWebSocket)

	return r
}

func (b *Browser) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.requests = append(b.requests, r.Method+" "+r.URL.RequestURI())
		b.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (b *Browser) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, endpoints.BrowserVersion{
		Browser:              "HeadlessChrome/120.0.6099.109",
		ProtocolVersion:      "1.3",
		UserAgent:            "Mozilla/5.0 (X11; Linux x86_64) HeadlessChrome/120.0.6099.109",
		V8Version:            "12.0.267.8",
		WebKitVersion:        "537.36",
		WebSocketDebuggerURL: b.wsURL("browser", b.browserID),
	})
}

func (b *Browser) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, b.Targets())
}

func (b *Browser) handleNew(w http.ResponseWriter, r *http.Request) {
	target, err := url.PathUnescape(r.URL.RawQuery)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if target == "" {
		target = "about:blank"
	}

	b.mu.Lock()
	t := b.newTarget(target)
	b.targets = append(b.targets, t)
	b.mu.Unlock()

	writeJSON(w, t)
}

func (b *Browser) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !b.hasTarget(id) {
		http.Error(w, "No such target id: "+id, http.StatusNotFound)
		return
	}

	b.mu.Lock()
	b.activated = append(b.activated, id)
	b.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	fmt.Fprint(w, "Target activated")
}

func (b *Browser) handleClose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !b.hasTarget(id) {
		http.Error(w, "No such target id: "+id, http.StatusNotFound)
		return
	}

	b.mu.Lock()
	b.closed = append(b.closed, id)
	for i, t := range b.targets {
		if t.ID == id {
			b.targets = append(b.targets[:i], b.targets[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	fmt.Fprint(w, "Target is closing")
}

func (b *Browser) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id != b.browserID && !b.hasTarget(id) {
		http.Error(w, "No such target id: "+id, http.StatusNotFound)
		return
	}

	l := b.l.With(zap.String("target", id))

	conn, br, err := upgrade(w, r, l)
	if err != nil {
		return
	}
	defer conn.Close()

	p := &Peer{Target: id, conn: conn, r: br, l: l}
	if err := b.handler(p); err != nil {
		l.Debug("debugger connection ended", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	_, _ = w.Write(b)
}

// newTarget must be called with mu held or before the Browser is shared.
func (b *Browser) newTarget(rawURL string) endpoints.Target {
	id := uuid.NewString()
	return endpoints.Target{
		Description:          "",
		DevtoolsFrontendURL:  "/devtools/inspector.html?ws=" + b.Addr() + "/devtools/page/" + id,
		ID:                   id,
		Title:                rawURL,
		Type:                 "page",
		URL:                  rawURL,
		WebSocketDebuggerURL: b.wsURL("page", id),
	}
}

func (b *Browser) hasTarget(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.targets {
		if t.ID == id {
			return true
		}
	}
	return false
}

func (b *Browser) wsURL(kind, id string) string {
	return "ws://" + b.Addr() + "/devtools/" + kind + "/" + id
}

// Addr is the host:port of the debugging port.
func (b *Browser) Addr() string {
	return b.srv.Listener.Addr().String()
}

func (b *Browser) Host() string {
	host, _, _ := net.SplitHostPort(b.Addr())
	return host
}

func (b *Browser) Port() int {
	_, port, _ := net.SplitHostPort(b.Addr())
	p, _ := strconv.Atoi(port)
	return p
}

// BrowserURL is the WebSocket URL of the browser target.
func (b *Browser) BrowserURL() string {
	return b.wsURL("browser", b.browserID)
}

func (b *Browser) Targets() []endpoints.Target {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]endpoints.Target{}, b.targets...)
}

func (b *Browser) Activated() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.activated...)
}

func (b *Browser) Closed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.closed...)
}

// Requests lists "METHOD /path?query" for every HTTP request received.
func (b *Browser) Requests() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requests...)
}
