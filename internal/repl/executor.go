package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/wmdanor/cdp-cli/cdp"
	"github.com/wmdanor/cdp-cli/endpoints"
	"github.com/wmdanor/cdp-cli/websocket"
)

var ErrNotConnected = errors.New("not connected to a target")

type Config struct {
	Endpoints *endpoints.Client
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// NewTabURL is the page Start attaches to.
	NewTabURL string
	// Out receives command results.
	Out io.Writer
	// Handler receives the replies and events of every session.
	Handler cdp.Handler
	Metrics *cdp.Metrics
	Logger  *zap.Logger
}

// Executor runs commands against one browser. It holds at most one session;
// connecting again replaces it. It is not safe for concurrent use.
type Executor struct {
	cfg     Config
	session *cdp.Session
	l       *zap.Logger
}

func NewExecutor(cfg Config) *Executor {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	l := cfg.Logger
	if l == nil {
		l = zap.NewNop()
	}
	return &Executor{cfg: cfg, l: l}
}

// Start checks the browser is reachable, then attaches to the target showing
// NewTabURL, opening one if there is none.
func (e *Executor) Start(ctx context.Context) error {
	v, err := e.cfg.Endpoints.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to query browser version: %w", err)
	}
	e.l.Info("browser reachable", zap.String("browser", v.Browser), zap.String("protocol", v.ProtocolVersion))

	targets, err := e.cfg.Endpoints.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}

	var wsURL string
	for _, t := range targets {
		if t.URL == e.cfg.NewTabURL {
			wsURL = t.WebSocketDebuggerURL
			break
		}
	}
	if wsURL == "" {
		e.l.Debug("no target found, opening one", zap.String("url", e.cfg.NewTabURL))
		t, err := e.cfg.Endpoints.NewTab(ctx, e.cfg.NewTabURL)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", e.cfg.NewTabURL, err)
		}
		wsURL = t.WebSocketDebuggerURL
	}

	return e.connect(ctx, wsURL)
}

// Run executes lines until the channel is closed or ctx is done. Command
// failures are printed and do not stop the loop.
func (e *Executor) Run(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, ok := ParseCommand(line)
			if !ok {
				continue
			}
			if err := e.Execute(ctx, cmd); err != nil {
				e.l.Debug("command failed", zap.String("line", cmd.Line), zap.Error(err))
				fmt.Fprintf(e.cfg.Out, "Error: %v\n", err)
			}
		}
	}
}

func (e *Executor) Execute(ctx context.Context, cmd Command) error {
	ep := e.cfg.Endpoints

	switch cmd.Kind {
	case KindVersion:
		v, err := ep.Version(ctx)
		if err != nil {
			return err
		}
		return e.printJSON(v)

	case KindList:
		targets, err := ep.List(ctx)
		if err != nil {
			return err
		}
		return e.printJSON(targets)

	case KindNewTab:
		t, err := ep.NewTab(ctx, cmd.Arg)
		if err != nil {
			return err
		}
		return e.printJSON(t)

	case KindConnect:
		return e.connect(ctx, cmd.Arg)

	case KindActivate:
		if err := ep.Activate(ctx, cmd.Arg); err != nil {
			return err
		}
		fmt.Fprintf(e.cfg.Out, "Activated %s\n", cmd.Arg)
		return nil

	case KindClose:
		if err := ep.Close(ctx, cmd.Arg); err != nil {
			return err
		}
		fmt.Fprintf(e.cfg.Out, "Closed %s\n", cmd.Arg)
		return nil

	case KindMethodCall:
		if e.session == nil {
			return ErrNotConnected
		}
		id, err := e.session.Call(ctx, cmd.Call)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.cfg.Out, "%d: %s\n", id, cmd.Call)
		return nil

	default:
		fmt.Fprintf(e.cfg.Out, "Unknown command: %s\n", cmd.Line)
		return nil
	}
}

// Session returns the active session, or nil.
func (e *Executor) Session() *cdp.Session {
	return e.session
}

// Close closes the active session.
func (e *Executor) Close() error {
	if e.session == nil {
		return nil
	}
	err := e.session.Close()
	e.session = nil
	return err
}

func (e *Executor) connect(ctx context.Context, rawURL string) error {
	conn, err := e.cfg.Dialer.Dial(ctx, rawURL)
	if err != nil {
		return err
	}

	s := cdp.NewSession(conn,
		cdp.WithLogger(e.l),
		cdp.WithHandler(e.cfg.Handler),
		cdp.WithMetrics(e.cfg.Metrics),
	)

	if e.session != nil {
		if err := e.session.Close(); err != nil {
			e.l.Debug("failed to close previous session", zap.String("session", e.session.ID()), zap.Error(err))
		}
	}
	e.session = s
	go e.watch(s)

	e.l.Info("connected", zap.String("url", rawURL), zap.String("session", s.ID()))
	return nil
}

func (e *Executor) watch(s *cdp.Session) {
	<-s.Done()
	if err := s.Err(); !errors.Is(err, cdp.ErrSessionClosed) {
		e.l.Warn("session ended", zap.String("session", s.ID()), zap.Error(err))
	}
}

func (e *Executor) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(e.cfg.Out, "%s\n", b)
	return err
}
