package cdp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Handler consumes classified inbound messages. It is called from the
// session's receive loop, one message at a time; an error ends the session.
type Handler interface {
	HandleReply(r *Reply) error
	HandleEvent(e *Event) error
}

// HandlerFuncs adapts functions to a Handler. Nil fields discard.
type HandlerFuncs struct {
	Reply func(r *Reply) error
	Event func(e *Event) error
}

func (h HandlerFuncs) HandleReply(r *Reply) error {
	if h.Reply == nil {
		return nil
	}
	return h.Reply(r)
}

func (h HandlerFuncs) HandleEvent(e *Event) error {
	if h.Event == nil {
		return nil
	}
	return h.Event(e)
}

// Route sends replies and events to different handlers. Nil fields discard.
type Route struct {
	Replies Handler
	Events  Handler
}

func (r Route) HandleReply(reply *Reply) error {
	if r.Replies == nil {
		return nil
	}
	return r.Replies.HandleReply(reply)
}

func (r Route) HandleEvent(e *Event) error {
	if r.Events == nil {
		return nil
	}
	return r.Events.HandleEvent(e)
}

// Printer writes every message as indented JSON.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) HandleReply(r *Reply) error {
	return p.print(r.Raw)
}

func (p *Printer) HandleEvent(e *Event) error {
	return p.print(e.Raw)
}

func (p *Printer) print(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("failed to indent message: %w", err)
	}
	buf.WriteByte('\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to print message: %w", err)
	}
	return nil
}

// EventLog appends events as JSON lines. Replies are ignored.
type EventLog struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEventLog(w io.Writer) *EventLog {
	return &EventLog{w: w}
}

func (l *EventLog) HandleReply(*Reply) error {
	return nil
}

func (l *EventLog) HandleEvent(e *Event) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, e.Raw); err != nil {
		return fmt.Errorf("failed to compact event %s: %w", e.Method, err)
	}
	buf.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	// one Write per line keeps lines whole in an O_APPEND file
	if _, err := l.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to append event %s: %w", e.Method, err)
	}
	return nil
}
