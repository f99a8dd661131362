// Package repl reads commands line by line and executes them against a
// browser's debugging port.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

const (
	Prompt = "cdp> "

	// lines read ahead of the executor
	lineBuffer = 100
)

// Run feeds lines from in to e until in is exhausted, ctx is done or the
// executor fails. A non-nil prompt writer gets Prompt before every read.
func Run(ctx context.Context, in io.Reader, prompt io.Writer, e *Executor) error {
	lines := make(chan string, lineBuffer)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(lines)
		return readLines(ctx, in, prompt, lines)
	})
	g.Go(func() error {
		return e.Run(ctx, lines)
	})

	return g.Wait()
}

type scanned struct {
	line string
	err  error
	eof  bool
}

func readLines(ctx context.Context, in io.Reader, prompt io.Writer, lines chan<- string) error {
	// the scanner may block on in forever, so it runs detached and only this
	// goroutine is bound to ctx
	results := make(chan scanned, 1)
	next := make(chan struct{})
	go scan(in, next, results)

	for {
		if prompt != nil {
			fmt.Fprint(prompt, Prompt)
		}

		select {
		case next <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		var r scanned
		select {
		case r = <-results:
		case <-ctx.Done():
			return ctx.Err()
		}
		if r.eof {
			return nil
		}
		if r.err != nil {
			return fmt.Errorf("failed to read input: %w", r.err)
		}

		select {
		case lines <- r.line:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// scan reads one line per request on next.
func scan(in io.Reader, next <-chan struct{}, results chan<- scanned) {
	sc := bufio.NewScanner(in)
	for range next {
		if sc.Scan() {
			results <- scanned{line: sc.Text()}
			continue
		}
		results <- scanned{err: sc.Err(), eof: sc.Err() == nil}
		return
	}
}
