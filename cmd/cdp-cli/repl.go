package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wmdanor/cdp-cli/cdp"
	"github.com/wmdanor/cdp-cli/internal/repl"
	"github.com/wmdanor/cdp-cli/websocket"
)

func runREPL(cmd *cobra.Command, o *options) (err error) {
	ctx := cmd.Context()

	cfg, l, err := o.setup(cmd)
	if err != nil {
		return err
	}
	defer l.Sync() //nolint:errcheck

	out := cmd.OutOrStdout()
	printer := cdp.NewPrinter(out)
	handler := cdp.Route{Replies: printer, Events: printer}

	if cfg.EventLog != "" {
		f, openErr := os.OpenFile(cfg.EventLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if openErr != nil {
			return fmt.Errorf("failed to open event log: %w", openErr)
		}
		defer func() { err = multierr.Append(err, f.Close()) }()
		handler.Events = cdp.NewEventLog(f)
	}

	var metrics *cdp.Metrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = cdp.NewMetrics(cdp.WithRegistry(reg))

		stopMetrics := serveMetrics(cfg.MetricsAddr, reg, l)
		defer stopMetrics()
	}

	e := repl.NewExecutor(repl.Config{
		Endpoints: o.endpoints(cfg, l),
		Dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Dial.Timeout,
			ReadLimit:        cfg.ReadLimit,
			Logger:           l,
		},
		NewTabURL: cfg.NewTabURL,
		Out:       out,
		Handler:   handler,
		Metrics:   metrics,
		Logger:    l,
	})
	defer func() { err = multierr.Append(err, e.Close()) }()

	if err := e.Start(ctx); err != nil {
		return err
	}

	err = repl.Run(ctx, cmd.InOrStdin(), promptWriter(cmd), e)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// promptWriter is nil unless stdin is a terminal, so piped input prints
// only results.
func promptWriter(cmd *cobra.Command) io.Writer {
	if cmd.InOrStdin() != os.Stdin {
		return nil
	}
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return nil
	}
	return cmd.OutOrStdout()
}

func serveMetrics(addr string, reg *prometheus.Registry, l *zap.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		l.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			l.Debug("failed to shut down metrics server", zap.Error(err))
		}
	}
}
