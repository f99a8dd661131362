package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wmdanor/cdp-cli/endpoints"
	"github.com/wmdanor/cdp-cli/internal/config"
)

// options are the persistent flags. Flags set on the command line override
// the config file.
type options struct {
	configPath  string
	host        string
	port        int
	eventLog    string
	metricsAddr string
	verbose     bool
}

func (o *options) register(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&o.configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	f.StringVar(&o.host, "host", config.DefaultHost, "remote debugging host")
	f.IntVar(&o.port, "port", config.DefaultPort, "remote debugging port")
	f.StringVar(&o.eventLog, "event-log", "", "append events to this file as JSON lines")
	f.StringVar(&o.metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
}

func (o *options) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Host = o.host
	}
	if f.Changed("port") {
		cfg.Port = o.port
	}
	if f.Changed("event-log") {
		cfg.EventLog = o.eventLog
	}
	if f.Changed("metrics") {
		cfg.MetricsAddr = o.metricsAddr
	}

	return cfg, cfg.Validate()
}

// newLogger logs to stderr at the configured level. --verbose or WS_LOG=1
// switches to debug with the development encoder, WS_LOG_FILE redirects it.
func (o *options) newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.Level = cfg.LogLevel()

	if o.verbose || os.Getenv("WS_LOG") == "1" {
		zc = zap.NewDevelopmentConfig()
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	zc.OutputPaths = []string{"stderr"}
	if path := os.Getenv("WS_LOG_FILE"); path != "" {
		zc.OutputPaths = []string{path}
	}

	return zc.Build()
}

func (o *options) endpoints(cfg *config.Config, l *zap.Logger) *endpoints.Client {
	return endpoints.New(cfg.Host, cfg.Port, endpoints.WithLogger(l))
}

// setup loads the config and builds the logger every command needs.
func (o *options) setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := o.load(cmd)
	if err != nil {
		return nil, nil, err
	}
	l, err := o.newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, l, nil
}
