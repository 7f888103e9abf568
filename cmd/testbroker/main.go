// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/absmach/testbroker/amqp1/sasl"
	"github.com/absmach/testbroker/broker"
	"github.com/absmach/testbroker/config"
	"github.com/absmach/testbroker/engine"
	mtls "github.com/absmach/testbroker/pkg/tls"
	"github.com/absmach/testbroker/ratelimit"
	amqpserver "github.com/absmach/testbroker/server/amqp"
	"github.com/absmach/testbroker/server/health"
	"github.com/absmach/testbroker/server/otel"
	"github.com/absmach/testbroker/server/websocket"
	oteltrace "go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

// topicList collects repeated --topic flags. Each value may itself be a
// comma separated list; entries are validated with the rest of the config.
type topicList []string

func (t *topicList) String() string { return strings.Join(*t, ",") }

func (t *topicList) Set(v string) error {
	for _, topic := range strings.Split(v, ",") {
		*t = append(*t, strings.TrimSpace(topic))
	}
	return nil
}

type options struct {
	configFile string
	host       string
	port       int
	id         string
	readyFile  string
	cert       string
	key        string
	trust      string
	topics     topicList
	user       string
	password   string
	quiet      bool
	verbose    bool
	debug      bool
	initOnly   bool

	set map[string]bool
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	o := &options{set: make(map[string]bool)}
	fs := flag.NewFlagSet("testbroker", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&o.configFile, "config", "", "Path to configuration file")
	fs.StringVar(&o.host, "host", "", "Listening host")
	fs.IntVar(&o.port, "port", 0, "Listening port")
	fs.StringVar(&o.id, "id", "", "Broker container id")
	fs.StringVar(&o.readyFile, "ready-file", "", "File to write once the listener is active")
	fs.StringVar(&o.cert, "cert", "", "TLS certificate file")
	fs.StringVar(&o.key, "key", "", "TLS private key file")
	fs.StringVar(&o.trust, "trust", "", "CA bundle used to verify client certificates")
	fs.Var(&o.topics, "topic", "Topic to declare at startup (repeatable)")
	fs.StringVar(&o.user, "user", "", "SASL user; enables PLAIN authentication")
	fs.StringVar(&o.password, "password", "", "SASL password")
	fs.BoolVar(&o.quiet, "quiet", false, "Log errors only")
	fs.BoolVar(&o.verbose, "verbose", false, "Log at debug level")
	fs.BoolVar(&o.debug, "debug", false, "Log at debug level")
	fs.BoolVar(&o.initOnly, "init-only", false, "Validate configuration and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	return o, nil
}

// apply overrides file values with the flags given on the command line.
func (o *options) apply(cfg *config.Config) {
	if o.set["host"] {
		cfg.Server.Host = o.host
	}
	if o.set["port"] {
		cfg.Server.Port = o.port
	}
	if o.set["id"] {
		cfg.Broker.ID = o.id
	}
	if o.set["ready-file"] {
		cfg.Server.ReadyFile = o.readyFile
	}
	if o.set["cert"] {
		cfg.Server.CertFile = o.cert
	}
	if o.set["key"] {
		cfg.Server.KeyFile = o.key
	}
	if o.set["trust"] {
		cfg.Server.TrustFile = o.trust
	}
	if o.set["topic"] {
		cfg.Broker.Topics = append(cfg.Broker.Topics, o.topics...)
	}
	if o.set["user"] {
		cfg.Auth.User = o.user
	}
	if o.set["password"] {
		cfg.Auth.Password = o.password
	}
	switch {
	case o.quiet:
		cfg.Log.Level = "error"
	case o.verbose, o.debug:
		cfg.Log.Level = "debug"
	}
}

func loadConfig(o *options) (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	o.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

// run starts the broker and blocks until ctx is cancelled. It returns the
// process exit status.
func run(ctx context.Context, args []string, w io.Writer) int {
	o, err := parseFlags(args, w)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := loadConfig(o)
	if err != nil {
		slog.New(slog.NewTextHandler(w, nil)).Error("failed to load configuration", slog.String("error", err.Error()))
		return 1
	}

	base := newLogger(cfg.Log, w)
	slog.SetDefault(base)
	logger := base.With(slog.String("broker", cfg.Broker.ID))

	if o.initOnly {
		logger.Info("configuration valid", slog.String("address", cfg.Server.Addr()))
		return 0
	}

	if err := serve(ctx, cfg, base, logger); err != nil {
		logger.Error("broker stopped", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, base, logger *slog.Logger) error {
	tlsCfg, err := mtls.Load(mtls.Config{
		CertFile:  cfg.Server.CertFile,
		KeyFile:   cfg.Server.KeyFile,
		TrustFile: cfg.Server.TrustFile,
	})
	if err != nil {
		return fmt.Errorf("loading TLS configuration: %w", err)
	}

	b, err := broker.New(broker.Config{ID: cfg.Broker.ID, Topics: cfg.Broker.Topics}, base)
	if err != nil {
		return err
	}
	e := engine.New(engine.Config{
		ContainerID:    cfg.Broker.ID,
		Auth:           sasl.Authenticator{User: cfg.Auth.User, Password: cfg.Auth.Password},
		MaxFrameSize:   cfg.Server.MaxFrameSize,
		IdleTimeout:    cfg.Server.IdleTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		ReceiverCredit: cfg.Broker.ReceiverCredit,
	}, b, logger)

	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracesEnabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Telemetry, cfg.Broker.ID)
		if err != nil {
			return fmt.Errorf("initializing OpenTelemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("OpenTelemetry shutdown failed", slog.String("error", err.Error()))
			}
		}()
		logger.Info("OpenTelemetry initialized", slog.String("endpoint", cfg.Telemetry.Endpoint))

		if cfg.Telemetry.MetricsEnabled {
			em, err := engine.NewMetrics()
			if err != nil {
				return fmt.Errorf("creating engine metrics: %w", err)
			}
			e.SetMetrics(em)
			bm, err := broker.NewMetrics()
			if err != nil {
				return fmt.Errorf("creating broker metrics: %w", err)
			}
			b.SetMetrics(bm)
		}
		if cfg.Telemetry.TracesEnabled {
			b.SetTracer(oteltrace.Tracer("testbroker/broker"))
			logger.Info("tracing enabled", slog.Float64("sample_rate", cfg.Telemetry.TraceSampleRate))
		}
	}

	limiter := ratelimit.New(ratelimit.Config{
		Rate:           cfg.Server.ConnectionRate,
		Burst:          cfg.Server.ConnectionBurst,
		MaxConnections: cfg.Server.MaxConnections,
	})
	defer limiter.Stop()

	amqp := amqpserver.New(amqpserver.Config{
		Address:         cfg.Server.Addr(),
		TLSConfig:       tlsCfg,
		Logger:          logger,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Limiter:         limiter,
		ReadyFile:       cfg.Server.ReadyFile,
	}, e)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.Run(gctx)
	})
	g.Go(func() error {
		return amqp.Listen(gctx)
	})

	if cfg.Server.WSAddr != "" {
		ws := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Limiter:         limiter,
		}, e, logger)
		g.Go(func() error {
			return ws.Listen(gctx)
		})
	}

	if cfg.Server.HealthEnabled {
		hs := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Ready:           amqp.Ready(),
		}, e, b, logger)
		g.Go(func() error {
			return hs.Listen(gctx)
		})
	}

	err = g.Wait()
	logger.Info("broker shut down", slog.Any("engine", e.Stats().Snapshot()))
	return err
}
