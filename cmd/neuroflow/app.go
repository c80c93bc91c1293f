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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dshills/neuroflow-go/config"
	"github.com/dshills/neuroflow-go/graph"
	"github.com/dshills/neuroflow-go/graph/emit"
	"github.com/dshills/neuroflow-go/graph/model"
	"github.com/dshills/neuroflow-go/graph/model/anthropic"
	"github.com/dshills/neuroflow-go/graph/model/google"
	"github.com/dshills/neuroflow-go/graph/model/openai"
	"github.com/dshills/neuroflow-go/graph/store"
	"github.com/dshills/neuroflow-go/journal"
	"github.com/dshills/neuroflow-go/neuroflow"
	"github.com/dshills/neuroflow-go/recall"
)

// App holds the wired coach and everything that must be closed with it.
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	ctrl     *neuroflow.Controller
	gen      *model.Generator
	registry *prometheus.Registry
	server   *http.Server
	tracer   *sdktrace.TracerProvider
	closers  []func() error
}

// providerKeyEnv is the API key variable used when generation.api_key_env
// is empty.
var providerKeyEnv = map[string]string{
	"google":    "GOOGLE_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
}

// NewApp wires a controller from cfg. lookup resolves API keys.
func NewApp(ctx context.Context, cfg *config.Config, lookup func(string) (string, bool)) (*App, error) {
	a := &App{cfg: cfg, logger: initLogger(cfg.Log)}
	if err := a.init(ctx, lookup); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, lookup func(string) (string, bool)) error {
	cfg := a.cfg

	chat, err := newChatModel(cfg.Generation, lookup)
	if err != nil {
		return err
	}
	a.gen = model.NewGenerator(chat,
		model.WithCostTracker(model.NewCostTracker()),
		model.WithProvider(cfg.Generation.Provider),
		model.WithTimeout(cfg.Generation.Timeout),
		model.WithMaxTokens(cfg.Generation.MaxTokens),
	)

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	j, err := a.openJournal()
	if err != nil {
		return err
	}
	embedder, err := newEmbedder(cfg.Recall, lookup)
	if err != nil {
		return err
	}
	memory := recall.NewIndex(embedder, recall.WithLogger(a.logger))

	a.registry = prometheus.NewRegistry()
	metrics := graph.NewPrometheusMetrics(a.registry)

	if a.tracer, err = a.newTracerProvider(ctx); err != nil {
		return err
	}
	emitter := emit.MultiEmitter{
		emit.NewZapEmitter(a.logger),
		emit.NewOTelEmitter(a.tracer.Tracer(appName)),
	}

	flow, err := neuroflow.Build(cfg, neuroflow.Deps{
		Generator: a.gen,
		Journal:   j,
		Memory:    memory,
		Logger:    a.logger,
	}, st, emitter, graph.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("build workflow: %w", err)
	}
	a.ctrl = neuroflow.NewController(flow, st, cfg,
		neuroflow.WithJournal(j),
		neuroflow.WithLogger(a.logger),
	)

	if cfg.Metrics.Addr != "" {
		a.serveMetrics(cfg.Metrics.Addr)
	}

	a.logger.Info("neuroflow ready",
		zap.String("version", Version),
		zap.String("provider", cfg.Generation.Provider),
		zap.String("checkpoint_driver", cfg.Checkpoint.Driver),
		zap.String("journal_driver", cfg.Journal.Driver),
		zap.String("approval_policy", cfg.Approval.Policy))
	return nil
}

// Controller returns the wired controller.
func (a *App) Controller() *neuroflow.Controller { return a.ctrl }

// Close stops the metrics server and releases storage in reverse order.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *App) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.logger.Info("serving metrics", zap.String("addr", addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// newTracerProvider builds the span pipeline for tracing.exporter. With
// exporter none spans are sampled but go nowhere.
func (a *App) newTracerProvider(ctx context.Context) (*sdktrace.TracerProvider, error) {
	c := a.cfg.Tracing
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRate))),
	}

	switch c.Exporter {
	case "stdout":
		var w io.Writer = os.Stderr
		if c.File != "" {
			f, err := os.OpenFile(c.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				return nil, fmt.Errorf("open trace file: %w", err)
			}
			a.closers = append(a.closers, f.Close)
			w = f
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case "otlp":
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(c.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	a.logger.Info("tracing initialized",
		zap.String("exporter", c.Exporter),
		zap.Float64("sample_rate", c.SampleRate))
	return sdktrace.NewTracerProvider(opts...), nil
}

func (a *App) openStore(ctx context.Context) (store.Store[neuroflow.State], error) {
	c := a.cfg.Checkpoint
	switch c.Driver {
	case "sqlite":
		st, err := store.NewSQLiteStore[neuroflow.State](c.DSN)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		return st, nil
	case "mysql":
		st, err := store.NewMySQLStore[neuroflow.State](c.DSN)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		return st, nil
	case "redis":
		st, err := store.DialRedisStore[neuroflow.State](ctx, c.RedisAddr, "", 0, c.KeyPrefix+":", c.TTL)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		return st, nil
	default:
		return store.NewMemStore[neuroflow.State](), nil
	}
}

func (a *App) openJournal() (journal.Journal, error) {
	c := a.cfg.Journal
	var (
		j   *journal.SQLJournal
		err error
	)
	switch c.Driver {
	case "sqlite":
		j, err = journal.OpenSQLite(c.DSN, journal.WithLogger(a.logger))
	case "mysql":
		j, err = journal.OpenMySQL(c.DSN, journal.WithLogger(a.logger))
	default:
		return journal.NewMemJournal(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	a.closers = append(a.closers, j.Close)
	return j, nil
}

func newChatModel(c config.GenerationConfig, lookup func(string) (string, bool)) (model.ChatModel, error) {
	if c.Provider == "mock" {
		return offlineModel(), nil
	}

	keyEnv := c.APIKeyEnv
	if keyEnv == "" {
		keyEnv = providerKeyEnv[c.Provider]
	}
	key, ok := lookup(keyEnv)
	if !ok || key == "" {
		return nil, fmt.Errorf("provider %s needs an API key in $%s", c.Provider, keyEnv)
	}

	switch c.Provider {
	case "google":
		return google.NewChatModel(key, c.Model), nil
	case "anthropic":
		return anthropic.NewChatModel(key, c.Model), nil
	case "openai":
		return openai.NewChatModel(key, c.Model), nil
	}
	return nil, fmt.Errorf("unsupported provider %q", c.Provider)
}

func newEmbedder(c config.RecallConfig, lookup func(string) (string, bool)) (recall.Embedder, error) {
	if c.Embedder != "openai" {
		return recall.NewHashEmbedder(c.Dimensions), nil
	}
	key, ok := lookup(providerKeyEnv["openai"])
	if !ok || key == "" {
		return nil, fmt.Errorf("recall embedder openai needs an API key in $%s", providerKeyEnv["openai"])
	}
	return recall.NewOpenAIEmbedder(key, c.Model), nil
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "json" {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format != "json",
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "json" {
		zapConfig.Encoding = "json"
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger.Named(appName)
}
