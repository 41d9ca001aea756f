// Package app wires all flowmetry subsystems into a running collector.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithSink,
// WithAlertSender, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"golang.org/x/sync/errgroup"

	"github.com/flowmetry/flowmetry/internal/alert"
	"github.com/flowmetry/flowmetry/internal/capture"
	"github.com/flowmetry/flowmetry/internal/config"
	"github.com/flowmetry/flowmetry/internal/health"
	"github.com/flowmetry/flowmetry/internal/mgmt"
	"github.com/flowmetry/flowmetry/internal/observe"
	"github.com/flowmetry/flowmetry/internal/orchestrator"
	"github.com/flowmetry/flowmetry/internal/resilience"
	"github.com/flowmetry/flowmetry/internal/stream"
	"github.com/flowmetry/flowmetry/pkg/event"
	"github.com/flowmetry/flowmetry/pkg/sink"
	"github.com/flowmetry/flowmetry/pkg/sink/devtools"
	"github.com/flowmetry/flowmetry/pkg/sink/postgres"
	"github.com/flowmetry/flowmetry/pkg/sink/redisstream"
)

// retentionSweepInterval is how often stored events past their retention are
// deleted.
const retentionSweepInterval = time.Hour

// App owns all subsystem lifetimes and orchestrates the flowmetry collector.
type App struct {
	cfg *config.Config

	// watchPath, when set, enables config hot reload on that file.
	watchPath string

	// logLevel, when set, lets config reloads change verbosity at runtime.
	logLevel *slog.LevelVar

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics   *observe.Metrics
	registry  *resilience.Registry
	capture   *capture.Capture
	deliver   sink.Sink
	pg        *postgres.Store
	devtools  *devtools.Hub
	processor *stream.Processor
	orch      *orchestrator.Orchestrator
	notifier  *alert.Notifier
	server    *mgmt.Server
	watcher   *config.Watcher

	alertSender alert.WebhookSender
	checks      []health.Checker

	// otelShutdown flushes telemetry. It runs after the closers so the drain
	// itself is still recorded.
	otelShutdown func(context.Context) error

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSink injects the delivery sink instead of building one from config.
func WithSink(s sink.Sink) Option {
	return func(a *App) { a.deliver = s }
}

// WithMetrics injects a metrics handle instead of initialising the telemetry
// providers. The global OTel providers are left untouched.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithAlertSender injects the webhook transport instead of creating a Discord
// session from config.
func WithAlertSender(ws alert.WebhookSender) Option {
	return func(a *App) { a.alertSender = ws }
}

// WithLogLevel shares the process logger's level so config reloads can change
// verbosity at runtime.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithHotReload watches the config file at path and applies pipeline and log
// level changes without a restart.
func WithHotReload(path string) Option {
	return func(a *App) { a.watchPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: telemetry providers, capture
// sources, sink connections, the stream pipeline, alerting, the orchestrator
// and the management server. Nothing processes events until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: resilience.NewRegistry(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Capture sources ───────────────────────────────────────────────
	a.initCapture()

	// ── 3. Delivery sinks ────────────────────────────────────────────────
	if err := a.initSinks(ctx); err != nil {
		return nil, fmt.Errorf("app: init sinks: %w", err)
	}

	// ── 4. Stream pipeline ───────────────────────────────────────────────
	a.processor = stream.New(a.deliver, cfg.Pipeline.StreamConfig(), a.metrics)

	// ── 5. Alerting ──────────────────────────────────────────────────────
	if err := a.initAlerts(); err != nil {
		return nil, fmt.Errorf("app: init alerts: %w", err)
	}

	// ── 6. Orchestrator ──────────────────────────────────────────────────
	a.orch = orchestrator.New(cfg.Resilience.OrchestratorConfig(), a.processor, a.registry, a.metrics, a.notifier)

	// ── 7. Management server ─────────────────────────────────────────────
	a.initServer()

	// ── 8. Config watcher ────────────────────────────────────────────────
	if err := a.initWatcher(); err != nil {
		return nil, fmt.Errorf("app: init watcher: %w", err)
	}

	return a, nil
}

// Submit forwards one event into the pipeline. The app satisfies the capture
// Submitter contract itself so capture sources can be wired before the
// orchestrator exists. Anything captured in that window (such as the sink
// migration queries) is dropped.
func (a *App) Submit(ctx context.Context, ev event.Event) error {
	if a.orch == nil {
		return nil
	}
	return a.orch.Submit(ctx, ev)
}

// Server returns the management server, for mounting its handler in tests or
// reading the bound address.
func (a *App) Server() *mgmt.Server {
	return a.server
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry sets up the OTel providers and the collector's metrics.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil // injected
	}

	pcfg := observe.ProviderConfig{
		ServiceName: a.cfg.Observability.ServiceName,
	}
	if ep := a.cfg.Observability.TraceEndpoint; ep != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(ep),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		pcfg.TraceExporter = exp
		slog.Info("trace export enabled", "endpoint", ep)
	}

	shutdown, err := observe.InitProvider(ctx, pcfg)
	if err != nil {
		return err
	}
	a.otelShutdown = shutdown

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}
	a.metrics = m
	return nil
}

// initCapture builds the instrumentation wrappers. They submit through the
// app, which delegates to the orchestrator once it exists.
func (a *App) initCapture() {
	var opts []capture.Option
	if rate := a.cfg.Capture.SampleRate; rate > 0 {
		opts = append(opts, capture.WithSampleRate(rate))
	}
	a.capture = capture.New(a, a.metrics, opts...)
}

// initSinks connects every configured sink, routes each through its circuit
// breaker and composes them into the delivery sink. The two store sinks are
// either broadcast to (fanout, the default) or chained so redis takes over
// when postgres fails (failover); the devtools tap always sees every batch.
func (a *App) initSinks(ctx context.Context) error {
	if a.deliver != nil {
		return nil // injected
	}

	type target struct {
		breaker string
		sink    sink.Sink
	}
	var stores []target

	if pc := a.cfg.Sinks.Postgres; pc.DSN != "" {
		scfg := postgres.Config{DSN: pc.DSN, Table: pc.Table}
		if a.cfg.Capture.CaptureDBQueries() {
			scfg.QueryTracer = a.capture.Tracer()
		}
		store, err := postgres.New(ctx, scfg)
		if err != nil {
			return err
		}
		a.pg = store
		a.checks = append(a.checks, health.SinkCheck("postgres", store))
		stores = append(stores, target{orchestrator.BreakerStorage, store})
		slog.Info("postgres sink attached", "retention_hours", pc.RetentionHours)
	}

	if rc := a.cfg.Sinks.Redis; rc.Addr != "" {
		st, err := redisstream.New(ctx, redisstream.Config{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			Stream:   rc.Stream,
			MaxLen:   rc.MaxLen,
		})
		if err != nil {
			return err
		}
		a.checks = append(a.checks, health.SinkCheck("redis", st))
		stores = append(stores, target{orchestrator.BreakerNetwork, st})
		slog.Info("redis sink attached", "addr", rc.Addr)
	}

	var sinks []sink.Sink
	if a.cfg.Sinks.FailoverMode() && len(stores) > 1 {
		chain := resilience.NewSinkFallback(a.registry, stores[0].breaker, stores[0].sink)
		for _, t := range stores[1:] {
			chain.AddFallback(t.breaker, t.sink)
		}
		sinks = append(sinks, chain)
		slog.Info("store sinks chained for failover", "targets", len(stores))
	} else {
		for _, t := range stores {
			sinks = append(sinks, resilience.NewSinkGuard(a.registry, t.breaker, t.sink))
		}
	}

	if dc := a.cfg.Sinks.Devtools; dc.Enabled {
		hub := devtools.New(devtools.Config{
			SendBuffer: dc.SendBuffer,
			OnClientChange: func(delta int) {
				a.metrics.DevtoolsClients.Add(context.Background(), int64(delta))
			},
		})
		a.devtools = hub
		sinks = append(sinks, resilience.NewSinkGuard(a.registry, orchestrator.BreakerDevtools, hub))
		slog.Info("devtools sink attached")
	}

	switch len(sinks) {
	case 0:
		slog.Warn("no sinks configured, events will be dropped")
		a.deliver = sink.Discard{}
	case 1:
		a.deliver = sinks[0]
	default:
		a.deliver = sink.NewFanout(sinks[0], sinks[1:]...)
	}
	a.closers = append(a.closers, a.deliver.Close)
	return nil
}

// initAlerts sets up the batch-failure notifier. Without a webhook it runs
// log-only.
func (a *App) initAlerts() error {
	ac := a.cfg.Alerts
	if a.alertSender == nil && ac.DiscordWebhookID != "" {
		// Webhook execution authenticates with the webhook token itself, so
		// the session needs no bot token.
		session, err := discordgo.New("")
		if err != nil {
			return fmt.Errorf("create discord session: %w", err)
		}
		a.alertSender = session
		slog.Info("discord alerting enabled", "webhook_id", ac.DiscordWebhookID)
	}

	a.notifier = alert.New(alert.Config{
		WebhookID:       ac.DiscordWebhookID,
		WebhookToken:    ac.DiscordWebhookToken,
		Cooldown:        time.Duration(ac.CooldownMs) * time.Millisecond,
		GroupSimilarity: ac.GroupSimilarity,
		QueueSize:       ac.QueueSize,
	}, a.alertSender, a.metrics)
	return nil
}

// initServer assembles the management server around the orchestrator.
func (a *App) initServer() {
	checks := []health.Checker{
		health.PipelineCheck(a.processor.Running),
		health.ResilienceCheck(func() (bool, []string) {
			h := a.orch.Health()
			return h.Healthy, h.Issues
		}),
	}
	checks = append(checks, a.checks...)

	mcfg := mgmt.Config{ListenAddr: a.cfg.Server.ListenAddr}
	if tls := a.cfg.Server.TLS; tls != nil {
		mcfg.CertFile = tls.CertFile
		mcfg.KeyFile = tls.KeyFile
	}

	deps := mgmt.Deps{
		Orchestrator: a.orch,
		Health:       health.New(checks...),
		Metrics:      promhttp.Handler(),
	}
	if a.devtools != nil {
		deps.Devtools = a.devtools.Handler()
	}
	if a.cfg.Capture.CaptureHTTP() {
		deps.Middleware = a.capture.Middleware
	}
	a.server = mgmt.New(mcfg, deps)
}

// initWatcher starts config hot reload when a file was given.
func (a *App) initWatcher() error {
	if a.watchPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.watchPath, a.applyConfig)
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	slog.Info("config hot reload enabled", "path", a.watchPath)
	return nil
}

// applyConfig reacts to a config file change. Pipeline settings and the log
// level apply live; everything else is logged as requiring a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	d := config.Diff(oldCfg, newCfg)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Slog())
		slog.Info("log level updated", "level", d.NewLogLevel)
	}
	if d.PipelineChanged {
		a.orch.UpdateStreamConfig(d.Pipeline)
	}
	for _, section := range d.RestartRequired {
		slog.Warn("config change needs a restart to apply", "section", section)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the orchestrator and the management server and blocks until ctx
// is cancelled or the server fails. The app stays initialised on return; call
// Shutdown to tear it down.
func (a *App) Run(ctx context.Context) error {
	a.notifier.Start()
	if err := a.orch.Start(); err != nil {
		return fmt.Errorf("app: start orchestrator: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.ListenAndServe(ctx)
	})
	if a.pg != nil && a.cfg.Sinks.Postgres.RetentionHours > 0 {
		g.Go(func() error {
			a.runRetentionSweeps(ctx)
			return nil
		})
	}

	slog.Info("collector running", "listen_addr", a.cfg.Server.ListenAddr)
	return g.Wait()
}

// runRetentionSweeps periodically deletes stored events older than the
// configured retention. Each sweep is captured as a job event.
func (a *App) runRetentionSweeps(ctx context.Context) {
	retention := time.Duration(a.cfg.Sinks.Postgres.RetentionHours) * time.Hour
	job := func(ctx context.Context) error {
		removed, err := a.pg.Sweep(ctx, retention)
		if err != nil {
			return err
		}
		if removed > 0 {
			slog.Info("retention sweep complete", "removed", removed)
		}
		return nil
	}
	if a.cfg.Capture.CaptureJobs() {
		job = a.capture.Job("retention_sweep", job)
	}

	slog.Info("retention sweeps scheduled", "retention", retention, "interval", retentionSweepInterval)
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job(ctx); err != nil {
				slog.Warn("retention sweep failed", "err", err)
			}
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: the orchestrator drains the pipeline
// into the sinks, queued alerts go out, then the closers run in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Drain the pipeline before anything it delivers into goes away.
		if err := a.orch.Stop(ctx); err != nil {
			slog.Warn("orchestrator stop error", "err", err)
		}
		a.notifier.Stop()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		if a.otelShutdown != nil {
			if err := a.otelShutdown(ctx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
