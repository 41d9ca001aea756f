// Command flowmetry is the main entry point for the flowmetry event collector.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/flowmetry/flowmetry/internal/app"
	"github.com/flowmetry/flowmetry/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "flowmetry: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "flowmetry: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("flowmetry starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg,
		app.WithLogLevel(level),
		app.WithHotReload(*configPath),
	)
	if err != nil {
		slog.Error("failed to initialise collector", "err", err)
		return 1
	}

	slog.Info("collector ready — press Ctrl+C to shut down")

	exitCode := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exitCode = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	// Runs on the error path too: whatever ended Run, the pipeline still
	// drains into the sinks before the process exits.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping collector…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exitCode = 1
	}
	if exitCode == 0 {
		slog.Info("goodbye")
	}
	return exitCode
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	rcfg := cfg.Resilience.OrchestratorConfig()

	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║        flowmetry — startup summary     ║")
	fmt.Println("╠════════════════════════════════════════╣")
	printRow("Postgres sink", onOff(cfg.Sinks.Postgres.DSN != ""))
	printRow("Redis sink", onOff(cfg.Sinks.Redis.Addr != ""))
	printRow("Devtools sink", onOff(cfg.Sinks.Devtools.Enabled))
	printRow("Breakers", onOff(rcfg.CircuitBreakerEnabled))
	printRow("Fallback", onOff(rcfg.FallbackEnabled))
	if cfg.Alerts.DiscordWebhookID != "" {
		printRow("Alerts", "discord")
	} else {
		printRow("Alerts", "(disabled)")
	}
	printRow("Capture", captureSummary(cfg.Capture))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "(disabled)"
}

// captureSummary lists the enabled capture sources, e.g. "http, db, jobs".
func captureSummary(cc config.CaptureConfig) string {
	var parts []string
	if cc.CaptureHTTP() {
		parts = append(parts, "http")
	}
	if cc.CaptureDBQueries() {
		parts = append(parts, "db")
	}
	if cc.CaptureJobs() {
		parts = append(parts, "jobs")
	}
	if len(parts) == 0 {
		return "(disabled)"
	}
	return strings.Join(parts, ", ")
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar is shared with
// the app so config reloads can change verbosity at runtime.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(level.Slog())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}
