package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AntimatterEnterprises/ongarde/internal/adapter/inbound/gateway"
	auditstore "github.com/AntimatterEnterprises/ongarde/internal/adapter/outbound/audit"
	"github.com/AntimatterEnterprises/ongarde/internal/adapter/outbound/telemetry"
	"github.com/AntimatterEnterprises/ongarde/internal/config"
	"github.com/AntimatterEnterprises/ongarde/internal/domain/allowlist"
	"github.com/AntimatterEnterprises/ongarde/internal/domain/audit"
	"github.com/AntimatterEnterprises/ongarde/internal/domain/auth"
	"github.com/AntimatterEnterprises/ongarde/internal/domain/scan"
	"github.com/AntimatterEnterprises/ongarde/internal/health"
	"github.com/AntimatterEnterprises/ongarde/internal/nlp"
	"github.com/AntimatterEnterprises/ongarde/internal/service"
)

// shutdownGrace bounds the drain of in-flight requests at shutdown.
const shutdownGrace = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the proxy",
	Long: `Start the OnGarde proxy.

Startup order: NLP worker spawn and warmup, hardware calibration, allowlist
load, then the HTTP listener. Calibration always completes before the proxy
accepts traffic; a calibration failure falls back to conservative defaults
and never aborts startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		return run(cfg)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cfg *config.Config) error {
	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	if used := config.ConfigFileUsed(); used != "" {
		logger.Info("config loaded", "file", used)
	} else {
		logger.Info("no config file found, using environment and defaults")
	}

	tracer, shutdownTraces, err := telemetry.Setup(ctx, cfg.Telemetry.TracesEnabled)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTraces(flushCtx)
	}()

	// Audit backend and async writer.
	var backend audit.Backend = noopAuditBackend{}
	if cfg.Audit.Enabled {
		store, err := auditstore.NewSQLiteStore(cfg.Audit.DBPath)
		if err != nil {
			return err
		}
		backend = store
		logger.Info("audit store opened", "path", cfg.Audit.DBPath)
	}
	auditSvc := service.NewAuditService(backend, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize))
	auditSvc.Start(ctx)

	// NLP worker. Lite mode and worker startup failure both degrade to
	// regex-only scanning; the proxy never refuses to start over a missing
	// model.
	var worker nlp.Worker
	var processWorker *nlp.ProcessWorker
	if cfg.Scanner.Mode == config.ScannerModeFull {
		entitySet := cfg.Scanner.EntitySet
		if len(entitySet) == 0 {
			entitySet = nlp.DefaultEntitySet
		}
		if cfg.Scanner.EnablePersonDetection && !contains(entitySet, "PERSON") {
			entitySet = append(entitySet, "PERSON")
		}
		pw, err := nlp.NewProcessWorker(nlp.ProcessWorkerConfig{
			Command:   cfg.Scanner.WorkerCommand,
			EntitySet: entitySet,
		}, logger)
		if err != nil {
			logger.Error("nlp worker startup failed, continuing regex-only", "error", err)
		} else {
			processWorker = pw
			worker = pw
		}
	} else {
		logger.Info("scanner mode is lite, nlp worker disabled")
	}

	// Calibration must complete before the listener starts; failure uses
	// conservative defaults.
	var calibration scan.CalibrationResult
	if worker != nil {
		calibration = scan.RunCalibration(ctx, worker, logger)
	} else {
		calibration = scan.ConservativeFallback("nlp worker not running")
	}

	// Explicit config overrides beat measurements.
	syncCap := calibration.SyncCap
	timeout := calibration.Timeout
	if cfg.Scanner.SyncCap > 0 {
		syncCap = cfg.Scanner.SyncCap
		logger.Info("sync cap overridden by config", "sync_cap", syncCap)
	}
	if cfg.Scanner.Timeout() > 0 {
		timeout = cfg.Scanner.Timeout()
		logger.Info("nlp timeout overridden by config", "timeout_ms", timeout.Milliseconds())
	}

	engine := scan.NewEngine(scan.NewRegexEngine(), worker, logger)
	engine.UpdateCalibration(syncCap, timeout)

	latencyTracker := health.NewScanLatencyTracker()
	streamingTracker := health.NewStreamingMetricsTracker()

	// Allowlist store, initial load, and hot-reload watcher.
	allowStore := allowlist.NewStore(logger)
	if cfg.Allowlist.Path != "" {
		count, err := allowStore.Load(cfg.Allowlist.Path)
		if err != nil {
			logger.Error("allowlist load failed, starting with empty allowlist",
				"path", cfg.Allowlist.Path,
				"error", err,
			)
		} else {
			logger.Info("allowlist loaded", "count", count, "path", cfg.Allowlist.Path)
		}
		if cfg.Allowlist.Watch {
			watcher := allowlist.NewWatcher(allowStore, cfg.Allowlist.Path, logNotifier{logger}, logger)
			go func() {
				if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("allowlist watcher stopped", "error", err)
				}
			}()
		}
	}

	gate := scan.NewGate(engine, logger,
		scan.WithAllowlist(allowStore),
		scan.WithLatencyRecorder(latencyTracker),
	)

	keys := make([]auth.Key, 0, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		keys = append(keys, auth.Key{UserID: k.UserID, Hash: k.KeyHash})
	}
	authenticator := auth.NewAPIKeyAuthenticator(keys)

	registry := prometheus.NewRegistry()
	metrics := gateway.NewMetrics(registry)

	handlerOpts := []gateway.HandlerOption{gateway.WithTracer(tracer)}
	if worker != nil {
		handlerOpts = append(handlerOpts, gateway.WithNLPWorker(worker))
	}
	handler := gateway.NewHandler(
		gateway.Upstreams{
			OpenAI:    cfg.Upstream.OpenAI,
			Anthropic: cfg.Upstream.Anthropic,
		},
		gate,
		authenticator,
		auditSvc,
		streamingTracker,
		metrics,
		logger,
		handlerOpts...,
	)

	router := gateway.NewRouter(handler, gateway.HealthState{
		Latency:         latencyTracker,
		Streaming:       streamingTracker,
		Calibration:     calibration,
		WorkerAvailable: worker != nil,
	}, registry, logger)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ongarde listening",
			"addr", cfg.Server.Addr,
			"scanner_mode", cfg.Scanner.Mode,
			"calibration_tier", calibration.Tier,
			"sync_cap", syncCap,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	engine.WaitAdvisory()

	if processWorker != nil {
		if err := processWorker.Close(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("nlp worker shutdown", "error", err)
		}
	}

	auditSvc.Stop()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	_ = backend.Close(closeCtx)

	logger.Info("shutdown complete")
	return nil
}

// logNotifier is the default reload notifier when no dashboard is wired.
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) NotifyConfigReloaded(count int) {
	n.logger.Info("allowlist reload notified", "entries", count)
}

// noopAuditBackend is used when audit persistence is disabled.
type noopAuditBackend struct{}

func (noopAuditBackend) LogEvent(context.Context, audit.Event) error { return nil }
func (noopAuditBackend) QueryEvents(context.Context, audit.Filter) ([]audit.Event, error) {
	return nil, nil
}
func (noopAuditBackend) CountEvents(context.Context, audit.Filter) (int, error) { return 0, nil }
func (noopAuditBackend) Close(context.Context) error                            { return nil }

// parseLogLevel converts a string log level to slog.Level. Unrecognized
// values fall back to info.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
