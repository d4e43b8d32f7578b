// Package runtime wires the daemon together: telemetry, engine
// instances, the arbiter, the dispatcher, both transports, and the
// admin HTTP surface, with shutdown in the reverse order of startup.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/voxlabs/voxd/internal/arbiter"
	"github.com/voxlabs/voxd/internal/bus"
	"github.com/voxlabs/voxd/internal/config"
	"github.com/voxlabs/voxd/internal/dispatch"
	"github.com/voxlabs/voxd/internal/engine"
	"github.com/voxlabs/voxd/internal/history"
	"github.com/voxlabs/voxd/internal/natsserver"
	"github.com/voxlabs/voxd/internal/server"
)

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger
	ready   atomic.Bool
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{cfg: cfg, version: version, logger: logger}
}

// ParseLogLevel maps the configured level name to a slog level,
// defaulting to info for unknown values.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Start brings the daemon up and blocks until ctx is cancelled. Any
// startup failure, a taken port included, is returned immediately so
// the process exits non-zero instead of limping along half-wired.
func (r *Runtime) Start(ctx context.Context) error {
	logger := r.logger
	cfg := r.cfg

	telemetryShutdown, metricsHandler, err := setupTelemetry(cfg, r.version, logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	store, err := history.Open(ctx, cfg.History, logger)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("history close error", slog.String("error", err.Error()))
		}
	}()

	engines, err := buildEngines(cfg.Engine, logger)
	if err != nil {
		return fmt.Errorf("load engine: %w", err)
	}
	defer func() {
		for _, eng := range engines {
			if err := eng.Close(); err != nil {
				logger.Error("engine close error", slog.String("error", err.Error()))
			}
		}
	}()

	arb := arbiter.New(engines, arbiter.Options{
		QueueDepth:   cfg.Synthesis.QueueDepth,
		QueueTimeout: time.Duration(cfg.Synthesis.QueueTimeoutMS) * time.Millisecond,
		SynthTimeout: time.Duration(cfg.Synthesis.SynthTimeoutMS) * time.Millisecond,
	}, logger)
	defer arb.Close()

	dispatcher, err := dispatch.New(cfg, r.version, engines[0], arb, store, logger)
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}
	defer dispatcher.Close()

	ws := server.New(ctx, cfg.Server, dispatcher, logger)
	if err := ws.Start(); err != nil {
		return fmt.Errorf("start websocket server: %w", err)
	}
	defer ws.Close()

	adminClose, err := r.startAdmin(metricsHandler)
	if err != nil {
		return fmt.Errorf("start admin server: %w", err)
	}
	defer adminClose()

	var (
		embedded   *natsserver.EmbeddedServer
		busClient  *bus.Client
		busService *bus.Service
	)
	if cfg.Bus.Enabled {
		embedded, err = natsserver.Start(cfg.Bus, logger)
		if err != nil {
			return fmt.Errorf("start embedded NATS server: %w", err)
		}
		defer embedded.Shutdown()

		busCfg := cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", cfg.Bus.Port)}
		}
		busClient, err = bus.Connect(ctx, busCfg, logger)
		if err != nil {
			return fmt.Errorf("connect to bus: %w", err)
		}
		defer busClient.Close()

		busService = bus.NewService(ctx, cfg.Bus, busClient, dispatcher, logger)
		if err := busService.Start(); err != nil {
			return fmt.Errorf("start bus front: %w", err)
		}
		defer busService.Close()
	}

	r.ready.Store(true)
	defer r.ready.Store(false)

	logger.Info("voxd started",
		slog.String("version", r.version),
		slog.String("engine", cfg.Engine.Mode),
		slog.Int("engine_instances", len(engines)),
		slog.String("default_language", cfg.Engine.DefaultLanguage),
		slog.Bool("bus", cfg.Bus.Enabled))

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func buildEngines(cfg config.EngineConfig, logger *slog.Logger) ([]engine.Engine, error) {
	engines := make([]engine.Engine, 0, cfg.Instances)
	for i := 0; i < cfg.Instances; i++ {
		var (
			eng engine.Engine
			err error
		)
		switch cfg.Mode {
		case "exec":
			eng, err = engine.NewExec(cfg)
		default:
			eng = engine.NewMock(cfg.SampleRate, cfg.Channels, cfg.Languages)
		}
		if err != nil {
			for _, loaded := range engines {
				_ = loaded.Close()
			}
			return nil, fmt.Errorf("instance %d: %w", i, err)
		}
		logger.Info("engine loaded",
			slog.Int("instance", i),
			slog.String("mode", cfg.Mode),
			slog.String("device", eng.Device()),
			slog.Int("sample_rate", eng.SampleRate()),
			slog.String("languages", strings.Join(eng.Languages(), ",")))
		engines = append(engines, eng)
	}
	return engines, nil
}

// startAdmin binds the admin listener serving health probes and the
// Prometheus scrape endpoint. Returns the shutdown func.
func (r *Runtime) startAdmin(metricsHandler http.Handler) (func(), error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !r.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("starting"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("admin server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("admin server listening", slog.String("addr", addr))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("admin shutdown error", slog.String("error", err.Error()))
		}
	}, nil
}
