package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/history"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/runtime"
	"github.com/haasonsaas/conduit/internal/runtime/claudecli"
	"github.com/haasonsaas/conduit/internal/sessions"
)

// Server is the conduit broker: session registry, history index and the
// HTTP/WebSocket front end.
type Server struct {
	config  *config.Config
	logger  *slog.Logger
	version string

	runtime       runtime.Runtime
	metrics       *observability.Metrics
	promRegistry  *prometheus.Registry
	tracer        *observability.Tracer
	traceShutdown func(context.Context) error

	lock     *LockHandle
	store    sessions.Store
	history  *history.Index
	watcher  *history.Watcher
	registry *sessions.Registry
	ws       *wsControlPlane

	httpServer   *http.Server
	httpListener net.Listener
	startTime    time.Time

	stopOnce sync.Once
}

// Option customizes a Server.
type Option func(*Server)

// WithRuntime replaces the claude CLI runtime.
func WithRuntime(rt runtime.Runtime) Option {
	return func(s *Server) { s.runtime = rt }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// NewServer creates a broker from cfg. Nothing touches the data directory
// until Start.
func NewServer(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:  cfg,
		logger:  logger,
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.runtime == nil {
		rt := claudecli.New(claudecli.Config{
			Binary:    cfg.Runtime.Binary,
			ExtraArgs: cfg.Runtime.ExtraArgs,
			Env:       cfg.Runtime.Env,
			Models:    cfg.Runtime.Models,
			KillGrace: cfg.Runtime.KillGrace,
			Logger:    logger,
		})
		if err := rt.Available(); err != nil {
			// Start requests will fail until the binary appears.
			logger.Warn("agent runtime unavailable", "binary", cfg.Runtime.Binary, "error", err)
		}
		s.runtime = rt
	}

	if cfg.Observability.MetricsOn() {
		s.promRegistry = prometheus.NewRegistry()
		s.promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics = observability.NewMetrics(s.promRegistry)
	}

	tc := cfg.Observability.Tracing
	s.tracer, s.traceShutdown = observability.NewTracer(observability.TraceConfig{
		ServiceName:    tc.ServiceName,
		ServiceVersion: s.version,
		Environment:    tc.Environment,
		Endpoint:       tc.Endpoint,
		SamplingRate:   tc.SamplingRate,
		Attributes:     tc.Attributes,
		EnableInsecure: tc.Insecure,
	})
	return s, nil
}

// Start acquires the data directory, restores persisted sessions and begins
// serving. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	s.startTime = time.Now()

	lock, err := AcquireDataDirLock(LockOptions{
		DataDir:       s.config.DataDir,
		Addr:          s.config.Addr(),
		AllowMultiple: s.config.Server.AllowMultiple,
	})
	if err != nil {
		return err
	}
	s.lock = lock

	store, err := sessions.OpenStore(ctx, s.config.StoreConfig(), s.logger)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("open session store: %w", err)
	}
	s.store = store

	root := s.config.History.Root
	if root == "" {
		root = history.DefaultRoot()
	}
	s.history = history.NewIndex(history.NewLoader(root, s.logger))

	broker := s.config.Broker
	s.registry = sessions.NewRegistry(sessions.RegistryConfig{
		Runtime:           s.runtime,
		Store:             s.store,
		History:           s.history,
		Logger:            s.logger,
		Metrics:           s.metrics,
		Tracer:            s.tracer,
		BufferSize:        broker.BufferSize,
		PersistTail:       broker.PersistTail,
		MaxFieldBytes:     broker.MaxFieldBytes,
		PermissionTimeout: broker.PermissionTimeout,
		Retention:         broker.Retention,
		SweepSchedule:     broker.SweepSchedule,
		DefaultCwd:        broker.DefaultCwd,
		DefaultMode:       broker.DefaultPermissionMode,
		AllowedTools:      broker.AllowedTools,
		MaxTurns:          broker.MaxTurns,
		MaxBudgetUSD:      broker.MaxBudgetUSD,
	})
	if err := s.registry.Init(ctx); err != nil {
		s.closeStore()
		s.releaseLock()
		return fmt.Errorf("restore sessions: %w", err)
	}

	if s.config.History.WatchEnabled() {
		s.watcher = history.NewWatcher(s.history, s.config.History.Debounce, func() {
			s.registry.BroadcastSessions(context.Background())
		}, s.logger)
		if err := s.watcher.Start(ctx); err != nil {
			// Listing still rescans on demand without the watcher.
			s.logger.Warn("history watcher disabled", "root", root, "error", err)
			s.watcher = nil
		}
	}

	s.ws = newWSControlPlane(s.registry, s.metrics, s.tracer, s.config.Server.AllowedOrigins, s.logger)
	if err := s.startHTTPServer(); err != nil {
		_ = s.Stop(ctx)
		return err
	}
	s.logger.Info("conduit started",
		"addr", s.Addr(),
		"data_dir", s.config.DataDir,
		"storage", s.config.Storage.Driver,
		"history", root,
	)
	return nil
}

// Addr returns the bound listener address, or the configured one before
// Start.
func (s *Server) Addr() string {
	if s.httpListener != nil {
		return s.httpListener.Addr().String()
	}
	return s.config.Addr()
}

// Registry exposes the session registry. It is nil before Start.
func (s *Server) Registry() *sessions.Registry {
	return s.registry
}

// Stop shuts down the listener, aborts running sessions, persists state and
// releases the data directory.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	s.stopOnce.Do(func() {
		s.logger.Info("stopping server")
		s.stopHTTPServer(ctx)
		// Shutdown does not track hijacked connections.
		if s.ws != nil {
			s.ws.closeAll()
		}

		if s.watcher != nil {
			if err := s.watcher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("history watcher: %w", err))
			}
		}
		if s.registry != nil {
			if err := s.registry.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("session registry: %w", err))
			}
		}
		s.closeStore()
		if s.traceShutdown != nil {
			if err := s.traceShutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer: %w", err))
			}
		}
		s.releaseLock()
	})
	return errors.Join(errs...)
}

func (s *Server) closeStore() {
	closer, ok := s.store.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		s.logger.Warn("session store close error", "error", err)
	}
}

func (s *Server) releaseLock() {
	if err := s.lock.Release(); err != nil {
		s.logger.Warn("failed to release data directory lock", "error", err)
	}
	s.lock = nil
}
