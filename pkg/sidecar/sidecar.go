// Package sidecar runs the long-lived per-session process: it owns the
// orchestrator row, keeps its heartbeat fresh, sweeps expired retrieval
// results, and optionally serves health and metrics over HTTP.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/orchestrator"
)

const (
	defaultHeartbeatInterval = time.Second
	defaultSweepInterval     = 30 * time.Second
)

// Sweeper is the expiry-sweep slice of the bus.
type Sweeper interface {
	CleanupExpiredRetrieval(ctx context.Context) (int64, error)
}

// Options configure a sidecar run.
type Options struct {
	SessionID string

	// HTTPAddr enables the /healthz and /metrics listener when set.
	HTTPAddr string

	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
}

// Sidecar supervises the background loops of one session.
type Sidecar struct {
	registry *orchestrator.Registry
	sweeper  Sweeper
	metrics  *Metrics
	promReg  *prometheus.Registry
	logger   *slog.Logger
	opts     Options
}

func New(registry *orchestrator.Registry, sweeper Sweeper, metrics *Metrics, promReg *prometheus.Registry, logger *slog.Logger, opts Options) *Sidecar {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	return &Sidecar{
		registry: registry,
		sweeper:  sweeper,
		metrics:  metrics,
		promReg:  promReg,
		logger:   logger,
		opts:     opts,
	}
}

// Run registers the orchestrator row and drives the loops until ctx is
// cancelled, then hands the row off: still-running rows become stopped,
// rows already in the clear hand-off keep their status.
func (s *Sidecar) Run(ctx context.Context) error {
	if err := s.registry.Register(ctx, s.opts.SessionID); err != nil {
		return fmt.Errorf("register orchestrator: %w", err)
	}
	s.logger.Info("sidecar started",
		"session_id", s.opts.SessionID,
		"http_addr", s.opts.HTTPAddr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.heartbeatLoop(ctx) })
	g.Go(func() error { return s.sweepLoop(ctx) })
	if s.opts.HTTPAddr != "" {
		g.Go(func() error { return s.serveHTTP(ctx) })
	}

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopped, stopErr := s.registry.MarkStoppedIfRunning(shutdownCtx, s.opts.SessionID)
	if stopErr != nil {
		s.logger.Error("failed to mark orchestrator stopped", "error", stopErr)
	} else if stopped {
		s.logger.Info("sidecar stopped", "session_id", s.opts.SessionID)
	} else {
		s.logger.Info("sidecar exiting without status change; clear hand-off in progress",
			"session_id", s.opts.SessionID)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Sidecar) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.registry.Heartbeat(ctx, s.opts.SessionID); err != nil {
				// A missed beat is survivable; a dead database is not,
				// but the next beat will fail the same way and the
				// operator sees the log either way.
				s.logger.Warn("heartbeat failed", "error", err)
				continue
			}
			s.metrics.Heartbeats.Inc()
		}
	}
}

func (s *Sidecar) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.sweeper.CleanupExpiredRetrieval(ctx)
			if err != nil {
				s.logger.Warn("retrieval sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("swept expired retrieval results", "count", n)
			}
		}
	}
}

func (s *Sidecar) serveHTTP(ctx context.Context) error {
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: s.opts.HTTPAddr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics listener: %w", err)
	}
}
