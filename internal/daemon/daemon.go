// Package daemon re-runs the batch on an interval and serves metrics and
// health endpoints alongside it.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/irisfeed/aida/internal/lock"
	"github.com/irisfeed/aida/internal/orchestrator"
)

// Health status values
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Cycle status values
const (
	CycleSuccess = "success"
	CycleFailure = "failure"
	CycleSkipped = "skipped"
)

// Runner runs one batch.
type Runner interface {
	RunCycle(ctx context.Context) (*orchestrator.CycleResult, error)
}

// Config holds daemon configuration
type Config struct {
	Interval time.Duration
	// MetricsAddr is the listen address of the HTTP server. Empty disables
	// it.
	MetricsAddr string
	// RunOnStart runs a cycle immediately instead of waiting one interval.
	RunOnStart bool
	// MetricsHandler serves /metrics. Defaults to the Prometheus default
	// registry.
	MetricsHandler http.Handler
}

// Daemon runs batches one at a time on an interval
type Daemon struct {
	interval    time.Duration
	metricsAddr string
	runOnStart  bool
	handler     http.Handler
	runner      Runner
	metrics     *DaemonMetrics
	startTime   time.Time

	cycleCount atomic.Int64
	failures   atomic.Int64
	port       atomic.Int64
	ready      atomic.Bool

	mu         sync.RWMutex
	lastStatus string
	lastRun    *orchestrator.CycleResult
}

// NewDaemon creates a new daemon instance
func NewDaemon(config Config, runner Runner) (*Daemon, error) {
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive (got %s)", config.Interval)
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}

	metrics, err := NewDaemonMetrics()
	if err != nil {
		return nil, fmt.Errorf("create daemon metrics: %w", err)
	}

	handler := config.MetricsHandler
	if handler == nil {
		handler = promhttp.Handler()
	}

	return &Daemon{
		interval:    config.Interval,
		metricsAddr: config.MetricsAddr,
		runOnStart:  config.RunOnStart,
		handler:     handler,
		runner:      runner,
		metrics:     metrics,
		startTime:   time.Now(),
	}, nil
}

// Start runs the schedule loop and the HTTP server until ctx is cancelled
// or the server fails.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group

	g.Add(func() error {
		d.loop(ctx)
		return nil
	}, func(error) {
		cancel()
	})

	if d.metricsAddr != "" {
		ln, err := net.Listen("tcp", d.metricsAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", d.metricsAddr, err)
		}
		if addr, ok := ln.Addr().(*net.TCPAddr); ok {
			d.port.Store(int64(addr.Port))
		}

		srv := &http.Server{
			Handler:           d.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Add(func() error {
			log.Info().Str("addr", ln.Addr().String()).Msg("starting metrics server")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	return g.Run()
}

func (d *Daemon) loop(ctx context.Context) {
	d.ready.Store(true)
	defer d.ready.Store(false)

	if d.runOnStart {
		d.runCycle(ctx)
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runCycle(ctx)
		}
	}
}

func (d *Daemon) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	d.cycleCount.Add(1)
	start := time.Now()

	result, err := d.runner.RunCycle(ctx)

	status := CycleSuccess
	switch {
	case errors.Is(err, lock.ErrLocked):
		status = CycleSkipped
		log.Warn().Err(err).Msg("previous run still active, skipping")
	case err != nil:
		status = CycleFailure
		d.failures.Add(1)
		log.Error().Err(err).Msg("scheduled run failed")
	}

	d.mu.Lock()
	d.lastStatus = status
	if result != nil {
		d.lastRun = result
	}
	d.mu.Unlock()

	d.metrics.RecordCycle(ctx, status, time.Since(start))
	if status == CycleSuccess {
		d.metrics.RecordLastSuccess(ctx, time.Now())
	}
}

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.handler)
	mux.HandleFunc("/health", d.serveHealth)
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK\n"))
	})
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !d.ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK\n"))
	})
	return mux
}

func (d *Daemon) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.Health()); err != nil {
		log.Warn().Err(err).Msg("could not write health response")
	}
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h := HealthStatus{
		Status:     StatusHealthy,
		Uptime:     int64(time.Since(d.startTime).Seconds()),
		Cycles:     d.cycleCount.Load(),
		Failures:   d.failures.Load(),
		LastStatus: d.lastStatus,
	}
	if d.lastStatus == CycleFailure {
		h.Status = StatusDegraded
	}
	if d.lastRun != nil {
		h.LastRevision = d.lastRun.Revision
		h.LastTransfer = d.lastRun.Transfer
		finished := d.lastRun.EndTime
		h.LastRunAt = &finished
	}
	return h
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status       string     `json:"status"`
	Uptime       int64      `json:"uptime_seconds"`
	Cycles       int64      `json:"cycles"`
	Failures     int64      `json:"failures"`
	LastStatus   string     `json:"last_status,omitempty"`
	LastRevision string     `json:"last_revision,omitempty"`
	LastTransfer string     `json:"last_transfer,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
}

// CycleCount returns total scheduled runs attempted
func (d *Daemon) CycleCount() int64 {
	return d.cycleCount.Load()
}

// MetricsPort returns the port the HTTP server is bound to, or 0 before
// Start.
func (d *Daemon) MetricsPort() int {
	return int(d.port.Load())
}
