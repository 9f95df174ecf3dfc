package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Options contains the configuration required to start the HTTP server.
type Options struct {
	ListenAddress string
	MetricsPath   string
	HealthPath    string
	ProbeTimeout  time.Duration
}

// PluginState reports a snapshot of the open plugin for the debug route.
type PluginState interface {
	Provider() string
	DomainName() string
	SelfAddress() string
}

// Server wraps an http.Server routed through chi, grounded on the
// teacher's server.go but serving the plugin's debug and metrics surface
// rather than RDMA sysfs scrapes (spec §4.1, §4.13).
type Server struct {
	httpServer   *http.Server
	registry     *prometheus.Registry
	plugin       PluginState
	logger       *slog.Logger
	probeTimeout time.Duration
}

// New constructs a Server using the provided registry and plugin state.
func New(opts Options, registry *prometheus.Registry, plugin PluginState, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		registry:     registry,
		plugin:       plugin,
		logger:       logger,
		probeTimeout: opts.ProbeTimeout,
	}

	metricsPath := opts.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	healthPath := opts.HealthPath
	if healthPath == "" {
		healthPath = "/healthz"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	metricsHandler := promhttp.InstrumentMetricHandler(
		registry,
		http.HandlerFunc(s.handleMetrics),
	)
	r.Handle(metricsPath, metricsHandler)
	r.Get(healthPath, s.handleHealth)
	r.Get("/debug/plugin", s.handleDebugPlugin)

	s.httpServer = &http.Server{
		Addr:              opts.ListenAddress,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.probeTimeout)
		defer cancel()
	}

	type gatherResult struct {
		metrics []*dto.MetricFamily
		err     error
	}

	resultCh := make(chan gatherResult, 1)
	go func() {
		mfs, err := s.registry.Gather()
		resultCh <- gatherResult{metrics: mfs, err: err}
	}()

	var result gatherResult
	select {
	case result = <-resultCh:
	case <-ctx.Done():
		s.logger.Warn("metrics gather timed out", "err", ctx.Err())
		http.Error(w, "scrape timed out", http.StatusGatewayTimeout)
		return
	}

	if result.err != nil {
		s.logger.Error("metrics gather failed", "err", result.err)
		http.Error(w, "metrics gather failed", http.StatusInternalServerError)
		return
	}

	contentType := expfmt.Negotiate(r.Header)
	w.Header().Set("Content-Type", string(contentType))

	encoder := expfmt.NewEncoder(w, contentType)
	for _, mf := range result.metrics {
		if err := encoder.Encode(mf); err != nil {
			s.logger.Error("encode metric family failed", "err", err)
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// handleDebugPlugin reports which provider and domain this process opened
// and its own resolved address, for a human checking the probe is wired
// to the provider they expect.
func (s *Server) handleDebugPlugin(w http.ResponseWriter, _ *http.Request) {
	if s.plugin == nil {
		http.Error(w, "plugin not initialized", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(struct {
		Provider   string `json:"provider"`
		DomainName string `json:"domain"`
		SelfAddr   string `json:"self_address"`
	}{
		Provider:   s.plugin.Provider(),
		DomainName: s.plugin.DomainName(),
		SelfAddr:   s.plugin.SelfAddress(),
	})
}
