package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultMetricsPath = "/metrics"

// Server exposes /healthz, /readyz and the Prometheus endpoint.
type Server struct {
	addr        string
	metricsPath string
	obs         *Observability
	okapi       *okapi.Okapi
	server      *http.Server
	logger      *slog.Logger
}

// NewServer creates the observability HTTP listener. metricsPath may be empty.
func NewServer(addr, metricsPath string, obs *Observability, logger *slog.Logger) *Server {
	if metricsPath == "" {
		metricsPath = defaultMetricsPath
	}
	return &Server{
		addr:        addr,
		metricsPath: metricsPath,
		obs:         obs,
		okapi:       okapi.New(),
		logger:      logger,
	}
}

// Start registers routes and blocks serving until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if m := s.obs.MetricsOrNil(); m != nil {
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return HTTPMetricsMiddleware(m, next)
		})
	}

	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if m := s.obs.MetricsOrNil(); m != nil {
		s.okapi.HandleStd("GET", s.metricsPath, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	s.server = &http.Server{
		Addr:              s.addr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("observability server starting",
		slog.String("addr", s.addr),
		slog.String("metrics_path", s.metricsPath),
	)
	return s.okapi.StartServer(s.server)
}

// Stop shuts the listener down.
func (s *Server) Stop(_ context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("observability server stopping")
	return s.okapi.Shutdown(s.server)
}

func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(s.health().CheckHealth())
}

// handleReadiness returns 200 when all checks pass, 503 otherwise.
func (s *Server) handleReadiness(c *okapi.Context) error {
	status := s.health().CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

func (s *Server) health() *HealthChecker {
	if s.obs == nil || s.obs.Health == nil {
		return NewHealthChecker(s.logger)
	}
	return s.obs.Health
}

// HTTPMetricsMiddleware counts requests and observes their latency.
func HTTPMetricsMiddleware(m *MetricsCollector, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
