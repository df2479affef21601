// Package obs provides the structured logging and Prometheus metrics
// shared by the Access Manager, Transcryptor, and Storage Facility servers.
// Grounded on core/system_health_logging.go's HealthLogger, generalized
// from node/ledger metrics to the three PEP server roles.
package obs

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// NewLogger returns a JSON-formatted logrus.Logger tagged with the given
// component name, matching the teacher's "[component] " prefix convention
// but in structured form.
func NewLogger(component string) *logrus.Logger {
	lg := logrus.New()
	lg.SetFormatter(&logrus.JSONFormatter{})
	lg.AddHook(componentHook(component))
	return lg
}

// componentHook adds the component field to every entry a Logger emits.
type componentHook string

func (h componentHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h componentHook) Fire(entry *logrus.Entry) error {
	entry.Data["component"] = string(h)
	return nil
}

// Registry wraps a Prometheus registry with the gauges and counters common
// to all three PEP server roles, plus an extension point for
// component-specific metrics (e.g. Storage Facility's entry count).
type Registry struct {
	mu       sync.Mutex
	registry *prometheus.Registry
	log      *logrus.Logger

	requestsTotal   *prometheus.CounterVec
	requestErrors   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewRegistry builds a Registry for the given component, registering the
// ambient request metrics every server exposes.
func NewRegistry(component string, log *logrus.Logger) *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg, log: log}

	r.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pep",
		Subsystem: component,
		Name:      "requests_total",
		Help:      "Total number of requests handled, by operation.",
	}, []string{"operation"})

	r.requestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pep",
		Subsystem: component,
		Name:      "request_errors_total",
		Help:      "Total number of requests that returned an error, by operation and kind.",
	}, []string{"operation", "kind"})

	r.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pep",
		Subsystem: component,
		Name:      "request_duration_seconds",
		Help:      "Request handling latency in seconds, by operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	reg.MustRegister(r.requestsTotal, r.requestErrors, r.requestDuration, prometheus.NewGoCollector())
	return r
}

// Registerer exposes the underlying prometheus.Registerer so components can
// register their own gauges (e.g. pep_sf_entries, pep_sf_meta_on_disk).
func (r *Registry) Registerer() prometheus.Registerer { return r.registry }

// ObserveRequest records one request's outcome and latency.
func (r *Registry) ObserveRequest(operation string, dur time.Duration, errKind string) {
	r.requestsTotal.WithLabelValues(operation).Inc()
	r.requestDuration.WithLabelValues(operation).Observe(dur.Seconds())
	if errKind != "" {
		r.requestErrors.WithLabelValues(operation, errKind).Inc()
	}
}

// StartMetricsServer exposes /metrics on addr and returns the underlying
// http.Server so callers can manage its lifecycle.
func (r *Registry) StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv
}

// ShutdownMetricsServer gracefully stops the metrics HTTP server.
func (r *Registry) ShutdownMetricsServer(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
