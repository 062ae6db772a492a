// Package prometheus provides Prometheus metrics for the task orchestrator.
package prometheus

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// readHeaderTimeout bounds how long a scraper may take to send headers.
const readHeaderTimeout = 10 * time.Second

// Exporter serves the orchestrator's metrics over HTTP at /metrics,
// with a /health endpoint alongside for liveness probes.
type Exporter struct {
	addr     string
	registry *prometheus.Registry

	mu      sync.Mutex
	server  *http.Server
	started bool
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithRegistry replaces the exporter's metric registry. The default
// registry carries all orchestrator metrics plus the Go runtime and
// process collectors.
func WithRegistry(reg *prometheus.Registry) ExporterOption {
	return func(e *Exporter) { e.registry = reg }
}

// NewExporter creates an exporter serving at addr.
func NewExporter(addr string, opts ...ExporterOption) *Exporter {
	e := &Exporter{addr: addr}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = defaultRegistry()
	}
	return e
}

func defaultRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, collector := range allMetrics {
		reg.MustRegister(collector)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Registry returns the exporter's registry, for registering additional
// collectors.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Start serves metrics until Shutdown or a listener error. It blocks,
// returning http.ErrServerClosed after a graceful Shutdown. Calling
// Start on a running exporter returns nil immediately.
func (e *Exporter) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	e.server = &http.Server{
		Addr:              e.addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	e.started = true
	e.mu.Unlock()

	return e.server.ListenAndServe()
}

// Shutdown stops the exporter, waiting for in-flight scrapes up to
// ctx's deadline.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.server == nil || !e.started {
		return nil
	}
	e.started = false
	return e.server.Shutdown(ctx)
}

// Handler returns the /metrics handler, for embedding the endpoint in
// another server.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
