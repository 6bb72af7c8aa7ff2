// Package metrics exposes ingestion counters on a Prometheus registry.
package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcome labels.
const (
	ResultCreated   = "created"
	ResultDuplicate = "duplicate"
	ResultError     = "error"
)

// Metrics holds the ingestion instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	Cycles            prometheus.Counter
	CycleErrors       prometheus.Counter
	CycleDuration     prometheus.Histogram
	MessagesProcessed *prometheus.CounterVec
	TicketsCreated    prometheus.Counter
}

// New builds a metrics set on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		Cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "maildesk_poll_cycles_total",
			Help: "Total number of poll cycles started",
		}),
		CycleErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "maildesk_poll_cycle_errors_total",
			Help: "Total number of poll cycles that aborted before the candidate loop",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "maildesk_poll_cycle_duration_seconds",
			Help:    "Poll cycle latency",
			Buckets: prometheus.DefBuckets,
		}),
		MessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maildesk_messages_processed_total",
			Help: "Messages handled per outcome",
		}, []string{"result"}),
		TicketsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "maildesk_tickets_created_total",
			Help: "Total number of tickets created from inbound mail",
		}),
	}
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled. A blank addr
// disables the listener.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *log.Logger) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("metrics: listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
