// Package metrics exposes Prometheus instrumentation for probe outcomes and
// table operations. The whole package is optional: a nil *Metrics is a valid
// no-op sink.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the collectors and their private registry.
type Metrics struct {
	registry *prometheus.Registry

	probeResults *prometheus.CounterVec
	tableOps     *prometheus.CounterVec
	healthyReals *prometheus.GaugeVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.probeResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "godirectord_probe_results_total",
		Help: "Probe outcomes by virtual service and result.",
	}, []string{"virtual", "result"})

	m.tableOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "godirectord_table_operations_total",
		Help: "ipvsadm invocations by operation.",
	}, []string{"op"})

	m.healthyReals = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "godirectord_healthy_reals",
		Help: "Reals currently present with non-zero weight, per virtual service.",
	}, []string{"virtual"})

	m.registry.MustRegister(m.probeResults, m.tableOps, m.healthyReals)
	return m
}

// ObserveProbe records a probe outcome ("success" or "failure").
func (m *Metrics) ObserveProbe(virtual, result string) {
	if m == nil {
		return
	}
	m.probeResults.WithLabelValues(virtual, result).Inc()
}

// ObserveTableOp records one ipvsadm invocation.
func (m *Metrics) ObserveTableOp(op string) {
	if m == nil {
		return
	}
	m.tableOps.WithLabelValues(op).Inc()
}

// SetHealthyReals updates the healthy-real gauge for a virtual service.
func (m *Metrics) SetHealthyReals(virtual string, count int) {
	if m == nil {
		return
	}
	m.healthyReals.WithLabelValues(virtual).Set(float64(count))
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a metrics listener on the given port until the context is
// cancelled.
func (m *Metrics) Serve(ctx context.Context, port int, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener starting", zap.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics listener failed", zap.Error(err))
	}
}
