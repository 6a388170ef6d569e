// Package metrics exposes the Prometheus instruments named in the
// original capture-sink prototype's metrics module, registered against
// a private registry and served over HTTP when enabled.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the ingress pipeline reports against.
type Metrics struct {
	registry *prometheus.Registry

	SessionsStarted     prometheus.Counter
	AuthFailures        prometheus.Counter
	MessagesAccepted    prometheus.Counter
	StorageSaveDuration prometheus.Histogram
	AttachmentsStored   prometheus.Counter
}

// New constructs the instrument set and registers it against a fresh
// private registry (never the global default registerer).
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpingress_sessions_started_total",
			Help: "Total number of SMTP sessions accepted.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpingress_auth_failures_total",
			Help: "Total number of AUTH LOGIN attempts rejected by the allow-list.",
		}),
		MessagesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpingress_messages_accepted_total",
			Help: "Total number of messages accepted and persisted.",
		}),
		StorageSaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smtpingress_storage_save_duration_seconds",
			Help:    "Duration of storage.Save calls.",
			Buckets: prometheus.DefBuckets,
		}),
		AttachmentsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpingress_attachments_stored_total",
			Help: "Total number of attachment artifacts written.",
		}),
	}

	registry.MustRegister(
		m.SessionsStarted,
		m.AuthFailures,
		m.MessagesAccepted,
		m.StorageSaveDuration,
		m.AttachmentsStored,
	)

	return m
}

// Serve starts an HTTP server exposing the Prometheus text exposition
// format on addr and blocks until ctx is cancelled or the server fails.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("metrics server listening", "address", addr)

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	}
}
