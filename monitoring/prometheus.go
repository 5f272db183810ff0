package monitoring

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Metrics records generator activity to a private Prometheus registry and,
// when telemetry is set up, to the global OpenTelemetry meter. Every method
// is safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	generationsTotal      *prometheus.CounterVec
	generationDuration    *prometheus.HistogramVec
	cacheLookupsTotal     *prometheus.CounterVec
	providerAttemptsTotal *prometheus.CounterVec
	rateLimitDenialsTotal *prometheus.CounterVec
	guardRejectionsTotal  prometheus.Counter
	storageDegradedTotal  *prometheus.CounterVec

	otelGenerations metric.Int64Counter
	otelDuration    metric.Float64Histogram
}

func NewMetrics(config MetricsConfig) (*Metrics, error) {
	if !config.Enabled {
		return nil, nil
	}

	registry := prometheus.NewRegistry()
	namespace := config.Namespace

	m := &Metrics{
		registry: registry,
		generationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generations_total",
				Help:      "Generation requests by outcome",
			},
			[]string{"outcome"},
		),
		generationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_seconds",
				Help:      "Generation latency in seconds",
				Buckets:   []float64{0.05, 0.25, 1, 2.5, 5, 10, 20, 40, 80},
			},
			[]string{"outcome"},
		),
		cacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by tier and result",
			},
			[]string{"tier", "hit"},
		),
		providerAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_attempts_total",
				Help:      "Provider calls by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		rateLimitDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_denials_total",
				Help:      "Requests denied by the local rate limiter",
			},
			[]string{"reason"},
		),
		guardRejectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "single_flight_rejections_total",
				Help:      "Requests rejected because the same outfit is already being generated",
			},
		),
		storageDegradedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_degraded_total",
				Help:      "Durable store failures that fell back to memory only",
			},
			[]string{"operation"},
		),
	}

	for _, collector := range []prometheus.Collector{
		m.generationsTotal,
		m.generationDuration,
		m.cacheLookupsTotal,
		m.providerAttemptsTotal,
		m.rateLimitDenialsTotal,
		m.guardRejectionsTotal,
		m.storageDegradedTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}

	meter := otel.Meter(instrumentationName)
	var err error
	m.otelGenerations, err = meter.Int64Counter("outfit.generations",
		metric.WithDescription("Generation requests by outcome"))
	if err != nil {
		return nil, err
	}
	m.otelDuration, err = meter.Float64Histogram("outfit.generation.duration",
		metric.WithDescription("Generation latency"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordGeneration(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.generationsTotal.WithLabelValues(outcome).Inc()
	m.generationDuration.WithLabelValues(outcome).Observe(duration.Seconds())

	attributes := metric.WithAttributes(attribute.String("outcome", outcome))
	m.otelGenerations.Add(ctx, 1, attributes)
	m.otelDuration.Record(ctx, duration.Seconds(), attributes)
}

func (m *Metrics) RecordCacheLookup(tier string, hit bool) {
	if m == nil {
		return
	}
	m.cacheLookupsTotal.WithLabelValues(tier, strconv.FormatBool(hit)).Inc()
}

// outcome is "success" or an error kind.
func (m *Metrics) RecordProviderAttempt(provider string, outcome string) {
	if m == nil {
		return
	}
	m.providerAttemptsTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) RecordRateLimitDenial(reason string) {
	if m == nil {
		return
	}
	m.rateLimitDenialsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordGuardRejection() {
	if m == nil {
		return
	}
	m.guardRejectionsTotal.Inc()
}

func (m *Metrics) RecordStorageDegraded(operation string) {
	if m == nil {
		return
	}
	m.storageDegradedTotal.WithLabelValues(operation).Inc()
}
