// Package telemetry provides the engine's structured logging, timing and
// metrics surface: counts, not per-row messages.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// NewLogger builds the process-wide structured logger. Production builds
// use JSON encoding; callers running tests typically inject
// zaptest.NewLogger instead.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is safe
// to call methods on — they become no-ops — so components do not need a
// presence check at every call site.
type Metrics struct {
	ParseErrors      *prometheus.CounterVec
	DiscardedDedupes prometheus.Counter
	ResourceMatchRate prometheus.Gauge
}

// NewMetrics registers the engine's collectors against reg and returns the
// handle. Pass a fresh prometheus.NewRegistry() in tests to avoid collisions
// with the default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregator_parse_errors_total",
			Help: "Count of rows dropped or emptied due to unparseable payloads, by phase.",
		}, []string{"phase"}),
		DiscardedDedupes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_attribution_discarded_dedup_rows_total",
			Help: "Count of tag-matched attribution rows discarded in favor of a resource-id match for the same (namespace,pod,hour,resource).",
		}),
		ResourceMatchRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aggregator_resource_match_rate",
			Help: "Fraction of cloud billing rows matched to an OCP resource id in the most recent run.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ParseErrors, m.DiscardedDedupes, m.ResourceMatchRate)
	}
	return m
}

func (m *Metrics) parseError(phase string) {
	if m == nil {
		return
	}
	m.ParseErrors.WithLabelValues(phase).Inc()
}

// RecordParseError increments the parse-error counter for phase. Safe on a
// nil *Metrics.
func (m *Metrics) RecordParseError(phase string) {
	m.parseError(phase)
}

// RecordDiscardedDedup increments the discarded-dedup-row counter by n.
// Safe on a nil *Metrics.
func (m *Metrics) RecordDiscardedDedup(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DiscardedDedupes.Add(float64(n))
}

// SetResourceMatchRate records the most recent resource-id match rate.
// Safe on a nil *Metrics.
func (m *Metrics) SetResourceMatchRate(rate float64) {
	if m == nil {
		return
	}
	m.ResourceMatchRate.Set(rate)
}

// Timer measures and logs the duration of a named phase, mirroring the
// original pipeline's PerformanceTimer: start, duration, and error on exit.
type Timer struct {
	log   *zap.Logger
	name  string
	start time.Time
}

// StartTimer begins timing a phase named name.
func StartTimer(log *zap.Logger, name string) *Timer {
	if log != nil {
		log.Info("phase started", zap.String("phase", name))
	}
	return &Timer{log: log, name: name, start: time.Now()}
}

// Stop logs the phase's duration and, if err is non-nil, the failure.
func (t *Timer) Stop(err error) {
	if t.log == nil {
		return
	}
	elapsed := time.Since(t.start)
	if err != nil {
		t.log.Error("phase failed", zap.String("phase", t.name), zap.Duration("elapsed", elapsed), zap.Error(err))
		return
	}
	t.log.Info("phase completed", zap.String("phase", t.name), zap.Duration("elapsed", elapsed))
}
