// Package metrics exports signing-key lifetime and rotation activity to
// Prometheus, either scraped from `signkey metrics serve` or pushed to a
// Pushgateway from short-lived invocations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names
const (
	TimeUntilExpiryName = "signkey_time_until_signing_key_expires_seconds"
	StepsTotalName      = "signkey_rotation_steps_total"
	RenewalsTotalName   = "signkey_renewals_total"
	FailuresTotalName   = "signkey_failures_total"
	DurationName        = "signkey_invocation_duration_seconds"
)

// Metrics holds the collectors in a private registry.
type Metrics struct {
	registry *prometheus.Registry

	timeUntilExpiry *prometheus.GaugeVec
	stepsTotal      *prometheus.CounterVec
	renewalsTotal   *prometheus.CounterVec
	failuresTotal   *prometheus.CounterVec
	duration        *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		timeUntilExpiry: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: TimeUntilExpiryName,
				Help: "Seconds until the stored signing key expires",
			},
			[]string{"secret_id"},
		),
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: StepsTotalName,
				Help: "Total number of rotation steps processed",
			},
			[]string{"step", "outcome"},
		),
		renewalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: RenewalsTotalName,
				Help: "Total number of standalone renewals by action",
			},
			[]string{"action"},
		),
		failuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: FailuresTotalName,
				Help: "Total number of failed invocations",
			},
			[]string{"mode"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    DurationName,
				Help:    "Duration of rotation and renewal invocations in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"mode"},
		),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetTimeUntilExpiry sets the lifetime gauge of a secret.
func (m *Metrics) SetTimeUntilExpiry(secretID string, seconds float64) {
	m.timeUntilExpiry.WithLabelValues(secretID).Set(seconds)
}

// RecordStep counts a processed rotation step.
func (m *Metrics) RecordStep(step, outcome string) {
	m.stepsTotal.WithLabelValues(step, outcome).Inc()
}

// RecordRenewal counts a standalone renewal.
func (m *Metrics) RecordRenewal(action string) {
	m.renewalsTotal.WithLabelValues(action).Inc()
}

// RecordFailure counts a failed invocation.
func (m *Metrics) RecordFailure(mode string) {
	m.failuresTotal.WithLabelValues(mode).Inc()
}

// ObserveDuration records how long an invocation took.
func (m *Metrics) ObserveDuration(mode string, seconds float64) {
	m.duration.WithLabelValues(mode).Observe(seconds)
}

// TimeUntilExpiry returns the gauge vector, for tests.
func (m *Metrics) TimeUntilExpiry() *prometheus.GaugeVec {
	return m.timeUntilExpiry
}

// StepsTotal returns the step counter, for tests.
func (m *Metrics) StepsTotal() *prometheus.CounterVec {
	return m.stepsTotal
}

// RenewalsTotal returns the renewal counter, for tests.
func (m *Metrics) RenewalsTotal() *prometheus.CounterVec {
	return m.renewalsTotal
}

// FailuresTotal returns the failure counter, for tests.
func (m *Metrics) FailuresTotal() *prometheus.CounterVec {
	return m.failuresTotal
}
