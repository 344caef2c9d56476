package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/systmms/signkey/internal/logging"
)

// DefaultJob is the Pushgateway job name.
const DefaultJob = "signkey"

// PrometheusSink records credential lifetime on the gauge and, when a
// Pushgateway URL is set, pushes the registry after every observation.
type PrometheusSink struct {
	metrics *Metrics
	pushURL string
	job     string
	now     func() time.Time
}

// SinkOption configures a PrometheusSink.
type SinkOption func(*PrometheusSink)

// WithPushgateway pushes to url under job after each observation.
func WithPushgateway(url, job string) SinkOption {
	return func(s *PrometheusSink) {
		s.pushURL = url
		if job != "" {
			s.job = job
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) SinkOption {
	return func(s *PrometheusSink) {
		s.now = now
	}
}

// NewPrometheusSink creates a sink writing to m.
func NewPrometheusSink(m *Metrics, opts ...SinkOption) *PrometheusSink {
	s := &PrometheusSink{metrics: m, job: DefaultJob, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordSecondsUntilExpiry sets the gauge and pushes it if configured. The
// value is negative once the credential has expired.
func (s *PrometheusSink) RecordSecondsUntilExpiry(ctx context.Context, secretID string, expiresAt time.Time) error {
	seconds := expiresAt.Sub(s.now()).Truncate(time.Second).Seconds()
	s.metrics.SetTimeUntilExpiry(secretID, seconds)
	return s.Push(ctx)
}

// Push sends the whole registry to the Pushgateway. It is a no-op without a
// Pushgateway URL.
func (s *PrometheusSink) Push(ctx context.Context) error {
	if s.pushURL == "" {
		return nil
	}
	if err := push.New(s.pushURL, s.job).Gatherer(s.metrics.Registry()).AddContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", s.pushURL, err)
	}
	return nil
}

// LogSink writes the observation to the log instead of a metrics backend.
type LogSink struct {
	logger *logging.Logger
	now    func() time.Time
}

// NewLogSink creates a sink that logs at info level.
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logging.OrDiscard(logger), now: time.Now}
}

// RecordSecondsUntilExpiry logs the remaining lifetime.
func (s *LogSink) RecordSecondsUntilExpiry(ctx context.Context, secretID string, expiresAt time.Time) error {
	seconds := int64(expiresAt.Sub(s.now()).Seconds())
	s.logger.Info("metric %s{secret_id=%q} %d", TimeUntilExpiryName, secretID, seconds)
	return nil
}
