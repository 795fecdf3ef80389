package publisher

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwise-mfg/proveit-uns-machineid/pkg/mqttsession"
)

const metricsNamespace = "machineid_publisher"

// Metrics counts jobs and publish attempts. A nil *Metrics records nothing.
type Metrics struct {
	jobs     *prometheus.CounterVec
	attempts *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_total",
			Help:      "Configured jobs by final result.",
		}, []string{"result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publish_attempts_total",
			Help:      "Publish attempts by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "publish_duration_seconds",
			Help:      "Time from publish call to broker acknowledgment or failure.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
	}
	reg.MustRegister(m.jobs, m.attempts, m.duration)
	return m
}

func (m *Metrics) observeJob(result string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(result).Inc()
}

func (m *Metrics) observeAttempt(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(attemptLabel(err)).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func attemptLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, mqttsession.ErrPublishTimeout):
		return "timeout"
	case errors.Is(err, mqttsession.ErrNotConnected):
		return "not_connected"
	}
	return "error"
}
