// Package metrics exposes Prometheus metrics for the data protection
// subsystem: crypto operation counters and latencies, key lifecycle
// gauges, HSM call health, and field encryption throughput.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the subsystem
type Registry struct {
	// Crypto engine
	CryptoOperationsTotal    *prometheus.CounterVec // operation, status
	CryptoOperationDuration  *prometheus.HistogramVec
	IntegrityViolationsTotal prometheus.Counter
	CryptoBytesTotal         *prometheus.CounterVec // operation

	// Key lifecycle
	KeysByStatus              *prometheus.GaugeVec   // status
	KeyRotationsTotal         *prometheus.CounterVec // purpose
	KeyCompromisesTotal       prometheus.Counter
	KeyLastRotationTimestamp  *prometheus.GaugeVec // purpose
	IllegalTransitionsTotal   prometheus.Counter
	ReEncryptJobsEnqueued     *prometheus.CounterVec // priority
	ReEncryptItemsOutstanding prometheus.Gauge

	// HSM gateway
	HsmCallsTotal   *prometheus.CounterVec // operation, status
	HsmCallDuration *prometheus.HistogramVec

	// Field encryption
	FieldsEncryptedTotal  *prometheus.CounterVec // entity_type
	FieldsDecryptedTotal  *prometheus.CounterVec // entity_type
	FieldPassthroughTotal prometheus.Counter
	TypeRestorationErrors prometheus.Counter

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initCryptoMetrics()
	r.initKeyMetrics()
	r.initHsmMetrics()
	r.initFieldMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// RecordCryptoOperation records an encrypt/decrypt/re-encrypt call
func (r *Registry) RecordCryptoOperation(operation, status string, duration time.Duration, bytes int) {
	r.CryptoOperationsTotal.WithLabelValues(operation, status).Inc()
	r.CryptoOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if bytes > 0 {
		r.CryptoBytesTotal.WithLabelValues(operation).Add(float64(bytes))
	}
}

// RecordHsmCall records a gateway call with its outcome
func (r *Registry) RecordHsmCall(operation, status string, duration time.Duration) {
	r.HsmCallsTotal.WithLabelValues(operation, status).Inc()
	r.HsmCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRotation records a completed key rotation for a purpose
func (r *Registry) RecordRotation(purpose string) {
	r.KeyRotationsTotal.WithLabelValues(purpose).Inc()
	r.KeyLastRotationTimestamp.WithLabelValues(purpose).SetToCurrentTime()
}

// UpdateKeyCounts sets per-status key gauges from a status census
func (r *Registry) UpdateKeyCounts(counts map[string]int) {
	for status, n := range counts {
		r.KeysByStatus.WithLabelValues(status).Set(float64(n))
	}
}
