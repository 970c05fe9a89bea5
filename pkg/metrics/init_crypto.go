package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initCryptoMetrics() {
	r.CryptoOperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataprotect_crypto_operations_total",
			Help: "Total number of cryptographic operations by type and outcome",
		},
		[]string{"operation", "status"},
	)

	r.CryptoOperationDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dataprotect_crypto_operation_duration_seconds",
			Help:    "Duration of cryptographic operations",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
		[]string{"operation"},
	)

	r.IntegrityViolationsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "dataprotect_integrity_violations_total",
			Help: "Total number of authentication tag verification failures",
		},
	)

	r.CryptoBytesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataprotect_crypto_bytes_total",
			Help: "Total plaintext bytes processed by operation",
		},
		[]string{"operation"},
	)
}

func (r *Registry) initKeyMetrics() {
	r.KeysByStatus = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dataprotect_keys_by_status",
			Help: "Number of managed keys in each lifecycle status",
		},
		[]string{"status"},
	)

	r.KeyRotationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataprotect_key_rotations_total",
			Help: "Total number of key rotations by purpose",
		},
		[]string{"purpose"},
	)

	r.KeyCompromisesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "dataprotect_key_compromises_total",
			Help: "Total number of keys marked compromised",
		},
	)

	r.KeyLastRotationTimestamp = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dataprotect_key_last_rotation_timestamp_seconds",
			Help: "Timestamp of the last key rotation per purpose as Unix timestamp",
		},
		[]string{"purpose"},
	)

	r.IllegalTransitionsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "dataprotect_illegal_transitions_total",
			Help: "Total number of rejected key status transitions",
		},
	)

	r.ReEncryptJobsEnqueued = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataprotect_reencrypt_jobs_enqueued_total",
			Help: "Total number of re-encryption job intents emitted by priority",
		},
		[]string{"priority"},
	)

	r.ReEncryptItemsOutstanding = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "dataprotect_reencrypt_items_outstanding",
			Help: "Items counted as still encrypted under non-active keys at last rotation",
		},
	)
}

func (r *Registry) initHsmMetrics() {
	r.HsmCallsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataprotect_hsm_calls_total",
			Help: "Total number of HSM gateway calls by operation and outcome",
		},
		[]string{"operation", "status"},
	)

	r.HsmCallDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dataprotect_hsm_call_duration_seconds",
			Help:    "Duration of HSM gateway calls",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"operation"},
	)
}

func (r *Registry) initFieldMetrics() {
	r.FieldsEncryptedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataprotect_fields_encrypted_total",
			Help: "Total number of record fields encrypted by entity type",
		},
		[]string{"entity_type"},
	)

	r.FieldsDecryptedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataprotect_fields_decrypted_total",
			Help: "Total number of record fields decrypted by entity type",
		},
		[]string{"entity_type"},
	)

	r.FieldPassthroughTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "dataprotect_field_passthrough_total",
			Help: "Total number of unencrypted field values passed through on decrypt",
		},
	)

	r.TypeRestorationErrors = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "dataprotect_type_restoration_errors_total",
			Help: "Total number of failures restoring a field's declared type",
		},
	)
}
