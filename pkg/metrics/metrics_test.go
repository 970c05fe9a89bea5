package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func gatherFamily(t *testing.T, r *Registry, name string) *dto.MetricFamily {
	t.Helper()

	families, err := r.GetPrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather() failed: %v", err)
	}

	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestRecordCryptoOperation(t *testing.T) {
	r := NewRegistry()

	r.RecordCryptoOperation("encrypt", "success", 2*time.Millisecond, 128)
	r.RecordCryptoOperation("encrypt", "success", 1*time.Millisecond, 64)
	r.RecordCryptoOperation("decrypt", "failure", time.Millisecond, 0)

	family := gatherFamily(t, r, "dataprotect_crypto_operations_total")
	if family == nil {
		t.Fatal("crypto operations counter not registered")
	}

	var encryptCount float64
	for _, m := range family.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "operation" && l.GetValue() == "encrypt" {
				encryptCount = m.GetCounter().GetValue()
			}
		}
	}
	if encryptCount != 2 {
		t.Errorf("encrypt counter = %v, want 2", encryptCount)
	}

	bytesFamily := gatherFamily(t, r, "dataprotect_crypto_bytes_total")
	if bytesFamily == nil {
		t.Fatal("crypto bytes counter not registered")
	}
	if got := bytesFamily.GetMetric()[0].GetCounter().GetValue(); got != 192 {
		t.Errorf("encrypt bytes = %v, want 192", got)
	}
}

func TestRecordRotation(t *testing.T) {
	r := NewRegistry()

	r.RecordRotation("graph-data")

	family := gatherFamily(t, r, "dataprotect_key_rotations_total")
	if family == nil {
		t.Fatal("rotation counter not registered")
	}
	if got := family.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("rotation counter = %v, want 1", got)
	}

	ts := gatherFamily(t, r, "dataprotect_key_last_rotation_timestamp_seconds")
	if ts == nil {
		t.Fatal("rotation timestamp gauge not registered")
	}
	if got := ts.GetMetric()[0].GetGauge().GetValue(); got == 0 {
		t.Error("rotation timestamp not set")
	}
}

func TestUpdateKeyCounts(t *testing.T) {
	r := NewRegistry()

	r.UpdateKeyCounts(map[string]int{"active": 3, "decrypt": 2, "retired": 7})

	family := gatherFamily(t, r, "dataprotect_keys_by_status")
	if family == nil {
		t.Fatal("keys by status gauge not registered")
	}
	if len(family.GetMetric()) != 3 {
		t.Errorf("key status series = %d, want 3", len(family.GetMetric()))
	}
}

func TestDefaultRegistrySingleton(t *testing.T) {
	if DefaultRegistry() != DefaultRegistry() {
		t.Error("DefaultRegistry() returned different instances")
	}
}
