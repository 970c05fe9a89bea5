package audit

import (
	"testing"
)

func TestMemoryRecorderRecordAndQuery(t *testing.T) {
	r := NewMemoryRecorder(100)

	e1 := NewEvent(ActionKeyRotated, StatusSuccess)
	e1.Purpose = "graph-data"
	r.Record(e1)

	e2 := NewEvent(ActionIntegrityViolation, StatusFailure)
	e2.KeyID = "some-key"
	r.Record(e2)

	if got := r.EventCount(); got != 2 {
		t.Errorf("EventCount() = %d, want 2", got)
	}

	rotations := r.Query(Filter{Action: ActionKeyRotated})
	if len(rotations) != 1 {
		t.Fatalf("Query(rotated) returned %d events, want 1", len(rotations))
	}
	if rotations[0].Purpose != "graph-data" {
		t.Errorf("event purpose = %q, want %q", rotations[0].Purpose, "graph-data")
	}

	failures := r.Query(Filter{Status: StatusFailure})
	if len(failures) != 1 {
		t.Errorf("Query(failure) returned %d events, want 1", len(failures))
	}
}

func TestMemoryRecorderBounded(t *testing.T) {
	r := NewMemoryRecorder(5)

	for i := 0; i < 10; i++ {
		r.Record(NewEvent(ActionKeyCreated, StatusSuccess))
	}

	if got := r.EventCount(); got != 5 {
		t.Errorf("EventCount() = %d, want 5 (bounded)", got)
	}
}

func TestNewEventPopulatesIdentity(t *testing.T) {
	e := NewEvent(ActionKeyCompromised, StatusSuccess)

	if e.ID == "" {
		t.Error("event ID should be non-empty")
	}
	if e.Timestamp.IsZero() {
		t.Error("event timestamp should be set")
	}
	if e.Action != ActionKeyCompromised {
		t.Errorf("action = %s, want %s", e.Action, ActionKeyCompromised)
	}
}
