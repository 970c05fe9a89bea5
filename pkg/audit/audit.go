// Package audit records key lifecycle events and cryptographic
// failures. Integrity violations are always audited: the crypto engine
// never swallows a tag verification failure.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action types for audit events
type Action string

const (
	ActionKeyCreated         Action = "key_created"
	ActionKeyActivated       Action = "key_activated"
	ActionKeyRotated         Action = "key_rotated"
	ActionKeyCompromised     Action = "key_compromised"
	ActionKeyRetired         Action = "key_retired"
	ActionIntegrityViolation Action = "integrity_violation"
	ActionReEncryptEnqueued  Action = "reencrypt_enqueued"
)

// Status represents the outcome of an action
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Event represents a single audit log entry
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Action       Action         `json:"action"`
	KeyID        string         `json:"key_id,omitempty"`
	Purpose      string         `json:"purpose,omitempty"`
	Status       Status         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Recorder is the interface for audit sinks
type Recorder interface {
	// Record stores an audit event. Recording must never fail the
	// operation being audited; errors are the sink's problem.
	Record(event Event)
}

// NewEvent creates an event with an ID and timestamp filled in
func NewEvent(action Action, status Status) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Status:    status,
	}
}

// Filter represents filtering criteria for stored audit events
type Filter struct {
	Action    Action
	KeyID     string
	Purpose   string
	Status    Status
	StartTime *time.Time
	EndTime   *time.Time
}

// MemoryRecorder keeps events in memory, bounded to maxEvents
type MemoryRecorder struct {
	mu        sync.RWMutex
	events    []Event
	maxEvents int
}

// NewMemoryRecorder creates an in-memory audit recorder.
// When maxEvents is exceeded the oldest events are dropped.
func NewMemoryRecorder(maxEvents int) *MemoryRecorder {
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	return &MemoryRecorder{maxEvents: maxEvents}
}

// Record stores an audit event
func (r *MemoryRecorder) Record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
	if len(r.events) > r.maxEvents {
		r.events = r.events[len(r.events)-r.maxEvents:]
	}
}

// Query returns events matching the filter, newest last
func (r *MemoryRecorder) Query(filter Filter) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Event
	for _, e := range r.events {
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.KeyID != "" && e.KeyID != filter.KeyID {
			continue
		}
		if filter.Purpose != "" && e.Purpose != filter.Purpose {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.StartTime != nil && e.Timestamp.Before(*filter.StartTime) {
			continue
		}
		if filter.EndTime != nil && e.Timestamp.After(*filter.EndTime) {
			continue
		}
		result = append(result, e)
	}
	return result
}

// EventCount returns the number of stored events
func (r *MemoryRecorder) EventCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

// NopRecorder discards all events (useful for testing)
type NopRecorder struct{}

func (NopRecorder) Record(event Event) {}

// Verify interface compliance
var _ Recorder = (*MemoryRecorder)(nil)
var _ Recorder = NopRecorder{}
