// Package jobs carries re-encryption job intents. The core only emits
// intents: executing a re-encryption batch is the responsibility of an
// external worker subscribed to the queue.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders job intents for consumers
type Priority string

const (
	// PriorityNormal is used for scheduled rotations
	PriorityNormal Priority = "normal"
	// PriorityUrgent is used for compromise handling: no batching delay
	PriorityUrgent Priority = "urgent"
)

// CountUnknown marks a job whose backlog size could not be determined.
// Workers treat it as "scan everything tagged with the old key".
const CountUnknown int64 = -1

// ReEncryptionJob is the intent emitted when a rotation or compromise
// requires data to be moved off an old key.
type ReEncryptionJob struct {
	JobID    string     `json:"job_id"`
	Purpose  string     `json:"purpose"`
	OldKeyID uuid.UUID  `json:"old_key_id"`
	NewKeyID *uuid.UUID `json:"new_key_id,omitempty"`
	// ItemCount is the backlog size, or CountUnknown
	ItemCount  int64     `json:"item_count"`
	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// TopicReEncryption is the topic job intents are published on
const TopicReEncryption = "reencryption"

// Queue provides publish/subscribe delivery of job intents
type Queue struct {
	subscribers map[string]map[*Subscription]bool
	mu          sync.RWMutex
	shutdown    chan struct{}
	shutdownMu  sync.Mutex
	isShutdown  bool
}

// Subscription represents a subscription to a topic
type Subscription struct {
	topic     string
	channel   chan ReEncryptionJob
	q         *Queue
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewQueue creates a new job intent queue
func NewQueue() *Queue {
	return &Queue{
		subscribers: make(map[string]map[*Subscription]bool),
		shutdown:    make(chan struct{}),
	}
}

// NewJobID returns a fresh job identifier
func NewJobID() string {
	return uuid.NewString()
}

// Subscribe creates a new subscription to a topic
func (q *Queue) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	q.shutdownMu.Lock()
	if q.isShutdown {
		q.shutdownMu.Unlock()
		return nil, context.Canceled
	}
	q.shutdownMu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		topic:   topic,
		channel: make(chan ReEncryptionJob, 100),
		q:       q,
		cancel:  cancel,
	}

	q.mu.Lock()
	if q.subscribers[topic] == nil {
		q.subscribers[topic] = make(map[*Subscription]bool)
	}
	q.subscribers[topic][sub] = true
	q.mu.Unlock()

	go func() {
		select {
		case <-subCtx.Done():
			sub.Unsubscribe()
		case <-q.shutdown:
			// Shutdown closes every subscription under the queue lock
		}
	}()

	return sub, nil
}

// Publish sends a job intent to all subscribers of a topic.
// Sends are non-blocking: a full subscriber channel drops the message
// for that subscriber rather than stalling the rotation path.
func (q *Queue) Publish(topic string, job ReEncryptionJob) {
	q.shutdownMu.Lock()
	if q.isShutdown {
		q.shutdownMu.Unlock()
		return
	}
	q.shutdownMu.Unlock()

	// Sends happen under the read lock: channels are only closed under
	// the write lock (Unsubscribe, Shutdown), so a send can never race a
	// close. Sends are non-blocking, so the lock is never held on a
	// full channel.
	q.mu.RLock()
	defer q.mu.RUnlock()

	for sub := range q.subscribers[topic] {
		select {
		case sub.channel <- job:
		default:
		}
	}
}

// GetSubscriberCount returns the number of subscribers for a topic
func (q *Queue) GetSubscriberCount(topic string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.subscribers[topic])
}

// Shutdown closes all subscriptions and shuts down the queue
func (q *Queue) Shutdown() {
	q.shutdownMu.Lock()
	if q.isShutdown {
		q.shutdownMu.Unlock()
		return
	}
	q.isShutdown = true
	q.shutdownMu.Unlock()

	close(q.shutdown)

	q.mu.Lock()
	for topic := range q.subscribers {
		for sub := range q.subscribers[topic] {
			sub.close()
		}
		delete(q.subscribers, topic)
	}
	q.mu.Unlock()
}

// Channel returns the subscription's job channel
func (s *Subscription) Channel() <-chan ReEncryptionJob {
	return s.channel
}

// Unsubscribe removes the subscription
func (s *Subscription) Unsubscribe() {
	s.cancel()

	s.q.mu.Lock()
	defer s.q.mu.Unlock()

	if s.q.subscribers[s.topic] != nil {
		delete(s.q.subscribers[s.topic], s)
		if len(s.q.subscribers[s.topic]) == 0 {
			delete(s.q.subscribers, s.topic)
		}
	}

	s.close()
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.channel)
	})
}
