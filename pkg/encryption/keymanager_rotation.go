package encryption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-dataprotect/pkg/audit"
	"github.com/dd0wney/cluso-dataprotect/pkg/jobs"
	"github.com/dd0wney/cluso-dataprotect/pkg/keys"
	"github.com/dd0wney/cluso-dataprotect/pkg/logging"
)

// RotateKey replaces the active key for a purpose: a new active key is
// created, the old one is demoted to decrypt-only and linked as the new
// key's predecessor. Data encrypted under the old key stays readable.
func (m *KeyManager) RotateKey(ctx context.Context, purpose string, opts RotationOptions) (RotationResult, error) {
	if purpose == "" {
		purpose = m.config.DefaultPurpose
	}

	lock := m.purposeLock(purpose)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.store.GetActiveByPurpose(ctx, purpose)
	if err != nil {
		if errors.Is(err, keys.ErrKeyNotFound) {
			return RotationResult{}, fmt.Errorf("%w: nothing to rotate for purpose %q", ErrKeyUnavailable, purpose)
		}
		return RotationResult{}, fmt.Errorf("resolving current key: %w", err)
	}

	reason := opts.Reason
	if reason == "" {
		reason = "rotated"
	}

	newKey, err := m.createKeyLocked(ctx, CreateKeyRequest{
		Purpose:       purpose,
		Activate:      true,
		RotateCurrent: true,
		TTL:           m.config.DefaultKeyTTL,
	})
	if err != nil {
		return RotationResult{}, err
	}

	prevID := current.ID
	result := RotationResult{
		NewKey:        newKey.ID,
		PreviousKeyID: &prevID,
	}

	// Count data still tagged with the old key so the job intent (and
	// the operator) knows the re-encryption backlog size. A failed count
	// must not strand data: the intent is still emitted, marked unknown,
	// and the worker sizes the batch itself.
	if m.counter != nil {
		count, err := m.counter.CountByKeyID(ctx, current.ID)
		if err != nil {
			m.logger.Warn("counting items for old key failed",
				logging.KeyID(current.ID), logging.Error(err))
			result.ItemsToReEncrypt = jobs.CountUnknown
		} else {
			result.ItemsToReEncrypt = count
		}
	}

	if opts.AutoReEncrypt && result.ItemsToReEncrypt != 0 {
		result.JobID = m.enqueueReEncryption(purpose, current.ID, &newKey.ID, result.ItemsToReEncrypt, jobs.PriorityNormal)
	}

	m.metrics.RecordRotation(purpose)
	m.recordLifecycle(audit.ActionKeyRotated, newKey, "")
	m.logger.Info("key rotated",
		logging.Purpose(purpose),
		logging.KeyID(newKey.ID),
		logging.String("previous_key_id", current.ID.String()),
		logging.Int64("items_to_reencrypt", result.ItemsToReEncrypt),
		logging.String("reason", reason))

	return result, nil
}

// CompromiseKey marks a key compromised. The key keeps decrypt capability
// so data can be drained off it, but an urgent re-encryption intent is
// always emitted, even when the item count is unknown or zero.
func (m *KeyManager) CompromiseKey(ctx context.Context, keyID uuid.UUID, reason string) (keys.EncryptionKey, error) {
	key, err := m.getAnyStatus(ctx, keyID)
	if err != nil {
		return keys.EncryptionKey{}, err
	}

	lock := m.purposeLock(key.Purpose)
	lock.Lock()
	defer lock.Unlock()

	key, err = m.getAnyStatus(ctx, keyID)
	if err != nil {
		return keys.EncryptionKey{}, err
	}

	if reason == "" {
		reason = "compromised"
	}
	compromised, err := key.WithStatus(keys.KeyStatusCompromised, reason)
	if err != nil {
		m.metrics.IllegalTransitionsTotal.Inc()
		m.recordLifecycle(audit.ActionKeyCompromised, key, err.Error())
		return keys.EncryptionKey{}, err
	}
	if err := m.store.Put(ctx, compromised); err != nil {
		return keys.EncryptionKey{}, fmt.Errorf("marking key %s compromised: %w", keyID, err)
	}
	m.cachePut(compromised)

	var count int64
	if m.counter != nil {
		if n, err := m.counter.CountByKeyID(ctx, keyID); err == nil {
			count = n
		} else {
			count = jobs.CountUnknown
		}
	}
	jobID := m.enqueueReEncryption(key.Purpose, keyID, nil, count, jobs.PriorityUrgent)

	m.metrics.KeyCompromisesTotal.Inc()
	m.recordLifecycle(audit.ActionKeyCompromised, compromised, "")
	m.logger.Warn("key compromised",
		logging.KeyID(keyID),
		logging.Purpose(key.Purpose),
		logging.String("reason", reason),
		logging.JobID(jobID))
	m.refreshKeyGauges(ctx)

	return compromised, nil
}

// RetireKey transitions a decrypt-only or compromised key to retired.
// Retiring the active key is illegal: rotate first. Once retired, data
// still tagged with the key is permanently unrecoverable.
func (m *KeyManager) RetireKey(ctx context.Context, keyID uuid.UUID, reason string) (keys.EncryptionKey, error) {
	key, err := m.getAnyStatus(ctx, keyID)
	if err != nil {
		return keys.EncryptionKey{}, err
	}

	lock := m.purposeLock(key.Purpose)
	lock.Lock()
	defer lock.Unlock()

	key, err = m.getAnyStatus(ctx, keyID)
	if err != nil {
		return keys.EncryptionKey{}, err
	}

	if m.counter != nil {
		count, cerr := m.counter.CountByKeyID(ctx, keyID)
		if cerr == nil && count > 0 {
			m.logger.Warn("retiring key with data still tagged to it",
				logging.KeyID(keyID),
				logging.Int64("tagged_items", count))
		}
	}

	if reason == "" {
		reason = "retired"
	}
	retired, err := key.WithStatus(keys.KeyStatusRetired, reason)
	if err != nil {
		m.metrics.IllegalTransitionsTotal.Inc()
		m.recordLifecycle(audit.ActionKeyRetired, key, err.Error())
		return keys.EncryptionKey{}, err
	}
	if err := m.store.Put(ctx, retired); err != nil {
		return keys.EncryptionKey{}, fmt.Errorf("retiring key %s: %w", keyID, err)
	}
	m.cachePut(retired)

	m.recordLifecycle(audit.ActionKeyRetired, retired, "")
	m.logger.Info("key retired", logging.KeyID(keyID), logging.Purpose(key.Purpose))
	m.refreshKeyGauges(ctx)

	return retired, nil
}

// enqueueReEncryption publishes a job intent and returns its ID.
// Returns empty when no queue is wired.
func (m *KeyManager) enqueueReEncryption(purpose string, oldKeyID uuid.UUID, newKeyID *uuid.UUID, count int64, priority jobs.Priority) string {
	if m.queue == nil {
		return ""
	}

	job := jobs.ReEncryptionJob{
		JobID:      jobs.NewJobID(),
		Purpose:    purpose,
		OldKeyID:   oldKeyID,
		NewKeyID:   newKeyID,
		ItemCount:  count,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
	}
	m.queue.Publish(jobs.TopicReEncryption, job)

	m.metrics.ReEncryptJobsEnqueued.WithLabelValues(string(priority)).Inc()
	if count > 0 {
		m.metrics.ReEncryptItemsOutstanding.Add(float64(count))
	}

	event := audit.NewEvent(audit.ActionReEncryptEnqueued, audit.StatusSuccess)
	event.KeyID = oldKeyID.String()
	event.Purpose = purpose
	event.Metadata = map[string]any{
		"job_id":     job.JobID,
		"item_count": count,
		"priority":   string(priority),
	}
	m.auditor.Record(event)

	return job.JobID
}
