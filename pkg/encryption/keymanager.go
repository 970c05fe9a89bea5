package encryption

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-dataprotect/pkg/audit"
	"github.com/dd0wney/cluso-dataprotect/pkg/hsm"
	"github.com/dd0wney/cluso-dataprotect/pkg/jobs"
	"github.com/dd0wney/cluso-dataprotect/pkg/keys"
	"github.com/dd0wney/cluso-dataprotect/pkg/logging"
	"github.com/dd0wney/cluso-dataprotect/pkg/metrics"
	"github.com/dd0wney/cluso-dataprotect/pkg/validation"
)

// KeyManagerConfig configures a KeyManager
type KeyManagerConfig struct {
	// DefaultPurpose is used when a caller does not name one
	DefaultPurpose string
	// DisableAutoProvision makes GetCurrentKey fail with ErrKeyUnavailable
	// for purposes with no active key instead of creating one on demand
	DisableAutoProvision bool
	// DefaultKeyTTL sets ExpiresAt on auto-provisioned keys when positive
	DefaultKeyTTL time.Duration
}

// Validate checks the configuration
func (c KeyManagerConfig) Validate() error {
	return validation.NewConfigValidator("KeyManagerConfig").
		Required("DefaultPurpose", c.DefaultPurpose).
		Validate()
}

// KeyManager owns the key lifecycle: provisioning, activation, rotation,
// compromise handling, and retirement. It is the only component allowed
// to change a key's status, and it maintains a read cache of immutable
// snapshots so hot-path lookups never touch the store.
type KeyManager struct {
	store   keys.Store
	gateway hsm.Gateway
	queue   *jobs.Queue
	counter TaggedCounter
	auditor audit.Recorder
	logger  logging.Logger
	metrics *metrics.Registry
	config  KeyManagerConfig

	// cache holds immutable snapshots; replaced wholesale on transitions
	cacheMu         sync.RWMutex
	byID            map[uuid.UUID]keys.EncryptionKey
	activeByPurpose map[string]keys.EncryptionKey

	// purposeLocks serializes lifecycle mutations per purpose so two
	// concurrent rotations (or a rotation racing auto-provisioning)
	// cannot produce two active keys
	purposeLocksMu sync.Mutex
	purposeLocks   map[string]*sync.Mutex
}

// KeyManagerOption customizes a KeyManager
type KeyManagerOption func(*KeyManager)

// WithAuditor sets the audit sink
func WithAuditor(r audit.Recorder) KeyManagerOption {
	return func(m *KeyManager) { m.auditor = r }
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) KeyManagerOption {
	return func(m *KeyManager) { m.logger = l }
}

// WithMetrics sets the metrics registry
func WithMetrics(r *metrics.Registry) KeyManagerOption {
	return func(m *KeyManager) { m.metrics = r }
}

// WithJobQueue sets the queue rotation intents are published to
func WithJobQueue(q *jobs.Queue) KeyManagerOption {
	return func(m *KeyManager) { m.queue = q }
}

// WithTaggedCounter sets the counter used to size re-encryption jobs
func WithTaggedCounter(c TaggedCounter) KeyManagerOption {
	return func(m *KeyManager) { m.counter = c }
}

// NewKeyManager creates a key manager backed by the given metadata store
// and key material gateway.
func NewKeyManager(store keys.Store, gateway hsm.Gateway, config KeyManagerConfig, opts ...KeyManagerOption) (*KeyManager, error) {
	config.DefaultPurpose = validation.DefaultOr(config.DefaultPurpose, "graph-data")
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("key store is required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("hsm gateway is required")
	}

	m := &KeyManager{
		store:           store,
		gateway:         gateway,
		config:          config,
		auditor:         audit.NopRecorder{},
		logger:          logging.NewNopLogger(),
		metrics:         metrics.DefaultRegistry(),
		byID:            make(map[uuid.UUID]keys.EncryptionKey),
		activeByPurpose: make(map[string]keys.EncryptionKey),
		purposeLocks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(logging.Component("key-manager"))

	return m, nil
}

// purposeLock returns the mutex serializing mutations for a purpose
func (m *KeyManager) purposeLock(purpose string) *sync.Mutex {
	m.purposeLocksMu.Lock()
	defer m.purposeLocksMu.Unlock()

	lock, ok := m.purposeLocks[purpose]
	if !ok {
		lock = &sync.Mutex{}
		m.purposeLocks[purpose] = lock
	}
	return lock
}

// cachePut stores a snapshot and maintains the active-purpose index
func (m *KeyManager) cachePut(key keys.EncryptionKey) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	prev, existed := m.byID[key.ID]
	m.byID[key.ID] = key

	if existed && prev.Status == keys.KeyStatusActive && key.Status != keys.KeyStatusActive {
		if cur, ok := m.activeByPurpose[key.Purpose]; ok && cur.ID == key.ID {
			delete(m.activeByPurpose, key.Purpose)
		}
	}
	if key.Status == keys.KeyStatusActive {
		m.activeByPurpose[key.Purpose] = key
	}
}

// GetCurrentKey returns the active key for a purpose, auto-provisioning
// one if none exists (unless disabled). Empty purpose means the default.
func (m *KeyManager) GetCurrentKey(ctx context.Context, purpose string) (keys.EncryptionKey, error) {
	if purpose == "" {
		purpose = m.config.DefaultPurpose
	}

	key, err := m.PeekCurrentKey(ctx, purpose)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrKeyUnavailable) || m.config.DisableAutoProvision {
		return keys.EncryptionKey{}, err
	}

	return m.provisionKey(ctx, purpose)
}

// PeekCurrentKey resolves the active key for a purpose without
// auto-provisioning one. Read-only callers (status projections, admin
// listings) use this so inspection never mints keys as a side effect.
// Returns ErrKeyUnavailable when the purpose has no active key.
func (m *KeyManager) PeekCurrentKey(ctx context.Context, purpose string) (keys.EncryptionKey, error) {
	if purpose == "" {
		purpose = m.config.DefaultPurpose
	}

	m.cacheMu.RLock()
	key, ok := m.activeByPurpose[purpose]
	m.cacheMu.RUnlock()
	if ok {
		return key, nil
	}

	key, err := m.store.GetActiveByPurpose(ctx, purpose)
	if err != nil {
		if errors.Is(err, keys.ErrKeyNotFound) {
			return keys.EncryptionKey{}, fmt.Errorf("%w: no active key for purpose %q", ErrKeyUnavailable, purpose)
		}
		return keys.EncryptionKey{}, fmt.Errorf("resolving active key for %q: %w", purpose, err)
	}
	m.cachePut(key)
	return key, nil
}

// provisionKey creates and activates a key for a purpose that has none.
// The purpose lock closes the race between concurrent first callers.
func (m *KeyManager) provisionKey(ctx context.Context, purpose string) (keys.EncryptionKey, error) {
	lock := m.purposeLock(purpose)
	lock.Lock()
	defer lock.Unlock()

	// Another goroutine may have provisioned while we waited
	if key, err := m.store.GetActiveByPurpose(ctx, purpose); err == nil {
		m.cachePut(key)
		return key, nil
	}

	m.logger.Info("auto-provisioning key", logging.Purpose(purpose))

	return m.createKeyLocked(ctx, CreateKeyRequest{
		Purpose:  purpose,
		Activate: true,
		TTL:      m.config.DefaultKeyTTL,
	})
}

// CreateKey creates a key. With Activate it becomes the purpose's active
// key; with RotateCurrent the existing active key is demoted to
// decrypt-only and linked as the new key's predecessor.
func (m *KeyManager) CreateKey(ctx context.Context, req CreateKeyRequest) (keys.EncryptionKey, error) {
	if req.Purpose == "" {
		req.Purpose = m.config.DefaultPurpose
	}

	lock := m.purposeLock(req.Purpose)
	lock.Lock()
	defer lock.Unlock()

	return m.createKeyLocked(ctx, req)
}

// createKeyLocked does the actual creation. Caller holds the purpose lock.
// When rotating, the new key is generated and persisted pending before the
// old key is demoted, so a gateway or store failure at any point leaves
// the purpose with its current active key and an intact rotation chain.
func (m *KeyManager) createKeyLocked(ctx context.Context, req CreateKeyRequest) (keys.EncryptionKey, error) {
	req.Algorithm = validation.DefaultOr(req.Algorithm, keys.AlgorithmAES256GCM)
	req.KeySizeBits = validation.DefaultOr(req.KeySizeBits, 256)

	if err := (validation.NewConfigValidator("CreateKeyRequest").
		Required("Purpose", req.Purpose).
		OneOf("Algorithm", req.Algorithm, []string{keys.AlgorithmAES256GCM}).
		Positive("KeySizeBits", req.KeySizeBits).
		Validate()); err != nil {
		return keys.EncryptionKey{}, err
	}

	var current *keys.EncryptionKey
	if req.RotateCurrent {
		cur, err := m.store.GetActiveByPurpose(ctx, req.Purpose)
		switch {
		case err == nil:
			current = &cur
		case errors.Is(err, keys.ErrKeyNotFound):
			// First key for the purpose; nothing to rotate
		default:
			return keys.EncryptionKey{}, fmt.Errorf("resolving current key: %w", err)
		}
	}

	keyID := uuid.New()

	start := time.Now()
	material, err := m.gateway.GenerateKey(ctx, keyID, req.Algorithm)
	m.metrics.RecordHsmCall("generate_key", hsmStatus(err), time.Since(start))
	if err != nil {
		return keys.EncryptionKey{}, fmt.Errorf("%w: generating key material: %v", ErrHsmUnavailable, err)
	}
	fingerprint := hsm.Fingerprint(material)
	hsm.Zero(material)

	now := time.Now().UTC()
	key := keys.EncryptionKey{
		ID:          keyID,
		Purpose:     req.Purpose,
		Algorithm:   req.Algorithm,
		KeySizeBits: req.KeySizeBits,
		Status:      keys.KeyStatusPending,
		CreatedAt:   now,
		Fingerprint: fingerprint,
	}
	if current != nil {
		id := current.ID
		key.PreviousKeyID = &id
	}
	if req.TTL > 0 {
		expires := now.Add(req.TTL)
		key.ExpiresAt = &expires
	}
	// With no predecessor to demote, the key can go in active directly
	if req.Activate && current == nil {
		key.Status = keys.KeyStatusActive
		key.ActivatedAt = &now
	}

	if err := m.store.Put(ctx, key); err != nil {
		// Don't leave orphaned material in the gateway
		_ = m.gateway.DeleteKeyMaterial(ctx, keyID)
		return keys.EncryptionKey{}, fmt.Errorf("persisting key %s: %w", keyID, err)
	}
	m.cachePut(key)

	if current != nil {
		demoted, err := current.WithStatus(keys.KeyStatusDecrypt, "rotated")
		if err != nil {
			return keys.EncryptionKey{}, err
		}
		if err := m.store.Put(ctx, demoted); err != nil {
			return keys.EncryptionKey{}, fmt.Errorf("demoting key %s: %w", current.ID, err)
		}
		m.cachePut(demoted)

		if req.Activate {
			activated, err := key.WithStatus(keys.KeyStatusActive, "")
			if err == nil {
				err = m.store.Put(ctx, activated)
			}
			if err != nil {
				// Hand the purpose back to the old key; the new key stays
				// pending and can be activated once the store recovers
				if rerr := m.store.Put(ctx, *current); rerr != nil {
					m.logger.Error("restoring previous active key failed",
						logging.KeyID(current.ID), logging.Error(rerr))
				} else {
					m.cachePut(*current)
				}
				return keys.EncryptionKey{}, fmt.Errorf("activating key %s: %w", keyID, err)
			}
			key = activated
			m.cachePut(key)
		}
	}

	m.recordLifecycle(audit.ActionKeyCreated, key, "")
	if key.Status == keys.KeyStatusActive {
		m.recordLifecycle(audit.ActionKeyActivated, key, "")
	}
	m.logger.Info("key created",
		logging.KeyID(key.ID),
		logging.Purpose(key.Purpose),
		logging.String("status", string(key.Status)))
	m.refreshKeyGauges(ctx)

	return key, nil
}

// ActivateKey transitions a pending key to active. Fails with
// ErrActiveKeyExists if the purpose already has an active key.
func (m *KeyManager) ActivateKey(ctx context.Context, keyID uuid.UUID) (keys.EncryptionKey, error) {
	key, err := m.getAnyStatus(ctx, keyID)
	if err != nil {
		return keys.EncryptionKey{}, err
	}

	lock := m.purposeLock(key.Purpose)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock
	key, err = m.getAnyStatus(ctx, keyID)
	if err != nil {
		return keys.EncryptionKey{}, err
	}

	activated, err := key.WithStatus(keys.KeyStatusActive, "activated")
	if err != nil {
		m.metrics.IllegalTransitionsTotal.Inc()
		return keys.EncryptionKey{}, err
	}
	if err := m.store.Put(ctx, activated); err != nil {
		return keys.EncryptionKey{}, fmt.Errorf("activating key %s: %w", keyID, err)
	}
	m.cachePut(activated)

	m.recordLifecycle(audit.ActionKeyActivated, activated, "")
	m.refreshKeyGauges(ctx)
	return activated, nil
}

// GetKey returns a key by ID for decrypt-side resolution. Retired keys
// are deliberately invisible: data tagged with one is unrecoverable.
func (m *KeyManager) GetKey(ctx context.Context, keyID uuid.UUID) (keys.EncryptionKey, error) {
	key, err := m.getAnyStatus(ctx, keyID)
	if err != nil {
		return keys.EncryptionKey{}, err
	}
	if key.Status == keys.KeyStatusRetired {
		return keys.EncryptionKey{}, fmt.Errorf("%w: key %s is retired", ErrKeyUnavailable, keyID)
	}
	return key, nil
}

// getAnyStatus resolves a key regardless of status, cache first
func (m *KeyManager) getAnyStatus(ctx context.Context, keyID uuid.UUID) (keys.EncryptionKey, error) {
	m.cacheMu.RLock()
	key, ok := m.byID[keyID]
	m.cacheMu.RUnlock()
	if ok {
		return key, nil
	}

	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, keys.ErrKeyNotFound) {
			return keys.EncryptionKey{}, fmt.Errorf("%w: %s", ErrKeyUnavailable, keyID)
		}
		return keys.EncryptionKey{}, fmt.Errorf("resolving key %s: %w", keyID, err)
	}
	m.cachePut(key)
	return key, nil
}

// GetKeyMaterial fetches raw material from the gateway for a single
// operation. Callers must zero the returned slice when done. Retired
// keys are unresolvable here, same as GetKey.
func (m *KeyManager) GetKeyMaterial(ctx context.Context, keyID uuid.UUID) ([]byte, error) {
	key, err := m.getAnyStatus(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key.Status == keys.KeyStatusRetired {
		return nil, fmt.Errorf("%w: key %s is retired", ErrKeyUnavailable, keyID)
	}

	start := time.Now()
	material, err := m.gateway.GetKeyMaterial(ctx, keyID)
	m.metrics.RecordHsmCall("get_key_material", hsmStatus(err), time.Since(start))
	if err != nil {
		if errors.Is(err, hsm.ErrKeyMaterialNotFound) {
			return nil, fmt.Errorf("%w: no material for key %s", ErrKeyUnavailable, keyID)
		}
		return nil, fmt.Errorf("%w: %v", ErrHsmUnavailable, err)
	}
	return material, nil
}

// ListKeys returns all keys for a purpose, any status
func (m *KeyManager) ListKeys(ctx context.Context, purpose string) ([]keys.EncryptionKey, error) {
	if purpose == "" {
		purpose = m.config.DefaultPurpose
	}
	return m.store.ListByPurpose(ctx, purpose)
}

// recordLifecycle emits an audit event for a lifecycle change
func (m *KeyManager) recordLifecycle(action audit.Action, key keys.EncryptionKey, errMsg string) {
	status := audit.StatusSuccess
	if errMsg != "" {
		status = audit.StatusFailure
	}
	event := audit.NewEvent(action, status)
	event.KeyID = key.ID.String()
	event.Purpose = key.Purpose
	event.ErrorMessage = errMsg
	m.auditor.Record(event)
}

// refreshKeyGauges recomputes the per-status key census
func (m *KeyManager) refreshKeyGauges(ctx context.Context) {
	all, err := m.store.List(ctx)
	if err != nil {
		return
	}
	counts := map[string]int{
		string(keys.KeyStatusPending):     0,
		string(keys.KeyStatusActive):      0,
		string(keys.KeyStatusDecrypt):     0,
		string(keys.KeyStatusCompromised): 0,
		string(keys.KeyStatusRetired):     0,
	}
	for _, k := range all {
		counts[string(k.Status)]++
	}
	m.metrics.UpdateKeyCounts(counts)
}

func hsmStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
