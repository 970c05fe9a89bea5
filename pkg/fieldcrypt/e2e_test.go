package fieldcrypt

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-dataprotect/pkg/audit"
	"github.com/dd0wney/cluso-dataprotect/pkg/classification"
	"github.com/dd0wney/cluso-dataprotect/pkg/encryption"
	"github.com/dd0wney/cluso-dataprotect/pkg/hsm"
	"github.com/dd0wney/cluso-dataprotect/pkg/jobs"
	"github.com/dd0wney/cluso-dataprotect/pkg/keys"
)

// TestEndToEndProtectionLifecycle drives the full stack through a
// realistic sequence: protect records, rotate, drain the backlog,
// handle a compromise, and retire the dead key.
func TestEndToEndProtectionLifecycle(t *testing.T) {
	ctx := context.Background()

	gateway, err := hsm.NewSoftGateway(hsm.SoftGatewayConfig{
		MasterKey: make([]byte, hsm.MasterKeySize),
	})
	require.NoError(t, err)

	store := NewMemoryRecordStore()
	queue := jobs.NewQueue()
	defer queue.Shutdown()
	sub, err := queue.Subscribe(ctx, jobs.TopicReEncryption)
	require.NoError(t, err)

	recorder := audit.NewMemoryRecorder(1000)
	manager, err := encryption.NewKeyManager(keys.NewMemoryStore(), gateway,
		encryption.KeyManagerConfig{DefaultPurpose: "graph-data"},
		encryption.WithTaggedCounter(store),
		encryption.WithJobQueue(queue),
		encryption.WithAuditor(recorder),
	)
	require.NoError(t, err)

	crypto, err := encryption.NewCryptoEngine(manager, encryption.WithEngineAuditor(recorder))
	require.NoError(t, err)

	provider := classification.NewStaticProvider()
	provider.SetRules("Person", []classification.PropertyRule{
		{FieldName: "ssn", RequiresEncryption: true, KeyPurposeOverride: "pii"},
	})

	engine, err := NewEngine(crypto, manager, provider, WithRecordStore(store))
	require.NoError(t, err)

	// Protect a batch of records
	recordIDs := make([]uuid.UUID, 0, 5)
	for i := 0; i < 5; i++ {
		record := Record{
			ID:         uuid.New(),
			EntityType: "Person",
			Fields:     map[string]any{"ssn": "123-45-6789", "name": "Ada"},
		}
		protected, err := engine.EncryptFields(ctx, record)
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, protected))
		recordIDs = append(recordIDs, record.ID)
	}

	first, err := store.Fetch(ctx, recordIDs[0])
	require.NoError(t, err)
	status, err := engine.GetFieldStatus(ctx, first, "ssn")
	require.NoError(t, err)
	assert.True(t, status.IsEncrypted)
	assert.False(t, status.NeedsReEncryption)
	oldKeyID := status.KeyID

	// Rotate the pii key; the backlog should match the batch size
	result, err := manager.RotateKey(ctx, "pii", encryption.RotationOptions{AutoReEncrypt: true})
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.ItemsToReEncrypt, "All protected records should be in the backlog")
	require.NotEmpty(t, result.JobID)

	job := <-sub.Channel()
	assert.Equal(t, oldKeyID, job.OldKeyID)
	assert.Equal(t, jobs.PriorityNormal, job.Priority)

	// Drain the backlog the way a worker would
	for _, id := range recordIDs {
		moved, err := engine.ReEncryptFields(ctx, id, job.OldKeyID, job.NewKeyID)
		require.NoError(t, err)
		assert.Equal(t, 1, moved)
	}
	count, err := store.CountByKeyID(ctx, oldKeyID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count, "No records should remain on the old key")

	// The drained key can now be retired
	_, err = manager.RetireKey(ctx, oldKeyID, "drained after rotation")
	require.NoError(t, err)

	// Compromise the current key; the urgent intent fires immediately
	compromised, err := manager.CompromiseKey(ctx, result.NewKey, "suspected exposure")
	require.NoError(t, err)
	assert.Equal(t, keys.KeyStatusCompromised, compromised.Status)

	urgent := <-sub.Channel()
	assert.Equal(t, jobs.PriorityUrgent, urgent.Priority)
	assert.Nil(t, urgent.NewKeyID)

	// Compromised keys still decrypt, so data remains recoverable
	record, err := store.Fetch(ctx, recordIDs[0])
	require.NoError(t, err)
	plain, err := engine.DecryptFields(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, "123-45-6789", plain.Fields["ssn"])

	// The audit trail captured the lifecycle
	assert.NotEmpty(t, recorder.Query(audit.Filter{Action: audit.ActionKeyRotated}))
	assert.NotEmpty(t, recorder.Query(audit.Filter{Action: audit.ActionKeyRetired}))
	assert.NotEmpty(t, recorder.Query(audit.Filter{Action: audit.ActionKeyCompromised}))
}
