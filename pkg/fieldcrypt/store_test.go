package fieldcrypt

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestMemoryRecordStoreFetchSave(t *testing.T) {
	store := NewMemoryRecordStore()
	ctx := context.Background()

	record := Record{
		ID:         uuid.New(),
		EntityType: "Person",
		Fields:     map[string]any{"name": "Ada"},
	}
	if err := store.Save(ctx, record); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Fetch(ctx, record.ID)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got.EntityType != "Person" || got.Fields["name"] != "Ada" {
		t.Errorf("Fetch() = %+v, want saved record", got)
	}

	// Mutating the fetched record must not affect stored state
	got.Fields["name"] = "mutated"
	again, _ := store.Fetch(ctx, record.ID)
	if again.Fields["name"] != "Ada" {
		t.Error("fetched record aliases stored state")
	}
}

func TestMemoryRecordStoreNotFound(t *testing.T) {
	store := NewMemoryRecordStore()

	_, err := store.Fetch(context.Background(), uuid.New())
	if !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Fetch() error = %v, want ErrRecordNotFound", err)
	}
}

func TestMemoryRecordStoreRejectsNilID(t *testing.T) {
	store := NewMemoryRecordStore()

	err := store.Save(context.Background(), Record{EntityType: "Person"})
	if err == nil {
		t.Error("Save() should reject a record without an id")
	}
}

func TestMemoryRecordStoreCountByKeyIDIgnoresPlainRecords(t *testing.T) {
	store := NewMemoryRecordStore()
	ctx := context.Background()

	record := Record{
		ID:         uuid.New(),
		EntityType: "Person",
		Fields:     map[string]any{"name": "no ciphertext here"},
	}
	if err := store.Save(ctx, record); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	count, err := store.CountByKeyID(ctx, uuid.New())
	if err != nil {
		t.Fatalf("CountByKeyID() error = %v", err)
	}
	if count != 0 {
		t.Errorf("CountByKeyID() = %d, want 0", count)
	}
}
