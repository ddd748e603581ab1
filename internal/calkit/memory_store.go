package calkit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryCredentialStore is an in-memory store intended for tests and dev.
type MemoryCredentialStore struct {
	mutex   sync.Mutex
	records map[string]CredentialRecord
}

// NewMemoryCredentialStore creates an empty in-memory credential store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{records: make(map[string]CredentialRecord)}
}

// Load returns a copy of all records.
func (store *MemoryCredentialStore) Load(ctx context.Context) (map[string]CredentialRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	clone := make(map[string]CredentialRecord, len(store.records))
	for userID, record := range store.records {
		clone[userID] = record
	}
	return clone, nil
}

// Upsert merges one record, keeping a stored refresh token when the incoming
// record carries none.
func (store *MemoryCredentialStore) Upsert(ctx context.Context, record CredentialRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	existing := store.records[record.UserID]
	if record.RefreshToken == "" {
		record.RefreshToken = existing.RefreshToken
	}
	store.records[record.UserID] = record
	return nil
}

// Get returns the record for the user.
func (store *MemoryCredentialStore) Get(ctx context.Context, userID string) (CredentialRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, found := store.records[userID]
	if !found {
		return CredentialRecord{}, fmt.Errorf("credential_store.memory.get: %w", ErrMissingCredential)
	}
	return record, nil
}
