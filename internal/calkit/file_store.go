package calkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// FileCredentialStore keeps all credential records in a single JSON file,
// rewritten as a whole on every change. Writes are serialized by a mutex;
// this is a single-process store and is not safe for multiple processes
// sharing the same file.
type FileCredentialStore struct {
	mutex  sync.Mutex
	path   string
	logger *zap.Logger
}

// NewFileCredentialStore constructs a store backed by the JSON file at path.
// The file is created lazily on first use.
func NewFileCredentialStore(path string, logger *zap.Logger) *FileCredentialStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileCredentialStore{path: path, logger: logger}
}

// Load reads the persisted records.
func (store *FileCredentialStore) Load(ctx context.Context) (map[string]CredentialRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.loadLocked()
}

// Upsert merges one record and rewrites the file.
func (store *FileCredentialStore) Upsert(ctx context.Context, record CredentialRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	records, loadErr := store.loadLocked()
	if loadErr != nil {
		store.logger.Warn("rebuilding credential file from scratch",
			zap.String("code", "credential_store.file.reload_failed"),
			zap.Error(loadErr))
	}

	existing := records[record.UserID]
	if record.RefreshToken == "" {
		record.RefreshToken = existing.RefreshToken
	}
	records[record.UserID] = record

	return store.writeLocked(records)
}

// Get returns the record for the user.
func (store *FileCredentialStore) Get(ctx context.Context, userID string) (CredentialRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	records, loadErr := store.loadLocked()
	if loadErr != nil {
		store.logger.Warn("credential file unreadable during lookup",
			zap.String("code", "credential_store.file.get_reload_failed"),
			zap.Error(loadErr))
	}
	record, found := records[userID]
	if !found {
		return CredentialRecord{}, fmt.Errorf("credential_store.file.get: %w", ErrMissingCredential)
	}
	record.UserID = userID
	return record, nil
}

func (store *FileCredentialStore) loadLocked() (map[string]CredentialRecord, error) {
	raw, readErr := os.ReadFile(store.path)
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			if initErr := store.writeLocked(map[string]CredentialRecord{}); initErr != nil {
				return map[string]CredentialRecord{}, initErr
			}
			return map[string]CredentialRecord{}, nil
		}
		return map[string]CredentialRecord{}, fmt.Errorf("credential_store.file.read: %w", readErr)
	}

	records := make(map[string]CredentialRecord)
	if len(raw) > 0 {
		if decodeErr := json.Unmarshal(raw, &records); decodeErr != nil {
			return map[string]CredentialRecord{}, fmt.Errorf("credential_store.file.decode: %w", decodeErr)
		}
	}
	for userID, record := range records {
		record.UserID = userID
		records[userID] = record
	}
	return records, nil
}

func (store *FileCredentialStore) writeLocked(records map[string]CredentialRecord) error {
	encoded, encodeErr := json.MarshalIndent(records, "", "  ")
	if encodeErr != nil {
		return fmt.Errorf("credential_store.file.encode: %w", encodeErr)
	}
	if writeErr := os.WriteFile(store.path, encoded, 0o600); writeErr != nil {
		return fmt.Errorf("credential_store.file.write: %w", writeErr)
	}
	return nil
}
