package calkit

import "context"

// CredentialRecord is one user's long-lived Google credential. The map key
// and UserID both carry the provider-issued subject identifier; UserID is
// filled on reads and omitted from the persisted value.
type CredentialRecord struct {
	UserID       string `json:"-"`
	UserEmail    string `json:"user_email"`
	RefreshToken string `json:"refresh_token"`
	ExpiryUnix   int64  `json:"expiry_date"`
}

// CredentialStore persists per-user refresh credentials keyed by subject id.
type CredentialStore interface {
	// Load returns all persisted records. Absent state yields an empty map.
	// On a read or decode failure it returns an empty, usable map together
	// with the diagnostic error; callers log and continue.
	Load(ctx context.Context) (map[string]CredentialRecord, error)

	// Upsert merges one record into the persisted set. An empty incoming
	// RefreshToken never clobbers a stored one; email and expiry still update.
	Upsert(ctx context.Context, record CredentialRecord) error

	// Get returns the record for the user, or ErrMissingCredential.
	Get(ctx context.Context, userID string) (CredentialRecord, error)
}
