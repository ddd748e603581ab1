package calkit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// StaticCredentialSource holds a single client-submitted access token in
// process memory for the implicit flow. The token is short-lived and never
// persisted; it is replaced wholesale on each login.
type StaticCredentialSource struct {
	mutex       sync.Mutex
	accessToken string
}

// NewStaticCredentialSource creates an empty source.
func NewStaticCredentialSource() *StaticCredentialSource {
	return &StaticCredentialSource{}
}

// Set replaces the held access token.
func (source *StaticCredentialSource) Set(accessToken string) {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	source.accessToken = accessToken
}

// AuthorizedTokenSource returns a static token source for the held token.
// The userID argument is ignored; the implicit flow serves a single user.
func (source *StaticCredentialSource) AuthorizedTokenSource(ctx context.Context, userID string) (oauth2.TokenSource, error) {
	source.mutex.Lock()
	defer source.mutex.Unlock()

	if source.accessToken == "" {
		return nil, fmt.Errorf("auth.implicit.no_token: %w", ErrMissingCredential)
	}
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: source.accessToken,
		TokenType:   "Bearer",
	}), nil
}
