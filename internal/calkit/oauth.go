package calkit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"
)

// GoogleOAuthScopes are requested on the consent screen: identity claims plus
// full calendar access.
var GoogleOAuthScopes = []string{
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/calendar",
}

// Identity carries the verified subject identifier and email of a user.
type Identity struct {
	UserID    string
	UserEmail string
}

// IdentityVerifier validates a raw identity token and extracts its claims.
type IdentityVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (Identity, error)
}

type googleIdentityVerifier struct {
	audience string
}

// NewGoogleIdentityVerifier verifies Google-issued identity tokens against
// the given OAuth client id.
func NewGoogleIdentityVerifier(audience string) IdentityVerifier {
	return &googleIdentityVerifier{audience: audience}
}

func (verifier *googleIdentityVerifier) Verify(ctx context.Context, rawIDToken string) (Identity, error) {
	validator, validatorErr := idtoken.NewValidator(ctx)
	if validatorErr != nil {
		return Identity{}, fmt.Errorf("identity.validator_init: %w", validatorErr)
	}
	payload, validateErr := validator.Validate(ctx, rawIDToken, verifier.audience)
	if validateErr != nil {
		return Identity{}, fmt.Errorf("identity.validate: %w", ErrIdentityVerification)
	}
	issuerValue, okIssuer := payload.Claims["iss"].(string)
	if !okIssuer || (issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com") {
		return Identity{}, fmt.Errorf("identity.issuer: %w", ErrIdentityVerification)
	}
	subject, _ := payload.Claims["sub"].(string)
	userEmail, _ := payload.Claims["email"].(string)
	if subject == "" {
		return Identity{}, fmt.Errorf("identity.subject: %w", ErrIdentityVerification)
	}
	return Identity{UserID: subject, UserEmail: userEmail}, nil
}

// CredentialSource yields a ready-to-use token source for a user. The code
// flow serves refreshable store-backed credentials; the implicit flow serves
// a single process-held access token.
type CredentialSource interface {
	AuthorizedTokenSource(ctx context.Context, userID string) (oauth2.TokenSource, error)
}

// AuthManager owns the authorization-code lifecycle: consent URL, code
// exchange, identity verification, and refresh-credential persistence.
type AuthManager struct {
	oauthConfig *oauth2.Config
	verifier    IdentityVerifier
	store       CredentialStore
	logger      *zap.Logger
}

// NewAuthManager wires the manager against Google's OAuth endpoints.
func NewAuthManager(configuration ServerConfig, verifier IdentityVerifier, store CredentialStore, logger *zap.Logger) *AuthManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthManager{
		oauthConfig: &oauth2.Config{
			ClientID:     configuration.GoogleClientID,
			ClientSecret: configuration.GoogleClientSecret,
			RedirectURL:  configuration.GoogleRedirectURI,
			Endpoint:     google.Endpoint,
			Scopes:       GoogleOAuthScopes,
		},
		verifier: verifier,
		store:    store,
		logger:   logger,
	}
}

// AuthorizationURL builds the consent-screen URL. Offline access is always
// requested so first consent yields a refresh token.
func (manager *AuthManager) AuthorizationURL(state string) string {
	return manager.oauthConfig.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

// ExchangeCode trades an authorization code for tokens at the provider's
// token endpoint.
func (manager *AuthManager) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	token, exchangeErr := manager.oauthConfig.Exchange(ctx, code)
	if exchangeErr != nil {
		manager.logger.Warn("authorization code rejected",
			zap.String("code", "auth.exchange.rejected"),
			zap.Error(exchangeErr))
		return nil, fmt.Errorf("auth.exchange: %w", ErrExchangeFailed)
	}
	return token, nil
}

// VerifyIdentity validates the identity token returned by the exchange.
func (manager *AuthManager) VerifyIdentity(ctx context.Context, rawIDToken string) (Identity, error) {
	if rawIDToken == "" {
		return Identity{}, fmt.Errorf("auth.verify.empty_token: %w", ErrIdentityVerification)
	}
	return manager.verifier.Verify(ctx, rawIDToken)
}

// CompleteAuthorization runs the full callback path: exchange the code,
// verify the identity token, and persist the refresh credential when the
// provider issued one. A repeat login without a refresh token leaves the
// stored credential untouched.
func (manager *AuthManager) CompleteAuthorization(ctx context.Context, code string) (Identity, error) {
	token, exchangeErr := manager.ExchangeCode(ctx, code)
	if exchangeErr != nil {
		return Identity{}, exchangeErr
	}

	rawIDToken, hasIDToken := token.Extra("id_token").(string)
	if !hasIDToken {
		return Identity{}, fmt.Errorf("auth.complete.missing_id_token: %w", ErrIdentityVerification)
	}
	identity, verifyErr := manager.VerifyIdentity(ctx, rawIDToken)
	if verifyErr != nil {
		return Identity{}, verifyErr
	}

	if token.RefreshToken == "" {
		manager.logger.Info("no refresh token issued, keeping stored credential",
			zap.String("code", "auth.complete.repeat_consent"),
			zap.String("user_id", identity.UserID))
		return identity, nil
	}

	record := CredentialRecord{
		UserID:       identity.UserID,
		UserEmail:    identity.UserEmail,
		RefreshToken: token.RefreshToken,
		ExpiryUnix:   token.Expiry.Unix(),
	}
	if upsertErr := manager.store.Upsert(ctx, record); upsertErr != nil {
		return Identity{}, fmt.Errorf("auth.complete.persist: %w", upsertErr)
	}
	manager.logger.Info("refresh credential stored",
		zap.String("code", "auth.complete.credential_stored"),
		zap.String("user_id", identity.UserID))
	return identity, nil
}

// AuthorizedTokenSource returns a token source for the user's stored refresh
// credential. The seed token is already expired, so the first use refreshes
// through the provider's token endpoint; the stored expiry is never trusted.
// The refreshed access token is not written back to the store.
func (manager *AuthManager) AuthorizedTokenSource(ctx context.Context, userID string) (oauth2.TokenSource, error) {
	record, getErr := manager.store.Get(ctx, userID)
	if getErr != nil {
		return nil, getErr
	}
	if record.RefreshToken == "" {
		return nil, fmt.Errorf("auth.token_source.empty_refresh_token: %w", ErrMissingCredential)
	}
	seed := &oauth2.Token{
		RefreshToken: record.RefreshToken,
		Expiry:       time.Unix(1, 0),
	}
	return manager.oauthConfig.TokenSource(ctx, seed), nil
}
