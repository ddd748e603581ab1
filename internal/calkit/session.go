package calkit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const sessionClaimsContextKey = "session_claims"

// SessionClaims are embedded in the signed session cookie minted after a
// successful authorization callback.
type SessionClaims struct {
	UserID    string `json:"user_id"`
	UserEmail string `json:"user_email"`
	jwt.RegisteredClaims
}

// MintSessionToken creates a signed HS256 session token for the identity.
func MintSessionToken(identity Identity, issuer string, signingKey []byte, ttl time.Duration) (string, time.Time, error) {
	if identity.UserID == "" {
		return "", time.Time{}, fmt.Errorf("session.mint: subject must be non-empty")
	}
	issuedAt := time.Now().UTC()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		UserID:    identity.UserID,
		UserEmail: identity.UserEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, signErr := token.SignedString(signingKey)
	return signed, expiresAt, signErr
}

// RequireSession validates the session cookie and injects claims.
func RequireSession(configuration ServerConfig) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		sessionCookie, cookieErr := contextGin.Request.Cookie(configuration.SessionCookieName)
		if cookieErr != nil || sessionCookie == nil || sessionCookie.Value == "" {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, parseErr := parseSessionToken(sessionCookie.Value, configuration)
		if parseErr != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(sessionClaimsContextKey, claims)
		contextGin.Next()
	}
}

// HandleSessionInfo returns the authenticated session's claims.
func HandleSessionInfo() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		claimsValue, found := contextGin.Get(sessionClaimsContextKey)
		if !found {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, ok := claimsValue.(*SessionClaims)
		if !ok || claims.UserID == "" {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		expiresAt := time.Time{}
		if claims.ExpiresAt != nil {
			expiresAt = claims.ExpiresAt.Time
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":    claims.UserID,
			"user_email": claims.UserEmail,
			"expires":    expiresAt,
		})
	}
}

func parseSessionToken(raw string, configuration ServerConfig) (*SessionClaims, error) {
	parsedToken, parseErr := jwt.ParseWithClaims(raw, &SessionClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return configuration.SessionSigningKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if parseErr != nil || parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("session.parse: invalid token")
	}
	claims, ok := parsedToken.Claims.(*SessionClaims)
	if !ok || claims.Issuer != configuration.SessionIssuer {
		return nil, fmt.Errorf("session.parse: issuer mismatch")
	}
	return claims, nil
}

func writeSessionCookie(contextGin *gin.Context, configuration ServerConfig, sessionToken string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		Expires:  expiresAt,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
