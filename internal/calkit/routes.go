package calkit

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterDeps bundles the collaborators the HTTP surface is mounted with.
// Manager and States are used by the code flow, StaticTokens by the implicit
// flow; Credentials always points at the flow's active source.
type RouterDeps struct {
	Manager      *AuthManager
	States       StateStore
	StaticTokens *StaticCredentialSource
	Credentials  CredentialSource
	Gateway      *CalendarGateway
	Logger       *zap.Logger
	Metrics      MetricsRecorder
}

// MountRoutes registers the auth and calendar endpoints for the configured
// flow. Paths are fixed for compatibility with the browser client.
func MountRoutes(router gin.IRouter, configuration ServerConfig, deps RouterDeps) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	switch configuration.Flow {
	case AuthFlowImplicit:
		mountImplicitAuth(router, deps)
	default:
		mountCodeAuth(router, configuration, deps)
	}

	router.POST("/api/create-event", handleCreateEvent(configuration, deps))
	router.GET("/api/recent-events", handleRecentEvents(configuration, deps))
}

func mountCodeAuth(router gin.IRouter, configuration ServerConfig, deps RouterDeps) {
	router.GET("/api/auth", func(contextGin *gin.Context) {
		state, issueErr := deps.States.Issue(contextGin)
		if issueErr != nil {
			deps.Logger.Error("state issue failed",
				zap.String("code", "auth.redirect.state_issue"),
				zap.Error(issueErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Authorization unavailable"})
			return
		}
		deps.Metrics.Increment("auth.redirect")
		contextGin.Redirect(http.StatusFound, deps.Manager.AuthorizationURL(state))
	})

	router.GET("/auth/callback", func(contextGin *gin.Context) {
		if providerError := contextGin.Query("error"); providerError != "" {
			deps.Logger.Warn("provider returned an error, skipping exchange",
				zap.String("code", "auth.callback.provider_error"),
				zap.String("provider_error", providerError))
			deps.Metrics.Increment("auth.callback.provider_error")
			redirectToApp(contextGin, configuration.AppOrigin, url.Values{"error": {"access_denied"}})
			return
		}

		if consumeErr := deps.States.Consume(contextGin, contextGin.Query("state")); consumeErr != nil {
			deps.Logger.Warn("callback state rejected",
				zap.String("code", "auth.callback.state_rejected"),
				zap.Error(consumeErr))
			deps.Metrics.Increment("auth.callback.state_rejected")
			redirectToApp(contextGin, configuration.AppOrigin, url.Values{"error": {"state_mismatch"}})
			return
		}

		code := contextGin.Query("code")
		if code == "" {
			deps.Logger.Warn("callback without code",
				zap.String("code", "auth.callback.missing_code"))
			deps.Metrics.Increment("auth.callback.missing_code")
			redirectToApp(contextGin, configuration.AppOrigin, url.Values{"error": {"missing_code"}})
			return
		}

		identity, completeErr := deps.Manager.CompleteAuthorization(contextGin, code)
		if completeErr != nil {
			deps.Logger.Error("authorization completion failed",
				zap.String("code", "auth.callback.failure"),
				zap.Error(completeErr))
			deps.Metrics.Increment("auth.callback.failure")
			redirectToApp(contextGin, configuration.AppOrigin, url.Values{"error": {"auth_failed"}})
			return
		}

		if configuration.SessionsEnabled() {
			sessionToken, sessionExpiresAt, mintErr := MintSessionToken(identity, configuration.SessionIssuer, configuration.SessionSigningKey, configuration.SessionTTL)
			if mintErr != nil {
				deps.Logger.Error("session mint failed",
					zap.String("code", "auth.callback.session_mint"),
					zap.Error(mintErr))
			} else {
				writeSessionCookie(contextGin, configuration, sessionToken, sessionExpiresAt)
			}
		}

		deps.Metrics.Increment("auth.callback.success")
		redirectToApp(contextGin, configuration.AppOrigin, url.Values{"userId": {identity.UserID}})
	})

	if configuration.SessionsEnabled() {
		router.GET("/api/me", RequireSession(configuration), HandleSessionInfo())
	}
}

func mountImplicitAuth(router gin.IRouter, deps RouterDeps) {
	router.POST("/api/auth", func(contextGin *gin.Context) {
		var inbound struct {
			AccessToken string `json:"access_token"`
		}
		if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil || strings.TrimSpace(inbound.AccessToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Missing access_token"})
			return
		}
		deps.StaticTokens.Set(inbound.AccessToken)
		deps.Metrics.Increment("auth.implicit.token_stored")
		contextGin.JSON(http.StatusOK, gin.H{"message": "Authenticated"})
	})
}

func handleCreateEvent(configuration ServerConfig, deps RouterDeps) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		var inbound struct {
			UserID string     `json:"userId"`
			Event  EventDraft `json:"event"`
		}
		if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if configuration.Flow == AuthFlowCode && inbound.UserID == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Missing userId"})
			return
		}

		tokenSource, sourceErr := deps.Credentials.AuthorizedTokenSource(contextGin, inbound.UserID)
		if sourceErr != nil {
			if errors.Is(sourceErr, ErrMissingCredential) {
				deps.Metrics.Increment("calendar.create.reauth_required")
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Reauthorization required"})
				return
			}
			deps.Logger.Error("credential lookup failed",
				zap.String("code", "calendar.create.credential_lookup"),
				zap.Error(sourceErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to create event"})
			return
		}

		event, createErr := deps.Gateway.CreateEvent(contextGin, tokenSource, inbound.Event)
		if createErr != nil {
			if errors.Is(createErr, ErrInvalidEventDraft) {
				contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid event"})
				return
			}
			deps.Metrics.Increment("calendar.create.failure")
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to create event"})
			return
		}

		deps.Metrics.Increment("calendar.create.success")
		contextGin.JSON(http.StatusOK, gin.H{"message": "Event created", "event": event})
	}
}

func handleRecentEvents(configuration ServerConfig, deps RouterDeps) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		userID := contextGin.Query("userId")
		if configuration.Flow == AuthFlowCode && userID == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Missing userId"})
			return
		}

		tokenSource, sourceErr := deps.Credentials.AuthorizedTokenSource(contextGin, userID)
		if sourceErr != nil {
			if errors.Is(sourceErr, ErrMissingCredential) {
				contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Authorization required"})
				return
			}
			deps.Logger.Error("credential lookup failed",
				zap.String("code", "calendar.list.credential_lookup"),
				zap.Error(sourceErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to list events"})
			return
		}

		limit := configuration.UpcomingLimit
		if rawLimit := contextGin.Query("limit"); rawLimit != "" {
			if parsedLimit, parseErr := strconv.Atoi(rawLimit); parseErr == nil && parsedLimit > 0 {
				limit = parsedLimit
			}
		}

		events, listErr := deps.Gateway.ListUpcoming(contextGin, tokenSource, limit)
		if listErr != nil {
			deps.Metrics.Increment("calendar.list.failure")
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to list events"})
			return
		}

		deps.Metrics.Increment("calendar.list.success")
		contextGin.JSON(http.StatusOK, gin.H{"events": events})
	}
}

func redirectToApp(contextGin *gin.Context, appOrigin string, query url.Values) {
	target := appOrigin
	if len(query) > 0 {
		target = target + "?" + query.Encode()
	}
	contextGin.Redirect(http.StatusFound, target)
}
