package calkit

import "time"

// AuthFlow selects how the service obtains Google credentials.
type AuthFlow string

const (
	// AuthFlowCode is the authorization-code flow with per-user refresh tokens.
	AuthFlowCode AuthFlow = "code"
	// AuthFlowImplicit accepts a client-submitted access token held in process memory.
	AuthFlowImplicit AuthFlow = "implicit"
)

// ServerConfig configures the Google OAuth client, flow selection, and sessions.
type ServerConfig struct {
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string
	AppOrigin          string
	Flow               AuthFlow
	SessionSigningKey  []byte
	SessionIssuer      string
	SessionCookieName  string
	SessionTTL         time.Duration
	StateTTL           time.Duration
	UpcomingLimit      int
}

// SessionsEnabled reports whether the service mints signed session cookies.
func (configuration ServerConfig) SessionsEnabled() bool {
	return len(configuration.SessionSigningKey) > 0
}
