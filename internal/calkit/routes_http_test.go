package calkit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

type codeFlowFixture struct {
	router   *gin.Engine
	config   ServerConfig
	endpoint *fakeTokenEndpoint
	api      *fakeCalendarAPI
	store    *MemoryCredentialStore
	metrics  *CounterMetrics
}

func newCodeFlowFixture(t *testing.T, refreshToken string, sessionKey []byte) *codeFlowFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	endpoint := newFakeTokenEndpoint(t, refreshToken)
	api := newFakeCalendarAPI(t)
	store := NewMemoryCredentialStore()
	manager := newTestAuthManager(t, store, endpoint, newTestVerifier())
	metrics := NewCounterMetrics()

	config := ServerConfig{
		AppOrigin:         "http://localhost:5173",
		Flow:              AuthFlowCode,
		SessionSigningKey: sessionKey,
		SessionIssuer:     "test-issuer",
		SessionCookieName: "calbridge_session",
		SessionTTL:        time.Minute,
		StateTTL:          2 * time.Minute,
		UpcomingLimit:     10,
	}

	router := gin.New()
	MountRoutes(router, config, RouterDeps{
		Manager:     manager,
		States:      NewMemoryStateStore(config.StateTTL),
		Credentials: manager,
		Gateway:     newTestGateway(t, api),
		Logger:      zaptest.NewLogger(t),
		Metrics:     metrics,
	})

	return &codeFlowFixture{
		router:   router,
		config:   config,
		endpoint: endpoint,
		api:      api,
		store:    store,
		metrics:  metrics,
	}
}

func performRequest(router http.Handler, method, target string, body []byte, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for _, cookie := range cookies {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

// beginAuth follows GET /api/auth and returns the issued state parameter.
func (fixture *codeFlowFixture) beginAuth(t *testing.T) string {
	t.Helper()
	recorder := performRequest(fixture.router, http.MethodGet, "/api/auth", nil)
	if recorder.Code != http.StatusFound {
		t.Fatalf("expected 302 from /api/auth, got %d", recorder.Code)
	}
	location, parseErr := url.Parse(recorder.Header().Get("Location"))
	if parseErr != nil {
		t.Fatalf("unparsable consent URL: %v", parseErr)
	}
	state := location.Query().Get("state")
	if state == "" {
		t.Fatalf("expected state on consent URL %q", location.String())
	}
	return state
}

func createEventBody(userID string) []byte {
	payload := map[string]any{
		"event": map[string]any{
			"summary": "Dentist",
			"start":   map[string]string{"dateTime": "2026-09-05T10:00:00+08:00", "timeZone": "Asia/Taipei"},
			"end":     map[string]string{"dateTime": "2026-09-05T11:00:00+08:00", "timeZone": "Asia/Taipei"},
		},
	}
	if userID != "" {
		payload["userId"] = userID
	}
	encoded, _ := json.Marshal(payload)
	return encoded
}

func TestAuthRedirectRequestsConsent(t *testing.T) {
	t.Parallel()
	fixture := newCodeFlowFixture(t, "refresh-1", nil)

	recorder := performRequest(fixture.router, http.MethodGet, "/api/auth", nil)
	if recorder.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", recorder.Code)
	}
	location := recorder.Header().Get("Location")
	if !strings.Contains(location, "access_type=offline") {
		t.Fatalf("expected offline access requested, got %q", location)
	}
	if fixture.metrics.Count("auth.redirect") != 1 {
		t.Fatalf("expected redirect counted")
	}
}

func TestCallbackProviderErrorShortCircuits(t *testing.T) {
	t.Parallel()
	fixture := newCodeFlowFixture(t, "refresh-1", nil)

	recorder := performRequest(fixture.router, http.MethodGet, "/auth/callback?error=access_denied", nil)
	if recorder.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", recorder.Code)
	}
	if location := recorder.Header().Get("Location"); !strings.Contains(location, "error=access_denied") {
		t.Fatalf("expected error redirect, got %q", location)
	}
	if exchanges, _ := fixture.endpoint.calls(); exchanges != 0 {
		t.Fatalf("expected no token exchange, got %d", exchanges)
	}
	if fixture.metrics.Count("auth.callback.provider_error") != 1 {
		t.Fatalf("expected provider error counted")
	}
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	t.Parallel()
	fixture := newCodeFlowFixture(t, "refresh-1", nil)

	recorder := performRequest(fixture.router, http.MethodGet, "/auth/callback?code=VALIDCODE&state=forged", nil)
	if recorder.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", recorder.Code)
	}
	if location := recorder.Header().Get("Location"); !strings.Contains(location, "error=state_mismatch") {
		t.Fatalf("expected state mismatch redirect, got %q", location)
	}
	if exchanges, _ := fixture.endpoint.calls(); exchanges != 0 {
		t.Fatalf("expected no token exchange, got %d", exchanges)
	}
}

func TestCallbackWithoutCodeRedirectsWithError(t *testing.T) {
	t.Parallel()
	fixture := newCodeFlowFixture(t, "refresh-1", nil)

	state := fixture.beginAuth(t)
	recorder := performRequest(fixture.router, http.MethodGet, "/auth/callback?state="+url.QueryEscape(state), nil)
	if location := recorder.Header().Get("Location"); !strings.Contains(location, "error=missing_code") {
		t.Fatalf("expected missing code redirect, got %q", location)
	}
}

func TestAuthorizationLifecycleEndToEnd(t *testing.T) {
	t.Parallel()
	fixture := newCodeFlowFixture(t, "refresh-1", nil)

	state := fixture.beginAuth(t)
	callback := performRequest(fixture.router, http.MethodGet, "/auth/callback?code=VALIDCODE&state="+url.QueryEscape(state), nil)
	if callback.Code != http.StatusFound {
		t.Fatalf("expected 302 from callback, got %d", callback.Code)
	}
	location, _ := url.Parse(callback.Header().Get("Location"))
	if location.Query().Get("userId") != "sub-1" {
		t.Fatalf("expected userId on redirect, got %q", callback.Header().Get("Location"))
	}

	stored, getErr := fixture.store.Get(context.Background(), "sub-1")
	if getErr != nil {
		t.Fatalf("expected credential persisted: %v", getErr)
	}
	if stored.RefreshToken != "refresh-1" {
		t.Fatalf("expected refresh token stored, got %q", stored.RefreshToken)
	}

	created := performRequest(fixture.router, http.MethodPost, "/api/create-event", createEventBody("sub-1"))
	if created.Code != http.StatusOK {
		t.Fatalf("expected 200 from create-event, got %d: %s", created.Code, created.Body.String())
	}
	var createResponse struct {
		Message string `json:"message"`
		Event   Event  `json:"event"`
	}
	if decodeErr := json.Unmarshal(created.Body.Bytes(), &createResponse); decodeErr != nil {
		t.Fatalf("decode create response: %v", decodeErr)
	}
	if createResponse.Event.Summary != "Dentist" || createResponse.Event.ID != "evt-created" {
		t.Fatalf("unexpected created event: %+v", createResponse.Event)
	}
	if createResponse.Event.Start.IsZero() || createResponse.Event.End.IsZero() {
		t.Fatalf("expected start and end on created event: %+v", createResponse.Event)
	}

	listed := performRequest(fixture.router, http.MethodGet, "/api/recent-events?userId=sub-1", nil)
	if listed.Code != http.StatusOK {
		t.Fatalf("expected 200 from recent-events, got %d: %s", listed.Code, listed.Body.String())
	}
	var listResponse struct {
		Events []Event `json:"events"`
	}
	if decodeErr := json.Unmarshal(listed.Body.Bytes(), &listResponse); decodeErr != nil {
		t.Fatalf("decode list response: %v", decodeErr)
	}
	if len(listResponse.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(listResponse.Events))
	}

	// Every calendar call minted a fresh access token through the refresh grant.
	if _, refreshes := fixture.endpoint.calls(); refreshes < 2 {
		t.Fatalf("expected refresh-on-use for each calendar call, got %d refreshes", refreshes)
	}
	if fixture.metrics.Count("auth.callback.success") != 1 {
		t.Fatalf("expected callback success counted")
	}
}

func TestCallbackMintsSessionCookie(t *testing.T) {
	t.Parallel()
	fixture := newCodeFlowFixture(t, "refresh-1", []byte("signing-secret-1234567890"))

	state := fixture.beginAuth(t)
	callback := performRequest(fixture.router, http.MethodGet, "/auth/callback?code=VALIDCODE&state="+url.QueryEscape(state), nil)

	var sessionCookie *http.Cookie
	for _, cookie := range callback.Result().Cookies() {
		if cookie.Name == fixture.config.SessionCookieName {
			sessionCookie = cookie
		}
	}
	if sessionCookie == nil || sessionCookie.Value == "" {
		t.Fatalf("expected session cookie on callback response")
	}

	me := performRequest(fixture.router, http.MethodGet, "/api/me", nil, sessionCookie)
	if me.Code != http.StatusOK {
		t.Fatalf("expected 200 from /api/me, got %d", me.Code)
	}
	var meResponse struct {
		UserID    string `json:"user_id"`
		UserEmail string `json:"user_email"`
	}
	if decodeErr := json.Unmarshal(me.Body.Bytes(), &meResponse); decodeErr != nil {
		t.Fatalf("decode me response: %v", decodeErr)
	}
	if meResponse.UserID != "sub-1" || meResponse.UserEmail != "user@example.com" {
		t.Fatalf("unexpected session claims: %+v", meResponse)
	}

	anonymous := performRequest(fixture.router, http.MethodGet, "/api/me", nil)
	if anonymous.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session cookie, got %d", anonymous.Code)
	}
}

func TestCreateEventRequiresUserID(t *testing.T) {
	t.Parallel()
	fixture := newCodeFlowFixture(t, "refresh-1", nil)

	recorder := performRequest(fixture.router, http.MethodPost, "/api/create-event", createEventBody(""))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing userId, got %d", recorder.Code)
	}
	fixture.api.mutex.Lock()
	defer fixture.api.mutex.Unlock()
	if len(fixture.api.inserted) != 0 {
		t.Fatalf("expected no event created, got %d", len(fixture.api.inserted))
	}
}

func TestCreateEventRejectsMalformedBody(t *testing.T) {
	t.Parallel()
	fixture := newCodeFlowFixture(t, "refresh-1", nil)

	recorder := performRequest(fixture.router, http.MethodPost, "/api/create-event", []byte("{not json"))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", recorder.Code)
	}
}

func TestCreateEventUnknownUserRequiresReauthorization(t *testing.T) {
	t.Parallel()
	fixture := newCodeFlowFixture(t, "refresh-1", nil)

	recorder := performRequest(fixture.router, http.MethodPost, "/api/create-event", createEventBody("stranger"))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown user, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "Reauthorization required") {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}

func TestRecentEventsRequiresUserID(t *testing.T) {
	t.Parallel()
	fixture := newCodeFlowFixture(t, "refresh-1", nil)

	recorder := performRequest(fixture.router, http.MethodGet, "/api/recent-events", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without userId, got %d", recorder.Code)
	}
}

func TestRecentEventsUnknownUser(t *testing.T) {
	t.Parallel()
	fixture := newCodeFlowFixture(t, "refresh-1", nil)

	recorder := performRequest(fixture.router, http.MethodGet, "/api/recent-events?userId=stranger", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 before authorization, got %d", recorder.Code)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	fixture := newCodeFlowFixture(t, "refresh-1", nil)

	recorder := performRequest(fixture.router, http.MethodGet, "/healthz", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", recorder.Code)
	}
}

type implicitFlowFixture struct {
	router *gin.Engine
	api    *fakeCalendarAPI
}

func newImplicitFlowFixture(t *testing.T) *implicitFlowFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	api := newFakeCalendarAPI(t)
	staticTokens := NewStaticCredentialSource()

	config := ServerConfig{
		AppOrigin:     "http://localhost:5173",
		Flow:          AuthFlowImplicit,
		UpcomingLimit: 10,
	}
	router := gin.New()
	MountRoutes(router, config, RouterDeps{
		StaticTokens: staticTokens,
		Credentials:  staticTokens,
		Gateway:      newTestGateway(t, api),
		Logger:       zaptest.NewLogger(t),
		Metrics:      NewCounterMetrics(),
	})
	return &implicitFlowFixture{router: router, api: api}
}

func TestImplicitFlowRejectsMissingAccessToken(t *testing.T) {
	t.Parallel()
	fixture := newImplicitFlowFixture(t)

	recorder := performRequest(fixture.router, http.MethodPost, "/api/auth", []byte(`{}`))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing access_token, got %d", recorder.Code)
	}
}

func TestImplicitFlowLifecycle(t *testing.T) {
	t.Parallel()
	fixture := newImplicitFlowFixture(t)

	// Before any login the calendar surface refuses to guess.
	early := performRequest(fixture.router, http.MethodGet, "/api/recent-events", nil)
	if early.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 before login, got %d", early.Code)
	}
	earlyCreate := performRequest(fixture.router, http.MethodPost, "/api/create-event", createEventBody(""))
	if earlyCreate.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 before login, got %d", earlyCreate.Code)
	}

	login := performRequest(fixture.router, http.MethodPost, "/api/auth", []byte(`{"access_token":"browser-access"}`))
	if login.Code != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d", login.Code)
	}

	listed := performRequest(fixture.router, http.MethodGet, "/api/recent-events", nil)
	if listed.Code != http.StatusOK {
		t.Fatalf("expected 200 after login, got %d: %s", listed.Code, listed.Body.String())
	}

	created := performRequest(fixture.router, http.MethodPost, "/api/create-event", createEventBody(""))
	if created.Code != http.StatusOK {
		t.Fatalf("expected 200 from create-event, got %d: %s", created.Code, created.Body.String())
	}
}
