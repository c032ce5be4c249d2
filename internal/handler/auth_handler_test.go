package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/calman/internal/auth"
	"github.com/hitoshi/calman/internal/middleware"
	"github.com/hitoshi/calman/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	registerFn       func(ctx context.Context, in auth.RegisterInput) (*auth.Session, error)
	loginFn          func(ctx context.Context, username, password string) (*auth.Session, error)
	getLoginURLFn    func(provider model.Provider, state string) (string, error)
	handleCallbackFn func(ctx context.Context, provider model.Provider, code, currentUserID string) (*auth.CallbackResult, error)
	getCurrentUserFn func(ctx context.Context, userID string) (*model.User, error)
}

func (m *mockAuthService) Register(ctx context.Context, in auth.RegisterInput) (*auth.Session, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, in)
	}
	return nil, nil
}

func (m *mockAuthService) Login(ctx context.Context, username, password string) (*auth.Session, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, username, password)
	}
	return nil, nil
}

func (m *mockAuthService) GetLoginURL(provider model.Provider, state string) (string, error) {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(provider, state)
	}
	return "", nil
}

func (m *mockAuthService) HandleCallback(ctx context.Context, provider model.Provider, code, currentUserID string) (*auth.CallbackResult, error) {
	if m.handleCallbackFn != nil {
		return m.handleCallbackFn(ctx, provider, code, currentUserID)
	}
	return nil, nil
}

func (m *mockAuthService) GetCurrentUser(ctx context.Context, userID string) (*model.User, error) {
	if m.getCurrentUserFn != nil {
		return m.getCurrentUserFn(ctx, userID)
	}
	return nil, nil
}

// --- テストヘルパー ---

var testAuthConfig = AuthHandlerConfig{
	BaseURL:       "http://localhost:3000",
	CookieSecure:  false,
	SessionMaxAge: 604800,
}

func testSession(userID string) *auth.Session {
	return &auth.Session{
		Token:     "jwt-" + userID,
		ExpiresAt: time.Now().Add(time.Hour),
		User:      &model.User{ID: userID, Username: "alice", Email: "alice@example.com"},
	}
}

func findResponseCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// callbackRequest はstate Cookieと一致するstateを持つコールバックリクエストを生成する。
func callbackRequest(provider, query string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/auth/"+provider+"/callback?"+query, nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "state-1"})
	return withChiURLParam(req, "provider", provider)
}

// --- POST /auth/register ---

func TestAuthHandler_Register_Success_SetsCookie(t *testing.T) {
	var got auth.RegisterInput
	svc := &mockAuthService{
		registerFn: func(ctx context.Context, in auth.RegisterInput) (*auth.Session, error) {
			got = in
			return testSession("user-1"), nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig)

	w := httptest.NewRecorder()
	h.Register(w, jsonRequest(http.MethodPost, "/auth/register",
		`{"username":"alice","password":"secret123","email":"alice@example.com","invitationToken":"tok-1"}`))

	resp := w.Result()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if got.Username != "alice" || got.Password != "secret123" || got.InvitationToken != "tok-1" {
		t.Errorf("unexpected register input: %+v", got)
	}

	cookie := findResponseCookie(resp, middleware.SessionCookieName)
	if cookie == nil {
		t.Fatal("session cookie not set")
	}
	if cookie.Value != "jwt-user-1" {
		t.Errorf("cookie value = %q, want jwt-user-1", cookie.Value)
	}
	if !cookie.HttpOnly {
		t.Error("session cookie should be HttpOnly")
	}
	if cookie.MaxAge != 604800 {
		t.Errorf("cookie MaxAge = %d, want 604800", cookie.MaxAge)
	}

	var body sessionResponse
	decodeBody(t, w, &body)
	if body.User.ID != "user-1" {
		t.Errorf("user id = %q, want user-1", body.User.ID)
	}
}

func TestAuthHandler_Register_UsernameTaken_ReturnsConflict(t *testing.T) {
	svc := &mockAuthService{
		registerFn: func(ctx context.Context, in auth.RegisterInput) (*auth.Session, error) {
			return nil, model.NewUsernameTakenError()
		},
	}
	h := NewAuthHandler(svc, testAuthConfig)

	w := httptest.NewRecorder()
	h.Register(w, jsonRequest(http.MethodPost, "/auth/register", `{"username":"alice","password":"secret123"}`))

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if findResponseCookie(w.Result(), middleware.SessionCookieName) != nil {
		t.Error("session cookie should not be set on failure")
	}
}

func TestAuthHandler_Register_InvalidJSON_ReturnsBadRequest(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, testAuthConfig)

	w := httptest.NewRecorder()
	h.Register(w, jsonRequest(http.MethodPost, "/auth/register", `{`))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// --- POST /auth/login ---

func TestAuthHandler_Login_Success(t *testing.T) {
	svc := &mockAuthService{
		loginFn: func(ctx context.Context, username, password string) (*auth.Session, error) {
			if username != "alice" || password != "secret123" {
				t.Errorf("unexpected credentials %q/%q", username, password)
			}
			return testSession("user-1"), nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig)

	w := httptest.NewRecorder()
	h.Login(w, jsonRequest(http.MethodPost, "/auth/login", `{"username":"alice","password":"secret123"}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if findResponseCookie(w.Result(), middleware.SessionCookieName) == nil {
		t.Error("session cookie not set")
	}
}

func TestAuthHandler_Login_InvalidCredentials_ReturnsUnauthorized(t *testing.T) {
	svc := &mockAuthService{
		loginFn: func(ctx context.Context, username, password string) (*auth.Session, error) {
			return nil, model.NewInvalidCredentialsError()
		},
	}
	h := NewAuthHandler(svc, testAuthConfig)

	w := httptest.NewRecorder()
	h.Login(w, jsonRequest(http.MethodPost, "/auth/login", `{"username":"alice","password":"wrong"}`))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	body := parseAPIErrorResponse(t, w)
	if body.Code != model.ErrCodeInvalidCredentials {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidCredentials)
	}
}

// --- POST /auth/logout ---

func TestAuthHandler_Logout_ClearsCookie(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, testAuthConfig)

	w := httptest.NewRecorder()
	h.Logout(w, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	cookie := findResponseCookie(w.Result(), middleware.SessionCookieName)
	if cookie == nil {
		t.Fatal("expected cookie clearing header")
	}
	if cookie.MaxAge >= 0 {
		t.Errorf("cookie MaxAge = %d, want negative", cookie.MaxAge)
	}
}

// --- GET /auth/me ---

func TestAuthHandler_Me_Authenticated_ReturnsUser(t *testing.T) {
	svc := &mockAuthService{
		getCurrentUserFn: func(ctx context.Context, userID string) (*model.User, error) {
			return &model.User{ID: userID, Username: "alice", Email: "alice@example.com", AuthProvider: model.AuthProviderLocal}, nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig)

	w := httptest.NewRecorder()
	h.Me(w, withUserID(httptest.NewRequest(http.MethodGet, "/auth/me", nil), "user-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body userResponse
	decodeBody(t, w, &body)
	if body.ID != "user-1" || body.Username != "alice" {
		t.Errorf("unexpected user: %+v", body)
	}
	if body.Name != "alice" {
		t.Errorf("name = %q, want display name fallback to username", body.Name)
	}
}

func TestAuthHandler_Me_NoUser_ReturnsUnauthorized(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, testAuthConfig)

	w := httptest.NewRecorder()
	h.Me(w, httptest.NewRequest(http.MethodGet, "/auth/me", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// --- GET /auth/{provider}/login ---

func TestAuthHandler_OAuthLogin_RedirectsWithState(t *testing.T) {
	var gotProvider model.Provider
	svc := &mockAuthService{
		getLoginURLFn: func(provider model.Provider, state string) (string, error) {
			gotProvider = provider
			return "https://login.microsoftonline.com/common/oauth2/v2.0/authorize?state=" + state, nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig)

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/auth/microsoft/login", nil), "provider", "microsoft")
	w := httptest.NewRecorder()
	h.OAuthLogin(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	if gotProvider != model.ProviderMicrosoft {
		t.Errorf("provider = %q, want microsoft", gotProvider)
	}

	stateCookie := findResponseCookie(resp, oauthStateCookie)
	if stateCookie == nil || stateCookie.Value == "" {
		t.Fatal("oauth state cookie not set")
	}
	if !strings.Contains(resp.Header.Get("Location"), "state="+stateCookie.Value) {
		t.Errorf("Location %q does not carry state cookie value", resp.Header.Get("Location"))
	}
}

func TestAuthHandler_OAuthLogin_UnsupportedProvider(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, testAuthConfig)

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/auth/apple/login", nil), "provider", "apple")
	w := httptest.NewRecorder()
	h.OAuthLogin(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if body := parseAPIErrorResponse(t, w); body.Code != model.ErrCodeUnsupportedProvider {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnsupportedProvider)
	}
}

func TestAuthHandler_OAuthLogin_ProviderDisabled(t *testing.T) {
	svc := &mockAuthService{
		getLoginURLFn: func(provider model.Provider, state string) (string, error) {
			return "", model.NewUnsupportedProviderError(string(provider))
		},
	}
	h := NewAuthHandler(svc, testAuthConfig)

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/auth/google/login", nil), "provider", "google")
	w := httptest.NewRecorder()
	h.OAuthLogin(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if findResponseCookie(w.Result(), oauthStateCookie) != nil {
		t.Error("state cookie should not be set when the provider is disabled")
	}
}

// --- GET /auth/{provider}/callback ---

func TestAuthHandler_OAuthCallback_Login_SetsCookieAndRedirects(t *testing.T) {
	svc := &mockAuthService{
		handleCallbackFn: func(ctx context.Context, provider model.Provider, code, currentUserID string) (*auth.CallbackResult, error) {
			if provider != model.ProviderGoogle || code != "code-1" {
				t.Errorf("unexpected callback args %q %q", provider, code)
			}
			if currentUserID != "" {
				t.Errorf("currentUserID = %q, want empty", currentUserID)
			}
			return &auth.CallbackResult{Session: testSession("user-1")}, nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig)

	w := httptest.NewRecorder()
	h.OAuthCallback(w, callbackRequest("google", "code=code-1&state=state-1"))

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	if loc := resp.Header.Get("Location"); loc != "http://localhost:3000/?auth_success=true" {
		t.Errorf("Location = %q", loc)
	}
	cookie := findResponseCookie(resp, middleware.SessionCookieName)
	if cookie == nil || cookie.Value != "jwt-user-1" {
		t.Fatalf("session cookie = %+v", cookie)
	}
	if state := findResponseCookie(resp, oauthStateCookie); state == nil || state.MaxAge >= 0 {
		t.Error("state cookie should be cleared")
	}
}

func TestAuthHandler_OAuthCallback_LoggedIn_LinksAccount(t *testing.T) {
	svc := &mockAuthService{
		handleCallbackFn: func(ctx context.Context, provider model.Provider, code, currentUserID string) (*auth.CallbackResult, error) {
			if currentUserID != "user-1" {
				t.Errorf("currentUserID = %q, want user-1", currentUserID)
			}
			return &auth.CallbackResult{
				Session: testSession("user-1"),
				Account: &model.CalendarAccount{ID: "acct-2", Provider: provider},
				Linked:  true,
			}, nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig)

	w := httptest.NewRecorder()
	h.OAuthCallback(w, withUserID(callbackRequest("microsoft", "code=code-1&state=state-1"), "user-1"))

	if loc := w.Result().Header.Get("Location"); loc != "http://localhost:3000/?account_connected=microsoft" {
		t.Errorf("Location = %q", loc)
	}
}

func TestAuthHandler_OAuthCallback_ErrorRedirects(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		stateCookie bool
		wantMessage string
		wantDetails string
	}{
		{
			name:        "プロバイダのエラー",
			query:       "error=access_denied&error_description=user+denied",
			stateCookie: true,
			wantMessage: "auth_error",
			wantDetails: "user denied",
		},
		{
			name:        "state不一致",
			query:       "code=code-1&state=other",
			stateCookie: true,
			wantMessage: "invalid_state",
		},
		{
			name:        "stateCookieなし",
			query:       "code=code-1&state=state-1",
			wantMessage: "invalid_state",
		},
		{
			name:        "認可コードなし",
			query:       "state=state-1",
			stateCookie: true,
			wantMessage: "no_code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			svc := &mockAuthService{
				handleCallbackFn: func(ctx context.Context, provider model.Provider, code, currentUserID string) (*auth.CallbackResult, error) {
					called = true
					return nil, nil
				},
			}
			h := NewAuthHandler(svc, testAuthConfig)

			req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?"+tt.query, nil)
			if tt.stateCookie {
				req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "state-1"})
			}
			req = withChiURLParam(req, "provider", "google")

			w := httptest.NewRecorder()
			h.OAuthCallback(w, req)

			if called {
				t.Error("HandleCallback should not be called")
			}
			if w.Code != http.StatusTemporaryRedirect {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusTemporaryRedirect)
			}
			loc, err := url.Parse(w.Result().Header.Get("Location"))
			if err != nil {
				t.Fatalf("invalid Location: %v", err)
			}
			if loc.Path != "/error" {
				t.Errorf("path = %q, want /error", loc.Path)
			}
			q := loc.Query()
			if q.Get("source") != "google" || q.Get("message") != tt.wantMessage {
				t.Errorf("query = %v, want source=google message=%s", q, tt.wantMessage)
			}
			if q.Get("details") != tt.wantDetails {
				t.Errorf("details = %q, want %q", q.Get("details"), tt.wantDetails)
			}
		})
	}
}

func TestAuthHandler_OAuthCallback_EmailRegistered_Redirects(t *testing.T) {
	svc := &mockAuthService{
		handleCallbackFn: func(ctx context.Context, provider model.Provider, code, currentUserID string) (*auth.CallbackResult, error) {
			return nil, model.NewEmailRegisteredError("victim@example.com")
		},
	}
	h := NewAuthHandler(svc, testAuthConfig)

	w := httptest.NewRecorder()
	h.OAuthCallback(w, callbackRequest("microsoft", "code=code-1&state=state-1"))

	loc := w.Result().Header.Get("Location")
	if !strings.Contains(loc, "message=email_registered") {
		t.Errorf("Location = %q, want email_registered", loc)
	}
	if findResponseCookie(w.Result(), middleware.SessionCookieName) != nil {
		t.Error("session cookie should not be set")
	}
}

func TestAuthHandler_OAuthCallback_ServiceError_HidesDetails(t *testing.T) {
	svc := &mockAuthService{
		handleCallbackFn: func(ctx context.Context, provider model.Provider, code, currentUserID string) (*auth.CallbackResult, error) {
			return nil, errors.New("token exchange failed: secret detail")
		},
	}
	h := NewAuthHandler(svc, testAuthConfig)

	w := httptest.NewRecorder()
	h.OAuthCallback(w, callbackRequest("google", "code=code-1&state=state-1"))

	loc := w.Result().Header.Get("Location")
	if !strings.Contains(loc, "message=auth_error") {
		t.Errorf("Location = %q, want auth_error", loc)
	}
	if strings.Contains(loc, "secret") {
		t.Errorf("Location leaks internal error: %q", loc)
	}
	if findResponseCookie(w.Result(), middleware.SessionCookieName) != nil {
		t.Error("session cookie should not be set on failure")
	}
}
