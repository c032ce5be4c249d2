package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/calman/internal/model"
	"github.com/hitoshi/calman/internal/repository"
	"golang.org/x/oauth2"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn           func(ctx context.Context, id string) (*model.User, error)
	findByUsernameFn     func(ctx context.Context, username string) (*model.User, error)
	findByEmailFn        func(ctx context.Context, email string) (*model.User, error)
	createFn             func(ctx context.Context, user *model.User) error
	createWithIdentityFn func(ctx context.Context, user *model.User, identity *model.Identity) error
	updateLastLoginFn    func(ctx context.Context, id string, at time.Time) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	if m.findByUsernameFn != nil {
		return m.findByUsernameFn(ctx, username)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockUserRepo) Create(ctx context.Context, user *model.User) error {
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	return nil
}

func (m *mockUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	if m.createWithIdentityFn != nil {
		return m.createWithIdentityFn(ctx, user, identity)
	}
	return nil
}

func (m *mockUserRepo) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	if m.updateLastLoginFn != nil {
		return m.updateLastLoginFn(ctx, id, at)
	}
	return nil
}

func (m *mockUserRepo) DeleteWithData(_ context.Context, _ string) error {
	return nil
}

type mockIdentityRepo struct {
	findByProviderFn func(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
	createFn         func(ctx context.Context, identity *model.Identity) error
}

func (m *mockIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	if m.findByProviderFn != nil {
		return m.findByProviderFn(ctx, provider, providerUserID)
	}
	return nil, nil
}

func (m *mockIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	if m.createFn != nil {
		return m.createFn(ctx, identity)
	}
	return nil
}

type mockAccountRepo struct {
	repository.CalendarAccountRepository
	upsertFn func(ctx context.Context, account *model.CalendarAccount) error
}

func (m *mockAccountRepo) Upsert(ctx context.Context, account *model.CalendarAccount) error {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, account)
	}
	return nil
}

type mockOAuthProvider struct {
	name           model.Provider
	getLoginURLFn  func(state string) string
	exchangeCodeFn func(ctx context.Context, code string) (*OAuthResult, error)
}

func (m *mockOAuthProvider) Name() model.Provider {
	return m.name
}

func (m *mockOAuthProvider) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return ""
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthResult, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return nil, nil
}

func (m *mockOAuthProvider) OAuth2Config() *oauth2.Config {
	return &oauth2.Config{}
}

type mockAccepter struct {
	acceptFn func(ctx context.Context, token, userID string) (*model.Invitation, error)
}

func (m *mockAccepter) Accept(ctx context.Context, token, userID string) (*model.Invitation, error) {
	if m.acceptFn != nil {
		return m.acceptFn(ctx, token, userID)
	}
	return &model.Invitation{}, nil
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.IdentityRepository = (*mockIdentityRepo)(nil)
var _ repository.CalendarAccountRepository = (*mockAccountRepo)(nil)
var _ OAuthProvider = (*mockOAuthProvider)(nil)
var _ InvitationAccepter = (*mockAccepter)(nil)

// --- ヘルパー ---

const testJWTSecret = "test-secret-key-for-session-tokens"

func newTestService(provider OAuthProvider, users *mockUserRepo, idents *mockIdentityRepo, accounts *mockAccountRepo, accepter InvitationAccepter) *Service {
	var providers []OAuthProvider
	if provider != nil {
		providers = append(providers, provider)
	}
	if users == nil {
		users = &mockUserRepo{}
	}
	if idents == nil {
		idents = &mockIdentityRepo{}
	}
	if accounts == nil {
		accounts = &mockAccountRepo{}
	}
	return NewService(providers, users, idents, accounts,
		NewPasswordHasher(4), NewSessionIssuer(testJWTSecret, time.Hour), accepter)
}

func googleResult(sub, email, name string) *OAuthResult {
	return &OAuthResult{
		UserInfo: &OAuthUserInfo{
			ProviderUserID: sub,
			Email:          email,
			EmailVerified:  true,
			Name:           name,
			Provider:       model.ProviderGoogle,
		},
		Token: &oauth2.Token{
			AccessToken:  "access-token",
			RefreshToken: "refresh-token",
			Expiry:       time.Now().Add(time.Hour),
		},
	}
}

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError with code %s, got %v", code, err)
	}
	if apiErr.Code != code {
		t.Errorf("error code = %q, want %q", apiErr.Code, code)
	}
}

// --- テスト ---

func TestGetLoginURL_ReturnsProviderURL(t *testing.T) {
	provider := &mockOAuthProvider{
		name: model.ProviderGoogle,
		getLoginURLFn: func(state string) string {
			return "https://accounts.google.com/o/oauth2/auth?state=" + state
		},
	}
	svc := newTestService(provider, nil, nil, nil, nil)

	url, err := svc.GetLoginURL(model.ProviderGoogle, "test-state")
	if err != nil {
		t.Fatalf("GetLoginURL() error = %v", err)
	}
	if url != "https://accounts.google.com/o/oauth2/auth?state=test-state" {
		t.Errorf("unexpected URL: %s", url)
	}
}

func TestGetLoginURL_UnsupportedProvider(t *testing.T) {
	svc := newTestService(nil, nil, nil, nil, nil)

	_, err := svc.GetLoginURL(model.ProviderMicrosoft, "state")
	assertAPIErrorCode(t, err, model.ErrCodeUnsupportedProvider)
}

func TestRegister_CreatesLocalUserAndIssuesSession(t *testing.T) {
	var created *model.User
	users := &mockUserRepo{
		createFn: func(_ context.Context, user *model.User) error {
			created = user
			return nil
		},
	}
	svc := newTestService(nil, users, nil, nil, nil)

	session, err := svc.Register(context.Background(), RegisterInput{
		Username: " alice ",
		Password: "password123",
		Email:    "alice@example.com",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if created == nil {
		t.Fatal("expected user to be created")
	}
	if created.Username != "alice" {
		t.Errorf("username = %q, want %q", created.Username, "alice")
	}
	if created.AuthProvider != model.AuthProviderLocal {
		t.Errorf("auth provider = %q, want local", created.AuthProvider)
	}
	if created.PasswordHash == "" || created.PasswordHash == "password123" {
		t.Error("password should be stored as a bcrypt hash")
	}
	if session.Token == "" {
		t.Error("expected a session token")
	}

	claims, err := NewSessionIssuer(testJWTSecret, time.Hour).Verify(session.Token)
	if err != nil {
		t.Fatalf("issued token should verify: %v", err)
	}
	if claims.Subject != created.ID {
		t.Errorf("subject = %q, want %q", claims.Subject, created.ID)
	}
}

func TestRegister_MissingFields(t *testing.T) {
	svc := newTestService(nil, nil, nil, nil, nil)

	tests := []struct {
		name  string
		input RegisterInput
	}{
		{"missing username", RegisterInput{Password: "pw"}},
		{"missing password", RegisterInput{Username: "bob"}},
		{"blank username", RegisterInput{Username: "   ", Password: "pw"}},
		{"invalid email", RegisterInput{Username: "bob", Password: "pw", Email: "not-an-email"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), tt.input)
			assertAPIErrorCode(t, err, model.ErrCodeValidation)
		})
	}
}

func TestRegister_UsernameTaken(t *testing.T) {
	users := &mockUserRepo{
		findByUsernameFn: func(_ context.Context, username string) (*model.User, error) {
			return &model.User{ID: "existing", Username: username}, nil
		},
	}
	svc := newTestService(nil, users, nil, nil, nil)

	_, err := svc.Register(context.Background(), RegisterInput{Username: "alice", Password: "pw"})
	assertAPIErrorCode(t, err, model.ErrCodeUsernameTaken)
}

func TestRegister_EmailRegistered(t *testing.T) {
	users := &mockUserRepo{
		findByEmailFn: func(_ context.Context, email string) (*model.User, error) {
			return &model.User{ID: "existing", Email: email}, nil
		},
	}
	svc := newTestService(nil, users, nil, nil, nil)

	_, err := svc.Register(context.Background(), RegisterInput{Username: "alice", Password: "pw", Email: "a@example.com"})
	assertAPIErrorCode(t, err, model.ErrCodeEmailRegistered)
}

func TestRegister_DuplicateOnInsertMapsToUsernameTaken(t *testing.T) {
	users := &mockUserRepo{
		createFn: func(_ context.Context, _ *model.User) error {
			return repository.ErrDuplicate
		},
	}
	svc := newTestService(nil, users, nil, nil, nil)

	_, err := svc.Register(context.Background(), RegisterInput{Username: "alice", Password: "pw"})
	assertAPIErrorCode(t, err, model.ErrCodeUsernameTaken)
}

func TestRegister_AcceptsInvitation(t *testing.T) {
	var acceptedToken, acceptedUser string
	accepter := &mockAccepter{
		acceptFn: func(_ context.Context, token, userID string) (*model.Invitation, error) {
			acceptedToken = token
			acceptedUser = userID
			return &model.Invitation{}, nil
		},
	}
	svc := newTestService(nil, nil, nil, nil, accepter)

	session, err := svc.Register(context.Background(), RegisterInput{
		Username:        "carol",
		Password:        "pw",
		InvitationToken: "invite-token",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if acceptedToken != "invite-token" {
		t.Errorf("accepted token = %q, want %q", acceptedToken, "invite-token")
	}
	if acceptedUser != session.User.ID {
		t.Errorf("accepted by = %q, want %q", acceptedUser, session.User.ID)
	}
}

func TestRegister_InvitationFailureDoesNotAbort(t *testing.T) {
	accepter := &mockAccepter{
		acceptFn: func(_ context.Context, _, _ string) (*model.Invitation, error) {
			return nil, model.NewInvitationExpiredError()
		},
	}
	svc := newTestService(nil, nil, nil, nil, accepter)

	session, err := svc.Register(context.Background(), RegisterInput{
		Username:        "dave",
		Password:        "pw",
		InvitationToken: "expired-token",
	})
	if err != nil {
		t.Fatalf("Register() should succeed even if invitation fails, got %v", err)
	}
	if session == nil || session.Token == "" {
		t.Error("expected session to be issued")
	}
}

func TestLogin_Success(t *testing.T) {
	hash, err := NewPasswordHasher(4).Hash("secret")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	var lastLoginUpdated bool
	users := &mockUserRepo{
		findByUsernameFn: func(_ context.Context, username string) (*model.User, error) {
			return &model.User{ID: "user-1", Username: username, PasswordHash: hash, IsActive: true}, nil
		},
		updateLastLoginFn: func(_ context.Context, id string, _ time.Time) error {
			lastLoginUpdated = id == "user-1"
			return nil
		},
	}
	svc := newTestService(nil, users, nil, nil, nil)

	session, err := svc.Login(context.Background(), "alice", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if session.User.ID != "user-1" {
		t.Errorf("user ID = %q, want %q", session.User.ID, "user-1")
	}
	if !lastLoginUpdated {
		t.Error("expected last login to be updated")
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	hash, _ := NewPasswordHasher(4).Hash("secret")

	tests := []struct {
		name string
		user *model.User
		pw   string
	}{
		{"unknown user", nil, "secret"},
		{"wrong password", &model.User{ID: "u", PasswordHash: hash, IsActive: true}, "wrong"},
		{"oauth only user", &model.User{ID: "u", IsActive: true}, "secret"},
		{"inactive user", &model.User{ID: "u", PasswordHash: hash, IsActive: false}, "secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := &mockUserRepo{
				findByUsernameFn: func(_ context.Context, _ string) (*model.User, error) {
					return tt.user, nil
				},
			}
			svc := newTestService(nil, users, nil, nil, nil)

			_, err := svc.Login(context.Background(), "alice", tt.pw)
			assertAPIErrorCode(t, err, model.ErrCodeInvalidCredentials)
		})
	}
}

func TestHandleCallback_NewUser_CreatesUserIdentityAndAccount(t *testing.T) {
	provider := &mockOAuthProvider{
		name: model.ProviderGoogle,
		exchangeCodeFn: func(_ context.Context, code string) (*OAuthResult, error) {
			if code != "auth-code" {
				t.Errorf("code = %q, want %q", code, "auth-code")
			}
			return googleResult("google-123", "Alice.Smith@example.com", "Alice"), nil
		},
	}

	var createdUser *model.User
	var createdIdentity *model.Identity
	users := &mockUserRepo{
		createWithIdentityFn: func(_ context.Context, user *model.User, identity *model.Identity) error {
			createdUser = user
			createdIdentity = identity
			return nil
		},
	}
	var saved *model.CalendarAccount
	accounts := &mockAccountRepo{
		upsertFn: func(_ context.Context, account *model.CalendarAccount) error {
			saved = account
			return nil
		},
	}
	svc := newTestService(provider, users, nil, accounts, nil)

	result, err := svc.HandleCallback(context.Background(), model.ProviderGoogle, "auth-code", "")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}

	if createdUser == nil || createdIdentity == nil {
		t.Fatal("expected user and identity to be created")
	}
	if createdUser.Username != "alice.smith" {
		t.Errorf("username = %q, want %q", createdUser.Username, "alice.smith")
	}
	if createdUser.AuthProvider != model.AuthProviderGoogle {
		t.Errorf("auth provider = %q, want google", createdUser.AuthProvider)
	}
	if createdIdentity.UserID != createdUser.ID {
		t.Error("identity should reference the created user")
	}
	if saved == nil {
		t.Fatal("expected calendar account to be saved")
	}
	if saved.UserID != createdUser.ID || saved.RefreshToken != "refresh-token" {
		t.Errorf("unexpected saved account: %+v", saved)
	}
	if saved.ExpiresAt == nil {
		t.Error("expected expires_at to be set")
	}
	if result.Linked {
		t.Error("expected Linked=false for a login callback")
	}
	if result.Session.Token == "" {
		t.Error("expected session token")
	}
}

func TestHandleCallback_ExistingIdentity_LogsIn(t *testing.T) {
	provider := &mockOAuthProvider{
		name: model.ProviderGoogle,
		exchangeCodeFn: func(_ context.Context, _ string) (*OAuthResult, error) {
			return googleResult("google-123", "alice@example.com", "Alice"), nil
		},
	}
	idents := &mockIdentityRepo{
		findByProviderFn: func(_ context.Context, provider, providerUserID string) (*model.Identity, error) {
			if provider != "google" || providerUserID != "google-123" {
				t.Errorf("unexpected lookup: %s/%s", provider, providerUserID)
			}
			return &model.Identity{UserID: "user-1"}, nil
		},
	}
	createCalled := false
	users := &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, Username: "alice", IsActive: true}, nil
		},
		createWithIdentityFn: func(_ context.Context, _ *model.User, _ *model.Identity) error {
			createCalled = true
			return nil
		},
	}
	svc := newTestService(provider, users, idents, nil, nil)

	result, err := svc.HandleCallback(context.Background(), model.ProviderGoogle, "code", "")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if createCalled {
		t.Error("should not create user for an existing identity")
	}
	if result.Session.User.ID != "user-1" {
		t.Errorf("user ID = %q, want %q", result.Session.User.ID, "user-1")
	}
}

func TestHandleCallback_ExistingEmail_LinksIdentity(t *testing.T) {
	provider := &mockOAuthProvider{
		name: model.ProviderGoogle,
		exchangeCodeFn: func(_ context.Context, _ string) (*OAuthResult, error) {
			return googleResult("google-456", "bob@example.com", "Bob"), nil
		},
	}
	var linked *model.Identity
	idents := &mockIdentityRepo{
		createFn: func(_ context.Context, identity *model.Identity) error {
			linked = identity
			return nil
		},
	}
	users := &mockUserRepo{
		findByEmailFn: func(_ context.Context, _ string) (*model.User, error) {
			return &model.User{ID: "user-bob", Username: "bob", IsActive: true}, nil
		},
	}
	svc := newTestService(provider, users, idents, nil, nil)

	result, err := svc.HandleCallback(context.Background(), model.ProviderGoogle, "code", "")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if linked == nil || linked.UserID != "user-bob" {
		t.Fatalf("expected identity linked to user-bob, got %+v", linked)
	}
	if result.Account.UserID != "user-bob" {
		t.Errorf("account owner = %q, want %q", result.Account.UserID, "user-bob")
	}
}

func TestHandleCallback_UnverifiedEmail_DoesNotLinkExistingUser(t *testing.T) {
	tests := []struct {
		name   string
		result *OAuthResult
	}{
		{
			name: "Microsoft（テナント管理者が設定できるメール）",
			result: func() *OAuthResult {
				r := googleResult("ms-attacker-oid", "victim@example.com", "Victim")
				r.UserInfo.Provider = model.ProviderMicrosoft
				r.UserInfo.EmailVerified = false
				return r
			}(),
		},
		{
			name: "Google（email_verified=false）",
			result: func() *OAuthResult {
				r := googleResult("google-unverified", "victim@example.com", "Victim")
				r.UserInfo.EmailVerified = false
				return r
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &mockOAuthProvider{
				name: tt.result.UserInfo.Provider,
				exchangeCodeFn: func(_ context.Context, _ string) (*OAuthResult, error) {
					return tt.result, nil
				},
			}
			identCreated := false
			idents := &mockIdentityRepo{
				createFn: func(_ context.Context, _ *model.Identity) error {
					identCreated = true
					return nil
				},
			}
			users := &mockUserRepo{
				findByEmailFn: func(_ context.Context, _ string) (*model.User, error) {
					return &model.User{ID: "victim-local", Username: "victim", IsActive: true}, nil
				},
			}
			svc := newTestService(provider, users, idents, nil, nil)

			result, err := svc.HandleCallback(context.Background(), tt.result.UserInfo.Provider, "code", "")
			if result != nil {
				t.Fatalf("expected no session, got one for %q", result.Session.User.ID)
			}
			assertAPIErrorCode(t, err, model.ErrCodeEmailRegistered)
			if identCreated {
				t.Error("identity must not be linked by unverified email")
			}
		})
	}
}

func TestHandleCallback_UnverifiedEmail_NewUserWithoutEmail(t *testing.T) {
	r := googleResult("ms-new-oid", "someone@contoso.com", "Someone")
	r.UserInfo.Provider = model.ProviderMicrosoft
	r.UserInfo.EmailVerified = false
	provider := &mockOAuthProvider{
		name: model.ProviderMicrosoft,
		exchangeCodeFn: func(_ context.Context, _ string) (*OAuthResult, error) {
			return r, nil
		},
	}
	var created *model.User
	users := &mockUserRepo{
		createWithIdentityFn: func(_ context.Context, user *model.User, _ *model.Identity) error {
			created = user
			return nil
		},
	}
	svc := newTestService(provider, users, nil, nil, nil)

	if _, err := svc.HandleCallback(context.Background(), model.ProviderMicrosoft, "code", ""); err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if created == nil {
		t.Fatal("expected a new user to be created")
	}
	if created.Email != "" {
		t.Errorf("user email = %q, unverified email should not be stored", created.Email)
	}
	if created.Username != "someone" {
		t.Errorf("username = %q, want %q", created.Username, "someone")
	}
}

func TestHandleCallback_CurrentUser_ConnectsAdditionalAccount(t *testing.T) {
	provider := &mockOAuthProvider{
		name: model.ProviderGoogle,
		exchangeCodeFn: func(_ context.Context, _ string) (*OAuthResult, error) {
			return googleResult("google-999", "work@example.com", "Work"), nil
		},
	}
	identLookup := false
	idents := &mockIdentityRepo{
		findByProviderFn: func(_ context.Context, _, _ string) (*model.Identity, error) {
			identLookup = true
			return nil, nil
		},
	}
	users := &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, Username: "alice", IsActive: true}, nil
		},
	}
	svc := newTestService(provider, users, idents, nil, nil)

	result, err := svc.HandleCallback(context.Background(), model.ProviderGoogle, "code", "user-1")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if identLookup {
		t.Error("identity lookup should be skipped when connecting to the current user")
	}
	if !result.Linked {
		t.Error("expected Linked=true")
	}
	if result.Account.UserID != "user-1" || result.Account.Email != "work@example.com" {
		t.Errorf("unexpected account: %+v", result.Account)
	}
}

func TestHandleCallback_OAuthError_ReturnsError(t *testing.T) {
	provider := &mockOAuthProvider{
		name: model.ProviderGoogle,
		exchangeCodeFn: func(_ context.Context, _ string) (*OAuthResult, error) {
			return nil, errors.New("invalid code")
		},
	}
	svc := newTestService(provider, nil, nil, nil, nil)

	if _, err := svc.HandleCallback(context.Background(), model.ProviderGoogle, "bad", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestHandleCallback_UsernameDeduplicated(t *testing.T) {
	provider := &mockOAuthProvider{
		name: model.ProviderGoogle,
		exchangeCodeFn: func(_ context.Context, _ string) (*OAuthResult, error) {
			return googleResult("g-1", "alice@example.com", "Alice"), nil
		},
	}
	var createdUser *model.User
	users := &mockUserRepo{
		findByUsernameFn: func(_ context.Context, username string) (*model.User, error) {
			if username == "alice" || username == "alice2" {
				return &model.User{ID: "taken"}, nil
			}
			return nil, nil
		},
		createWithIdentityFn: func(_ context.Context, user *model.User, _ *model.Identity) error {
			createdUser = user
			return nil
		},
	}
	svc := newTestService(provider, users, nil, nil, nil)

	if _, err := svc.HandleCallback(context.Background(), model.ProviderGoogle, "code", ""); err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if createdUser.Username != "alice3" {
		t.Errorf("username = %q, want %q", createdUser.Username, "alice3")
	}
}

func TestGetCurrentUser(t *testing.T) {
	users := &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			if id == "user-1" {
				return &model.User{ID: id, IsActive: true}, nil
			}
			return nil, nil
		},
	}
	svc := newTestService(nil, users, nil, nil, nil)

	user, err := svc.GetCurrentUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetCurrentUser() error = %v", err)
	}
	if user.ID != "user-1" {
		t.Errorf("user ID = %q, want %q", user.ID, "user-1")
	}

	_, err = svc.GetCurrentUser(context.Background(), "missing")
	assertAPIErrorCode(t, err, model.ErrCodeUserNotFound)
}

func TestUsernameFromEmail(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"alice@example.com", "alice"},
		{"Alice.Smith+cal@example.com", "alice.smithcal"},
		{"@example.com", "user"},
		{"日本語@example.com", "user"},
	}
	for _, tt := range tests {
		if got := usernameFromEmail(tt.email); got != tt.want {
			t.Errorf("usernameFromEmail(%q) = %q, want %q", tt.email, got, tt.want)
		}
	}
}
