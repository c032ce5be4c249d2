// Package auth はローカル認証、OAuth認証フロー、セッショントークンの発行を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hitoshi/calman/internal/model"
	"github.com/hitoshi/calman/internal/repository"
)

const (
	maxUsernameLength = 50
	maxUsernameTries  = 100
)

// defaultAccountColors は新規接続アカウントの既定色。
var defaultAccountColors = map[model.Provider]string{
	model.ProviderGoogle:    "#4285F4",
	model.ProviderMicrosoft: "#0078D4",
}

// InvitationAccepter は登録時に招待を受諾するためのインターフェース。
type InvitationAccepter interface {
	Accept(ctx context.Context, token, userID string) (*model.Invitation, error)
}

// Session は発行したセッショントークンとその所有者。
type Session struct {
	Token     string
	ExpiresAt time.Time
	User      *model.User
}

// CallbackResult はOAuthコールバックの処理結果。
type CallbackResult struct {
	Session *Session
	Account *model.CalendarAccount
	// Linked はログイン中のユーザーに追加アカウントとして接続した場合にtrue。
	Linked bool
}

// RegisterInput はローカル登録の入力。
type RegisterInput struct {
	Username        string
	Password        string
	Email           string
	Name            string
	InvitationToken string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	providers   map[model.Provider]OAuthProvider
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	accountRepo repository.CalendarAccountRepository
	hasher      *PasswordHasher
	issuer      *SessionIssuer
	invitations InvitationAccepter
	now         func() time.Time
}

// NewService はServiceを生成する。invitationsはnilでもよい。
func NewService(
	providers []OAuthProvider,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	accountRepo repository.CalendarAccountRepository,
	hasher *PasswordHasher,
	issuer *SessionIssuer,
	invitations InvitationAccepter,
) *Service {
	byName := make(map[model.Provider]OAuthProvider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Service{
		providers:   byName,
		userRepo:    userRepo,
		identRepo:   identRepo,
		accountRepo: accountRepo,
		hasher:      hasher,
		issuer:      issuer,
		invitations: invitations,
		now:         time.Now,
	}
}

// Provider は有効化されたOAuthプロバイダを返す。
func (s *Service) Provider(name model.Provider) (OAuthProvider, bool) {
	p, ok := s.providers[name]
	return p, ok
}

// Register はローカル認証ユーザーを作成し、セッションを発行する。
// 招待トークンが指定された場合は作成したユーザーで招待を受諾する。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	username := strings.TrimSpace(in.Username)
	email := strings.TrimSpace(in.Email)

	if username == "" || in.Password == "" {
		return nil, model.NewValidationError("ユーザー名とパスワードは必須です")
	}
	if utf8.RuneCountInString(username) > maxUsernameLength {
		return nil, model.NewValidationError("ユーザー名は50文字以内で入力してください")
	}
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return nil, model.NewValidationError("メールアドレスの形式が正しくありません")
		}
	}

	existing, err := s.userRepo.FindByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by username: %w", err)
	}
	if existing != nil {
		return nil, model.NewUsernameTakenError()
	}
	if email != "" {
		byEmail, err := s.userRepo.FindByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("failed to find user by email: %w", err)
		}
		if byEmail != nil {
			return nil, model.NewEmailRegisteredError(email)
		}
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		if errors.Is(err, ErrPasswordTooLong) {
			return nil, model.NewValidationError("パスワードは72バイト以内で入力してください")
		}
		return nil, err
	}

	now := s.now()
	user := &model.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		Name:         strings.TrimSpace(in.Name),
		PasswordHash: hash,
		AuthProvider: model.AuthProviderLocal,
		IsActive:     true,
		LastLoginAt:  &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewUsernameTakenError()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("user registered",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username),
	)

	if in.InvitationToken != "" && s.invitations != nil {
		if _, err := s.invitations.Accept(ctx, in.InvitationToken, user.ID); err != nil {
			// 招待の失敗で登録は取り消さない
			slog.Warn("failed to accept invitation on register",
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return s.issueSession(user)
}

// Login はユーザー名とパスワードで認証し、セッションを発行する。
// ユーザーが存在しない場合とパスワード不一致の場合は同じエラーを返す。
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, model.NewValidationError("ユーザー名とパスワードは必須です")
	}

	user, err := s.userRepo.FindByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || !user.IsActive || !s.hasher.Verify(user.PasswordHash, password) {
		return nil, model.NewInvalidCredentialsError()
	}

	now := s.now()
	if err := s.userRepo.UpdateLastLogin(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("failed to update last login: %w", err)
	}
	user.LastLoginAt = &now

	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("provider", string(model.AuthProviderLocal)),
	)
	return s.issueSession(user)
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(provider model.Provider, state string) (string, error) {
	p, ok := s.providers[provider]
	if !ok {
		return "", model.NewUnsupportedProviderError(string(provider))
	}
	return p.GetLoginURL(state), nil
}

// HandleCallback はOAuthコールバックを処理する。
// currentUserIDが指定されている場合は、そのユーザーの追加カレンダーアカウントとして接続する。
// それ以外はidentity、メールアドレスの順で既存ユーザーを特定し、見つからなければ作成する。
// いずれの場合も取得したトークンでカレンダーアカウントを作成または更新する。
func (s *Service) HandleCallback(ctx context.Context, provider model.Provider, code, currentUserID string) (*CallbackResult, error) {
	p, ok := s.providers[provider]
	if !ok {
		return nil, model.NewUnsupportedProviderError(string(provider))
	}

	result, err := p.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}
	info := result.UserInfo

	var user *model.User
	linked := currentUserID != ""
	if linked {
		user, err = s.userRepo.FindByID(ctx, currentUserID)
		if err != nil {
			return nil, fmt.Errorf("failed to find current user: %w", err)
		}
		if user == nil {
			return nil, model.NewUserNotFoundError()
		}
	} else {
		user, err = s.resolveOAuthUser(ctx, info)
		if err != nil {
			return nil, err
		}
	}

	now := s.now()
	expiresAt := result.Token.Expiry
	account := &model.CalendarAccount{
		ID:              uuid.New().String(),
		UserID:          user.ID,
		Provider:        info.Provider,
		Email:           info.Email,
		Name:            info.Email,
		Color:           defaultAccountColors[info.Provider],
		AccessToken:     result.Token.AccessToken,
		RefreshToken:    result.Token.RefreshToken,
		ExpiresAt:       &expiresAt,
		LastRefreshedAt: &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.accountRepo.Upsert(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to save calendar account: %w", err)
	}

	if err := s.userRepo.UpdateLastLogin(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("failed to update last login: %w", err)
	}
	user.LastLoginAt = &now

	slog.Info("calendar account connected",
		slog.String("user_id", user.ID),
		slog.String("account_id", account.ID),
		slog.String("provider", string(info.Provider)),
		slog.Bool("linked", linked),
	)

	session, err := s.issueSession(user)
	if err != nil {
		return nil, err
	}
	return &CallbackResult{Session: session, Account: account, Linked: linked}, nil
}

// GetCurrentUser はユーザーIDから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, model.NewUserNotFoundError()
	}
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || !user.IsActive {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// VerifySession はセッショントークンを検証し、ユーザーIDを返す。
func (s *Service) VerifySession(token string) (string, error) {
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// resolveOAuthUser はOAuthユーザー情報から既存ユーザーを特定し、いなければ作成する。
func (s *Service) resolveOAuthUser(ctx context.Context, info *OAuthUserInfo) (*model.User, error) {
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, string(info.Provider), info.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity != nil {
		user, err := s.userRepo.FindByID(ctx, identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to find user: %w", err)
		}
		if user == nil {
			return nil, model.NewUserNotFoundError()
		}
		return user, nil
	}

	now := s.now()
	newIdentity := &model.Identity{
		ID:             uuid.New().String(),
		Provider:       string(info.Provider),
		ProviderUserID: info.ProviderUserID,
		CreatedAt:      now,
	}

	// 同じメールアドレスのユーザーがいればidentityを紐付ける。
	// 紐付けはプロバイダがメールを検証済みと示した場合に限る。
	user, err := s.userRepo.FindByEmail(ctx, info.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if user != nil {
		if !info.EmailVerified {
			slog.Warn("refusing to link identity by unverified email",
				slog.String("user_id", user.ID),
				slog.String("provider", string(info.Provider)),
			)
			return nil, model.NewEmailRegisteredError(info.Email)
		}
		newIdentity.UserID = user.ID
		if err := s.identRepo.Create(ctx, newIdentity); err != nil {
			return nil, fmt.Errorf("failed to link identity: %w", err)
		}
		slog.Info("identity linked to existing user",
			slog.String("user_id", user.ID),
			slog.String("provider", string(info.Provider)),
		)
		return user, nil
	}

	username, err := s.availableUsername(ctx, info.Email)
	if err != nil {
		return nil, err
	}

	// 未検証のメールはユーザーに保存しない。後から検証済みログインで紐付けられるのを防ぐ
	userEmail := info.Email
	if !info.EmailVerified {
		userEmail = ""
	}

	user = &model.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        userEmail,
		Name:         info.Name,
		AuthProvider: model.AuthProvider(info.Provider),
		Picture:      info.Picture,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	newIdentity.UserID = user.ID

	if err := s.userRepo.CreateWithIdentity(ctx, user, newIdentity); err != nil {
		return nil, fmt.Errorf("failed to create user and identity: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username),
		slog.String("provider", string(info.Provider)),
	)
	return user, nil
}

// availableUsername はメールアドレスのローカル部から未使用のユーザー名を決める。
// 使用済みの場合は末尾に連番を付ける。
func (s *Service) availableUsername(ctx context.Context, email string) (string, error) {
	base := usernameFromEmail(email)
	candidate := base
	for i := 1; i <= maxUsernameTries; i++ {
		existing, err := s.userRepo.FindByUsername(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("failed to find user by username: %w", err)
		}
		if existing == nil {
			return candidate, nil
		}
		candidate = base + strconv.Itoa(i+1)
	}
	return base + "-" + uuid.New().String()[:8], nil
}

// usernameFromEmail はメールアドレスのローカル部を英数字と._-のみに正規化する。
func usernameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	var b strings.Builder
	for _, r := range strings.ToLower(local) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	name := b.String()
	if name == "" {
		name = "user"
	}
	if len(name) > maxUsernameLength-4 {
		name = name[:maxUsernameLength-4]
	}
	return name
}

func (s *Service) issueSession(user *model.User) (*Session, error) {
	token, expiresAt, err := s.issuer.Issue(user)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session: %w", err)
	}
	return &Session{Token: token, ExpiresAt: expiresAt, User: user}, nil
}
