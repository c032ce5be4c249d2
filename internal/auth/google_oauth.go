package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hitoshi/calman/internal/model"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

	// GoogleCalendarReadonlyScope はカレンダー読み取り用スコープ。
	GoogleCalendarReadonlyScope = "https://www.googleapis.com/auth/calendar.readonly"
)

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// HTTPClient はトークン交換とユーザー情報取得に使う。nilの場合は既定のクライアント。
	HTTPClient *http.Client
}

// GoogleOAuthProvider はGoogle OAuth 2.0による認証とカレンダー接続を提供する。
type GoogleOAuthProvider struct {
	oauth       *oauth2.Config
	userInfoURL string
	client      *http.Client
}

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。
func NewGoogleOAuthProvider(config GoogleOAuthConfig) *GoogleOAuthProvider {
	endpoint := google.Endpoint
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}

	return &GoogleOAuthProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"openid", "email", "profile", GoogleCalendarReadonlyScope},
		},
		userInfoURL: config.UserInfoURL,
		client:      config.HTTPClient,
	}
}

// Name はプロバイダ名を返す。
func (p *GoogleOAuthProvider) Name() model.Provider {
	return model.ProviderGoogle
}

// OAuth2Config はトークンリフレッシュに使う設定を返す。
func (p *GoogleOAuthProvider) OAuth2Config() *oauth2.Config {
	return p.oauth
}

// GetLoginURL はGoogle OAuthの認証URLを生成する。
// リフレッシュトークンを確実に受け取るためoffline + consentを要求する。
func (p *GoogleOAuthProvider) GetLoginURL(state string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// googleUserInfo はGoogle UserInfo APIのレスポンス。
type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
func (p *GoogleOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthResult, error) {
	ctx = WithHTTPClient(ctx, p.client)

	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	tok = normalizeToken(tok, time.Now())

	var info googleUserInfo
	if err := getJSON(ctx, p.client, p.userInfoURL, tok.AccessToken, &info); err != nil {
		return nil, fmt.Errorf("failed to get google user info: %w", err)
	}
	if info.Sub == "" || info.Email == "" {
		return nil, fmt.Errorf("google user info is missing sub or email")
	}

	return &OAuthResult{
		UserInfo: &OAuthUserInfo{
			ProviderUserID: info.Sub,
			Email:          info.Email,
			EmailVerified:  info.EmailVerified,
			Name:           info.Name,
			Picture:        info.Picture,
			Provider:       model.ProviderGoogle,
		},
		Token: tok,
	}, nil
}

var _ OAuthProvider = (*GoogleOAuthProvider)(nil)
