package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/calman/internal/model"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const (
	// DefaultMicrosoftTenant はマルチテナント + 個人アカウント用のテナント。
	DefaultMicrosoftTenant = "common"

	// DefaultGraphBaseURL はMicrosoft Graph APIのベースURL。
	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
)

// MicrosoftOAuthConfig はMicrosoft OAuthプロバイダーの設定。
type MicrosoftOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Tenant       string

	// テスト用にオーバーライド可能なURL
	AuthURL      string
	TokenURL     string
	GraphBaseURL string

	HTTPClient *http.Client
}

// MicrosoftOAuthProvider はMicrosoft identity platformによる認証とカレンダー接続を提供する。
type MicrosoftOAuthProvider struct {
	oauth        *oauth2.Config
	graphBaseURL string
	client       *http.Client
}

// NewMicrosoftOAuthProvider はMicrosoftOAuthProviderを生成する。
func NewMicrosoftOAuthProvider(config MicrosoftOAuthConfig) *MicrosoftOAuthProvider {
	if config.Tenant == "" {
		config.Tenant = DefaultMicrosoftTenant
	}
	endpoint := microsoft.AzureADEndpoint(config.Tenant)
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}
	if config.GraphBaseURL == "" {
		config.GraphBaseURL = DefaultGraphBaseURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &MicrosoftOAuthProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"User.Read", "Calendars.Read", "offline_access"},
		},
		graphBaseURL: strings.TrimRight(config.GraphBaseURL, "/"),
		client:       config.HTTPClient,
	}
}

// Name はプロバイダ名を返す。
func (p *MicrosoftOAuthProvider) Name() model.Provider {
	return model.ProviderMicrosoft
}

// OAuth2Config はトークンリフレッシュに使う設定を返す。
func (p *MicrosoftOAuthProvider) OAuth2Config() *oauth2.Config {
	return p.oauth
}

// GetLoginURL はMicrosoftの認証URLを生成する。
func (p *MicrosoftOAuthProvider) GetLoginURL(state string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("response_mode", "query"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// graphUser はGraph /me のレスポンス。
type graphUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// ExchangeCode は認可コードをトークンに交換し、Graph /me からユーザー情報を取得する。
// mailが空の場合はuserPrincipalNameをメールアドレスとして使う。
// どちらもテナント管理者が任意に設定できるため、検証済みメールとしては扱わない。
func (p *MicrosoftOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthResult, error) {
	ctx = WithHTTPClient(ctx, p.client)

	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	tok = normalizeToken(tok, time.Now())

	var me graphUser
	if err := getJSON(ctx, p.client, p.graphBaseURL+"/me", tok.AccessToken, &me); err != nil {
		return nil, fmt.Errorf("failed to get microsoft user info: %w", err)
	}

	email := me.Mail
	if email == "" {
		email = me.UserPrincipalName
	}
	if me.ID == "" || email == "" {
		return nil, fmt.Errorf("microsoft user info is missing id or email")
	}

	return &OAuthResult{
		UserInfo: &OAuthUserInfo{
			ProviderUserID: me.ID,
			Email:          email,
			Name:           me.DisplayName,
			Provider:       model.ProviderMicrosoft,
		},
		Token: tok,
	}, nil
}

var _ OAuthProvider = (*MicrosoftOAuthProvider)(nil)
