package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hitoshi/calman/internal/model"
	"golang.org/x/oauth2"
)

// defaultTokenLifetime はプロバイダがexpires_inを返さない場合の有効期間。
const defaultTokenLifetime = time.Hour

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
// EmailVerified はプロバイダがメールアドレスの所有を保証している場合のみtrue。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	Picture        string
	Provider       model.Provider
}

// OAuthResult は認可コード交換の結果。
// ユーザー情報と、カレンダーアカウントとして保存するトークンを含む。
type OAuthResult struct {
	UserInfo *OAuthUserInfo
	Token    *oauth2.Token
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// Name はプロバイダ名を返す。
	Name() model.Provider
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthResult, error)
	// OAuth2Config はトークンリフレッシュに使う設定を返す。
	OAuth2Config() *oauth2.Config
}

// WithHTTPClient はoauth2パッケージが使うHTTPクライアントをcontextに設定する。
// clientがnilの場合はctxをそのまま返す。
func WithHTTPClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// normalizeToken はexpires_inが欠落したトークンに既定の有効期限を設定する。
func normalizeToken(tok *oauth2.Token, now time.Time) *oauth2.Token {
	if tok.Expiry.IsZero() {
		tok.Expiry = now.Add(defaultTokenLifetime)
	}
	return tok
}

// getJSON はBearerトークン付きでGETし、JSONレスポンスをoutにデコードする。
func getJSON(ctx context.Context, client *http.Client, endpoint, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
