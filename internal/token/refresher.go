// Package token はカレンダーアカウントのアクセストークンの期限管理とリフレッシュを提供する。
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hitoshi/calman/internal/model"
	"golang.org/x/oauth2"
)

// defaultTokenLifetime はexpires_inが返らない場合の有効期間。
const defaultTokenLifetime = time.Hour

// ErrReconnectRequired はリフレッシュトークンが無効で、ユーザーの再認証が必要な場合のエラー。
var ErrReconnectRequired = errors.New("reconnect required")

// RefreshedToken はリフレッシュで得たトークン。
type RefreshedToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher はプロバイダのトークンエンドポイントでアクセストークンを更新する。
type Refresher interface {
	Refresh(ctx context.Context, account *model.CalendarAccount) (*RefreshedToken, error)
}

// OAuthRefresher はgolang.org/x/oauth2によるRefresherの実装。
type OAuthRefresher struct {
	config *oauth2.Config
	client *http.Client
	now    func() time.Time
}

// NewOAuthRefresher はOAuthRefresherを生成する。clientがnilの場合は既定のクライアントを使う。
func NewOAuthRefresher(config *oauth2.Config, client *http.Client) *OAuthRefresher {
	return &OAuthRefresher{config: config, client: client, now: time.Now}
}

// Refresh はgrant_type=refresh_tokenでアクセストークンを取得する。
// リフレッシュトークンがない場合、またはプロバイダがinvalid_grant/invalid_requestを
// 返した場合はErrReconnectRequiredを返す。新しいリフレッシュトークンが返らない場合は
// 既存の値を引き継ぐ。
func (r *OAuthRefresher) Refresh(ctx context.Context, account *model.CalendarAccount) (*RefreshedToken, error) {
	if account.RefreshToken == "" {
		return nil, ErrReconnectRequired
	}

	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}

	// AccessTokenが空のトークンは常に無効と判定されるため、必ずリフレッシュが走る
	src := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: account.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		if isReconnectError(err) {
			return nil, fmt.Errorf("%w: %v", ErrReconnectRequired, err)
		}
		return nil, fmt.Errorf("failed to refresh %s token: %w", account.Provider, err)
	}

	refreshed := &RefreshedToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = account.RefreshToken
	}
	if refreshed.ExpiresAt.IsZero() {
		refreshed.ExpiresAt = r.now().Add(defaultTokenLifetime)
	}
	return refreshed, nil
}

// isReconnectError はプロバイダのエラーが再認証を要するものかを判定する。
func isReconnectError(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "invalid_request":
		return true
	}
	return false
}

var _ Refresher = (*OAuthRefresher)(nil)
