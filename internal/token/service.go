package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/calman/internal/metrics"
	"github.com/hitoshi/calman/internal/model"
	"github.com/hitoshi/calman/internal/repository"
	"golang.org/x/sync/singleflight"
)

// DefaultExpiryWindow はリフレッシュ対象とみなす期限までの残り時間。
const DefaultExpiryWindow = 10 * time.Minute

// RefreshResult はアカウント単位のリフレッシュ結果。
type RefreshResult struct {
	AccountID      string
	Provider       model.Provider
	Email          string
	Success        bool
	NeedsReconnect bool
	ExpiresAt      *time.Time
	Error          string
}

// Service はアクセストークンの期限検出とリフレッシュ、結果の永続化を行う。
// 同一アカウントへの同時リフレッシュは1回にまとめる。
type Service struct {
	accounts   repository.CalendarAccountRepository
	refreshers map[model.Provider]Refresher
	window     time.Duration
	metrics    metrics.MetricsCollector
	group      singleflight.Group
	now        func() time.Time
}

// NewService はServiceを生成する。windowが0以下の場合はDefaultExpiryWindowを使う。
func NewService(
	accounts repository.CalendarAccountRepository,
	refreshers map[model.Provider]Refresher,
	window time.Duration,
	collector metrics.MetricsCollector,
) *Service {
	if window <= 0 {
		window = DefaultExpiryWindow
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		accounts:   accounts,
		refreshers: refreshers,
		window:     window,
		metrics:    collector,
		now:        time.Now,
	}
}

// Window は期限判定に使う残り時間を返す。
func (s *Service) Window() time.Duration {
	return s.window
}

// ExpiringAccounts はwindow以内に期限切れとなるユーザー自身のアカウントを返す。
func (s *Service) ExpiringAccounts(ctx context.Context, userID string) ([]*model.CalendarAccount, error) {
	accounts, err := s.accounts.ListExpiringByUserID(ctx, userID, s.now().Add(s.window))
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring accounts: %w", err)
	}
	return accounts, nil
}

// Refresh はユーザー自身のアカウントを1件リフレッシュし、結果を保存する。
func (s *Service) Refresh(ctx context.Context, userID, accountID string) (*model.CalendarAccount, error) {
	account, err := s.accounts.FindByID(ctx, userID, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, model.NewAccountNotFoundError(accountID)
	}

	updated, err := s.RefreshAccount(ctx, account)
	if err != nil {
		return nil, toAPIError(account.Provider, err)
	}
	return updated, nil
}

// RefreshExpiring はユーザーの期限が近い全アカウントをリフレッシュし、アカウントごとの結果を返す。
// 個々のアカウントの失敗は結果に含め、全体としてはエラーにしない。
func (s *Service) RefreshExpiring(ctx context.Context, userID string) ([]RefreshResult, error) {
	accounts, err := s.ExpiringAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}

	results := make([]RefreshResult, 0, len(accounts))
	for _, account := range accounts {
		result := RefreshResult{
			AccountID: account.ID,
			Provider:  account.Provider,
			Email:     account.Email,
		}
		updated, err := s.RefreshAccount(ctx, account)
		switch {
		case err == nil:
			result.Success = true
			result.ExpiresAt = updated.ExpiresAt
		case errors.Is(err, ErrReconnectRequired):
			result.NeedsReconnect = true
			result.Error = ErrReconnectRequired.Error()
		default:
			result.Error = "token refresh failed"
		}
		results = append(results, result)
	}
	return results, nil
}

// EnsureFresh はイベント取得前の予防的リフレッシュを行い、利用可能なアカウントを返す。
// 期限が近くない場合はそのまま返す。リフレッシュに失敗しても、
// まだ期限内であれば既存のトークンで続行する。
// リフレッシュトークンのないアカウントは期限切れになるまで再認証扱いにしない。
func (s *Service) EnsureFresh(ctx context.Context, account *model.CalendarAccount) (*model.CalendarAccount, error) {
	if account.NeedsReconnect {
		return nil, model.NewReconnectRequiredError(account.Provider)
	}
	now := s.now()
	if !account.IsExpiring(now, s.window) {
		return account, nil
	}
	if account.RefreshToken == "" && !account.IsExpired(now) {
		return account, nil
	}

	updated, err := s.RefreshAccount(ctx, account)
	if err == nil {
		return updated, nil
	}
	if !account.IsExpired(now) {
		slog.Warn("proactive token refresh failed, using current token",
			slog.String("account_id", account.ID),
			slog.String("provider", string(account.Provider)),
			slog.Bool("reconnect_required", errors.Is(err, ErrReconnectRequired)),
			slog.String("error", err.Error()),
		)
		return account, nil
	}
	return nil, toAPIError(account.Provider, err)
}

// ForceRefresh はプロバイダが401を返した後のリフレッシュを行う。
func (s *Service) ForceRefresh(ctx context.Context, account *model.CalendarAccount) (*model.CalendarAccount, error) {
	updated, err := s.RefreshAccount(ctx, account)
	if err != nil {
		return nil, toAPIError(account.Provider, err)
	}
	return updated, nil
}

// RefreshAccount はアカウントをリフレッシュして保存する。
// 再認証が必要な場合はneeds_reconnectを記録し、ErrReconnectRequiredを返す。
// 同じアカウントへの同時呼び出しは1回のリフレッシュを共有する。
func (s *Service) RefreshAccount(ctx context.Context, account *model.CalendarAccount) (*model.CalendarAccount, error) {
	v, err, _ := s.group.Do(account.ID, func() (any, error) {
		// 呼び出し元の1つがキャンセルしても他の待機者の結果に影響させない
		return s.refresh(context.WithoutCancel(ctx), account)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.CalendarAccount), nil
}

func (s *Service) refresh(ctx context.Context, account *model.CalendarAccount) (*model.CalendarAccount, error) {
	provider := string(account.Provider)
	refresher, ok := s.refreshers[account.Provider]
	if !ok {
		return nil, fmt.Errorf("no refresher for provider %q", provider)
	}

	start := s.now()
	tok, err := refresher.Refresh(ctx, account)
	s.metrics.RecordRefreshLatency(provider, time.Since(start))

	if err != nil {
		if errors.Is(err, ErrReconnectRequired) {
			s.metrics.RecordTokenRefresh(provider, metrics.ResultReconnect)
			if markErr := s.accounts.MarkNeedsReconnect(ctx, account.UserID, account.ID); markErr != nil {
				return nil, fmt.Errorf("failed to mark account for reconnect: %w", markErr)
			}
			slog.Warn("calendar account needs reconnect",
				slog.String("user_id", account.UserID),
				slog.String("account_id", account.ID),
				slog.String("provider", provider),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		s.metrics.RecordTokenRefresh(provider, metrics.ResultFailure)
		slog.Error("token refresh failed",
			slog.String("user_id", account.UserID),
			slog.String("account_id", account.ID),
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	now := s.now()
	expiresAt := tok.ExpiresAt
	updated := *account
	updated.AccessToken = tok.AccessToken
	updated.RefreshToken = tok.RefreshToken
	updated.ExpiresAt = &expiresAt
	updated.LastRefreshedAt = &now
	updated.NeedsReconnect = false
	updated.UpdatedAt = now

	if err := s.accounts.UpdateTokens(ctx, &updated); err != nil {
		s.metrics.RecordTokenRefresh(provider, metrics.ResultFailure)
		return nil, fmt.Errorf("failed to save refreshed token: %w", err)
	}

	s.metrics.RecordTokenRefresh(provider, metrics.ResultSuccess)
	slog.Info("token refreshed",
		slog.String("account_id", account.ID),
		slog.String("provider", provider),
		slog.Time("expires_at", expiresAt),
	)
	return &updated, nil
}

// toAPIError はリフレッシュのエラーをAPIエラーに変換する。
func toAPIError(provider model.Provider, err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, ErrReconnectRequired) {
		return model.NewReconnectRequiredError(provider)
	}
	return model.NewTokenRefreshFailedError(provider)
}
