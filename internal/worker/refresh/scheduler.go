// Package refresh はアクセストークンのバックグラウンドリフレッシュを提供する。
// 期限が近いアカウントを定期的に検出し、並列数を制限しながら更新する。
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hitoshi/calman/internal/model"
)

const (
	defaultMaxConcurrency = 5
	defaultBatchSize      = 500
)

// AccountLister はリフレッシュ対象アカウントの取得インターフェース。
type AccountLister interface {
	ListRefreshable(ctx context.Context, before time.Time, limit int) ([]*model.CalendarAccount, error)
}

// AccountRefresher はアカウント単位のリフレッシュ実行インターフェース。
type AccountRefresher interface {
	RefreshAccount(ctx context.Context, account *model.CalendarAccount) (*model.CalendarAccount, error)
}

// Config はスケジューラの設定。
type Config struct {
	Window         time.Duration // 期限までの残りがこれ以下のアカウントを対象にする
	MaxConcurrency int
	BatchSize      int
}

// Scheduler はトークンリフレッシュのスケジューリングと並列制御を行う。
type Scheduler struct {
	accounts  AccountLister
	refresher AccountRefresher
	logger    *slog.Logger
	config    Config
	now       func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// MaxConcurrencyが0以下の場合はデフォルト値5を使用する。
func NewScheduler(accounts AccountLister, refresher AccountRefresher, logger *slog.Logger, config Config) *Scheduler {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaultMaxConcurrency
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	return &Scheduler{
		accounts:  accounts,
		refresher: refresher,
		logger:    logger,
		config:    config,
		now:       time.Now,
	}
}

// Start はintervalごとにリフレッシュサイクルを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("token refresh scheduler started",
		slog.Duration("interval", interval),
		slog.Duration("window", s.config.Window),
		slog.Int("max_concurrency", s.config.MaxConcurrency),
	)

	// 起動直後に1回実行
	s.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("token refresh scheduler stopped")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("token refresh cycle failed", slog.String("error", err.Error()))
	}
}

// RunOnce はリフレッシュ対象を1回取得し、並列でリフレッシュする。
// 再接続が必要なアカウントは停止扱い、一時的な失敗は次回サイクルで再試行される。
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	start := time.Now()

	accounts, err := s.accounts.ListRefreshable(ctx, s.now().Add(s.config.Window), s.config.BatchSize)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Total: len(accounts)}
	if len(accounts) == 0 {
		s.logger.Debug("no accounts due for token refresh")
		return summary, nil
	}

	sem := semaphore.NewWeighted(int64(s.config.MaxConcurrency))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, account := range accounts {
		if ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)

		go func(a *model.CalendarAccount) {
			defer wg.Done()
			defer sem.Release(1)

			_, err := s.refresher.RefreshAccount(ctx, a)
			outcome := ClassifyError(err)

			mu.Lock()
			summary.add(outcome)
			mu.Unlock()

			if err != nil {
				s.logger.Warn("background token refresh failed",
					slog.String("account_id", a.ID),
					slog.String("user_id", a.UserID),
					slog.String("provider", string(a.Provider)),
					slog.String("outcome", outcome.String()),
					slog.String("error", err.Error()),
				)
			}
		}(account)
	}

	wg.Wait()

	s.logger.Info("token refresh cycle completed",
		slog.Int("account_count", summary.Total),
		slog.Int("refreshed", summary.Refreshed),
		slog.Int("stopped", summary.Stopped),
		slog.Int("retry", summary.Retry),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return summary, nil
}
