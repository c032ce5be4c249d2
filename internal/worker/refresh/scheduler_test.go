package refresh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/calman/internal/model"
	"github.com/hitoshi/calman/internal/token"
)

// --- モック定義 ---

type mockAccountLister struct {
	listFunc func(ctx context.Context, before time.Time, limit int) ([]*model.CalendarAccount, error)
}

func (m *mockAccountLister) ListRefreshable(ctx context.Context, before time.Time, limit int) ([]*model.CalendarAccount, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, before, limit)
	}
	return nil, nil
}

type mockRefresher struct {
	refreshFunc func(ctx context.Context, account *model.CalendarAccount) (*model.CalendarAccount, error)
}

func (m *mockRefresher) RefreshAccount(ctx context.Context, account *model.CalendarAccount) (*model.CalendarAccount, error) {
	if m.refreshFunc != nil {
		return m.refreshFunc(ctx, account)
	}
	return account, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func accounts(n int) []*model.CalendarAccount {
	out := make([]*model.CalendarAccount, n)
	for i := range out {
		out[i] = &model.CalendarAccount{
			ID:           fmt.Sprintf("acct-%d", i),
			UserID:       "user-1",
			Provider:     model.ProviderGoogle,
			RefreshToken: "rt",
		}
	}
	return out
}

// --- テスト ---

func TestNewScheduler_Defaults(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(&mockAccountLister{}, &mockRefresher{}, newTestLogger(&buf), Config{})

	if s.config.MaxConcurrency != defaultMaxConcurrency {
		t.Errorf("MaxConcurrency = %d, want %d", s.config.MaxConcurrency, defaultMaxConcurrency)
	}
	if s.config.BatchSize != defaultBatchSize {
		t.Errorf("BatchSize = %d, want %d", s.config.BatchSize, defaultBatchSize)
	}
}

func TestScheduler_RunOnce_UsesWindow(t *testing.T) {
	var buf bytes.Buffer
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var gotBefore time.Time
	var gotLimit int
	lister := &mockAccountLister{
		listFunc: func(ctx context.Context, before time.Time, limit int) ([]*model.CalendarAccount, error) {
			gotBefore, gotLimit = before, limit
			return nil, nil
		},
	}

	s := NewScheduler(lister, &mockRefresher{}, newTestLogger(&buf), Config{Window: 10 * time.Minute, BatchSize: 50})
	s.now = func() time.Time { return now }

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() returned error: %v", err)
	}
	if !gotBefore.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("before = %v, want %v", gotBefore, now.Add(10*time.Minute))
	}
	if gotLimit != 50 {
		t.Errorf("limit = %d, want 50", gotLimit)
	}
}

func TestScheduler_RunOnce_ClassifiesResults(t *testing.T) {
	var buf bytes.Buffer
	lister := &mockAccountLister{
		listFunc: func(ctx context.Context, before time.Time, limit int) ([]*model.CalendarAccount, error) {
			return accounts(3), nil
		},
	}
	refresher := &mockRefresher{
		refreshFunc: func(ctx context.Context, a *model.CalendarAccount) (*model.CalendarAccount, error) {
			switch a.ID {
			case "acct-1":
				return nil, fmt.Errorf("refresh: %w", token.ErrReconnectRequired)
			case "acct-2":
				return nil, errors.New("connection reset")
			default:
				return a, nil
			}
		},
	}

	s := NewScheduler(lister, refresher, newTestLogger(&buf), Config{Window: time.Minute})
	summary, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() returned error: %v", err)
	}

	want := Summary{Total: 3, Refreshed: 1, Stopped: 1, Retry: 1}
	if summary != want {
		t.Errorf("summary = %+v, want %+v", summary, want)
	}
}

func TestScheduler_RunOnce_RespectsConcurrencyLimit(t *testing.T) {
	var buf bytes.Buffer
	lister := &mockAccountLister{
		listFunc: func(ctx context.Context, before time.Time, limit int) ([]*model.CalendarAccount, error) {
			return accounts(20), nil
		},
	}

	var current, peak int32
	refresher := &mockRefresher{
		refreshFunc: func(ctx context.Context, a *model.CalendarAccount) (*model.CalendarAccount, error) {
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return a, nil
		},
	}

	s := NewScheduler(lister, refresher, newTestLogger(&buf), Config{MaxConcurrency: 3})
	summary, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() returned error: %v", err)
	}
	if summary.Refreshed != 20 {
		t.Errorf("refreshed = %d, want 20", summary.Refreshed)
	}
	if p := atomic.LoadInt32(&peak); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
}

func TestScheduler_RunOnce_ListError(t *testing.T) {
	var buf bytes.Buffer
	lister := &mockAccountLister{
		listFunc: func(ctx context.Context, before time.Time, limit int) ([]*model.CalendarAccount, error) {
			return nil, errors.New("db connection failed")
		},
	}

	s := NewScheduler(lister, &mockRefresher{}, newTestLogger(&buf), Config{})
	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce() should return the list error")
	}
}

func TestScheduler_RunOnce_CancelledContext(t *testing.T) {
	var buf bytes.Buffer
	lister := &mockAccountLister{
		listFunc: func(ctx context.Context, before time.Time, limit int) ([]*model.CalendarAccount, error) {
			return accounts(5), nil
		},
	}

	var mu sync.Mutex
	var refreshed int
	refresher := &mockRefresher{
		refreshFunc: func(ctx context.Context, a *model.CalendarAccount) (*model.CalendarAccount, error) {
			mu.Lock()
			refreshed++
			mu.Unlock()
			return a, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewScheduler(lister, refresher, newTestLogger(&buf), Config{MaxConcurrency: 1})
	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() returned error: %v", err)
	}
	if refreshed != 0 {
		t.Errorf("refreshed = %d, want 0 after cancellation", refreshed)
	}
}

func TestScheduler_Start_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	var calls int32
	lister := &mockAccountLister{
		listFunc: func(ctx context.Context, before time.Time, limit int) ([]*model.CalendarAccount, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		},
	}

	s := NewScheduler(lister, &mockRefresher{}, newTestLogger(&buf), Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Start(ctx, time.Hour)
		close(done)
	}()

	// 起動直後の1回を待つ
	deadline := time.After(time.Second)
	for atomic.LoadInt32(&calls) == 0 {
		select {
		case <-deadline:
			t.Fatal("initial cycle did not run")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"成功", nil, OutcomeRefreshed},
		{"再接続", token.ErrReconnectRequired, OutcomeStop},
		{"ラップされた再接続", fmt.Errorf("x: %w", token.ErrReconnectRequired), OutcomeStop},
		{"APIエラーの再接続", model.NewReconnectRequiredError(model.ProviderMicrosoft), OutcomeStop},
		{"一時的な失敗", errors.New("timeout"), OutcomeRetry},
		{"リフレッシュ失敗APIエラー", model.NewTokenRefreshFailedError(model.ProviderGoogle), OutcomeRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %v, want %v", got, tt.want)
			}
		})
	}
}
