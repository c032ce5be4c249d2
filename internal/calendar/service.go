package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/calman/internal/metrics"
	"github.com/hitoshi/calman/internal/model"
	"github.com/hitoshi/calman/internal/repository"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxConcurrentFetches は日表示で同時に取得するアカウント数の上限。
	DefaultMaxConcurrentFetches = 4

	maxAccountNameLength = 100
)

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// TokenManager はイベント取得前後のトークン更新を行う。
type TokenManager interface {
	EnsureFresh(ctx context.Context, account *model.CalendarAccount) (*model.CalendarAccount, error)
	ForceRefresh(ctx context.Context, account *model.CalendarAccount) (*model.CalendarAccount, error)
}

// AccountError は日表示でアカウント単位に発生したエラー。
type AccountError struct {
	AccountID string
	Code      string
	Message   string
}

// DayView は全ての見えるアカウントを統合した1日分の予定。
type DayView struct {
	Date     string
	Accounts []model.VisibleAccount
	Events   []model.Event
	Errors   []AccountError
}

// Service はアカウント解決、トークン更新、イベント取得をまとめる。
type Service struct {
	resolver      *Resolver
	accounts      repository.CalendarAccountRepository
	tokens        TokenManager
	fetchers      map[model.Provider]EventFetcher
	metrics       metrics.MetricsCollector
	maxConcurrent int
}

// NewService はServiceを生成する。
func NewService(
	resolver *Resolver,
	accounts repository.CalendarAccountRepository,
	tokens TokenManager,
	fetchers map[model.Provider]EventFetcher,
	collector metrics.MetricsCollector,
	maxConcurrent int,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentFetches
	}
	return &Service{
		resolver:      resolver,
		accounts:      accounts,
		tokens:        tokens,
		fetchers:      fetchers,
		metrics:       collector,
		maxConcurrent: maxConcurrent,
	}
}

// VisibleAccounts はユーザーから見えるアカウントを返す。
func (s *Service) VisibleAccounts(ctx context.Context, userID string) ([]model.VisibleAccount, error) {
	return s.resolver.VisibleAccounts(ctx, userID)
}

// SharedAccounts は共有されたアカウントのみを返す。
func (s *Service) SharedAccounts(ctx context.Context, userID string) ([]model.VisibleAccount, error) {
	return s.resolver.SharedAccounts(ctx, userID)
}

// UpdateAccountSettings は自分のアカウントの表示名と色を更新する。
func (s *Service) UpdateAccountSettings(ctx context.Context, userID, accountID, name, color string) (*model.CalendarAccount, error) {
	if _, _, shared := model.ParseSharedAccountID(accountID); shared {
		return nil, model.NewAccountAccessDeniedError()
	}
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxAccountNameLength {
		return nil, model.NewValidationError("表示名は1〜100文字で入力してください")
	}
	if !colorPattern.MatchString(color) {
		return nil, model.NewValidationError("色は#RRGGBB形式で指定してください")
	}

	found, err := s.accounts.UpdateSettings(ctx, userID, accountID, name, color)
	if err != nil {
		return nil, fmt.Errorf("failed to update account settings: %w", err)
	}
	if !found {
		return nil, model.NewAccountNotFoundError(accountID)
	}

	account, err := s.accounts.FindByID(ctx, userID, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload account: %w", err)
	}
	if account == nil {
		return nil, model.NewAccountNotFoundError(accountID)
	}
	return account, nil
}

// DisconnectAccount は自分のアカウントを削除する。
func (s *Service) DisconnectAccount(ctx context.Context, userID, accountID string) error {
	if _, _, shared := model.ParseSharedAccountID(accountID); shared {
		return model.NewAccountAccessDeniedError()
	}
	found, err := s.accounts.Delete(ctx, userID, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if !found {
		return model.NewAccountNotFoundError(accountID)
	}
	slog.Info("calendar account disconnected",
		slog.String("user_id", userID),
		slog.String("account_id", accountID),
	)
	return nil
}

// FetchEvents は指定アカウントの指定日のイベントを取得する。
// アクセストークンは事前に必要なら更新し、プロバイダが401を返した場合は1回だけ更新して再試行する。
// イベントのAccountIDには要求されたID（共有アカウントの場合はshared_形式）を設定する。
func (s *Service) FetchEvents(ctx context.Context, userID, accountID, date, tz string) ([]model.Event, error) {
	window, err := ParseDayWindow(date, tz)
	if err != nil {
		return nil, err
	}
	return s.fetchAccount(ctx, userID, accountID, window)
}

// FetchDay は見える全アカウントの指定日のイベントを並行に取得し、開始時刻順に統合する。
// アカウント単位の失敗はErrorsに含め、他のアカウントの結果は返す。
func (s *Service) FetchDay(ctx context.Context, userID, date, tz string) (*DayView, error) {
	window, err := ParseDayWindow(date, tz)
	if err != nil {
		return nil, err
	}

	accounts, err := s.resolver.VisibleAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}

	perAccount := make([][]model.Event, len(accounts))
	errs := make([]error, len(accounts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)
	for i, account := range accounts {
		if account.NeedsReconnect {
			errs[i] = model.NewReconnectRequiredError(account.Provider)
			continue
		}
		g.Go(func() error {
			perAccount[i], errs[i] = s.fetchAccount(gctx, userID, account.ID, window)
			return nil
		})
	}
	_ = g.Wait()

	view := &DayView{
		Date:     window.Start.Format(time.DateOnly),
		Accounts: accounts,
		Events:   []model.Event{},
	}
	for i, account := range accounts {
		if errs[i] != nil {
			view.Errors = append(view.Errors, accountError(account.ID, errs[i]))
			continue
		}
		view.Events = append(view.Events, perAccount[i]...)
	}
	sortEvents(view.Events)
	return view, nil
}

func (s *Service) fetchAccount(ctx context.Context, userID, accountID string, window model.TimeWindow) ([]model.Event, error) {
	resolved, err := s.resolver.ResolveAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	account := resolved.Account
	if account.NeedsReconnect {
		return nil, model.NewReconnectRequiredError(account.Provider)
	}

	fetcher, ok := s.fetchers[account.Provider]
	if !ok {
		return nil, model.NewUnsupportedProviderError(string(account.Provider))
	}

	account, err = s.tokens.EnsureFresh(ctx, account)
	if err != nil {
		return nil, err
	}

	provider := string(account.Provider)
	events, err := fetcher.FetchEvents(ctx, account.AccessToken, window)
	if errors.Is(err, ErrUnauthorized) {
		s.metrics.RecordProviderStatus(provider, 401)
		slog.Info("provider rejected access token, refreshing",
			slog.String("account_id", account.ID),
			slog.String("provider", provider),
		)
		account, err = s.tokens.ForceRefresh(ctx, account)
		if err != nil {
			s.metrics.RecordEventFetch(provider, metrics.ResultFailure)
			return nil, err
		}
		events, err = fetcher.FetchEvents(ctx, account.AccessToken, window)
	}
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			s.metrics.RecordProviderStatus(provider, se.StatusCode)
		}
		s.metrics.RecordEventFetch(provider, metrics.ResultFailure)
		slog.Error("failed to fetch events",
			slog.String("user_id", userID),
			slog.String("account_id", accountID),
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProviderUnavailableError(account.Provider)
	}
	s.metrics.RecordEventFetch(provider, metrics.ResultSuccess)

	for i := range events {
		events[i].AccountID = resolved.VisibleID
	}
	sortEvents(events)
	return events, nil
}

// ParseDayWindow はYYYY-MM-DD形式の日付とIANAタイムゾーン名から
// その日の[00:00, 翌00:00)を返す。tzが空の場合はUTC。
func ParseDayWindow(date, tz string) (model.TimeWindow, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return model.TimeWindow{}, model.NewValidationError("タイムゾーンが正しくありません")
		}
		loc = l
	}
	day, err := time.ParseInLocation(time.DateOnly, date, loc)
	if err != nil {
		return model.TimeWindow{}, model.NewValidationError("日付はYYYY-MM-DD形式で指定してください")
	}
	return DayWindow(day, loc), nil
}

// DayWindow はdateのloc（nilの場合はUTC）における[00:00, 翌00:00)を返す。
// 夏時間の切り替え日も暦日単位で扱う。
func DayWindow(date time.Time, loc *time.Location) model.TimeWindow {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return model.TimeWindow{Start: start, End: start.AddDate(0, 0, 1)}
}

// sortEvents は終日イベントを先に、続けて開始時刻順に並べる。
func sortEvents(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].AllDay != events[j].AllDay {
			return events[i].AllDay
		}
		return events[i].Start.Before(events[j].Start)
	})
}

func accountError(accountID string, err error) AccountError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return AccountError{AccountID: accountID, Code: apiErr.Code, Message: apiErr.Message}
	}
	return AccountError{AccountID: accountID, Code: "INTERNAL_ERROR", Message: "予定の取得に失敗しました。"}
}
