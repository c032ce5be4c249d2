package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/calman/internal/model"
	"github.com/hitoshi/calman/internal/security"
)

// ErrUnauthorized はプロバイダがアクセストークンを拒否した（HTTP 401）ことを表す。
var ErrUnauthorized = errors.New("provider rejected access token")

// EventFetcher はプロバイダからイベントを取得し、正規化して返す。
type EventFetcher interface {
	FetchEvents(ctx context.Context, accessToken string, window model.TimeWindow) ([]model.Event, error)
}

// StatusError はプロバイダAPIが成功以外のステータスを返したことを表す。
// 401の場合はerrors.Is(err, ErrUnauthorized)がtrueになる。
type StatusError struct {
	Provider   model.Provider
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api returned status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Is はErrUnauthorizedとの比較を可能にする。
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == 401
}

// eventNormalizer はプロバイダ共通のタイトル・説明文の正規化を行う。
type eventNormalizer struct {
	sanitizer security.EventSanitizerService
}

func (n eventNormalizer) apply(ev *model.Event, rawDescription, preview string) {
	if ev.Title == "" {
		ev.Title = model.DefaultEventTitle
	}
	if rawDescription != "" {
		ev.Description = n.sanitizer.Sanitize(rawDescription)
	}
	if preview == "" {
		preview = n.sanitizer.Preview(rawDescription, security.DefaultPreviewLength)
	}
	ev.Preview = preview
}

// allDayTime は"2006-01-02"形式の日付をlocの0時として解釈する。
func allDayTime(date string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(time.DateOnly, date, loc)
}
