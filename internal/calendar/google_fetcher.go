package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hitoshi/calman/internal/model"
	"github.com/hitoshi/calman/internal/security"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const googleMaxResultsPerPage = 250

// GoogleFetcher はGoogle Calendar API v3のprimaryカレンダーからイベントを取得する。
type GoogleFetcher struct {
	client   *http.Client
	endpoint string
	norm     eventNormalizer
}

// NewGoogleFetcher はGoogleFetcherを生成する。
// endpointが空の場合は既定のエンドポイントを使う（テストでhttptestのURLを指定する）。
func NewGoogleFetcher(client *http.Client, endpoint string, sanitizer security.EventSanitizerService) *GoogleFetcher {
	return &GoogleFetcher{
		client:   client,
		endpoint: endpoint,
		norm:     eventNormalizer{sanitizer: sanitizer},
	}
}

// FetchEvents はwindow内のイベントを開始時刻順に取得する。
// 繰り返しイベントは個々の発生に展開される。キャンセル済みのイベントは除外する。
func (f *GoogleFetcher) FetchEvents(ctx context.Context, accessToken string, window model.TimeWindow) ([]model.Event, error) {
	svc, err := f.newService(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	loc := window.Start.Location()
	var events []model.Event

	call := svc.Events.List("primary").
		TimeMin(window.Start.Format(time.RFC3339)).
		TimeMax(window.End.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(googleMaxResultsPerPage)

	err = call.Pages(ctx, func(page *gcal.Events) error {
		for _, item := range page.Items {
			if item.Status == "cancelled" {
				continue
			}
			ev, err := f.convert(item, loc)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			return nil, &StatusError{Provider: model.ProviderGoogle, StatusCode: gerr.Code, Message: gerr.Message}
		}
		return nil, fmt.Errorf("failed to list google events: %w", err)
	}
	return events, nil
}

func (f *GoogleFetcher) newService(ctx context.Context, accessToken string) (*gcal.Service, error) {
	baseCtx := ctx
	if f.client != nil {
		baseCtx = context.WithValue(ctx, oauth2.HTTPClient, f.client)
	}
	httpClient := oauth2.NewClient(baseCtx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if f.endpoint != "" {
		opts = append(opts, option.WithEndpoint(f.endpoint))
	}

	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create google calendar service: %w", err)
	}
	return svc, nil
}

func (f *GoogleFetcher) convert(item *gcal.Event, loc *time.Location) (model.Event, error) {
	ev := model.Event{
		ID:             item.Id,
		Provider:       model.ProviderGoogle,
		Title:          item.Summary,
		Location:       item.Location,
		HTMLLink:       item.HtmlLink,
		ResponseStatus: model.ResponseAccepted,
	}

	var err error
	if ev.Start, ev.AllDay, err = googleTime(item.Start, loc); err != nil {
		return model.Event{}, fmt.Errorf("invalid start of event %s: %w", item.Id, err)
	}
	if ev.End, _, err = googleTime(item.End, loc); err != nil {
		return model.Event{}, fmt.Errorf("invalid end of event %s: %w", item.Id, err)
	}

	for _, a := range item.Attendees {
		if a.Self && a.ResponseStatus != "" {
			ev.ResponseStatus = a.ResponseStatus
			break
		}
	}

	f.norm.apply(&ev, item.Description, "")
	return ev, nil
}

// googleTime は終日イベントのdate、通常イベントのdateTimeを時刻に変換する。
func googleTime(dt *gcal.EventDateTime, loc *time.Location) (time.Time, bool, error) {
	if dt == nil {
		return time.Time{}, false, errors.New("missing time")
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t, false, err
	}
	t, err := allDayTime(dt.Date, loc)
	return t, true, err
}

var _ EventFetcher = (*GoogleFetcher)(nil)
