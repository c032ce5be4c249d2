package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/calman/internal/model"
	"github.com/hitoshi/calman/internal/security"
)

const (
	// DefaultGraphBaseURL はMicrosoft Graph APIのベースURL。
	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

	// graphDateTimeLayout はPrefer: outlook.timezone="UTC"指定時のdateTime形式。
	graphDateTimeLayout = "2006-01-02T15:04:05.9999999"

	graphPageSize = 100
	graphMaxPages = 10
)

// MicrosoftFetcher はMicrosoft Graphのcalendarviewからイベントを取得する。
type MicrosoftFetcher struct {
	client   *http.Client
	baseURL  string
	norm     eventNormalizer
	maxPages int
	logger   *slog.Logger
}

// NewMicrosoftFetcher はMicrosoftFetcherを生成する。baseURLが空の場合はDefaultGraphBaseURLを使う。
func NewMicrosoftFetcher(client *http.Client, baseURL string, sanitizer security.EventSanitizerService) *MicrosoftFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultGraphBaseURL
	}
	return &MicrosoftFetcher{
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		norm:     eventNormalizer{sanitizer: sanitizer},
		maxPages: graphMaxPages,
		logger:   slog.Default(),
	}
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphAttendee struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
	Status       struct {
		Response string `json:"response"`
	} `json:"status"`
}

type graphEvent struct {
	ID          string          `json:"id"`
	Subject     string          `json:"subject"`
	BodyPreview string          `json:"bodyPreview"`
	Body        graphBody       `json:"body"`
	Start       graphDateTime   `json:"start"`
	End         graphDateTime   `json:"end"`
	IsAllDay    bool            `json:"isAllDay"`
	IsCancelled bool            `json:"isCancelled"`
	WebLink     string          `json:"webLink"`
	Location    graphLocation   `json:"location"`
	Organizer   graphRecipient  `json:"organizer"`
	Attendees   []graphAttendee `json:"attendees"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphEventPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

// FetchEvents はwindow内のイベントを開始時刻順に取得する。
// 時刻はUTCで受け取り、@odata.nextLinkを辿ってページングする。
// ページ数の上限に達した場合は取得済みの分を返し、残りがあることを警告ログに残す。
func (f *MicrosoftFetcher) FetchEvents(ctx context.Context, accessToken string, window model.TimeWindow) ([]model.Event, error) {
	q := url.Values{}
	q.Set("startDateTime", window.Start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", window.End.UTC().Format(time.RFC3339))
	q.Set("$orderby", "start/dateTime")
	q.Set("$top", fmt.Sprint(graphPageSize))
	next := f.baseURL + "/me/calendarView?" + q.Encode()

	loc := window.Start.Location()
	var events []model.Event
	for page := 0; next != "" && page < f.maxPages; page++ {
		var body graphEventPage
		if err := f.get(ctx, next, accessToken, &body); err != nil {
			return nil, err
		}
		for _, item := range body.Value {
			if item.IsCancelled {
				continue
			}
			ev, err := f.convert(item, loc)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
		next = body.NextLink
	}
	if next != "" {
		f.logger.Warn("microsoft calendar view truncated at page limit",
			slog.Int("max_pages", f.maxPages),
			slog.Int("event_count", len(events)),
			slog.Time("window_start", window.Start),
			slog.Time("window_end", window.End),
		)
	}
	return events, nil
}

func (f *MicrosoftFetcher) get(ctx context.Context, endpoint, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Provider: model.ProviderMicrosoft, StatusCode: resp.StatusCode, Message: string(msg)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode graph response: %w", err)
	}
	return nil
}

func (f *MicrosoftFetcher) convert(item graphEvent, loc *time.Location) (model.Event, error) {
	ev := model.Event{
		ID:             item.ID,
		Provider:       model.ProviderMicrosoft,
		Title:          item.Subject,
		Location:       item.Location.DisplayName,
		HTMLLink:       item.WebLink,
		AllDay:         item.IsAllDay,
		ResponseStatus: organizerResponse(item),
	}

	var err error
	if ev.Start, err = graphTime(item.Start, item.IsAllDay, loc); err != nil {
		return model.Event{}, fmt.Errorf("invalid start of event %s: %w", item.ID, err)
	}
	if ev.End, err = graphTime(item.End, item.IsAllDay, loc); err != nil {
		return model.Event{}, fmt.Errorf("invalid end of event %s: %w", item.ID, err)
	}

	f.norm.apply(&ev, item.Body.Content, item.BodyPreview)
	return ev, nil
}

// organizerResponse は主催者と同じアドレスの出席者の回答を返す。見つからない場合はaccepted。
func organizerResponse(item graphEvent) string {
	organizer := item.Organizer.EmailAddress.Address
	for _, a := range item.Attendees {
		if organizer != "" && strings.EqualFold(a.EmailAddress.Address, organizer) {
			return graphResponse(a.Status.Response)
		}
	}
	return model.ResponseAccepted
}

// graphResponse はGraphの回答値を共通の値に変換する。
func graphResponse(r string) string {
	switch r {
	case "declined":
		return model.ResponseDeclined
	case "tentativelyAccepted":
		return model.ResponseTentative
	case "notResponded":
		return model.ResponseNeedsAction
	default:
		// accepted, organizer, none
		return model.ResponseAccepted
	}
}

// graphTime はUTCのdateTimeを時刻に変換する。終日イベントは日付部分をlocの0時とする。
func graphTime(dt graphDateTime, allDay bool, loc *time.Location) (time.Time, error) {
	if allDay {
		date, _, _ := strings.Cut(dt.DateTime, "T")
		return allDayTime(date, loc)
	}
	return time.ParseInLocation(graphDateTimeLayout, dt.DateTime, time.UTC)
}

var _ EventFetcher = (*MicrosoftFetcher)(nil)
