package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/calman/internal/calendar"
	"github.com/hitoshi/calman/internal/model"
)

// CalendarServiceInterface はカレンダーハンドラーが必要とするサービスインターフェース。
type CalendarServiceInterface interface {
	VisibleAccounts(ctx context.Context, userID string) ([]model.VisibleAccount, error)
	SharedAccounts(ctx context.Context, userID string) ([]model.VisibleAccount, error)
	UpdateAccountSettings(ctx context.Context, userID, accountID, name, color string) (*model.CalendarAccount, error)
	DisconnectAccount(ctx context.Context, userID, accountID string) error
	FetchEvents(ctx context.Context, userID, accountID, date, tz string) ([]model.Event, error)
	FetchDay(ctx context.Context, userID, date, tz string) (*calendar.DayView, error)
}

// CalendarHandler はカレンダーアカウントと予定取得のHTTPハンドラー。
type CalendarHandler struct {
	service CalendarServiceInterface
}

// NewCalendarHandler はCalendarHandlerを生成する。
func NewCalendarHandler(service CalendarServiceInterface) *CalendarHandler {
	return &CalendarHandler{service: service}
}

type accountsResponse struct {
	Accounts []accountResponse `json:"accounts"`
}

type updateAccountRequest struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type fetchEventsRequest struct {
	AccountID string `json:"accountId"`
	Date      string `json:"date"`
	Timezone  string `json:"timezone"`
}

type eventsResponse struct {
	AccountID string          `json:"accountId"`
	Date      string          `json:"date"`
	Events    []eventResponse `json:"events"`
}

type accountErrorResponse struct {
	AccountID string `json:"accountId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type dayResponse struct {
	Date     string                 `json:"date"`
	Accounts []accountResponse      `json:"accounts"`
	Events   []eventResponse        `json:"events"`
	Errors   []accountErrorResponse `json:"errors"`
}

// ListAccounts は自分のアカウントと共有されたアカウントを返す。
// GET /api/calendar-accounts
func (h *CalendarHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	views, err := h.service.VisibleAccounts(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, accountsResponse{Accounts: toAccountResponses(views)})
}

// ListSharedAccounts は他のユーザーから共有されたアカウントのみを返す。
// GET /api/calendar-accounts/shared
func (h *CalendarHandler) ListSharedAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	views, err := h.service.SharedAccounts(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, accountsResponse{Accounts: toAccountResponses(views)})
}

// UpdateAccount は自分のアカウントの表示名と色を更新する。
// PATCH /api/calendar-accounts/{id}
func (h *CalendarHandler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req updateAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	account, err := h.service.UpdateAccountSettings(r.Context(), userID, chi.URLParam(r, "id"), req.Name, req.Color)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ownAccountResponse(account))
}

// DeleteAccount は自分のアカウントの接続を解除する。
// DELETE /api/calendar-accounts/{id}
func (h *CalendarHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.DisconnectAccount(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// FetchEvents は指定アカウントの1日分の予定を返す。
// POST /api/calendar/events
func (h *CalendarHandler) FetchEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req fetchEventsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == "" || req.Date == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("accountIdとdateは必須です"))
		return
	}

	events, err := h.service.FetchEvents(r.Context(), userID, req.AccountID, req.Date, req.Timezone)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, eventsResponse{
		AccountID: req.AccountID,
		Date:      req.Date,
		Events:    toEventResponses(events),
	})
}

// Day は見える全アカウントを統合した1日分の予定を返す。
// GET /api/calendar/day?date=YYYY-MM-DD&tz=Asia/Tokyo
func (h *CalendarHandler) Day(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	date := r.URL.Query().Get("date")
	if date == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("dateは必須です"))
		return
	}

	day, err := h.service.FetchDay(r.Context(), userID, date, r.URL.Query().Get("tz"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := dayResponse{
		Date:     day.Date,
		Accounts: toAccountResponses(day.Accounts),
		Events:   toEventResponses(day.Events),
		Errors:   make([]accountErrorResponse, len(day.Errors)),
	}
	for i, e := range day.Errors {
		resp.Errors[i] = accountErrorResponse{AccountID: e.AccountID, Code: e.Code, Message: e.Message}
	}

	writeJSON(w, http.StatusOK, resp)
}
