// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/calman/internal/middleware"
	"github.com/hitoshi/calman/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの上限サイズ。
const maxRequestBodySize = 1 << 20

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをdstにデコードする。
// 不正なJSONの場合はバリデーションエラーを書き込み、falseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("リクエストボディが不正です"))
		return false
	}
	return true
}

// requireUserID はコンテキストから認証済みユーザーIDを取得する。
// 取得できない場合は401を書き込み、falseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

// writeAPIErrorResponse は統一エラーフォーマットでレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation, model.ErrCodeUnsupportedProvider,
		model.ErrCodeReconnectRequired, model.ErrCodeInvitationSelf:
		return http.StatusBadRequest
	case model.ErrCodeInvalidCredentials, model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeAccountAccessDenied:
		return http.StatusForbidden
	case model.ErrCodeUserNotFound, model.ErrCodeAccountNotFound,
		model.ErrCodeInvitationNotFound, model.ErrCodeShareNotFound:
		return http.StatusNotFound
	case model.ErrCodeUsernameTaken, model.ErrCodeEmailRegistered,
		model.ErrCodeInvitationPending, model.ErrCodeInvitationUsed:
		return http.StatusConflict
	case model.ErrCodeInvitationExpired:
		return http.StatusGone
	case model.ErrCodeTokenRefreshFailed, model.ErrCodeProviderUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// --- レスポンス型 ---

// userResponse はユーザー情報のAPIレスポンス。
type userResponse struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	Picture      string     `json:"picture,omitempty"`
	AuthProvider string     `json:"authProvider"`
	InvitedBy    string     `json:"invitedBy,omitempty"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		Name:         u.DisplayName(),
		Picture:      u.Picture,
		AuthProvider: string(u.AuthProvider),
		InvitedBy:    u.InvitedBy,
		LastLoginAt:  u.LastLoginAt,
		CreatedAt:    u.CreatedAt,
	}
}

// accountResponse はカレンダーアカウントのAPIレスポンス。トークンは含まない。
type accountResponse struct {
	ID                string     `json:"id"`
	Provider          string     `json:"provider"`
	Email             string     `json:"email"`
	Name              string     `json:"name"`
	Color             string     `json:"color"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	NeedsReconnect    bool       `json:"needsReconnect"`
	IsOwn             bool       `json:"isOwn"`
	CanEdit           bool       `json:"canEdit"`
	OwnerID           string     `json:"ownerId,omitempty"`
	OwnerName         string     `json:"ownerName,omitempty"`
	OwnerEmail        string     `json:"ownerEmail,omitempty"`
	OriginalAccountID string     `json:"originalAccountId,omitempty"`
}

func toAccountResponse(v model.VisibleAccount) accountResponse {
	return accountResponse{
		ID:                v.ID,
		Provider:          string(v.Provider),
		Email:             v.Email,
		Name:              v.Name,
		Color:             v.Color,
		ExpiresAt:         v.ExpiresAt,
		NeedsReconnect:    v.NeedsReconnect,
		IsOwn:             v.IsOwn,
		CanEdit:           v.CanEdit,
		OwnerID:           v.OwnerID,
		OwnerName:         v.OwnerName,
		OwnerEmail:        v.OwnerEmail,
		OriginalAccountID: v.OriginalAccountID,
	}
}

func toAccountResponses(views []model.VisibleAccount) []accountResponse {
	out := make([]accountResponse, len(views))
	for i, v := range views {
		out[i] = toAccountResponse(v)
	}
	return out
}

// ownAccountResponse は所有者自身のアカウントをレスポンス型に変換する。
func ownAccountResponse(a *model.CalendarAccount) accountResponse {
	return accountResponse{
		ID:             a.ID,
		Provider:       string(a.Provider),
		Email:          a.Email,
		Name:           a.Name,
		Color:          a.Color,
		ExpiresAt:      a.ExpiresAt,
		NeedsReconnect: a.NeedsReconnect,
		IsOwn:          true,
		CanEdit:        true,
	}
}

// eventResponse は予定のAPIレスポンス。
type eventResponse struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"accountId"`
	Provider       string    `json:"provider"`
	Title          string    `json:"title"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	AllDay         bool      `json:"allDay"`
	Location       string    `json:"location,omitempty"`
	Description    string    `json:"description,omitempty"`
	Preview        string    `json:"preview,omitempty"`
	ResponseStatus string    `json:"responseStatus"`
	HTMLLink       string    `json:"htmlLink,omitempty"`
}

func toEventResponses(events []model.Event) []eventResponse {
	out := make([]eventResponse, len(events))
	for i, e := range events {
		out[i] = eventResponse{
			ID:             e.ID,
			AccountID:      e.AccountID,
			Provider:       string(e.Provider),
			Title:          e.Title,
			Start:          e.Start,
			End:            e.End,
			AllDay:         e.AllDay,
			Location:       e.Location,
			Description:    e.Description,
			Preview:        e.Preview,
			ResponseStatus: e.ResponseStatus,
			HTMLLink:       e.HTMLLink,
		}
	}
	return out
}
