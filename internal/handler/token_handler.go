package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/calman/internal/model"
	"github.com/hitoshi/calman/internal/token"
)

// TokenServiceInterface はトークンハンドラーが必要とするサービスインターフェース。
type TokenServiceInterface interface {
	Window() time.Duration
	ExpiringAccounts(ctx context.Context, userID string) ([]*model.CalendarAccount, error)
	Refresh(ctx context.Context, userID, accountID string) (*model.CalendarAccount, error)
	RefreshExpiring(ctx context.Context, userID string) ([]token.RefreshResult, error)
}

// TokenHandler はアクセストークンの期限確認とリフレッシュのHTTPハンドラー。
type TokenHandler struct {
	service TokenServiceInterface
}

// NewTokenHandler はTokenHandlerを生成する。
func NewTokenHandler(service TokenServiceInterface) *TokenHandler {
	return &TokenHandler{service: service}
}

type expiringAccountResponse struct {
	AccountID      string     `json:"accountId"`
	Provider       string     `json:"provider"`
	Email          string     `json:"email"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	NeedsReconnect bool       `json:"needsReconnect"`
}

type checkTokensResponse struct {
	NeedsRefresh     bool                      `json:"needsRefresh"`
	WindowSeconds    int                       `json:"windowSeconds"`
	ExpiringAccounts []expiringAccountResponse `json:"expiringAccounts"`
}

type refreshTokenRequest struct {
	AccountID string `json:"accountId"`
}

type refreshResultResponse struct {
	AccountID      string     `json:"accountId"`
	Provider       string     `json:"provider"`
	Email          string     `json:"email"`
	Success        bool       `json:"success"`
	NeedsReconnect bool       `json:"needsReconnect,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Error          string     `json:"error,omitempty"`
}

type refreshAllResponse struct {
	Refreshed int                     `json:"refreshed"`
	Failed    int                     `json:"failed"`
	Results   []refreshResultResponse `json:"results"`
}

// Check は期限切れ間近のアカウントを返す。
// GET /api/tokens/check
func (h *TokenHandler) Check(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	accounts, err := h.service.ExpiringAccounts(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := checkTokensResponse{
		NeedsRefresh:     len(accounts) > 0,
		WindowSeconds:    int(h.service.Window().Seconds()),
		ExpiringAccounts: make([]expiringAccountResponse, len(accounts)),
	}
	for i, a := range accounts {
		resp.ExpiringAccounts[i] = expiringAccountResponse{
			AccountID:      a.ID,
			Provider:       string(a.Provider),
			Email:          a.Email,
			ExpiresAt:      a.ExpiresAt,
			NeedsReconnect: a.NeedsReconnect,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// Refresh は指定アカウントのトークンをリフレッシュする。
// POST /api/tokens/refresh
func (h *TokenHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req refreshTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("accountIdは必須です"))
		return
	}

	account, err := h.service.Refresh(r.Context(), userID, req.AccountID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, refreshResultResponse{
		AccountID: account.ID,
		Provider:  string(account.Provider),
		Email:     account.Email,
		Success:   true,
		ExpiresAt: account.ExpiresAt,
	})
}

// RefreshAll は期限切れ間近の全アカウントをリフレッシュする。
// アカウント単位の失敗は結果に含め、リクエスト自体は成功とする。
// POST /api/tokens/refresh-all
func (h *TokenHandler) RefreshAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	results, err := h.service.RefreshExpiring(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := refreshAllResponse{Results: make([]refreshResultResponse, len(results))}
	for i, res := range results {
		if res.Success {
			resp.Refreshed++
		} else {
			resp.Failed++
		}
		resp.Results[i] = refreshResultResponse{
			AccountID:      res.AccountID,
			Provider:       string(res.Provider),
			Email:          res.Email,
			Success:        res.Success,
			NeedsReconnect: res.NeedsReconnect,
			ExpiresAt:      res.ExpiresAt,
			Error:          res.Error,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
