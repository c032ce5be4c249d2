package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/calman/internal/auth"
	"github.com/hitoshi/calman/internal/middleware"
	"github.com/hitoshi/calman/internal/model"
)

const oauthStateCookie = "oauth_state"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, in auth.RegisterInput) (*auth.Session, error)
	Login(ctx context.Context, username, password string) (*auth.Session, error)
	GetLoginURL(provider model.Provider, state string) (string, error)
	HandleCallback(ctx context.Context, provider model.Provider, code, currentUserID string) (*auth.CallbackResult, error)
	GetCurrentUser(ctx context.Context, userID string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はローカル認証とOAuth認証のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

type registerRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	Email           string `json:"email"`
	Name            string `json:"name"`
	InvitationToken string `json:"invitationToken"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponse struct {
	User userResponse `json:"user"`
}

// Register はローカルユーザーを登録し、セッションを開始する。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.service.Register(r.Context(), auth.RegisterInput{
		Username:        req.Username,
		Password:        req.Password,
		Email:           req.Email,
		Name:            req.Name,
		InvitationToken: req.InvitationToken,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setSessionCookie(w, session.Token)
	writeJSON(w, http.StatusCreated, sessionResponse{User: toUserResponse(session.User)})
}

// Login はユーザー名とパスワードで認証する。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setSessionCookie(w, session.Token)
	writeJSON(w, http.StatusOK, sessionResponse{User: toUserResponse(session.User)})
}

// Logout はセッションCookieを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	user, err := h.service.GetCurrentUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// OAuthLogin はプロバイダのOAuthフローを開始する。
// GET /auth/{provider}/login
func (h *AuthHandler) OAuthLogin(w http.ResponseWriter, r *http.Request) {
	provider, ok := model.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewUnsupportedProviderError(chi.URLParam(r, "provider")))
		return
	}

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	loginURL, err := h.service.GetLoginURL(provider, state)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
}

// OAuthCallback はOAuthコールバックを処理する。
// ログイン中であればアカウントを追加接続し、そうでなければログインまたは新規登録する。
// GET /auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "provider")
	provider, ok := model.ParseProvider(source)
	if !ok {
		h.redirectError(w, r, source, "unsupported_provider", "")
		return
	}

	query := r.URL.Query()

	// 1. プロバイダからのエラー通知
	if providerErr := query.Get("error"); providerErr != "" {
		details := query.Get("error_description")
		if details == "" {
			details = providerErr
		}
		slog.Warn("oauth provider returned error",
			slog.String("provider", string(provider)),
			slog.String("error", providerErr),
		)
		h.redirectError(w, r, source, "auth_error", details)
		return
	}

	// 2. stateの検証（CSRF対策）
	state := query.Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch", slog.String("provider", string(provider)))
		h.redirectError(w, r, source, "invalid_state", "")
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 3. 認可コードの取得
	code := query.Get("code")
	if code == "" {
		h.redirectError(w, r, source, "no_code", "")
		return
	}

	// 4. 認証処理（ログイン中ならアカウント追加）
	currentUserID, _ := middleware.UserIDFromContext(r.Context())
	result, err := h.service.HandleCallback(r.Context(), provider, code, currentUserID)
	if err != nil {
		slog.Error("oauth callback failed",
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeEmailRegistered {
			// 既存ユーザーはログインしてからアカウントを接続する
			h.redirectError(w, r, source, "email_registered", "")
			return
		}
		h.redirectError(w, r, source, "auth_error", "")
		return
	}

	// 5. セッションCookieを設定してフロントエンドにリダイレクト
	h.setSessionCookie(w, result.Session.Token)

	target := h.config.BaseURL + "/?auth_success=true"
	if result.Linked {
		target = h.config.BaseURL + "/?account_connected=" + url.QueryEscape(string(provider))
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// redirectError はフロントエンドのエラーページへリダイレクトする。
func (h *AuthHandler) redirectError(w http.ResponseWriter, r *http.Request, source, message, details string) {
	q := url.Values{}
	q.Set("source", source)
	q.Set("message", message)
	if details != "" {
		q.Set("details", details)
	}
	http.Redirect(w, r, h.config.BaseURL+"/error?"+q.Encode(), http.StatusTemporaryRedirect)
}

// setSessionCookie はセッションCookieを設定する（HTTP Only）。
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, token string) {
	setSessionCookie(w, token, h.config)
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	clearSessionCookie(w, h.config)
}

func setSessionCookie(w http.ResponseWriter, token string, config AuthHandlerConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    token,
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   config.SessionMaxAge,
		HttpOnly: true,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter, config AuthHandlerConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
