package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/calman/internal/metrics"
	"github.com/hitoshi/calman/internal/middleware"
)

// healthCheckTimeout はヘルスチェック時のDB疎通確認のタイムアウト。
const healthCheckTimeout = 2 * time.Second

// HealthChecker はヘルスチェックで疎通確認する依存先。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionVerifier   middleware.SessionVerifier
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig
	Logger            *slog.Logger

	// 運用
	HealthChecker   HealthChecker
	MetricsGatherer prometheus.Gatherer

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// トークン
	TokenService TokenServiceInterface

	// カレンダー
	CalendarService CalendarServiceInterface

	// 招待・共有
	InvitationService InvitationServiceInterface

	// ユーザー
	UserService UserServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → SecurityHeaders → Logging → CORS
//	  /api/*: Session → RateLimit(General) → CSRF
//
// 認証ルート（/auth/*）とヘルスチェックはセッション必須のチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	tokenHandler := NewTokenHandler(deps.TokenService)
	calendarHandler := NewCalendarHandler(deps.CalendarService)
	invitationHandler := NewInvitationHandler(deps.InvitationService)
	userHandler := NewUserHandler(deps.UserService, deps.AuthConfig)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}
	r.Handle("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// 招待トークンの検証は未登録ユーザーが登録前に呼ぶ
	r.Get("/api/invitations/validate", invitationHandler.Validate)

	// 認証ルート
	r.Route("/auth", func(r chi.Router) {
		// パスワード認証はクライアントIP単位で制限する
		r.With(deps.RateLimiter.AuthMiddleware()).Post("/register", authHandler.Register)
		r.With(deps.RateLimiter.AuthMiddleware()).Post("/login", authHandler.Login)
		r.Post("/logout", authHandler.Logout)
		r.With(middleware.NewSessionMiddleware(deps.SessionVerifier)).Get("/me", authHandler.Me)

		// OAuthフロー。ログイン中のコールバックはアカウントの追加接続として扱う
		r.Get("/{provider}/login", authHandler.OAuthLogin)
		r.With(middleware.NewOptionalSessionMiddleware(deps.SessionVerifier)).
			Get("/{provider}/callback", authHandler.OAuthCallback)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionVerifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		// トークン管理
		r.Route("/api/tokens", func(r chi.Router) {
			r.Get("/check", tokenHandler.Check)
			r.Post("/refresh", tokenHandler.Refresh)
			r.Post("/refresh-all", tokenHandler.RefreshAll)
		})

		// カレンダーアカウント管理
		r.Route("/api/calendar-accounts", func(r chi.Router) {
			r.Get("/", calendarHandler.ListAccounts)
			r.Get("/shared", calendarHandler.ListSharedAccounts)
			r.Patch("/{id}", calendarHandler.UpdateAccount)
			r.Delete("/{id}", calendarHandler.DeleteAccount)
		})

		// 予定取得
		r.Route("/api/calendar", func(r chi.Router) {
			r.Post("/events", calendarHandler.FetchEvents)
			r.Get("/day", calendarHandler.Day)
		})

		// 招待管理
		r.Route("/api/invitations", func(r chi.Router) {
			// POST /api/invitations/send - 招待送信（送信専用レート制限を追加）
			r.With(deps.RateLimiter.InvitationMiddleware()).Post("/send", invitationHandler.Send)
			r.Get("/", invitationHandler.List)
			r.Post("/accept", invitationHandler.Accept)
			r.Delete("/{id}", invitationHandler.Delete)
		})

		// 共有関係
		r.Route("/api/sharing", func(r chi.Router) {
			r.Get("/", invitationHandler.ListSharing)
			r.Delete("/viewers/{id}", invitationHandler.RevokeViewer)
		})

		// ユーザー管理
		r.Route("/api/users", func(r chi.Router) {
			r.Delete("/me", userHandler.Withdraw)
		})
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
