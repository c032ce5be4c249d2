package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/calman/internal/auth"
	"github.com/hitoshi/calman/internal/calendar"
	"github.com/hitoshi/calman/internal/config"
	"github.com/hitoshi/calman/internal/database"
	"github.com/hitoshi/calman/internal/handler"
	"github.com/hitoshi/calman/internal/invitation"
	"github.com/hitoshi/calman/internal/logger"
	"github.com/hitoshi/calman/internal/mail"
	"github.com/hitoshi/calman/internal/metrics"
	"github.com/hitoshi/calman/internal/middleware"
	"github.com/hitoshi/calman/internal/model"
	"github.com/hitoshi/calman/internal/repository"
	"github.com/hitoshi/calman/internal/security"
	"github.com/hitoshi/calman/internal/token"
	"github.com/hitoshi/calman/internal/user"
	"github.com/hitoshi/calman/internal/worker/cleanup"
	"github.com/hitoshi/calman/internal/worker/refresh"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.Bool("google_enabled", cfg.GoogleEnabled()),
		slog.Bool("microsoft_enabled", cfg.MicrosoftEnabled()),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		opts, err := ParseMigrateArgs(args[1:])
		if err != nil {
			return err
		}
		return runMigrate(cfg, opts)
	default:
		return runServe(cfg)
	}
}

// providerSet は有効化されたプロバイダごとのOAuth・リフレッシュ・イベント取得の実装。
type providerSet struct {
	oauth      []auth.OAuthProvider
	refreshers map[model.Provider]token.Refresher
	fetchers   map[model.Provider]calendar.EventFetcher
}

// buildProviders は資格情報が設定されたプロバイダだけを組み立てる。
// プロバイダへの通信はすべてguardのクライアントを経由し、
// OAuthエンドポイントが許可ホストを指していない場合は起動を中止する。
func buildProviders(cfg *config.Config, guard security.OutboundGuardService) (providerSet, error) {
	set := providerSet{
		refreshers: make(map[model.Provider]token.Refresher),
		fetchers:   make(map[model.Provider]calendar.EventFetcher),
	}
	client := guard.NewProviderClient(cfg.ProviderTimeout)
	sanitizer := security.NewEventSanitizer()

	if cfg.GoogleEnabled() {
		google := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			HTTPClient:   client,
		})
		set.oauth = append(set.oauth, google)
		set.refreshers[model.ProviderGoogle] = token.NewOAuthRefresher(google.OAuth2Config(), client)
		set.fetchers[model.ProviderGoogle] = calendar.NewGoogleFetcher(client, "", sanitizer)
	}

	if cfg.MicrosoftEnabled() {
		microsoft := auth.NewMicrosoftOAuthProvider(auth.MicrosoftOAuthConfig{
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftClientSecret,
			RedirectURL:  cfg.MicrosoftRedirectURL,
			Tenant:       cfg.MicrosoftTenant,
			HTTPClient:   client,
		})
		set.oauth = append(set.oauth, microsoft)
		set.refreshers[model.ProviderMicrosoft] = token.NewOAuthRefresher(microsoft.OAuth2Config(), client)
		set.fetchers[model.ProviderMicrosoft] = calendar.NewMicrosoftFetcher(client, "", sanitizer)
	}

	for _, p := range set.oauth {
		endpoint := p.OAuth2Config().Endpoint
		for _, u := range []string{endpoint.AuthURL, endpoint.TokenURL} {
			if err := guard.ValidateEndpoint(u); err != nil {
				return providerSet{}, fmt.Errorf("invalid %s endpoint: %w", p.Name(), err)
			}
		}
	}

	return set, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. セキュリティ・メトリクスの初期化
	cipher, err := security.NewTokenCipher(cfg.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize token cipher: %w", err)
	}
	if cfg.TokenEncryptionKey == "" {
		slog.Warn("TOKEN_ENCRYPTION_KEY is not set; provider tokens are stored unencrypted")
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	accountRepo := repository.NewPostgresCalendarAccountRepo(db, cipher)
	invitationRepo := repository.NewPostgresInvitationRepo(db)
	shareRepo := repository.NewPostgresShareRepo(db)

	// 4. ドメインサービスの初期化
	providers, err := buildProviders(cfg, security.NewOutboundGuard())
	if err != nil {
		return err
	}

	invitationService := invitation.NewService(
		invitationRepo, userRepo, shareRepo,
		mail.New(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}),
		collector,
		invitation.Config{BaseURL: cfg.BaseURL, TTL: cfg.InvitationTTL},
	)

	authService := auth.NewService(
		providers.oauth, userRepo, identRepo, accountRepo,
		auth.NewPasswordHasher(auth.DefaultPasswordCost),
		auth.NewSessionIssuer(cfg.JWTSecret, time.Duration(cfg.SessionMaxAge)*time.Second),
		invitationService,
	)

	tokenService := token.NewService(accountRepo, providers.refreshers, cfg.TokenExpiryWindow, collector)
	calendarService := calendar.NewService(
		calendar.NewResolver(accountRepo, shareRepo),
		accountRepo, tokenService, providers.fetchers, collector, 0,
	)
	userService := user.NewService(userRepo)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitInvitation, cfg.RateLimitAuth),
	)
	defer rateLimiter.Stop()

	authConfig := handler.AuthHandlerConfig{
		BaseURL:       cfg.BaseURL,
		CookieDomain:  cfg.CookieDomain,
		CookieSecure:  cfg.CookieSecure,
		SessionMaxAge: cfg.SessionMaxAge,
	}

	deps := &handler.RouterDeps{
		SessionVerifier:   authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Logger:          slog.Default(),
		HealthChecker:   db,
		MetricsGatherer: registry,

		AuthService:       authService,
		AuthConfig:        authConfig,
		TokenService:      tokenService,
		CalendarService:   calendarService,
		InvitationService: invitationService,
		UserService:       userService,
	}

	router := handler.NewRouter(deps)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、トークンリフレッシュスケジューラと招待クリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	cipher, err := security.NewTokenCipher(cfg.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize token cipher: %w", err)
	}

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	accountRepo := repository.NewPostgresCalendarAccountRepo(db, cipher)
	invitationRepo := repository.NewPostgresInvitationRepo(db)
	shareRepo := repository.NewPostgresShareRepo(db)

	// 3. サービスの初期化（ワーカーは/metricsを公開しないためメトリクスは無効）
	providers, err := buildProviders(cfg, security.NewOutboundGuard())
	if err != nil {
		return err
	}
	tokenService := token.NewService(accountRepo, providers.refreshers, cfg.TokenExpiryWindow, nil)
	invitationService := invitation.NewService(
		invitationRepo, userRepo, shareRepo, nil, nil,
		invitation.Config{BaseURL: cfg.BaseURL, TTL: cfg.InvitationTTL},
	)

	// 4. ジョブの初期化
	scheduler := refresh.NewScheduler(accountRepo, tokenService, slog.Default(), refresh.Config{
		Window:         cfg.TokenExpiryWindow,
		MaxConcurrency: cfg.RefreshMaxConcurrent,
	})
	cleanupJob := cleanup.NewCleanupJob(db, invitationService, slog.Default())
	cleanupJob.RetentionDays = cfg.InvitationRetentionDays

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("refresh_interval", cfg.RefreshInterval),
		slog.Int("max_concurrent", cfg.RefreshMaxConcurrent),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	// クリーンアップジョブをバックグラウンド実行
	go cleanupJob.Start(ctx, cfg.CleanupInterval)

	// リフレッシュスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.RefreshInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// 既定では未適用のマイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, opts MigrateOptions) error {
	slog.Info("running database migrations",
		slog.String("action", string(opts.Action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch opts.Action {
	case MigrateDown:
		if err := database.RollbackMigrations(cfg.DatabaseURL, opts.Steps); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
	case MigrateVersion:
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	status, err := database.CurrentSchema(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	slog.Info("database schema status",
		slog.Bool("applied", status.Applied),
		slog.Uint64("version", uint64(status.Version)),
		slog.Bool("dirty", status.Dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
