// Package main はビューアAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/paper-view/internal/auth"
	"github.com/yourusername/paper-view/internal/config"
	"github.com/yourusername/paper-view/internal/jobs"
	"github.com/yourusername/paper-view/internal/monitor"
	"github.com/yourusername/paper-view/internal/render"
	"github.com/yourusername/paper-view/internal/storage"
	"github.com/yourusername/paper-view/internal/viewer"
)

const (
	idleViewTimeout  = 30 * time.Minute
	idleViewInterval = time.Minute
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.Default()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定。開発時は秘密鍵が無ければ固定値を使う
	secret := cfg.SessionSecret
	if secret == "" {
		secret = "paper-view-dev-secret"
		logger.Printf("SESSION_SECRET is not set; using a development secret")
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"If-None-Match",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンと画像情報を読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token", "ETag", "X-Image-Width", "X-Image-Height"}
	router.Use(cors.New(corsConfig))

	// 描画スケジューラーは全文書で共有する
	sched := render.NewScheduler(render.Config{
		Workers:        cfg.RenderWorkers,
		KindPrecedence: cfg.RenderQueueOrder,
		Debug:          cfg.RenderDebug,
	}, logger)
	defer sched.Close()

	local, err := storage.NewLocal(cfg.UploadDir)
	if err != nil {
		log.Fatalf("Failed to prepare upload dir: %v", err)
	}

	backing, err := setupJobs(ctx, cfg, local, logger)
	if err != nil {
		log.Fatalf("Failed to setup jobs: %v", err)
	}
	defer backing.Close()

	opts := viewer.Options{
		CacheSize:  cfg.PageCacheSize,
		MaxPreload: cfg.MaxPreloadedPages,
		Debug:      cfg.RenderDebug,
		Metadata:   backing.metadata,
	}
	if cfg.WatchDocuments {
		mon, err := monitor.New(monitor.DefaultDelay, logger)
		if err != nil {
			logger.Printf("file monitor disabled: %v", err)
		} else {
			defer mon.Close()
			opts.Watcher = mon
		}
	}
	registry := viewer.NewRegistry(sched, opts, logger)
	defer registry.Shutdown()

	if cfg.LibraryDir != "" {
		n, err := registry.LoadLibrary(ctx, cfg.LibraryDir)
		if err != nil {
			logger.Printf("Failed to load library %s: %v", cfg.LibraryDir, err)
		}
		logger.Printf("Opened %d documents from %s", n, cfg.LibraryDir)
	}
	go closeIdleViews(ctx, registry, logger)

	// ルーティングの設定
	setupRoutes(router, cfg, registry, local, backing.queue)

	// サーバーの起動
	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "paper-view-api",
		"version": "0.1.0",
	})
}

// closeIdleViews は使われなくなったビューを定期的に閉じます。
func closeIdleViews(ctx context.Context, registry *viewer.Registry, logger *log.Logger) {
	ticker := time.NewTicker(idleViewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.CloseIdleViews(idleViewTimeout); n > 0 {
				logger.Printf("Closed %d idle views", n)
			}
		}
	}
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, registry *viewer.Registry, local *storage.Local, queue jobs.Queue) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	authManager := auth.NewManager(cfg)

	api := router.Group("/api")
	api.Use(authManager.Identify())
	{
		authRoutes := api.Group("/auth")
		{
			authRoutes.GET("/session", authManager.Session)
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		protected := api.Group("")
		protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		{
			viewer.NewHandler(registry, viewer.HandlerOptions{
				Storage:        local,
				Jobs:           queue,
				MaxFileSize:    cfg.MaxFileSize,
				ThumbnailWidth: cfg.ThumbnailWidth,
			}).Register(protected)

			protected.GET("/jobs/:id", jobStatusHandler(queue))
			protected.GET("/jobs/:id/download", jobDownloadHandler(queue))
		}
	}
}
