// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
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
	"github.com/rs/zerolog/log"

	"github.com/yourusername/doc-lens/internal/auth"
	"github.com/yourusername/doc-lens/internal/config"
	"github.com/yourusername/doc-lens/internal/logging"
	"github.com/yourusername/doc-lens/internal/pdf"
)

const (
	serviceName     = "doc-lens-api"
	serviceVersion  = "0.1.0"
	shutdownTimeout = 30 * time.Second
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: serviceName,
	})

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize application")
	}

	router := gin.New()
	router.Use(logging.GinMiddleware(logger), gin.Recovery())

	// セッションストアの設定
	secret := cfg.SessionSecret
	if secret == "" {
		secret = randomSecret()
		logger.Warn().Msg("SESSION_SECRET is empty; using an ephemeral key")
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
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		auth.CSRFHeader,
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{auth.CSRFHeader}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, app.services())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("mode", cfg.GinMode).
			Bool("auth", app.auth.Enabled()).
			Int("max_concurrent_processes", cfg.MaxConcurrentProcesses).
			Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	if err := app.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("application shutdown failed")
	}
	logger.Info().Msg("bye")
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(js jobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		total, active := js.Counts()
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"service":    serviceName,
			"version":    serviceVersion,
			"totalJobs":  total,
			"activeJobs": active,
		})
	}
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, s services) {
	router.GET("/health", handleHealth(s.jobs))

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", s.auth.Login)
			authRoutes.GET("/session", s.auth.Session)
			authRoutes.POST("/logout",
				s.auth.RequireLogin(),
				s.auth.VerifyCSRF(),
				s.auth.Logout,
			)
		}

		protected := api.Group("")
		protected.Use(s.auth.RequireLogin(), s.auth.VerifyCSRF())
		{
			uploadChain := []gin.HandlerFunc{}
			if s.uploadLimit != nil {
				uploadChain = append(uploadChain, s.uploadLimit.Middleware())
			}
			protected.POST("/documents", append(uploadChain, pdf.UploadHandler(s.uploads, s.submitter))...)
			protected.POST("/documents/inspect", pdf.InspectHandler(s.inspect))

			protected.GET("/jobs", listJobsHandler(s.jobs))
			protected.POST("/jobs/cleanup", cleanupJobsHandler(s.jobs, s.defaultMaxAge))
			protected.GET("/jobs/:id", jobStatusHandler(s.jobs, s.now))
			protected.DELETE("/jobs/:id", deleteJobHandler(s.jobs))

			protected.GET("/index", listIndexesHandler(s.index))
			protected.GET("/index/stats", indexStatsHandler(s.index))
			protected.POST("/index/:id/search", searchIndexHandler(s.index))
			protected.DELETE("/index/:id", deleteIndexHandler(s.index))
		}
	}
}

// randomSecret は SESSION_SECRET 未設定時の一時的な署名鍵を返します。再起動でセッションは無効になります。
func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
