package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/doc-lens/internal/analyzer"
	"github.com/yourusername/doc-lens/internal/auth"
	"github.com/yourusername/doc-lens/internal/config"
	"github.com/yourusername/doc-lens/internal/index"
	"github.com/yourusername/doc-lens/internal/janitor"
	"github.com/yourusername/doc-lens/internal/jobs"
	"github.com/yourusername/doc-lens/internal/limiter"
	"github.com/yourusername/doc-lens/internal/pdf"
	"github.com/yourusername/doc-lens/internal/pipeline"
	"github.com/yourusername/doc-lens/internal/storage"
)

// jobService はジョブ系ハンドラーが使う操作です。
type jobService interface {
	Get(jobID string) (*jobs.Job, error)
	List() []*jobs.Job
	Counts() (total, active int)
	Delete(jobID string) error
	Cleanup(maxAge time.Duration) int
}

// services はルーティングに渡す依存のまとまりです。
type services struct {
	uploads       pdf.UploadService
	inspect       pdf.InspectService
	submitter     pdf.JobSubmitter
	jobs          jobService
	index         indexService
	auth          *auth.Manager
	uploadLimit   *auth.RateLimiter
	defaultMaxAge time.Duration
	now           func() time.Time
}

// app は起動時に一度だけ作る共有リソースを保持し、終了時に逆順で閉じます。
type app struct {
	cfg          *config.Config
	logger       zerolog.Logger
	workspaces   *storage.Local
	pdfService   *pdf.Service
	ollama       *analyzer.OllamaClient
	indexRedis   *redis.Client
	indexService *index.Service
	orchestrator *pipeline.Orchestrator
	janitor      *janitor.Manager
	auth         *auth.Manager
	uploadLimit  *auth.RateLimiter
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	workspaces, err := storage.NewLocal(cfg.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	a.workspaces = workspaces

	a.pdfService, err = pdf.NewService(pdf.ServiceConfig{
		MaxFileSize: cfg.MaxFileSize,
		MaxPages:    cfg.MaxPages,
		RenderDPI:   cfg.RenderDPI,
		JPEGQuality: cfg.JPEGQuality,
	}, workspaces)
	if err != nil {
		return nil, fmt.Errorf("pdf service: %w", err)
	}

	// モデルへの接続はプロセスで1つだけ作り、全ジョブで共有する
	a.ollama = analyzer.NewOllamaClient(cfg.OllamaHost, logger)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := a.ollama.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Str("host", cfg.OllamaHost).Msg("ollama is not reachable; page analysis will fail until it is")
	} else {
		models := []string{cfg.TextModel}
		if cfg.EnableVision {
			models = append(models, cfg.VisionModel)
		}
		go a.ollama.WarmUp(context.WithoutCancel(ctx), models...)
	}
	cancel()

	pageAnalyzer, err := analyzer.New(
		&analyzer.Tesseract{
			Path:   cfg.TesseractPath,
			Lang:   cfg.TesseractLang,
			Runner: analyzer.ExecRunner{Logger: logger.With().Str("component", "tesseract").Logger()},
		},
		a.ollama,
		analyzer.Config{
			TextModel:    cfg.TextModel,
			VisionModel:  cfg.VisionModel,
			EnableVision: cfg.EnableVision,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("analyzer: %w", err)
	}

	var backend index.Backend = index.NewMemoryBackend()
	if cfg.IndexBackend == "redis" {
		a.indexRedis, err = index.DialRedis(ctx, cfg.IndexRedisURL)
		if err != nil {
			return nil, fmt.Errorf("index backend: %w", err)
		}
		backend = index.NewRedisBackend(a.indexRedis, 0)
	}
	a.indexService = index.NewService(backend, logger)

	a.orchestrator, err = pipeline.New(
		jobs.NewStore(jobs.WithMaxJobs(cfg.MaxJobs)),
		limiter.New(cfg.MaxConcurrentProcesses),
		a.pdfService,
		pageAnalyzer,
		a.indexService,
		pipeline.Options{
			PageTimeout:     cfg.PageTimeout,
			IndexTimeout:    cfg.IndexTimeout,
			WatchdogTimeout: cfg.WatchdogTimeout,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	a.janitor, err = janitor.NewManager(janitor.Options{
		Interval: cfg.CleanupInterval,
		MaxAge:   cfg.JobMaxAge,
		RedisURL: cfg.QueueRedisURL,
	}, a.orchestrator, workspaces, logger)
	if err != nil {
		return nil, fmt.Errorf("janitor: %w", err)
	}
	if err := a.janitor.Start(); err != nil {
		return nil, fmt.Errorf("janitor: %w", err)
	}

	a.auth = auth.NewManager(auth.Credentials{
		Username:     cfg.AppUsername,
		PasswordHash: cfg.AppPasswordHash,
	}, logger)
	if cfg.UploadRatePerMinute > 0 {
		a.uploadLimit = auth.NewRateLimiter(cfg.UploadRatePerMinute, cfg.UploadBurst)
	}
	return a, nil
}

func (a *app) services() services {
	return services{
		uploads:       a.pdfService,
		inspect:       a.pdfService,
		submitter:     a.orchestrator,
		jobs:          a.orchestrator,
		index:         a.indexService,
		auth:          a.auth,
		uploadLimit:   a.uploadLimit,
		defaultMaxAge: a.cfg.JobMaxAge,
		now:           time.Now,
	}
}

// Close は掃除を止め、パイプラインを終了させてから外部接続を閉じます。
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.janitor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("janitor: %w", err))
	}
	if err := a.orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.ollama.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ollama: %w", err))
	}
	if a.indexRedis != nil {
		if err := a.indexRedis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("index redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// jobView は GET /api/jobs/:id の応答です。
type jobView struct {
	*jobs.Job
	DurationSeconds float64 `json:"durationSeconds"`
	StepDescription string  `json:"stepDescription"`
}

func jobStatusHandler(js jobService, now func() time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		job, err := js.Get(jobID)
		if err != nil {
			respondJobError(c, err)
			return
		}
		c.JSON(http.StatusOK, jobView{
			Job:             job,
			DurationSeconds: job.Duration(now()).Seconds(),
			StepDescription: job.StepDescription(),
		})
	}
}

func listJobsHandler(js jobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		list := js.List()
		total, active := js.Counts()
		c.JSON(http.StatusOK, gin.H{
			"jobs":       list,
			"totalJobs":  total,
			"activeJobs": active,
		})
	}
}

func deleteJobHandler(js jobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if err := js.Delete(jobID); err != nil {
			respondJobError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"jobId":   jobID,
			"message": "ジョブを削除しました。",
		})
	}
}

func cleanupJobsHandler(js jobService, defaultMaxAge time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		maxAge := defaultMaxAge
		if raw := c.Query("maxAgeSeconds"); raw != "" {
			seconds, err := strconv.Atoi(raw)
			if err != nil || seconds < 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "maxAgeSeconds は0以上の整数で指定してください。",
				})
				return
			}
			maxAge = time.Duration(seconds) * time.Second
		}

		removed := js.Cleanup(maxAge)
		total, _ := js.Counts()
		c.JSON(http.StatusOK, gin.H{
			"removedCount":  removed,
			"remainingJobs": total,
		})
	}
}

func respondJobError(c *gin.Context, err error) {
	if errors.Is(err, jobs.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "INTERNAL_ERROR",
		"message": "ジョブ情報の取得に失敗しました。",
	})
}
