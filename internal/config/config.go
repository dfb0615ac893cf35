// Package config は環境変数から doc-lens の設定を読み込みます。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はサーバー全体の設定です。
type Config struct {
	// ログイン
	AppUsername     string
	AppPasswordHash string // bcrypt ハッシュ
	SessionSecret   string // クッキー署名鍵。空なら起動ごとに生成

	// HTTP
	Port               string
	GinMode            string // debug / release / test
	CORSAllowedOrigins string // カンマ区切り

	// ファイル制限
	MaxFileSize int64 // 単一ファイルの最大サイズ（バイト）
	MaxPages    int   // 単一文書の最大ページ数

	// アップロード頻度制限（クライアントIPごと）
	UploadRatePerMinute int
	UploadBurst         int

	// パイプライン設定
	MaxConcurrentProcesses int           // ページ解析の同時実行数（全ジョブ共通）
	PageTimeout            time.Duration // 1ページの解析タイムアウト
	WatchdogTimeout        time.Duration // ページ完了が途絶えた場合にジョブを失敗させるまでの時間
	IndexTimeout           time.Duration // インデックス構築のタイムアウト

	// ジョブ保持設定
	JobMaxAge       time.Duration // この時間を過ぎたジョブは定期削除の対象
	MaxJobs         int           // 保持するジョブ数の上限
	CleanupInterval time.Duration // 定期削除の間隔

	// 抽出設定
	WorkspaceDir string // ジョブごとの作業ディレクトリの親
	RenderDPI    int    // PDFページのラスタライズ解像度
	JPEGQuality  int    // ラスタライズ画像のJPEG品質

	// 解析設定
	OllamaHost    string // Ollama APIのURL
	TextModel     string // テキスト解析モデル
	VisionModel   string // 画像説明モデル（LLaVA）
	EnableVision  bool   // 画像説明を有効にするか
	TesseractPath string // tesseract 実行ファイルのパス
	TesseractLang string // OCR言語（例: jpn+eng）

	// インデックス設定
	IndexBackend  string // memory または redis
	IndexRedisURL string // redis バックエンドの接続URL

	// ジョブ/キュー設定
	QueueRedisURL string // Asynq用Redis接続URL（空なら定期削除はプロセス内タイマー）

	// ログ設定
	LogLevel  string
	LogFormat string // json または console
}

// Load は環境変数（と .env.local）から Config を組み立てて検証します。
func Load() (*Config, error) {
	loadDotEnv()

	cfg := &Config{
		AppUsername:     str("APP_USERNAME", ""),
		AppPasswordHash: str("APP_PASSWORD_HASH", ""),
		SessionSecret:   str("SESSION_SECRET", ""),

		Port:               str("PORT", "8080"),
		GinMode:            str("GIN_MODE", "debug"),
		CORSAllowedOrigins: str("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		MaxFileSize: num[int64]("MAX_FILE_SIZE", 100<<20),
		MaxPages:    num[int]("MAX_PAGES", 200),

		UploadRatePerMinute: num[int]("UPLOAD_RATE_PER_MINUTE", 30),
		UploadBurst:         num[int]("UPLOAD_BURST", 10),

		MaxConcurrentProcesses: num[int]("MAX_CONCURRENT_PROCESSES", 4),
		PageTimeout:            dur("PAGE_TIMEOUT_SECONDS", 120, time.Second),
		WatchdogTimeout:        dur("WATCHDOG_TIMEOUT_SECONDS", 600, time.Second),
		IndexTimeout:           dur("INDEX_TIMEOUT_SECONDS", 300, time.Second),

		JobMaxAge:       dur("JOB_MAX_AGE_HOURS", 24, time.Hour),
		MaxJobs:         num[int]("MAX_JOBS", 500),
		CleanupInterval: dur("CLEANUP_INTERVAL_MINUTES", 10, time.Minute),

		WorkspaceDir: str("WORKSPACE_DIR", filepath.Join(os.TempDir(), "doc-lens")),
		RenderDPI:    num[int]("RENDER_DPI", 200),
		JPEGQuality:  num[int]("JPEG_QUALITY", 90),

		OllamaHost:    str("OLLAMA_HOST", "http://localhost:11434"),
		TextModel:     str("TEXT_MODEL", "llama3.1:8b"),
		VisionModel:   str("LLAVA_MODEL", "llava:7b"),
		EnableVision:  parsed("ENABLE_VISION", false, strconv.ParseBool),
		TesseractPath: str("TESSERACT_PATH", "tesseract"),
		TesseractLang: str("TESSERACT_LANG", "jpn+eng"),

		IndexBackend:  strings.ToLower(str("INDEX_BACKEND", "memory")),
		IndexRedisURL: str("INDEX_REDIS_URL", "redis://127.0.0.1:6379/1"),
		QueueRedisURL: str("QUEUE_REDIS_URL", ""),

		LogLevel:  str("LOG_LEVEL", "info"),
		LogFormat: str("LOG_FORMAT", "console"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv はカレントとその親ディレクトリの .env.local を探し、最初に見つかったものを読み込みます。
// 既に設定済みの環境変数は上書きしません。
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for range 2 {
		if godotenv.Load(filepath.Join(dir, ".env.local")) == nil {
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// AuthEnabled は認証情報が設定されているかを返します。
func (c *Config) AuthEnabled() bool {
	return c.AppUsername != "" && c.AppPasswordHash != ""
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.MaxConcurrentProcesses < 1 {
		return fmt.Errorf("MAX_CONCURRENT_PROCESSES must be at least 1, got %d", c.MaxConcurrentProcesses)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("MAX_PAGES must be positive")
	}
	if c.PageTimeout <= 0 || c.IndexTimeout <= 0 {
		return fmt.Errorf("PAGE_TIMEOUT_SECONDS and INDEX_TIMEOUT_SECONDS must be positive")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("JPEG_QUALITY must be between 1 and 100, got %d", c.JPEGQuality)
	}
	switch c.IndexBackend {
	case "memory":
	case "redis":
		if c.IndexRedisURL == "" {
			return fmt.Errorf("INDEX_REDIS_URL is required when INDEX_BACKEND=redis")
		}
	default:
		return fmt.Errorf("INDEX_BACKEND must be memory or redis, got %q", c.IndexBackend)
	}

	if c.GinMode != "release" {
		return nil
	}
	var missing []string
	for _, kv := range [][2]string{
		{"APP_USERNAME", c.AppUsername},
		{"APP_PASSWORD_HASH", c.AppPasswordHash},
		{"SESSION_SECRET", c.SessionSecret},
	} {
		if kv[1] == "" {
			missing = append(missing, kv[0])
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("release mode requires %s", strings.Join(missing, ", "))
	}

	return nil
}

func str(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parsed は key の値を parse で変換します。未設定や変換失敗なら fallback を返します。
func parsed[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		return fallback
	}
	return v
}

func num[T int | int64](key string, fallback T) T {
	return parsed(key, fallback, func(s string) (T, error) {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		return T(n), err
	})
}

func dur(key string, fallback int, unit time.Duration) time.Duration {
	return time.Duration(num(key, fallback)) * unit
}
