package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultOllamaHost は Ollama API の既定URLです。
const DefaultOllamaHost = "http://localhost:11434"

// GenerateRequest は /api/generate への1回の生成要求です。
type GenerateRequest struct {
	Model       string
	Prompt      string
	Images      []string // base64 エンコード済み画像
	JSON        bool     // format=json を指定する
	Temperature float64
	MaxTokens   int
}

// Generator はテキスト生成の呼び出し口です。
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Images  []string        `json:"images,omitempty"`
	Format  string          `json:"format,omitempty"`
	Stream  bool            `json:"stream"`
	Options *generateOption `json:"options,omitempty"`
}

type generateOption struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// OllamaClient はプロセス全体で共有する Ollama への接続です。起動時に生成し、終了時に Close します。
type OllamaClient struct {
	http    *http.Client
	baseURL string
	logger  zerolog.Logger
}

// NewOllamaClient は OllamaClient を生成します。タイムアウトは呼び出し側の ctx で与えます。
func NewOllamaClient(baseURL string, logger zerolog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaHost
	}
	return &OllamaClient{
		http:    &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With().Str("component", "ollama").Logger(),
	}
}

// Generate は1回の生成を行い、応答テキストを返します。
func (c *OllamaClient) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	body := generateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		Images: req.Images,
		Stream: false,
		Options: &generateOption{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
			NumCtx:      4096,
		},
	}
	if req.JSON {
		body.Format = "json"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama error: %s", out.Error)
	}

	c.logger.Debug().
		Str("model", req.Model).
		Int("images", len(req.Images)).
		Dur("elapsed", time.Since(start)).
		Msg("generate ok")
	return out.Response, nil
}

// Ping は /api/tags で疎通を確認します。
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return fmt.Errorf("ollama: failed to create ping request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: ping failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: API returned status %d", resp.StatusCode)
	}
	return nil
}

// WarmUp はモデルを読み込ませるために短い生成を1回行います。失敗はログのみです。
func (c *OllamaClient) WarmUp(ctx context.Context, models ...string) {
	for _, model := range models {
		if model == "" {
			continue
		}
		start := time.Now()
		if _, err := c.Generate(ctx, GenerateRequest{Model: model, Prompt: "Hello", MaxTokens: 1}); err != nil {
			c.logger.Warn().Err(err).Str("model", model).Msg("model warm-up failed")
			continue
		}
		c.logger.Info().Str("model", model).Dur("elapsed", time.Since(start)).Msg("model warmed up")
	}
}

// Close はアイドル接続を閉じます。
func (c *OllamaClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
