// Package analyzer は1ページ分の画像から OCR テキスト・要約・構造化データ・画像説明を生成します。
package analyzer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/doc-lens/internal/document"
)

// ErrNoContent はテキストも画像説明も得られなかったことを表します。
var ErrNoContent = errors.New("no text or visual description could be extracted")

const maxPromptRunes = 6000

const unifiedPrompt = `You are a document analysis assistant. Analyze the following text extracted from one page of a document.

Text:
"""
%s
"""

Return a single JSON object with exactly these keys:
{
  "document_type": "one of invoice, receipt, form, application, meeting, notes, report, letter, general",
  "summary": "a concise summary covering purpose, key points, dates, names and numbers",
  "structured_data": { "any key facts as key/value pairs appropriate for the document type" },
  "action_items": ["each action item or next step as a short sentence"]
}`

const summaryPrompt = `Summarize the following document content in a clear and concise manner.
Include the main topic, key points, action items, and important dates, names or numbers.

%s

Summary:`

const visionPrompt = `Analyze this document and provide:
1. Document type (invoice, form, report, notes, receipt, letter)
2. Key text content and important details
3. Visual elements (tables, charts, diagrams)
4. Main purpose and context
Be concise and structured.`

// Config は PageAnalyzer の設定です。
type Config struct {
	TextModel    string
	VisionModel  string
	EnableVision bool
}

// PageAnalyzer は OCR と言語モデルを組み合わせてページを解析します。
type PageAnalyzer struct {
	ocr    OCR
	llm    Generator
	cfg    Config
	logger zerolog.Logger
}

// New は PageAnalyzer を生成します。
func New(ocr OCR, llm Generator, cfg Config, logger zerolog.Logger) (*PageAnalyzer, error) {
	if ocr == nil {
		return nil, errors.New("ocr is nil")
	}
	if llm == nil {
		return nil, errors.New("generator is nil")
	}
	if cfg.TextModel == "" {
		return nil, errors.New("text model is required")
	}
	if cfg.EnableVision && cfg.VisionModel == "" {
		return nil, errors.New("vision model is required when vision is enabled")
	}
	return &PageAnalyzer{
		ocr:    ocr,
		llm:    llm,
		cfg:    cfg,
		logger: logger.With().Str("component", "analyzer").Logger(),
	}, nil
}

type unifiedResult struct {
	DocumentType   string         `json:"document_type"`
	Summary        string         `json:"summary"`
	StructuredData map[string]any `json:"structured_data"`
	ActionItems    []string       `json:"action_items"`
}

// Analyze はページを解析します。テキストも画像説明も得られなかった場合のみエラーを返し、
// テキスト解析だけが失敗した場合は AnalysisError に記録して結果を返します。
func (a *PageAnalyzer) Analyze(ctx context.Context, page document.PageImage) (*document.Analysis, error) {
	start := time.Now()
	log := a.logger.With().Int("page", page.Index+1).Logger()
	result := &document.Analysis{Model: a.cfg.TextModel}

	text, err := a.ocr.Recognize(ctx, page.Path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Warn().Err(err).Msg("ocr failed")
		result.OCRError = err.Error()
	}
	result.Text = text

	if strings.TrimSpace(text) != "" {
		if err := a.analyzeText(ctx, text, result); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			log.Warn().Err(err).Msg("text analysis failed")
			result.AnalysisError = err.Error()
		}
	}

	if a.cfg.EnableVision {
		desc, err := a.describe(ctx, page.Path)
		switch {
		case err == nil:
			result.VisualDescription = desc
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			log.Warn().Err(err).Msg("vision analysis failed")
		}
	}

	if strings.TrimSpace(result.Text) == "" && result.VisualDescription == "" {
		if result.OCRError != "" {
			return nil, fmt.Errorf("%w: %s", ErrNoContent, result.OCRError)
		}
		return nil, ErrNoContent
	}

	result.Elapsed = time.Since(start)
	log.Debug().Dur("elapsed", result.Elapsed).Int("text_len", len(result.Text)).Msg("page analyzed")
	return result, nil
}

// analyzeText は一括解析を試み、JSON を解釈できなければ要約のみの生成に切り替えます。
func (a *PageAnalyzer) analyzeText(ctx context.Context, text string, out *document.Analysis) error {
	excerpt := clip(text, maxPromptRunes)

	raw, err := a.llm.Generate(ctx, GenerateRequest{
		Model:       a.cfg.TextModel,
		Prompt:      fmt.Sprintf(unifiedPrompt, excerpt),
		JSON:        true,
		Temperature: 0.1,
	})
	if err == nil {
		var parsed unifiedResult
		if jsonErr := json.Unmarshal([]byte(extractJSON(raw)), &parsed); jsonErr == nil && parsed.Summary != "" {
			out.DocumentType = normalizeType(parsed.DocumentType)
			out.Summary = strings.TrimSpace(parsed.Summary)
			out.StructuredData = parsed.StructuredData
			out.ActionItems = parsed.ActionItems
			return nil
		}
	} else if ctx.Err() != nil {
		return err
	}

	summary, sumErr := a.llm.Generate(ctx, GenerateRequest{
		Model:       a.cfg.TextModel,
		Prompt:      fmt.Sprintf(summaryPrompt, excerpt),
		Temperature: 0.1,
	})
	if sumErr != nil {
		if err != nil {
			return fmt.Errorf("unified analysis: %v; summary: %w", err, sumErr)
		}
		return fmt.Errorf("summary: %w", sumErr)
	}
	out.DocumentType = "general"
	out.Summary = strings.TrimSpace(summary)
	return nil
}

func (a *PageAnalyzer) describe(ctx context.Context, imagePath string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("read page image: %w", err)
	}
	resp, err := a.llm.Generate(ctx, GenerateRequest{
		Model:       a.cfg.VisionModel,
		Prompt:      visionPrompt,
		Images:      []string{base64.StdEncoding.EncodeToString(data)},
		Temperature: 0.1,
		MaxTokens:   200,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp), nil
}

var knownTypes = map[string]bool{
	"invoice": true, "receipt": true, "form": true, "application": true,
	"meeting": true, "notes": true, "report": true, "letter": true, "general": true,
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if knownTypes[t] {
		return t
	}
	return "general"
}

// extractJSON はモデル応答から最初の JSON オブジェクト部分を取り出します。
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

func clip(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
