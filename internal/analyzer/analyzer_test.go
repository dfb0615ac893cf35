package analyzer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/doc-lens/internal/document"
)

type stubOCR struct {
	text string
	err  error
}

func (s stubOCR) Recognize(ctx context.Context, imagePath string) (string, error) {
	return s.text, s.err
}

type scriptedGenerator struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	requests  []GenerateRequest
}

func (g *scriptedGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := len(g.requests)
	g.requests = append(g.requests, req)
	var resp string
	var err error
	if i < len(g.responses) {
		resp = g.responses[i]
	}
	if i < len(g.errs) {
		err = g.errs[i]
	}
	return resp, err
}

func pageFile(t *testing.T) document.PageImage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "page_001.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg-bytes"), 0o600))
	return document.PageImage{Index: 0, Path: path, MimeType: "image/jpeg"}
}

func TestAnalyzeUnified(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`Sure! {"document_type":"Invoice","summary":"Invoice from ACME","structured_data":{"total_amount":"120.00"},"action_items":["Pay by Friday"]}`,
	}}
	a, err := New(stubOCR{text: "ACME invoice total 120.00"}, gen, Config{TextModel: "llama3.1:8b"}, zerolog.Nop())
	require.NoError(t, err)

	res, err := a.Analyze(context.Background(), pageFile(t))
	require.NoError(t, err)
	assert.Equal(t, "ACME invoice total 120.00", res.Text)
	assert.Equal(t, "invoice", res.DocumentType)
	assert.Equal(t, "Invoice from ACME", res.Summary)
	assert.Equal(t, "120.00", res.StructuredData["total_amount"])
	assert.Equal(t, []string{"Pay by Friday"}, res.ActionItems)
	assert.Empty(t, res.AnalysisError)
	require.Len(t, gen.requests, 1)
	assert.True(t, gen.requests[0].JSON)
	assert.Contains(t, gen.requests[0].Prompt, "ACME invoice")
}

func TestAnalyzeFallsBackToSummary(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"not json at all", "  a short summary  "}}
	a, err := New(stubOCR{text: "meeting notes"}, gen, Config{TextModel: "m"}, zerolog.Nop())
	require.NoError(t, err)

	res, err := a.Analyze(context.Background(), pageFile(t))
	require.NoError(t, err)
	assert.Equal(t, "a short summary", res.Summary)
	assert.Equal(t, "general", res.DocumentType)
	assert.Len(t, gen.requests, 2)
}

func TestAnalyzeKeepsTextWhenModelFails(t *testing.T) {
	boom := errors.New("connection refused")
	gen := &scriptedGenerator{errs: []error{boom, boom}}
	a, err := New(stubOCR{text: "some text"}, gen, Config{TextModel: "m"}, zerolog.Nop())
	require.NoError(t, err)

	res, err := a.Analyze(context.Background(), pageFile(t))
	require.NoError(t, err)
	assert.Equal(t, "some text", res.Text)
	assert.Contains(t, res.AnalysisError, "connection refused")
	assert.True(t, res.HasContent())
}

func TestAnalyzeFailsWithoutContent(t *testing.T) {
	a, err := New(stubOCR{err: errors.New("tesseract: image too small")}, &scriptedGenerator{}, Config{TextModel: "m"}, zerolog.Nop())
	require.NoError(t, err)

	_, err = a.Analyze(context.Background(), pageFile(t))
	assert.ErrorIs(t, err, ErrNoContent)
	assert.Contains(t, err.Error(), "image too small")
}

func TestAnalyzeVisionOnly(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"A photo of a whiteboard with a diagram."}}
	a, err := New(stubOCR{}, gen, Config{TextModel: "m", VisionModel: "llava:7b", EnableVision: true}, zerolog.Nop())
	require.NoError(t, err)

	res, err := a.Analyze(context.Background(), pageFile(t))
	require.NoError(t, err)
	assert.Equal(t, "A photo of a whiteboard with a diagram.", res.VisualDescription)
	require.Len(t, gen.requests, 1)
	assert.Equal(t, "llava:7b", gen.requests[0].Model)
	require.Len(t, gen.requests[0].Images, 1)
	assert.NotEmpty(t, gen.requests[0].Images[0])
}

func TestAnalyzeReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a, err := New(stubOCR{err: errors.New("killed")}, &scriptedGenerator{}, Config{TextModel: "m"}, zerolog.Nop())
	require.NoError(t, err)

	_, err = a.Analyze(ctx, pageFile(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(nil, &scriptedGenerator{}, Config{TextModel: "m"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(stubOCR{}, nil, Config{TextModel: "m"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(stubOCR{}, &scriptedGenerator{}, Config{}, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(stubOCR{}, &scriptedGenerator{}, Config{TextModel: "m", EnableVision: true}, zerolog.Nop())
	assert.Error(t, err)
}

func TestClipCountsRunes(t *testing.T) {
	s := strings.Repeat("あ", 10)
	assert.Equal(t, strings.Repeat("あ", 4), clip(s, 4))
	assert.Equal(t, s, clip(s, 10))
}
