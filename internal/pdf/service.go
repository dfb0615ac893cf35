// Package pdf はアップロードされた文書（PDF・画像）を受け付け、解析用のページ画像へ展開します。
package pdf

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	_ "golang.org/x/image/webp"

	"github.com/yourusername/doc-lens/internal/document"
	"github.com/yourusername/doc-lens/internal/storage"
)

const (
	defaultRenderDPI   = 200
	defaultJPEGQuality = 90
)

type fileType struct {
	kind document.Kind
	ext  string
}

// 受け付けるファイル形式と保存時の拡張子。
var allowedTypes = map[string]fileType{
	"application/pdf": {kind: document.KindPDF, ext: ".pdf"},
	"image/png":       {kind: document.KindImage, ext: ".png"},
	"image/jpeg":      {kind: document.KindImage, ext: ".jpg"},
	"image/webp":      {kind: document.KindImage, ext: ".webp"},
}

// ServiceConfig は入力制限とラスタライズ設定です。
type ServiceConfig struct {
	MaxFileSize int64
	MaxPages    int
	RenderDPI   int
	JPEGQuality int
}

// Service は文書の受付とページ抽出を行います。
type Service struct {
	cfg   ServiceConfig
	store *storage.Local
	now   func() time.Time
}

// NewService は Service を生成します。
func NewService(cfg ServiceConfig, store *storage.Local) (*Service, error) {
	if store == nil {
		return nil, errors.New("storage is nil")
	}
	if cfg.RenderDPI <= 0 {
		cfg.RenderDPI = defaultRenderDPI
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = defaultJPEGQuality
	}
	return &Service{cfg: cfg, store: store, now: time.Now}, nil
}

// SourceFileMeta はアップロードされたファイルの基本情報です。
type SourceFileMeta struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Pages    int    `json:"pages"`
}

type storedFile struct {
	path         string
	originalName string
	mimeType     string
	kind         document.Kind
	size         int64
	pages        int
	width        int
	height       int
}

// PrepareUpload はアップロードをワークスペースへ保存して検証し、処理対象の Document を返します。
func (s *Service) PrepareUpload(ctx context.Context, file *multipart.FileHeader) (*document.Document, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if file == nil {
		return nil, newError(CodeInvalidInput, "ファイルを選択してください。", nil)
	}

	ws, err := s.store.Create()
	if err != nil {
		return nil, err
	}
	stored, err := s.storeMultipartFile(ctx, file, ws)
	if err != nil {
		_ = s.store.Remove(ws.ID)
		return nil, err
	}

	manifest := &DocumentManifest{
		DocumentID:   ws.ID,
		Kind:         stored.kind,
		MimeType:     stored.mimeType,
		StoredName:   filepath.Base(stored.path),
		OriginalName: stored.originalName,
		Size:         stored.size,
		Pages:        stored.pages,
		Width:        stored.width,
		Height:       stored.height,
		CreatedAt:    s.now().UTC(),
	}
	if err := writeManifest(ws.Dir, manifest); err != nil {
		_ = s.store.Remove(ws.ID)
		return nil, fmt.Errorf("ジョブマニフェストの保存に失敗しました: %w", err)
	}

	return &document.Document{
		ID:       ws.ID,
		Filename: stored.originalName,
		Path:     stored.path,
		MimeType: stored.mimeType,
		Size:     stored.size,
		Kind:     stored.kind,
	}, nil
}

// Discard は文書のワークスペースを削除します。
func (s *Service) Discard(doc document.Document) error {
	if doc.ID == "" {
		return nil
	}
	return s.store.Remove(doc.ID)
}

func (s *Service) storeMultipartFile(ctx context.Context, file *multipart.FileHeader, ws *storage.Workspace) (storedFile, error) {
	name := sanitizeFilename(file.Filename)
	if s.cfg.MaxFileSize > 0 && file.Size > s.cfg.MaxFileSize {
		return storedFile{}, limitError(s.cfg.MaxFileSize)
	}

	src, err := file.Open()
	if err != nil {
		return storedFile{}, fmt.Errorf("アップロードファイルを開けませんでした: %w", err)
	}
	defer src.Close()

	tmpPath := filepath.Join(ws.InDir, "upload.tmp")
	size, err := s.store.SaveStream(ctx, tmpPath, src, s.cfg.MaxFileSize)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return storedFile{}, limitError(s.cfg.MaxFileSize)
		}
		return storedFile{}, err
	}
	if size == 0 {
		return storedFile{}, newError(CodeInvalidInput, "空のファイルはアップロードできません。", nil)
	}

	mtype, err := mimetype.DetectFile(tmpPath)
	if err != nil {
		return storedFile{}, fmt.Errorf("ファイル形式の判定に失敗しました: %w", err)
	}
	mimeName, allowed, ok := lookupType(mtype)
	if !ok {
		return storedFile{}, newError(CodeUnsupportedFileType,
			fmt.Sprintf("対応していないファイル形式です（%s）。PDF・PNG・JPEG・WebP を選択してください。", mtype.String()), nil)
	}

	path := filepath.Join(ws.InDir, "source"+allowed.ext)
	if err := os.Rename(tmpPath, path); err != nil {
		return storedFile{}, fmt.Errorf("アップロードファイルの保存に失敗しました: %w", err)
	}

	stored := storedFile{
		path:         path,
		originalName: name,
		mimeType:     mimeName,
		kind:         allowed.kind,
		size:         size,
	}

	switch allowed.kind {
	case document.KindPDF:
		if err := pdfapi.ValidateFile(path, nil); err != nil {
			return storedFile{}, newError(CodeUnsupportedPDF, "PDFを読み込めませんでした。ファイルが破損していないか確認してください。", err)
		}
		pages, err := pdfapi.PageCountFile(path)
		if err != nil {
			return storedFile{}, newError(CodeUnsupportedPDF, "PDFのページ数を取得できませんでした。", err)
		}
		if pages == 0 {
			return storedFile{}, newError(CodeUnsupportedPDF, "ページのないPDFは処理できません。", nil)
		}
		if s.cfg.MaxPages > 0 && pages > s.cfg.MaxPages {
			return storedFile{}, newError(CodeLimitExceeded,
				fmt.Sprintf("ページ数が上限（%dページ）を超えています。", s.cfg.MaxPages), nil)
		}
		stored.pages = pages
	case document.KindImage:
		w, h, err := imageSize(path)
		if err != nil {
			return storedFile{}, newError(CodeUnsupportedFileType, "画像を読み込めませんでした。", err)
		}
		stored.pages, stored.width, stored.height = 1, w, h
	}
	return stored, nil
}

func lookupType(mtype *mimetype.MIME) (string, fileType, bool) {
	for m := mtype; m != nil; m = m.Parent() {
		name := canonicalMime(m)
		if t, ok := allowedTypes[name]; ok {
			return name, t, true
		}
	}
	return "", fileType{}, false
}

func canonicalMime(m *mimetype.MIME) string {
	base, _, _ := strings.Cut(m.String(), ";")
	return strings.TrimSpace(base)
}

func imageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

func limitError(max int64) *Error {
	return newError(CodeLimitExceeded,
		fmt.Sprintf("ファイルサイズが上限（%dMB）を超えています。", max/(1024*1024)), nil)
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || strings.TrimSpace(name) == "" {
		return "document"
	}
	return name
}
