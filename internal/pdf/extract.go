package pdf

import (
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/gen2brain/go-fitz"

	"github.com/yourusername/doc-lens/internal/document"
)

// Extract は文書をページ画像に展開します。PDF は1ページずつJPEGへラスタライズし、画像はそのまま1ページとして扱います。
func (s *Service) Extract(ctx context.Context, doc document.Document) ([]document.PageImage, error) {
	ws, err := s.store.Open(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("workspace for document %s: %w", doc.ID, err)
	}
	manifest, err := loadManifest(ws.Dir)
	if err != nil {
		return nil, err
	}
	source := filepath.Join(ws.InDir, manifest.StoredName)

	switch manifest.Kind {
	case document.KindImage:
		return []document.PageImage{{
			Index:    0,
			Path:     source,
			MimeType: manifest.MimeType,
			Width:    manifest.Width,
			Height:   manifest.Height,
		}}, nil
	case document.KindPDF:
		return s.renderPages(ctx, source, ws.OutDir)
	default:
		return nil, fmt.Errorf("unsupported document kind: %q", manifest.Kind)
	}
}

func (s *Service) renderPages(ctx context.Context, source, outDir string) ([]document.PageImage, error) {
	doc, err := fitz.New(source)
	if err != nil {
		return nil, newError(CodeUnsupportedPDF, "PDFを開けませんでした。", err)
	}
	defer doc.Close()

	count := doc.NumPage()
	if count == 0 {
		return nil, newError(CodeUnsupportedPDF, "ページのないPDFは処理できません。", nil)
	}

	pages := make([]document.PageImage, 0, count)
	for n := 0; n < count; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img, err := doc.ImageDPI(n, float64(s.cfg.RenderDPI))
		if err != nil {
			return nil, newError(CodeRenderFailed, fmt.Sprintf("%dページ目の画像化に失敗しました。", n+1), err)
		}

		path := filepath.Join(outDir, fmt.Sprintf("page_%03d.jpg", n+1))
		out, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create page image: %w", err)
		}
		err = jpeg.Encode(out, img, &jpeg.Options{Quality: s.cfg.JPEGQuality})
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return nil, newError(CodeRenderFailed, fmt.Sprintf("%dページ目の画像保存に失敗しました。", n+1), err)
		}

		bounds := img.Bounds()
		pages = append(pages, document.PageImage{
			Index:    n,
			Path:     path,
			MimeType: "image/jpeg",
			Width:    bounds.Dx(),
			Height:   bounds.Dy(),
		})
	}
	return pages, nil
}
