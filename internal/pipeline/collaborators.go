// Package pipeline は文書をページ単位のタスクに展開し、同時実行数を制限しながら解析・集約・索引構築を行います。
package pipeline

import (
	"context"

	"github.com/yourusername/doc-lens/internal/document"
	"github.com/yourusername/doc-lens/internal/jobs"
)

// Extractor は文書をページ画像の列に展開します。
type Extractor interface {
	Extract(ctx context.Context, doc document.Document) ([]document.PageImage, error)
}

// Analyzer は1ページを解析します。タイムアウトは ctx の期限として渡されます。
type Analyzer interface {
	Analyze(ctx context.Context, page document.PageImage) (*document.Analysis, error)
}

// IndexBuilder は文書全体の検索インデックスを構築し、そのIDを返します。
type IndexBuilder interface {
	Build(ctx context.Context, documentID string, results []jobs.PageResult) (string, error)
}

// Discarder を実装する Extractor は、ジョブ終了後に作業ファイルを破棄されます。
type Discarder interface {
	Discard(doc document.Document) error
}

// ExtractorFunc は関数を Extractor として扱うためのアダプタです。
type ExtractorFunc func(ctx context.Context, doc document.Document) ([]document.PageImage, error)

// Extract は f(ctx, doc) を呼び出します。
func (f ExtractorFunc) Extract(ctx context.Context, doc document.Document) ([]document.PageImage, error) {
	return f(ctx, doc)
}

// AnalyzerFunc は関数を Analyzer として扱うためのアダプタです。
type AnalyzerFunc func(ctx context.Context, page document.PageImage) (*document.Analysis, error)

// Analyze は f(ctx, page) を呼び出します。
func (f AnalyzerFunc) Analyze(ctx context.Context, page document.PageImage) (*document.Analysis, error) {
	return f(ctx, page)
}

// IndexBuilderFunc は関数を IndexBuilder として扱うためのアダプタです。
type IndexBuilderFunc func(ctx context.Context, documentID string, results []jobs.PageResult) (string, error)

// Build は f(ctx, documentID, results) を呼び出します。
func (f IndexBuilderFunc) Build(ctx context.Context, documentID string, results []jobs.PageResult) (string, error) {
	return f(ctx, documentID, results)
}
