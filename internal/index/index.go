// Package index は文書全体のページ結果から検索用インデックスを構築し、検索・一覧・削除を提供します。
package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/yourusername/doc-lens/internal/jobs"
)

var (
	// ErrNotFound は指定したインデックスが存在しないことを表します。
	ErrNotFound = errors.New("index not found")
	// ErrNoContent は索引対象のテキストが1件もないことを表します。
	ErrNoContent = errors.New("no indexable content")
)

// DefaultK は検索結果の既定件数です。
const DefaultK = 3

// Chunk は検索単位の断片です。
type Chunk struct {
	PageIndex int    `json:"pageIndex"`
	Seq       int    `json:"seq"`
	Text      string `json:"text"`
}

// Index は1文書分のインデックスです。
type Index struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"documentId"`
	Pages        int       `json:"pages"`
	Chunks       []Chunk   `json:"chunks"`
	CreatedAt    time.Time `json:"createdAt"`
	SkippedPages []int     `json:"skippedPages,omitempty"`
}

// Summary は一覧表示用の概要です。
type Summary struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	Pages      int       `json:"pages"`
	Chunks     int       `json:"chunks"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Hit は検索結果1件です。
type Hit struct {
	PageIndex int     `json:"pageIndex"`
	Page      int     `json:"page"`
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
}

// Stats はインデックス全体の統計です。
type Stats struct {
	Backend      string `json:"backend"`
	TotalIndexes int    `json:"totalIndexes"`
	TotalChunks  int    `json:"totalChunks"`
	TotalPages   int    `json:"totalPages"`
}

// Backend はインデックスの保存先です。
type Backend interface {
	Name() string
	Put(ctx context.Context, idx *Index) error
	Get(ctx context.Context, id string) (*Index, error)
	List(ctx context.Context) ([]Summary, error)
	Delete(ctx context.Context, id string) error
}

// Option は Service の設定を変更します。
type Option func(*Service)

// WithChunking は分割サイズと重なりを設定します。
func WithChunking(size, overlap int) Option {
	return func(s *Service) {
		s.chunkSize, s.chunkOverlap = size, overlap
	}
}

// WithClock は時刻取得関数を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// Service はインデックスの構築と検索を行います。pipeline.IndexBuilder を満たします。
type Service struct {
	backend      Backend
	chunkSize    int
	chunkOverlap int
	now          func() time.Time
	logger       zerolog.Logger
}

// NewService は Service を生成します。
func NewService(backend Backend, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		backend:      backend,
		chunkSize:    DefaultChunkSize,
		chunkOverlap: DefaultChunkOverlap,
		now:          time.Now,
		logger:       logger.With().Str("component", "index").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Build はページ結果からインデックスを作成し、そのIDを返します。失敗したページは対象外です。
func (s *Service) Build(ctx context.Context, documentID string, results []jobs.PageResult) (string, error) {
	if documentID == "" {
		return "", errors.New("document id is required")
	}
	idx := &Index{
		ID:         documentID,
		DocumentID: documentID,
		Pages:      len(results),
		CreatedAt:  s.now().UTC(),
	}
	for _, r := range results {
		text := pageText(r)
		if text == "" {
			idx.SkippedPages = append(idx.SkippedPages, r.PageIndex)
			continue
		}
		for i, c := range SplitText(text, s.chunkSize, s.chunkOverlap) {
			idx.Chunks = append(idx.Chunks, Chunk{PageIndex: r.PageIndex, Seq: i, Text: c})
		}
	}
	if len(idx.Chunks) == 0 {
		return "", ErrNoContent
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.backend.Put(ctx, idx); err != nil {
		return "", fmt.Errorf("store index: %w", err)
	}

	s.logger.Info().
		Str("index_id", idx.ID).
		Int("chunks", len(idx.Chunks)).
		Int("skipped_pages", len(idx.SkippedPages)).
		Msg("index built")
	return idx.ID, nil
}

// Search はインデックスから query に近いチャンクを最大 k 件返します（k<=0 は DefaultK）。
func (s *Service) Search(ctx context.Context, id, query string, k int) ([]Hit, error) {
	if k <= 0 {
		k = DefaultK
	}
	idx, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return []Hit{}, nil
	}

	docs := make([]map[string]int, len(idx.Chunks))
	df := make(map[string]int)
	for i, c := range idx.Chunks {
		tf := make(map[string]int)
		for _, t := range tokenize(c.Text) {
			tf[t]++
		}
		docs[i] = tf
		for t := range tf {
			df[t]++
		}
	}

	n := float64(len(idx.Chunks))
	hits := make([]Hit, 0, len(idx.Chunks))
	for i, tf := range docs {
		var score float64
		for _, t := range terms {
			if f := tf[t]; f > 0 {
				idf := math.Log(1 + n/float64(df[t]))
				score += (1 + math.Log(float64(f))) * idf
			}
		}
		if score > 0 {
			c := idx.Chunks[i]
			hits = append(hits, Hit{PageIndex: c.PageIndex, Page: c.PageIndex + 1, Text: c.Text, Score: score})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].PageIndex < hits[b].PageIndex
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// List はインデックスの一覧を返します。
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	return s.backend.List(ctx)
}

// Stats は全インデックスの統計を返します。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	list, err := s.backend.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Backend: s.backend.Name(), TotalIndexes: len(list)}
	for _, sum := range list {
		st.TotalChunks += sum.Chunks
		st.TotalPages += sum.Pages
	}
	return st, nil
}

// Delete はインデックスを削除します。
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("index_id", id).Msg("index deleted")
	return nil
}

func pageText(r jobs.PageResult) string {
	if r.PageError != nil || r.Analysis == nil {
		return ""
	}
	if t := strings.TrimSpace(r.Analysis.Text); t != "" {
		return t
	}
	if t := strings.TrimSpace(r.Analysis.Summary); t != "" {
		return t
	}
	return strings.TrimSpace(r.Analysis.VisualDescription)
}

func summarize(idx *Index) Summary {
	return Summary{
		ID:         idx.ID,
		DocumentID: idx.DocumentID,
		Pages:      idx.Pages,
		Chunks:     len(idx.Chunks),
		CreatedAt:  idx.CreatedAt,
	}
}

// tokenize は小文字化した語に分割します。漢字・かなの連続は2文字ずつの組に分けます。
func tokenize(s string) []string {
	var tokens []string
	var word []rune
	var cjk []rune

	flushWord := func() {
		if len(word) > 0 {
			tokens = append(tokens, string(word))
			word = word[:0]
		}
	}
	flushCJK := func() {
		switch {
		case len(cjk) == 1:
			tokens = append(tokens, string(cjk))
		case len(cjk) > 1:
			for i := 0; i+1 < len(cjk); i++ {
				tokens = append(tokens, string(cjk[i:i+2]))
			}
		}
		cjk = cjk[:0]
	}

	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word = append(word, r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()
	return tokens
}
