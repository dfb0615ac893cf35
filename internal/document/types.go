// Package document はパイプライン全体で共有する文書・ページの値型を定義します。
package document

import "time"

// Kind はアップロードされた文書の種別です。
type Kind string

const (
	KindPDF   Kind = "pdf"
	KindImage Kind = "image"
)

// Document は投入された1つの文書を表します。
type Document struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Path     string `json:"-"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Kind     Kind   `json:"kind"`
}

// PageImage は抽出済みの1ページ分の画像です（Index は0始まり）。
type PageImage struct {
	Index    int    `json:"index"`
	Path     string `json:"-"`
	MimeType string `json:"mimeType"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Analysis はページ解析の結果ペイロードです。
type Analysis struct {
	Text              string         `json:"text"`
	OCRError          string         `json:"ocrError,omitempty"`
	DocumentType      string         `json:"documentType,omitempty"`
	Summary           string         `json:"summary,omitempty"`
	StructuredData    map[string]any `json:"structuredData,omitempty"`
	ActionItems       []string       `json:"actionItems,omitempty"`
	VisualDescription string         `json:"visualDescription,omitempty"`
	AnalysisError     string         `json:"analysisError,omitempty"`
	Model             string         `json:"model,omitempty"`
	Elapsed           time.Duration  `json:"elapsedNs"`
}

// Clone は StructuredData と ActionItems も複製したコピーを返します。nil なら nil です。
func (a *Analysis) Clone() *Analysis {
	if a == nil {
		return nil
	}
	c := *a
	c.StructuredData = cloneValue(a.StructuredData).(map[string]any)
	if a.ActionItems != nil {
		c.ActionItems = append([]string(nil), a.ActionItems...)
	}
	return &c
}

// cloneValue は JSON 由来の値（map/slice/スカラー）を再帰的に複製します。
func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return x
		}
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		if x == nil {
			return x
		}
		s := make([]any, len(x))
		for i, vv := range x {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// HasContent は索引対象になるテキストを持つかどうかを返します。
func (a *Analysis) HasContent() bool {
	if a == nil {
		return false
	}
	return a.Text != "" || a.Summary != "" || a.VisualDescription != ""
}
