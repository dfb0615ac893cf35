package jobs

import "fmt"

// 進捗の重み（合計 1.0）。
const (
	extractionWeight = 0.05
	analysisWeight   = 0.85
	indexWeight      = 0.10
)

// computeProgress は累積カウンタから進捗率 [0,100] を計算します。
// 入力はすべて単調増加なので結果も後退しません。
func computeProgress(extractionDone bool, completed, total int, indexDone bool) float64 {
	var p float64
	if extractionDone {
		p += extractionWeight
	}
	if total > 0 {
		ratio := float64(completed) / float64(total)
		if ratio > 1 {
			ratio = 1
		}
		p += analysisWeight * ratio
	}
	if indexDone {
		p += indexWeight
	}
	return clampPercent(100 * p)
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// setProgress は進捗を更新しますが、既存値より小さい値は無視します。
func (j *Job) setProgress(p float64) {
	p = clampPercent(p)
	if p > j.ProgressPercentage {
		j.ProgressPercentage = p
	}
}

// StepDescription は画面表示用の工程説明を返します。
func (j *Job) StepDescription() string {
	switch {
	case j.Status == StatusFailed:
		return "処理に失敗しました"
	case j.Status == StatusQueued:
		return "処理待ちです"
	}
	switch j.CurrentStep {
	case StepExtracting:
		return "ページを抽出しています"
	case StepAnalyzing:
		if j.TotalPages != nil {
			return fmt.Sprintf("ページを解析しています (%d/%d)", j.CompletedPages, *j.TotalPages)
		}
		return "ページを解析しています"
	case StepIndexing:
		return "検索インデックスを構築しています"
	case StepDone:
		return "処理が完了しました"
	default:
		return ""
	}
}
