package jobs

import (
	"errors"
	"time"

	"github.com/yourusername/doc-lens/internal/document"
)

var (
	// ErrNotFound はジョブが存在しない（削除済みを含む）ことを表します。
	ErrNotFound = errors.New("job not found")
	// ErrFinished は終了済みジョブへの更新を表します。
	ErrFinished = errors.New("job already finished")
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal は終端状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Step は処理中の工程です。
type Step string

const (
	StepExtracting Step = "extracting"
	StepAnalyzing  Step = "analyzing"
	StepIndexing   Step = "indexing"
	StepDone       Step = "done"
)

// ErrorInfo はジョブまたはページのエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PageResult はページ単位の結果です。Analysis と PageError のどちらか一方のみが入ります。
type PageResult struct {
	PageIndex int                `json:"pageIndex"`
	Analysis  *document.Analysis `json:"analysis"`
	PageError *ErrorInfo         `json:"pageError"`
}

// PageFailure はページエラーの一覧表示用です（Page は1始まり）。
type PageFailure struct {
	Page  int       `json:"page"`
	Error ErrorInfo `json:"error"`
}

// Job はジョブの現在状態を表します。
type Job struct {
	ID                 string        `json:"jobId"`
	Filename           string        `json:"filename"`
	Status             Status        `json:"status"`
	TotalPages         *int          `json:"totalPages"`
	CurrentPage        *int          `json:"currentPage"`
	CompletedPages     int           `json:"completedPages"`
	CurrentStep        Step          `json:"currentStep"`
	ProgressPercentage float64       `json:"progressPercentage"`
	Results            []PageResult  `json:"results"`
	Errors             []PageFailure `json:"errors"`
	Warnings           []ErrorInfo   `json:"warnings,omitempty"`
	Error              *ErrorInfo    `json:"error,omitempty"`
	IndexID            string        `json:"indexId,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
	StartedAt          *time.Time    `json:"startedAt,omitempty"`
	FinishedAt         *time.Time    `json:"finishedAt,omitempty"`
}

// Duration は開始から終了（未終了なら now）までの経過時間です。
func (j *Job) Duration(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.FinishedAt != nil {
		end = *j.FinishedAt
	}
	return end.Sub(*j.StartedAt)
}

// clone は解析ペイロードまで含めて共有部分を持たないコピーを作ります。
func (j *Job) clone() *Job {
	c := *j
	c.TotalPages = clonePtr(j.TotalPages)
	c.CurrentPage = clonePtr(j.CurrentPage)
	c.StartedAt = clonePtr(j.StartedAt)
	c.FinishedAt = clonePtr(j.FinishedAt)
	c.Results = make([]PageResult, len(j.Results))
	for i, r := range j.Results {
		r.Analysis = r.Analysis.Clone()
		if r.PageError != nil {
			pe := *r.PageError
			r.PageError = &pe
		}
		c.Results[i] = r
	}
	c.Errors = make([]PageFailure, len(j.Errors))
	copy(c.Errors, j.Errors)
	if len(j.Warnings) > 0 {
		c.Warnings = make([]ErrorInfo, len(j.Warnings))
		copy(c.Warnings, j.Warnings)
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}
