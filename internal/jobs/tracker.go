package jobs

import (
	"fmt"
)

// Tracker は1ジョブの状態遷移を行うハンドルです。
// 作成時の entry に結び付いているため、削除後に同じIDで再作成されたジョブを更新することはありません。
type Tracker struct {
	store *Store
	id    string
	e     *entry
}

// ID はジョブIDを返します。
func (t *Tracker) ID() string {
	return t.id
}

// Removed はジョブが削除されたときに close されるチャネルを返します。
func (t *Tracker) Removed() <-chan struct{} {
	return t.e.removed
}

// Snapshot は現在のジョブ状態のコピーを返します。
func (t *Tracker) Snapshot() (*Job, error) {
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	if t.e.gone {
		return nil, ErrNotFound
	}
	return t.e.job.clone(), nil
}

// MarkRunning は抽出開始時に running へ遷移させます。
func (t *Tracker) MarkRunning() error {
	return t.update(func(e *entry) error {
		if e.job.Status != StatusQueued {
			return fmt.Errorf("cannot start job in status %s", e.job.Status)
		}
		now := t.store.now().UTC()
		e.job.Status = StatusRunning
		e.job.CurrentStep = StepExtracting
		e.job.StartedAt = &now
		return nil
	})
}

// SetPages は抽出完了後にページ数を確定し、解析工程へ進めます。
func (t *Tracker) SetPages(total int) error {
	if total <= 0 {
		return fmt.Errorf("total pages must be positive: %d", total)
	}
	return t.update(func(e *entry) error {
		if e.slots != nil {
			return fmt.Errorf("pages already set for job %s", t.id)
		}
		totalPages, currentPage := total, 0
		e.slots = make([]*PageResult, total)
		e.job.Status = StatusRunning
		e.job.TotalPages = &totalPages
		e.job.CurrentPage = &currentPage
		e.job.CurrentStep = StepAnalyzing
		e.job.Results = make([]PageResult, 0, total)
		e.job.setProgress(computeProgress(true, 0, total, false))
		return nil
	})
}

// RecordPage はページ結果を格納し、完了数と進捗を更新します。
// 結果はページ順に隙間なく Results へ追加され、先行ページが未完了の間は保留されます。
func (t *Tracker) RecordPage(result PageResult) error {
	return t.update(func(e *entry) error {
		total := len(e.slots)
		if e.slots == nil {
			return fmt.Errorf("pages not set for job %s", t.id)
		}
		idx := result.PageIndex
		if idx < 0 || idx >= total {
			return fmt.Errorf("page index %d out of range [0,%d)", idx, total)
		}
		if e.slots[idx] != nil {
			return fmt.Errorf("page %d already recorded", idx)
		}

		stored := result
		e.slots[idx] = &stored
		for next := len(e.job.Results); next < total && e.slots[next] != nil; next++ {
			e.job.Results = append(e.job.Results, *e.slots[next])
		}

		e.job.CompletedPages++
		current := e.job.CompletedPages
		e.job.CurrentPage = &current
		if stored.PageError != nil {
			e.job.Errors = append(e.job.Errors, PageFailure{Page: idx + 1, Error: *stored.PageError})
		}
		e.job.setProgress(computeProgress(true, e.job.CompletedPages, total, false))
		return nil
	})
}

// MarkIndexing はインデックス構築工程へ進めます。
func (t *Tracker) MarkIndexing() error {
	return t.update(func(e *entry) error {
		e.job.CurrentStep = StepIndexing
		return nil
	})
}

// MarkCompleted はジョブを完了させます。全ページの結果が揃っていない場合はエラーです。
func (t *Tracker) MarkCompleted(indexID string, warnings []ErrorInfo) error {
	return t.update(func(e *entry) error {
		if e.job.TotalPages == nil || len(e.job.Results) != *e.job.TotalPages {
			return fmt.Errorf("job %s has %d of %d page results", t.id, len(e.job.Results), len(e.slots))
		}
		now := t.store.now().UTC()
		e.job.Status = StatusCompleted
		e.job.CurrentStep = StepDone
		e.job.IndexID = indexID
		e.job.Warnings = append(e.job.Warnings, warnings...)
		e.job.FinishedAt = &now
		e.job.ProgressPercentage = 100
		return nil
	})
}

// MarkFailed はジョブを失敗させます。最初の致命的エラーのみ保持します。
func (t *Tracker) MarkFailed(info ErrorInfo) error {
	return t.update(func(e *entry) error {
		now := t.store.now().UTC()
		e.job.Status = StatusFailed
		e.job.Error = &info
		e.job.FinishedAt = &now
		return nil
	})
}

// update は終了済み・削除済みのジョブを保護しつつ mutate を適用します。
func (t *Tracker) update(mutate func(*entry) error) error {
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	if t.e.gone {
		return ErrNotFound
	}
	if t.e.job.Status.Terminal() {
		return ErrFinished
	}
	if err := mutate(t.e); err != nil {
		return err
	}
	t.e.job.UpdatedAt = t.store.now().UTC()
	return nil
}
