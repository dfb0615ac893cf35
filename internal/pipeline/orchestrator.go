package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/doc-lens/internal/document"
	"github.com/yourusername/doc-lens/internal/jobs"
	"github.com/yourusername/doc-lens/internal/limiter"
)

// ジョブ・ページに記録するエラーコード。
const (
	CodeExtractionFailed  = "EXTRACTION_FAILED"
	CodeWatchdogTimeout   = "WATCHDOG_TIMEOUT"
	CodePageTimeout       = "PAGE_TIMEOUT"
	CodePageFailed        = "PAGE_ANALYSIS_FAILED"
	CodePagePanic         = "PAGE_PANIC"
	CodeAggregationFailed = "AGGREGATION_FAILED"
	CodeIndexBuildFailed  = "INDEX_BUILD_FAILED"
	CodeShutdown          = "SHUTDOWN"
)

const (
	defaultPageTimeout     = 2 * time.Minute
	defaultIndexTimeout    = 5 * time.Minute
	defaultWatchdogTimeout = 10 * time.Minute
)

// ErrShuttingDown はシャットダウン開始後の投入を表します。
var ErrShuttingDown = errors.New("pipeline is shutting down")

// Options はタイムアウト設定です。0 の項目は既定値を使います（WatchdogTimeout が負なら監視なし）。
type Options struct {
	PageTimeout     time.Duration
	IndexTimeout    time.Duration
	WatchdogTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PageTimeout <= 0 {
		o.PageTimeout = defaultPageTimeout
	}
	if o.IndexTimeout <= 0 {
		o.IndexTimeout = defaultIndexTimeout
	}
	if o.WatchdogTimeout == 0 {
		o.WatchdogTimeout = defaultWatchdogTimeout
	}
	return o
}

// Orchestrator は投入された文書ごとにバックグラウンドで抽出・解析・集約・索引構築を進めます。
type Orchestrator struct {
	store     *jobs.Store
	limiter   *limiter.Limiter
	extractor Extractor
	analyzer  Analyzer
	indexer   IndexBuilder
	opts      Options
	logger    zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closing atomic.Bool
}

// New は Orchestrator を初期化します。
func New(store *jobs.Store, lim *limiter.Limiter, extractor Extractor, analyzer Analyzer, indexer IndexBuilder, opts Options, logger zerolog.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if lim == nil {
		return nil, errors.New("limiter is nil")
	}
	if extractor == nil {
		return nil, errors.New("extractor is nil")
	}
	if analyzer == nil {
		return nil, errors.New("analyzer is nil")
	}
	if indexer == nil {
		return nil, errors.New("indexer is nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     store,
		limiter:   lim,
		extractor: extractor,
		analyzer:  analyzer,
		indexer:   indexer,
		opts:      opts.withDefaults(),
		logger:    logger.With().Str("component", "pipeline").Logger(),
		baseCtx:   ctx,
		cancel:    cancel,
	}, nil
}

// Submit は queued のジョブを作成して処理をバックグラウンドで開始し、直ちにジョブIDを返します。
func (o *Orchestrator) Submit(doc document.Document) (string, error) {
	if o.closing.Load() {
		return "", ErrShuttingDown
	}
	tr := o.store.Create(doc.Filename)
	if doc.ID == "" {
		doc.ID = tr.ID()
	}

	o.wg.Add(1)
	go o.run(tr, doc)

	o.logger.Info().
		Str("job_id", tr.ID()).
		Str("document_id", doc.ID).
		Str("filename", doc.Filename).
		Msg("job submitted")
	return tr.ID(), nil
}

// Get はジョブのスナップショットを返します。
func (o *Orchestrator) Get(jobID string) (*jobs.Job, error) {
	return o.store.Get(jobID)
}

// List は全ジョブを返します。
func (o *Orchestrator) List() []*jobs.Job {
	return o.store.List()
}

// Counts は全ジョブ数と未終了ジョブ数を返します。
func (o *Orchestrator) Counts() (total, active int) {
	return o.store.Counts()
}

// Delete はジョブを削除します。実行中のページ解析は最後まで走りますが結果は破棄されます。
func (o *Orchestrator) Delete(jobID string) error {
	if err := o.store.Delete(jobID); err != nil {
		return err
	}
	o.logger.Info().Str("job_id", jobID).Msg("job deleted")
	return nil
}

// Cleanup は maxAge より古いジョブを削除し、件数を返します。
func (o *Orchestrator) Cleanup(maxAge time.Duration) int {
	removed := o.store.Cleanup(maxAge)
	if removed > 0 {
		o.logger.Info().Int("removed", removed).Dur("max_age", maxAge).Msg("jobs cleaned up")
	}
	return removed
}

// Shutdown は新規投入を止め、待機中の投入を取り消し、実行中のジョブの終了を待ちます。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closing.Store(true)
	o.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline shutdown interrupted: %w", ctx.Err())
	}
}

func (o *Orchestrator) run(tr *jobs.Tracker, doc document.Document) {
	defer o.wg.Done()
	defer o.discard(doc)

	log := o.logger.With().Str("job_id", tr.ID()).Logger()
	started := time.Now()

	// dispatchCtx は抽出と枠待ちのみを止める。実行中の解析呼び出しには影響しない。
	dispatchCtx, cancelDispatch := context.WithCancel(o.baseCtx)
	defer cancelDispatch()
	go func() {
		select {
		case <-tr.Removed():
			cancelDispatch()
		case <-dispatchCtx.Done():
		}
	}()

	wd := newWatchdog(o.opts.WatchdogTimeout, func() {
		if err := tr.MarkFailed(jobs.ErrorInfo{
			Code:    CodeWatchdogTimeout,
			Message: fmt.Sprintf("no page completed within %s", o.opts.WatchdogTimeout),
		}); err == nil {
			log.Warn().Dur("window", o.opts.WatchdogTimeout).Msg("watchdog fired, job failed")
		}
		cancelDispatch()
	})
	defer wd.Stop()

	if err := tr.MarkRunning(); err != nil {
		log.Debug().Err(err).Msg("job not started")
		return
	}

	pages, err := o.extractor.Extract(dispatchCtx, doc)
	if err == nil && len(pages) == 0 {
		err = errors.New("document has no pages")
	}
	if err != nil {
		code := CodeExtractionFailed
		if o.baseCtx.Err() != nil {
			code = CodeShutdown
		}
		o.fail(tr, log, code, err)
		return
	}
	for i := range pages {
		pages[i].Index = i
	}
	if err := tr.SetPages(len(pages)); err != nil {
		log.Debug().Err(err).Msg("job gone before analysis")
		return
	}
	wd.Kick()
	log.Info().Int("pages", len(pages)).Msg("pages extracted")

	var settled sync.WaitGroup
	dispatched := 0
	for _, page := range pages {
		slot, err := o.limiter.Acquire(dispatchCtx)
		if err != nil {
			break
		}
		if aborted(dispatchCtx, tr) {
			slot.Release()
			break
		}
		dispatched++
		settled.Add(1)
		go func(page document.PageImage, slot *limiter.Slot) {
			defer settled.Done()
			o.runPage(tr, page, slot, log)
			wd.Kick()
		}(page, slot)
	}
	settled.Wait()

	if o.baseCtx.Err() != nil {
		o.fail(tr, log, CodeShutdown, errors.New("processing interrupted by shutdown"))
		return
	}
	if dispatched < len(pages) {
		log.Debug().Int("dispatched", dispatched).Int("pages", len(pages)).Msg("dispatch stopped")
		return
	}
	wd.Stop()

	snapshot, err := tr.Snapshot()
	if err != nil || snapshot.Status.Terminal() {
		return
	}
	ordered, err := Aggregate(snapshot.Results, len(pages))
	if err != nil {
		o.fail(tr, log, CodeAggregationFailed, err)
		return
	}

	if err := tr.MarkIndexing(); err != nil {
		return
	}
	indexID, warnings := o.buildIndex(doc.ID, ordered, log)
	if err := tr.MarkCompleted(indexID, warnings); err != nil {
		log.Debug().Err(err).Msg("completion discarded")
		return
	}

	log.Info().
		Int("pages", len(pages)).
		Int("succeeded", SuccessfulPages(ordered)).
		Str("index_id", indexID).
		Dur("elapsed", time.Since(started)).
		Msg("job completed")
}

type outcome struct {
	analysis *document.Analysis
	err      error
}

// runPage は1ページを解析して結果を記録します。
// 期限切れの時点で結果は確定しますが、枠は解析呼び出しが実際に戻るまで保持します。
func (o *Orchestrator) runPage(tr *jobs.Tracker, page document.PageImage, slot *limiter.Slot, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(o.baseCtx, o.opts.PageTimeout)
	done := make(chan outcome, 1)
	go func() {
		defer slot.Release()
		defer cancel()
		a, err := o.callAnalyzer(ctx, page)
		done <- outcome{analysis: a, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}

	result := jobs.PageResult{PageIndex: page.Index}
	var pe *panicError
	switch {
	case out.err == nil && out.analysis != nil:
		result.Analysis = out.analysis
	case errors.Is(out.err, context.DeadlineExceeded):
		result.PageError = &jobs.ErrorInfo{
			Code:    CodePageTimeout,
			Message: fmt.Sprintf("page analysis timed out after %s", o.opts.PageTimeout),
		}
	case errors.As(out.err, &pe):
		result.PageError = &jobs.ErrorInfo{Code: CodePagePanic, Message: pe.Error()}
	case out.err == nil:
		result.PageError = &jobs.ErrorInfo{Code: CodePageFailed, Message: "analyzer returned no result"}
	default:
		result.PageError = &jobs.ErrorInfo{Code: CodePageFailed, Message: out.err.Error()}
	}
	if result.PageError != nil {
		log.Warn().Int("page", page.Index+1).Str("code", result.PageError.Code).Msg(result.PageError.Message)
	}

	if err := tr.RecordPage(result); err != nil {
		if errors.Is(err, jobs.ErrNotFound) || errors.Is(err, jobs.ErrFinished) {
			log.Debug().Int("page", page.Index+1).Err(err).Msg("page result discarded")
			return
		}
		log.Error().Int("page", page.Index+1).Err(err).Msg("failed to record page result")
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("analyzer panicked: %v", e.value)
}

func (o *Orchestrator) callAnalyzer(ctx context.Context, page document.PageImage) (a *document.Analysis, err error) {
	defer func() {
		if r := recover(); r != nil {
			a, err = nil, &panicError{value: r}
		}
	}()
	return o.analyzer.Analyze(ctx, page)
}

// buildIndex は索引を構築します。失敗はジョブを失敗させず警告として返します。
func (o *Orchestrator) buildIndex(documentID string, results []jobs.PageResult, log zerolog.Logger) (string, []jobs.ErrorInfo) {
	ctx, cancel := context.WithTimeout(o.baseCtx, o.opts.IndexTimeout)
	defer cancel()

	indexID, err := o.indexer.Build(ctx, documentID, results)
	if err != nil {
		log.Warn().Err(err).Msg("index build failed")
		return "", []jobs.ErrorInfo{{Code: CodeIndexBuildFailed, Message: err.Error()}}
	}
	return indexID, nil
}

func (o *Orchestrator) fail(tr *jobs.Tracker, log zerolog.Logger, code string, cause error) {
	if err := tr.MarkFailed(jobs.ErrorInfo{Code: code, Message: cause.Error()}); err != nil {
		log.Debug().Err(err).Str("code", code).Msg("failure not recorded")
		return
	}
	log.Error().Err(cause).Str("code", code).Msg("job failed")
}

func (o *Orchestrator) discard(doc document.Document) {
	d, ok := o.extractor.(Discarder)
	if !ok {
		return
	}
	if err := d.Discard(doc); err != nil {
		o.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("failed to discard document workspace")
	}
}

// aborted は削除・監視タイムアウト・シャットダウンのいずれかで投入を止めるべきかを返します。
func aborted(ctx context.Context, tr *jobs.Tracker) bool {
	select {
	case <-tr.Removed():
		return true
	default:
	}
	return ctx.Err() != nil
}
