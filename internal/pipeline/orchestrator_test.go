package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/doc-lens/internal/document"
	"github.com/yourusername/doc-lens/internal/jobs"
	"github.com/yourusername/doc-lens/internal/limiter"
)

func pagesOf(n int) ExtractorFunc {
	return func(ctx context.Context, doc document.Document) ([]document.PageImage, error) {
		pages := make([]document.PageImage, n)
		for i := range pages {
			pages[i] = document.PageImage{Index: i, Path: fmt.Sprintf("page_%03d.jpg", i+1), MimeType: "image/jpeg"}
		}
		return pages, nil
	}
}

func okAnalysis(page document.PageImage) *document.Analysis {
	return &document.Analysis{Text: fmt.Sprintf("text of page %d", page.Index+1), DocumentType: "report"}
}

type recordingIndexer struct {
	mu      sync.Mutex
	calls   int
	results []jobs.PageResult
	err     error
}

func (r *recordingIndexer) Build(ctx context.Context, documentID string, results []jobs.PageResult) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.results = append([]jobs.PageResult(nil), results...)
	if r.err != nil {
		return "", r.err
	}
	return "idx-" + documentID, nil
}

func (r *recordingIndexer) snapshot() (int, []jobs.PageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.results
}

type harness struct {
	store   *jobs.Store
	limiter *limiter.Limiter
	indexer *recordingIndexer
	orch    *Orchestrator
}

func newHarness(t *testing.T, capacity int, extractor Extractor, analyzer Analyzer, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:   jobs.NewStore(),
		limiter: limiter.New(capacity),
		indexer: &recordingIndexer{},
	}
	orch, err := New(h.store, h.limiter, extractor, analyzer, h.indexer, opts, zerolog.Nop())
	require.NoError(t, err)
	h.orch = orch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return h
}

func (h *harness) waitTerminal(t *testing.T, jobID string) *jobs.Job {
	t.Helper()
	var job *jobs.Job
	require.Eventually(t, func() bool {
		j, err := h.orch.Get(jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	store := jobs.NewStore()
	lim := limiter.New(1)
	an := AnalyzerFunc(func(ctx context.Context, p document.PageImage) (*document.Analysis, error) { return nil, nil })
	idx := &recordingIndexer{}

	_, err := New(nil, lim, pagesOf(1), an, idx, Options{}, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(store, nil, pagesOf(1), an, idx, Options{}, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(store, lim, nil, an, idx, Options{}, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(store, lim, pagesOf(1), nil, idx, Options{}, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(store, lim, pagesOf(1), an, nil, Options{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestSubmitReturnsBeforeProcessing(t *testing.T) {
	release := make(chan struct{})
	analyzer := AnalyzerFunc(func(ctx context.Context, p document.PageImage) (*document.Analysis, error) {
		<-release
		return okAnalysis(p), nil
	})
	h := newHarness(t, 2, pagesOf(2), analyzer, Options{})

	jobID, err := h.orch.Submit(document.Document{Filename: "a.pdf"})
	require.NoError(t, err)

	job, err := h.orch.Get(jobID)
	require.NoError(t, err)
	assert.False(t, job.Status.Terminal())

	close(release)
	job = h.waitTerminal(t, jobID)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
}

func TestPageTimeoutIsRecordedAndJobCompletes(t *testing.T) {
	analyzer := AnalyzerFunc(func(ctx context.Context, p document.PageImage) (*document.Analysis, error) {
		if p.Index == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return okAnalysis(p), nil
	})
	h := newHarness(t, 4, pagesOf(3), analyzer, Options{PageTimeout: 50 * time.Millisecond})

	jobID, err := h.orch.Submit(document.Document{ID: "doc-1", Filename: "three.pdf"})
	require.NoError(t, err)
	job := h.waitTerminal(t, jobID)

	require.Equal(t, jobs.StatusCompleted, job.Status)
	require.Len(t, job.Results, 3)
	for i, r := range job.Results {
		assert.Equal(t, i, r.PageIndex)
	}
	assert.NotNil(t, job.Results[0].Analysis)
	require.NotNil(t, job.Results[1].PageError)
	assert.Equal(t, CodePageTimeout, job.Results[1].PageError.Code)
	assert.NotNil(t, job.Results[2].Analysis)
	assert.Equal(t, 3, job.CompletedPages)
	assert.Equal(t, float64(100), job.ProgressPercentage)
	require.Len(t, job.Errors, 1)
	assert.Equal(t, 2, job.Errors[0].Page)
	assert.Equal(t, "idx-doc-1", job.IndexID)

	calls, indexed := h.indexer.snapshot()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, SuccessfulPages(indexed))
}

func TestTimeoutHoldsSlotUntilAnalyzerReturns(t *testing.T) {
	unblock := make(chan struct{})
	var inFlight, peak atomic.Int64
	analyzer := AnalyzerFunc(func(ctx context.Context, p document.PageImage) (*document.Analysis, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		if p.Index == 0 {
			// 期限を無視して戻らない解析器
			<-unblock
			return okAnalysis(p), nil
		}
		return okAnalysis(p), nil
	})
	h := newHarness(t, 1, pagesOf(2), analyzer, Options{PageTimeout: 20 * time.Millisecond})

	jobID, err := h.orch.Submit(document.Document{Filename: "stuck.pdf"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := h.orch.Get(jobID)
		return err == nil && j.CompletedPages == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	job, err := h.orch.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.CompletedPages, "second page must wait for the slot")
	assert.Equal(t, 1, h.limiter.InFlight())

	close(unblock)
	job = h.waitTerminal(t, jobID)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, int64(1), peak.Load())
	assert.Equal(t, CodePageTimeout, job.Results[0].PageError.Code)
}

func TestCapacityOneRunsPagesSequentially(t *testing.T) {
	var inFlight, peak atomic.Int64
	var mu sync.Mutex
	var order []int
	analyzer := AnalyzerFunc(func(ctx context.Context, p document.PageImage) (*document.Analysis, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Lock()
		order = append(order, p.Index)
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		return okAnalysis(p), nil
	})
	h := newHarness(t, 1, pagesOf(5), analyzer, Options{})

	jobID, err := h.orch.Submit(document.Document{Filename: "five.pdf"})
	require.NoError(t, err)
	job := h.waitTerminal(t, jobID)

	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, int64(1), peak.Load())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Len(t, job.Results, 5)
}

func TestExtractionFailureFailsJobWithoutAnalysis(t *testing.T) {
	var analyzed atomic.Int64
	extractor := ExtractorFunc(func(ctx context.Context, doc document.Document) ([]document.PageImage, error) {
		return nil, errors.New("corrupt pdf")
	})
	analyzer := AnalyzerFunc(func(ctx context.Context, p document.PageImage) (*document.Analysis, error) {
		analyzed.Add(1)
		return okAnalysis(p), nil
	})
	h := newHarness(t, 2, extractor, analyzer, Options{})

	jobID, err := h.orch.Submit(document.Document{Filename: "bad.pdf"})
	require.NoError(t, err)
	job := h.waitTerminal(t, jobID)

	assert.Equal(t, jobs.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, CodeExtractionFailed, job.Error.Code)
	assert.Contains(t, job.Error.Message, "corrupt pdf")
	assert.Nil(t, job.TotalPages)
	assert.Empty(t, job.Results)
	assert.Zero(t, analyzed.Load())
	calls, _ := h.indexer.snapshot()
	assert.Zero(t, calls)
}

func TestZeroPagesFailsExtraction(t *testing.T) {
	h := newHarness(t, 1, pagesOf(0), AnalyzerFunc(func(ctx context.Context, p document.PageImage) (*document.Analysis, error) {
		return okAnalysis(p), nil
	}), Options{})

	jobID, err := h.orch.Submit(document.Document{Filename: "empty.pdf"})
	require.NoError(t, err)
	job := h.waitTerminal(t, jobID)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Equal(t, CodeExtractionFailed, job.Error.Code)
}

func TestConcurrentSubmissionsShareCapacity(t *testing.T) {
	const capacity = 3
	var inFlight, peak atomic.Int64
	analyzer := AnalyzerFunc(func(ctx context.Context, p document.PageImage) (*document.Analysis, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
		return okAnalysis(p), nil
	})
	extractor := ExtractorFunc(func(ctx context.Context, doc document.Document) ([]document.PageImage, error) {
		var n int
		fmt.Sscanf(doc.Filename, "doc-%d.pdf", &n)
		return pagesOf(n%7 + 1)(ctx, doc)
	})
	h := newHarness(t, capacity, extractor, analyzer, Options{})

	ids := make([]string, 12)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := h.orch.Submit(document.Document{Filename: fmt.Sprintf("doc-%d.pdf", i)})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i, id := range ids {
		job := h.waitTerminal(t, id)
		assert.Equal(t, jobs.StatusCompleted, job.Status)
		assert.Len(t, job.Results, i%7+1)
	}
	assert.LessOrEqual(t, peak.Load(), int64(capacity))
	assert.LessOrEqual(t, h.limiter.Peak(), capacity)
	assert.Zero(t, h.limiter.InFlight())
}

func TestDeleteWhileRunningDiscardsResults(t *testing.T) {
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	var analyzed atomic.Int64
	analyzer := AnalyzerFunc(func(ctx context.Context, p document.PageImage) (*document.Analysis, error) {
		analyzed.Add(1)
		started <- struct{}{}
		<-release
		return okAnalysis(p), nil
	})
	h := newHarness(t, 1, pagesOf(4), analyzer, Options{})

	jobID, err := h.orch.Submit(document.Document{Filename: "gone.pdf"})
	require.NoError(t, err)
	<-started

	require.NoError(t, h.orch.Delete(jobID))
	close(release)

	require.Eventually(t, func() bool { return h.limiter.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, err = h.orch.Get(jobID)
	assert.ErrorIs(t, err, jobs.ErrNotFound)
	assert.Equal(t, int64(1), analyzed.Load(), "queued pages are not dispatched after delete")
	calls, _ := h.indexer.snapshot()
	assert.Zero(t, calls)
	total, _ := h.orch.Counts()
	assert.Zero(t, total)
}

func TestWatchdogFailsStalledJob(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	analyzer := AnalyzerFunc(func(ctx context.Context, p document.PageImage) (*document.Analysis, error) {
		<-release
		return okAnalysis(p), nil
	})
	h := newHarness(t, 1, pagesOf(2), analyzer, Options{
		PageTimeout:     time.Minute,
		WatchdogTimeout: 40 * time.Millisecond,
	})

	jobID, err := h.orch.Submit(document.Document{Filename: "stall.pdf"})
	require.NoError(t, err)
	job := h.waitTerminal(t, jobID)

	assert.Equal(t, jobs.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, CodeWatchdogTimeout, job.Error.Code)
}

func TestIndexFailureIsWarning(t *testing.T) {
	analyzer := AnalyzerFunc(func(ctx context.Context, p document.PageImage) (*document.Analysis, error) {
		return okAnalysis(p), nil
	})
	h := newHarness(t, 2, pagesOf(2), analyzer, Options{})
	h.indexer.err = errors.New("embedding service unavailable")

	jobID, err := h.orch.Submit(document.Document{Filename: "two.pdf"})
	require.NoError(t, err)
	job := h.waitTerminal(t, jobID)

	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Empty(t, job.IndexID)
	require.Len(t, job.Warnings, 1)
	assert.Equal(t, CodeIndexBuildFailed, job.Warnings[0].Code)
	assert.Len(t, job.Results, 2)
}

func TestAnalyzerPanicBecomesPageError(t *testing.T) {
	analyzer := AnalyzerFunc(func(ctx context.Context, p document.PageImage) (*document.Analysis, error) {
		if p.Index == 0 {
			panic("boom")
		}
		return okAnalysis(p), nil
	})
	h := newHarness(t, 2, pagesOf(2), analyzer, Options{})

	jobID, err := h.orch.Submit(document.Document{Filename: "panic.pdf"})
	require.NoError(t, err)
	job := h.waitTerminal(t, jobID)

	assert.Equal(t, jobs.StatusCompleted, job.Status)
	require.NotNil(t, job.Results[0].PageError)
	assert.Equal(t, CodePagePanic, job.Results[0].PageError.Code)
	assert.Contains(t, job.Results[0].PageError.Message, "boom")
	assert.Zero(t, h.limiter.InFlight())
}

func TestAnalyzerErrorBecomesPageError(t *testing.T) {
	analyzer := AnalyzerFunc(func(ctx context.Context, p document.PageImage) (*document.Analysis, error) {
		if p.Index == 2 {
			return nil, errors.New("model not loaded")
		}
		return okAnalysis(p), nil
	})
	h := newHarness(t, 2, pagesOf(3), analyzer, Options{})

	jobID, err := h.orch.Submit(document.Document{Filename: "err.pdf"})
	require.NoError(t, err)
	job := h.waitTerminal(t, jobID)

	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, CodePageFailed, job.Results[2].PageError.Code)
	require.Len(t, job.Errors, 1)
	assert.Equal(t, 3, job.Errors[0].Page)
}

func TestProgressIsMonotonicWhilePolling(t *testing.T) {
	analyzer := AnalyzerFunc(func(ctx context.Context, p document.PageImage) (*document.Analysis, error) {
		time.Sleep(time.Duration(rand.Intn(4)) * time.Millisecond)
		return okAnalysis(p), nil
	})
	h := newHarness(t, 3, pagesOf(12), analyzer, Options{})

	jobID, err := h.orch.Submit(document.Document{Filename: "poll.pdf"})
	require.NoError(t, err)

	last := -1.0
	lastResults := 0
	for {
		job, err := h.orch.Get(jobID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, job.ProgressPercentage, last)
		assert.GreaterOrEqual(t, len(job.Results), lastResults)
		for i, r := range job.Results {
			assert.Equal(t, i, r.PageIndex)
		}
		last, lastResults = job.ProgressPercentage, len(job.Results)
		if job.Status.Terminal() {
			assert.Equal(t, jobs.StatusCompleted, job.Status)
			assert.Equal(t, float64(100), job.ProgressPercentage)
			break
		}
		time.Sleep(time.Millisecond)
	}
}

func TestShutdownRejectsNewSubmissions(t *testing.T) {
	h := newHarness(t, 1, pagesOf(1), AnalyzerFunc(func(ctx context.Context, p document.PageImage) (*document.Analysis, error) {
		return okAnalysis(p), nil
	}), Options{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	_, err := h.orch.Submit(document.Document{Filename: "late.pdf"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownFailsQueuedPages(t *testing.T) {
	started := make(chan struct{}, 1)
	analyzer := AnalyzerFunc(func(ctx context.Context, p document.PageImage) (*document.Analysis, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, 1, pagesOf(3), analyzer, Options{PageTimeout: time.Minute})

	jobID, err := h.orch.Submit(document.Document{Filename: "shutdown.pdf"})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	job, err := h.orch.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Equal(t, CodeShutdown, job.Error.Code)
}

type discardingExtractor struct {
	ExtractorFunc
	discarded chan string
}

func (d *discardingExtractor) Discard(doc document.Document) error {
	d.discarded <- doc.ID
	return nil
}

func TestWorkspaceDiscardedAfterJob(t *testing.T) {
	ex := &discardingExtractor{ExtractorFunc: pagesOf(1), discarded: make(chan string, 1)}
	h := newHarness(t, 1, ex, AnalyzerFunc(func(ctx context.Context, p document.PageImage) (*document.Analysis, error) {
		return okAnalysis(p), nil
	}), Options{})

	_, err := h.orch.Submit(document.Document{ID: "doc-9", Filename: "one.png"})
	require.NoError(t, err)

	select {
	case id := <-ex.discarded:
		assert.Equal(t, "doc-9", id)
	case <-time.After(2 * time.Second):
		t.Fatal("workspace was not discarded")
	}
}
