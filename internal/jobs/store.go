package jobs

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// entry は1ジョブ分の状態です。mu がジョブ単位の排他区間になります。
type entry struct {
	mu      sync.Mutex
	job     Job
	slots   []*PageResult
	gone    bool
	removed chan struct{}
}

// Store はプロセス内のジョブを ID で管理します。
// マップ自体のロックは参照時のみ取得し、ジョブの更新は entry 単位で直列化します。
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	maxJobs int
	now     func() time.Time
	newID   func() string
}

// Option は Store の設定を変更します。
type Option func(*Store)

// WithMaxJobs は保持するジョブ数の上限を設定します（超過時は古い終了済みジョブから削除）。
func WithMaxJobs(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxJobs = n
		}
	}
}

// WithClock は時刻取得関数を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator はジョブID生成関数を差し替えます。
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewStore は Store を作成します。
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create は queued 状態のジョブを作成し、更新用の Tracker を返します。
func (s *Store) Create(filename string) *Tracker {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	for attempt := 0; s.entries[id] != nil; attempt++ {
		if attempt >= 3 {
			id = uuid.NewString()
			continue
		}
		id = s.newID()
	}

	s.evictOverflowLocked()

	e := &entry{
		job: Job{
			ID:          id,
			Filename:    filename,
			Status:      StatusQueued,
			CurrentStep: StepExtracting,
			Results:     []PageResult{},
			Errors:      []PageFailure{},
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		removed: make(chan struct{}),
	}
	s.entries[id] = e
	return &Tracker{store: s, id: id, e: e}
}

// Get はジョブのスナップショットを返します。
func (s *Store) Get(jobID string) (*Job, error) {
	e := s.lookup(jobID)
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return nil, ErrNotFound
	}
	return e.job.clone(), nil
}

// Update はジョブ単位の排他区間で mutate をコピーに適用し、エラーがなければ反映します。
// 終了済みのジョブには ErrFinished を返します。進捗率は mutate が下げても元の値に戻されます。
func (s *Store) Update(jobID string, mutate func(*Job) error) error {
	e := s.lookup(jobID)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return ErrNotFound
	}
	if e.job.Status.Terminal() {
		return ErrFinished
	}

	next := e.job.clone()
	if err := mutate(next); err != nil {
		return err
	}
	next.ProgressPercentage = max(next.ProgressPercentage, e.job.ProgressPercentage)
	next.UpdatedAt = s.now().UTC()
	e.job = *next
	return nil
}

// Delete はジョブを削除します。実行中のタスクの結果は以後すべて破棄されます。
func (s *Store) Delete(jobID string) error {
	s.mu.Lock()
	e, ok := s.entries[jobID]
	if ok {
		delete(s.entries, jobID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	e.markGone()
	return nil
}

// List は作成日時順に全ジョブのスナップショットを返します。
func (s *Store) List() []*Job {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	jobs := make([]*Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.gone {
			jobs = append(jobs, e.job.clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// Cleanup は作成から maxAge 以上経過したジョブを状態に関係なく削除し、削除件数を返します。
func (s *Store) Cleanup(maxAge time.Duration) int {
	cutoff := s.now().UTC().Add(-maxAge)

	s.mu.Lock()
	var removed []*entry
	for id, e := range s.entries {
		e.mu.Lock()
		expired := !e.job.CreatedAt.After(cutoff)
		e.mu.Unlock()
		if expired {
			delete(s.entries, id)
			removed = append(removed, e)
		}
	}
	s.mu.Unlock()

	for _, e := range removed {
		e.markGone()
	}
	return len(removed)
}

// Counts は全ジョブ数と未終了ジョブ数を返します。
func (s *Store) Counts() (total, active int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		e.mu.Lock()
		if !e.job.Status.Terminal() {
			active++
		}
		e.mu.Unlock()
	}
	return len(s.entries), active
}

func (s *Store) lookup(jobID string) *entry {
	if jobID == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[jobID]
}

// evictOverflowLocked は上限を超える分の終了済みジョブを古い順に削除します。s.mu 保持中に呼びます。
func (s *Store) evictOverflowLocked() {
	if s.maxJobs <= 0 || len(s.entries) < s.maxJobs {
		return
	}

	type candidate struct {
		id        string
		e         *entry
		createdAt time.Time
	}
	var terminal []candidate
	for id, e := range s.entries {
		e.mu.Lock()
		if e.job.Status.Terminal() {
			terminal = append(terminal, candidate{id: id, e: e, createdAt: e.job.CreatedAt})
		}
		e.mu.Unlock()
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].createdAt.Before(terminal[j].createdAt)
	})

	for _, c := range terminal {
		if len(s.entries) < s.maxJobs {
			break
		}
		delete(s.entries, c.id)
		c.e.markGone()
	}
}

func (e *entry) markGone() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return
	}
	e.gone = true
	close(e.removed)
}
