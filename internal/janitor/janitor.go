// Package janitor は古いジョブと作業ディレクトリを定期的に掃除します。
// Redis が設定されていれば asynq のスケジューラで、なければプロセス内のタイマーで動きます。
package janitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// TaskTypeCleanup は掃除タスクの種別です。
const TaskTypeCleanup = "jobs:cleanup"

const queueName = "maintenance"

// JobCleaner は古いジョブを削除します。
type JobCleaner interface {
	Cleanup(maxAge time.Duration) int
}

// WorkspaceSweeper は古い作業ディレクトリを削除します。
type WorkspaceSweeper interface {
	Sweep(maxAge time.Duration) (int, error)
}

// Options は Manager の設定です。
type Options struct {
	Interval time.Duration
	MaxAge   time.Duration
	RedisURL string
}

// Report は1回の掃除結果です。
type Report struct {
	Jobs       int `json:"jobs"`
	Workspaces int `json:"workspaces"`
}

// TaskPayload は掃除タスクのペイロードです。
type TaskPayload struct {
	MaxAgeSeconds int `json:"maxAgeSeconds"`
}

// Manager は掃除の起動と停止を担います。
type Manager struct {
	opts       Options
	jobs       JobCleaner
	workspaces WorkspaceSweeper
	logger     zerolog.Logger

	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager は Manager を初期化します。workspaces は nil でも構いません。
func NewManager(opts Options, jobs JobCleaner, workspaces WorkspaceSweeper, logger zerolog.Logger) (*Manager, error) {
	if jobs == nil {
		return nil, errors.New("job cleaner is nil")
	}
	if opts.Interval <= 0 {
		return nil, errors.New("cleanup interval must be positive")
	}
	if opts.MaxAge <= 0 {
		return nil, errors.New("max age must be positive")
	}

	m := &Manager{
		opts:       opts,
		jobs:       jobs,
		workspaces: workspaces,
		logger:     logger.With().Str("component", "janitor").Logger(),
	}
	if opts.RedisURL == "" {
		return m, nil
	}

	redisOpt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	qlog := asynqLogger{m.logger}
	m.client = asynq.NewClient(redisOpt)
	m.server = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{queueName: 1},
		Logger:      qlog,
	})
	m.scheduler = asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   qlog,
	})
	m.mux = asynq.NewServeMux()
	m.mux.HandleFunc(TaskTypeCleanup, m.handleCleanup)

	task, err := newCleanupTask(opts.MaxAge)
	if err != nil {
		return nil, err
	}
	spec := fmt.Sprintf("@every %s", opts.Interval)
	if _, err := m.scheduler.Register(spec, task, asynq.Queue(queueName), asynq.MaxRetry(0)); err != nil {
		return nil, fmt.Errorf("failed to register cleanup schedule: %w", err)
	}
	return m, nil
}

// Distributed は asynq 経由で動作しているかを返します。
func (m *Manager) Distributed() bool {
	return m.server != nil
}

// Start は定期掃除をバックグラウンドで開始します。
func (m *Manager) Start() error {
	if m.Distributed() {
		if err := m.server.Start(m.mux); err != nil {
			return fmt.Errorf("start asynq server: %w", err)
		}
		if err := m.scheduler.Start(); err != nil {
			m.server.Shutdown()
			return fmt.Errorf("start asynq scheduler: %w", err)
		}
		m.logger.Info().Dur("interval", m.opts.Interval).Msg("cleanup scheduled via asynq")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RunOnce(ctx, m.opts.MaxAge)
			}
		}
	}()
	m.logger.Info().Dur("interval", m.opts.Interval).Msg("cleanup scheduled in process")
	return nil
}

// Enqueue は掃除タスクを即座に1件投入します。asynq を使っていない場合はその場で実行します。
func (m *Manager) Enqueue(ctx context.Context, maxAge time.Duration) error {
	if !m.Distributed() {
		m.RunOnce(ctx, maxAge)
		return nil
	}
	task, err := newCleanupTask(maxAge)
	if err != nil {
		return err
	}
	_, err = m.client.EnqueueContext(ctx, task, asynq.Queue(queueName), asynq.MaxRetry(0))
	return err
}

// RunOnce は1回分の掃除を行います。
func (m *Manager) RunOnce(ctx context.Context, maxAge time.Duration) Report {
	var report Report
	report.Jobs = m.jobs.Cleanup(maxAge)
	if m.workspaces != nil && ctx.Err() == nil {
		n, err := m.workspaces.Sweep(maxAge)
		if err != nil {
			m.logger.Warn().Err(err).Msg("workspace sweep failed")
		}
		report.Workspaces = n
	}
	if report.Jobs > 0 || report.Workspaces > 0 {
		m.logger.Info().
			Int("jobs_removed", report.Jobs).
			Int("workspaces_removed", report.Workspaces).
			Dur("max_age", maxAge).
			Msg("cleanup finished")
	}
	return report
}

// Shutdown は定期掃除を止めます。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.Distributed() {
		m.scheduler.Shutdown()
		m.server.Shutdown()
		return m.client.Close()
	}
	if m.cancel != nil {
		m.cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) handleCleanup(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode cleanup payload: %w", err)
		}
	}
	maxAge := m.opts.MaxAge
	if payload.MaxAgeSeconds > 0 {
		maxAge = time.Duration(payload.MaxAgeSeconds) * time.Second
	}
	m.RunOnce(ctx, maxAge)
	return nil
}

func newCleanupTask(maxAge time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(TaskPayload{MaxAgeSeconds: int(maxAge / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeCleanup, body), nil
}

// asynqLogger は asynq のログを zerolog に流します。
type asynqLogger struct {
	l zerolog.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
