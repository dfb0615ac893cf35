package pipeline

import (
	"sync"
	"time"
)

// watchdog は一定時間進捗がない場合に fire を1回だけ呼び出します。
// window が0以下の場合は何もしません。
type watchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	window  time.Duration
	stopped bool
}

func newWatchdog(window time.Duration, fire func()) *watchdog {
	w := &watchdog{window: window}
	if window <= 0 {
		w.stopped = true
		return w
	}
	w.timer = time.AfterFunc(window, func() {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		w.stopped = true
		w.mu.Unlock()
		fire()
	})
	return w
}

// Kick は期限を window だけ先に延ばします。
func (w *watchdog) Kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.timer.Reset(w.window)
}

// Stop は監視を終了します。
func (w *watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	w.timer.Stop()
}
