package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// loginThrottle はクライアントIPごとのトークンバケットでログイン失敗を数えます。
// 失敗1回で1トークン消費し、バケットが空のあいだは試行自体を拒否します。
// トークンは window/attempts ごとに1つ戻ります。
type loginThrottle struct {
	every rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newLoginThrottle(attempts int, window time.Duration, now func() time.Time) *loginThrottle {
	return &loginThrottle{
		every:   rate.Every(window / time.Duration(attempts)),
		burst:   attempts,
		now:     now,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (t *loginThrottle) bucket(ip string) *rate.Limiter {
	b, ok := t.buckets[ip]
	if !ok {
		b = rate.NewLimiter(t.every, t.burst)
		t.buckets[ip] = b
	}
	return b
}

// retryAfter は試行可能になるまでの待ち時間です。0 なら今すぐ試行できます。
func (t *loginThrottle) retryAfter(ip string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[ip]
	if !ok {
		return 0
	}
	now := t.now()
	if b.TokensAt(now) >= 1 {
		return 0
	}
	r := b.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return max(delay, time.Second)
}

// fail は失敗を1回記録し、残りの試行回数を返します。
func (t *loginThrottle) fail(ip string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	b := t.bucket(ip)
	b.AllowN(now, 1)
	return max(int(b.TokensAt(now)), 0)
}

// reset は成功したIPの記録を消します。
func (t *loginThrottle) reset(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buckets, ip)
}
