package auth

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

var expiryMessages = map[string]string{
	"SESSION_EXPIRED":      "セッションの有効期限が切れました。再度ログインしてください。",
	"SESSION_IDLE_TIMEOUT": "一定時間操作がなかったため、ログアウトしました。",
}

// RequireLogin はセッションを検証するミドルウェアです。認証が無効なら何もしません。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		st := loadSession(c)
		user := st.user()
		if user == "" {
			abortJSON(c, http.StatusUnauthorized, "UNAUTHORIZED", "ログインしてください。")
			return
		}

		now := m.now()
		if code := st.expiry(now); code != "" {
			_ = st.end()
			abortJSON(c, http.StatusUnauthorized, code, expiryMessages[code])
			return
		}

		if err := st.touch(now); err != nil {
			m.logger.Warn().Err(err).Msg("session touch failed")
		}
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// VerifyCSRF は状態を変更するリクエストの X-CSRF-Token をセッションの値と照合します。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		if !m.Enabled() {
			c.Next()
			return
		}

		want := loadSession(c).csrfToken()
		if want == "" {
			abortJSON(c, http.StatusForbidden, "CSRF_MISSING", "CSRF トークンがありません。ログインし直してください。")
			return
		}
		got := c.GetHeader(CSRFHeader)
		if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			abortJSON(c, http.StatusForbidden, "CSRF_INVALID", "CSRF トークンが正しくありません。")
			return
		}
		c.Next()
	}
}

// RateLimiter はクライアントIPごとにリクエスト頻度を制限します。
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter は1分あたり perMinute 回、連続 burst 回までを許す RateLimiter を返します。
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	return &RateLimiter{
		limit:    rate.Every(time.Minute / time.Duration(max(perMinute, 1))),
		burst:    max(burst, 1),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *RateLimiter) get(ip string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[ip]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[ip] = l
	}
	return l
}

// Middleware は上限を超えたリクエストに 429 を返すミドルウェアです。
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		res := r.get(c.ClientIP()).Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			c.Header("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
			abortJSON(c, http.StatusTooManyRequests, "RATE_LIMITED", "リクエストが多すぎます。しばらくしてから再度お試しください。")
			return
		}
		c.Next()
	}
}
