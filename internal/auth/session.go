package auth

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

const (
	keyUser       = "user"
	keyIssuedAt   = "iat"
	keyLastActive = "seen"
	keyCSRF       = "csrf"
)

// sessionState はクッキーセッションに保存するログイン状態です。
type sessionState struct {
	s sessions.Session
}

func loadSession(c *gin.Context) sessionState {
	return sessionState{s: sessions.Default(c)}
}

func (st sessionState) user() string {
	v, _ := st.s.Get(keyUser).(string)
	return v
}

func (st sessionState) csrfToken() string {
	v, _ := st.s.Get(keyCSRF).(string)
	return v
}

func (st sessionState) issuedAt() time.Time   { return unixTime(st.s.Get(keyIssuedAt)) }
func (st sessionState) lastActive() time.Time { return unixTime(st.s.Get(keyLastActive)) }

// begin は既存の内容を破棄して新しいログインを記録します。
func (st sessionState) begin(user, token string, now time.Time) error {
	st.s.Clear()
	st.s.Set(keyUser, user)
	st.s.Set(keyIssuedAt, now.Unix())
	st.s.Set(keyLastActive, now.Unix())
	st.s.Set(keyCSRF, token)
	return st.s.Save()
}

func (st sessionState) touch(now time.Time) error {
	st.s.Set(keyLastActive, now.Unix())
	return st.s.Save()
}

// end はセッションを空にし、クッキーも失効させます。
func (st sessionState) end() error {
	st.s.Clear()
	st.s.Options(sessions.Options{Path: "/", MaxAge: -1})
	return st.s.Save()
}

// expiry はセッションが無効になった理由のコードを返します。有効なら空文字です。
func (st sessionState) expiry(now time.Time) string {
	issued, seen := st.issuedAt(), st.lastActive()
	switch {
	case issued.IsZero() || now.Sub(issued) > sessionLifetime:
		return "SESSION_EXPIRED"
	case seen.IsZero() || now.Sub(seen) > idleTimeout:
		return "SESSION_IDLE_TIMEOUT"
	default:
		return ""
	}
}

// unixTime は gob/JSON どちらで復元された数値でも秒として解釈します。
func unixTime(v any) time.Time {
	var sec int64
	switch n := v.(type) {
	case int64:
		sec = n
	case int:
		sec = int64(n)
	case float64:
		sec = int64(n)
	default:
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func newCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
