// Package auth はセッションによるログインと CSRF 検証を提供します。
package auth

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	// SessionCookieName はセッションクッキーの名前です。
	SessionCookieName = "dl_session"
	// CSRFHeader は状態変更リクエストで送るトークンのヘッダー名です。
	CSRFHeader = "X-CSRF-Token"
	// ContextUserKey はログイン済みユーザー名を gin.Context に置くキーです。
	ContextUserKey = "auth.user"
)

var (
	sessionLifetime  = 12 * time.Hour
	idleTimeout      = 30 * time.Minute
	loginWindow      = 15 * time.Minute
	maxLoginAttempts = 5
)

// SessionMaxAgeSeconds はクッキーの MaxAge に使う秒数です。
func SessionMaxAgeSeconds() int {
	return int(sessionLifetime / time.Second)
}

// Credentials はログインに使う資格情報です。PasswordHash は bcrypt 形式です。
type Credentials struct {
	Username     string
	PasswordHash string
}

// Manager はログイン・ログアウトとセッション検証を担います。
type Manager struct {
	creds    Credentials
	throttle *loginThrottle
	now      func() time.Time
	logger   zerolog.Logger
}

// NewManager は Manager を作成します。資格情報が空の場合、認証は無効になります。
func NewManager(creds Credentials, logger zerolog.Logger) *Manager {
	m := &Manager{
		creds:  creds,
		now:    time.Now,
		logger: logger.With().Str("component", "auth").Logger(),
	}
	m.throttle = newLoginThrottle(maxLoginAttempts, loginWindow, func() time.Time { return m.now() })
	return m
}

// Enabled は認証が有効かどうかを返します。
func (m *Manager) Enabled() bool {
	return m.creds.Username != "" && m.creds.PasswordHash != ""
}

// authenticate はユーザー名とパスワードを照合します。
func (m *Manager) authenticate(username, password string) bool {
	if username != m.creds.Username {
		// ユーザー名違いでも比較の所要時間をそろえる
		_ = bcrypt.CompareHashAndPassword([]byte(m.creds.PasswordHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(m.creds.PasswordHash), []byte(password)) == nil
}
