package auth

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type credentialsBody struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func abortJSON(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": message})
}

// Login は POST /api/auth/login のハンドラーです。成功時は CSRF トークンをヘッダーと本文で返します。
func (m *Manager) Login(c *gin.Context) {
	if !m.Enabled() {
		abortJSON(c, http.StatusNotFound, "AUTH_DISABLED", "認証は無効化されています。")
		return
	}

	var body credentialsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortJSON(c, http.StatusBadRequest, "INVALID_INPUT", "username と password を JSON で指定してください。")
		return
	}

	ip := c.ClientIP()
	if wait := m.throttle.retryAfter(ip); wait > 0 {
		c.Header("Retry-After", strconv.Itoa(int(wait.Seconds())))
		abortJSON(c, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "ログイン試行が多すぎます。時間をおいて再度お試しください。")
		return
	}

	if !m.authenticate(body.Username, body.Password) {
		left := m.throttle.fail(ip)
		m.logger.Info().Str("client_ip", ip).Int("attempts_left", left).Msg("login rejected")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "ユーザー名またはパスワードが違います。",
			"remainingAttempts": left,
		})
		return
	}
	m.throttle.reset(ip)

	token, err := newCSRFToken()
	if err != nil {
		m.logger.Error().Err(err).Msg("csrf token generation failed")
		abortJSON(c, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "トークンを発行できませんでした。")
		return
	}
	if err := loadSession(c).begin(m.creds.Username, token, m.now()); err != nil {
		m.logger.Error().Err(err).Msg("session save failed")
		abortJSON(c, http.StatusInternalServerError, "SESSION_SAVE_FAILED", "セッションを保存できませんでした。")
		return
	}

	m.logger.Info().Str("client_ip", ip).Str("user", m.creds.Username).Msg("login succeeded")
	c.Header(CSRFHeader, token)
	c.JSON(http.StatusOK, gin.H{"username": m.creds.Username, "csrfToken": token})
}

// Logout は POST /api/auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	if err := loadSession(c).end(); err != nil {
		abortJSON(c, http.StatusInternalServerError, "SESSION_SAVE_FAILED", "セッションを破棄できませんでした。")
		return
	}
	c.Status(http.StatusNoContent)
}

// Session は GET /api/auth/session のハンドラーです。
func (m *Manager) Session(c *gin.Context) {
	if !m.Enabled() {
		c.JSON(http.StatusOK, gin.H{"authEnabled": false})
		return
	}
	st := loadSession(c)
	if st.user() == "" || st.expiry(m.now()) != "" {
		abortJSON(c, http.StatusUnauthorized, "UNAUTHORIZED", "ログインしてください。")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authEnabled": true,
		"username":    st.user(),
		"csrfToken":   st.csrfToken(),
	})
}
