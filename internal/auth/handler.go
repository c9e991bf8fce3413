// Package auth はビューアの任意ログインと、ブラウザごとのビューア識別を提供します。
package auth

import (
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": message})
}

// Login は /auth/login のハンドラーです。
func (m *Manager) Login(c *gin.Context) {
	if !m.Required() {
		abort(c, http.StatusNotFound, "AUTH_DISABLED", "このサーバーではログインは不要です")
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_INPUT", "username と password を JSON で送ってください")
		return
	}
	if m.cfg.SessionSecret == "" {
		abort(c, http.StatusInternalServerError, "SERVER_MISCONFIGURATION", "SESSION_SECRET が設定されていません")
		return
	}

	ip := c.ClientIP()
	if retryAfter := m.checkLock(ip); retryAfter > 0 {
		// Retry-After は秒数で返す
		c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
		abort(c, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "一定時間後に再度お試しください")
		return
	}

	if !m.verify(req.Username, req.Password) {
		remaining := m.recordFailure(ip)
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "ユーザー名またはパスワードが正しくありません",
			"remainingAttempts": remaining,
		})
		return
	}
	m.resetAttempts(ip)

	token, err := generateToken()
	if err != nil {
		abort(c, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "CSRF トークンの生成に失敗しました")
		return
	}

	session := sessions.Default(c)
	now := m.now()
	session.Set(sessionKeyUser, m.cfg.AppUsername)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, token)
	if err := session.Save(); err != nil {
		abort(c, http.StatusInternalServerError, "SESSION_SAVE_FAILED", "セッションの保存に失敗しました")
		return
	}

	c.Header(csrfHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は /auth/logout のハンドラーです。ビューア ID は残します。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	viewer := session.Get(sessionKeyViewer)
	session.Clear()
	if viewer != nil {
		session.Set(sessionKeyViewer, viewer)
	}
	if err := session.Save(); err != nil {
		abort(c, http.StatusInternalServerError, "SESSION_SAVE_FAILED", "セッションの削除に失敗しました")
		return
	}
	c.Status(http.StatusNoContent)
}

// Session は /auth/session のハンドラーで、ログインの要否と状態を返します。
func (m *Manager) Session(c *gin.Context) {
	session := sessions.Default(c)
	user, _ := session.Get(sessionKeyUser).(string)
	c.JSON(http.StatusOK, gin.H{
		"authRequired":  m.Required(),
		"authenticated": !m.Required() || user != "",
		"user":          user,
	})
}
