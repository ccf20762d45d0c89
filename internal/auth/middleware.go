package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

var expiredMessages = map[string]string{
	"SESSION_EXPIRED":      "セッションの有効期限が切れました",
	"SESSION_IDLE_TIMEOUT": "しばらく操作がなかったため再ログインしてください",
}

// RequireLogin はセッションを検証するミドルウェアを返します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, expiredCode := m.sessionUser(sessions.Default(c))
		if expiredCode != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    expiredCode,
				"message": expiredMessages[expiredCode],
			})
			return
		}
		if user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "ログインが必要です",
			})
			return
		}

		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// OptionalUser は有効なセッションがあればユーザー名をコンテキストに設定します。
// 未ログインや期限切れでも処理は中断しません。
func (m *Manager) OptionalUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if user, _ := m.sessionUser(sessions.Default(c)); user != "" {
			c.Set(ContextUserKey, user)
		}
		c.Next()
	}
}

// VerifyCSRF は X-CSRF-Token ヘッダーを検証するミドルウェアです。
// 未ログインのリクエストはセッションを持たないため検証しません。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) || UserFromContext(c) == "" {
			c.Next()
			return
		}

		session := sessions.Default(c)
		expected, ok := session.Get(sessionKeyCSRF).(string)
		if !ok || expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_MISSING",
				"message": "CSRF トークンが設定されていません",
			})
			return
		}

		received := c.GetHeader(csrfHeader)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_INVALID",
				"message": "CSRF トークンが一致しません",
			})
			return
		}

		c.Next()
	}
}
