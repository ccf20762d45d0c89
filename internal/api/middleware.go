package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/yourusername/paper-convert/internal/convert"
)

// GlobalLimit はプロセス全体のリクエスト流量を制限するミドルウェアを返します。
// rps が 0 以下なら何もしません。
func GlobalLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    convert.CodeRateLimited,
				"message": "サーバーが混み合っています。しばらくしてから再度お試しください。",
			})
			return
		}
		c.Next()
	}
}
