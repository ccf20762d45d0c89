// Package auth はセッションによるログインと、呼び出し元の識別を提供します。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/paper-convert/internal/config"
	"github.com/yourusername/paper-convert/internal/ratelimit"
)

const (
	SessionCookieName    = "pc_session"
	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute

	// loginPolicy はログイン試行の上限（IPごとに15分あたり5回）です。
	loginPolicy = ratelimit.Config{Window: 15 * time.Minute, MaxRequests: 5}
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// ContextUserKey は、ハンドラー間でログイン済みユーザー名を共有するためのキーです。
const ContextUserKey = "auth.user"

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	cfg   *config.Config
	gate  ratelimit.Gate
	clock func() time.Time
}

// NewManager は認証マネージャーを作成します。gate はログイン試行回数の制限に使います。
func NewManager(cfg *config.Config, gate ratelimit.Gate) *Manager {
	if gate == nil {
		gate = ratelimit.NewMemoryGate()
	}
	return &Manager{
		cfg:   cfg,
		gate:  gate,
		clock: time.Now,
	}
}

// UserFromContext はログイン済みユーザー名を返します。未ログインなら空文字です。
func UserFromContext(c *gin.Context) string {
	user, _ := c.Get(ContextUserKey)
	name, _ := user.(string)
	return name
}

// sessionUser はセッションが有効ならユーザー名を返します。
// 期限切れのセッションは破棄し、その理由をコードで返します。
func (m *Manager) sessionUser(session sessions.Session) (user string, expiredCode string) {
	user, ok := session.Get(sessionKeyUser).(string)
	if !ok || user == "" {
		return "", ""
	}

	now := m.clock()
	issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
	lastActive := readUnix(session.Get(sessionKeyLastActive))

	if issuedAt.IsZero() || now.Sub(issuedAt) > maxSessionLifetime {
		session.Clear()
		_ = session.Save()
		return "", "SESSION_EXPIRED"
	}
	if lastActive.IsZero() || now.Sub(lastActive) > idleTimeout {
		session.Clear()
		_ = session.Save()
		return "", "SESSION_IDLE_TIMEOUT"
	}

	session.Set(sessionKeyLastActive, now.Unix())
	_ = session.Save()
	return user, ""
}

func (m *Manager) ensureCredentials() error {
	if m.cfg.AppUsername == "" {
		return errors.New("APP_USERNAME が設定されていません")
	}
	if m.cfg.AppPasswordHash == "" {
		return errors.New("APP_PASSWORD_HASH が設定されていません")
	}
	if m.cfg.SessionSecret == "" {
		return errors.New("SESSION_SECRET が設定されていません")
	}
	return nil
}

func (m *Manager) verifyPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(m.cfg.AppPasswordHash), []byte(password)) == nil
}

func loginIdentifier(ip string) string {
	return "login:" + ip
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
