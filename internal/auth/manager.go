package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/mediflow/internal/config"
)

const authorizationHeader = "Authorization"

var (
	attemptWindow   = 15 * time.Minute
	lockDuration    = 10 * time.Minute
	maxAuthAttempts = 5
)

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager はサービストークン認証の処理と状態をまとめた構造体です。
type Manager struct {
	cfg      *config.Config
	lock     sync.Mutex
	attempts map[string]*attemptState
	// bcrypt 照合を毎リクエスト行わないよう、直近に検証済みのトークンを保持する
	verified string
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg:      cfg,
		attempts: make(map[string]*attemptState),
	}
}

// RequireToken は Authorization: Bearer ヘッダーを検証するミドルウェアを返します。
func (m *Manager) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := m.ensureCredentials(); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":    "SERVER_MISCONFIGURATION",
				"message": err.Error(),
			})
			return
		}

		ip := c.ClientIP()
		if retryAfter := m.checkLock(ip); retryAfter > 0 {
			// Retry-After は秒数またはHTTP-Date形式が推奨されているため秒数で返す
			c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_ATTEMPTS",
				"message": "一定時間後に再度お試しください",
			})
			return
		}

		token, ok := bearerToken(c.GetHeader(authorizationHeader))
		if !ok || !m.verifyToken(token) {
			m.recordFailure(ip)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "有効なサービストークンが必要です",
			})
			return
		}

		m.resetAttempts(ip)
		c.Next()
	}
}

func (m *Manager) ensureCredentials() error {
	if m.cfg.ServiceTokenHash == "" {
		return errors.New("SERVICE_TOKEN_HASH が設定されていません")
	}
	return nil
}

func (m *Manager) verifyToken(token string) bool {
	m.lock.Lock()
	cached := m.verified
	m.lock.Unlock()

	if cached != "" && subtle.ConstantTimeCompare([]byte(cached), []byte(token)) == 1 {
		return true
	}

	if bcrypt.CompareHashAndPassword([]byte(m.cfg.ServiceTokenHash), []byte(token)) != nil {
		return false
	}

	m.lock.Lock()
	m.verified = token
	m.lock.Unlock()
	return true
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := time.Now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return time.Until(state.lockedUntil)
}

func (m *Manager) recordFailure(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := time.Now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > attemptWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxAuthAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxAuthAttempts
	}
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
