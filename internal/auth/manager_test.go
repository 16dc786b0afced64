package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/mediflow/internal/config"
)

func newAuthRouter(t *testing.T, token string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash token: %v", err)
	}

	manager := NewManager(&config.Config{ServiceTokenHash: string(hash)})
	router := gin.New()
	router.GET("/protected", manager.RequireToken(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return router
}

func requestWithToken(router *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRequireTokenAcceptsValidToken(t *testing.T) {
	router := newAuthRouter(t, "service-secret")

	rec := requestWithToken(router, "Bearer service-secret")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}

	// キャッシュされた検証済みトークンでも通ること
	rec = requestWithToken(router, "Bearer service-secret")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status on second request: %d", rec.Code)
	}
}

func TestRequireTokenRejectsInvalidToken(t *testing.T) {
	router := newAuthRouter(t, "service-secret")

	rec := requestWithToken(router, "Bearer wrong-token")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestRequireTokenRejectsMissingHeader(t *testing.T) {
	router := newAuthRouter(t, "service-secret")

	rec := requestWithToken(router, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	rec = requestWithToken(router, "Basic dXNlcjpwYXNz")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status for non-bearer scheme: %d", rec.Code)
	}
}

func TestRequireTokenLocksAfterRepeatedFailures(t *testing.T) {
	router := newAuthRouter(t, "service-secret")

	for i := 0; i < maxAuthAttempts; i++ {
		rec := requestWithToken(router, "Bearer wrong-token")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: unexpected status %d", i, rec.Code)
		}
	}

	rec := requestWithToken(router, "Bearer wrong-token")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("unexpected status after lockout: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	// ロック中は正しいトークンでも拒否される
	rec = requestWithToken(router, "Bearer service-secret")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("unexpected status for valid token during lockout: %d", rec.Code)
	}
}

func TestRequireTokenMissingHashConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)
	manager := NewManager(&config.Config{})
	router := gin.New()
	router.GET("/protected", manager.RequireToken(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	rec := requestWithToken(router, "Bearer anything")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}
