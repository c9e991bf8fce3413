package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/paper-view/internal/config"
)

func newRouter(t *testing.T, cfg *config.Config) (*gin.Engine, *Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := NewManager(cfg)
	r := gin.New()
	r.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte("test-secret"))))
	r.Use(m.Identify())
	r.POST("/login", m.Login)
	r.GET("/session", m.Session)
	protected := r.Group("")
	protected.Use(m.RequireLogin(), m.VerifyCSRF())
	protected.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, ViewerID(c))
	})
	protected.POST("/mutate", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r, m
}

func lockedConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return &config.Config{AppUsername: "admin", AppPasswordHash: string(hash), SessionSecret: "s"}
}

func do(r http.Handler, method, path, body string, cookies []*http.Cookie, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestOpenModeSkipsLogin(t *testing.T) {
	r, _ := newRouter(t, &config.Config{})
	first := do(r, http.MethodGet, "/whoami", "", nil, nil)
	if first.Code != http.StatusOK || first.Body.String() == "" {
		t.Fatalf("whoami = %d %q", first.Code, first.Body.String())
	}
	again := do(r, http.MethodGet, "/whoami", "", first.Result().Cookies(), nil)
	if again.Body.String() != first.Body.String() {
		t.Fatalf("viewer id changed: %q -> %q", first.Body.String(), again.Body.String())
	}
	if w := do(r, http.MethodPost, "/mutate", "", nil, nil); w.Code != http.StatusNoContent {
		t.Fatalf("mutate in open mode = %d", w.Code)
	}
}

func TestLoginIssuesCSRFToken(t *testing.T) {
	r, _ := newRouter(t, lockedConfig(t))

	if w := do(r, http.MethodGet, "/whoami", "", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("whoami without login = %d", w.Code)
	}

	login := do(r, http.MethodPost, "/login", `{"username":"admin","password":"pw"}`, nil, nil)
	if login.Code != http.StatusNoContent {
		t.Fatalf("login = %d %s", login.Code, login.Body.String())
	}
	token := login.Header().Get(csrfHeader)
	if token == "" {
		t.Fatal("no CSRF token")
	}
	cookies := login.Result().Cookies()

	if w := do(r, http.MethodGet, "/whoami", "", cookies, nil); w.Code != http.StatusOK {
		t.Fatalf("whoami after login = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/mutate", "", cookies, nil); w.Code != http.StatusForbidden {
		t.Fatalf("mutate without token = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/mutate", "", cookies, map[string]string{csrfHeader: token}); w.Code != http.StatusNoContent {
		t.Fatalf("mutate with token = %d", w.Code)
	}
}

func TestLoginThrottlesAfterFailures(t *testing.T) {
	r, _ := newRouter(t, lockedConfig(t))
	for i := 0; i < maxLoginAttempts; i++ {
		w := do(r, http.MethodPost, "/login", `{"username":"admin","password":"wrong"}`, nil, nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d = %d", i, w.Code)
		}
	}
	w := do(r, http.MethodPost, "/login", `{"username":"admin","password":"pw"}`, nil, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("locked login = %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

func TestSessionReportsMode(t *testing.T) {
	r, _ := newRouter(t, &config.Config{})
	w := do(r, http.MethodGet, "/session", "", nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"authRequired":false`) {
		t.Fatalf("session = %d %s", w.Code, w.Body.String())
	}
}
