package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	"github.com/odyssey-erp/odyssey-access/internal/view"
	_ "github.com/odyssey-erp/odyssey-access/testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s")
	t.Setenv("CSRF_SECRET", "c")
	t.Setenv("RBAC_CACHE_TTL", "90s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 256, cfg.RBACCacheSize)
	require.Equal(t, 90*time.Second, cfg.RBACCacheTTL)
	require.Equal(t, "/unauthorized", cfg.UnauthorizedURL)
	require.Equal(t, 10, cfg.WorkerConcurrency)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsNonPositiveCacheSize(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s")
	t.Setenv("CSRF_SECRET", "c")
	t.Setenv("RBAC_CACHE_SIZE", "0")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestInTestMode(t *testing.T) {
	t.Setenv("ODYSSEY_TEST_MODE", "true")
	RefreshTestMode()
	require.True(t, InTestMode())

	t.Setenv("ODYSSEY_TEST_MODE", "0")
	RefreshTestMode()
	require.False(t, InTestMode())
}

func TestNewLoggerHonoursLevelAndFormat(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, buf)

	logger.Info("hidden")
	logger.Warn("shown", "role_id", 7)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "shown", entry["msg"])
	require.EqualValues(t, 7, entry["role_id"])
}

func newTestRouter(t *testing.T) (http.Handler, *shared.SessionManager) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := shared.NewSessionManager(client, "test_session", "secret", time.Hour, false)
	views, err := view.NewEngine()
	require.NoError(t, err)
	router := NewRouter(RouterParams{
		Logger:         newLogger(nil, new(bytes.Buffer)),
		Config:         &Config{AppRequestTimeout: time.Second},
		SessionManager: sessions,
		CSRFManager:    shared.NewCSRFManager("csrf"),
		Metrics:        observability.NewMetrics(),
		Views:          views,
	})
	return router, sessions
}

func TestRouterHealthz(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.NotEmpty(t, rr.Result().Cookies(), "session cookie committed")
}

func TestRouterRejectsStateChangeWithoutCSRFToken(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestRouterAcceptsCSRFHeader(t *testing.T) {
	router, sessions := newTestRouter(t)
	ctx := context.Background()

	seed := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sessions.Load(ctx, seed)
	require.NoError(t, err)
	token, err := shared.NewCSRFManager("csrf").EnsureToken(sess)
	require.NoError(t, err)
	require.NoError(t, sessions.Commit(ctx, httptest.NewRecorder(), seed, sess))

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	req.AddCookie(&http.Cookie{Name: sessions.CookieName(), Value: sessions.CookieValue(sess.ID)})
	req.Header.Set(CSRFHeader, token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	// CSRF passes; chi answers 405 because /healthz is GET only.
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRouterUnauthorizedPage(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/unauthorized", nil))
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	req := httptest.NewRequest(http.MethodGet, "/unauthorized?from=/roles", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Contains(t, rr.Header().Get("Content-Type"), "text/html")
	require.Contains(t, rr.Body.String(), "Access denied")
	require.Contains(t, rr.Body.String(), "/roles")
}

func TestRateLimitKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/roles", nil)
	req.RemoteAddr = "10.0.0.5:4242"
	key, err := rateLimitKey(req)
	require.NoError(t, err)
	require.Equal(t, "ip:10.0.0.5", key)

	sess := &shared.Session{}
	sess.SetUser("42")
	key, err = rateLimitKey(req.WithContext(shared.ContextWithSession(req.Context(), sess)))
	require.NoError(t, err)
	require.Equal(t, "user:42", key)
}

func TestRouterRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	router := NewRouter(RouterParams{
		Logger:         newLogger(nil, new(bytes.Buffer)),
		Config:         &Config{AppRequestTimeout: time.Second, RateLimitPerMinute: 2},
		SessionManager: shared.NewSessionManager(client, "test_session", "secret", time.Hour, false),
		CSRFManager:    shared.NewCSRFManager("csrf"),
	})
	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, rr.Code)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}
