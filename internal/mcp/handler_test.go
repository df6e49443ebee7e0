package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chipgpt/mcp-server/internal/oauth"
	"github.com/chipgpt/mcp-server/internal/security"
	"github.com/chipgpt/mcp-server/internal/sessioncache"
	"github.com/chipgpt/mcp-server/internal/storage"
	"github.com/chipgpt/mcp-server/internal/storage/memory"
)

func newTestHTTPHandler(t *testing.T) (*Handler, *memory.Store, http.Handler) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	logger := slog.New(slog.DiscardHandler)
	oauthServer, err := oauth.New(store, store, store, &oauth.Config{
		Issuer: "https://auth.example.com",
	}, logger)
	require.NoError(t, err)

	reg, _ := newTestRegistry(t)
	reg.Users = store

	cache := sessioncache.NewMemory()
	t.Cleanup(func() { _ = cache.Close() })

	h := NewHandler(HandlerConfig{
		OAuthServer: oauthServer,
		Manager:     NewManager(reg, cache, logger),
		Logger:      logger,
		ResourceURL: "https://auth.example.com",
	})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h, store, mux
}

func issueToken(t *testing.T, store *memory.Store, accessToken string) {
	t.Helper()

	now := time.Now()
	require.NoError(t, store.SaveToken(context.Background(), &storage.Token{
		AccessToken:      accessToken,
		RefreshToken:     accessToken + "-refresh",
		ClientID:         "client-1",
		UserID:           "user-1",
		Scope:            "read write",
		AccessExpiresAt:  now.Add(time.Hour),
		RefreshExpiresAt: now.Add(24 * time.Hour),
		CreatedAt:        now,
	}))
}

func TestHandleHealth(t *testing.T) {
	_, _, handler := newTestHTTPHandler(t)

	for _, path := range []string{"/health", "/"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "MCP Server is running", rec.Body.String(), path)
	}
}

func TestServeMCP_MissingToken(t *testing.T) {
	_, _, handler := newTestHTTPHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "oauth-protected-resource")
}

func TestServeMCP_InvalidToken(t *testing.T) {
	_, _, handler := newTestHTTPHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer bogus")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeMCP_UnknownSessionWithValidToken(t *testing.T) {
	_, store, handler := newTestHTTPHandler(t)
	issueToken(t, store, "tok-1")

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	req.Header.Set(SessionHeader, "no-such-session")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeMCP_CORSPreflight(t *testing.T) {
	_, _, handler := newTestHTTPHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/mcp", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "Mcp-Session-Id", rec.Header().Get("Access-Control-Expose-Headers"))
}

func TestServeMCP_MethodNotAllowed(t *testing.T) {
	_, _, handler := newTestHTTPHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/mcp", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeMCP_RateLimit(t *testing.T) {
	h, store, handler := newTestHTTPHandler(t)
	issueToken(t, store, "tok-1")

	limiter := security.NewRateLimiter(1, time.Minute, 100, slog.New(slog.DiscardHandler))
	t.Cleanup(limiter.Stop)
	h.limiter = limiter

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		r.Header.Set("Authorization", "Bearer tok-1")
		r.Header.Set(SessionHeader, "no-such-session")
		r.RemoteAddr = "203.0.113.9:1234"
		return r
	}

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req())
	assert.NotEqual(t, http.StatusTooManyRequests, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req())
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, second.Body.String(), "Too many requests")
}

func TestAuthenticate_Memoizes(t *testing.T) {
	h, store, _ := newTestHTTPHandler(t)
	issueToken(t, store, "tok-1")

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer tok-1")

	info, ok := h.authenticate(httptest.NewRecorder(), req)
	require.True(t, ok)
	assert.Equal(t, "user-1", info.UserID)

	// A second lookup is served from the memoization cache, so the token
	// resolves even after removal from the store.
	require.NoError(t, store.DeleteByAccessToken(context.Background(), "tok-1"))

	cached, ok := h.authenticate(httptest.NewRecorder(), req)
	require.True(t, ok)
	assert.Equal(t, info.UserID, cached.UserID)
}
