package mcp

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chipgpt/mcp-server/internal/instrumentation"
	"github.com/chipgpt/mcp-server/internal/oauth"
	"github.com/chipgpt/mcp-server/internal/security"
)

// authCacheTTL bounds how long a validated token binding is served from
// memory. Keeping it short limits the window in which a revoked token can
// still reach tools.
const authCacheTTL = time.Minute

// Handler serves the MCP transport endpoints behind bearer authentication.
type Handler struct {
	oauthServer *oauth.Server
	manager     *Manager
	limiter     *security.RateLimiter
	auditor     *security.Auditor
	metrics     *instrumentation.Metrics
	logger      *slog.Logger
	trustProxy  bool
	resourceURL string

	// Token validation memoization. Every MCP request carries a bearer
	// token; caching the binding avoids a store round trip per message.
	authMu    sync.RWMutex
	authCache map[string]authCacheEntry
}

type authCacheEntry struct {
	info      *oauth.AuthInfo
	expiresAt time.Time
}

// HandlerConfig configures the MCP HTTP handler.
type HandlerConfig struct {
	OAuthServer *oauth.Server
	Manager     *Manager
	RateLimiter *security.RateLimiter
	Auditor     *security.Auditor
	Metrics     *instrumentation.Metrics
	Logger      *slog.Logger
	TrustProxy  bool
	ResourceURL string
}

// NewHandler creates the MCP HTTP handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		oauthServer: cfg.OAuthServer,
		manager:     cfg.Manager,
		limiter:     cfg.RateLimiter,
		auditor:     cfg.Auditor,
		metrics:     cfg.Metrics,
		logger:      logger,
		trustProxy:  cfg.TrustProxy,
		resourceURL: cfg.ResourceURL,
		authCache:   make(map[string]authCacheEntry),
	}
}

// RegisterRoutes mounts the transport and health endpoints on a mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", h.serveService(ServiceProfile))
	mux.HandleFunc("/mcp/vault", h.serveService(ServiceVault))
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/{$}", h.HandleHealth)
}

// HandleHealth serves the load balancer health check.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("MCP Server is running"))
}

// serveService returns the handler for one logical service endpoint.
func (h *Handler) serveService(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.writeCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		switch r.Method {
		case http.MethodPost, http.MethodGet, http.MethodDelete:
		default:
			w.Header().Set("Allow", "GET, POST, DELETE, OPTIONS")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		clientIP := security.GetClientIP(r, h.trustProxy)
		if h.limiter != nil && !h.limiter.Allow(clientIP) {
			h.auditor.LogRateLimitExceeded(clientIP, r.URL.Path)
			h.metrics.RecordRateLimitExceeded(r.Context(), "ip")
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Too many requests, please try again later.", http.StatusTooManyRequests)
			return
		}

		auth, ok := h.authenticate(w, r)
		if !ok {
			return
		}

		h.manager.Handle(w, r, service, auth)
	}
}

// authenticate resolves the request's bearer token to its binding, serving
// from the memoization cache when fresh. On failure it writes the bearer
// challenge and returns false.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*oauth.AuthInfo, bool) {
	token := oauth.BearerToken(r)
	if token == "" {
		oauth.WriteBearerChallenge(w, h.resourceURL)
		return nil, false
	}

	now := time.Now()

	h.authMu.RLock()
	entry, ok := h.authCache[token]
	h.authMu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.info, true
	}

	info, err := h.oauthServer.Authenticate(r.Context(), token)
	if err != nil {
		h.auditor.LogAuthFailure("", "", security.GetClientIP(r, h.trustProxy), "invalid_bearer_token")
		oauth.WriteBearerChallenge(w, h.resourceURL)
		return nil, false
	}

	h.authMu.Lock()
	h.authCache[token] = authCacheEntry{info: info, expiresAt: now.Add(authCacheTTL)}
	// Drop stale entries opportunistically so the cache tracks live tokens.
	for cached, e := range h.authCache {
		if now.After(e.expiresAt) {
			delete(h.authCache, cached)
		}
	}
	h.authMu.Unlock()

	return info, true
}

// writeCORSHeaders writes the CORS headers MCP clients need, including the
// exposed session header.
func (h *Handler) writeCORSHeaders(w http.ResponseWriter) {
	header := w.Header()
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Mcp-Session-Id, Mcp-Protocol-Version")
	header.Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
}
