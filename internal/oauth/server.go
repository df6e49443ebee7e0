// Package oauth implements the OAuth 2.1 authorization server core:
// authorization code and refresh grants, token revocation, bearer token
// authentication, dynamic client registration, and URL-based client
// identifier resolution with SSRF-hardened metadata fetching.
package oauth

import (
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/chipgpt/mcp-server/internal/instrumentation"
	"github.com/chipgpt/mcp-server/internal/security"
	"github.com/chipgpt/mcp-server/internal/storage"
)

// UserIdentityFunc extracts the authenticated end-user identity from an
// authorization request. The identity is established out of band (session
// cookie, upstream auth proxy); an empty string means no authenticated user.
type UserIdentityFunc func(r *http.Request) string

// Server implements the OAuth 2.1 server logic on top of the storage
// repositories.
type Server struct {
	clientStore storage.ClientStore
	flowStore   storage.FlowStore
	tokenStore  storage.TokenStore

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	metadataCache            *metadataCache
	metadataFetchGroup       singleflight.Group
	metadataFetchRateLimiter *security.RateLimiter

	userIdentity UserIdentityFunc
	metrics      *instrumentation.Metrics
}

// New creates a new OAuth server
func New(
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	tokenStore storage.TokenStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config == nil {
		config = &Config{RequirePKCE: true, EnableURLClientIDs: true}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)

	srv := &Server{
		clientStore:   clientStore,
		flowStore:     flowStore,
		tokenStore:    tokenStore,
		Config:        config,
		Logger:        logger,
		metadataCache: newMetadataCache(config.MetadataCacheTTL, 1000),
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetMetadataFetchRateLimiter sets the per-domain rate limiter for client
// metadata fetches.
func (s *Server) SetMetadataFetchRateLimiter(rl *security.RateLimiter) {
	s.metadataFetchRateLimiter = rl
}

// SetUserIdentityFunc sets the hook that resolves the authenticated end user
// for authorization requests.
func (s *Server) SetUserIdentityFunc(fn UserIdentityFunc) {
	s.userIdentity = fn
}

// SetMetrics sets the metrics holder. A nil holder disables recording.
func (s *Server) SetMetrics(m *instrumentation.Metrics) {
	s.metrics = m
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for tokens, codes, and secrets.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// safeTruncate safely truncates a string to maxLen characters for logging.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
