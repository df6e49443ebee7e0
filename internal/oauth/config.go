package oauth

import (
	"log/slog"
	"time"
)

// Scopes supported by the platform.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// ResourceURL identifies the protected MCP resource in discovery metadata.
	// Defaults to Issuer.
	ResourceURL string

	// AuthorizationCodeTTL is how long authorization codes are valid
	// Default: 10 minutes
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is how long access tokens are valid
	// Default: 7 days
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens are valid
	// Default: 30 days
	RefreshTokenTTL time.Duration

	// SupportedScopes lists the scopes that clients may request.
	// Unknown scopes are rejected, never silently dropped.
	// Default: ["read", "write"]
	SupportedScopes []string

	// RequirePKCE enforces PKCE for all authorization requests.
	// When true, code_challenge is mandatory (secure by default).
	// Default: true
	RequirePKCE bool

	// AllowInsecureHTTP permits an http:// issuer outside localhost.
	// Never enable in production.
	AllowInsecureHTTP bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	// Default: false
	TrustProxy bool

	// EnableURLClientIDs enables resolving URL-form client identifiers by
	// fetching their metadata documents.
	// Default: true
	EnableURLClientIDs bool

	// MetadataFetchTimeout bounds a single client metadata fetch.
	// Default: 5 seconds
	MetadataFetchTimeout time.Duration

	// MetadataMaxBodySize caps the metadata document size in bytes.
	// Default: 5 KB
	MetadataMaxBodySize int64

	// MetadataCacheTTL is how long fetched client metadata is served from
	// cache before a re-fetch is forced.
	// Default: 10 minutes
	MetadataCacheTTL time.Duration

	// MetadataFetchRatePerMinute limits metadata fetches per target domain.
	// Default: 10
	MetadataFetchRatePerMinute int
}

// applyDefaults fills in zero values with secure defaults.
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 10 * time.Minute
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 7 * 24 * time.Hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = []string{ScopeRead, ScopeWrite}
	}
	if config.MetadataFetchTimeout == 0 {
		config.MetadataFetchTimeout = 5 * time.Second
	}
	if config.MetadataMaxBodySize == 0 {
		config.MetadataMaxBodySize = 5 * 1024
	}
	if config.MetadataCacheTTL == 0 {
		config.MetadataCacheTTL = 10 * time.Minute
	}
	if config.MetadataFetchRatePerMinute == 0 {
		config.MetadataFetchRatePerMinute = 10
	}
	if config.ResourceURL == "" {
		config.ResourceURL = config.Issuer
	}

	if !config.RequirePKCE {
		logger.Warn("PKCE enforcement is disabled",
			"risk", "authorization code interception",
			"recommendation", "set RequirePKCE=true")
	}
	if config.TrustProxy {
		logger.Warn("Trusting proxy headers",
			"risk", "IP spoofing if the proxy chain is misconfigured")
	}

	return config
}
