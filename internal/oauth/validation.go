package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/chipgpt/mcp-server/internal/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
)

// dangerousSchemes lists URI schemes that must never be allowed in redirect
// URIs.
var dangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// validateHTTPSEnforcement ensures the issuer runs over HTTPS outside
// localhost development. OAuth over plain HTTP exposes codes and tokens to
// interception.
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
		if isLocalhostHostname(issuerURL.Hostname()) {
			return nil
		}
		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS in production (got %s); set AllowInsecureHTTP only for development", s.Config.Issuer)
		}
		s.Logger.Error("Running OAuth server over HTTP",
			"issuer", s.Config.Issuer,
			"risk", "tokens and credentials exposed to interception")
		return nil
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}
}

// isLocalhostHostname checks if a hostname refers to the local machine.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}
	clean := strings.Trim(hostname, "[]")
	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateScopes validates a requested scope string against the supported
// scopes and the write-implies-read rule. Unknown scopes are rejected, never
// dropped: a client asking for more than exists must not silently receive
// less.
func (s *Server) validateScopes(scope string) error {
	if scope == "" {
		return nil
	}

	requested := strings.Fields(scope)
	for _, req := range requested {
		found := false
		for _, supported := range s.Config.SupportedScopes {
			if req == supported {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unsupported scope: %s", req)
		}
	}

	// write grants imply read access, so a write request without read would
	// produce a token whose scope string understates what it can do.
	if containsScope(requested, ScopeWrite) && !containsScope(requested, ScopeRead) {
		return fmt.Errorf("scope %q requires %q", ScopeWrite, ScopeRead)
	}

	return nil
}

// validateClientScope checks the requested scope against the scopes the
// client registered. A client with no registered scope may request any
// supported scope. The error stays generic so callers cannot enumerate
// which scopes a client holds.
func validateClientScope(client *storage.Client, scope string) error {
	if client.Scope == "" || scope == "" {
		return nil
	}

	allowed := strings.Fields(client.Scope)
	for _, req := range strings.Fields(scope) {
		if !containsScope(allowed, req) {
			return fmt.Errorf("client is not authorized for the requested scope")
		}
	}
	return nil
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

// ScopeSatisfied reports whether a granted scope string satisfies the
// required scope. A granted "write" satisfies a "read" requirement.
func ScopeSatisfied(granted, required string) bool {
	grantedScopes := strings.Fields(granted)
	if containsScope(grantedScopes, required) {
		return true
	}
	if required == ScopeRead && containsScope(grantedScopes, ScopeWrite) {
		return true
	}
	return false
}

// validateRedirectURI validates that a redirect URI is registered for the
// client and structurally safe.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	found := false
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("redirect URI not registered for client")
	}

	return validateRedirectURISecurity(redirectURI)
}

// validateRedirectURISecurity performs structural security validation on a
// redirect URI per OAuth 2.0 Security BCP.
func validateRedirectURISecurity(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		return fmt.Errorf("redirect_uri missing scheme")
	}

	for _, dangerous := range dangerousSchemes {
		if scheme == dangerous {
			return fmt.Errorf("redirect_uri scheme %q is not allowed", scheme)
		}
	}

	if scheme == "http" {
		hostname := strings.ToLower(parsed.Hostname())
		if !isLocalhostHostname(hostname) {
			return fmt.Errorf("redirect_uri must use HTTPS outside localhost (got http://%s)", hostname)
		}
	}

	return nil
}

// validatePKCE validates the PKCE code verifier against the challenge per
// RFC 7636. Only the S256 method is accepted.
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		if s.Config.RequirePKCE {
			return fmt.Errorf("code_challenge is required")
		}
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}

	// RFC 7636: verifier alphabet is [A-Za-z0-9-._~]
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %s (supported: S256)", method)
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	// Constant-time comparison to prevent timing side channels.
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}
