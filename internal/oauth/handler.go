package oauth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/chipgpt/mcp-server/internal/security"
)

// RegisterHandlers mounts the OAuth endpoints on a mux.
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.HandleServerMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource", s.HandleProtectedResourceMetadata)
	mux.HandleFunc("/authorize", s.HandleAuthorize)
	mux.HandleFunc("/token", s.HandleToken)
	mux.HandleFunc("/revoke", s.HandleRevoke)
	mux.HandleFunc("/register", s.HandleRegister)
	mux.HandleFunc("/client", s.HandleClientInfo)
	mux.HandleFunc("/authenticate", s.HandleAuthenticate)
}

// HandleServerMetadata serves authorization server metadata (RFC 8414).
func (s *Server) HandleServerMetadata(w http.ResponseWriter, r *http.Request) {
	if handleCORSPreflight(w, r, "GET, OPTIONS") {
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "GET, OPTIONS")
		return
	}

	metadata := AuthorizationServerMetadata{
		Issuer:                            s.Config.Issuer,
		AuthorizationEndpoint:             s.Config.Issuer + "/authorize",
		TokenEndpoint:                     s.Config.Issuer + "/token",
		RegistrationEndpoint:              s.Config.Issuer + "/register",
		RevocationEndpoint:                s.Config.Issuer + "/revoke",
		ScopesSupported:                   s.Config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{PKCEMethodS256},
		ClientIDMetadataDocumentSupported: s.Config.EnableURLClientIDs,
	}

	writeJSON(w, http.StatusOK, metadata)
}

// HandleProtectedResourceMetadata serves protected resource metadata
// (RFC 9728).
func (s *Server) HandleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if handleCORSPreflight(w, r, "GET, OPTIONS") {
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "GET, OPTIONS")
		return
	}

	metadata := ProtectedResourceMetadata{
		Resource:               s.Config.ResourceURL,
		AuthorizationServers:   []string{s.Config.Issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        s.Config.SupportedScopes,
	}

	writeJSON(w, http.StatusOK, metadata)
}

// HandleAuthorize handles the authorization endpoint. Validation failures
// that predate a trustworthy redirect URI (unknown client, unregistered
// redirect URI) are rendered directly; everything else is returned to the
// client via redirect per RFC 6749 section 4.1.2.1.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "GET")
		return
	}

	q := r.URL.Query()
	req := &AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	if req.ClientID == "" {
		writeOAuthError(w, ErrInvalidRequest("client_id is required"))
		return
	}

	var userID string
	if s.userIdentity != nil {
		userID = s.userIdentity(r)
	}

	code, err := s.Authorize(r.Context(), req, userID)
	if err != nil {
		var oauthErr *OAuthError
		if !errors.As(err, &oauthErr) {
			oauthErr = ErrServerError("authorization failed")
		}
		// Without a validated redirect URI the error must not be
		// redirected anywhere.
		if oauthErr.Code == ErrorCodeInvalidClient || oauthErr.Code == ErrorCodeInvalidRedirectURI {
			writeOAuthError(w, oauthErr)
			return
		}
		redirectError(w, r, req.RedirectURI, req.State, oauthErr)
		return
	}

	redirect, _ := url.Parse(req.RedirectURI)
	values := redirect.Query()
	values.Set("code", code.Code)
	if req.State != "" {
		values.Set("state", req.State)
	}
	redirect.RawQuery = values.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// HandleToken handles the token endpoint for the authorization code and
// refresh token grants.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if handleCORSPreflight(w, r, "POST, OPTIONS") {
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, "POST, OPTIONS")
		return
	}

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, ErrInvalidRequest("malformed request body"))
		return
	}

	clientID, clientSecret := clientCredentials(r)
	clientIP := security.GetClientIP(r, s.Config.TrustProxy)

	var (
		resp *TokenResponse
		err  error
	)

	switch grantType := r.PostFormValue("grant_type"); grantType {
	case GrantTypeAuthorizationCode:
		resp, err = s.ExchangeAuthorizationCode(r.Context(), &ExchangeRequest{
			Code:         r.PostFormValue("code"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURI:  r.PostFormValue("redirect_uri"),
			CodeVerifier: r.PostFormValue("code_verifier"),
			ClientIP:     clientIP,
		})
	case GrantTypeRefreshToken:
		resp, err = s.RefreshAccessToken(r.Context(), &RefreshRequest{
			RefreshToken: r.PostFormValue("refresh_token"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			ClientIP:     clientIP,
		})
	default:
		err = ErrUnsupportedGrantType("unsupported grant_type: " + grantType)
	}

	if err != nil {
		writeOAuthErrorFrom(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// HandleRevoke handles token revocation (RFC 7009). Unknown tokens return
// 200 so callers cannot probe token validity.
func (s *Server) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if handleCORSPreflight(w, r, "POST, OPTIONS") {
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, "POST, OPTIONS")
		return
	}

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, ErrInvalidRequest("malformed request body"))
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		writeOAuthError(w, ErrInvalidRequest("token is required"))
		return
	}

	clientID, clientSecret := clientCredentials(r)
	clientIP := security.GetClientIP(r, s.Config.TrustProxy)

	if err := s.Revoke(r.Context(), token, clientID, clientSecret, clientIP); err != nil {
		writeOAuthErrorFrom(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// HandleRegister handles dynamic client registration (RFC 7591).
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if handleCORSPreflight(w, r, "POST, OPTIONS") {
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, "POST, OPTIONS")
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, ErrInvalidRequest("invalid JSON body"))
		return
	}

	resp, err := s.RegisterClient(r.Context(), &req, security.GetClientIP(r, s.Config.TrustProxy))
	if err != nil {
		writeOAuthErrorFrom(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// HandleClientInfo serves the public metadata of a registered client.
func (s *Server) HandleClientInfo(w http.ResponseWriter, r *http.Request) {
	if handleCORSPreflight(w, r, "GET, OPTIONS") {
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "GET, OPTIONS")
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		writeOAuthError(w, ErrInvalidRequest("client_id is required"))
		return
	}

	info, err := s.GetClientInfo(r.Context(), clientID)
	if err != nil {
		writeOAuthErrorFrom(w, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// HandleAuthenticate validates a bearer token and returns its binding.
func (s *Server) HandleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if handleCORSPreflight(w, r, "GET, OPTIONS") {
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "GET, OPTIONS")
		return
	}

	info, err := s.Authenticate(r.Context(), BearerToken(r))
	if err != nil {
		WriteBearerChallenge(w, s.Config.ResourceURL)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// BearerToken extracts a bearer token from the Authorization header.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// WriteBearerChallenge writes a 401 with a WWW-Authenticate challenge
// pointing clients at the protected resource metadata (RFC 9728).
func WriteBearerChallenge(w http.ResponseWriter, resourceURL string) {
	w.Header().Set("WWW-Authenticate",
		`Bearer resource_metadata="`+resourceURL+`/.well-known/oauth-protected-resource"`)
	writeJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error:            ErrorCodeInvalidToken,
		ErrorDescription: "invalid or expired access token",
	})
}

// clientCredentials extracts client credentials from HTTP Basic auth or the
// request body, preferring Basic auth.
func clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		// Basic auth credentials are form-urlencoded per RFC 6749 2.3.1.
		if decoded, err := url.QueryUnescape(id); err == nil {
			id = decoded
		}
		if decoded, err := url.QueryUnescape(secret); err == nil {
			secret = decoded
		}
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

// redirectError sends an OAuth error back to the client's redirect URI.
func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state string, oauthErr *OAuthError) {
	redirect, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		writeOAuthError(w, oauthErr)
		return
	}

	values := redirect.Query()
	values.Set("error", oauthErr.Code)
	values.Set("error_description", oauthErr.Description)
	if state != "" {
		values.Set("state", state)
	}
	redirect.RawQuery = values.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// handleCORSPreflight writes CORS headers and reports whether the request
// was an OPTIONS preflight that has been fully handled.
func handleCORSPreflight(w http.ResponseWriter, r *http.Request, allowMethods string) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", allowMethods)
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

func writeMethodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{
		Error:            ErrorCodeInvalidRequest,
		ErrorDescription: "method not allowed",
	})
}

// writeOAuthErrorFrom renders any error as an OAuth error response, mapping
// non-OAuth errors to server_error.
func writeOAuthErrorFrom(w http.ResponseWriter, err error) {
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		oauthErr = ErrServerError("internal error")
	}
	writeOAuthError(w, oauthErr)
}

func writeOAuthError(w http.ResponseWriter, oauthErr *OAuthError) {
	if oauthErr.Code == ErrorCodeInvalidClient && oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	}
	writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
