package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestHandler(t *testing.T) (*Server, http.Handler) {
	t.Helper()

	srv, store := newTestServer(t)
	registerTestClient(t, store)
	srv.SetUserIdentityFunc(func(r *http.Request) string {
		return r.Header.Get("X-Test-User")
	})

	mux := http.NewServeMux()
	srv.RegisterHandlers(mux)
	return srv, mux
}

func TestHandleServerMetadata(t *testing.T) {
	_, handler := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var metadata AuthorizationServerMetadata
	if err := json.NewDecoder(rec.Body).Decode(&metadata); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if metadata.Issuer != "https://auth.example.com" {
		t.Errorf("Issuer = %q", metadata.Issuer)
	}
	if metadata.RevocationEndpoint != "https://auth.example.com/revoke" {
		t.Errorf("RevocationEndpoint = %q", metadata.RevocationEndpoint)
	}
	if !metadata.ClientIDMetadataDocumentSupported {
		t.Error("expected client_id_metadata_document_supported = true")
	}
	if len(metadata.CodeChallengeMethodsSupported) != 1 || metadata.CodeChallengeMethodsSupported[0] != PKCEMethodS256 {
		t.Errorf("CodeChallengeMethodsSupported = %v", metadata.CodeChallengeMethodsSupported)
	}
}

func TestHandleAuthorize_RedirectsWithCode(t *testing.T) {
	_, handler := newTestHandler(t)
	_, challenge := pkcePair()

	q := url.Values{
		"client_id":             {"test-client"},
		"redirect_uri":          {"https://app.example.com/callback"},
		"response_type":         {"code"},
		"scope":                 {"read"},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {PKCEMethodS256},
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	req.Header.Set("X-Test-User", "user-1")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302; body: %s", rec.Code, rec.Body.String())
	}

	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location header: %v", err)
	}
	if loc.Query().Get("code") == "" {
		t.Error("redirect missing code")
	}
	if loc.Query().Get("state") != "xyz" {
		t.Errorf("state = %q, want xyz", loc.Query().Get("state"))
	}
}

func TestHandleAuthorize_UnknownClientNotRedirected(t *testing.T) {
	_, handler := newTestHandler(t)
	_, challenge := pkcePair()

	q := url.Values{
		"client_id":             {"no-such-client"},
		"redirect_uri":          {"https://app.example.com/callback"},
		"response_type":         {"code"},
		"code_challenge":        {challenge},
		"code_challenge_method": {PKCEMethodS256},
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	req.Header.Set("X-Test-User", "user-1")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("Location") != "" {
		t.Error("unknown client error must not redirect")
	}
}

func TestHandleAuthorize_UnregisteredRedirectURINeverFollowed(t *testing.T) {
	_, handler := newTestHandler(t)
	_, challenge := pkcePair()

	// An unauthenticated request with an attacker-supplied redirect_uri must
	// be rendered directly, never redirected.
	q := url.Values{
		"client_id":             {"test-client"},
		"redirect_uri":          {"https://evil.example.com/phish"},
		"response_type":         {"code"},
		"code_challenge":        {challenge},
		"code_challenge_method": {PKCEMethodS256},
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code == http.StatusFound {
		t.Fatalf("unregistered redirect_uri was followed: Location = %q", rec.Header().Get("Location"))
	}
	if rec.Header().Get("Location") != "" {
		t.Errorf("Location = %q, want none", rec.Header().Get("Location"))
	}

	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if resp.Error != ErrorCodeInvalidRedirectURI {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidRedirectURI)
	}
}

func TestHandleAuthorize_AccessDeniedRedirectsToRegisteredURI(t *testing.T) {
	_, handler := newTestHandler(t)
	_, challenge := pkcePair()

	// With the redirect URI validated against the client, an unauthenticated
	// request is returned to the client per RFC 6749 section 4.1.2.1.
	q := url.Values{
		"client_id":             {"test-client"},
		"redirect_uri":          {"https://app.example.com/callback"},
		"response_type":         {"code"},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {PKCEMethodS256},
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302; body: %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location header: %v", err)
	}
	if loc.Host != "app.example.com" {
		t.Errorf("redirect host = %q, want app.example.com", loc.Host)
	}
	if loc.Query().Get("error") != ErrorCodeAccessDenied {
		t.Errorf("error = %q, want %q", loc.Query().Get("error"), ErrorCodeAccessDenied)
	}
}

func TestHandleAuthorize_ScopeErrorRedirected(t *testing.T) {
	_, handler := newTestHandler(t)
	_, challenge := pkcePair()

	q := url.Values{
		"client_id":             {"test-client"},
		"redirect_uri":          {"https://app.example.com/callback"},
		"response_type":         {"code"},
		"scope":                 {"write"},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {PKCEMethodS256},
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	req.Header.Set("X-Test-User", "user-1")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if loc.Query().Get("error") != ErrorCodeInvalidScope {
		t.Errorf("error = %q, want invalid_scope", loc.Query().Get("error"))
	}
}

func TestHandleToken_AuthorizationCodeGrant(t *testing.T) {
	srv, handler := newTestHandler(t)
	verifier, challenge := pkcePair()
	code := authorizeTestCode(t, srv, challenge)

	form := url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {code.Code},
		"client_id":     {"test-client"},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {verifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}

	var resp TokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Error("expected token pair in response")
	}
}

func TestHandleToken_UnsupportedGrantType(t *testing.T) {
	_, handler := newTestHandler(t)

	form := url.Values{"grant_type": {"password"}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if resp.Error != ErrorCodeUnsupportedGrantType {
		t.Errorf("error = %q, want unsupported_grant_type", resp.Error)
	}
}

func TestHandleRevoke_UnknownTokenReturns200(t *testing.T) {
	_, handler := newTestHandler(t)

	form := url.Values{
		"token":     {"never-issued"},
		"client_id": {"test-client"},
	}
	req := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHandleRegister(t *testing.T) {
	_, handler := newTestHandler(t)

	body := `{"redirect_uris":["https://app.example.com/callback"],"client_name":"My App"}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if resp["client_id"] == "" {
		t.Error("missing client_id")
	}
	// client_secret_expires_at must be present even when zero.
	if _, ok := resp["client_secret_expires_at"]; !ok {
		t.Error("missing client_secret_expires_at")
	}
	if resp["client_id_issued_at"] == nil {
		t.Error("missing client_id_issued_at")
	}
}

func TestHandleAuthenticate_InvalidToken(t *testing.T) {
	_, handler := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/authenticate", nil)
	req.Header.Set("Authorization", "Bearer bogus")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); !strings.Contains(got, "oauth-protected-resource") {
		t.Errorf("WWW-Authenticate = %q, want resource_metadata challenge", got)
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if BearerToken(req) != "" {
		t.Error("expected empty token without header")
	}

	req.Header.Set("Authorization", "Bearer abc123")
	if got := BearerToken(req); got != "abc123" {
		t.Errorf("BearerToken() = %q, want abc123", got)
	}

	req.Header.Set("Authorization", "bearer abc123")
	if got := BearerToken(req); got != "abc123" {
		t.Errorf("BearerToken() with lowercase scheme = %q, want abc123", got)
	}

	req.Header.Set("Authorization", "Basic abc123")
	if BearerToken(req) != "" {
		t.Error("expected empty token for Basic auth")
	}
}
