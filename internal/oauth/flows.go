package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chipgpt/mcp-server/internal/storage"
)

// Grant type constants
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// tokenIDLogLength is the number of characters of a token to include in
// debug logs.
const tokenIDLogLength = 8

// AuthorizeRequest holds the parameters of an authorization request.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Authorize validates an authorization request for an authenticated user and
// issues a single-use authorization code. The caller supplies the user
// identity out of band (session cookie, upstream auth proxy).
//
// The client and redirect URI are validated before anything else. Per
// RFC 6749 section 4.1.2.1 only errors raised after that point may be sent
// to the redirect URI; earlier failures must be rendered directly or an
// attacker-supplied redirect_uri becomes an open redirect.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest, userID string) (*storage.AuthorizationCode, error) {
	client, err := s.ResolveClient(ctx, req.ClientID)
	if err != nil {
		return nil, ErrInvalidClient("unknown client")
	}

	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		return nil, ErrInvalidRedirectURI(err.Error())
	}

	if userID == "" {
		return nil, ErrAccessDenied("user authentication required")
	}
	if req.ResponseType != "code" {
		return nil, ErrInvalidRequest(fmt.Sprintf("unsupported response_type: %s", req.ResponseType))
	}

	if err := s.validateScopes(req.Scope); err != nil {
		return nil, ErrInvalidScope(err.Error())
	}
	if err := validateClientScope(client, req.Scope); err != nil {
		return nil, ErrInvalidScope(err.Error())
	}

	if req.CodeChallenge == "" && s.Config.RequirePKCE {
		return nil, ErrInvalidRequest("code_challenge is required")
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod != PKCEMethodS256 {
		return nil, ErrInvalidRequest("code_challenge_method must be S256")
	}

	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            client.ClientID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}

	if err := s.flowStore.SaveAuthorizationCode(ctx, code); err != nil {
		s.Logger.Error("Failed to save authorization code", "error", err)
		return nil, ErrServerError("failed to issue authorization code")
	}

	s.Logger.Info("Issued authorization code",
		"client_id", client.ClientID,
		"scope", req.Scope,
		"code_prefix", safeTruncate(code.Code, tokenIDLogLength))

	return code, nil
}

// ExchangeRequest holds the parameters of an authorization code exchange.
type ExchangeRequest struct {
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	CodeVerifier string
	ClientIP     string
}

// ExchangeAuthorizationCode exchanges an authorization code for a token
// pair. The code is consumed atomically before any validation: a code that
// reaches this method is burned whether or not the exchange succeeds, so a
// stolen code cannot be retried against other parameters.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req *ExchangeRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	code, err := s.flowStore.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrCodeUsed) {
			s.Logger.Warn("Authorization code reuse detected",
				"client_id", req.ClientID,
				"code_prefix", safeTruncate(req.Code, tokenIDLogLength))
			s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "authorization_code_reuse")
			s.metrics.RecordCodeReuse(ctx, req.ClientID)
		}
		// Generic error: do not reveal whether the code was unknown,
		// expired, or already used.
		return nil, ErrInvalidGrant("invalid authorization code")
	}

	if code.ClientID != client.ClientID {
		s.Auditor.LogAuthFailure(code.UserID, req.ClientID, req.ClientIP, "code_client_mismatch")
		return nil, ErrInvalidGrant("invalid authorization code")
	}
	if code.RedirectURI != req.RedirectURI {
		s.Auditor.LogAuthFailure(code.UserID, req.ClientID, req.ClientIP, "redirect_uri_mismatch")
		return nil, ErrInvalidGrant("invalid authorization code")
	}
	if err := s.validatePKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		s.Auditor.LogAuthFailure(code.UserID, req.ClientID, req.ClientIP, "pkce_validation_failed")
		return nil, ErrInvalidGrant("invalid authorization code")
	}

	token, err := s.issueTokenPair(ctx, client, code.UserID, code.Scope)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenIssued(code.UserID, client.ClientID, req.ClientIP, code.Scope)
	s.metrics.RecordCodeExchange(ctx, client.ClientID)

	return &TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(token.AccessExpiresAt).Seconds()),
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope,
	}, nil
}

// RefreshRequest holds the parameters of a refresh grant.
type RefreshRequest struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	ClientIP     string
}

// RefreshAccessToken exchanges a refresh token for a new access token.
// Refresh tokens are not rotated: the same refresh token stays valid for
// its full lifetime and the previous access token is invalidated.
func (s *Server) RefreshAccessToken(ctx context.Context, req *RefreshRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	existing, err := s.tokenStore.GetByRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, ErrInvalidGrant("invalid refresh token")
	}
	if existing.ClientID != client.ClientID {
		s.Auditor.LogAuthFailure(existing.UserID, req.ClientID, req.ClientIP, "refresh_client_mismatch")
		return nil, ErrInvalidGrant("invalid refresh token")
	}

	lifetime := s.accessTokenLifetime(client)
	token, err := s.tokenStore.ReplaceAccessToken(ctx, req.RefreshToken, generateRandomToken(), time.Now().Add(lifetime))
	if err != nil {
		return nil, ErrInvalidGrant("invalid refresh token")
	}

	s.Auditor.LogTokenRefreshed(token.UserID, client.ClientID, req.ClientIP)
	s.metrics.RecordTokenRefresh(ctx, client.ClientID)
	s.Logger.Info("Refreshed access token",
		"client_id", client.ClientID,
		"token_prefix", safeTruncate(token.AccessToken, tokenIDLogLength))

	return &TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(token.AccessExpiresAt).Seconds()),
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope,
	}, nil
}

// Authenticate validates a bearer access token and returns its binding.
func (s *Server) Authenticate(ctx context.Context, accessToken string) (*AuthInfo, error) {
	if accessToken == "" {
		return nil, ErrInvalidToken("access token required")
	}

	token, err := s.tokenStore.GetByAccessToken(ctx, accessToken)
	if err != nil {
		return nil, ErrInvalidToken("invalid or expired access token")
	}

	return &AuthInfo{
		UserID:   token.UserID,
		ClientID: token.ClientID,
		Scope:    token.Scope,
	}, nil
}

// Revoke revokes a token pair by access or refresh token (RFC 7009).
// Revoking either half removes both. Unknown tokens succeed: revocation is
// idempotent and must not leak token validity.
func (s *Server) Revoke(ctx context.Context, token, clientID, clientSecret, clientIP string) error {
	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return err
	}

	if pair, err := s.tokenStore.GetByAccessToken(ctx, token); err == nil {
		if pair.ClientID != client.ClientID {
			return nil
		}
		if err := s.tokenStore.DeleteByAccessToken(ctx, token); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
			return ErrServerError("failed to revoke token")
		}
		s.Auditor.LogTokenRevoked(pair.UserID, client.ClientID, clientIP, "access_token")
		s.metrics.RecordTokenRevocation(ctx, client.ClientID)
		return nil
	}

	if pair, err := s.tokenStore.GetByRefreshToken(ctx, token); err == nil {
		if pair.ClientID != client.ClientID {
			return nil
		}
		if err := s.tokenStore.DeleteByRefreshToken(ctx, token); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
			return ErrServerError("failed to revoke token")
		}
		s.Auditor.LogTokenRevoked(pair.UserID, client.ClientID, clientIP, "refresh_token")
		s.metrics.RecordTokenRevocation(ctx, client.ClientID)
		return nil
	}

	return nil
}

// authenticateClient resolves a client and, for confidential clients,
// verifies its secret.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidClient("client_id is required")
	}

	client, err := s.ResolveClient(ctx, clientID)
	if err != nil {
		return nil, ErrInvalidClient("unknown client")
	}

	if client.ClientType == ClientTypeConfidential {
		if err := s.clientStore.ValidateClientSecret(ctx, client.ClientID, clientSecret); err != nil {
			return nil, ErrInvalidClient("client authentication failed")
		}
	}

	return client, nil
}

// issueTokenPair creates and persists a new access/refresh token pair.
func (s *Server) issueTokenPair(ctx context.Context, client *storage.Client, userID, scope string) (*storage.Token, error) {
	now := time.Now()
	token := &storage.Token{
		AccessToken:      generateRandomToken(),
		RefreshToken:     generateRandomToken(),
		ClientID:         client.ClientID,
		UserID:           userID,
		Scope:            scope,
		AccessExpiresAt:  now.Add(s.accessTokenLifetime(client)),
		RefreshExpiresAt: now.Add(s.refreshTokenLifetime(client)),
		CreatedAt:        now,
	}

	if err := s.tokenStore.SaveToken(ctx, token); err != nil {
		s.Logger.Error("Failed to save token pair", "error", err)
		return nil, ErrServerError("failed to issue tokens")
	}

	s.Logger.Info("Issued token pair",
		"client_id", client.ClientID,
		"scope", scope,
		"token_prefix", safeTruncate(token.AccessToken, tokenIDLogLength))

	return token, nil
}

func (s *Server) accessTokenLifetime(client *storage.Client) time.Duration {
	if client.AccessTokenLifetime > 0 {
		return client.AccessTokenLifetime
	}
	return s.Config.AccessTokenTTL
}

func (s *Server) refreshTokenLifetime(client *storage.Client) time.Duration {
	if client.RefreshTokenLifetime > 0 {
		return client.RefreshTokenLifetime
	}
	return s.Config.RefreshTokenTTL
}
