package oauth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/chipgpt/mcp-server/internal/storage"
)

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// RegisterClient registers a new OAuth client dynamically (RFC 7591).
// Registration is open: no initial access token is required. Confidential
// clients receive a generated secret that is returned exactly once and
// stored only as a bcrypt hash.
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, clientIP string) (*ClientRegistrationResponse, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, ErrInvalidRequest("redirect_uris is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURISecurity(uri); err != nil {
			return nil, ErrInvalidRedirectURI(err.Error())
		}
	}

	if req.Scope != "" {
		if err := s.validateScopes(req.Scope); err != nil {
			return nil, ErrInvalidScope(err.Error())
		}
	}

	clientType, authMethod, err := resolveClientTypeAndAuthMethod(req.TokenEndpointAuthMethod)
	if err != nil {
		return nil, ErrInvalidRequest(err.Error())
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	for _, gt := range grantTypes {
		if gt != GrantTypeAuthorizationCode && gt != GrantTypeRefreshToken {
			return nil, ErrInvalidRequest(fmt.Sprintf("unsupported grant type: %s", gt))
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, rt := range responseTypes {
		if rt != "code" {
			return nil, ErrInvalidRequest(fmt.Sprintf("unsupported response type: %s", rt))
		}
	}

	now := time.Now()
	client := &storage.Client{
		ClientID:                generateRandomToken(),
		ClientType:              clientType,
		ClientName:              req.ClientName,
		ClientURI:               req.ClientURI,
		LogoURI:                 req.LogoURI,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
		Scope:                   req.Scope,
		AccessTokenLifetime:     s.Config.AccessTokenTTL,
		RefreshTokenLifetime:    s.Config.RefreshTokenTTL,
		CreatedAt:               now,
	}

	var clientSecret string
	if clientType == ClientTypeConfidential {
		clientSecret = generateRandomToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			s.Logger.Error("Failed to hash client secret", "error", err)
			return nil, ErrServerError("failed to register client")
		}
		client.ClientSecretHash = string(hash)
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		s.Logger.Error("Failed to save registered client", "error", err)
		return nil, ErrServerError("failed to register client")
	}

	s.Auditor.LogClientRegistered(client.ClientID, clientType, clientIP)
	s.metrics.RecordClientRegistration(ctx, clientType)
	s.Logger.Info("Registered client",
		"client_id", client.ClientID,
		"client_type", clientType,
		"client_name", client.ClientName)

	return &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        now.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		ClientURI:               client.ClientURI,
		LogoURI:                 client.LogoURI,
		Scope:                   client.Scope,
	}, nil
}

// GetClientInfo returns the public view of a registered client, for consent
// pages. Secret material is never included.
func (s *Server) GetClientInfo(ctx context.Context, clientID string) (*ClientInfo, error) {
	client, err := s.ResolveClient(ctx, clientID)
	if err != nil {
		return nil, ErrInvalidClient("unknown client")
	}

	return &ClientInfo{
		ClientID:     client.ClientID,
		ClientName:   client.ClientName,
		ClientURI:    client.ClientURI,
		LogoURI:      client.LogoURI,
		RedirectURIs: client.RedirectURIs,
		Scope:        client.Scope,
	}, nil
}

// resolveClientTypeAndAuthMethod maps the requested token endpoint auth
// method to a client type. The default is a confidential client using
// client_secret_basic, matching RFC 7591.
func resolveClientTypeAndAuthMethod(requested string) (clientType, authMethod string, err error) {
	switch requested {
	case "":
		return ClientTypeConfidential, "client_secret_basic", nil
	case "client_secret_basic", "client_secret_post":
		return ClientTypeConfidential, requested, nil
	case "none":
		return ClientTypePublic, "none", nil
	default:
		return "", "", fmt.Errorf("unsupported token_endpoint_auth_method: %s", requested)
	}
}
