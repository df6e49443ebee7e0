package oauth

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/chipgpt/mcp-server/internal/security"
)

// fetchClientMetadata fetches and validates a client ID metadata document
// from a URL-form client_id. The fetch is SSRF-hardened: HTTPS only, the
// hostname is resolved up front and every resolved address checked against
// private ranges, the connection is pinned to the vetted IP so a second DNS
// answer cannot redirect it, redirects are refused, and the body size is
// capped.
func (s *Server) fetchClientMetadata(ctx context.Context, clientURL string) (*ClientMetadata, error) {
	host, dialAddr, err := security.ResolveSafeAddr(clientURL)
	if err != nil {
		s.Logger.Warn("Blocked client metadata fetch", "url", clientURL, "error", err)
		s.Auditor.LogMetadataFetchBlocked(clientURL, err.Error())
		return nil, fmt.Errorf("client_id URL rejected: %w", err)
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: s.Config.MetadataFetchTimeout}
			return dialer.DialContext(ctx, network, dialAddr)
		},
		TLSClientConfig: &tls.Config{
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		},
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   s.Config.MetadataFetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	ctx, cancel := context.WithTimeout(ctx, s.Config.MetadataFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, clientURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch client metadata: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client metadata fetch returned status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, _ := strings.Cut(contentType, ";"); strings.TrimSpace(mediaType) != "application/json" {
		return nil, fmt.Errorf("client metadata must be application/json, got %q", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.Config.MetadataMaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read client metadata: %w", err)
	}
	if int64(len(body)) > s.Config.MetadataMaxBodySize {
		return nil, fmt.Errorf("client metadata exceeds %d bytes", s.Config.MetadataMaxBodySize)
	}

	var metadata ClientMetadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, fmt.Errorf("invalid client metadata JSON: %w", err)
	}

	if err := validateClientMetadata(&metadata, clientURL); err != nil {
		s.Auditor.LogMetadataFetchBlocked(clientURL, err.Error())
		return nil, err
	}

	s.Logger.Info("Fetched client metadata",
		"client_id", metadata.ClientID,
		"redirect_uris", len(metadata.RedirectURIs))

	return &metadata, nil
}

// validateClientMetadata validates a fetched client metadata document. The
// client_id field must match the document URL verbatim: that equality is what
// proves the client controls the identifier it claims.
func validateClientMetadata(metadata *ClientMetadata, clientURL string) error {
	if metadata.ClientID != clientURL {
		return fmt.Errorf("client_id in metadata (%q) does not match document URL (%q)", metadata.ClientID, clientURL)
	}

	if len(metadata.RedirectURIs) == 0 {
		return fmt.Errorf("client metadata must declare at least one redirect URI")
	}

	for _, uri := range metadata.RedirectURIs {
		if err := validateRedirectURISecurity(uri); err != nil {
			return fmt.Errorf("invalid redirect URI in client metadata: %w", err)
		}
	}

	if metadata.TokenEndpointAuthMethod != "" && metadata.TokenEndpointAuthMethod != "none" {
		return fmt.Errorf("URL-based clients must use token_endpoint_auth_method %q, got %q", "none", metadata.TokenEndpointAuthMethod)
	}

	for _, gt := range metadata.GrantTypes {
		if gt != GrantTypeAuthorizationCode && gt != GrantTypeRefreshToken {
			return fmt.Errorf("unsupported grant type in client metadata: %s", gt)
		}
	}

	if u, err := url.Parse(clientURL); err != nil || u.Scheme != "https" {
		return fmt.Errorf("client_id URL must use HTTPS")
	}

	return nil
}
