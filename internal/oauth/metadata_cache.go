package oauth

import (
	"container/list"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chipgpt/mcp-server/internal/storage"
)

// metadataCacheEntry holds a cached client metadata document.
type metadataCacheEntry struct {
	clientURL string
	client    *storage.Client
	fetchedAt time.Time
}

// metadataCache is an in-memory TTL cache for fetched client metadata
// documents, bounded by an LRU eviction policy.
type metadataCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lruList    *list.List
	ttl        time.Duration
	maxEntries int
}

func newMetadataCache(ttl time.Duration, maxEntries int) *metadataCache {
	return &metadataCache{
		entries:    make(map[string]*list.Element),
		lruList:    list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// get returns the cached client for a client URL if present and fresh.
func (c *metadataCache) get(clientURL string) (*storage.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[clientURL]
	if !ok {
		return nil, false
	}

	entry := elem.Value.(*metadataCacheEntry)
	if time.Since(entry.fetchedAt) > c.ttl {
		c.lruList.Remove(elem)
		delete(c.entries, clientURL)
		return nil, false
	}

	c.lruList.MoveToFront(elem)
	return entry.client, true
}

// put stores a fetched client, evicting the least recently used entry when
// the cache is full.
func (c *metadataCache) put(clientURL string, client *storage.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[clientURL]; ok {
		entry := elem.Value.(*metadataCacheEntry)
		entry.client = client
		entry.fetchedAt = time.Now()
		c.lruList.MoveToFront(elem)
		return
	}

	if c.lruList.Len() >= c.maxEntries {
		oldest := c.lruList.Back()
		if oldest != nil {
			c.lruList.Remove(oldest)
			delete(c.entries, oldest.Value.(*metadataCacheEntry).clientURL)
		}
	}

	elem := c.lruList.PushFront(&metadataCacheEntry{
		clientURL: clientURL,
		client:    client,
		fetchedAt: time.Now(),
	})
	c.entries[clientURL] = elem
}

// IsURLClientID reports whether a client identifier is a URL-form client ID
// (client ID metadata document).
func IsURLClientID(clientID string) bool {
	return strings.HasPrefix(clientID, "https://") || strings.HasPrefix(clientID, "http://")
}

// ResolveClient resolves a client identifier to a registered client. URL-form
// client IDs are resolved by fetching their metadata document, with a TTL
// cache and singleflight deduplication so concurrent requests for the same
// client URL trigger at most one fetch.
func (s *Server) ResolveClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if !IsURLClientID(clientID) {
		return s.clientStore.GetClient(ctx, clientID)
	}

	if !s.Config.EnableURLClientIDs {
		return nil, fmt.Errorf("URL-based client identifiers are disabled")
	}

	if client, ok := s.metadataCache.get(clientID); ok {
		return client, nil
	}

	result, err, _ := s.metadataFetchGroup.Do(clientID, func() (any, error) {
		// Re-check under singleflight: a concurrent caller may have
		// populated the cache while we waited.
		if client, ok := s.metadataCache.get(clientID); ok {
			return client, nil
		}

		if err := s.checkMetadataFetchRate(clientID); err != nil {
			return nil, err
		}

		metadata, err := s.fetchClientMetadata(ctx, clientID)
		if err != nil {
			return nil, err
		}

		client := metadataToClient(metadata, s.Config)
		s.metadataCache.put(clientID, client)

		// Persist so token, revocation, and introspection paths can
		// resolve the client without a network round trip.
		if err := s.clientStore.SaveClient(ctx, client); err != nil {
			s.Logger.Warn("Failed to persist URL-based client", "error", err)
		}

		return client, nil
	})
	if err != nil {
		return nil, err
	}

	return result.(*storage.Client), nil
}

// checkMetadataFetchRate applies the per-domain fetch rate limit.
func (s *Server) checkMetadataFetchRate(clientURL string) error {
	if s.metadataFetchRateLimiter == nil {
		return nil
	}

	parsed, err := url.Parse(clientURL)
	if err != nil {
		return fmt.Errorf("invalid client_id URL: %w", err)
	}

	domain := strings.ToLower(parsed.Hostname())
	if !s.metadataFetchRateLimiter.Allow(domain) {
		s.Logger.Warn("Client metadata fetch rate limit exceeded", "domain", domain)
		s.Auditor.LogMetadataFetchBlocked(clientURL, "rate_limit_exceeded")
		return fmt.Errorf("metadata fetch rate limit exceeded for domain %s", domain)
	}

	return nil
}

// metadataToClient converts a fetched metadata document into a stored client.
// URL-based clients are always public: there is no registration step at which
// a secret could have been established.
func metadataToClient(metadata *ClientMetadata, config *Config) *storage.Client {
	grantTypes := metadata.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode}
	}
	responseTypes := metadata.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	// A metadata document that declares no scope gets read-only access, not
	// unlimited access.
	scope := metadata.Scope
	if scope == "" {
		scope = ScopeRead
	}

	return &storage.Client{
		ClientID:                metadata.ClientID,
		ClientType:              ClientTypePublic,
		ClientName:              metadata.ClientName,
		ClientURI:               metadata.ClientURI,
		LogoURI:                 metadata.LogoURI,
		RedirectURIs:            metadata.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: "none",
		Scope:                   scope,
		AccessTokenLifetime:     config.AccessTokenTTL,
		RefreshTokenLifetime:    config.RefreshTokenTTL,
		CreatedAt:               time.Now(),
	}
}
