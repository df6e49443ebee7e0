package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/chipgpt/mcp-server/internal/storage"
)

// dummyBcryptHash is compared against when a client is unknown so secret
// validation takes the same time whether or not the client exists.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves or replaces a client registration.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ClientID)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return getAndUnmarshal(ctx, s, s.clientKey(clientID),
		fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID),
		fromClientJSON)
}

// ValidateClientSecret validates a client's secret against the stored bcrypt
// hash. The comparison runs against a dummy hash for unknown clients so
// timing does not reveal whether a client ID exists.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyBcryptHash
	if err == nil && client.ClientSecretHash != "" {
		hashToCompare = client.ClientSecretHash
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if err != nil || client.ClientSecretHash == "" || bcryptErr != nil {
		return fmt.Errorf("invalid client credentials")
	}
	return nil
}

// ListClients lists all registered clients by scanning the client keyspace.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	pattern := s.prefix + "client:*"
	var clients []*storage.Client

	var cursor uint64
	for {
		entry, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan clients: %w", err)
		}

		for _, key := range entry.Elements {
			client, err := getAndUnmarshal(ctx, s, key, storage.ErrClientNotFound, fromClientJSON)
			if err != nil {
				// Key expired or was deleted between SCAN and GET.
				continue
			}
			clients = append(clients, client)
		}

		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}

	return clients, nil
}
