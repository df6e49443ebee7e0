// Package sessioncache provides a distributed TTL cache for MCP session
// records. Sessions are keyed by the composite (sessionID, userID) pair so a
// session can only ever be resumed by the user who created it.
//
// Implementations:
//   - Memory: in-process cache for development and testing
//   - Valkey: Valkey/Redis-compatible distributed cache for production,
//     where native key TTLs provide the expiry
package sessioncache

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long a session record lives without being refreshed.
const DefaultTTL = 5 * time.Minute

// ErrNotFound is returned when no live session exists for a key.
var ErrNotFound = errors.New("session not found")

// Session is the durable record of an MCP session. It outlives the
// in-process transport so a reconnecting client can resume after a server
// restart.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Service   string    `json:"service"` // logical service, e.g. "profile" or "vault"
	Scope     string    `json:"scope"`
	ClientID  string    `json:"client_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Cache stores session records with a TTL. Put refreshes the TTL of an
// existing record.
type Cache interface {
	// Put saves a session record under its (sessionID, userID) key.
	Put(ctx context.Context, session *Session, ttl time.Duration) error

	// Get retrieves a live session record. Returns ErrNotFound when the key
	// is unknown or the record has expired.
	Get(ctx context.Context, sessionID, userID string) (*Session, error)

	// Delete removes a session record. Deleting an unknown key is not an
	// error.
	Delete(ctx context.Context, sessionID, userID string) error

	// Close releases any resources held by the cache.
	Close() error
}

// Key builds the composite cache key for a session.
func Key(sessionID, userID string) string {
	return sessionID + ":" + userID
}

// writeTimeout bounds cache writes that run outside a request context, such
// as persisting a session from a transport callback.
const writeTimeout = 5 * time.Second

// WriteContext returns a bounded context for cache writes that have no
// request context to inherit.
func WriteContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), writeTimeout)
}
