package sessioncache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "chipgpt:session:"

	// connectionVerifyTimeout is the timeout for initial connection
	// verification.
	connectionVerifyTimeout = 5 * time.Second
)

// ValkeyConfig holds configuration for the Valkey session cache.
type ValkeyConfig struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "chipgpt:session:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Valkey is a Valkey-backed session cache. Record expiry is delegated to
// the server's native key TTLs, so a record disappearing from Valkey and a
// record timing out are the same event.
type Valkey struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

var _ Cache = (*Valkey)(nil)

// NewValkey creates a Valkey-backed session cache.
// Returns an error if the connection cannot be established.
func NewValkey(cfg ValkeyConfig) (*Valkey, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey session cache",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Valkey{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Put saves a session record with the given TTL.
func (v *Valkey) Put(ctx context.Context, session *Session, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	key := v.key(session.ID, session.UserID)
	if err := v.client.Do(ctx, v.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Get retrieves a live session record.
func (v *Valkey) Get(ctx context.Context, sessionID, userID string) (*Session, error) {
	key := v.key(sessionID, userID)

	data, err := v.client.Do(ctx, v.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// Delete removes a session record.
func (v *Valkey) Delete(ctx context.Context, sessionID, userID string) error {
	key := v.key(sessionID, userID)
	if err := v.client.Do(ctx, v.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close closes the Valkey client connection.
func (v *Valkey) Close() error {
	v.client.Close()
	v.logger.Info("Valkey session cache connection closed")
	return nil
}

func (v *Valkey) key(sessionID, userID string) string {
	return v.prefix + Key(sessionID, userID)
}
