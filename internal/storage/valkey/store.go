// Package valkey provides a Valkey-backed implementation of all storage
// interfaces, suitable for multi-instance deployments. Security-critical
// operations (code consumption, access token replacement, guess uniqueness)
// run as Lua scripts so they stay atomic under concurrent requests.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/chipgpt/mcp-server/internal/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "chipgpt:"

	// tokenIDLogLength is the number of characters to include when logging
	// token IDs.
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration.
	scanBatchSize = 100

	// vaultBatchSize is the number of vaults to inspect per iteration when
	// searching for the newest unopened vault.
	vaultBatchSize = 10

	// guessRetention is how long hour-bucket guess records are kept. Only
	// the current bucket is ever read, so anything past a couple of days is
	// dead weight.
	guessRetention = 48 * time.Hour

	// connectionVerifyTimeout is the timeout for initial connection
	// verification.
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for Valkey authentication.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "chipgpt:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default()).
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new Valkey-backed storage instance. Returns an error if the
// connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if prefix[len(prefix)-1] != ':' {
		prefix += ":"
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

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// ============================================================
// Key Helpers
// ============================================================

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + code
}

// accessKey returns the key holding a token pair: {prefix}token:access:{token}
func (s *Store) accessKey(accessToken string) string {
	return s.prefix + "token:access:" + accessToken
}

// refreshKey returns the refresh-to-access lookup key: {prefix}token:refresh:{token}
func (s *Store) refreshKey(refreshToken string) string {
	return s.prefix + "token:refresh:" + refreshToken
}

// userKey returns the key for a user: {prefix}user:{userID}
func (s *Store) userKey(userID string) string {
	return s.prefix + "user:" + userID
}

// vaultKey returns the key for a vault: {prefix}vault:{vaultID}
func (s *Store) vaultKey(vaultID string) string {
	return s.prefix + "vault:" + vaultID
}

// vaultIndexKey returns the sorted set of vault IDs scored by creation time.
func (s *Store) vaultIndexKey() string {
	return s.prefix + "vaults"
}

// guessKey returns the key for a user's hourly guess:
// {prefix}guess:{vaultID}:{userID}:{hour}
func (s *Store) guessKey(vaultID, userID, hour string) string {
	return s.prefix + "guess:" + vaultID + ":" + userID + ":" + hour
}

// comboKey returns the combination uniqueness key:
// {prefix}guess:combo:{vaultID}:{combination}
func (s *Store) comboKey(vaultID, combination string) string {
	return s.prefix + "guess:combo:" + vaultID + ":" + combination
}

// ============================================================
// JSON Serialization
// ============================================================

// clientJSON is the JSON representation of an OAuth client.
type clientJSON struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	ClientType              string   `json:"client_type"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	AccessTokenLifetime     int64    `json:"access_token_lifetime,omitempty"`
	RefreshTokenLifetime    int64    `json:"refresh_token_lifetime,omitempty"`
	CreatedAt               int64    `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                client.ClientID,
		ClientSecretHash:        client.ClientSecretHash,
		ClientType:              client.ClientType,
		ClientName:              client.ClientName,
		ClientURI:               client.ClientURI,
		LogoURI:                 client.LogoURI,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		Scope:                   client.Scope,
		AccessTokenLifetime:     int64(client.AccessTokenLifetime.Seconds()),
		RefreshTokenLifetime:    int64(client.RefreshTokenLifetime.Seconds()),
		CreatedAt:               client.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientType:              j.ClientType,
		ClientName:              j.ClientName,
		ClientURI:               j.ClientURI,
		LogoURI:                 j.LogoURI,
		RedirectURIs:            j.RedirectURIs,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		Scope:                   j.Scope,
		AccessTokenLifetime:     time.Duration(j.AccessTokenLifetime) * time.Second,
		RefreshTokenLifetime:    time.Duration(j.RefreshTokenLifetime) * time.Second,
		CreatedAt:               time.Unix(j.CreatedAt, 0),
	}
}

// authorizationCodeJSON is the JSON representation of an authorization code.
type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used,omitempty"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		UserID:              code.UserID,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Used:                code.Used,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Used:                j.Used,
	}
}

// tokenJSON is the JSON representation of an access/refresh token pair.
type tokenJSON struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	ClientID         string `json:"client_id"`
	UserID           string `json:"user_id"`
	Scope            string `json:"scope,omitempty"`
	AccessExpiresAt  int64  `json:"access_expires_at"`
	RefreshExpiresAt int64  `json:"refresh_expires_at"`
	CreatedAt        int64  `json:"created_at"`
}

func toTokenJSON(token *storage.Token) *tokenJSON {
	return &tokenJSON{
		AccessToken:      token.AccessToken,
		RefreshToken:     token.RefreshToken,
		ClientID:         token.ClientID,
		UserID:           token.UserID,
		Scope:            token.Scope,
		AccessExpiresAt:  token.AccessExpiresAt.Unix(),
		RefreshExpiresAt: token.RefreshExpiresAt.Unix(),
		CreatedAt:        token.CreatedAt.Unix(),
	}
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	if j == nil {
		return nil
	}
	return &storage.Token{
		AccessToken:      j.AccessToken,
		RefreshToken:     j.RefreshToken,
		ClientID:         j.ClientID,
		UserID:           j.UserID,
		Scope:            j.Scope,
		AccessExpiresAt:  time.Unix(j.AccessExpiresAt, 0),
		RefreshExpiresAt: time.Unix(j.RefreshExpiresAt, 0),
		CreatedAt:        time.Unix(j.CreatedAt, 0),
	}
}

// userJSON is the JSON representation of a user.
type userJSON struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty"`
	ProfileContext string `json:"profile_context,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at,omitempty"`
}

func toUserJSON(user *storage.User) *userJSON {
	j := &userJSON{
		ID:             user.ID,
		Name:           user.Name,
		Email:          user.Email,
		ProfileContext: user.ProfileContext,
		CreatedAt:      user.CreatedAt.Unix(),
	}
	if !user.UpdatedAt.IsZero() {
		j.UpdatedAt = user.UpdatedAt.Unix()
	}
	return j
}

func fromUserJSON(j *userJSON) *storage.User {
	if j == nil {
		return nil
	}
	user := &storage.User{
		ID:             j.ID,
		Name:           j.Name,
		Email:          j.Email,
		ProfileContext: j.ProfileContext,
		CreatedAt:      time.Unix(j.CreatedAt, 0),
	}
	if j.UpdatedAt > 0 {
		user.UpdatedAt = time.Unix(j.UpdatedAt, 0)
	}
	return user
}

// vaultJSON is the JSON representation of a vault. OpenedAt of zero means
// the vault is still closed.
type vaultJSON struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Min            int    `json:"min"`
	Max            int    `json:"max"`
	Combination    string `json:"combination"`
	Value          int    `json:"value"`
	OpenedAt       int64  `json:"opened_at,omitempty"`
	WinningGuessID string `json:"winning_guess_id,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

func toVaultJSON(vault *storage.Vault) *vaultJSON {
	j := &vaultJSON{
		ID:             vault.ID,
		Name:           vault.Name,
		Min:            vault.Min,
		Max:            vault.Max,
		Combination:    vault.Combination,
		Value:          vault.Value,
		WinningGuessID: vault.WinningGuessID,
		CreatedAt:      vault.CreatedAt.Unix(),
	}
	if vault.OpenedAt != nil {
		j.OpenedAt = vault.OpenedAt.Unix()
	}
	return j
}

func fromVaultJSON(j *vaultJSON) *storage.Vault {
	if j == nil {
		return nil
	}
	vault := &storage.Vault{
		ID:             j.ID,
		Name:           j.Name,
		Min:            j.Min,
		Max:            j.Max,
		Combination:    j.Combination,
		Value:          j.Value,
		WinningGuessID: j.WinningGuessID,
		CreatedAt:      time.Unix(j.CreatedAt, 0),
	}
	if j.OpenedAt > 0 {
		at := time.Unix(j.OpenedAt, 0)
		vault.OpenedAt = &at
	}
	return vault
}

// vaultGuessJSON is the JSON representation of a vault guess.
type vaultGuessJSON struct {
	ID          string `json:"id"`
	VaultID     string `json:"vault_id"`
	UserID      string `json:"user_id"`
	Combination string `json:"combination"`
	Hour        string `json:"hour"`
	CreatedAt   int64  `json:"created_at"`
}

func toVaultGuessJSON(guess *storage.VaultGuess) *vaultGuessJSON {
	return &vaultGuessJSON{
		ID:          guess.ID,
		VaultID:     guess.VaultID,
		UserID:      guess.UserID,
		Combination: guess.Combination,
		Hour:        guess.Hour,
		CreatedAt:   guess.CreatedAt.Unix(),
	}
}

func fromVaultGuessJSON(j *vaultGuessJSON) *storage.VaultGuess {
	if j == nil {
		return nil
	}
	return &storage.VaultGuess{
		ID:          j.ID,
		VaultID:     j.VaultID,
		UserID:      j.UserID,
		Combination: j.Combination,
		Hour:        j.Hour,
		CreatedAt:   time.Unix(j.CreatedAt, 0),
	}
}

// ============================================================
// Helper methods
// ============================================================

// getAndUnmarshal is a generic helper for fetching a key from Valkey,
// unmarshalling the JSON data, and converting to the target type.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

// isNilError checks if the error indicates a nil/not-found result from
// Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// safeTruncate safely truncates a string to n characters.
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// calculateTTL calculates the TTL for a key based on expiry time. Returns 0
// if the key has already expired.
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}
