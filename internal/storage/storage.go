package storage

import (
	"context"
	"time"
)

// HourBucketLayout is the time layout used to bucket vault guesses by hour.
const HourBucketLayout = "2006-01-02 15"

// ClientStore manages registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a client registration. Saving an existing client ID
	// replaces the stored record (used to refresh URL-based clients).
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret against the stored hash.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes).
	ListClients(ctx context.Context) ([]*Client, error)
}

// FlowStore manages authorization codes issued during the authorization
// code grant.
type FlowStore interface {
	// SaveAuthorizationCode saves an issued authorization code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically retrieves a code and marks it used.
	// Returns an error if the code is unknown, expired, or already used.
	// SECURITY: This operation MUST be atomic to prevent concurrent code
	// exchange attacks. A consumed code can never be exchanged again, even
	// when the exchange that consumed it subsequently fails validation.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code.
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore manages issued access/refresh token pairs.
type TokenStore interface {
	// SaveToken saves a token pair.
	SaveToken(ctx context.Context, token *Token) error

	// GetByAccessToken retrieves a token pair by its access token.
	// Returns ErrTokenExpired if the access token lifetime has elapsed.
	GetByAccessToken(ctx context.Context, accessToken string) (*Token, error)

	// GetByRefreshToken retrieves a token pair by its refresh token.
	// Returns ErrTokenExpired if the refresh token lifetime has elapsed.
	GetByRefreshToken(ctx context.Context, refreshToken string) (*Token, error)

	// ReplaceAccessToken atomically swaps the access token of the pair
	// identified by refreshToken. The refresh token string is preserved and
	// the previous access token is invalidated in the same step.
	// SECURITY: This operation MUST be atomic so concurrent refresh requests
	// cannot leave two live access tokens for one pair.
	ReplaceAccessToken(ctx context.Context, refreshToken, newAccessToken string, expiresAt time.Time) (*Token, error)

	// DeleteByAccessToken removes the pair holding the given access token.
	DeleteByAccessToken(ctx context.Context, accessToken string) error

	// DeleteByRefreshToken removes the pair holding the given refresh token.
	DeleteByRefreshToken(ctx context.Context, refreshToken string) error
}

// UserStore manages user records.
type UserStore interface {
	// SaveUser saves a user. Saving an existing ID replaces the record.
	// Returns ErrDuplicateEmail if another user already holds the email.
	SaveUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, userID string) (*User, error)
}

// VaultStore manages vaults and their guesses.
type VaultStore interface {
	// SaveVault saves a vault.
	SaveVault(ctx context.Context, vault *Vault) error

	// GetVault retrieves a vault by ID.
	GetVault(ctx context.Context, vaultID string) (*Vault, error)

	// LatestVault returns the most recently created vault, opened or not.
	// Returns ErrVaultNotFound when none exist.
	LatestVault(ctx context.Context) (*Vault, error)

	// CurrentVault returns the most recently created vault that has not been
	// opened yet. Returns ErrVaultNotFound when every vault is opened or none
	// exist.
	CurrentVault(ctx context.Context) (*Vault, error)

	// OpenVault atomically marks a vault opened by the given winning guess.
	// Returns ErrVaultOpened if the vault was already opened.
	OpenVault(ctx context.Context, vaultID, winningGuessID string, openedAt time.Time) error

	// SaveGuess saves a vault guess, enforcing both uniqueness constraints:
	// one guess per (vault, user, hour bucket) and one guess per
	// (vault, combination). Violations return ErrDuplicateHourGuess and
	// ErrDuplicateCombination respectively, checked in that order.
	SaveGuess(ctx context.Context, guess *VaultGuess) error

	// GetGuess retrieves the guess a user submitted for a vault within the
	// given hour bucket. Returns ErrGuessNotFound when there is none.
	GetGuess(ctx context.Context, vaultID, userID, hour string) (*VaultGuess, error)
}

// Store aggregates every repository the platform needs. Backends implement
// it as a single type so one connection handles all entities.
type Store interface {
	ClientStore
	FlowStore
	TokenStore
	UserStore
	VaultStore
}

// Client represents a registered OAuth client.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	ClientName              string
	ClientURI               string
	LogoURI                 string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
	Scope                   string // space-separated grantable scopes

	// Token lifetimes for this client. Zero means server defaults.
	AccessTokenLifetime  time.Duration
	RefreshTokenLifetime time.Duration

	CreatedAt time.Time
}

// AuthorizationCode represents an issued authorization code.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// Token represents an issued access/refresh token pair. The pair shares one
// record: replacing the access token on refresh keeps the refresh token and
// its original expiry.
type Token struct {
	AccessToken      string
	RefreshToken     string
	ClientID         string
	UserID           string
	Scope            string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	CreatedAt        time.Time
}

// AccessTokenValid reports whether the access token is still within its
// lifetime at the given instant.
func (t *Token) AccessTokenValid(now time.Time) bool {
	return now.Before(t.AccessExpiresAt)
}

// RefreshTokenValid reports whether the refresh token is still within its
// lifetime at the given instant.
func (t *Token) RefreshTokenValid(now time.Time) bool {
	return t.RefreshToken != "" && now.Before(t.RefreshExpiresAt)
}

// User represents a platform user.
type User struct {
	ID    string
	Name  string
	Email string

	// ProfileContext is free-form text the user shares with connected
	// assistants, editable through the update-profile tool.
	ProfileContext string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Vault represents a prize vault. Combination holds the winning value and is
// never exposed through the API.
type Vault struct {
	ID             string
	Name           string
	Min            int
	Max            int
	Combination    string
	Value          int
	OpenedAt       *time.Time
	WinningGuessID string
	CreatedAt      time.Time
}

// Opened reports whether the vault has been opened.
func (v *Vault) Opened() bool {
	return v.OpenedAt != nil
}

// VaultGuess represents one combination attempt against a vault.
type VaultGuess struct {
	ID          string
	VaultID     string
	UserID      string
	Combination string
	Hour        string // hour bucket, HourBucketLayout in UTC
	CreatedAt   time.Time
}

// HourBucket formats an instant into the hour bucket guesses are keyed by.
func HourBucket(t time.Time) string {
	return t.UTC().Format(HourBucketLayout)
}

// NextHourStart returns the first instant of the hour after t, when a user
// blocked by the hourly limit may guess again.
func NextHourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour).Add(time.Hour)
}
