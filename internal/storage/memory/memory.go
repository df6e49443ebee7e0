// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/chipgpt/mcp-server/internal/storage"
)

// dummyBcryptHash is compared against when a client is unknown so secret
// validation takes the same time whether or not the client exists.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Store is an in-memory implementation of storage.Store. All entity maps
// share one RWMutex; the uniqueness constraints on vault guesses are
// enforced under the write lock, which makes SaveGuess and OpenVault atomic.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client

	authCodes map[string]*storage.AuthorizationCode

	tokensByAccess  map[string]*storage.Token
	accessByRefresh map[string]string // refresh token -> access token key

	users map[string]*storage.User

	vaults        map[string]*storage.Vault
	guesses       map[string]*storage.VaultGuess
	guessByBucket map[string]string // vault+user+hour -> guess ID
	guessByCombo  map[string]string // vault+combination -> guess ID

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, the default of 1 minute is
// used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		tokensByAccess:  make(map[string]*storage.Token),
		accessByRefresh: make(map[string]string),
		users:           make(map[string]*storage.User),
		vaults:          make(map[string]*storage.Vault),
		guesses:         make(map[string]*storage.VaultGuess),
		guessByBucket:   make(map[string]string),
		guessByCombo:    make(map[string]string),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Stop gracefully stops the cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves or replaces a client registration.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ClientID] = copyClient(client)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return copyClient(client), nil
}

// ValidateClientSecret validates a client's secret against the stored bcrypt
// hash. The comparison runs against a dummy hash for unknown clients so
// timing does not reveal whether a client ID exists.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	hashToCompare := dummyBcryptHash
	if ok && client.ClientSecretHash != "" {
		hashToCompare = client.ClientSecretHash
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if !ok || client.ClientSecretHash == "" || bcryptErr != nil {
		return fmt.Errorf("invalid client credentials")
	}
	return nil
}

// ListClients lists all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, copyClient(c))
	}
	return clients, nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *code
	s.authCodes[code.Code] = &cp
	return nil
}

// ConsumeAuthorizationCode atomically retrieves a code and marks it used.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	if time.Now().After(ac.ExpiresAt) {
		delete(s.authCodes, code)
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrCodeNotFound)
	}
	if ac.Used {
		return nil, storage.ErrCodeUsed
	}

	ac.Used = true
	cp := *ac
	return &cp, nil
}

// DeleteAuthorizationCode removes an authorization code.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.authCodes, code)
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken saves a token pair.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.AccessToken == "" {
		return fmt.Errorf("invalid token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokensByAccess[token.AccessToken] = copyToken(token)
	if token.RefreshToken != "" {
		s.accessByRefresh[token.RefreshToken] = token.AccessToken
	}
	return nil
}

// GetByAccessToken retrieves a token pair by its access token.
func (s *Store) GetByAccessToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokensByAccess[accessToken]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if !token.AccessTokenValid(time.Now()) {
		return nil, fmt.Errorf("%w: access token expired", storage.ErrTokenExpired)
	}
	return copyToken(token), nil
}

// GetByRefreshToken retrieves a token pair by its refresh token.
func (s *Store) GetByRefreshToken(ctx context.Context, refreshToken string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, err := s.tokenByRefreshLocked(refreshToken)
	if err != nil {
		return nil, err
	}
	return copyToken(token), nil
}

// ReplaceAccessToken atomically swaps the access token of the pair holding
// the given refresh token. The previous access token stops resolving in the
// same step.
func (s *Store) ReplaceAccessToken(ctx context.Context, refreshToken, newAccessToken string, expiresAt time.Time) (*storage.Token, error) {
	if newAccessToken == "" {
		return nil, fmt.Errorf("new access token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.tokenByRefreshLocked(refreshToken)
	if err != nil {
		return nil, err
	}

	delete(s.tokensByAccess, token.AccessToken)
	token.AccessToken = newAccessToken
	token.AccessExpiresAt = expiresAt
	s.tokensByAccess[newAccessToken] = token
	s.accessByRefresh[refreshToken] = newAccessToken

	return copyToken(token), nil
}

// DeleteByAccessToken removes the pair holding the given access token.
func (s *Store) DeleteByAccessToken(ctx context.Context, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokensByAccess[accessToken]
	if !ok {
		return storage.ErrTokenNotFound
	}
	delete(s.tokensByAccess, accessToken)
	if token.RefreshToken != "" {
		delete(s.accessByRefresh, token.RefreshToken)
	}
	return nil
}

// DeleteByRefreshToken removes the pair holding the given refresh token.
func (s *Store) DeleteByRefreshToken(ctx context.Context, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	access, ok := s.accessByRefresh[refreshToken]
	if !ok {
		return storage.ErrTokenNotFound
	}
	delete(s.accessByRefresh, refreshToken)
	delete(s.tokensByAccess, access)
	return nil
}

// tokenByRefreshLocked resolves a refresh token to its live pair. Callers
// must hold s.mu.
func (s *Store) tokenByRefreshLocked(refreshToken string) (*storage.Token, error) {
	access, ok := s.accessByRefresh[refreshToken]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token not found", storage.ErrTokenNotFound)
	}
	token, ok := s.tokensByAccess[access]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token not found", storage.ErrTokenNotFound)
	}
	if !token.RefreshTokenValid(time.Now()) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}
	return token, nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser saves or replaces a user record, enforcing email uniqueness.
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Email != "" {
		for id, existing := range s.users {
			if id != user.ID && existing.Email == user.Email {
				return fmt.Errorf("%w: %s", storage.ErrDuplicateEmail, user.Email)
			}
		}
	}

	cp := *user
	s.users[user.ID] = &cp
	return nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID)
	}
	cp := *user
	return &cp, nil
}

// ============================================================
// VaultStore Implementation
// ============================================================

// SaveVault saves or replaces a vault.
func (s *Store) SaveVault(ctx context.Context, vault *storage.Vault) error {
	if vault == nil || vault.ID == "" {
		return fmt.Errorf("invalid vault")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.vaults[vault.ID] = copyVault(vault)
	return nil
}

// GetVault retrieves a vault by ID.
func (s *Store) GetVault(ctx context.Context, vaultID string) (*storage.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vault, ok := s.vaults[vaultID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrVaultNotFound, vaultID)
	}
	return copyVault(vault), nil
}

// LatestVault returns the most recently created vault, opened or not.
func (s *Store) LatestVault(ctx context.Context) (*storage.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *storage.Vault
	for _, v := range s.vaults {
		if latest == nil || v.CreatedAt.After(latest.CreatedAt) {
			latest = v
		}
	}
	if latest == nil {
		return nil, storage.ErrVaultNotFound
	}
	return copyVault(latest), nil
}

// CurrentVault returns the most recently created vault that is still closed.
func (s *Store) CurrentVault(ctx context.Context) (*storage.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var current *storage.Vault
	for _, v := range s.vaults {
		if v.Opened() {
			continue
		}
		if current == nil || v.CreatedAt.After(current.CreatedAt) {
			current = v
		}
	}
	if current == nil {
		return nil, storage.ErrVaultNotFound
	}
	return copyVault(current), nil
}

// OpenVault atomically marks a vault opened by the given winning guess.
func (s *Store) OpenVault(ctx context.Context, vaultID, winningGuessID string, openedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vault, ok := s.vaults[vaultID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrVaultNotFound, vaultID)
	}
	if vault.Opened() {
		return storage.ErrVaultOpened
	}

	at := openedAt
	vault.OpenedAt = &at
	vault.WinningGuessID = winningGuessID
	return nil
}

// SaveGuess saves a vault guess, enforcing the hourly and combination
// uniqueness constraints under the write lock.
func (s *Store) SaveGuess(ctx context.Context, guess *storage.VaultGuess) error {
	if guess == nil || guess.ID == "" || guess.VaultID == "" || guess.UserID == "" {
		return fmt.Errorf("invalid vault guess")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := bucketKey(guess.VaultID, guess.UserID, guess.Hour)
	if _, exists := s.guessByBucket[bucket]; exists {
		return storage.ErrDuplicateHourGuess
	}
	combo := comboKey(guess.VaultID, guess.Combination)
	if _, exists := s.guessByCombo[combo]; exists {
		return storage.ErrDuplicateCombination
	}

	cp := *guess
	s.guesses[guess.ID] = &cp
	s.guessByBucket[bucket] = guess.ID
	s.guessByCombo[combo] = guess.ID
	return nil
}

// GetGuess retrieves a user's guess for a vault within an hour bucket.
func (s *Store) GetGuess(ctx context.Context, vaultID, userID, hour string) (*storage.VaultGuess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.guessByBucket[bucketKey(vaultID, userID, hour)]
	if !ok {
		return nil, storage.ErrGuessNotFound
	}
	guess, ok := s.guesses[id]
	if !ok {
		return nil, storage.ErrGuessNotFound
	}
	cp := *guess
	return &cp, nil
}

// ============================================================
// Internal helpers
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanupExpired() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var codes, tokens int
	for code, ac := range s.authCodes {
		if now.After(ac.ExpiresAt) {
			delete(s.authCodes, code)
			codes++
		}
	}
	for access, tok := range s.tokensByAccess {
		if now.After(tok.RefreshExpiresAt) {
			delete(s.tokensByAccess, access)
			delete(s.accessByRefresh, tok.RefreshToken)
			tokens++
		}
	}

	if codes > 0 || tokens > 0 {
		s.logger.Debug("Cleaned up expired entries",
			"auth_codes", codes,
			"token_pairs", tokens)
	}
}

func bucketKey(vaultID, userID, hour string) string {
	return vaultID + "\x00" + userID + "\x00" + hour
}

func comboKey(vaultID, combination string) string {
	return vaultID + "\x00" + combination
}

func copyClient(c *storage.Client) *storage.Client {
	cp := *c
	cp.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	cp.GrantTypes = append([]string(nil), c.GrantTypes...)
	cp.ResponseTypes = append([]string(nil), c.ResponseTypes...)
	return &cp
}

func copyToken(t *storage.Token) *storage.Token {
	cp := *t
	return &cp
}

func copyVault(v *storage.Vault) *storage.Vault {
	cp := *v
	if v.OpenedAt != nil {
		at := *v.OpenedAt
		cp.OpenedAt = &at
	}
	return &cp
}
