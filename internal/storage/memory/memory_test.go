package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/chipgpt/mcp-server/internal/storage"
)

const (
	testClientID = "test-client"
	testUserID   = "test-user"
	testVaultID  = "test-vault"
)

func testToken(access, refresh string) *storage.Token {
	now := time.Now()
	return &storage.Token{
		AccessToken:      access,
		RefreshToken:     refresh,
		ClientID:         testClientID,
		UserID:           testUserID,
		Scope:            "read write",
		AccessExpiresAt:  now.Add(time.Hour),
		RefreshExpiresAt: now.Add(24 * time.Hour),
		CreatedAt:        now,
	}
}

// ============================================================
// ClientStore Tests
// ============================================================

func TestStore_SaveClient_ReplacesExisting(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	client := &storage.Client{ClientID: testClientID, ClientName: "first"}
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	client.ClientName = "second"
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := store.GetClient(ctx, testClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientName != "second" {
		t.Errorf("ClientName = %q, want %q", got.ClientName, "second")
	}
}

func TestStore_GetClient_NotFound(t *testing.T) {
	store := New()
	defer store.Stop()

	_, err := store.GetClient(context.Background(), "nonexistent")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() error = %v, want ErrClientNotFound", err)
	}
}

func TestStore_ValidateClientSecret(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}
	client := &storage.Client{ClientID: testClientID, ClientSecretHash: string(hash)}
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	if err := store.ValidateClientSecret(ctx, testClientID, "secret"); err != nil {
		t.Errorf("ValidateClientSecret() with correct secret error = %v", err)
	}
	if err := store.ValidateClientSecret(ctx, testClientID, "wrong"); err == nil {
		t.Error("ValidateClientSecret() with wrong secret should return error")
	}
	if err := store.ValidateClientSecret(ctx, "nonexistent", "secret"); err == nil {
		t.Error("ValidateClientSecret() for unknown client should return error")
	}
}

// ============================================================
// FlowStore Tests
// ============================================================

func TestStore_ConsumeAuthorizationCode(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		Code:      "test-code",
		ClientID:  testClientID,
		UserID:    testUserID,
		ExpiresAt: time.Now().Add(time.Minute),
	}
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := store.ConsumeAuthorizationCode(ctx, "test-code")
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if got.UserID != testUserID {
		t.Errorf("UserID = %q, want %q", got.UserID, testUserID)
	}

	// Second consume must fail: the code is single use.
	_, err = store.ConsumeAuthorizationCode(ctx, "test-code")
	if !errors.Is(err, storage.ErrCodeUsed) {
		t.Errorf("second ConsumeAuthorizationCode() error = %v, want ErrCodeUsed", err)
	}
}

func TestStore_ConsumeAuthorizationCode_Expired(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		Code:      "expired-code",
		ClientID:  testClientID,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	_, err := store.ConsumeAuthorizationCode(ctx, "expired-code")
	if !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("ConsumeAuthorizationCode() error = %v, want ErrCodeNotFound", err)
	}
}

// ============================================================
// TokenStore Tests
// ============================================================

func TestStore_GetByAccessToken(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	if err := store.SaveToken(ctx, testToken("access-1", "refresh-1")); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	got, err := store.GetByAccessToken(ctx, "access-1")
	if err != nil {
		t.Fatalf("GetByAccessToken() error = %v", err)
	}
	if got.RefreshToken != "refresh-1" {
		t.Errorf("RefreshToken = %q, want %q", got.RefreshToken, "refresh-1")
	}
}

func TestStore_GetByAccessToken_Expired(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	token := testToken("access-1", "refresh-1")
	token.AccessExpiresAt = time.Now().Add(-time.Minute)
	if err := store.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	_, err := store.GetByAccessToken(ctx, "access-1")
	if !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("GetByAccessToken() error = %v, want ErrTokenExpired", err)
	}
}

func TestStore_ReplaceAccessToken(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	if err := store.SaveToken(ctx, testToken("access-old", "refresh-1")); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	newExpiry := time.Now().Add(2 * time.Hour)
	got, err := store.ReplaceAccessToken(ctx, "refresh-1", "access-new", newExpiry)
	if err != nil {
		t.Fatalf("ReplaceAccessToken() error = %v", err)
	}
	if got.AccessToken != "access-new" {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, "access-new")
	}
	if got.RefreshToken != "refresh-1" {
		t.Errorf("RefreshToken = %q, want %q (refresh token must be preserved)", got.RefreshToken, "refresh-1")
	}

	// Old access token must stop resolving.
	if _, err := store.GetByAccessToken(ctx, "access-old"); err == nil {
		t.Error("GetByAccessToken() for replaced token should return error")
	}
	if _, err := store.GetByAccessToken(ctx, "access-new"); err != nil {
		t.Errorf("GetByAccessToken() for new token error = %v", err)
	}
}

func TestStore_ReplaceAccessToken_ExpiredRefresh(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	token := testToken("access-1", "refresh-1")
	token.RefreshExpiresAt = time.Now().Add(-time.Minute)
	if err := store.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	_, err := store.ReplaceAccessToken(ctx, "refresh-1", "access-new", time.Now().Add(time.Hour))
	if !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("ReplaceAccessToken() error = %v, want ErrTokenExpired", err)
	}
}

func TestStore_DeleteByRefreshToken_RemovesPair(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	if err := store.SaveToken(ctx, testToken("access-1", "refresh-1")); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	if err := store.DeleteByRefreshToken(ctx, "refresh-1"); err != nil {
		t.Fatalf("DeleteByRefreshToken() error = %v", err)
	}
	if _, err := store.GetByAccessToken(ctx, "access-1"); err == nil {
		t.Error("access token should be gone after deleting by refresh token")
	}
}

// ============================================================
// VaultStore Tests
// ============================================================

func testVault() *storage.Vault {
	return &storage.Vault{
		ID:          testVaultID,
		Name:        "Friday Vault",
		Min:         1,
		Max:         1000,
		Combination: "472",
		Value:       5000,
		CreatedAt:   time.Now(),
	}
}

func TestStore_SaveGuess_HourlyLimit(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	hour := storage.HourBucket(time.Now())
	guess := &storage.VaultGuess{
		ID:          "guess-1",
		VaultID:     testVaultID,
		UserID:      testUserID,
		Combination: "100",
		Hour:        hour,
	}
	if err := store.SaveGuess(ctx, guess); err != nil {
		t.Fatalf("SaveGuess() error = %v", err)
	}

	second := &storage.VaultGuess{
		ID:          "guess-2",
		VaultID:     testVaultID,
		UserID:      testUserID,
		Combination: "200",
		Hour:        hour,
	}
	if err := store.SaveGuess(ctx, second); !errors.Is(err, storage.ErrDuplicateHourGuess) {
		t.Errorf("SaveGuess() error = %v, want ErrDuplicateHourGuess", err)
	}
}

func TestStore_SaveGuess_DuplicateCombination(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	hour := storage.HourBucket(time.Now())
	guess := &storage.VaultGuess{
		ID:          "guess-1",
		VaultID:     testVaultID,
		UserID:      testUserID,
		Combination: "100",
		Hour:        hour,
	}
	if err := store.SaveGuess(ctx, guess); err != nil {
		t.Fatalf("SaveGuess() error = %v", err)
	}

	// Different user, same combination against the same vault.
	other := &storage.VaultGuess{
		ID:          "guess-2",
		VaultID:     testVaultID,
		UserID:      "other-user",
		Combination: "100",
		Hour:        hour,
	}
	if err := store.SaveGuess(ctx, other); !errors.Is(err, storage.ErrDuplicateCombination) {
		t.Errorf("SaveGuess() error = %v, want ErrDuplicateCombination", err)
	}
}

func TestStore_SaveGuess_ConcurrentSameCombination(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	// Many users racing the same combination: exactly one guess persists.
	const workers = 16
	hour := storage.HourBucket(time.Now())
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.SaveGuess(ctx, &storage.VaultGuess{
				ID:          fmt.Sprintf("guess-%d", i),
				VaultID:     testVaultID,
				UserID:      fmt.Sprintf("user-%d", i),
				Combination: "100",
				Hour:        hour,
			})
		}(i)
	}
	wg.Wait()

	saved := 0
	for _, err := range errs {
		switch {
		case err == nil:
			saved++
		case errors.Is(err, storage.ErrDuplicateCombination):
		default:
			t.Errorf("SaveGuess() error = %v", err)
		}
	}
	if saved != 1 {
		t.Errorf("saved = %d, want exactly 1 guess for a contested combination", saved)
	}
}

func TestStore_SaveGuess_DifferentHourAllowed(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	now := time.Now()
	first := &storage.VaultGuess{
		ID:          "guess-1",
		VaultID:     testVaultID,
		UserID:      testUserID,
		Combination: "100",
		Hour:        storage.HourBucket(now),
	}
	if err := store.SaveGuess(ctx, first); err != nil {
		t.Fatalf("SaveGuess() error = %v", err)
	}

	second := &storage.VaultGuess{
		ID:          "guess-2",
		VaultID:     testVaultID,
		UserID:      testUserID,
		Combination: "200",
		Hour:        storage.HourBucket(now.Add(time.Hour)),
	}
	if err := store.SaveGuess(ctx, second); err != nil {
		t.Errorf("SaveGuess() in a later hour bucket error = %v", err)
	}
}

func TestStore_OpenVault(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	if err := store.SaveVault(ctx, testVault()); err != nil {
		t.Fatalf("SaveVault() error = %v", err)
	}

	openedAt := time.Now()
	if err := store.OpenVault(ctx, testVaultID, "guess-1", openedAt); err != nil {
		t.Fatalf("OpenVault() error = %v", err)
	}

	got, err := store.GetVault(ctx, testVaultID)
	if err != nil {
		t.Fatalf("GetVault() error = %v", err)
	}
	if !got.Opened() {
		t.Error("vault should be opened")
	}
	if got.WinningGuessID != "guess-1" {
		t.Errorf("WinningGuessID = %q, want %q", got.WinningGuessID, "guess-1")
	}

	if err := store.OpenVault(ctx, testVaultID, "guess-2", time.Now()); !errors.Is(err, storage.ErrVaultOpened) {
		t.Errorf("second OpenVault() error = %v, want ErrVaultOpened", err)
	}
}

func TestStore_CurrentVault_SkipsOpened(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	opened := testVault()
	opened.ID = "vault-opened"
	at := time.Now()
	opened.OpenedAt = &at
	opened.CreatedAt = time.Now().Add(time.Minute)
	if err := store.SaveVault(ctx, opened); err != nil {
		t.Fatalf("SaveVault() error = %v", err)
	}

	closed := testVault()
	if err := store.SaveVault(ctx, closed); err != nil {
		t.Fatalf("SaveVault() error = %v", err)
	}

	got, err := store.CurrentVault(ctx)
	if err != nil {
		t.Fatalf("CurrentVault() error = %v", err)
	}
	if got.ID != testVaultID {
		t.Errorf("CurrentVault() ID = %q, want %q", got.ID, testVaultID)
	}
}

func TestStore_CurrentVault_NoneAvailable(t *testing.T) {
	store := New()
	defer store.Stop()

	_, err := store.CurrentVault(context.Background())
	if !errors.Is(err, storage.ErrVaultNotFound) {
		t.Errorf("CurrentVault() error = %v, want ErrVaultNotFound", err)
	}
}
