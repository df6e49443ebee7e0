package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chipgpt/mcp-server/internal/oauth"
	"github.com/chipgpt/mcp-server/internal/storage"
	"github.com/chipgpt/mcp-server/internal/storage/memory"
	"github.com/chipgpt/mcp-server/internal/vault"
)

func newTestRegistry(t *testing.T) (*Registry, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	logger := slog.New(slog.DiscardHandler)
	return &Registry{
		Users:      store,
		Vault:      vault.NewService(store, logger),
		WebsiteURL: "https://chipgpt.example.com",
		Logger:     logger,
	}, store
}

func seedUser(t *testing.T, store *memory.Store) {
	t.Helper()
	require.NoError(t, store.SaveUser(context.Background(), &storage.User{
		ID:             "user-1",
		Name:           "Chip",
		Email:          "chip@example.com",
		ProfileContext: "Prefers short answers",
	}))
}

func seedTestVault(t *testing.T, store *memory.Store) {
	t.Helper()
	require.NoError(t, store.SaveVault(context.Background(), &storage.Vault{
		ID:          "vault-1",
		Name:        "The Big One",
		Min:         1,
		Max:         10000,
		Combination: "4242",
		Value:       500,
		CreatedAt:   time.Now(),
	}))
}

func callTool(t *testing.T, handler func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error), args map[string]any) *mcplib.CallToolResult {
	t.Helper()

	request := mcplib.CallToolRequest{}
	request.Params.Arguments = args

	result, err := handler(context.Background(), request)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func resultText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content)
	text, ok := mcplib.AsTextContent(result.Content[0])
	require.True(t, ok, "expected text content")
	return text.Text
}

func readAuth() *oauth.AuthInfo {
	return &oauth.AuthInfo{UserID: "user-1", ClientID: "client-1", Scope: "read"}
}

func writeAuth() *oauth.AuthInfo {
	return &oauth.AuthInfo{UserID: "user-1", ClientID: "client-1", Scope: "read write"}
}

func TestGetProfile(t *testing.T) {
	reg, store := newTestRegistry(t)
	seedUser(t, store)

	result := callTool(t, reg.getProfileHandler(readAuth()), nil)
	require.False(t, result.IsError)

	var resp profileResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &resp))
	assert.Equal(t, "user-1", resp.Profile.ID)
	assert.Equal(t, "chip@example.com", resp.Profile.Email)
	assert.Equal(t, "Prefers short answers", resp.Profile.Context)
}

func TestGetProfile_MissingReadScope(t *testing.T) {
	reg, store := newTestRegistry(t)
	seedUser(t, store)

	auth := &oauth.AuthInfo{UserID: "user-1", Scope: ""}
	result := callTool(t, reg.getProfileHandler(auth), nil)
	assert.True(t, result.IsError)
	assert.Equal(t, msgMissingReadScope, resultText(t, result))
}

func TestGetProfile_WriteScopeImpliesRead(t *testing.T) {
	reg, store := newTestRegistry(t)
	seedUser(t, store)

	auth := &oauth.AuthInfo{UserID: "user-1", Scope: "write"}
	result := callTool(t, reg.getProfileHandler(auth), nil)
	assert.False(t, result.IsError)
}

func TestGetProfile_UnknownUser(t *testing.T) {
	reg, _ := newTestRegistry(t)

	result := callTool(t, reg.getProfileHandler(readAuth()), nil)
	assert.True(t, result.IsError)
	assert.Equal(t, msgUserNotFound, resultText(t, result))
}

func TestUpdateProfile(t *testing.T) {
	reg, store := newTestRegistry(t)
	seedUser(t, store)

	result := callTool(t, reg.updateProfileHandler(writeAuth()), map[string]any{
		"context": "Working on a Go project",
	})
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), "Profile updated successfully")

	user, err := store.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Working on a Go project", user.ProfileContext)
}

func TestUpdateProfile_MissingWriteScope(t *testing.T) {
	reg, store := newTestRegistry(t)
	seedUser(t, store)

	result := callTool(t, reg.updateProfileHandler(readAuth()), map[string]any{
		"context": "x",
	})
	assert.True(t, result.IsError)
	assert.Equal(t, msgMissingWriteScope, resultText(t, result))
}

func TestGetVault_NoVault(t *testing.T) {
	reg, _ := newTestRegistry(t)

	result := callTool(t, reg.getVaultHandler(readAuth()), nil)
	assert.True(t, result.IsError)
	assert.Equal(t, msgNoVault, resultText(t, result))
}

func TestGetVault(t *testing.T) {
	reg, store := newTestRegistry(t)
	seedTestVault(t, store)

	result := callTool(t, reg.getVaultHandler(readAuth()), nil)
	require.False(t, result.IsError)

	var resp vaultResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &resp))
	assert.Equal(t, "vault-1", resp.Vault.ID)
	assert.False(t, resp.Vault.Guessed)

	// The combination must never appear in the payload.
	assert.NotContains(t, resultText(t, result), "4242")
}

func TestSubmitVaultCombination_Winning(t *testing.T) {
	reg, store := newTestRegistry(t)
	seedTestVault(t, store)

	result := callTool(t, reg.submitVaultCombinationHandler(writeAuth()), map[string]any{
		"combination": "4242",
	})
	require.False(t, result.IsError, resultText(t, result))
	assert.JSONEq(t, `{"success": true}`, resultText(t, result))

	// get-vault reflects the opened state.
	view := callTool(t, reg.getVaultHandler(readAuth()), nil)
	var resp vaultResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, view)), &resp))
	assert.NotNil(t, resp.Vault.OpenedAt)
	assert.True(t, resp.Vault.Guessed)
}

func TestSubmitVaultCombination_Wrong(t *testing.T) {
	reg, store := newTestRegistry(t)
	seedTestVault(t, store)

	result := callTool(t, reg.submitVaultCombinationHandler(writeAuth()), map[string]any{
		"combination": "1111",
	})
	require.False(t, result.IsError)
	assert.JSONEq(t, `{"success": false}`, resultText(t, result))
}

func TestSubmitVaultCombination_NoVault(t *testing.T) {
	reg, _ := newTestRegistry(t)

	result := callTool(t, reg.submitVaultCombinationHandler(writeAuth()), map[string]any{
		"combination": "1111",
	})
	assert.True(t, result.IsError)
	assert.Equal(t, msgNoVaultToOpen, resultText(t, result))
}

func TestSubmitVaultCombination_DuplicateCombination(t *testing.T) {
	reg, store := newTestRegistry(t)
	seedTestVault(t, store)

	callTool(t, reg.submitVaultCombinationHandler(writeAuth()), map[string]any{
		"combination": "1111",
	})

	other := &oauth.AuthInfo{UserID: "user-2", Scope: "read write"}
	result := callTool(t, reg.submitVaultCombinationHandler(other), map[string]any{
		"combination": "1111",
	})
	assert.True(t, result.IsError)
	assert.Equal(t, msgDuplicateCombo, resultText(t, result))
}

func TestSubmitVaultCombination_HourLimit(t *testing.T) {
	reg, store := newTestRegistry(t)
	seedTestVault(t, store)

	callTool(t, reg.submitVaultCombinationHandler(writeAuth()), map[string]any{
		"combination": "1111",
	})
	result := callTool(t, reg.submitVaultCombinationHandler(writeAuth()), map[string]any{
		"combination": "2222",
	})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "You have already submitted a guess for this hour to this vault.")
	assert.Contains(t, resultText(t, result), "You can submit again at")
}

func TestSubmitVaultCombination_MissingWriteScope(t *testing.T) {
	reg, store := newTestRegistry(t)
	seedTestVault(t, store)

	result := callTool(t, reg.submitVaultCombinationHandler(readAuth()), map[string]any{
		"combination": "1111",
	})
	assert.True(t, result.IsError)
	assert.Equal(t, msgMissingWriteScope, resultText(t, result))
}
