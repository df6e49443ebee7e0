package mcp

import (
	"context"
	"errors"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/chipgpt/mcp-server/internal/oauth"
	"github.com/chipgpt/mcp-server/internal/vault"
)

// Tool and resource names for the vault registry.
const (
	GetVaultTool               = "get-vault"
	SubmitVaultCombinationTool = "submit-vault-combination"

	vaultUIResourceURI = "chipgpt://ui/vault.html"
)

// vaultResponse is the get-vault tool payload.
type vaultResponse struct {
	Vault *vault.View `json:"vault"`
}

// registerVaultTools registers the vault game tools for one session.
func (reg *Registry) registerVaultTools(srv *server.MCPServer, auth *oauth.AuthInfo) {
	getVault := mcplib.NewTool(GetVaultTool,
		mcplib.WithDescription("This tool gets the current vault game information."),
		mcplib.WithReadOnlyHintAnnotation(true),
	)
	srv.AddTool(getVault, reg.getVaultHandler(auth))

	submitCombination := mcplib.NewTool(SubmitVaultCombinationTool,
		mcplib.WithDescription("This tool submits a combination to try to unlock the vault game."),
		mcplib.WithString("combination",
			mcplib.Required(),
			mcplib.Description("The combination to try against the vault."),
		),
	)
	srv.AddTool(submitCombination, reg.submitVaultCombinationHandler(auth))
}

func (reg *Registry) getVaultHandler(auth *oauth.AuthInfo) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		if !oauth.ScopeSatisfied(auth.Scope, oauth.ScopeRead) {
			return mcplib.NewToolResultError(msgMissingReadScope), nil
		}

		view, err := reg.Vault.GetVault(ctx, auth.UserID)
		if err != nil {
			if errors.Is(err, vault.ErrNoOpenVault) {
				return mcplib.NewToolResultError(msgNoVault), nil
			}
			return toolError(err, reg.Logger), nil
		}

		return jsonToolResult(vaultResponse{Vault: view})
	}
}

func (reg *Registry) submitVaultCombinationHandler(auth *oauth.AuthInfo) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		if !oauth.ScopeSatisfied(auth.Scope, oauth.ScopeWrite) {
			return mcplib.NewToolResultError(msgMissingWriteScope), nil
		}

		combination, err := request.RequireString("combination")
		if err != nil {
			return mcplib.NewToolResultError("combination argument is required"), nil
		}

		opened, err := reg.Vault.SubmitGuess(ctx, auth.UserID, combination)
		if err != nil {
			if errors.Is(err, vault.ErrNoOpenVault) {
				return mcplib.NewToolResultError(msgNoVaultToOpen), nil
			}
			return toolError(err, reg.Logger), nil
		}

		return jsonToolResult(map[string]any{"success": opened})
	}
}

// registerVaultResources registers the vault widget UI resource.
func (reg *Registry) registerVaultResources(srv *server.MCPServer) {
	resource := mcplib.NewResource(vaultUIResourceURI, "vault",
		mcplib.WithResourceDescription("Display the vault game for the user."),
		mcplib.WithMIMEType("text/html+skybridge"),
	)
	srv.AddResource(resource, func(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      vaultUIResourceURI,
				MIMEType: "text/html+skybridge",
				Text:     reg.widgetHTML("chipgpt-vault-root", "vault.js"),
			},
		}, nil
	})
}
