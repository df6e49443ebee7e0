// Package mcp exposes the platform over the Model Context Protocol: per-user
// sessions on a streamable HTTP transport, multiplexing the profile and
// vault tool registries behind OAuth bearer authentication.
package mcp

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/chipgpt/mcp-server/internal/vault"
)

// User-facing tool messages. Tool errors are returned inside a successful
// JSON-RPC response with isError set, so assistants can relay them verbatim.
const (
	msgMissingReadScope  = "You do not have permission to access this resource"
	msgMissingWriteScope = "You do not have permission to use tools"
	msgUnexpectedError   = "An unexpected error has occurred"
	msgUserNotFound      = "User not found. Please log in using oauth2 authentication with this MCP server."
	msgNoVaultToOpen     = "No vault currently available to open"
	msgNoVault           = "No vault currently available"
	msgDuplicateCombo    = "That combination has already been submitted to this vault. Try a different combination."
)

// safeError marks an error whose message is safe to surface to end users.
type safeError struct {
	msg string
}

func (e *safeError) Error() string { return e.msg }

func safeErrorf(format string, args ...any) error {
	return &safeError{msg: fmt.Sprintf(format, args...)}
}

// toolError converts a domain error into a tool result. Safe errors and
// known domain conditions surface their message; anything else is logged and
// replaced with a generic message so internals never leak into responses.
func toolError(err error, logger *slog.Logger) *mcplib.CallToolResult {
	var safe *safeError
	if errors.As(err, &safe) {
		return mcplib.NewToolResultError(safe.msg)
	}

	var hourErr *vault.HourLimitError
	if errors.As(err, &hourErr) {
		return mcplib.NewToolResultError(fmt.Sprintf(
			"You have already submitted a guess for this hour to this vault. You can submit again at %s",
			hourErr.RetryAt.UTC().Format(time.RFC3339)))
	}

	switch {
	case errors.Is(err, vault.ErrDuplicateCombination):
		return mcplib.NewToolResultError(msgDuplicateCombo)
	default:
		logger.Error("Tool call failed", "error", err)
		return mcplib.NewToolResultError(msgUnexpectedError)
	}
}
