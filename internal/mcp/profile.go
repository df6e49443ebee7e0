package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/chipgpt/mcp-server/internal/oauth"
	"github.com/chipgpt/mcp-server/internal/storage"
)

// Tool and resource names for the profile registry.
const (
	GetProfileTool    = "get-profile"
	UpdateProfileTool = "update-profile"

	profileUIResourceURI = "chipgpt://ui/profile.html"
)

// profileResponse is the get-profile tool payload.
type profileResponse struct {
	Profile profilePayload `json:"profile"`
}

type profilePayload struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Context string `json:"context"`
}

// registerProfileTools registers the profile tools for one session. The
// session's auth info is captured in the handlers, so scope checks run at
// call time against the token the session was opened with.
func (reg *Registry) registerProfileTools(srv *server.MCPServer, auth *oauth.AuthInfo) {
	getProfile := mcplib.NewTool(GetProfileTool,
		mcplib.WithDescription("This tool gets the user profile."),
		mcplib.WithReadOnlyHintAnnotation(true),
	)
	srv.AddTool(getProfile, reg.getProfileHandler(auth))

	updateProfile := mcplib.NewTool(UpdateProfileTool,
		mcplib.WithDescription("This tool updates the user profile."),
		mcplib.WithString("context",
			mcplib.Required(),
			mcplib.Description("Details about the user that assistants should consider when working on tasks for them."),
		),
	)
	srv.AddTool(updateProfile, reg.updateProfileHandler(auth))
}

func (reg *Registry) getProfileHandler(auth *oauth.AuthInfo) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		if !oauth.ScopeSatisfied(auth.Scope, oauth.ScopeRead) {
			return mcplib.NewToolResultError(msgMissingReadScope), nil
		}

		user, err := reg.lookupUser(ctx, auth.UserID)
		if err != nil {
			return toolError(err, reg.Logger), nil
		}

		return jsonToolResult(profileResponse{
			Profile: profilePayload{
				ID:      user.ID,
				Name:    user.Name,
				Email:   user.Email,
				Context: user.ProfileContext,
			},
		})
	}
}

func (reg *Registry) updateProfileHandler(auth *oauth.AuthInfo) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		if !oauth.ScopeSatisfied(auth.Scope, oauth.ScopeWrite) {
			return mcplib.NewToolResultError(msgMissingWriteScope), nil
		}

		profileContext, err := request.RequireString("context")
		if err != nil {
			return mcplib.NewToolResultError("context argument is required"), nil
		}

		user, err := reg.lookupUser(ctx, auth.UserID)
		if err != nil {
			return toolError(err, reg.Logger), nil
		}

		user.ProfileContext = profileContext
		if err := reg.Users.SaveUser(ctx, user); err != nil {
			return toolError(fmt.Errorf("failed to save profile: %w", err), reg.Logger), nil
		}

		return jsonToolResult(map[string]any{
			"success": true,
			"message": "Profile updated successfully",
		})
	}
}

// registerProfileResources registers the profile widget UI resource.
func (reg *Registry) registerProfileResources(srv *server.MCPServer) {
	resource := mcplib.NewResource(profileUIResourceURI, "profile",
		mcplib.WithResourceDescription("Display the profile for the user."),
		mcplib.WithMIMEType("text/html+skybridge"),
	)
	srv.AddResource(resource, func(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      profileUIResourceURI,
				MIMEType: "text/html+skybridge",
				Text:     reg.widgetHTML("chipgpt-profile-root", "profile.js"),
			},
		}, nil
	})
}

// widgetHTML builds the HTML shell that loads a widget bundle from the
// website.
func (reg *Registry) widgetHTML(rootID, script string) string {
	return fmt.Sprintf(
		"<link rel=\"stylesheet\" href=\"%s/ui/output.css\">\n<div id=\"%s\"></div>\n<script src=\"%s/ui/%s\"></script>",
		reg.WebsiteURL, rootID, reg.WebsiteURL, script)
}

// lookupUser resolves the session's user, translating missing users into the
// login prompt message.
func (reg *Registry) lookupUser(ctx context.Context, userID string) (*storage.User, error) {
	if userID == "" {
		return nil, safeErrorf(msgUserNotFound)
	}
	user, err := reg.Users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, safeErrorf(msgUserNotFound)
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

// jsonToolResult marshals a payload as the tool's text content.
func jsonToolResult(payload any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return mcplib.NewToolResultError(msgUnexpectedError), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
