package auth_tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jverhoef/schoolgate/internal/identity"
	"github.com/jverhoef/schoolgate/internal/portal"
	"github.com/jverhoef/schoolgate/internal/server"
	"github.com/jverhoef/schoolgate/internal/tools/common"
)

// RegisterAuthTools registers all authentication and user-management tools
// with the MCP server.
func RegisterAuthTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	registerLoginTool(s, sc)
	registerLogoutTool(s, sc)
	registerClearCredentialsTool(s, sc)
	registerCheckAuthenticationTool(s, sc)
	registerSetDefaultUserTool(s, sc)
	registerListUsersTool(s, sc)
	return nil
}

// loginErrorMessage maps login failures to actionable guidance.
func loginErrorMessage(err error) string {
	switch {
	case errors.Is(err, portal.ErrLoginTimeout):
		return "Login timed out before a portal session was captured. Run portal_login again and complete the sign-in in your browser within the time limit."
	case errors.Is(err, portal.ErrLoginRejected):
		return fmt.Sprintf("The portal rejected the login: %v. Check the credentials and try again.", err)
	case errors.Is(err, portal.ErrTransient):
		return fmt.Sprintf("Could not reach the portal: %v. This is usually temporary; try again shortly.", err)
	default:
		return fmt.Sprintf("Login failed: %v", err)
	}
}

func registerLoginTool(s *mcpserver.MCPServer, sc *server.ServerContext) {
	loginTool := mcp.NewTool("portal_login",
		mcp.WithDescription("Log a user into the school portal. Without a password this opens the browser for an interactive sign-in; with a password the login is submitted directly."),
		mcp.WithString("userEmail",
			mcp.Description("Email address identifying the user to log in (defaults to the default user)"),
		),
		mcp.WithString("password",
			mcp.Description("Portal password for direct login. Used once and never stored."),
		),
		mcp.WithString("username",
			mcp.Description("Portal username when it differs from the email address"),
		),
		mcp.WithBoolean("setDefault",
			mcp.Description("Make this user the default for calls that omit userEmail (default: false)"),
		),
	)

	s.AddTool(loginTool, common.InstrumentedToolHandler("portal_login", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})

		email, err := common.ResolveUserEmail(ctx, args, sc)
		if err != nil {
			if errors.Is(err, portal.ErrNoIdentity) {
				return mcp.NewToolResultError("userEmail is required: no default user is set yet."), nil
			}
			return mcp.NewToolResultError(err.Error()), nil
		}

		var creds *portal.Credentials
		if password, ok := args["password"].(string); ok && password != "" {
			creds = &portal.Credentials{Password: password}
			if username, ok := args["username"].(string); ok {
				creds.Username = username
			}
		}

		if err := sc.Manager().EnsureAuthenticated(ctx, email, creds); err != nil {
			return mcp.NewToolResultError(loginErrorMessage(err)), nil
		}

		setDefault, _ := args["setDefault"].(bool)
		if err := sc.Registry().AddUser(ctx, email, setDefault); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Logged in, but failed to register user: %v", err)), nil
		}

		msg := fmt.Sprintf("Logged in to the portal as %s.", email)
		if setDefault {
			msg += " This user is now the default."
		}
		return mcp.NewToolResultText(msg), nil
	}))
}

func registerLogoutTool(s *mcpserver.MCPServer, sc *server.ServerContext) {
	logoutTool := mcp.NewTool("portal_logout",
		mcp.WithDescription("Drop a user's active portal session from memory. The stored session is kept and revalidated on next use; use portal_clear_credentials to remove everything."),
		mcp.WithString("userEmail",
			mcp.Description("Email of the user to log out (defaults to the default user)"),
		),
	)

	s.AddTool(logoutTool, common.InstrumentedToolHandler("portal_logout", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})

		email, err := common.ResolveUserEmail(ctx, args, sc)
		if err != nil {
			if errors.Is(err, portal.ErrNoIdentity) {
				return mcp.NewToolResultError(common.NoIdentityMessage), nil
			}
			return mcp.NewToolResultError(err.Error()), nil
		}

		if err := sc.Manager().Logout(ctx, email); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to log out: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Logged %s out of the portal.", email)), nil
	}))
}

func registerClearCredentialsTool(s *mcpserver.MCPServer, sc *server.ServerContext) {
	clearTool := mcp.NewTool("portal_clear_credentials",
		mcp.WithDescription("Remove everything stored for a user: the encrypted portal session and all cached results."),
		mcp.WithString("userEmail",
			mcp.Description("Email of the user to clear (defaults to the default user)"),
		),
	)

	s.AddTool(clearTool, common.InstrumentedToolHandler("portal_clear_credentials", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})

		email, err := common.ResolveUserEmail(ctx, args, sc)
		if err != nil {
			if errors.Is(err, portal.ErrNoIdentity) {
				return mcp.NewToolResultError(common.NoIdentityMessage), nil
			}
			return mcp.NewToolResultError(err.Error()), nil
		}

		if err := sc.Manager().ClearCredentials(ctx, email); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to clear session: %v", err)), nil
		}
		if err := sc.Cache().InvalidateUser(ctx, email); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Session cleared, but failed to drop cached results: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Cleared the stored session and cached results for %s.", email)), nil
	}))
}

func registerCheckAuthenticationTool(s *mcpserver.MCPServer, sc *server.ServerContext) {
	checkTool := mcp.NewTool("portal_check_authentication",
		mcp.WithDescription("Report whether a user currently holds a valid portal session. Never starts an interactive login."),
		mcp.WithString("userEmail",
			mcp.Description("Email of the user to check (defaults to the default user)"),
		),
	)

	s.AddTool(checkTool, common.InstrumentedToolHandler("portal_check_authentication", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})

		email, err := common.ResolveUserEmail(ctx, args, sc)
		if err != nil {
			if errors.Is(err, portal.ErrNoIdentity) {
				return mcp.NewToolResultError(common.NoIdentityMessage), nil
			}
			return mcp.NewToolResultError(err.Error()), nil
		}

		status, err := sc.Manager().CheckAuthentication(ctx, email)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to check authentication: %v", err)), nil
		}

		result, _ := json.MarshalIndent(map[string]string{
			"user":   email,
			"status": string(status),
		}, "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	}))
}

func registerSetDefaultUserTool(s *mcpserver.MCPServer, sc *server.ServerContext) {
	setDefaultTool := mcp.NewTool("portal_set_default_user",
		mcp.WithDescription("Make a user the default identity for tool calls that omit userEmail. Only one user can be the default."),
		mcp.WithString("userEmail",
			mcp.Required(),
			mcp.Description("Email of the user to make the default"),
		),
	)

	s.AddTool(setDefaultTool, common.InstrumentedToolHandler("portal_set_default_user", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})

		emailArg, ok := args["userEmail"].(string)
		if !ok || emailArg == "" {
			return mcp.NewToolResultError("userEmail is required"), nil
		}
		email := identity.Normalize(emailArg)

		if err := sc.Registry().SetDefaultUser(ctx, email); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to set default user: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s is now the default user.", email)), nil
	}))
}

// listedUser is the JSON shape returned by portal_list_users.
type listedUser struct {
	Email      string    `json:"email"`
	IsDefault  bool      `json:"isDefault"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

func registerListUsersTool(s *mcpserver.MCPServer, sc *server.ServerContext) {
	listTool := mcp.NewTool("portal_list_users",
		mcp.WithDescription("List the users known to this server, including which one is the default."),
	)

	s.AddTool(listTool, common.InstrumentedToolHandler("portal_list_users", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		users, err := sc.Registry().ListUsers(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list users: %v", err)), nil
		}

		listed := make([]listedUser, 0, len(users))
		for _, u := range users {
			listed = append(listed, listedUser{
				Email:      u.Email,
				IsDefault:  u.IsDefault,
				LastUsedAt: u.LastUsedAt,
			})
		}

		result, _ := json.MarshalIndent(listed, "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	}))
}
