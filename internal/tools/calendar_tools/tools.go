package calendar_tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jverhoef/schoolgate/internal/portal"
	"github.com/jverhoef/schoolgate/internal/server"
	"github.com/jverhoef/schoolgate/internal/tools/common"
)

// RegisterCalendarTools registers calendar tools with the MCP server.
func RegisterCalendarTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	eventsTool := mcp.NewTool("school_events",
		mcp.WithDescription("List upcoming school events from the portal calendar, from today up to a number of months ahead. Results are cached per user; pass refresh to force a fresh lookup."),
		mcp.WithNumber("searchMonths",
			mcp.Description(fmt.Sprintf("How many months ahead to search (default: %d)", portal.DefaultSearchMonths)),
		),
		mcp.WithString("userEmail",
			mcp.Description("Email of the user to act as (defaults to the default user)"),
		),
		mcp.WithBoolean("refresh",
			mcp.Description("Bypass the cache and fetch the calendar again (default: false)"),
		),
	)

	s.AddTool(eventsTool, common.InstrumentedToolHandler("school_events", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})

		searchMonths := 0
		if v, ok := args["searchMonths"].(float64); ok {
			searchMonths = int(v)
		}

		email, err := common.ResolveUserEmail(ctx, args, sc)
		if err != nil {
			if errors.Is(err, portal.ErrNoIdentity) {
				return mcp.NewToolResultError(common.NoIdentityMessage), nil
			}
			return mcp.NewToolResultError(err.Error()), nil
		}

		events, err := sc.Portal().SchoolEvents(ctx, email, searchMonths, common.RefreshFromArgs(args))
		if err != nil {
			if errors.Is(err, portal.ErrAuthenticationFailed) || errors.Is(err, portal.ErrSessionInvalid) {
				return mcp.NewToolResultError(fmt.Sprintf("Not authenticated: %v. Run portal_login for %s first.", err, email)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read school events: %v", err)), nil
		}

		if err := sc.Registry().Touch(ctx, email); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to record user activity: %v", err)), nil
		}

		result, _ := json.MarshalIndent(events, "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	}))

	return nil
}
