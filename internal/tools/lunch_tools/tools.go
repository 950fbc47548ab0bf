package lunch_tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jverhoef/schoolgate/internal/portal"
	"github.com/jverhoef/schoolgate/internal/server"
	"github.com/jverhoef/schoolgate/internal/tools/common"
)

// anonymousCacheIdentity partitions cached volunteer results when no user
// is registered. The volunteer sheet is public, so the lookup must work
// even before anyone has logged in.
const anonymousCacheIdentity = "anonymous"

// RegisterLunchTools registers lunch volunteer tools with the MCP server.
func RegisterLunchTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	volunteersTool := mcp.NewTool("lunch_volunteers",
		mcp.WithDescription("List lunch-volunteer signup slots from the school's public signup sheet, including which slots are still open. No login required."),
		mcp.WithString("startDate",
			mcp.Description("First day of the window to report, YYYY-MM-DD (default: today)"),
		),
		mcp.WithNumber("days",
			mcp.Description(fmt.Sprintf("How many days the window spans (default: %d)", portal.DefaultVolunteerDays)),
		),
		mcp.WithString("userEmail",
			mcp.Description("Email of the user to cache results under (defaults to the default user)"),
		),
		mcp.WithBoolean("refresh",
			mcp.Description("Bypass the cache and scrape the sheet again (default: false)"),
		),
	)

	s.AddTool(volunteersTool, common.InstrumentedToolHandler("lunch_volunteers", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})

		email, err := common.ResolveUserEmail(ctx, args, sc)
		if err != nil {
			if !errors.Is(err, portal.ErrNoIdentity) {
				return mcp.NewToolResultError(err.Error()), nil
			}
			email = anonymousCacheIdentity
		}

		start := time.Now()
		if raw, ok := args["startDate"].(string); ok && raw != "" {
			start, err = time.Parse("2006-01-02", raw)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Invalid startDate %q, expected YYYY-MM-DD", raw)), nil
			}
		}
		days := 0
		if n, ok := args["days"].(float64); ok {
			days = int(n)
		}

		slots, err := sc.Portal().LunchVolunteers(ctx, email, common.RefreshFromArgs(args))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read the volunteer sheet: %v", err)), nil
		}
		slots = portal.FilterVolunteerSlots(slots, start, days)

		result, _ := json.MarshalIndent(slots, "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	}))

	return nil
}
