package common

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jverhoef/schoolgate/internal/instrumentation"
	"github.com/jverhoef/schoolgate/internal/server"
)

// InstrumentedToolHandler wraps a tool handler with metrics and audit
// logging. When no instrumentation is configured the handler runs bare.
//
// Usage:
//
//	s.AddTool(myTool, common.InstrumentedToolHandler("my_tool", sc, handler))
func InstrumentedToolHandler(
	toolName string,
	sc *server.ServerContext,
	handler func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error),
) func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		metrics := sc.Metrics()
		auditLogger := sc.AuditLogger()
		if metrics == nil && auditLogger == nil {
			return handler(ctx, request)
		}

		spanCtx, span := instrumentation.StartToolSpan(ctx, toolName)
		defer span.End()

		invocation := instrumentation.NewToolInvocation(toolName).
			WithSpanContext(spanCtx)

		args := request.GetArguments()
		if email := UserEmailFromArgs(args); email != "" {
			invocation.WithUser(email)
		}

		result, err := handler(spanCtx, request)

		if err != nil || (result != nil && result.IsError) {
			if err != nil {
				invocation.CompleteWithError(err)
				instrumentation.SetSpanError(span, err)
			} else {
				invocation.Complete(false, nil)
			}
		} else {
			invocation.CompleteSuccess()
			instrumentation.SetSpanSuccess(span)
		}

		if metrics != nil {
			metrics.RecordToolInvocation(spanCtx, toolName, invocation.Status(), invocation.Duration)
		}
		if auditLogger != nil {
			auditLogger.LogToolInvocation(invocation)
		}

		return result, err
	}
}
