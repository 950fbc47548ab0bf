// Package common provides shared helpers for MCP tool handlers: user
// identity resolution from request arguments, and instrumentation wrappers
// that record metrics and audit logs around tool execution.
package common
