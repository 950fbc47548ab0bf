// Package server holds the MCP server runtime: the ServerContext that
// carries shared dependencies into tool handlers, the HTTP transport for
// streamable-http mode, health endpoints for Kubernetes probes, and the
// dedicated metrics listener.
package server
