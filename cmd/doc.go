// Package cmd implements the command-line interface for schoolgate.
//
// This package provides the following commands:
//   - serve: Start the MCP server that bridges AI assistants to the school portal
//   - version: Display version information
//
// The serve command is the default command when no subcommand is specified.
package cmd
