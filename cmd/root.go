package cmd

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the schoolgate application
var rootCmd = &cobra.Command{
	Use:   "schoolgate",
	Short: "MCP server for a session-cookie school portal",
	Long: `schoolgate bridges AI assistants to a school portal that has no official
API. It logs in the way a parent would (form submit or a captured browser
session), keeps the session cookies encrypted at rest, and exposes the
portal's directory, calendar and lunch-volunteer pages as MCP tools.`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "schoolgate version %s\n" .Version}}`)

	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	// If no subcommand is provided, run the serve command by default
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}
