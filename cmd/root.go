// Package cmd implements the chipgpt-mcp command line interface.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the chipgpt-mcp application.
var rootCmd = &cobra.Command{
	Use:   "chipgpt-mcp",
	Short: "OAuth-protected MCP server for the ChipGPT platform",
	Long: `chipgpt-mcp serves the ChipGPT platform over the Model Context
Protocol: an OAuth 2.1 authorization server with dynamic client
registration, and a streamable HTTP MCP transport exposing the profile
and vault services.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from main to
// inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "chipgpt-mcp version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
