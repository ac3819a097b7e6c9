// Command mcpauth-demo is a host application exercising the full OAuth
// client provider and connection state machine against a real MCP server:
// connect (with a browser-based authorization flow when required), list
// tools, call a tool, and clear stored credentials.
//
// Grounded on giantswarm-muster's cmd package: a thin main.go delegating to
// Execute, a rootCmd carrying semantic exit codes, and an "auth" family of
// subcommands built around a shared handler.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes, mirroring the teacher's cmd/root.go convention.
const (
	ExitCodeSuccess      = 0
	ExitCodeError        = 1
	ExitCodeAuthRequired = 2
	ExitCodeAuthFailed   = 3
)

var rootCmd = &cobra.Command{
	Use:   "mcpauth-demo",
	Short: "Exercise the MCP OAuth client provider and connection state machine",
	Long: `mcpauth-demo connects to an MCP server over streamable-HTTP or SSE,
running the OAuth 2.1 authorization code + PKCE flow in a browser when the
server demands it, then drives the connection state machine through
discovery, tool listing, and tool calls.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command, injected at build time.
func SetVersion(v string) { rootCmd.Version = v }

// Execute runs the root command.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcpauth-demo version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case isAuthRequired(err):
		return ExitCodeAuthRequired
	case isAuthFailed(err):
		return ExitCodeAuthFailed
	default:
		return ExitCodeError
	}
}

func init() {
	rootCmd.AddCommand(newConnectCmd())
	rootCmd.AddCommand(newToolsCmd())
	rootCmd.AddCommand(newCallCmd())
	rootCmd.AddCommand(newLogoutCmd())
}
