package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mcpauth/internal/session"
)

var (
	connectTransport  string
	connectConfigPath string
	connectStorageDir string
	connectWatch      bool
)

func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <server-url-or-name>",
		Short: "Connect to an MCP server, authorizing via browser if required",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return connectAndRun(cmd.Context(), openSessionOptions{
				ServerArg:  args[0],
				Transport:  connectTransport,
				ConfigPath: connectConfigPath,
				StorageDir: connectStorageDir,
				Watch:      connectWatch,
			}, func(sess *session.Session) error {
				snap := sess.Snapshot()
				fmt.Printf("connected: %d tools, %d resources, %d prompts\n",
					len(snap.Tools), len(snap.Resources), len(snap.Prompts))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&connectTransport, "transport", "auto", "transport: auto, http, or sse")
	cmd.Flags().StringVar(&connectConfigPath, "config", "", "path to servers.yaml (default ~/.config/mcpauth/servers.yaml)")
	cmd.Flags().StringVar(&connectStorageDir, "storage-dir", "", "auth storage directory (default ~/.config/mcpauth)")
	cmd.Flags().BoolVar(&connectWatch, "watch", false, "after connecting, keep running and report auth store changes made by other processes")
	return cmd
}
