package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"mcpauth/internal/session"
)

func newToolsCmd() *cobra.Command {
	var transport, configPath, storageDir string

	cmd := &cobra.Command{
		Use:   "tools <server-url-or-name>",
		Short: "List the tools a server exposes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return connectAndRun(cmd.Context(), openSessionOptions{
				ServerArg:  args[0],
				Transport:  transport,
				ConfigPath: configPath,
				StorageDir: storageDir,
			}, func(sess *session.Session) error {
				return listTools(cmd.Context(), sess)
			})
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "auto", "transport: auto, http, or sse")
	cmd.Flags().StringVar(&configPath, "config", "", "path to servers.yaml")
	cmd.Flags().StringVar(&storageDir, "storage-dir", "", "auth storage directory")
	return cmd
}

func listTools(_ context.Context, sess *session.Session) error {
	snap := sess.Snapshot()
	if len(snap.Tools) == 0 {
		fmt.Println("no tools")
		return nil
	}
	for _, tool := range snap.Tools {
		fmt.Printf("%-24s %s\n", tool.Name, tool.Description)
	}
	return nil
}
