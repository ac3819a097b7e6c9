package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"mcpauth/internal/session"
)

func newCallCmd() *cobra.Command {
	var transport, configPath, storageDir string
	var rawArgs []string

	cmd := &cobra.Command{
		Use:   "call <server-url-or-name> <tool> [--arg key=value ...]",
		Short: "Call one tool and print its result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs, err := parseToolArgs(rawArgs)
			if err != nil {
				return err
			}
			toolName := args[1]
			return connectAndRun(cmd.Context(), openSessionOptions{
				ServerArg:  args[0],
				Transport:  transport,
				ConfigPath: configPath,
				StorageDir: storageDir,
			}, func(sess *session.Session) error {
				return callTool(cmd.Context(), sess, toolName, toolArgs)
			})
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "auto", "transport: auto, http, or sse")
	cmd.Flags().StringVar(&configPath, "config", "", "path to servers.yaml")
	cmd.Flags().StringVar(&storageDir, "storage-dir", "", "auth storage directory")
	cmd.Flags().StringArrayVar(&rawArgs, "arg", nil, "tool argument as key=value, repeatable")
	return cmd
}

func parseToolArgs(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(raw))
	for _, kv := range raw {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("--arg %q is not in key=value form", kv)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

func callTool(ctx context.Context, sess *session.Session, name string, args map[string]any) error {
	result, err := sess.CallTool(ctx, name, args)
	if err != nil {
		return err
	}
	if result == nil {
		fmt.Println("unauthorized — re-authenticating")
		return nil
	}
	for _, content := range result.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			fmt.Println(text.Text)
		}
	}
	return nil
}
