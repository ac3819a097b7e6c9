package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mcpauth/internal/provider"
	"mcpauth/pkg/oauth"
)

func newLogoutCmd() *cobra.Command {
	var configPath, storageDir string
	var all bool

	cmd := &cobra.Command{
		Use:   "logout [server-url-or-name]",
		Short: "Clear stored credentials for a server, or every server with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storeFor(storageDir)
			if err != nil {
				return err
			}

			if all {
				if len(args) > 0 {
					return fmt.Errorf("logout --all does not take a server argument")
				}
				if err := store.ClearAll(cmd.Context()); err != nil {
					return fmt.Errorf("clear all storage: %w", err)
				}
				fmt.Println("cleared credentials for all servers")
				return nil
			}

			if len(args) != 1 {
				return fmt.Errorf("logout requires a server-url-or-name argument, or --all")
			}

			cfgPath := configPath
			if cfgPath == "" {
				var err error
				cfgPath, err = defaultConfigPath()
				if err != nil {
					return err
				}
			}
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			serverCfg, err := resolveServer(cfg, args[0])
			if err != nil {
				return err
			}

			// Route through provider.New so the storage key is derived
			// identically to how connect/tools/call derived it — the
			// namespacing prefix must match or logout clears nothing.
			p := provider.New(provider.Options{ServerURL: serverCfg.URL}, store, oauth.NewClient())
			if err := p.ClearStorage(cmd.Context()); err != nil {
				return fmt.Errorf("clear storage: %w", err)
			}
			fmt.Printf("cleared credentials for %s\n", serverCfg.URL)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to servers.yaml")
	cmd.Flags().StringVar(&storageDir, "storage-dir", "", "auth storage directory")
	cmd.Flags().BoolVar(&all, "all", false, "clear stored credentials for every server")
	return cmd
}
