package main

import (
	"context"
	"fmt"
	"sync"

	"mcpauth/internal/authstore"
	"mcpauth/internal/callback"
	"mcpauth/internal/provider"
	"mcpauth/internal/session"
	"mcpauth/pkg/mcpclient"
	"mcpauth/pkg/oauth"
)

// openSessionOptions bundles what every subcommand needs to resolve a
// server argument against servers.yaml and open a Session against it.
type openSessionOptions struct {
	ServerArg     string
	Transport     string
	ConfigPath    string
	StorageDir    string
	AutoReconnect bool

	// Watch, if true, keeps connectAndRun running after fn returns and
	// prints a line whenever the auth store changes out-of-process — for
	// example another `mcpauth-demo logout` run against the same storage
	// directory while this one is up. Ignored for stores that don't
	// implement authstore.Watcher.
	Watch bool
}

func transportMode(s string) mcpclient.TransportMode {
	switch s {
	case "http":
		return mcpclient.TransportHTTP
	case "sse":
		return mcpclient.TransportSSE
	default:
		return mcpclient.TransportAuto
	}
}

// connectAndRun resolves the server argument, opens a callback server,
// drives a Session through the connect + authorization-branch flow to
// PhaseReady, runs fn, then disconnects. It is the CLI's rendition of
// spec.md §4.D's connect procedure plus authorization branch, adapted to a
// one-shot process instead of a long-lived host.
func connectAndRun(ctx context.Context, opts openSessionOptions, fn func(sess *session.Session) error) error {
	cfgPath := opts.ConfigPath
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
	serverCfg, err := resolveServer(cfg, opts.ServerArg)
	if err != nil {
		return err
	}

	store, err := storeFor(opts.StorageDir)
	if err != nil {
		return err
	}
	oauthClient := oauth.NewClient()

	clientName := serverCfg.ClientName
	if clientName == "" {
		clientName = "mcpauth-demo"
	}

	cb := callback.NewServer(0, "", nil)
	cb.SetHandler(func(rawQuery string) *callback.Result {
		return callback.Handle(ctx, rawQuery, store, oauthClient, provider.Options{
			ClientName:     clientName,
			CallbackOrigin: fmt.Sprintf("http://127.0.0.1:%d", cb.Port()),
		})
	})
	redirectURI, err := cb.Start(ctx)
	if err != nil {
		return fmt.Errorf("start callback server: %w", err)
	}
	defer cb.Stop()
	fmt.Printf("callback listening at %s\n", redirectURI)

	sess := session.New(session.Options{
		ServerURL: serverCfg.URL,
		Transport: transportMode(opts.Transport),
		Provider: provider.Options{
			ClientName:     clientName,
			CallbackOrigin: fmt.Sprintf("http://127.0.0.1:%d", cb.Port()),
			Scopes:         serverCfg.Scopes,
		},
		AutoReconnect: opts.AutoReconnect,
	}, store, oauthClient)
	defer sess.Unmount()

	var once sync.Once
	updates := make(chan session.Snapshot, 16)
	unsubscribe := sess.Subscribe(func(snap session.Snapshot) {
		select {
		case updates <- snap:
		default:
		}
	})
	defer unsubscribe()

	sess.Connect(ctx)

	var pendingAuthURL string
	for {
		select {
		case <-ctx.Done():
			if pendingAuthURL != "" {
				return &AuthRequiredError{AuthURL: pendingAuthURL}
			}
			return ctx.Err()
		case snap := <-updates:
			switch snap.Phase {
			case session.PhaseReady:
				if err := fn(sess); err != nil || !opts.Watch {
					return err
				}
				return watchStore(ctx, store)
			case session.PhaseFailed:
				if snap.Error != nil {
					return &AuthFailedError{Err: snap.Error}
				}
				return fmt.Errorf("connect failed")
			case session.PhaseAuthenticating:
				if snap.AuthURL == "" {
					continue
				}
				pendingAuthURL = snap.AuthURL
				once.Do(func() {
					fmt.Printf("\nOpen this URL to authorize:\n  %s\n\n", snap.AuthURL)
					go func() {
						result, err := cb.WaitForCallback(ctx)
						if err != nil {
							return
						}
						sess.HandleAuthCallback(result)
					}()
				})
			}
		}
	}
}

func storeFor(dir string) (authstore.Store, error) {
	if dir != "" {
		return authstore.NewFileStore(dir)
	}
	return authstore.DefaultFileStore()
}

// watchStore blocks, printing a line each time the auth store changes
// out-of-process, until ctx is cancelled. Stores that don't implement
// authstore.Watcher (MemStore) just block on ctx instead.
func watchStore(ctx context.Context, store authstore.Store) error {
	watcher, ok := store.(authstore.Watcher)
	if !ok {
		<-ctx.Done()
		return ctx.Err()
	}

	events, cleanup, err := watcher.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch auth store: %w", err)
	}
	defer cleanup()

	fmt.Println("watching auth store for out-of-process changes (ctrl-c to stop)")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			fmt.Println("auth store changed")
		}
	}
}
