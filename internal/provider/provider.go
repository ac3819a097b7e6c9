// Package provider implements the OAuth client provider: the piece that
// knows how to describe itself to an authorization server, hold onto its
// client registration and tokens, and kick off a browser-based authorization
// flow when it has neither.
//
// Grounded on giantswarm-muster's internal/agent/oauth (file-based token
// handling, SSO-by-issuer) and internal/oauth (the pending-authorization
// record shape reconstructed by the callback handler).
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"mcpauth/internal/authstore"
	"mcpauth/internal/browser"
	"mcpauth/pkg/oauth"
)

// DefaultScopes is used when Options.Scopes is empty, matching spec.md's
// default of a bare "openid" scope.
var DefaultScopes = []string{"openid"}

// DefaultCallbackPath is appended to Options.CallbackOrigin when
// Options.CallbackPath is empty.
const DefaultCallbackPath = "/oauth/callback"

// Options configures a Provider. A PendingAuthorization records the server
// URL, the derived server hash, the redirect URI and the scopes; Reconstruct
// takes every other field from the base Options its caller passes in.
type Options struct {
	ServerURL string
	// StorageKeyPrefix namespaces this provider's storage key, so two hosts
	// (or two profiles of the same host) sharing one storage directory don't
	// collide on the same server's tokens. Default "mcp:auth".
	StorageKeyPrefix string
	ClientName       string
	ClientURI        string
	CallbackOrigin   string // e.g. "http://127.0.0.1:8734"
	CallbackPath     string // default DefaultCallbackPath
	Scopes           []string

	// PreventAutoAuth, when true, stops RedirectToAuthorization from
	// launching a browser; it still builds and persists the URL for the
	// host to present manually.
	PreventAutoAuth bool

	// Logger receives SECURITY_AUDIT events for browser launches. Nil
	// falls back to slog.Default().
	Logger *slog.Logger
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Options) storageKeyPrefix() string {
	if o.StorageKeyPrefix != "" {
		return o.StorageKeyPrefix
	}
	return "mcp:auth"
}

func (o *Options) callbackURL() string {
	path := o.CallbackPath
	if path == "" {
		path = DefaultCallbackPath
	}
	return strings.TrimSuffix(o.CallbackOrigin, "/") + path
}

func (o *Options) scope() string {
	scopes := o.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return strings.Join(scopes, " ")
}

// Provider is the Go rendition of spec.md §4.B's OAuth Client Provider. One
// Provider exists per MCP server the host is talking to.
type Provider struct {
	opts       Options
	serverHash string
	store      authstore.Store
	client     *oauth.Client
}

// New constructs a Provider bound to store, performing no I/O. The storage
// key combines StorageKeyPrefix with the server's hash, so two hosts (or two
// profiles of one host) sharing a storage directory can't collide on the
// same MCP server's tokens.
func New(opts Options, store authstore.Store, client *oauth.Client) *Provider {
	return &Provider{
		opts:       opts,
		serverHash: authstore.NamespacedServerHash(opts.storageKeyPrefix(), opts.ServerURL),
		store:      store,
		client:     client,
	}
}

// ServerHash returns the provider's storage key.
func (p *Provider) ServerHash() string { return p.serverHash }

// ClientMetadata builds the RFC 7591 document advertised during dynamic
// client registration.
func (p *Provider) ClientMetadata() oauth.ClientMetadata {
	return oauth.ClientMetadata{
		ClientName:              p.opts.ClientName,
		ClientURI:               p.opts.ClientURI,
		RedirectURIs:            []string{p.opts.callbackURL()},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Scope:                   p.opts.scope(),
	}
}

// ClientInformation returns the previously-registered client, if any.
func (p *Provider) ClientInformation(ctx context.Context) (*oauth.ClientInformation, bool, error) {
	return p.store.GetClientInformation(ctx, p.serverHash)
}

// SaveClientInformation persists the result of dynamic client registration.
func (p *Provider) SaveClientInformation(ctx context.Context, info *oauth.ClientInformation) error {
	return p.store.SaveClientInformation(ctx, p.serverHash, info)
}

// Tokens returns the current token, treating an expired one as absent —
// callers that want the raw (possibly expired) record for refresh purposes
// should read authstore.Store directly.
func (p *Provider) Tokens(ctx context.Context) (*oauth.Token, bool, error) {
	tok, ok, err := p.store.GetTokens(ctx, p.serverHash)
	if err != nil || !ok {
		return nil, ok, err
	}
	if tok.IsExpired() {
		return nil, false, nil
	}
	return tok, true, nil
}

// SaveTokens persists t, unconditionally (including an already-expired
// token, since callers may want to retain it for a refresh attempt).
func (p *Provider) SaveTokens(ctx context.Context, tok *oauth.Token) error {
	return p.store.SaveTokens(ctx, p.serverHash, tok)
}

// CodeVerifier returns the PKCE verifier recorded for the in-flight
// authorization attempt, or an error if absent — per spec.md, reading a
// missing verifier is a CorruptFlow condition, not a plain miss.
func (p *Provider) CodeVerifier(ctx context.Context) (string, error) {
	v, ok, err := p.store.GetCodeVerifier(ctx, p.serverHash)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrCorruptFlow
	}
	return v, nil
}

// SaveCodeVerifier persists the PKCE verifier for the in-flight attempt.
func (p *Provider) SaveCodeVerifier(ctx context.Context, verifier string) error {
	return p.store.SaveCodeVerifier(ctx, p.serverHash, verifier)
}

// GetLastAttemptedAuthURL returns the URL built by the most recent
// RedirectToAuthorization call, for a host that wants to print a manual
// link after a PopupBlocked failure.
func (p *Provider) GetLastAttemptedAuthURL(ctx context.Context) (string, bool, error) {
	return p.store.GetAuthURL(ctx, p.serverHash)
}

// ClearStorage removes every slot for this server (but not pending
// authorizations for other servers).
func (p *Provider) ClearStorage(ctx context.Context) error {
	return p.store.ClearServer(ctx, p.serverHash)
}

// RedirectResult is what RedirectToAuthorization reports back to the
// connection state machine.
type RedirectResult struct {
	Success       bool
	PopupBlocked  bool
	URL           string
	CorrelationID string
}

// RedirectToAuthorization builds the authorize URL from metadata, records a
// PendingAuthorization so the callback can reconstruct this Provider, and
// opens the system's default browser at that URL — unless PreventAutoAuth
// is set, in which case it only builds and persists the URL for the host to
// present manually.
func (p *Provider) RedirectToAuthorization(ctx context.Context, metadata *oauth.Metadata, info *oauth.ClientInformation) (*RedirectResult, error) {
	state, err := oauth.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}

	pkce, err := oauth.GeneratePKCE()
	if err != nil {
		return nil, fmt.Errorf("generate PKCE challenge: %w", err)
	}
	if err := p.SaveCodeVerifier(ctx, pkce.CodeVerifier); err != nil {
		return nil, fmt.Errorf("save code verifier: %w", err)
	}

	authURL, err := p.client.BuildAuthorizationURL(metadata.AuthorizationEndpoint, info.ClientID, p.opts.callbackURL(), state, p.opts.scope(), pkce)
	if err != nil {
		return nil, fmt.Errorf("build authorization url: %w", err)
	}

	correlationID := uuid.NewString()
	rec := authstore.PendingAuthorization{
		State:                 state,
		ServerHash:            p.serverHash,
		ServerURL:             p.opts.ServerURL,
		Issuer:                metadata.Issuer,
		AuthorizationEndpoint: metadata.AuthorizationEndpoint,
		TokenEndpoint:         metadata.TokenEndpoint,
		RedirectURI:           p.opts.callbackURL(),
		Scope:                 p.opts.scope(),
		CorrelationID:         correlationID,
		CreatedAt:             time.Now(),
		ExpiresAt:             time.Now().Add(authstore.PendingAuthorizationTTL),
	}
	if err := p.store.SavePendingAuthorization(ctx, rec); err != nil {
		return nil, fmt.Errorf("save pending authorization: %w", err)
	}
	if err := p.store.SaveAuthURL(ctx, p.serverHash, authURL); err != nil {
		return nil, fmt.Errorf("save auth url: %w", err)
	}

	if p.opts.PreventAutoAuth {
		return &RedirectResult{Success: true, URL: authURL, CorrelationID: correlationID}, nil
	}

	if err := browser.Open(authURL, p.opts.logger()); err != nil {
		// "Popup blocked": the browser couldn't be launched. The URL is
		// still persisted for the host to print or open manually.
		return &RedirectResult{Success: false, PopupBlocked: true, URL: authURL, CorrelationID: correlationID}, nil
	}
	return &RedirectResult{Success: true, URL: authURL, CorrelationID: correlationID}, nil
}

// EnsureClientRegistration returns the provider's client_id, registering a
// new client via RFC 7591 dynamic client registration against metadata's
// registration endpoint if none is stored yet.
func (p *Provider) EnsureClientRegistration(ctx context.Context, metadata *oauth.Metadata) (*oauth.ClientInformation, error) {
	if info, ok, err := p.ClientInformation(ctx); err != nil {
		return nil, err
	} else if ok {
		return info, nil
	}

	if metadata.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("%w: server %s advertises no registration endpoint and no client is pre-registered", ErrNoRegistrationEndpoint, p.opts.ServerURL)
	}

	info, err := p.client.RegisterClient(ctx, metadata.RegistrationEndpoint, p.ClientMetadata())
	if err != nil {
		return nil, fmt.Errorf("dynamic client registration: %w", err)
	}
	if err := p.SaveClientInformation(ctx, info); err != nil {
		return nil, fmt.Errorf("save client information: %w", err)
	}
	return info, nil
}

// Reconstruct rebuilds a Provider from a PendingAuthorization record, the
// way the callback handler does: the server URL, storage key (the record's
// server hash) and scopes come from the record; client name/uri, callback
// origin/path and logger come from base.
func Reconstruct(rec authstore.PendingAuthorization, base Options, store authstore.Store, client *oauth.Client) *Provider {
	opts := base
	opts.ServerURL = rec.ServerURL
	if rec.Scope != "" {
		opts.Scopes = strings.Fields(rec.Scope)
	}
	p := New(opts, store, client)
	if rec.ServerHash != "" {
		p.serverHash = rec.ServerHash
	}
	return p
}
