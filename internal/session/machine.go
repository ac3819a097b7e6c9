// Package session implements the connection state machine and public
// reactive interface spec.md describes in §4.D and §4.E: the lifecycle of
// one MCP session against one server URL, and a subscribable view of its
// current (phase, tools, resources, resourceTemplates, prompts, error,
// authUrl, log).
//
// Grounded on giantswarm-muster's internal/agent.Client (connect/transport
// selection, the phase a session is in) and internal/agent.AuthWatcher
// (polling loop idiom, WithXxx functional options, callback struct used to
// notify a host of auth events — the closest analogue to this package's
// Subscribe).
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"mcpauth/internal/authstore"
	"mcpauth/internal/callback"
	"mcpauth/internal/provider"
	"mcpauth/internal/ring"
	"mcpauth/pkg/mcpclient"
	"mcpauth/pkg/oauth"
)

// DefaultAutoRetryDelay is how long Session waits before re-attempting a
// failed connect, when AutoRetry is enabled.
const DefaultAutoRetryDelay = 5 * time.Second

// DefaultAutoReconnectDelay is how long Session waits before reconnecting a
// previously-ready transport that closed, when AutoReconnect is enabled.
const DefaultAutoReconnectDelay = 3 * time.Second

// DefaultAuthTimeout bounds how long Session stays in PhaseAuthenticating
// waiting for a redirect-based flow to complete.
const DefaultAuthTimeout = 5 * time.Minute

// pingInterval is how often a ready session polls the transport to detect a
// silent close, the same polling idiom AuthWatcher uses to detect auth
// state changes without a push channel from the transport.
const pingInterval = 15 * time.Second

// Options configures a Session.
type Options struct {
	ServerURL string
	Transport mcpclient.TransportMode
	Provider  provider.Options

	AutoRetry      bool
	AutoRetryDelay time.Duration

	AutoReconnect      bool
	AutoReconnectDelay time.Duration

	AuthTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.AutoRetryDelay <= 0 {
		out.AutoRetryDelay = DefaultAutoRetryDelay
	}
	if out.AutoReconnectDelay <= 0 {
		out.AutoReconnectDelay = DefaultAutoReconnectDelay
	}
	if out.AuthTimeout <= 0 {
		out.AuthTimeout = DefaultAuthTimeout
	}
	return out
}

type authOutcomeKind int

const (
	authorizedOutcome authOutcomeKind = iota
	redirectOutcome
)

type authOutcome struct {
	kind          authOutcomeKind
	url           string
	popupBlocked  bool
	correlationID string
}

// Session owns the lifecycle of one MCP session against one server URL and
// exposes the subscribable (phase, tools, ..., log) view spec.md's §4.E
// names. One Session per server URL; construct a new one to talk to a
// different server.
type Session struct {
	opts        Options
	store       authstore.Store
	oauthClient *oauth.Client

	bgCtx    context.Context
	bgCancel context.CancelFunc

	mu         sync.Mutex
	provider   *provider.Provider
	mcp        *mcpclient.Client
	phase      Phase
	inProgress bool
	unmounted  bool
	attempt    int

	tools             []mcp.Tool
	resources         []mcp.Resource
	resourceTemplates []mcp.ResourceTemplate
	prompts           []mcp.Prompt
	lastErr           error
	lastChallenge     *oauth.AuthChallenge
	lastAuthErr       error
	authURL           string
	log               *ring.Buffer

	authTimer      *time.Timer
	retryTimer     *time.Timer
	reconnectTimer *time.Timer

	subsMu  sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

// New constructs a Session in PhaseDiscovering. No network I/O happens
// until Connect is called.
func New(opts Options, store authstore.Store, oauthClient *oauth.Client) *Session {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Session{
		opts:        opts.withDefaults(),
		store:       store,
		oauthClient: oauthClient,
		bgCtx:       bgCtx,
		bgCancel:    bgCancel,
		phase:       PhaseDiscovering,
		log:         ring.New(ring.DefaultCapacity),
		subs:        make(map[int]func(Snapshot)),
	}
}

// Subscribe registers fn to be called with a consistent Snapshot after
// every state mutation, and immediately once with the current snapshot. The
// returned func unsubscribes.
func (s *Session) Subscribe(fn func(Snapshot)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	fn(s.Snapshot())

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// Snapshot returns a consistent read of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:             s.phase,
		Tools:             append([]mcp.Tool(nil), s.tools...),
		Resources:         append([]mcp.Resource(nil), s.resources...),
		ResourceTemplates: append([]mcp.ResourceTemplate(nil), s.resourceTemplates...),
		Prompts:           append([]mcp.Prompt(nil), s.prompts...),
		Error:             s.lastErr,
		AuthURL:           s.authURL,
		Log:               s.log.Snapshot(),
	}
}

// notifyLocked must be called with s.mu held; it reads the snapshot and
// calls every subscriber synchronously while s.mu is still held (only
// subsMu is released before delivery), so a subscriber that calls back
// into a Session method that takes s.mu deadlocks.
func (s *Session) notifyLocked() {
	snap := s.snapshotLocked()

	s.subsMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (s *Session) logLocked(message string, fields map[string]any) {
	s.log.AppendLevel(ring.LevelInfo, message, fields)
}

func (s *Session) logWarnLocked(message string, fields map[string]any) {
	s.log.AppendLevel(ring.LevelWarn, message, fields)
}

func (s *Session) logErrorLocked(message string, fields map[string]any) {
	s.log.AppendLevel(ring.LevelError, message, fields)
}

func (s *Session) isUnmounted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unmounted
}

// Unmount tears the session down permanently: any in-flight work checks the
// unmounted flag before its next state mutation and becomes a no-op past
// that point.
func (s *Session) Unmount() {
	s.mu.Lock()
	s.unmounted = true
	s.mu.Unlock()
	s.bgCancel()
	s.Disconnect()
}

// Connect runs the connect procedure of spec.md §4.D: guarded against
// re-entrancy, it advances discovering → connecting → loading → ready, or
// diverts into the authorization branch on an Unauthorized signal.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.unmounted || s.inProgress {
		s.mu.Unlock()
		return
	}
	s.inProgress = true
	s.attempt++
	s.phase = PhaseDiscovering
	s.lastErr = nil
	s.logLocked("connect attempt", map[string]any{"attempt": s.attempt})
	s.notifyLocked()
	s.mu.Unlock()

	s.runConnect(ctx)
}

func (s *Session) runConnect(ctx context.Context) {
	s.mu.Lock()
	if s.unmounted {
		s.mu.Unlock()
		return
	}
	if s.provider == nil {
		popts := s.opts.Provider
		popts.ServerURL = s.opts.ServerURL
		s.provider = provider.New(popts, s.store, s.oauthClient)
	}
	if s.mcp == nil {
		s.mcp = mcpclient.New(s.opts.ServerURL, s.opts.Transport, s.tokenFunc)
	}
	transport := s.mcp
	s.phase = PhaseConnecting
	s.notifyLocked()
	s.mu.Unlock()

	if err := transport.Connect(ctx); err != nil {
		if oauth.IsUnauthorized(err) {
			s.beginAuthentication(ctx, err)
			return
		}
		s.failConnect(err)
		return
	}

	s.mu.Lock()
	if s.unmounted {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseLoading
	s.notifyLocked()
	s.mu.Unlock()

	if err := s.loadCollections(ctx); err != nil {
		if oauth.IsUnauthorized(err) {
			s.beginAuthentication(ctx, err)
			return
		}
		s.failConnect(err)
		return
	}

	s.mu.Lock()
	if s.unmounted {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseReady
	s.inProgress = false
	s.logLocked("ready", map[string]any{"tools": len(s.tools)})
	s.notifyLocked()
	s.mu.Unlock()

	go s.monitorConnection()
}

// tokenFunc is handed to mcpclient.New so every outbound request carries
// whatever access token the Provider currently holds, picking up a refresh
// without needing to reconnect.
func (s *Session) tokenFunc(ctx context.Context) string {
	s.mu.Lock()
	p := s.provider
	s.mu.Unlock()
	if p == nil {
		return ""
	}
	tok, ok, err := p.Tokens(ctx)
	if err != nil || !ok {
		return ""
	}
	return tok.AccessToken
}

// loadCollections lists tools (required) plus resources, resource
// templates, and prompts (best-effort, per spec.md §4.D step 7).
func (s *Session) loadCollections(ctx context.Context) error {
	s.mu.Lock()
	c := s.mcp
	s.mu.Unlock()

	tools, err := c.ListTools(ctx)
	if err != nil {
		return err
	}

	resources, err := c.ListResources(ctx)
	if err != nil {
		s.mu.Lock()
		s.logWarnLocked("list resources failed", map[string]any{"error": err.Error()})
		s.mu.Unlock()
		resources = nil
	}
	resourceTemplates, err := c.ListResourceTemplates(ctx)
	if err != nil {
		s.mu.Lock()
		s.logWarnLocked("list resource templates failed", map[string]any{"error": err.Error()})
		s.mu.Unlock()
		resourceTemplates = nil
	}
	prompts, err := c.ListPrompts(ctx)
	if err != nil {
		s.mu.Lock()
		s.logWarnLocked("list prompts failed", map[string]any{"error": err.Error()})
		s.mu.Unlock()
		prompts = nil
	}

	s.mu.Lock()
	s.tools = tools
	s.resources = resources
	s.resourceTemplates = resourceTemplates
	s.prompts = prompts
	s.mu.Unlock()
	return nil
}

func (s *Session) failConnect(err error) {
	s.mu.Lock()
	if s.unmounted {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseFailed
	s.lastErr = err
	s.inProgress = false
	s.logErrorLocked("connect failed", map[string]any{"error": err.Error()})
	s.notifyLocked()
	autoRetry := s.opts.AutoRetry
	delay := s.opts.AutoRetryDelay
	s.mu.Unlock()

	if autoRetry {
		s.scheduleRetry(delay)
	}
}

func (s *Session) scheduleRetry(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unmounted {
		return
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(delay, func() {
		if s.isUnmounted() {
			return
		}
		s.Connect(s.bgCtx)
	})
}

// beginAuthentication implements the authorization branch of spec.md §4.D:
// advance to authenticating, start the auth timeout, then run the auth
// routine to decide between AUTHORIZED (recurse into connect) and REDIRECT
// (remain authenticating until the callback, a cancel, or the timeout).
//
// triggerErr is the Unauthorized error that provoked the transition. Its
// text is probed for an embedded WWW-Authenticate challenge (mark3labs/
// mcp-go wraps a 401 response into an error string rather than exposing the
// *http.Response itself, so this is a best-effort scan rather than a header
// read) so runAuthRoutine can follow RFC 9728's resource_metadata pointer to
// the server's authorization server instead of assuming the MCP server URL
// is also the issuer.
func (s *Session) beginAuthentication(ctx context.Context, triggerErr error) {
	s.mu.Lock()
	if s.unmounted {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseAuthenticating
	s.lastAuthErr = triggerErr
	s.lastChallenge = oauth.ChallengeFromErrorText(triggerErr.Error())
	if s.lastChallenge != nil {
		s.logLocked("unauthorized, starting authorization", map[string]any{
			"resource_metadata": s.lastChallenge.ResourceMetadataURL,
			"realm":             s.lastChallenge.Realm,
		})
	} else {
		s.logLocked("unauthorized, starting authorization", nil)
	}
	s.notifyLocked()
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.authTimer = time.AfterFunc(s.opts.AuthTimeout, s.onAuthTimeout)
	s.mu.Unlock()

	outcome, err := s.runAuthRoutine(ctx)
	if err != nil {
		s.mu.Lock()
		if s.authTimer != nil {
			s.authTimer.Stop()
		}
		s.mu.Unlock()
		s.failConnect(err)
		return
	}

	switch outcome.kind {
	case authorizedOutcome:
		s.mu.Lock()
		if s.authTimer != nil {
			s.authTimer.Stop()
		}
		s.inProgress = false
		s.mu.Unlock()
		s.Connect(ctx)
	case redirectOutcome:
		s.mu.Lock()
		s.authURL = outcome.url
		if outcome.popupBlocked {
			s.lastErr = ErrPopupBlocked
		}
		s.logLocked("redirected to authorization", map[string]any{"correlation_id": outcome.correlationID})
		s.notifyLocked()
		s.mu.Unlock()
		// Remain in authenticating: the host either forwards the callback
		// result via HandleAuthCallback, calls Disconnect to cancel, or the
		// timer above fires.
	}
}

func (s *Session) onAuthTimeout() {
	s.mu.Lock()
	if s.phase != PhaseAuthenticating {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.failConnect(ErrAuthenticationTimedOut)
}

// issuerHint resolves the authorization server metadata discovery should
// probe: the RFC 9728 resource_metadata URL from the 401 that triggered
// authentication, if one was captured, takes priority over the WWW-
// Authenticate realm, which in turn takes priority over assuming the MCP
// server's own URL is the issuer.
func (s *Session) issuerHint(ctx context.Context) string {
	s.mu.Lock()
	challenge := s.lastChallenge
	s.mu.Unlock()

	if challenge == nil {
		return s.opts.ServerURL
	}

	if challenge.ResourceMetadataURL != "" {
		if issuer, err := s.oauthClient.DiscoverProtectedResourceMetadata(ctx, challenge.ResourceMetadataURL); err == nil && issuer != "" {
			s.mu.Lock()
			s.logLocked("resolved issuer via protected resource metadata", map[string]any{"issuer": issuer})
			s.mu.Unlock()
			return issuer
		}
	}

	if issuer := challenge.GetIssuer(); issuer != "" {
		return issuer
	}

	return s.opts.ServerURL
}

// runAuthRoutine decides AUTHORIZED vs REDIRECT: a present token is
// AUTHORIZED outright; an expired one with a refresh token is refreshed in
// place; failing that, SSO-by-issuer is tried; only then does it fall
// through to dynamic client registration and a fresh browser redirect.
func (s *Session) runAuthRoutine(ctx context.Context) (*authOutcome, error) {
	s.mu.Lock()
	p := s.provider
	s.mu.Unlock()

	if _, ok, err := p.Tokens(ctx); err != nil {
		return nil, fmt.Errorf("read stored tokens: %w", err)
	} else if ok {
		return &authOutcome{kind: authorizedOutcome}, nil
	}

	issuerHint := s.issuerHint(ctx)

	s.mu.Lock()
	triggerErr := s.lastAuthErr
	s.mu.Unlock()
	attemptRefresh := triggerErr == nil || oauth.IsTokenExpired(triggerErr)

	if raw, ok, err := s.store.GetTokens(ctx, p.ServerHash()); attemptRefresh && err == nil && ok && raw.RefreshToken != "" {
		if metadata, mErr := s.oauthClient.DiscoverMetadata(ctx, issuerHint); mErr == nil {
			if info, ok2, _ := p.ClientInformation(ctx); ok2 {
				if newTok, rErr := s.oauthClient.RefreshToken(ctx, metadata.TokenEndpoint, raw.RefreshToken, info.ClientID); rErr == nil {
					newTok.Issuer = metadata.Issuer
					if err := p.SaveTokens(ctx, newTok); err == nil {
						return &authOutcome{kind: authorizedOutcome}, nil
					}
				}
			}
		}
	}

	metadata, err := s.oauthClient.DiscoverMetadata(ctx, issuerHint)
	if err != nil {
		return nil, fmt.Errorf("discover authorization server metadata: %w", err)
	}

	if tok, ok, err := s.store.GetTokensByIssuer(ctx, metadata.Issuer); err == nil && ok {
		if err := p.SaveTokens(ctx, tok); err == nil {
			return &authOutcome{kind: authorizedOutcome}, nil
		}
	}

	info, err := p.EnsureClientRegistration(ctx, metadata)
	if err != nil {
		return nil, err
	}

	result, err := p.RedirectToAuthorization(ctx, metadata, info)
	if err != nil {
		return nil, err
	}
	if !result.Success && !result.PopupBlocked {
		return nil, fmt.Errorf("redirect to authorization failed")
	}
	return &authOutcome{kind: redirectOutcome, url: result.URL, popupBlocked: result.PopupBlocked, correlationID: result.CorrelationID}, nil
}

// HandleAuthCallback routes the outcome of a completed callback.Handle call
// back into the state machine: success resumes connect, failure fails the
// session with the callback's error. It is a no-op if the session isn't
// currently authenticating (a late or duplicate callback).
func (s *Session) HandleAuthCallback(result *callback.Result) {
	s.mu.Lock()
	if s.phase != PhaseAuthenticating {
		s.mu.Unlock()
		return
	}
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.mu.Unlock()

	if result.Success {
		s.mu.Lock()
		s.inProgress = false
		s.mu.Unlock()
		s.Connect(s.bgCtx)
		return
	}
	s.failConnect(result.Error)
}

// monitorConnection polls the transport while ready to detect a silent
// close, since mcpclient.Client exposes no close callback of its own.
func (s *Session) monitorConnection() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.bgCtx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.phase != PhaseReady || s.unmounted {
				s.mu.Unlock()
				return
			}
			c := s.mcp
			s.mu.Unlock()
			if c == nil {
				return
			}
			if err := c.Ping(s.bgCtx); err != nil {
				s.handleTransportClose(err)
				return
			}
		}
	}
}

func (s *Session) handleTransportClose(err error) {
	s.mu.Lock()
	if s.phase != PhaseReady || s.unmounted {
		s.mu.Unlock()
		return
	}
	s.logErrorLocked("transport closed", map[string]any{"error": err.Error()})
	s.phase = PhaseFailed
	s.lastErr = err
	s.inProgress = false
	s.notifyLocked()
	autoReconnect := s.opts.AutoReconnect
	delay := s.opts.AutoReconnectDelay
	s.mu.Unlock()

	if autoReconnect {
		s.scheduleReconnect(delay)
	}
}

func (s *Session) scheduleReconnect(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unmounted {
		return
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, func() {
		if s.isUnmounted() {
			return
		}
		s.Connect(s.bgCtx)
	})
}

// CallTool invokes a tool by name. Per spec.md's operation table, an
// Unauthorized response does not return an error: it transitions the
// session into authenticating and returns a nil result, leaving the caller
// to react to the phase change.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	if s.phase != PhaseReady {
		s.mu.Unlock()
		return nil, ErrNotReady
	}
	c := s.mcp
	s.mu.Unlock()

	result, err := c.CallTool(ctx, name, args)
	if err != nil {
		if oauth.IsUnauthorized(err) {
			s.beginAuthentication(ctx, err)
			return nil, nil
		}
		return nil, err
	}
	return result, nil
}

// ListResources refreshes and returns the in-memory resource collection.
func (s *Session) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	s.mu.Lock()
	if s.phase != PhaseReady {
		s.mu.Unlock()
		return nil, ErrNotReady
	}
	c := s.mcp
	s.mu.Unlock()

	resources, err := c.ListResources(ctx)
	if err != nil {
		if oauth.IsUnauthorized(err) {
			s.beginAuthentication(ctx, err)
			return nil, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.resources = resources
	s.notifyLocked()
	s.mu.Unlock()
	return resources, nil
}

// ReadResource reads one resource by URI.
func (s *Session) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	s.mu.Lock()
	if s.phase != PhaseReady {
		s.mu.Unlock()
		return nil, ErrNotReady
	}
	c := s.mcp
	s.mu.Unlock()

	result, err := c.ReadResource(ctx, uri)
	if err != nil {
		if oauth.IsUnauthorized(err) {
			s.beginAuthentication(ctx, err)
			return nil, nil
		}
		return nil, err
	}
	return result, nil
}

// ListPrompts refreshes and returns the in-memory prompt collection.
func (s *Session) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	s.mu.Lock()
	if s.phase != PhaseReady {
		s.mu.Unlock()
		return nil, ErrNotReady
	}
	c := s.mcp
	s.mu.Unlock()

	prompts, err := c.ListPrompts(ctx)
	if err != nil {
		if oauth.IsUnauthorized(err) {
			s.beginAuthentication(ctx, err)
			return nil, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.prompts = prompts
	s.notifyLocked()
	s.mu.Unlock()
	return prompts, nil
}

// GetPrompt retrieves one prompt by name.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	s.mu.Lock()
	if s.phase != PhaseReady {
		s.mu.Unlock()
		return nil, ErrNotReady
	}
	c := s.mcp
	s.mu.Unlock()

	result, err := c.GetPrompt(ctx, name, args)
	if err != nil {
		if oauth.IsUnauthorized(err) {
			s.beginAuthentication(ctx, err)
			return nil, nil
		}
		return nil, err
	}
	return result, nil
}

// Retry kicks off Connect from PhaseFailed; otherwise it's ignored with a
// warning log.
func (s *Session) Retry(ctx context.Context) {
	s.mu.Lock()
	if s.phase != PhaseFailed {
		s.logWarnLocked("retry ignored outside failed phase", map[string]any{"phase": string(s.phase)})
		s.notifyLocked()
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.Connect(ctx)
}

// Authenticate behaves as Retry when failed, or surfaces the stored manual
// authorization URL when authenticating; it's a no-op otherwise.
func (s *Session) Authenticate(ctx context.Context) string {
	s.mu.Lock()
	phase := s.phase
	url := s.authURL
	s.mu.Unlock()

	switch phase {
	case PhaseFailed:
		s.Connect(ctx)
		return ""
	case PhaseAuthenticating:
		return url
	default:
		return ""
	}
}

// Disconnect closes the transport, clears every timer, and resets phase to
// discovering. Safe to call from any phase.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
	c := s.mcp
	s.mcp = nil
	s.phase = PhaseDiscovering
	s.inProgress = false
	s.tools, s.resources, s.resourceTemplates, s.prompts = nil, nil, nil, nil
	s.lastErr = nil
	s.lastChallenge = nil
	s.lastAuthErr = nil
	s.authURL = ""
	s.logLocked("disconnect", nil)
	s.notifyLocked()
	s.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
}

// ClearStorage clears this server's namespace via the auth store, then
// disconnects.
func (s *Session) ClearStorage(ctx context.Context) error {
	s.mu.Lock()
	p := s.provider
	s.mu.Unlock()

	if p != nil {
		if err := p.ClearStorage(ctx); err != nil {
			return err
		}
	}
	s.Disconnect()
	return nil
}
