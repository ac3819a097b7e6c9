package callback

import (
	"context"
	"fmt"
	"net/url"

	"mcpauth/internal/authstore"
	"mcpauth/internal/provider"
	"mcpauth/pkg/oauth"
)

// Result is what Handle reports back to the connection state machine: the
// Go rendition of spec.md §4.C step 8's cross-document message, minus the
// window-messaging part (there is no opener in a CLI process — the state
// machine receives this value directly over the channel it's blocked on).
type Result struct {
	Success    bool
	ServerHash string
	Error      *Error
}

// ErrorKind enumerates the failure modes spec.md §4.C and §7 name.
type ErrorKind string

const (
	ErrMalformedCallback    ErrorKind = "malformed_callback"
	ErrInvalidOrExpiredState ErrorKind = "invalid_or_expired_state"
	ErrCorruptFlow          ErrorKind = "corrupt_flow"
	ErrTokenExchangeFailed  ErrorKind = "token_exchange_failed"
	ErrAuthorizationDenied  ErrorKind = "authorization_denied"
)

// Error is a typed callback failure, carrying both a machine-readable Kind
// and a human-readable message suitable for the rendered error page and for
// logs.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

func fail(kind ErrorKind, format string, args ...any) *Result {
	return &Result{Success: false, Error: &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

// Handle implements spec.md §4.C steps 1-7: it never panics and never
// returns a Go error for a malformed or expired flow — those are reported
// as a failed Result so the caller can render the right page and notify the
// state machine uniformly. Something unexpected outside the OAuth protocol
// itself (a store I/O failure) is reported the same way, as a CorruptFlow
// Result.
//
// baseOpts supplies the fields of provider.Options that aren't carried in
// the pending-authorization record (callback origin/path, client name/uri) —
// everything the record does carry (server URL, scopes) overrides it, per
// spec.md's "reconstruct an OAuth Client Provider from providerOptions".
func Handle(ctx context.Context, rawQuery string, store authstore.Store, client *oauth.Client, baseOpts provider.Options) *Result {
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return fail(ErrMalformedCallback, "unparseable callback query: %v", err)
	}

	// Step 1: an explicit error parameter always wins.
	if errCode := query.Get("error"); errCode != "" {
		return fail(ErrAuthorizationDenied, "%s: %s", errCode, query.Get("error_description"))
	}

	// Step 2: code and state are both required.
	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		return fail(ErrMalformedCallback, "callback is missing code or state")
	}

	// Step 3: the pending-authorization record is the single source of
	// truth for this flow, and consuming it is destructive — a second
	// callback for the same state (double-invocation, a replayed request)
	// always misses here, which is exactly the idempotence spec.md asks for.
	rec, ok, err := store.ConsumePendingAuthorization(ctx, state)
	if err != nil {
		return fail(ErrCorruptFlow, "read pending authorization: %v", err)
	}
	if !ok {
		return fail(ErrInvalidOrExpiredState, "no pending authorization for this state")
	}

	// Step 4: reconstruct an equivalent Provider from the record.
	p := provider.Reconstruct(rec, baseOpts, store, client)

	// Step 5: client_info and code_verifier must both be present.
	info, ok, err := p.ClientInformation(ctx)
	if err != nil {
		return fail(ErrCorruptFlow, "read client information: %v", err)
	}
	if !ok {
		return fail(ErrCorruptFlow, "no client information recorded for this flow")
	}
	verifier, err := p.CodeVerifier(ctx)
	if err != nil {
		return fail(ErrCorruptFlow, "read code verifier: %v", err)
	}

	// Step 6: exchange the code for a token.
	tok, err := client.ExchangeCode(ctx, rec.TokenEndpoint, code, rec.RedirectURI, info.ClientID, verifier)
	if err != nil {
		return fail(ErrTokenExchangeFailed, "%v", err)
	}
	tok.Issuer = rec.Issuer

	// Step 7: on success, store the token and clean up the in-flight slots.
	if err := p.SaveTokens(ctx, tok); err != nil {
		return fail(ErrTokenExchangeFailed, "save token: %v", err)
	}
	_ = store.DeleteAuthURL(ctx, p.ServerHash())
	_ = store.DeleteCodeVerifier(ctx, p.ServerHash())

	return &Result{Success: true, ServerHash: p.ServerHash()}
}
