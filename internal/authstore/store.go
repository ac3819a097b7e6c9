// Package authstore implements the persistent auth store: per-server OAuth
// client/token/PKCE state plus global pending-authorization records, keyed
// and expired the way spec.md's data model describes.
//
// Two implementations share the Store interface: FileStore persists under a
// namespaced directory on disk (the Go analogue of origin-scoped
// localStorage), and MemStore keeps everything in a process-local map for
// tests and hosts that opt out of persistence.
package authstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"mcpauth/pkg/oauth"
)

// ErrNotFound is returned by lookups that find nothing — callers that only
// care about presence should prefer the bool return instead of errors.Is.
var ErrNotFound = errors.New("authstore: not found")

// ServerHash derives the filesystem/key-safe identifier for a server: the
// first 16 bytes of SHA-256 over its normalized URL, hex-encoded. Identical
// derivation regardless of which transport path (/mcp, /sse) the caller
// dialed, so token storage is shared across them.
func ServerHash(serverURL string) string {
	return NamespacedServerHash("", serverURL)
}

// NamespacedServerHash is ServerHash, but folds a namespace prefix into the
// hash input instead of the output — so the result stays a plain hex string
// (filesystem/key-safe on every platform, unlike a literal "prefix:hash"
// that would contain a colon, invalid in a Windows filename) while two
// namespaces sharing one storage directory still land on different keys for
// the same server URL.
func NamespacedServerHash(prefix, serverURL string) string {
	sum := sha256.Sum256([]byte(prefix + "\x00" + oauth.NormalizeServerURL(serverURL)))
	return hex.EncodeToString(sum[:16])
}

// PendingAuthorization is the record created when RedirectToAuthorization
// starts a flow, and destructively consumed by the callback handler. It
// carries everything needed to reconstruct an equivalent Provider without
// the original in-memory instance surviving (e.g. across a process restart,
// or when two tabs/invocations race for the same state).
type PendingAuthorization struct {
	State          string            `json:"state"`
	ServerHash     string            `json:"server_hash"`
	ServerURL      string            `json:"server_url"`
	Issuer         string            `json:"issuer"`
	AuthorizationEndpoint string     `json:"authorization_endpoint"`
	TokenEndpoint  string            `json:"token_endpoint"`
	RedirectURI    string            `json:"redirect_uri"`
	Scope          string            `json:"scope"`
	CorrelationID  string            `json:"correlation_id"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// Expired reports whether the record is past its absolute expiry.
func (p *PendingAuthorization) Expired() bool {
	return !p.ExpiresAt.IsZero() && time.Now().After(p.ExpiresAt)
}

// PendingAuthorizationTTL is how long a pending-authorization record stays
// valid before a late callback is treated as InvalidOrExpiredState.
const PendingAuthorizationTTL = 10 * time.Minute

// Watcher is implemented by Store backends that can notify a caller of
// out-of-process storage changes. FileStore is the only implementation —
// MemStore has no other process to race with, so it doesn't implement this.
// Callers type-assert for it rather than finding it on Store itself, the
// same way database/sql callers type-assert for driver-specific extensions.
type Watcher interface {
	// Watch starts watching and returns a channel that receives a value
	// whenever a watched file is created, written, removed or renamed, plus
	// a cleanup func the caller must run once done watching (unless ctx is
	// cancelled first, which stops the watch and closes the channel too).
	Watch(ctx context.Context) (<-chan struct{}, func() error, error)
}

// Store is the persistence contract Component A provides to the rest of the
// module.
type Store interface {
	GetClientInformation(ctx context.Context, serverHash string) (*oauth.ClientInformation, bool, error)
	SaveClientInformation(ctx context.Context, serverHash string, info *oauth.ClientInformation) error

	GetTokens(ctx context.Context, serverHash string) (*oauth.Token, bool, error)
	SaveTokens(ctx context.Context, serverHash string, tokens *oauth.Token) error

	GetCodeVerifier(ctx context.Context, serverHash string) (string, bool, error)
	SaveCodeVerifier(ctx context.Context, serverHash string, verifier string) error

	GetAuthURL(ctx context.Context, serverHash string) (string, bool, error)
	SaveAuthURL(ctx context.Context, serverHash string, authURL string) error

	// DeleteAuthURL and DeleteCodeVerifier remove their single slot, used by
	// the callback handler once a flow completes — the remembered auth URL
	// and in-flight PKCE verifier have no further use after a token exists.
	DeleteAuthURL(ctx context.Context, serverHash string) error
	DeleteCodeVerifier(ctx context.Context, serverHash string) error

	// ClearServer removes every slot (client_info, tokens, code_verifier,
	// auth_url) for one server.
	ClearServer(ctx context.Context, serverHash string) error

	// ClearAll removes every slot for every server plus all pending
	// authorizations. This is the Component E "clearStorage" operation.
	ClearAll(ctx context.Context) error

	// SavePendingAuthorization stores a record keyed by its opaque state.
	SavePendingAuthorization(ctx context.Context, rec PendingAuthorization) error

	// ConsumePendingAuthorization looks up and deletes the record for state
	// in one step: a second call for the same state always misses, which is
	// what makes the callback handler idempotent against double-invocation
	// and closes the replay window spec.md describes.
	ConsumePendingAuthorization(ctx context.Context, state string) (PendingAuthorization, bool, error)

	// GetTokensByIssuer supports SSO: a host juggling several MCP servers
	// behind one identity provider can reuse a token across servers without
	// re-running the popup flow.
	GetTokensByIssuer(ctx context.Context, issuer string) (*oauth.Token, bool, error)
}
