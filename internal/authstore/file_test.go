package authstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mcpauth/pkg/oauth"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return fs
}

func TestServerHash_DeterministicAndNamespaced(t *testing.T) {
	a := ServerHash("https://mcp.example.com/mcp")
	b := ServerHash("https://mcp.example.com/sse")
	c := ServerHash("https://mcp.example.com")
	if a != b || b != c {
		t.Fatalf("expected transport-suffix-insensitive hash, got %q %q %q", a, b, c)
	}

	other := ServerHash("https://other.example.com")
	if a == other {
		t.Fatal("expected different servers to hash differently")
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars (16 bytes), got %d", len(a))
	}
}

func TestNamespacedServerHash_DistinguishesPrefixes(t *testing.T) {
	url := "https://mcp.example.com"
	a := NamespacedServerHash("host-a", url)
	b := NamespacedServerHash("host-b", url)
	if a == b {
		t.Fatal("expected different prefixes to hash differently for the same server URL")
	}
	if NamespacedServerHash("", url) != ServerHash(url) {
		t.Fatal("expected an empty prefix to match ServerHash")
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars (16 bytes), got %d", len(a))
	}
}

func TestFileStore_TokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs := newTestFileStore(t)
	hash := ServerHash("https://mcp.example.com")

	if _, ok, err := fs.GetTokens(ctx, hash); err != nil || ok {
		t.Fatalf("expected no tokens initially, ok=%v err=%v", ok, err)
	}

	tok := &oauth.Token{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)}
	if err := fs.SaveTokens(ctx, hash, tok); err != nil {
		t.Fatalf("SaveTokens: %v", err)
	}

	got, ok, err := fs.GetTokens(ctx, hash)
	if err != nil || !ok {
		t.Fatalf("expected stored token, ok=%v err=%v", ok, err)
	}
	if got.AccessToken != "at" {
		t.Fatalf("expected access token %q, got %q", "at", got.AccessToken)
	}
}

func TestFileStore_ClearServerRemovesAllSlots(t *testing.T) {
	ctx := context.Background()
	fs := newTestFileStore(t)
	hash := ServerHash("https://mcp.example.com")

	_ = fs.SaveTokens(ctx, hash, &oauth.Token{AccessToken: "at"})
	_ = fs.SaveCodeVerifier(ctx, hash, "verifier")
	_ = fs.SaveAuthURL(ctx, hash, "https://idp.example.com/authorize")
	_ = fs.SaveClientInformation(ctx, hash, &oauth.ClientInformation{ClientID: "client"})

	if err := fs.ClearServer(ctx, hash); err != nil {
		t.Fatalf("ClearServer: %v", err)
	}

	if _, ok, _ := fs.GetTokens(ctx, hash); ok {
		t.Fatal("expected tokens cleared")
	}
	if _, ok, _ := fs.GetCodeVerifier(ctx, hash); ok {
		t.Fatal("expected code verifier cleared")
	}
	if _, ok, _ := fs.GetAuthURL(ctx, hash); ok {
		t.Fatal("expected auth url cleared")
	}
	if _, ok, _ := fs.GetClientInformation(ctx, hash); ok {
		t.Fatal("expected client info cleared")
	}
}

func TestFileStore_PendingAuthorizationIsSingleUse(t *testing.T) {
	ctx := context.Background()
	fs := newTestFileStore(t)

	rec := PendingAuthorization{
		State:      "state-123",
		ServerHash: ServerHash("https://mcp.example.com"),
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(PendingAuthorizationTTL),
	}
	if err := fs.SavePendingAuthorization(ctx, rec); err != nil {
		t.Fatalf("SavePendingAuthorization: %v", err)
	}

	got, ok, err := fs.ConsumePendingAuthorization(ctx, "state-123")
	if err != nil || !ok {
		t.Fatalf("expected first consume to succeed, ok=%v err=%v", ok, err)
	}
	if got.State != rec.State {
		t.Fatalf("expected state %q, got %q", rec.State, got.State)
	}

	if _, ok, err := fs.ConsumePendingAuthorization(ctx, "state-123"); err != nil || ok {
		t.Fatalf("expected second consume to miss, ok=%v err=%v", ok, err)
	}
}

func TestFileStore_PendingAuthorizationExpiry(t *testing.T) {
	ctx := context.Background()
	fs := newTestFileStore(t)

	rec := PendingAuthorization{
		State:     "expired-state",
		CreatedAt: time.Now().Add(-PendingAuthorizationTTL - time.Minute),
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := fs.SavePendingAuthorization(ctx, rec); err != nil {
		t.Fatalf("SavePendingAuthorization: %v", err)
	}

	if _, ok, err := fs.ConsumePendingAuthorization(ctx, "expired-state"); err != nil || ok {
		t.Fatalf("expected expired record to be rejected, ok=%v err=%v", ok, err)
	}
}

func TestFileStore_CorruptSlotFileIsEvictedNotErrored(t *testing.T) {
	ctx := context.Background()
	fs := newTestFileStore(t)
	hash := ServerHash("https://mcp.example.com")

	path := filepath.Join(fs.dir, tokensSlot, hash+".json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	tok, ok, err := fs.GetTokens(ctx, hash)
	if err != nil {
		t.Fatalf("expected corrupt file to be handled without error, got %v", err)
	}
	if ok || tok != nil {
		t.Fatal("expected corrupt file to report absent")
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatal("expected corrupt file to be removed")
	}
}

func TestFileStore_GetTokensByIssuer(t *testing.T) {
	ctx := context.Background()
	fs := newTestFileStore(t)

	issuer := "https://idp.example.com"
	hashA := ServerHash("https://a.example.com")
	hashB := ServerHash("https://b.example.com")

	_ = fs.SaveTokens(ctx, hashA, &oauth.Token{AccessToken: "a-token", Issuer: "https://other-idp.example.com", ExpiresAt: time.Now().Add(time.Hour)})
	_ = fs.SaveTokens(ctx, hashB, &oauth.Token{AccessToken: "b-token", Issuer: issuer, ExpiresAt: time.Now().Add(time.Hour)})

	tok, ok, err := fs.GetTokensByIssuer(ctx, issuer)
	if err != nil || !ok {
		t.Fatalf("expected SSO lookup to find token, ok=%v err=%v", ok, err)
	}
	if tok.AccessToken != "b-token" {
		t.Fatalf("expected b-token, got %q", tok.AccessToken)
	}
}
