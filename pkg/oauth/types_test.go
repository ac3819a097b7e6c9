package oauth

import (
	"testing"
	"time"
)

func TestToken_IsExpired(t *testing.T) {
	tests := []struct {
		name  string
		token *Token
		want  bool
	}{
		{
			name:  "not expired",
			token: &Token{ExpiresAt: time.Now().Add(time.Hour)},
			want:  false,
		},
		{
			name:  "expired",
			token: &Token{ExpiresAt: time.Now().Add(-time.Hour)},
			want:  true,
		},
		{
			name:  "expires within margin",
			token: &Token{ExpiresAt: time.Now().Add(15 * time.Second)}, // less than 30s margin
			want:  true,
		},
		{
			name:  "no expiry set",
			token: &Token{ExpiresAt: time.Time{}},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.token.IsExpired(); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToken_IsExpiredWithMargin(t *testing.T) {
	token := &Token{ExpiresAt: time.Now().Add(2 * time.Minute)}

	if token.IsExpiredWithMargin(time.Minute) {
		t.Error("IsExpiredWithMargin(1m) = true, want false")
	}
	if !token.IsExpiredWithMargin(3 * time.Minute) {
		t.Error("IsExpiredWithMargin(3m) = false, want true")
	}
}

func TestToken_SetExpiresAtFromExpiresIn(t *testing.T) {
	tests := []struct {
		name      string
		token     *Token
		wantSet   bool
		tolerance time.Duration
	}{
		{
			name:      "sets expiry from expires_in",
			token:     &Token{ExpiresIn: 3600},
			wantSet:   true,
			tolerance: 5 * time.Second,
		},
		{
			name:    "does not override existing expiry",
			token:   &Token{ExpiresIn: 3600, ExpiresAt: time.Now().Add(2 * time.Hour)},
			wantSet: false,
		},
		{
			name:    "zero expires_in",
			token:   &Token{ExpiresIn: 0},
			wantSet: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			originalExpiry := tt.token.ExpiresAt
			tt.token.SetExpiresAtFromExpiresIn()

			if tt.wantSet {
				if tt.token.ExpiresAt.IsZero() {
					t.Error("ExpiresAt was not set")
				}
				expected := time.Now().Add(time.Duration(tt.token.ExpiresIn) * time.Second)
				diff := tt.token.ExpiresAt.Sub(expected)
				if diff < -tt.tolerance || diff > tt.tolerance {
					t.Errorf("ExpiresAt = %v, want ~%v", tt.token.ExpiresAt, expected)
				}
			} else if tt.token.ExpiresAt != originalExpiry {
				t.Errorf("ExpiresAt changed from %v to %v", originalExpiry, tt.token.ExpiresAt)
			}
		})
	}
}

func TestToken_Scopes(t *testing.T) {
	tests := []struct {
		name  string
		token *Token
		want  []string
	}{
		{name: "empty scope", token: &Token{Scope: ""}, want: nil},
		{name: "single scope", token: &Token{Scope: "openid"}, want: []string{"openid"}},
		{name: "multiple scopes", token: &Token{Scope: "openid profile email"}, want: []string{"openid", "profile", "email"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.token.Scopes()
			if len(got) != len(tt.want) {
				t.Errorf("Scopes() = %v, want %v", got, tt.want)
				return
			}
			for i, s := range got {
				if s != tt.want[i] {
					t.Errorf("Scopes()[%d] = %q, want %q", i, s, tt.want[i])
				}
			}
		})
	}
}

func TestToken_ToOAuth2Token(t *testing.T) {
	tok := &Token{
		AccessToken:  "access",
		TokenType:    "Bearer",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
		IDToken:      "idtok",
	}
	converted := tok.ToOAuth2Token()
	if converted.AccessToken != tok.AccessToken || converted.RefreshToken != tok.RefreshToken {
		t.Fatalf("ToOAuth2Token() did not carry over core fields: %+v", converted)
	}
	if converted.Extra("id_token") != "idtok" {
		t.Errorf("expected id_token to survive in Extra, got %v", converted.Extra("id_token"))
	}
}

func TestMetadata_SupportsPKCE(t *testing.T) {
	tests := []struct {
		name     string
		metadata *Metadata
		want     bool
	}{
		{name: "explicit S256 support", metadata: &Metadata{CodeChallengeMethodsSupported: []string{"plain", "S256"}}, want: true},
		{name: "only plain", metadata: &Metadata{CodeChallengeMethodsSupported: []string{"plain"}}, want: false},
		{name: "empty list assumes S256", metadata: &Metadata{CodeChallengeMethodsSupported: []string{}}, want: true},
		{name: "nil list assumes S256", metadata: &Metadata{}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.metadata.SupportsPKCE(); got != tt.want {
				t.Errorf("SupportsPKCE() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeServerURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://mcp.example.com", "https://mcp.example.com"},
		{"https://mcp.example.com/", "https://mcp.example.com"},
		{"https://mcp.example.com/mcp", "https://mcp.example.com"},
		{"https://mcp.example.com/sse", "https://mcp.example.com"},
	}
	for _, tt := range tests {
		if got := NormalizeServerURL(tt.in); got != tt.want {
			t.Errorf("NormalizeServerURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAuthChallenge_IsOAuthChallenge(t *testing.T) {
	tests := []struct {
		name string
		c    *AuthChallenge
		want bool
	}{
		{name: "nil challenge", c: nil, want: false},
		{name: "non-bearer scheme", c: &AuthChallenge{Scheme: "Basic", Realm: "x"}, want: false},
		{name: "bearer with realm", c: &AuthChallenge{Scheme: "Bearer", Realm: "https://as.example.com"}, want: true},
		{name: "bearer with nothing else", c: &AuthChallenge{Scheme: "Bearer"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.IsOAuthChallenge(); got != tt.want {
				t.Errorf("IsOAuthChallenge() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthChallenge_GetIssuer(t *testing.T) {
	if got := (&AuthChallenge{Issuer: "https://explicit.example.com"}).GetIssuer(); got != "https://explicit.example.com" {
		t.Errorf("expected explicit Issuer to win, got %q", got)
	}
	if got := (&AuthChallenge{Realm: "https://realm.example.com"}).GetIssuer(); got != "https://realm.example.com" {
		t.Errorf("expected URL-shaped Realm to be used as issuer, got %q", got)
	}
	if got := (&AuthChallenge{Realm: "not-a-url"}).GetIssuer(); got != "" {
		t.Errorf("expected non-URL Realm to be rejected, got %q", got)
	}
}
